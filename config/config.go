// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general, non-strategy-specific configuration.
type NormalConfig struct {
	HTTPTimeoutSeconds        int    `yaml:"http_timeout_seconds"`
	ReconcileIntervalSeconds  int    `yaml:"reconcile_interval_seconds"`
	PnLIntervalSeconds        int    `yaml:"pnl_interval_seconds"`
	HeartbeatIntervalMinutes  int    `yaml:"heartbeat_interval_minutes"`
	SignalPollIntervalSeconds int    `yaml:"signal_poll_interval_seconds"`
	LogDirectory              string `yaml:"log_directory"`
	DataDirectory             string `yaml:"data_directory"`
	SignalsFile               string `yaml:"signals_file"`
	InstrumentsFile           string `yaml:"instruments_file"`
}

// FeedConfig tunes the depth feed connection behaviour.
type FeedConfig struct {
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`
	PingIntervalSeconds   int `yaml:"ping_interval_seconds"`
}

// DepthConfig tunes the order-book imbalance calculation.
type DepthConfig struct {
	TopLevels        int     `yaml:"top_levels"`         // levels summed per side
	SpoofWindow      int     `yaml:"spoof_window"`       // levels used for the spoof average
	SpoofCapMultiple float64 `yaml:"spoof_cap_multiple"` // cap = multiple * window average
	StaleSkewSeconds float64 `yaml:"stale_skew_seconds"` // bid/ask timestamp skew limit
	WarnIntervalSecs float64 `yaml:"warn_interval_seconds"`
	WeakImbalance    float64 `yaml:"weak_imbalance"`    // both-below => confirmed danger
	ZeroSellSentinel float64 `yaml:"zero_sell_sentinel"` // returned when ask volume caps to zero
}

// RiskConfig holds every position-sizing and stop/target shape constant.
// Exact multipliers are deliberately tunable; the formula shapes are not.
type RiskConfig struct {
	RiskPerTrade         float64 `yaml:"risk_per_trade"`
	DailyLossLimit       float64 `yaml:"daily_loss_limit"`
	FundsCacheTTLSeconds int     `yaml:"funds_cache_ttl_seconds"`
	ATRPeriod            int     `yaml:"atr_period"`
	SLMultIntraday       float64 `yaml:"sl_mult_intraday"`
	SLMultPositional     float64 `yaml:"sl_mult_positional"`
	SLFallbackIntraday   float64 `yaml:"sl_fallback_intraday"`   // fraction of anchor
	SLFallbackPositional float64 `yaml:"sl_fallback_positional"` // fraction of anchor
	TargetMultiple       float64 `yaml:"target_multiple"`
	TrailMultIntraday    float64 `yaml:"trail_mult_intraday"`
	TrailMultPositional  float64 `yaml:"trail_mult_positional"`
	TrailFloorIntraday   float64 `yaml:"trail_floor_intraday"`
	TrailFloorPositional float64 `yaml:"trail_floor_positional"`
	TrailFallbackPct     float64 `yaml:"trail_fallback_pct"`
	EntryBandATRMult     float64 `yaml:"entry_band_atr_mult"`
	EntryBandPctCap      float64 `yaml:"entry_band_pct_cap"`
	EntryBandFallback    float64 `yaml:"entry_band_fallback_pct"`
	MinRiskPoints        float64 `yaml:"min_risk_points"`
}

// ExitConfig tunes the per-trade exit supervisor.
type ExitConfig struct {
	WarmupSeconds        int     `yaml:"warmup_seconds"`
	WickChecks           int     `yaml:"wick_checks"`
	WickCheckIntervalSec int     `yaml:"wick_check_interval_seconds"`
	WickTolerancePct     float64 `yaml:"wick_tolerance_pct"`
	PollTimeoutSeconds   int     `yaml:"poll_timeout_seconds"`
	LogIntervalSeconds   int     `yaml:"log_interval_seconds"`
	IndexBadImb          float64 `yaml:"index_bad_imb"`
	IndexGoodImb         float64 `yaml:"index_good_imb"`
	IndexBadTicks        int     `yaml:"index_bad_ticks"`
	DefaultBadImb        float64 `yaml:"default_bad_imb"`
	DefaultGoodImb       float64 `yaml:"default_good_imb"`
	DefaultBadTicks      int     `yaml:"default_bad_ticks"`
}

// RetryConfig tunes the breakout retry supervisor.
type RetryConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	MaxPolls            int `yaml:"max_polls"`
	ConfirmTicks        int `yaml:"confirm_ticks"`
}

// Config is the top-level configuration structure.
type Config struct {
	UseSimulation bool `yaml:"use_simulation"`

	Normal *NormalConfig `yaml:"normal_config"`
	Logs   *LogConfig    `yaml:"logs"`
	Feed   *FeedConfig   `yaml:"feed"`
	Depth  *DepthConfig  `yaml:"depth"`
	Risk   *RiskConfig   `yaml:"risk"`
	Exit   *ExitConfig   `yaml:"exit"`
	Retry  *RetryConfig  `yaml:"retry"`
}

// NewConfig creates a Config pre-populated with the documented tunable
// defaults. Operational fields (directories, credentials, loss limit)
// have no defaults and MUST come from config.yaml / the environment.
func NewConfig() *Config {
	return &Config{
		Normal: &NormalConfig{
			SignalPollIntervalSeconds: 2,
			HeartbeatIntervalMinutes:  30,
		},
		Logs: &LogConfig{},
		Feed: &FeedConfig{
			ReconnectDelaySeconds: 2,
			PingIntervalSeconds:   10,
		},
		Depth: &DepthConfig{
			TopLevels:        20,
			SpoofWindow:      5,
			SpoofCapMultiple: 3.0,
			StaleSkewSeconds: 2.0,
			WarnIntervalSecs: 10.0,
			WeakImbalance:    0.7,
			ZeroSellSentinel: 5.0,
		},
		Risk: &RiskConfig{
			RiskPerTrade:         0.0125,
			FundsCacheTTLSeconds: 18000,
			ATRPeriod:            14,
			SLMultIntraday:       1.2,
			SLMultPositional:     1.75,
			SLFallbackIntraday:   0.94,
			SLFallbackPositional: 0.85,
			TargetMultiple:       10.0,
			TrailMultIntraday:    0.5,
			TrailMultPositional:  1.0,
			TrailFloorIntraday:   1.0,
			TrailFloorPositional: 2.0,
			TrailFallbackPct:     0.05,
			EntryBandATRMult:     1.5,
			EntryBandPctCap:      0.15,
			EntryBandFallback:    0.10,
			MinRiskPoints:        1.0,
		},
		Exit: &ExitConfig{
			WarmupSeconds:        3,
			WickChecks:           5,
			WickCheckIntervalSec: 2,
			WickTolerancePct:     0.005,
			PollTimeoutSeconds:   2,
			LogIntervalSeconds:   60,
			IndexBadImb:          0.20,
			IndexGoodImb:         2.8,
			IndexBadTicks:        4,
			DefaultBadImb:        0.35,
			DefaultGoodImb:       2.2,
			DefaultBadTicks:      6,
		},
		Retry: &RetryConfig{
			PollIntervalSeconds: 5,
			MaxPolls:            1800,
			ConfirmTicks:        3,
		},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Error: config file not found at %s. Program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the logical consistency and completeness of the configuration.
func (c *Config) Validate() error {
	if c.Normal == nil {
		return fmt.Errorf("Critical config missing: 'normal_config' block must be provided in config.yaml")
	}
	if c.Normal.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.http_timeout_seconds' must be positive")
	}
	if c.Normal.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.reconcile_interval_seconds' must be positive")
	}
	if c.Normal.PnLIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.pnl_interval_seconds' must be positive")
	}
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.log_directory' must be specified (e.g., 'logs')")
	}
	if c.Normal.DataDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.data_directory' must be specified (e.g., 'data')")
	}
	if c.Normal.SignalsFile == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.signals_file' must be specified")
	}
	if c.Normal.InstrumentsFile == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.instruments_file' must be specified")
	}

	if c.Logs == nil || c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be specified (e.g., 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 || c.Logs.MaxBackups <= 0 || c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Critical config missing: 'logs' rotation settings must all be positive")
	}

	if c.Risk.DailyLossLimit <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.daily_loss_limit' must be positive")
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade >= 1 {
		return fmt.Errorf("Config error: risk.risk_per_trade must be a fraction between 0 and 1")
	}
	if c.Risk.ATRPeriod < 2 {
		return fmt.Errorf("Config error: risk.atr_period must be at least 2")
	}
	if c.Depth.TopLevels <= 0 || c.Depth.TopLevels > 20 {
		return fmt.Errorf("Config error: depth.top_levels must be between 1 and 20")
	}
	if c.Depth.SpoofWindow <= 0 || c.Depth.SpoofWindow > c.Depth.TopLevels {
		return fmt.Errorf("Config error: depth.spoof_window must be between 1 and depth.top_levels")
	}
	if c.Exit.IndexBadTicks <= 0 || c.Exit.DefaultBadTicks <= 0 {
		return fmt.Errorf("Config error: exit bad-tick counts must be positive")
	}
	if c.Retry.ConfirmTicks <= 0 || c.Retry.MaxPolls <= 0 || c.Retry.PollIntervalSeconds <= 0 {
		return fmt.Errorf("Config error: retry settings must all be positive")
	}

	return nil
}

// EnvConfig carries broker credentials from the environment.
type EnvConfig struct {
	ClientID    string
	AccessToken string
	BaseURL     string
	FeedURL     string
}

func LoadEnvConfig() *EnvConfig {
	cfg := &EnvConfig{
		ClientID:    os.Getenv("DHAN_CLIENT_ID"),
		AccessToken: os.Getenv("DHAN_ACCESS_TOKEN"),
		BaseURL:     os.Getenv("DHAN_BASE_URL"),
		FeedURL:     os.Getenv("DHAN_DEPTH_FEED_URL"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.dhan.co/v2"
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = "wss://depth-api-feed.dhan.co/twentydepth"
	}
	return cfg
}
