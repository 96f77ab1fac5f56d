// risk/breaker.go
package risk

import (
	"context"
	"sync/atomic"
	"time"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/logs"
)

// Squarer flattens the whole account. Implemented by the execution
// engine; the breaker only decides when.
type Squarer interface {
	SquareOffAll(ctx context.Context)
}

// Breaker is the daily loss-limit circuit breaker. It polls the
// account's combined realized plus unrealized P&L and, on breach,
// flattens everything, activates the broker-side kill switch and stays
// tripped for the life of the process. There is no reset path.
type Breaker struct {
	limit    float64
	interval time.Duration
	client   broker.Client
	squarer  Squarer

	tripped atomic.Bool
}

// NewBreaker creates a breaker from the risk and scheduling config.
func NewBreaker(riskCfg *config.RiskConfig, normalCfg *config.NormalConfig, client broker.Client, squarer Squarer) *Breaker {
	return &Breaker{
		limit:    riskCfg.DailyLossLimit,
		interval: time.Duration(normalCfg.PnLIntervalSeconds) * time.Second,
		client:   client,
		squarer:  squarer,
	}
}

// SetSquarer wires the flattening dependency after construction. The
// breaker and the engine reference each other, so one side is attached
// late.
func (b *Breaker) SetSquarer(s Squarer) {
	b.squarer = s
}

// Tripped reports whether the loss limit has been breached.
func (b *Breaker) Tripped() bool {
	return b.tripped.Load()
}

// Run polls P&L until the context ends or the breaker trips. A failed
// poll is skipped, never treated as a breach.
func (b *Breaker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	logs.Infof("[Breaker] Monitoring daily loss limit of %.2f every %s.", b.limit, b.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pnl, err := b.PnL(ctx)
		if err != nil {
			logs.Warnf("[Breaker] P&L poll failed: %v", err)
			continue
		}

		if pnl <= -b.limit {
			b.trip(ctx, pnl)
			return
		}
	}
}

// PnL returns the account's total realized plus unrealized P&L.
func (b *Breaker) PnL(ctx context.Context) (float64, error) {
	positions, err := b.client.Positions(ctx)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, pos := range positions {
		total += pos.RealizedProfit + pos.UnrealizedProfit
	}
	return total, nil
}

func (b *Breaker) trip(ctx context.Context, pnl float64) {
	if !b.tripped.CompareAndSwap(false, true) {
		return
	}

	logs.Errorf("[Breaker] DAILY LOSS LIMIT BREACHED: P&L %.2f <= -%.2f. Flattening account.", pnl, b.limit)

	if b.squarer != nil {
		b.squarer.SquareOffAll(ctx)
	}

	if err := b.client.ActivateKillSwitch(ctx); err != nil {
		logs.Errorf("[Breaker] Kill switch activation failed: %v", err)
	} else {
		logs.Warn("[Breaker] Broker kill switch activated. No further entries today.")
	}
}
