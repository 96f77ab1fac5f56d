// engine/sizer.go
package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/depth"
	"auto_dhan_go/feed"
	"auto_dhan_go/logs"
	"auto_dhan_go/utils"
)

// FeedClient is the slice of the depth feed the engine needs: managing
// subscriptions for instruments it is about to trade.
type FeedClient interface {
	Subscribe(instruments []feed.Instrument) error
	Unsubscribe(instruments []feed.Instrument) error
}

// Sizer derives entry anchors, protective stops, targets, trailing
// jumps and quantities from live prices, intraday volatility and the
// account's available funds.
type Sizer struct {
	cfg    *config.RiskConfig
	client broker.Client
	book   *depth.Book
	feed   FeedClient

	fundsMu      sync.Mutex
	cachedFunds  float64
	fundsFetched time.Time

	// Discovery pacing, shortened in tests.
	tickPolls int
	tickWait  time.Duration
	restPolls int
	restWait  time.Duration
	fundsTTL  time.Duration
}

// NewSizer creates a Sizer with production discovery pacing.
func NewSizer(cfg *config.RiskConfig, client broker.Client, book *depth.Book, fc FeedClient) *Sizer {
	return &Sizer{
		cfg:       cfg,
		client:    client,
		book:      book,
		feed:      fc,
		tickPolls: 10,
		tickWait:  500 * time.Millisecond,
		restPolls: 10,
		restWait:  time.Second,
		fundsTTL:  time.Duration(cfg.FundsCacheTTLSeconds) * time.Second,
	}
}

// Funds returns the available balance, cached for the configured TTL.
// A failed refresh falls back to the last known value rather than
// blocking order flow.
func (s *Sizer) Funds(ctx context.Context) float64 {
	s.fundsMu.Lock()
	defer s.fundsMu.Unlock()

	if s.cachedFunds > 0 && time.Since(s.fundsFetched) < s.fundsTTL {
		return s.cachedFunds
	}

	funds, err := s.client.Funds(ctx)
	if err != nil {
		logs.Warnf("[Sizer] Funds refresh failed, using cached %.2f: %v", s.cachedFunds, err)
		return s.cachedFunds
	}

	s.cachedFunds = funds
	s.fundsFetched = time.Now()
	logs.Infof("[Sizer] Available funds: %.2f", funds)
	return funds
}

// DiscoverPrice finds a live price for a security, in order of
// preference: the shared depth cache, a fresh feed subscription, REST
// snapshots, and finally the signal's trigger price. Zero means no
// price could be found anywhere.
func (s *Sizer) DiscoverPrice(ctx context.Context, securityID, segment string, hasDepth bool, trigger float64) float64 {
	if p := s.book.LastPrice(securityID); p > 0 {
		return p
	}

	if hasDepth && s.feed != nil {
		inst := []feed.Instrument{{ExchangeSegment: segment, SecurityID: securityID}}
		if err := s.feed.Subscribe(inst); err != nil {
			logs.Warnf("[Sizer] Depth subscribe failed for %s: %v", securityID, err)
		} else {
			for i := 0; i < s.tickPolls; i++ {
				select {
				case <-ctx.Done():
					return 0
				case <-time.After(s.tickWait):
				}
				if p := s.book.LastPrice(securityID); p > 0 {
					return p
				}
			}
		}
	}

	for i := 0; i < s.restPolls; i++ {
		ltp, err := s.client.LastTradedPrice(ctx, segment, securityID)
		if err == nil && ltp > 0 {
			s.book.StorePrice(securityID, ltp)
			return ltp
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(s.restWait):
		}
	}

	if trigger > 0 {
		logs.Warnf("[Sizer] No live price for %s, anchoring on trigger %.2f", securityID, trigger)
		return trigger
	}
	return 0
}

// FetchATR estimates the instrument's intraday volatility from recent
// candles, clamped to a sane band around the live price. Any failure
// falls back to a per-underlying constant.
func (s *Sizer) FetchATR(ctx context.Context, securityID, segment, instrumentType, symbol string, ltp float64, positional bool) float64 {
	interval := "5"
	if positional {
		interval = "10"
	}

	now := time.Now()
	req := &broker.OHLCRequest{
		SecurityID:      securityID,
		ExchangeSegment: segment,
		Instrument:      instrumentType,
		Interval:        interval,
		FromDate:        now.AddDate(0, 0, -7).Format("2006-01-02"),
		ToDate:          now.Format("2006-01-02"),
	}

	series, err := s.client.IntradayOHLC(ctx, req)
	if err != nil {
		logs.Warnf("[Sizer] OHLC fetch failed for %s, using fallback ATR: %v", securityID, err)
		return atrFallback(symbol)
	}

	atr := WilderATR(series, s.cfg.ATRPeriod)
	if atr <= 0 {
		logs.Warnf("[Sizer] ATR unavailable for %s, using fallback", securityID)
		return atrFallback(symbol)
	}

	// Premium-relative clamp: option ATR readings whipsaw on thin series.
	if ltp > 0 {
		if min := ltp * 0.01; atr < min {
			atr = min
		}
		if max := ltp * 0.25; atr > max {
			atr = max
		}
	}
	return utils.Round2(atr)
}

// EntryLimit is the worst acceptable entry price: the anchor plus a
// volatility band capped at a fraction of the anchor.
func (s *Sizer) EntryLimit(anchor, atr float64) float64 {
	band := anchor * s.cfg.EntryBandFallback
	if atr > 0 {
		band = math.Min(atr*s.cfg.EntryBandATRMult, anchor*s.cfg.EntryBandPctCap)
	}
	return utils.Round2(anchor + band)
}

// StopLoss picks the protective stop: the declared level when sane,
// otherwise an ATR distance, otherwise a flat percentage of the anchor.
func (s *Sizer) StopLoss(anchor, atr, declared float64, positional bool) float64 {
	if declared > 0 && declared < anchor {
		return utils.Round2(declared)
	}

	mult := s.cfg.SLMultIntraday
	fallback := s.cfg.SLFallbackIntraday
	if positional {
		mult = s.cfg.SLMultPositional
		fallback = s.cfg.SLFallbackPositional
	}

	if atr > 0 {
		sl := anchor - atr*mult
		if sl > 0 {
			return utils.Round2(sl)
		}
	}
	return utils.Round2(anchor * fallback)
}

// Target picks the profit leg: the declared level when above the
// anchor, otherwise a wide multiple of the anchor so the trailing stop
// does the real work.
func (s *Sizer) Target(anchor, declared float64) float64 {
	if declared > anchor {
		return utils.Round2(declared)
	}
	return utils.Round2(anchor * s.cfg.TargetMultiple)
}

// TrailingJump sizes the trailing stop step from volatility with a
// floor, falling back to a percentage of the anchor.
func (s *Sizer) TrailingJump(anchor, atr float64, positional bool) float64 {
	mult := s.cfg.TrailMultIntraday
	floor := s.cfg.TrailFloorIntraday
	if positional {
		mult = s.cfg.TrailMultPositional
		floor = s.cfg.TrailFloorPositional
	}

	if atr > 0 {
		return math.Max(utils.Round1(atr*mult), floor)
	}
	return utils.Round1(anchor * s.cfg.TrailFallbackPct)
}

// Quantity sizes the position so the stop distance risks the
// configured fraction of available funds, floored to whole lots with a
// one-lot minimum.
func (s *Sizer) Quantity(ctx context.Context, anchor, stopLoss float64, lotSize int) int {
	if lotSize <= 0 {
		lotSize = 1
	}

	funds := s.Funds(ctx)
	riskAmount := funds * s.cfg.RiskPerTrade
	riskPerUnit := math.Max(anchor-stopLoss, s.cfg.MinRiskPoints)

	qty := utils.FloorToLot(riskAmount/riskPerUnit, lotSize)
	if qty < lotSize {
		qty = lotSize
	}
	return qty
}
