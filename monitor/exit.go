// monitor/exit.go
package monitor

import (
	"context"
	"time"

	"auto_dhan_go/config"
	"auto_dhan_go/depth"
	"auto_dhan_go/ledger"
	"auto_dhan_go/logs"
	"auto_dhan_go/mapper"
)

// Exiter flattens a single tracked position. Implemented by the
// execution engine.
type Exiter interface {
	SquareOffSingle(ctx context.Context, securityID string) error
}

// ExitSupervisor watches one open trade and exits it when order-flow
// turns against the position. One goroutine per trade; it terminates
// on its own when the trade leaves the ledger for any reason.
type ExitSupervisor struct {
	cfg    *config.ExitConfig
	book   *depth.Book
	ledger *ledger.Ledger
	exiter Exiter
	trade  ledger.Trade

	badImb   float64
	goodImb  float64
	badTicks int

	// Overridable in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewExitSupervisor creates a supervisor for one trade. Thresholds are
// picked by liquidity class: the big index names move cleanly, so they
// get tighter bands and a shorter fuse.
func NewExitSupervisor(cfg *config.ExitConfig, book *depth.Book, lg *ledger.Ledger, exiter Exiter, trade ledger.Trade) *ExitSupervisor {
	s := &ExitSupervisor{
		cfg:    cfg,
		book:   book,
		ledger: lg,
		exiter: exiter,
		trade:  trade,
		sleep:  sleepCtx,
	}

	if mapper.IsIndex(trade.Symbol) {
		s.badImb = cfg.IndexBadImb
		s.goodImb = cfg.IndexGoodImb
		s.badTicks = cfg.IndexBadTicks
	} else {
		s.badImb = cfg.DefaultBadImb
		s.goodImb = cfg.DefaultGoodImb
		s.badTicks = cfg.DefaultBadTicks
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Run drives the supervisor to completion: settle, wick checks, then
// the imbalance watch until exit or external close.
func (s *ExitSupervisor) Run(ctx context.Context) {
	sid := s.trade.SecurityID
	logs.Infof("[Exit:%s] Supervisor started (bad<%.2f good>=%.2f fuse=%d).",
		s.trade.Symbol, s.badImb, s.goodImb, s.badTicks)

	// Let the entry settle before judging anything.
	if !s.sleep(ctx, time.Duration(s.cfg.WarmupSeconds)*time.Second) {
		return
	}

	if s.wickExit(ctx) {
		s.exit(ctx, "wick protection")
		return
	}

	s.watch(ctx)
	logs.Infof("[Exit:%s] Supervisor finished.", sid)
}

// wickExit detects entries filled on a spike that immediately
// retraced below the breakout trigger. Only trades with a declared
// trigger are checked; manual adoptions have none.
func (s *ExitSupervisor) wickExit(ctx context.Context) bool {
	trigger := 0.0
	if s.trade.Signal != nil {
		trigger = s.trade.Signal.TriggerPrice
	}
	if trigger <= 0 {
		return false
	}

	// Fill meaningfully below the trigger means the breakout was a wick.
	if s.trade.EntryPrice > 0 && s.trade.EntryPrice < trigger*(1-s.cfg.WickTolerancePct) {
		logs.Warnf("[Exit:%s] Entry %.2f below trigger %.2f: wick fill.",
			s.trade.Symbol, s.trade.EntryPrice, trigger)
		return true
	}

	// Confirm the price is holding the level right after entry.
	for i := 0; i < s.cfg.WickChecks; i++ {
		ltp := s.book.LastPrice(s.trade.SecurityID)
		if ltp > 0 && ltp < trigger*(1-s.cfg.WickTolerancePct) {
			logs.Warnf("[Exit:%s] Price %.2f fell back under trigger %.2f after entry.",
				s.trade.Symbol, ltp, trigger)
			return true
		}
		if !s.sleep(ctx, time.Duration(s.cfg.WickCheckIntervalSec)*time.Second) {
			return false
		}
	}
	return false
}

// watch runs the imbalance fuse until it blows or the trade closes.
func (s *ExitSupervisor) watch(ctx context.Context) {
	sid := s.trade.SecurityID
	badCount := 0
	pollTimeout := time.Duration(s.cfg.PollTimeoutSeconds) * time.Second
	logEvery := time.Duration(s.cfg.LogIntervalSeconds) * time.Second
	lastLog := time.Now()

	for {
		// Event-driven with a timeout floor so staleness is re-evaluated
		// even when the feed goes quiet.
		updated := s.book.Updated()
		select {
		case <-ctx.Done():
			return
		case <-updated:
		case <-time.After(pollTimeout):
		}

		if _, open := s.ledger.Get(sid); !open {
			logs.Infof("[Exit:%s] Trade closed externally, supervisor terminating.", s.trade.Symbol)
			return
		}

		imb := s.directionalImbalance()

		switch {
		case imb < s.badImb:
			badCount++
		case imb >= s.goodImb:
			badCount = 0
		default:
			if badCount > 0 {
				badCount--
			}
		}

		if time.Since(lastLog) >= logEvery {
			logs.Infof("[Exit:%s] imbalance=%.2f bad=%d/%d ltp=%.2f",
				s.trade.Symbol, imb, badCount, s.badTicks, s.book.LastPrice(sid))
			lastLog = time.Now()
		}

		if badCount >= s.badTicks {
			if s.trade.IsManual {
				// Manual positions are never auto-exited, only flagged.
				logs.Warnf("[Exit:%s] MANUAL TRADE ALERT: sustained adverse flow (imbalance %.2f).",
					s.trade.Symbol, imb)
				badCount = 0
				continue
			}
			s.exit(ctx, "adverse order flow")
			return
		}
	}
}

// directionalImbalance normalizes the combined imbalance so that >1
// always means supportive flow for this position. Calls read it
// directly; puts profit from selling pressure, so the ratio inverts.
func (s *ExitSupervisor) directionalImbalance() float64 {
	raw := s.book.CombinedImbalance(s.trade.SecurityID, s.trade.FuturesSID)
	if s.trade.IsPut {
		if raw <= 0 {
			return 1.0
		}
		return 1.0 / raw
	}
	return raw
}

func (s *ExitSupervisor) exit(ctx context.Context, reason string) {
	logs.Warnf("[Exit:%s] Exiting position: %s.", s.trade.Symbol, reason)
	if err := s.exiter.SquareOffSingle(ctx, s.trade.SecurityID); err != nil {
		logs.Errorf("[Exit:%s] Square-off failed: %v", s.trade.Symbol, err)
	}
}
