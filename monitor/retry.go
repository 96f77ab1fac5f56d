// monitor/retry.go
package monitor

import (
	"context"
	"time"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/depth"
	"auto_dhan_go/engine"
	"auto_dhan_go/logs"
	"auto_dhan_go/signal"
)

// Executor places a signal. Implemented by the execution engine.
type Executor interface {
	Execute(ctx context.Context, sig *signal.Signal) engine.Status
}

// RetrySupervisor re-arms a breakout signal that was gated on price,
// either still below its trigger or stretched past the entry band. It
// polls until the trigger holds for a few consecutive reads, fires the
// signal exactly once, and terminates. Single spikes through the
// trigger do not fire it.
type RetrySupervisor struct {
	cfg      *config.RetryConfig
	book     *depth.Book
	client   broker.Client
	executor Executor
	breaker  engine.KillSwitch

	sig        *signal.Signal
	securityID string
	segment    string

	sleep func(ctx context.Context, d time.Duration) bool
}

// NewRetrySupervisor creates a retry watcher for one rejected signal.
func NewRetrySupervisor(cfg *config.RetryConfig, book *depth.Book, client broker.Client, executor Executor, breaker engine.KillSwitch, sig *signal.Signal, securityID, segment string) *RetrySupervisor {
	return &RetrySupervisor{
		cfg:        cfg,
		book:       book,
		client:     client,
		executor:   executor,
		breaker:    breaker,
		sig:        sig,
		securityID: securityID,
		segment:    segment,
		sleep:      sleepCtx,
	}
}

// Run polls until the trigger is confirmed, the poll budget runs out,
// the kill switch trips, or the context ends.
func (r *RetrySupervisor) Run(ctx context.Context) {
	trigger := r.sig.TriggerPrice
	if trigger <= 0 {
		return
	}

	logs.Infof("[Retry:%s] Watching for trigger %.2f (up to %d polls).",
		r.sig.Symbol, trigger, r.cfg.MaxPolls)

	consecutive := 0
	interval := time.Duration(r.cfg.PollIntervalSeconds) * time.Second

	for poll := 0; poll < r.cfg.MaxPolls; poll++ {
		if !r.sleep(ctx, interval) {
			return
		}

		if r.breaker != nil && r.breaker.Tripped() {
			logs.Warnf("[Retry:%s] Kill switch active, abandoning retry.", r.sig.Symbol)
			return
		}

		price := r.currentPrice(ctx)
		if price <= 0 {
			consecutive = 0
			continue
		}

		if price >= trigger {
			consecutive++
		} else {
			consecutive = 0
		}

		if consecutive >= r.cfg.ConfirmTicks {
			logs.Infof("[Retry:%s] Trigger %.2f confirmed at %.2f, executing.", r.sig.Symbol, trigger, price)
			status := r.executor.Execute(ctx, r.sig)
			logs.Infof("[Retry:%s] Execution result: %s.", r.sig.Symbol, status)
			return
		}
	}

	logs.Infof("[Retry:%s] Poll budget exhausted, giving up.", r.sig.Symbol)
}

// currentPrice polls REST on every tick. The retry target is not
// subscribed to the depth feed, so a cached price would never refresh;
// the cache only backstops a failed snapshot.
func (r *RetrySupervisor) currentPrice(ctx context.Context) float64 {
	ltp, err := r.client.LastTradedPrice(ctx, r.segment, r.securityID)
	if err == nil && ltp > 0 {
		r.book.StorePrice(r.securityID, ltp)
		return ltp
	}
	if err != nil {
		logs.Debugf("[Retry:%s] LTP poll failed: %v", r.sig.Symbol, err)
	}
	return r.book.LastPrice(r.securityID)
}
