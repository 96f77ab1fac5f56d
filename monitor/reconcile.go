// monitor/reconcile.go
package monitor

import (
	"context"
	"time"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/ledger"
	"auto_dhan_go/logs"
	"auto_dhan_go/mapper"
	"auto_dhan_go/signal"
)

// Tracker manages the feed resources attached to ledger entries.
// Implemented by the execution engine.
type Tracker interface {
	Track(securityID, segment, futSID string)
	ReleaseTracked(securityID, futSID string)
}

// Reconciler periodically converges the ledger with the broker's
// position book: trades the broker no longer holds are dropped with
// their feed resources, and positions opened outside the bot are
// adopted as manual trades so they at least get alerting.
type Reconciler struct {
	interval time.Duration
	client   broker.Client
	ledger   *ledger.Ledger
	tracker  Tracker
	resolver mapper.Resolver

	// onAdopt starts supervision for an adopted manual trade.
	onAdopt func(ledger.Trade)
}

// NewReconciler creates the reconciliation loop.
func NewReconciler(cfg *config.NormalConfig, client broker.Client, lg *ledger.Ledger, tracker Tracker, resolver mapper.Resolver, onAdopt func(ledger.Trade)) *Reconciler {
	return &Reconciler{
		interval: time.Duration(cfg.ReconcileIntervalSeconds) * time.Second,
		client:   client,
		ledger:   lg,
		tracker:  tracker,
		resolver: resolver,
		onAdopt:  onAdopt,
	}
}

// Run reconciles on a fixed interval until the context ends. A failed
// position fetch skips the cycle; stale local state is safer than
// acting on a partial view.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logs.Infof("[Reconciler] Running every %s.", r.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.reconcileOnce(ctx)
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	positions, err := r.client.Positions(ctx)
	if err != nil {
		logs.Warnf("[Reconciler] Positions fetch failed, skipping cycle: %v", err)
		return
	}

	live := make(map[string]bool)
	for _, pos := range positions {
		if pos.NetQty != 0 {
			live[pos.SecurityID] = true
		}
	}

	// Drop trades the broker no longer holds (stop hit, target hit,
	// manual close in the broker app).
	for _, t := range r.ledger.Reconcile(live) {
		logs.Infof("[Reconciler] %s closed at broker, dropping from ledger.", t.Symbol)
		r.tracker.ReleaseTracked(t.SecurityID, t.FuturesSID)
	}

	// Adopt positions the bot did not open.
	for _, pos := range positions {
		if pos.NetQty == 0 {
			continue
		}
		if _, tracked := r.ledger.Get(pos.SecurityID); tracked {
			continue
		}
		r.adopt(pos)
	}
}

func (r *Reconciler) adopt(pos broker.Position) {
	futSID, _ := r.resolver.UnderlyingFutureID(mapper.UnderlyingOf(pos.TradingSymbol))

	// Direction comes from the symbol; the exit supervisor inverts the
	// imbalance reading for puts.
	isPut := signal.InferOptionType(pos.TradingSymbol) == signal.Put

	trade := &ledger.Trade{
		SecurityID: pos.SecurityID,
		Symbol:     pos.TradingSymbol,
		IsCall:     !isPut,
		IsPut:      isPut,
		FuturesSID: futSID,
		IsManual:   true,
	}
	if err := r.ledger.Add(trade); err != nil {
		logs.Errorf("[Reconciler] Failed to adopt manual position %s: %v", pos.SecurityID, err)
		return
	}

	logs.Warnf("[Reconciler] Adopted manual position %s (qty %d). Alert-only supervision.",
		pos.TradingSymbol, pos.NetQty)

	r.tracker.Track(pos.SecurityID, pos.ExchangeSegment, futSID)
	if r.onAdopt != nil {
		r.onAdopt(*trade)
	}
}
