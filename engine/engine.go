// engine/engine.go
package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"auto_dhan_go/broker"
	"auto_dhan_go/depth"
	"auto_dhan_go/feed"
	"auto_dhan_go/ledger"
	"auto_dhan_go/logs"
	"auto_dhan_go/mapper"
	"auto_dhan_go/signal"
	"auto_dhan_go/utils"
)

// Status is the outcome of one execution attempt.
type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusError       Status = "ERROR"
	StatusPriceHigh   Status = "PRICE_HIGH"
	StatusPriceLow    Status = "PRICE_LOW"
	StatusAlreadyOpen Status = "ALREADY_OPEN"
	StatusKillSwitch  Status = "KILL_SWITCH"
)

// Retryable reports whether the gate can clear on its own: the price
// can come back to the trigger from either side.
func (s Status) Retryable() bool {
	return s == StatusPriceLow || s == StatusPriceHigh
}

// KillSwitch gates new entries. Once tripped it never resets for the
// life of the process.
type KillSwitch interface {
	Tripped() bool
}

// Engine turns validated signals into bracket orders. One Engine is
// shared by every signal source; the pending set serializes duplicate
// attempts for the same security without blocking unrelated ones.
type Engine struct {
	client   broker.Client
	clientID string
	book     *depth.Book
	feed     FeedClient
	resolver mapper.Resolver
	ledger   *ledger.Ledger
	sizer    *Sizer
	breaker  KillSwitch

	pendingMu sync.Mutex
	pending   map[string]bool
}

// New wires an execution engine.
func New(client broker.Client, clientID string, book *depth.Book, fc FeedClient, resolver mapper.Resolver, lg *ledger.Ledger, sizer *Sizer, breaker KillSwitch) *Engine {
	return &Engine{
		client:   client,
		clientID: clientID,
		book:     book,
		feed:     fc,
		resolver: resolver,
		ledger:   lg,
		sizer:    sizer,
		breaker:  breaker,
		pending:  make(map[string]bool),
	}
}

// tryAcquire atomically claims the right to execute for a security.
func (e *Engine) tryAcquire(securityID string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pending[securityID] {
		return false
	}
	e.pending[securityID] = true
	return true
}

func (e *Engine) release(securityID string) {
	e.pendingMu.Lock()
	delete(e.pending, securityID)
	e.pendingMu.Unlock()
}

// Execute runs one signal end to end: resolve, price, size, place, and
// record. It never panics the caller's goroutine; every failure maps to
// a Status.
func (e *Engine) Execute(ctx context.Context, sig *signal.Signal) Status {
	if e.breaker != nil && e.breaker.Tripped() {
		logs.Warnf("[Engine] Kill switch active, rejecting signal for %s", sig.Symbol)
		return StatusKillSwitch
	}

	if err := sig.Validate(); err != nil {
		logs.Errorf("[Engine] Invalid signal: %v", err)
		return StatusError
	}

	inst, err := e.resolver.Resolve(sig.Symbol)
	if err != nil {
		logs.Errorf("[Engine] Cannot resolve %q: %v", sig.Symbol, err)
		return StatusError
	}

	if _, open := e.ledger.Get(inst.SecurityID); open {
		logs.Infof("[Engine] Trade already open for %s, skipping.", sig.Symbol)
		return StatusAlreadyOpen
	}

	if !e.tryAcquire(inst.SecurityID) {
		logs.Warnf("[Engine] Order already in flight for %s, skipping.", sig.Symbol)
		return StatusError
	}
	defer e.release(inst.SecurityID)

	return e.execute(ctx, sig, inst)
}

// execute does the priced work; the pending slot is held by the caller.
func (e *Engine) execute(ctx context.Context, sig *signal.Signal, inst *mapper.Instrument) Status {
	// The open-trade check above races the pending acquire: a duplicate
	// can land between the two. Look again now that the slot is held.
	if _, open := e.ledger.Get(inst.SecurityID); open {
		logs.Infof("[Engine] Trade already open for %s, skipping.", sig.Symbol)
		return StatusAlreadyOpen
	}

	// BSE contracts have no usable depth stream; REST snapshots only.
	hasDepth := inst.ExchangeSegment != "BSE_FNO"

	ltp := e.sizer.DiscoverPrice(ctx, inst.SecurityID, inst.ExchangeSegment, hasDepth, sig.TriggerPrice)
	if ltp <= 0 {
		logs.Errorf("[Engine] No price found for %s, aborting.", sig.Symbol)
		return StatusError
	}

	anchor := ltp
	if sig.TriggerPrice > 0 {
		anchor = sig.TriggerPrice
	}

	atr := e.sizer.FetchATR(ctx, inst.SecurityID, inst.ExchangeSegment, inst.InstrumentType, sig.Symbol, ltp, sig.IsPositional)

	// Entry gating: chase within the volatility band, never beyond it,
	// and never enter below a breakout trigger.
	if limit := e.sizer.EntryLimit(anchor, atr); ltp > limit {
		logs.Warnf("[Engine] %s trading at %.2f above entry limit %.2f, rejecting.", sig.Symbol, ltp, limit)
		return StatusPriceHigh
	}
	if sig.TriggerPrice > 0 && ltp < sig.TriggerPrice {
		logs.Warnf("[Engine] %s trading at %.2f below trigger %.2f, not yet triggered.", sig.Symbol, ltp, sig.TriggerPrice)
		return StatusPriceLow
	}

	// Off-tick prices bounce at the exchange; snap the resting legs.
	stopLoss := utils.AdjustPriceToTickSize(e.sizer.StopLoss(anchor, atr, sig.StopLoss, sig.IsPositional), inst.TickSize)
	target := utils.AdjustPriceToTickSize(e.sizer.Target(anchor, sig.Target), inst.TickSize)
	trailing := e.sizer.TrailingJump(anchor, atr, sig.IsPositional)
	qty := e.sizer.Quantity(ctx, anchor, stopLoss, inst.LotSize)

	product := broker.Intraday
	if sig.IsPositional {
		product = broker.Margin
	}

	req := &broker.SuperOrderRequest{
		DhanClientID:    e.clientID,
		CorrelationID:   uuid.NewString(),
		TransactionType: broker.TransactionType(sig.Action),
		ExchangeSegment: inst.ExchangeSegment,
		ProductType:     product,
		OrderType:       "MARKET",
		SecurityID:      inst.SecurityID,
		Quantity:        qty,
		Validity:        "DAY",
		StopLossPrice:   stopLoss,
		TargetPrice:     target,
		TrailingJump:    trailing,
	}

	logs.Infof("[Engine] Placing super order %s qty=%d SL=%.2f target=%.2f trail=%.2f",
		sig.Symbol, qty, stopLoss, target, trailing)

	result, err := e.client.PlaceSuperOrder(ctx, req)
	if err != nil {
		logs.Errorf("[Engine] Super order failed for %s: %v", sig.Symbol, err)
		return StatusError
	}

	entryPrice := result.AveragePrice
	if entryPrice <= 0 {
		entryPrice = result.TradedPrice
	}
	if entryPrice <= 0 {
		entryPrice = anchor
	}

	futSID, _ := e.resolver.UnderlyingFutureID(mapper.UnderlyingOf(sig.Symbol))

	trade := &ledger.Trade{
		SecurityID: inst.SecurityID,
		Symbol:     sig.Symbol,
		OrderID:    result.OrderID,
		EntryPrice: entryPrice,
		IsCall:     !sig.IsPut(),
		IsPut:      sig.IsPut(),
		FuturesSID: futSID,
		Signal:     sig,
	}
	if err := e.ledger.Add(trade); err != nil {
		// The order is live regardless; reconciliation will re-adopt it.
		logs.Errorf("[Engine] CRITICAL: order %s placed but ledger write failed: %v", result.OrderID, err)
	}

	e.Track(inst.SecurityID, inst.ExchangeSegment, futSID)

	logs.Infof("[Engine] Order %s placed for %s at %.2f.", result.OrderID, sig.Symbol, entryPrice)
	return StatusSuccess
}

// Track opens depth streams for a traded or adopted option and its
// futures proxy so the exit supervisor has data immediately.
func (e *Engine) Track(securityID, segment, futSID string) {
	if e.feed == nil {
		return
	}

	var list []feed.Instrument
	if segment != "BSE_FNO" {
		list = append(list, feed.Instrument{ExchangeSegment: segment, SecurityID: securityID})
	}
	if futSID != "" {
		futSeg := e.resolver.ExchangeSegment(futSID)
		if futSeg == "" {
			futSeg = "NSE_FNO"
		}
		list = append(list, feed.Instrument{ExchangeSegment: futSeg, SecurityID: futSID})
	}
	if len(list) == 0 {
		return
	}

	if err := e.feed.Subscribe(list); err != nil {
		logs.Warnf("[Engine] Depth subscribe after entry failed: %v", err)
	}
}
