// engine/squareoff.go
package engine

import (
	"context"
	"fmt"
	"time"

	"auto_dhan_go/broker"
	"auto_dhan_go/feed"
	"auto_dhan_go/logs"
)

const (
	exitAttempts     = 5
	exitAttemptDelay = time.Second
)

// SquareOffSingle market-exits one tracked position, cancels the
// leftover bracket legs and releases its feed resources. Calling it for
// a security with no ledger entry is a no-op; the broker may already
// have closed it.
func (e *Engine) SquareOffSingle(ctx context.Context, securityID string) error {
	trade, ok := e.ledger.Get(securityID)
	if !ok {
		logs.Infof("[Engine] Square-off skipped for %s: not in ledger.", securityID)
		return nil
	}

	logs.Warnf("[Engine] Squaring off %s (%s).", trade.Symbol, securityID)

	var lastErr error
	for attempt := 1; attempt <= exitAttempts; attempt++ {
		flat, err := e.exitPosition(ctx, securityID)
		if err != nil {
			lastErr = err
			logs.Errorf("[Engine] Square-off attempt %d for %s failed: %v", attempt, securityID, err)
		} else if flat {
			lastErr = nil
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(exitAttemptDelay):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("square-off for %s did not flatten: %w", securityID, lastErr)
	}

	e.cancelBracketLegs(ctx, securityID)

	if err := e.ledger.Remove(securityID); err != nil {
		logs.Errorf("[Engine] Failed to remove %s from ledger: %v", securityID, err)
	}
	e.ReleaseTracked(securityID, trade.FuturesSID)

	logs.Infof("[Engine] Square-off complete for %s.", trade.Symbol)
	return nil
}

// exitPosition sends one market exit for any remaining net quantity.
// Returns true when the position book shows the security flat.
func (e *Engine) exitPosition(ctx context.Context, securityID string) (bool, error) {
	positions, err := e.client.Positions(ctx)
	if err != nil {
		return false, fmt.Errorf("positions fetch failed: %w", err)
	}

	for _, pos := range positions {
		if pos.SecurityID != securityID || pos.NetQty == 0 {
			continue
		}

		direction := broker.Sell
		qty := pos.NetQty
		if qty < 0 {
			direction = broker.Buy
			qty = -qty
		}

		req := &broker.MarketOrderRequest{
			DhanClientID:    e.clientID,
			TransactionType: direction,
			ExchangeSegment: pos.ExchangeSegment,
			ProductType:     pos.ProductType,
			OrderType:       "MARKET",
			SecurityID:      securityID,
			Quantity:        qty,
			Validity:        "DAY",
		}
		if _, err := e.client.PlaceMarketOrder(ctx, req); err != nil {
			return false, fmt.Errorf("market exit failed: %w", err)
		}
		logs.Infof("[Engine] Market exit sent for %s qty=%d.", securityID, qty)
		return false, nil
	}
	return true, nil
}

// cancelBracketLegs cancels whatever legs of the security's super
// orders are still working. Settled legs are skipped server-side.
func (e *Engine) cancelBracketLegs(ctx context.Context, securityID string) {
	orders, err := e.client.SuperOrders(ctx)
	if err != nil {
		logs.Warnf("[Engine] Super order listing failed during cleanup: %v", err)
		return
	}

	for i := range orders {
		order := &orders[i]
		if order.SecurityID() != securityID {
			continue
		}
		e.cancelWorkingLegs(ctx, order)
	}
}

func (e *Engine) cancelWorkingLegs(ctx context.Context, order *broker.SuperOrder) {
	switch order.OrderStatus {
	case broker.StatusPending, broker.StatusPartTraded:
		// Entry never filled; cancelling the entry leg kills the bracket.
		if err := e.client.CancelSuperLeg(ctx, order.OrderID, broker.EntryLeg); err != nil {
			logs.Warnf("[Engine] Cancel entry leg %s failed: %v", order.OrderID, err)
		}
	case broker.StatusTraded, broker.StatusClosed:
		for _, leg := range order.LegDetails {
			if leg.LegName == broker.EntryLeg {
				continue
			}
			if leg.OrderStatus != broker.StatusPending && leg.OrderStatus != broker.StatusPartTraded {
				continue
			}
			if err := e.client.CancelSuperLeg(ctx, order.OrderID, leg.LegName); err != nil {
				logs.Warnf("[Engine] Cancel leg %s/%s failed: %v", order.OrderID, leg.LegName, err)
			}
		}
	}
}

// SquareOffAll is the loss-limit response: cancel every working bracket
// leg, then market-exit every open position. The ledger entries are
// removed so the exit supervisors terminate on their next poll.
func (e *Engine) SquareOffAll(ctx context.Context) {
	logs.Warn("[Engine] GLOBAL SQUARE-OFF initiated.")

	orders, err := e.client.SuperOrders(ctx)
	if err != nil {
		logs.Errorf("[Engine] Super order listing failed during global square-off: %v", err)
	}
	for i := range orders {
		e.cancelWorkingLegs(ctx, &orders[i])
	}

	// Give cancellations a beat to settle before reading positions.
	time.Sleep(500 * time.Millisecond)

	positions, err := e.client.Positions(ctx)
	if err != nil {
		logs.Errorf("[Engine] Positions fetch failed during global square-off: %v", err)
		return
	}

	for _, pos := range positions {
		if pos.NetQty == 0 {
			continue
		}

		direction := broker.Sell
		qty := pos.NetQty
		if qty < 0 {
			direction = broker.Buy
			qty = -qty
		}

		req := &broker.MarketOrderRequest{
			DhanClientID:    e.clientID,
			TransactionType: direction,
			ExchangeSegment: pos.ExchangeSegment,
			ProductType:     pos.ProductType,
			OrderType:       "MARKET",
			SecurityID:      pos.SecurityID,
			Quantity:        qty,
			Validity:        "DAY",
		}
		if _, err := e.client.PlaceMarketOrder(ctx, req); err != nil {
			logs.Errorf("[Engine] Global square-off exit failed for %s: %v", pos.SecurityID, err)
			continue
		}
		logs.Warnf("[Engine] Global square-off exit sent for %s qty=%d.", pos.SecurityID, qty)
	}

	for _, t := range e.ledger.ListAll() {
		if err := e.ledger.Remove(t.SecurityID); err != nil {
			logs.Errorf("[Engine] Ledger removal failed for %s: %v", t.SecurityID, err)
		}
		e.ReleaseTracked(t.SecurityID, t.FuturesSID)
	}

	logs.Warn("[Engine] GLOBAL SQUARE-OFF complete.")
}

// ReleaseTracked unsubscribes a closed trade's depth streams and drops
// its cached books. The futures proxy is kept while any other open
// trade still references it.
func (e *Engine) ReleaseTracked(securityID, futSID string) {
	stillTracked := make(map[string]bool)
	for _, sid := range e.ledger.TrackedSecurityIDs() {
		stillTracked[sid] = true
	}

	var gone []feed.Instrument
	if !stillTracked[securityID] {
		gone = append(gone, feed.Instrument{ExchangeSegment: e.segmentFor(securityID), SecurityID: securityID})
		e.book.Drop(securityID)
	}
	if futSID != "" && !stillTracked[futSID] {
		gone = append(gone, feed.Instrument{ExchangeSegment: e.segmentFor(futSID), SecurityID: futSID})
		e.book.Drop(futSID)
	}

	if len(gone) > 0 && e.feed != nil {
		if err := e.feed.Unsubscribe(gone); err != nil {
			logs.Warnf("[Engine] Depth unsubscribe failed: %v", err)
		}
	}
}

func (e *Engine) segmentFor(securityID string) string {
	if seg := e.resolver.ExchangeSegment(securityID); seg != "" {
		return seg
	}
	return "NSE_FNO"
}
