// depth/imbalance.go
package depth

import (
	"time"

	"auto_dhan_go/feed"
	"auto_dhan_go/logs"
	"auto_dhan_go/utils"
)

// Imbalance returns the buy/sell pressure ratio for a security from its
// cached book. Values above 1 mean resting buy quantity dominates.
//
// The neutral value 1.0 is returned whenever the data cannot be
// trusted: unknown security, an empty side, or bid/ask snapshots whose
// timestamps have drifted apart beyond the staleness threshold.
func (b *Book) Imbalance(securityID string) float64 {
	b.mu.RLock()
	inst, ok := b.books[securityID]
	if !ok {
		b.mu.RUnlock()
		return 1.0
	}
	bids := inst.bids
	asks := inst.asks
	bidTS := inst.bidUpdatedAt
	askTS := inst.askUpdatedAt
	b.mu.RUnlock()

	if len(bids) == 0 || len(asks) == 0 {
		b.warnRateLimited(securityID, "empty depth (bids=%d asks=%d)", len(bids), len(asks))
		return 1.0
	}

	skew := bidTS.Sub(askTS)
	if skew < 0 {
		skew = -skew
	}
	if skew.Seconds() > b.cfg.StaleSkewSeconds {
		b.warnRateLimited(securityID, "stale depth: bid/ask lag %.3fs", skew.Seconds())
		return 1.0
	}

	buyVol := cappedVolume(bids, b.cfg.TopLevels, b.cfg.SpoofWindow, b.cfg.SpoofCapMultiple)
	sellVol := cappedVolume(asks, b.cfg.TopLevels, b.cfg.SpoofWindow, b.cfg.SpoofCapMultiple)

	if buyVol <= 0 {
		return 1.0
	}
	if sellVol <= 0 {
		// One-sided book after capping: strong but bounded buy signal.
		return b.cfg.ZeroSellSentinel
	}

	return utils.Round2(buyVol / sellVol)
}

// CombinedImbalance folds the option book together with its futures
// liquidity proxy. Futures order flow dominates direction signaling:
// a healthy futures book overrides option-side selling pressure, and
// only agreement of both below the weak threshold confirms danger.
// With no proxy the option's own imbalance is returned.
func (b *Book) CombinedImbalance(optionSID, futuresSID string) float64 {
	if futuresSID == "" {
		return b.Imbalance(optionSID)
	}

	futImb := b.Imbalance(futuresSID)
	if futImb >= 1.0 {
		return futImb
	}

	optImb := b.Imbalance(optionSID)
	if futImb < b.cfg.WeakImbalance && optImb < b.cfg.WeakImbalance {
		if optImb < futImb {
			return optImb
		}
		return futImb
	}

	// Futures weak but options stable: warning, not a confirmed exit.
	return futImb
}

// cappedVolume sums quantities over the top n levels with anti-spoofing:
// each level contributes at most capMult times the average quantity of
// the top `window` levels, so a single oversized resting order still
// counts as support/resistance without dominating the ratio.
func cappedVolume(levels []feed.Level, n, window int, capMult float64) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	if window > n {
		window = n
	}
	if n == 0 {
		return 0
	}

	var windowSum float64
	for _, lv := range levels[:window] {
		windowSum += float64(lv.Qty)
	}
	avg := windowSum / float64(window)
	limit := avg * capMult

	var total float64
	for _, lv := range levels[:n] {
		qty := float64(lv.Qty)
		if limit > 0 && qty > limit {
			qty = limit
		}
		total += qty
	}
	return total
}

// warnRateLimited logs at most once per configured window per security.
func (b *Book) warnRateLimited(securityID, format string, args ...interface{}) {
	b.warnMu.Lock()
	last := b.warnAt[securityID]
	now := b.now()
	if now.Sub(last) < time.Duration(b.cfg.WarnIntervalSecs*float64(time.Second)) {
		b.warnMu.Unlock()
		return
	}
	b.warnAt[securityID] = now
	b.warnMu.Unlock()

	logs.Warnf("[Depth] %s: "+format, append([]interface{}{securityID}, args...)...)
}
