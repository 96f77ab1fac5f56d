// depth/book.go
package depth

import (
	"sync"
	"time"

	"auto_dhan_go/config"
	"auto_dhan_go/feed"
)

// maxLevels bounds each side of a cached book. The feed never sends
// more than 20 levels; anything beyond is discarded defensively.
const maxLevels = 20

// instrumentDepth is the cached book for one security. Mutated only by
// Apply on the feed goroutine; read under the book's RWMutex.
type instrumentDepth struct {
	bids         []feed.Level
	asks         []feed.Level
	bidUpdatedAt time.Time
	askUpdatedAt time.Time
	lastPrice    float64
}

// Book is the shared market depth cache. Single writer (the feed
// callback), many readers (engine and supervisors).
type Book struct {
	cfg *config.DepthConfig

	mu      sync.RWMutex
	books   map[string]*instrumentDepth
	updated chan struct{}

	warnMu sync.Mutex
	warnAt map[string]time.Time

	now func() time.Time
}

// NewBook creates an empty depth cache.
func NewBook(cfg *config.DepthConfig) *Book {
	return &Book{
		cfg:     cfg,
		books:   make(map[string]*instrumentDepth),
		updated: make(chan struct{}),
		warnAt:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Apply replaces one side of a security's book from a decoded snapshot
// and recomputes the mid price. It is the feed's registered callback.
// The side's levels and timestamp are swapped in as one atomic step.
func (b *Book) Apply(snap feed.Snapshot) {
	levels := snap.Levels
	if len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}

	b.mu.Lock()
	inst, ok := b.books[snap.SecurityID]
	if !ok {
		inst = &instrumentDepth{}
		b.books[snap.SecurityID] = inst
	}

	ts := b.now()
	if snap.Side == feed.Bid {
		inst.bids = levels
		inst.bidUpdatedAt = ts
	} else {
		inst.asks = levels
		inst.askUpdatedAt = ts
	}

	// Mid price is defined only when both sides are present.
	if len(inst.bids) > 0 && len(inst.asks) > 0 {
		inst.lastPrice = (inst.bids[0].Price + inst.asks[0].Price) / 2
	}

	// Broadcast the update to event-driven supervisors.
	close(b.updated)
	b.updated = make(chan struct{})
	b.mu.Unlock()
}

// Updated returns a channel closed on the next depth update. Callers
// re-fetch it after every wakeup.
func (b *Book) Updated() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// LastPrice returns the cached price for a security: the depth mid when
// both sides have been seen, or the most recent REST snapshot stored
// via StorePrice. Zero means no price is known.
func (b *Book) LastPrice(securityID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if inst, ok := b.books[securityID]; ok {
		return inst.lastPrice
	}
	return 0
}

// StorePrice caches an externally fetched price for a security that has
// no usable depth (cold start, instruments without a depth feed).
func (b *Book) StorePrice(securityID string, price float64) {
	if price <= 0 {
		return
	}
	b.mu.Lock()
	inst, ok := b.books[securityID]
	if !ok {
		inst = &instrumentDepth{}
		b.books[securityID] = inst
	}
	inst.lastPrice = price
	b.mu.Unlock()
}

// Drop removes a security's cached book. Safe when absent.
func (b *Book) Drop(securityID string) {
	b.mu.Lock()
	delete(b.books, securityID)
	b.mu.Unlock()
}

// Levels returns copies of both sides for inspection.
func (b *Book) Levels(securityID string) (bids, asks []feed.Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	inst, ok := b.books[securityID]
	if !ok {
		return nil, nil
	}
	return append([]feed.Level(nil), inst.bids...), append([]feed.Level(nil), inst.asks...)
}
