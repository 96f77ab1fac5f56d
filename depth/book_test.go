package depth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_dhan_go/config"
	"auto_dhan_go/feed"
)

func testBook() *Book {
	return NewBook(config.NewConfig().Depth)
}

func applyBoth(b *Book, sid string, bids, asks []feed.Level) {
	b.Apply(feed.Snapshot{SecurityID: sid, Side: feed.Bid, Levels: bids})
	b.Apply(feed.Snapshot{SecurityID: sid, Side: feed.Ask, Levels: asks})
}

func TestImbalance_Basic(t *testing.T) {
	b := testBook()
	applyBoth(b, "100",
		[]feed.Level{{Price: 100.0, Qty: 50, Orders: 2}, {Price: 99.5, Qty: 10, Orders: 1}},
		[]feed.Level{{Price: 100.5, Qty: 40, Orders: 3}})

	assert.Equal(t, 1.5, b.Imbalance("100"))
	assert.Equal(t, 100.25, b.LastPrice("100"))
}

func TestImbalance_UnknownAndEmptySide(t *testing.T) {
	b := testBook()
	assert.Equal(t, 1.0, b.Imbalance("missing"))

	b.Apply(feed.Snapshot{SecurityID: "200", Side: feed.Bid, Levels: []feed.Level{{Price: 10, Qty: 5}}})
	assert.Equal(t, 1.0, b.Imbalance("200"))
}

func TestImbalance_StaleSkew(t *testing.T) {
	b := testBook()

	now := time.Now()
	b.now = func() time.Time { return now }
	b.Apply(feed.Snapshot{SecurityID: "300", Side: feed.Bid, Levels: []feed.Level{{Price: 10, Qty: 100}}})

	// Ask arrives 3 seconds later: sides no longer comparable.
	b.now = func() time.Time { return now.Add(3 * time.Second) }
	b.Apply(feed.Snapshot{SecurityID: "300", Side: feed.Ask, Levels: []feed.Level{{Price: 11, Qty: 10}}})

	assert.Equal(t, 1.0, b.Imbalance("300"))

	// A fresh bid restores the signal.
	b.Apply(feed.Snapshot{SecurityID: "300", Side: feed.Bid, Levels: []feed.Level{{Price: 10, Qty: 100}}})
	assert.Equal(t, 10.0, b.Imbalance("300"))
}

func TestImbalance_SpoofCap(t *testing.T) {
	b := testBook()

	// One 10000-lot bid among 100-lot levels. Top-5 average is 2080, so
	// the spoofed level caps at 6240 and the ratio stays bounded.
	bids := []feed.Level{
		{Price: 100, Qty: 100}, {Price: 99, Qty: 10000}, {Price: 98, Qty: 100},
		{Price: 97, Qty: 100}, {Price: 96, Qty: 100},
	}
	asks := []feed.Level{{Price: 101, Qty: 400}}
	applyBoth(b, "400", bids, asks)

	// capped buy volume = 100*4 + 6240 = 6640 -> 6640/400 = 16.6
	assert.Equal(t, 16.6, b.Imbalance("400"))
}

func TestImbalance_ZeroSellSentinel(t *testing.T) {
	b := testBook()
	applyBoth(b, "500",
		[]feed.Level{{Price: 10, Qty: 100}},
		[]feed.Level{{Price: 11, Qty: 0}})

	assert.Equal(t, b.cfg.ZeroSellSentinel, b.Imbalance("500"))
}

func TestCombinedImbalance(t *testing.T) {
	b := testBook()

	// Option bearish, futures bullish: futures win.
	applyBoth(b, "OPT", []feed.Level{{Price: 10, Qty: 50}}, []feed.Level{{Price: 11, Qty: 100}})
	applyBoth(b, "FUT", []feed.Level{{Price: 100, Qty: 120}}, []feed.Level{{Price: 101, Qty: 100}})
	assert.Equal(t, 1.2, b.CombinedImbalance("OPT", "FUT"))

	// Both weak: the worse of the two confirms danger.
	applyBoth(b, "OPT", []feed.Level{{Price: 10, Qty: 30}}, []feed.Level{{Price: 11, Qty: 100}})
	applyBoth(b, "FUT", []feed.Level{{Price: 100, Qty: 50}}, []feed.Level{{Price: 101, Qty: 100}})
	assert.Equal(t, 0.3, b.CombinedImbalance("OPT", "FUT"))

	// Futures weak but option healthy: futures value, unconfirmed.
	applyBoth(b, "OPT", []feed.Level{{Price: 10, Qty: 200}}, []feed.Level{{Price: 11, Qty: 100}})
	assert.Equal(t, 0.5, b.CombinedImbalance("OPT", "FUT"))

	// No proxy: option stands alone.
	assert.Equal(t, 2.0, b.CombinedImbalance("OPT", ""))
}

func TestBook_StoreDropAndLevels(t *testing.T) {
	b := testBook()

	b.StorePrice("700", 123.45)
	assert.Equal(t, 123.45, b.LastPrice("700"))

	b.StorePrice("700", 0)
	assert.Equal(t, 123.45, b.LastPrice("700"))

	applyBoth(b, "700", []feed.Level{{Price: 10, Qty: 1}}, []feed.Level{{Price: 12, Qty: 1}})
	bids, asks := b.Levels("700")
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)

	b.Drop("700")
	assert.Equal(t, 0.0, b.LastPrice("700"))
}

func TestBook_UpdatedBroadcast(t *testing.T) {
	b := testBook()
	ch := b.Updated()

	applyBoth(b, "800", []feed.Level{{Price: 10, Qty: 1}}, []feed.Level{{Price: 11, Qty: 1}})

	select {
	case <-ch:
	default:
		t.Fatal("expected update broadcast after Apply")
	}
}

func TestBook_TruncatesToMaxLevels(t *testing.T) {
	b := testBook()

	levels := make([]feed.Level, 30)
	for i := range levels {
		levels[i] = feed.Level{Price: float64(100 - i), Qty: 10}
	}
	b.Apply(feed.Snapshot{SecurityID: "900", Side: feed.Bid, Levels: levels})

	bids, _ := b.Levels("900")
	assert.Len(t, bids, maxLevels)
}
