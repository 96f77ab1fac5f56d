package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/depth"
	"auto_dhan_go/feed"
	"auto_dhan_go/ledger"
	"auto_dhan_go/mapper"
	"auto_dhan_go/signal"
)

type fakeResolver struct {
	inst   *mapper.Instrument
	futSID string
}

func (f *fakeResolver) Resolve(symbol string) (*mapper.Instrument, error) {
	if f.inst == nil {
		return nil, fmt.Errorf("security ID not found for %q", symbol)
	}
	return f.inst, nil
}

func (f *fakeResolver) UnderlyingFutureID(underlying string) (string, bool) {
	return f.futSID, f.futSID != ""
}

func (f *fakeResolver) ExchangeSegment(securityID string) string { return "NSE_FNO" }

type fakeFeed struct {
	mu           sync.Mutex
	subscribed   []feed.Instrument
	unsubscribed []feed.Instrument
}

func (f *fakeFeed) Subscribe(instruments []feed.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, instruments...)
	return nil
}

func (f *fakeFeed) Unsubscribe(instruments []feed.Instrument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, instruments...)
	return nil
}

type fakeBreaker struct{ tripped bool }

func (f *fakeBreaker) Tripped() bool { return f.tripped }

type engineFixture struct {
	engine   *Engine
	client   *broker.MockClient
	book     *depth.Book
	ledger   *ledger.Ledger
	feed     *fakeFeed
	resolver *fakeResolver
	breaker  *fakeBreaker
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	cfg := config.NewConfig()

	client := broker.NewMockClient()
	client.FundsValue = 100000

	book := depth.NewBook(cfg.Depth)
	fc := &fakeFeed{}

	sizer := NewSizer(cfg.Risk, client, book, fc)
	sizer.tickPolls = 1
	sizer.tickWait = time.Millisecond
	sizer.restPolls = 1
	sizer.restWait = time.Millisecond

	lg, err := ledger.NewLedger(filepath.Join(t.TempDir(), "trades.json"))
	require.NoError(t, err)

	resolver := &fakeResolver{
		inst: &mapper.Instrument{
			SecurityID:      "101",
			Symbol:          "NIFTY 25 SEP 25000 CALL",
			ExchangeSegment: "NSE_FNO",
			InstrumentType:  "OPTIDX",
			LotSize:         75,
			TickSize:        0.05,
		},
		futSID: "501",
	}
	breaker := &fakeBreaker{}

	return &engineFixture{
		engine:   New(client, "CLIENT1", book, fc, resolver, lg, sizer, breaker),
		client:   client,
		book:     book,
		ledger:   lg,
		feed:     fc,
		resolver: resolver,
		breaker:  breaker,
	}
}

func callSignal() *signal.Signal {
	return &signal.Signal{
		Symbol:       "NIFTY 25 SEP 25000 CALL",
		Action:       signal.Buy,
		TriggerPrice: 100,
	}
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)
	f.book.StorePrice("101", 101)

	status := f.engine.Execute(context.Background(), callSignal())
	assert.Equal(t, StatusSuccess, status)

	require.Len(t, f.client.PlacedSuper, 1)
	req := f.client.PlacedSuper[0]
	assert.Equal(t, "CLIENT1", req.DhanClientID)
	assert.NotEmpty(t, req.CorrelationID)
	assert.Equal(t, broker.Buy, req.TransactionType)
	assert.Equal(t, "MARKET", req.OrderType)
	assert.Equal(t, broker.Intraday, req.ProductType)
	assert.Less(t, req.StopLossPrice, 100.0)
	assert.Greater(t, req.TargetPrice, 100.0)
	assert.Positive(t, req.TrailingJump)
	assert.Zero(t, req.Quantity%75)

	trade, ok := f.ledger.Get("101")
	require.True(t, ok)
	assert.Equal(t, "501", trade.FuturesSID)
	assert.True(t, trade.IsCall)

	// Option and futures proxy get depth subscriptions.
	assert.Len(t, f.feed.subscribed, 2)
}

func TestExecute_QuantitySizing(t *testing.T) {
	f := newFixture(t)
	f.book.StorePrice("101", 100)

	// 100000 * 0.0125 = 1250 risk. Stop distance fixes risk per unit.
	sig := callSignal()
	sig.StopLoss = 90

	require.Equal(t, StatusSuccess, f.engine.Execute(context.Background(), sig))
	require.Len(t, f.client.PlacedSuper, 1)

	req := f.client.PlacedSuper[0]
	assert.Equal(t, 90.0, req.StopLossPrice)
	// 1250 / 10 = 125 units -> one full 75-lot.
	assert.Equal(t, 75, req.Quantity)
}

func TestStatusRetryable(t *testing.T) {
	assert.True(t, StatusPriceLow.Retryable())
	assert.True(t, StatusPriceHigh.Retryable())
	assert.False(t, StatusSuccess.Retryable())
	assert.False(t, StatusError.Retryable())
	assert.False(t, StatusAlreadyOpen.Retryable())
	assert.False(t, StatusKillSwitch.Retryable())
}

// A duplicate can pass the open-trade check while the first attempt is
// still in flight; the re-check under the pending slot must catch it.
func TestExecute_OpenTradeRecheckUnderPendingSlot(t *testing.T) {
	f := newFixture(t)
	f.book.StorePrice("101", 101)

	// The first attempt has just landed: trade recorded, slot released.
	require.NoError(t, f.ledger.Add(&ledger.Trade{SecurityID: "101", Symbol: "NIFTY 25 SEP 25000 CALL"}))

	// The duplicate already passed the early check; enter the priced
	// path directly with the slot held.
	require.True(t, f.engine.tryAcquire("101"))
	defer f.engine.release("101")

	status := f.engine.execute(context.Background(), callSignal(), f.resolver.inst)
	assert.Equal(t, StatusAlreadyOpen, status)
	assert.Empty(t, f.client.PlacedSuper)
}

func TestExecute_SnapsLegsToTick(t *testing.T) {
	f := newFixture(t)
	f.book.StorePrice("101", 100)

	sig := callSignal()
	sig.StopLoss = 90.02
	sig.Target = 111.03

	require.Equal(t, StatusSuccess, f.engine.Execute(context.Background(), sig))
	require.Len(t, f.client.PlacedSuper, 1)

	req := f.client.PlacedSuper[0]
	assert.Equal(t, 90.0, req.StopLossPrice)
	assert.Equal(t, 111.05, req.TargetPrice)
}

func TestExecute_AlreadyOpen(t *testing.T) {
	f := newFixture(t)
	f.book.StorePrice("101", 101)
	require.NoError(t, f.ledger.Add(&ledger.Trade{SecurityID: "101", Symbol: "NIFTY 25 SEP 25000 CALL"}))

	assert.Equal(t, StatusAlreadyOpen, f.engine.Execute(context.Background(), callSignal()))
	assert.Zero(t, f.client.PlaceSuperCount())
}

func TestExecute_KillSwitch(t *testing.T) {
	f := newFixture(t)
	f.breaker.tripped = true

	assert.Equal(t, StatusKillSwitch, f.engine.Execute(context.Background(), callSignal()))
	assert.Zero(t, f.client.PlaceSuperCount())
}

func TestExecute_PriceGates(t *testing.T) {
	f := newFixture(t)

	// Fallback ATR for NIFTY is 10: entry band = min(15, 15) above 100.
	f.book.StorePrice("101", 140)
	assert.Equal(t, StatusPriceHigh, f.engine.Execute(context.Background(), callSignal()))

	f.book.StorePrice("101", 95)
	assert.Equal(t, StatusPriceLow, f.engine.Execute(context.Background(), callSignal()))

	assert.Zero(t, f.client.PlaceSuperCount())
}

func TestExecute_UnknownSymbol(t *testing.T) {
	f := newFixture(t)
	f.resolver.inst = nil

	assert.Equal(t, StatusError, f.engine.Execute(context.Background(), callSignal()))
}

func TestExecute_BrokerRejection(t *testing.T) {
	f := newFixture(t)
	f.book.StorePrice("101", 101)
	f.client.FailPlaceSuper = true

	assert.Equal(t, StatusError, f.engine.Execute(context.Background(), callSignal()))
	_, ok := f.ledger.Get("101")
	assert.False(t, ok)
}

func TestExecute_ConcurrentDuplicatesSuppressed(t *testing.T) {
	f := newFixture(t)
	f.book.StorePrice("101", 101)
	f.client.PlaceSuperDelay = 50 * time.Millisecond

	results := make(chan Status, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- f.engine.Execute(context.Background(), callSignal())
		}()
	}

	got := map[Status]int{}
	for i := 0; i < 2; i++ {
		got[<-results]++
	}

	assert.Equal(t, 1, f.client.PlaceSuperCount())
	assert.Equal(t, 1, got[StatusSuccess])
}

func TestSquareOffSingle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Add(&ledger.Trade{
		SecurityID: "101",
		Symbol:     "NIFTY 25 SEP 25000 CALL",
		OrderID:    "ORD1",
		FuturesSID: "501",
	}))

	f.client.SetPositions([]broker.Position{{
		SecurityID:      "101",
		TradingSymbol:   "NIFTY 25 SEP 25000 CALL",
		ExchangeSegment: "NSE_FNO",
		ProductType:     "INTRADAY",
		NetQty:          75,
	}})
	f.client.SuperOrdersV = []broker.SuperOrder{{
		OrderID:       "ORD1",
		RawSecurityID: "101",
		OrderStatus:   broker.StatusTraded,
		LegDetails: []broker.LegDetail{
			{LegName: broker.StopLossLeg, OrderStatus: broker.StatusPending},
			{LegName: broker.TargetLeg, OrderStatus: broker.StatusPending},
		},
	}}

	require.NoError(t, f.engine.SquareOffSingle(context.Background(), "101"))

	require.Len(t, f.client.PlacedMarket, 1)
	assert.Equal(t, broker.Sell, f.client.PlacedMarket[0].TransactionType)
	assert.Equal(t, 75, f.client.PlacedMarket[0].Quantity)

	assert.ElementsMatch(t, []string{"ORD1/STOP_LOSS_LEG", "ORD1/TARGET_LEG"}, f.client.CancelledLegs)

	_, ok := f.ledger.Get("101")
	assert.False(t, ok)
	assert.Len(t, f.feed.unsubscribed, 2)
}

func TestSquareOffSingle_NotTracked(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SquareOffSingle(context.Background(), "999"))
	assert.Empty(t, f.client.PlacedMarket)
}

func TestSquareOffAll(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Add(&ledger.Trade{SecurityID: "101", Symbol: "A"}))
	require.NoError(t, f.ledger.Add(&ledger.Trade{SecurityID: "102", Symbol: "B"}))

	f.client.SetPositions([]broker.Position{
		{SecurityID: "101", ExchangeSegment: "NSE_FNO", ProductType: "INTRADAY", NetQty: 75},
		{SecurityID: "102", ExchangeSegment: "NSE_FNO", ProductType: "INTRADAY", NetQty: -50},
		{SecurityID: "103", ExchangeSegment: "NSE_FNO", ProductType: "INTRADAY", NetQty: 0},
	})
	f.client.SuperOrdersV = []broker.SuperOrder{{
		OrderID:       "ORD9",
		RawSecurityID: "104",
		OrderStatus:   broker.StatusPending,
	}}

	f.engine.SquareOffAll(context.Background())

	require.Len(t, f.client.PlacedMarket, 2)
	assert.Equal(t, broker.Sell, f.client.PlacedMarket[0].TransactionType)
	assert.Equal(t, broker.Buy, f.client.PlacedMarket[1].TransactionType)
	assert.Equal(t, 50, f.client.PlacedMarket[1].Quantity)

	// Unfilled bracket is killed through its entry leg.
	assert.Contains(t, f.client.CancelledLegs, "ORD9/ENTRY_LEG")

	assert.Empty(t, f.ledger.ListAll())
}

func TestReleaseTracked_SharedFutureKept(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ledger.Add(&ledger.Trade{SecurityID: "101", Symbol: "A", FuturesSID: "501"}))

	// Another open trade still leans on the same futures proxy.
	f.engine.ReleaseTracked("102", "501")

	require.Len(t, f.feed.unsubscribed, 1)
	assert.Equal(t, "102", f.feed.unsubscribed[0].SecurityID)
}
