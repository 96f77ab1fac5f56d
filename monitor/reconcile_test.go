package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/ledger"
	"auto_dhan_go/mapper"
)

type recordingTracker struct {
	mu       sync.Mutex
	tracked  []string
	released []string
}

func (r *recordingTracker) Track(securityID, segment, futSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, securityID)
}

func (r *recordingTracker) ReleaseTracked(securityID, futSID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, securityID)
}

type stubResolver struct{ futSID string }

func (s *stubResolver) Resolve(symbol string) (*mapper.Instrument, error) {
	return nil, fmt.Errorf("security ID not found for %q", symbol)
}
func (s *stubResolver) UnderlyingFutureID(underlying string) (string, bool) {
	return s.futSID, s.futSID != ""
}
func (s *stubResolver) ExchangeSegment(securityID string) string { return "NSE_FNO" }

func TestReconciler_DropsClosedAndAdoptsManual(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Normal.ReconcileIntervalSeconds = 1

	lg, err := ledger.NewLedger(filepath.Join(t.TempDir(), "trades.json"))
	require.NoError(t, err)
	require.NoError(t, lg.Add(&ledger.Trade{SecurityID: "101", Symbol: "KEEP"}))
	require.NoError(t, lg.Add(&ledger.Trade{SecurityID: "102", Symbol: "GONE", FuturesSID: "501"}))

	client := broker.NewMockClient()
	client.SetPositions([]broker.Position{
		{SecurityID: "101", TradingSymbol: "KEEP", ExchangeSegment: "NSE_FNO", NetQty: 75},
		{SecurityID: "103", TradingSymbol: "NIFTY 25 SEP 25500 CALL", ExchangeSegment: "NSE_FNO", NetQty: 50},
		{SecurityID: "104", TradingSymbol: "FLAT", ExchangeSegment: "NSE_FNO", NetQty: 0},
	})

	tracker := &recordingTracker{}
	var adopted []ledger.Trade
	r := NewReconciler(cfg.Normal, client, lg, tracker, &stubResolver{futSID: "501"},
		func(tr ledger.Trade) { adopted = append(adopted, tr) })

	r.reconcileOnce(context.Background())

	// The broker-closed trade is gone and its resources released.
	_, ok := lg.Get("102")
	assert.False(t, ok)
	assert.Equal(t, []string{"102"}, tracker.released)

	// The untracked position was adopted as a manual trade.
	manual, ok := lg.Get("103")
	require.True(t, ok)
	assert.True(t, manual.IsManual)
	assert.True(t, manual.IsCall)
	assert.False(t, manual.IsPut)
	assert.Equal(t, "501", manual.FuturesSID)
	assert.Equal(t, []string{"103"}, tracker.tracked)
	require.Len(t, adopted, 1)
	assert.Equal(t, "103", adopted[0].SecurityID)

	// The still-live bot trade is untouched.
	_, ok = lg.Get("101")
	assert.True(t, ok)

	// A second pass converges with no further changes.
	adopted = nil
	r.reconcileOnce(context.Background())
	assert.Empty(t, adopted)
	assert.Len(t, tracker.released, 1)
}

func TestReconciler_AdoptedPutKeepsItsDirection(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Normal.ReconcileIntervalSeconds = 1

	lg, err := ledger.NewLedger(filepath.Join(t.TempDir(), "trades.json"))
	require.NoError(t, err)

	client := broker.NewMockClient()
	client.SetPositions([]broker.Position{
		{SecurityID: "105", TradingSymbol: "NIFTY 25 SEP 24000 PE", ExchangeSegment: "NSE_FNO", NetQty: 75},
	})

	tracker := &recordingTracker{}
	r := NewReconciler(cfg.Normal, client, lg, tracker, &stubResolver{futSID: "501"}, nil)
	r.reconcileOnce(context.Background())

	// The exit supervisor reads imbalance reciprocally for puts, so a
	// PE adopted as a call would alert on favorable flow.
	manual, ok := lg.Get("105")
	require.True(t, ok)
	assert.True(t, manual.IsPut)
	assert.False(t, manual.IsCall)
	assert.True(t, manual.IsManual)
}

func TestReconciler_SkipsCycleOnFetchFailure(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Normal.ReconcileIntervalSeconds = 1

	lg, err := ledger.NewLedger(filepath.Join(t.TempDir(), "trades.json"))
	require.NoError(t, err)
	require.NoError(t, lg.Add(&ledger.Trade{SecurityID: "101", Symbol: "KEEP"}))

	client := broker.NewMockClient()
	client.FailPositions = true

	tracker := &recordingTracker{}
	r := NewReconciler(cfg.Normal, client, lg, tracker, &stubResolver{}, nil)
	r.reconcileOnce(context.Background())

	// Nothing is dropped on a partial view.
	_, ok := lg.Get("101")
	assert.True(t, ok)
	assert.Empty(t, tracker.released)
}
