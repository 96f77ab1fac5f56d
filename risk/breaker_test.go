package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
)

type recordingSquarer struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingSquarer) SquareOffAll(ctx context.Context) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *recordingSquarer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestBreaker(client *broker.MockClient, squarer Squarer) *Breaker {
	cfg := config.NewConfig()
	cfg.Risk.DailyLossLimit = 1000
	cfg.Normal.PnLIntervalSeconds = 1
	b := NewBreaker(cfg.Risk, cfg.Normal, client, squarer)
	b.interval = 10 * time.Millisecond
	return b
}

func TestBreaker_PnL(t *testing.T) {
	client := broker.NewMockClient()
	client.SetPositions([]broker.Position{
		{SecurityID: "1", RealizedProfit: 500, UnrealizedProfit: -200},
		{SecurityID: "2", RealizedProfit: -100, UnrealizedProfit: 50},
	})

	b := newTestBreaker(client, nil)
	pnl, err := b.PnL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 250.0, pnl)
}

func TestBreaker_TripsOnBreach(t *testing.T) {
	client := broker.NewMockClient()
	client.SetPositions([]broker.Position{
		{SecurityID: "1", RealizedProfit: -800, UnrealizedProfit: -300},
	})
	squarer := &recordingSquarer{}
	b := newTestBreaker(client, squarer)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("breaker did not trip on a breached loss limit")
	}

	assert.True(t, b.Tripped())
	assert.Equal(t, 1, squarer.count())
	assert.True(t, client.KillSwitchOn)
}

func TestBreaker_TripIsOneWay(t *testing.T) {
	client := broker.NewMockClient()
	squarer := &recordingSquarer{}
	b := newTestBreaker(client, squarer)

	b.trip(context.Background(), -5000)
	b.trip(context.Background(), -5000)

	assert.True(t, b.Tripped())
	assert.Equal(t, 1, squarer.count())
}

func TestBreaker_NoTripWithinLimit(t *testing.T) {
	client := broker.NewMockClient()
	client.SetPositions([]broker.Position{
		{SecurityID: "1", RealizedProfit: -999, UnrealizedProfit: 0},
	})
	squarer := &recordingSquarer{}
	b := newTestBreaker(client, squarer)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	b.Run(ctx)

	assert.False(t, b.Tripped())
	assert.Zero(t, squarer.count())
}

func TestBreaker_PollFailureSkipped(t *testing.T) {
	client := broker.NewMockClient()
	client.FailPositions = true
	b := newTestBreaker(client, &recordingSquarer{})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	b.Run(ctx)

	assert.False(t, b.Tripped())
}
