package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/depth"
	"auto_dhan_go/engine"
	"auto_dhan_go/signal"
)

// scriptedClient serves a fixed LTP sequence, sticking at the last value.
type scriptedClient struct {
	*broker.MockClient
	mu     sync.Mutex
	prices []float64
	i      int
}

func (s *scriptedClient) LastTradedPrice(ctx context.Context, segment, securityID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.i < len(s.prices)-1 {
		s.i++
		return s.prices[s.i-1], nil
	}
	return s.prices[len(s.prices)-1], nil
}

type recordingExecutor struct {
	mu     sync.Mutex
	calls  int
	status engine.Status
}

func (r *recordingExecutor) Execute(ctx context.Context, sig *signal.Signal) engine.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.status
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubBreaker struct{ tripped bool }

func (s *stubBreaker) Tripped() bool { return s.tripped }

func instantSleep(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }

func newRetry(t *testing.T, prices []float64, executor *recordingExecutor, breaker engine.KillSwitch) *RetrySupervisor {
	t.Helper()
	cfg := config.NewConfig()
	book := depth.NewBook(cfg.Depth)
	client := &scriptedClient{MockClient: broker.NewMockClient(), prices: prices}

	sig := &signal.Signal{Symbol: "NIFTY 25 SEP 25000 CALL", TriggerPrice: 100}
	sup := NewRetrySupervisor(cfg.Retry, book, client, executor, breaker, sig, "101", "NSE_FNO")
	sup.sleep = instantSleep
	return sup
}

func TestRetry_FiresAfterConsecutiveConfirmations(t *testing.T) {
	executor := &recordingExecutor{status: engine.StatusSuccess}

	// Two touches interrupted by a dip do not fire; only the third
	// consecutive tick at or above the trigger does.
	sup := newRetry(t, []float64{98, 100, 101, 99, 101, 101, 101}, executor, &stubBreaker{})
	sup.Run(context.Background())

	assert.Equal(t, 1, executor.count())
}

func TestRetry_SpikeDoesNotFire(t *testing.T) {
	executor := &recordingExecutor{status: engine.StatusSuccess}

	sup := newRetry(t, []float64{101, 98}, executor, &stubBreaker{})
	sup.cfg = &config.RetryConfig{PollIntervalSeconds: 1, MaxPolls: 10, ConfirmTicks: 3}
	sup.Run(context.Background())

	assert.Zero(t, executor.count())
}

func TestRetry_PollBudgetExhausted(t *testing.T) {
	executor := &recordingExecutor{status: engine.StatusSuccess}

	sup := newRetry(t, []float64{99}, executor, &stubBreaker{})
	sup.cfg = &config.RetryConfig{PollIntervalSeconds: 1, MaxPolls: 20, ConfirmTicks: 3}
	sup.Run(context.Background())

	assert.Zero(t, executor.count())
}

func TestRetry_KillSwitchAborts(t *testing.T) {
	executor := &recordingExecutor{status: engine.StatusSuccess}

	sup := newRetry(t, []float64{101, 101, 101}, executor, &stubBreaker{tripped: true})
	sup.Run(context.Background())

	assert.Zero(t, executor.count())
}

func TestRetry_NoTriggerNoWork(t *testing.T) {
	executor := &recordingExecutor{status: engine.StatusSuccess}

	sup := newRetry(t, []float64{101}, executor, &stubBreaker{})
	sup.sig.TriggerPrice = 0
	sup.Run(context.Background())

	assert.Zero(t, executor.count())
}
