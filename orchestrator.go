// orchestrator.go
package main

import (
	"auto_dhan_go/broker"
	"auto_dhan_go/config"
	"auto_dhan_go/depth"
	"auto_dhan_go/engine"
	"auto_dhan_go/feed"
	"auto_dhan_go/ledger"
	"auto_dhan_go/logs"
	"auto_dhan_go/mapper"
	"auto_dhan_go/monitor"
	"auto_dhan_go/risk"
	"auto_dhan_go/signal"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Orchestrator owns every long-lived component and their goroutines.
type Orchestrator struct {
	cfg      *config.Config
	client   broker.Client
	clientID string
	feed     *feed.Feed
	book     *depth.Book
	resolver mapper.Resolver
	ledger   *ledger.Ledger
	engine   *engine.Engine
	breaker  *risk.Breaker
	tailer   *signal.Tailer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig) (*Orchestrator, error) {
	var client broker.Client
	if cfg.UseSimulation {
		client = broker.NewMockClient()
		logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")
	} else {
		if envCfg.ClientID == "" || envCfg.AccessToken == "" {
			return nil, fmt.Errorf("DHAN_CLIENT_ID and DHAN_ACCESS_TOKEN must be set")
		}
		client = broker.NewRESTClient(envCfg, cfg.Normal.HTTPTimeoutSeconds)
	}

	resolver, err := mapper.NewFileResolver(cfg.Normal.InstrumentsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load instrument master: %w", err)
	}

	ledgerPath := filepath.Join(cfg.Normal.DataDirectory, "trades.json")
	lg, err := ledger.NewLedger(ledgerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize trade ledger: %w", err)
	}
	logs.Infof("Trade ledger initialized, trades will be persisted to: %s", ledgerPath)

	feedURL := fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2",
		envCfg.FeedURL, envCfg.AccessToken, envCfg.ClientID)
	depthFeed := feed.New(feedURL,
		time.Duration(cfg.Feed.ReconnectDelaySeconds)*time.Second,
		time.Duration(cfg.Feed.PingIntervalSeconds)*time.Second)

	book := depth.NewBook(cfg.Depth)
	depthFeed.RegisterCallback(book.Apply)

	sizer := engine.NewSizer(cfg.Risk, client, book, depthFeed)

	o := &Orchestrator{
		cfg:      cfg,
		client:   client,
		clientID: envCfg.ClientID,
		feed:     depthFeed,
		book:     book,
		resolver: resolver,
		ledger:   lg,
	}

	// Breaker and engine reference each other: the engine consults the
	// breaker's trip state, the breaker flattens through the engine.
	o.breaker = risk.NewBreaker(cfg.Risk, cfg.Normal, client, nil)
	o.engine = engine.New(client, envCfg.ClientID, book, depthFeed, resolver, lg, sizer, o.breaker)
	o.breaker.SetSquarer(o.engine)

	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.tailer = signal.NewTailer(cfg.Normal.SignalsFile,
		time.Duration(cfg.Normal.SignalPollIntervalSeconds)*time.Second,
		o.handleSignal)

	return o, nil
}

// Start launches the feed, supervisors for recovered trades, and all
// background loops.
func (o *Orchestrator) Start() {
	o.runAsync(func() { o.feed.Run(o.ctx) })
	o.resumeOpenTrades()
	o.runAsync(func() { o.breaker.Run(o.ctx) })

	reconciler := monitor.NewReconciler(o.cfg.Normal, o.client, o.ledger, o.engine, o.resolver,
		func(t ledger.Trade) { o.startExitSupervisor(t) })
	o.runAsync(func() { reconciler.Run(o.ctx) })

	o.runAsync(func() { o.tailer.Run(o.ctx) })
	o.runAsync(func() { o.heartbeat() })

	logs.Info("All services started, press Ctrl+C to exit.")
}

// Stop shuts everything down and waits for the goroutines.
func (o *Orchestrator) Stop() {
	logs.Info("Received close signal, starting graceful shutdown...")

	o.printFinalSummary()

	o.cancel()
	o.feed.Disconnect()
	o.wg.Wait()
	logs.Info("All services stopped successfully.")
}

func (o *Orchestrator) runAsync(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// resumeOpenTrades restores feed subscriptions and exit supervision for
// trades that survived a restart in the ledger.
func (o *Orchestrator) resumeOpenTrades() {
	trades := o.ledger.ListAll()
	if len(trades) == 0 {
		return
	}

	logs.Infof("[Orchestrator] Resuming supervision for %d open trade(s).", len(trades))
	for _, t := range trades {
		segment := o.resolver.ExchangeSegment(t.SecurityID)
		if segment == "" {
			segment = "NSE_FNO"
		}
		o.engine.Track(t.SecurityID, segment, t.FuturesSID)
		o.startExitSupervisor(t)
	}
}

// handleSignal is the tailer callback: execute, and arm the follow-up
// supervisor the outcome calls for.
func (o *Orchestrator) handleSignal(sig *signal.Signal) {
	logs.Infof("[Orchestrator] Signal received: %s %s trigger=%.2f", sig.Action, sig.Symbol, sig.TriggerPrice)
	o.executeSignal(o.ctx, sig, true)
}

// executeSignal runs one signal through the engine. allowRetry guards
// against a retry supervisor spawning another retry supervisor.
func (o *Orchestrator) executeSignal(ctx context.Context, sig *signal.Signal, allowRetry bool) engine.Status {
	status := o.engine.Execute(ctx, sig)

	switch {
	case status == engine.StatusSuccess:
		if inst, err := o.resolver.Resolve(sig.Symbol); err == nil {
			if trade, ok := o.ledger.Get(inst.SecurityID); ok {
				o.startExitSupervisor(*trade)
			}
		}
	case status.Retryable():
		if allowRetry && sig.TriggerPrice > 0 {
			o.startRetrySupervisor(sig)
		}
	case status == engine.StatusKillSwitch:
		logs.Warnf("[Orchestrator] Signal for %s dropped: kill switch active.", sig.Symbol)
	}
	return status
}

func (o *Orchestrator) startExitSupervisor(trade ledger.Trade) {
	sup := monitor.NewExitSupervisor(o.cfg.Exit, o.book, o.ledger, o.engine, trade)
	o.runAsync(func() { sup.Run(o.ctx) })
}

func (o *Orchestrator) startRetrySupervisor(sig *signal.Signal) {
	inst, err := o.resolver.Resolve(sig.Symbol)
	if err != nil {
		logs.Errorf("[Orchestrator] Cannot arm retry for %q: %v", sig.Symbol, err)
		return
	}

	sup := monitor.NewRetrySupervisor(o.cfg.Retry, o.book, o.client, retryExecutor{o},
		o.breaker, sig, inst.SecurityID, inst.ExchangeSegment)
	o.runAsync(func() { sup.Run(o.ctx) })
}

// retryExecutor adapts the orchestrator for the retry supervisor so a
// confirmed retrigger still gets an exit supervisor on success.
type retryExecutor struct{ o *Orchestrator }

func (r retryExecutor) Execute(ctx context.Context, sig *signal.Signal) engine.Status {
	return r.o.executeSignal(ctx, sig, false)
}

// heartbeat logs a periodic account summary.
func (o *Orchestrator) heartbeat() {
	interval := time.Duration(o.cfg.Normal.HeartbeatIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
		}

		pnl, err := o.breaker.PnL(o.ctx)
		if err != nil {
			logs.Warnf("[Heartbeat] P&L unavailable: %v", err)
			continue
		}
		logs.Infof("[Heartbeat] Open trades: %d | Day P&L: %.2f | Kill switch: %v",
			len(o.ledger.ListAll()), pnl, o.breaker.Tripped())
	}
}

func (o *Orchestrator) printFinalSummary() {
	logs.Info("\n--- Final Session Summary ---")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if pnl, err := o.breaker.PnL(ctx); err == nil {
		logs.Infof("Day P&L (realized + unrealized): %.2f", pnl)
	} else {
		logs.Errorf("Failed to fetch final P&L: %v", err)
	}

	open := o.ledger.ListAll()
	logs.Infof("Open trades left under supervision: %d", len(open))
	for _, t := range open {
		logs.Infof("  - %s (ID %s, order %s)", t.Symbol, t.SecurityID, t.OrderID)
	}
	logs.Info("--------------------")
}
