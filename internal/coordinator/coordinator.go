// Package coordinator wires every subsystem into the running bot: the
// reference market feed drives the quote engine and pipeline, the
// destination venue's account event stream drives the fill/balance
// reconcilers, and a handful of background loops (outbox worker, reaper,
// risk monitor, health server) run alongside. Grounded on the teacher's
// internal/engine.Engine: one goroutine per subsystem under a shared
// context and sync.WaitGroup, New building every collaborator up front and
// Start/Stop only toggling goroutines.
//
// Unlike the teacher, Stop does not cancel one shared context and wait:
// spec §5 names an exact shutdown order (feed, then pipeline, then outbox,
// then reaper, then account reconciler, then store), so each subsystem
// that only knows how to stop via context cancellation gets its own child
// context and done channel, torn down one at a time in that order.
package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/clockid"
	"mmbot/internal/config"
	"mmbot/internal/feed"
	"mmbot/internal/healthz"
	"mmbot/internal/oms"
	"mmbot/internal/outbox"
	"mmbot/internal/pipeline"
	"mmbot/internal/quoteengine"
	"mmbot/internal/ratelimit"
	"mmbot/internal/ratio"
	"mmbot/internal/reaper"
	"mmbot/internal/reconciler"
	"mmbot/internal/store"
	"mmbot/internal/venue"
	"mmbot/pkg/types"
)

// Coordinator owns the full set of subsystems and their lifecycle.
type Coordinator struct {
	cfg config.Config
	log *slog.Logger

	store *store.Store

	oms     *oms.OMS
	monitor *oms.Monitor
	ratio   *ratio.Manager

	balances     *reconciler.BalanceTracker
	fillRecon    *reconciler.FillReconciler
	accountRecon *reconciler.AccountReconciler
	accountAddr  venue.AccountEventStream // nil when the venue has no push feed (paper mode)

	venueClient venue.Client
	marketFeed  feed.MarketFeed
	quoteEngine *quoteengine.Engine
	pipeline    *pipeline.Pipeline
	reaper      *reaper.Reaper
	outboxWkr   *outbox.Worker
	health      *healthz.Server

	jitter *clockid.JitterSource

	mu         sync.Mutex
	lastTicker types.BookTicker

	// Each subsystem that stops only via context cancellation (rather than
	// an explicit Stop method) gets its own child context/cancel/done, so
	// Stop can tear them down one at a time in spec order instead of all
	// at once.
	rootCtx context.Context

	feedCtx    context.Context
	feedCancel context.CancelFunc
	feedDone   chan struct{}
	quoteDone  chan struct{}

	outboxCtx    context.Context
	outboxCancel context.CancelFunc
	outboxDone   chan struct{}

	accountCtx    context.Context
	accountCancel context.CancelFunc
	accountDone   chan struct{}

	monitorCtx    context.Context
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	killWatchDone chan struct{}

	healthDone chan struct{}
}

// New wires every subsystem from cfg but starts nothing.
func New(cfg config.Config, logger *slog.Logger) (*Coordinator, error) {
	st, err := store.Open(cfg.System.DBPath, cfg.Store.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ids := clockid.NewUUIDGenerator()
	clock := clockid.NewSystemClock()
	jitter := clockid.NewJitterSource(time.Now().UnixNano())

	reconciler.RegisterSymbol(cfg.Trading.SymbolDst, cfg.Trading.QuoteBaseAsset, cfg.Trading.QuoteQuoteAsset)

	monitor := oms.NewMonitor(oms.RiskLimitsFromConfig(cfg.Risk), logger)
	risk := oms.RiskConfigFromConfig(cfg.Risk)
	risk.EmergencyStop = func() bool {
		return cfg.Risk.EmergencyStop || monitor.IsKillSwitchActive()
	}
	omsInst := oms.New(risk, ids)

	ratioMgr := ratio.New(ratio.FromConfig(cfg.Trading), logger)

	balances := reconciler.NewBalanceTracker(st, logger)
	fillRecon := reconciler.NewFillReconciler(st, omsInst, balances, logger)
	accountRecon := reconciler.NewAccountReconciler(fillRecon, balances, omsInst, logger)

	var venueClient venue.Client
	var accountStream venue.AccountEventStream
	if cfg.System.Mode == config.ModePaper {
		venueClient = venue.NewPaper(ids, clock)
	} else {
		venueClient = venue.NewRESTClient(cfg.Exchange, cfg.System.MaxOrdersPerSecond, cfg.DryRun, logger)
		accountStream = venue.NewAccountWS(cfg.Exchange.WSUserURL, cfg.Exchange.APIKey, logger)
	}

	rateLimiter := ratelimit.NewTokenBucket(cfg.System.MaxOrdersPerSecond, cfg.System.MaxOrdersPerSecond)

	marketFeed := feed.FromConfig(cfg, jitter, logger)
	quoteEngine := quoteengine.New(quoteengine.FromConfig(cfg.Trading), ratioMgr, clock, logger)
	pipe := pipeline.New(pipeline.FromConfig(cfg), st, omsInst, venueClient, rateLimiter, ids, clock, logger)
	reap := reaper.New(reaper.FromConfig(cfg), venueClient, st, clock, logger)

	dispatcher := outbox.NewDispatcher()
	dispatcher.Register("order_", outbox.NewOrderEventHandler(logger))
	dispatcher.Register("fill_", outbox.NewFillEventHandler(logger))
	dispatcher.Register("quote_", outbox.NewQuoteEventHandler(logger))
	dispatcher.Register("balance_", outbox.NewBalanceEventHandler(logger))
	dispatcher.Register("position_", outbox.HandlerFunc(func(ctx context.Context, e types.OutboxEvent) error {
		logger.Info("position updated", "symbol", e.AggregateID)
		return nil
	}))
	outboxWkr := outbox.NewWorker(st.Outbox(), dispatcher, cfg.Outbox, jitter, logger)

	health := healthz.NewServer(cfg.System.HealthPort, st, logger)

	c := &Coordinator{
		cfg:          cfg,
		log:          logger.With("component", "coordinator"),
		store:        st,
		oms:          omsInst,
		monitor:      monitor,
		ratio:        ratioMgr,
		balances:     balances,
		fillRecon:    fillRecon,
		accountRecon: accountRecon,
		accountAddr:  accountStream,
		venueClient:  venueClient,
		marketFeed:   marketFeed,
		quoteEngine:  quoteEngine,
		pipeline:     pipe,
		reaper:       reap,
		outboxWkr:    outboxWkr,
		health:       health,
		jitter:       jitter,
	}

	c.balances.OnBalanceEvent(reconciler.BalanceObserverFunc(c.onBalance))
	c.oms.OnOrderEvent(oms.OrderObserverFunc(c.onOrder))
	c.oms.OnPositionEvent(oms.PositionObserverFunc(c.onPosition))

	return c, nil
}

// Start loads initial state, runs the reaper's blocking initial pass, and
// launches every background loop. It returns once everything is running;
// call Stop to tear down.
func (c *Coordinator) Start(ctx context.Context) error {
	c.rootCtx = ctx

	if err := c.balances.LoadInitial(ctx); err != nil {
		return fmt.Errorf("load initial balances: %w", err)
	}
	c.seedRatioManager()

	if err := c.reaper.InitialReap(ctx); err != nil {
		c.log.Warn("initial unregistered-order cleanup failed, continuing startup", "error", err)
	}

	c.healthDone = make(chan struct{})
	go func() {
		defer close(c.healthDone)
		if err := c.health.Start(); err != nil {
			c.log.Error("health server exited", "error", err)
		}
	}()

	c.feedCtx, c.feedCancel = context.WithCancel(ctx)
	c.feedDone = make(chan struct{})
	go func() {
		defer close(c.feedDone)
		if err := c.marketFeed.Run(c.feedCtx); err != nil && c.feedCtx.Err() == nil {
			c.log.Error("market feed exited", "error", err)
		}
	}()

	c.quoteDone = make(chan struct{})
	go func() {
		defer close(c.quoteDone)
		c.runQuoteLoop()
	}()

	go c.pipeline.Start(ctx)
	c.reaper.Start(ctx)

	c.outboxCtx, c.outboxCancel = context.WithCancel(ctx)
	c.outboxDone = make(chan struct{})
	go func() {
		defer close(c.outboxDone)
		c.outboxWkr.Run(c.outboxCtx)
	}()

	c.monitorCtx, c.monitorCancel = context.WithCancel(ctx)
	c.monitorDone = make(chan struct{})
	go func() {
		defer close(c.monitorDone)
		c.monitor.Run(c.monitorCtx)
	}()

	c.killWatchDone = make(chan struct{})
	go func() {
		defer close(c.killWatchDone)
		c.runKillSwitchWatch(c.monitorCtx)
	}()

	if c.accountAddr != nil {
		c.accountCtx, c.accountCancel = context.WithCancel(ctx)
		c.accountDone = make(chan struct{})
		go func() {
			defer close(c.accountDone)
			if err := c.accountRecon.Run(c.accountCtx, c.accountAddr, 5, c.jitter); err != nil && c.accountCtx.Err() == nil {
				c.log.Error("account reconciler gave up", "error", err)
			}
		}()
	} else {
		c.log.Info("no account event stream configured, skipping account reconciler")
	}

	c.log.Info("coordinator started", "symbol_src", c.cfg.Trading.SymbolSrc, "symbol_dst", c.cfg.Trading.SymbolDst, "mode", c.cfg.System.Mode)
	return nil
}

// runQuoteLoop reads reference ticks and feeds them through the quote
// engine into the pipeline (spec §4.7's "MarketFeed -> QuoteEngine ->
// Pipeline" chain).
func (c *Coordinator) runQuoteLoop() {
	updates := c.marketFeed.Updates()
	for {
		select {
		case <-c.feedCtx.Done():
			return
		case ticker, ok := <-updates:
			if !ok {
				return
			}
			c.setLastTicker(ticker)

			quote, ok := c.quoteEngine.Generate(ticker)
			if !ok {
				continue
			}
			if _, err := c.pipeline.Process(c.feedCtx, quote); err != nil {
				c.log.Error("pipeline failed to process quote", "symbol", quote.Symbol, "error", err)
			}
			c.reportPosition(ticker)
		}
	}
}

// reportPosition submits the current position against the latest reference
// mid price to the risk monitor (spec §4.5's cross-symbol kill switch).
func (c *Coordinator) reportPosition(ticker types.BookTicker) {
	pos := c.oms.Position(c.cfg.Trading.SymbolDst)
	mid := ticker.BidPrice.Add(ticker.AskPrice).Div(decimal.NewFromInt(2))
	unrealized := mid.Sub(pos.AvgEntryPrice).Mul(pos.Quantity)

	c.monitor.Report(oms.PositionReport{
		Symbol:        c.cfg.Trading.SymbolDst,
		Quantity:      pos.Quantity,
		MidPrice:      mid,
		ExposureUSD:   pos.Quantity.Abs().Mul(mid),
		UnrealizedPnL: unrealized,
		RealizedPnL:   pos.RealizedPnL,
		Timestamp:     ticker.Ts,
	})
}

// runKillSwitchWatch cancels the pipeline's active quotes the instant the
// risk monitor engages, rather than waiting for the next quote cycle to
// notice EmergencyStop.
func (c *Coordinator) runKillSwitchWatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.monitor.KillCh():
			c.log.Error("kill switch triggered, tearing down active quotes", "symbol", sig.Symbol, "reason", sig.Reason)
			c.pipeline.Stop(context.Background())
		}
	}
}

func (c *Coordinator) setLastTicker(t types.BookTicker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTicker = t
}

func (c *Coordinator) getLastTicker() (types.BookTicker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTicker.Symbol == "" {
		return types.BookTicker{}, false
	}
	return c.lastTicker, true
}

// seedRatioManager primes the ratio manager with whatever balances the
// store already has before the market feed delivers a reference price, so
// the first quote cycle doesn't skew on an empty ratio.
func (c *Coordinator) seedRatioManager() {
	for _, b := range c.balances.All() {
		c.ratio.UpdateBalance(b.Asset, b.Total().InexactFloat64(), c.assetValueUSD(b))
	}
}

// onBalance converts a persisted balance into the ratio manager's
// quantity/USD-value pair. The quote asset is 1:1 with USD by definition;
// the base asset's USD value depends on the latest reference price, which
// is unknown until the market feed has delivered at least one tick, so the
// conversion is skipped (not zeroed) until then to avoid reporting a false
// zero-value base balance that would swing the ratio to "all quote".
func (c *Coordinator) onBalance(b types.Balance) {
	if b.Asset == c.cfg.Trading.QuoteBaseAsset {
		if _, ok := c.getLastTicker(); !ok {
			return
		}
	}
	c.ratio.UpdateBalance(b.Asset, b.Total().InexactFloat64(), c.assetValueUSD(b))
}

// assetValueUSD prices b in USD: 1:1 for the quote asset, quantity * last
// reference mid price for the base asset.
func (c *Coordinator) assetValueUSD(b types.Balance) float64 {
	if b.Asset == c.cfg.Trading.QuoteQuoteAsset {
		return b.Total().InexactFloat64()
	}
	ticker, ok := c.getLastTicker()
	if !ok {
		return 0
	}
	mid := ticker.BidPrice.Add(ticker.AskPrice).Div(decimal.NewFromInt(2))
	return b.Total().Mul(mid).InexactFloat64()
}

// onOrder appends an order_state_changed outbox event for every OMS
// transition, giving the order handler something to dispatch beyond the
// pipeline's own quote_persisted and the fill reconciler's fill_processed
// events.
func (c *Coordinator) onOrder(order types.OMSOrder) {
	payload, err := json.Marshal(map[string]any{
		"symbol": order.Symbol,
		"side":   order.Side,
		"state":  order.State,
		"error":  order.Error,
	})
	if err != nil {
		c.log.Error("failed to marshal order event payload", "order_id", order.OrderID, "error", err)
		return
	}
	eventID := fmt.Sprintf("order_state_changed_%s_%s_%d", order.OrderID, order.State, order.UpdatedAt.UnixNano())
	if err := c.store.Transaction(c.rootCtx, func(tx *sql.Tx) error {
		return c.store.Outbox().Append(c.rootCtx, tx, eventID, "order_state_changed", order.OrderID, payload, c.cfg.Outbox.MaxRetries)
	}); err != nil {
		c.log.Error("failed to append order outbox event", "order_id", order.OrderID, "error", err)
	}
}

// onPosition appends a position_updated outbox event for observability.
func (c *Coordinator) onPosition(position types.Position) {
	payload, err := json.Marshal(map[string]any{
		"quantity":       position.Quantity,
		"avg_entry":      position.AvgEntryPrice,
		"realized_pnl":   position.RealizedPnL,
		"unrealized_pnl": position.UnrealizedPnL,
	})
	if err != nil {
		c.log.Error("failed to marshal position event payload", "symbol", position.Symbol, "error", err)
		return
	}
	eventID := fmt.Sprintf("position_updated_%s_%d", position.Symbol, position.LastUpdated.UnixNano())
	if err := c.store.Transaction(c.rootCtx, func(tx *sql.Tx) error {
		return c.store.Outbox().Append(c.rootCtx, tx, eventID, "position_updated", position.Symbol, payload, c.cfg.Outbox.MaxRetries)
	}); err != nil {
		c.log.Error("failed to append position outbox event", "symbol", position.Symbol, "error", err)
	}
}

// Stop runs the orderly shutdown sequence named by spec §5: market feed,
// then pipeline (which cancels every active quote and its orders), then
// the outbox worker (which drains its current batch before returning),
// then the reaper, then the account reconciler, then the store. The risk
// monitor, kill-switch watch, and health server aren't named in that
// sequence; they're stopped alongside the pipeline step since nothing
// downstream depends on their ordering.
func (c *Coordinator) Stop(ctx context.Context) {
	c.log.Info("coordinator stopping")

	c.feedCancel()
	<-c.feedDone
	<-c.quoteDone

	c.pipeline.Stop(ctx)
	c.monitorCancel()
	<-c.monitorDone
	<-c.killWatchDone
	if err := c.health.Stop(ctx); err != nil {
		c.log.Error("health server shutdown error", "error", err)
	}
	<-c.healthDone

	c.outboxCancel()
	<-c.outboxDone

	c.reaper.Stop()

	if c.accountAddr != nil {
		c.accountCancel()
		<-c.accountDone
	}

	if err := c.store.Close(); err != nil {
		c.log.Error("store close error", "error", err)
	}

	c.log.Info("coordinator stopped")
}
