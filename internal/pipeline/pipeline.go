// Package pipeline implements the quote-to-order contract (spec §4.7): the
// logical unit that turns a QuoteEngine ladder into OMS orders submitted to
// the destination venue, owning active_quotes as its exclusive write
// surface. Grounded on
// original_source/trading-bot/bot/quote_to_order_pipeline.py's
// QuoteToOrderPipeline, reworked from asyncio callbacks into a mutex-guarded
// struct matching the teacher's internal/risk manager idiom, and from its
// one-order-or-none-per-side logic into the explicit layer-1-only design
// recorded as a resolved Open Question in the expanded specification.
package pipeline

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
	"mmbot/internal/errs"
	"mmbot/internal/oms"
	"mmbot/internal/ratelimit"
	"mmbot/internal/store"
	"mmbot/internal/venue"
	"mmbot/pkg/types"
)

// Config tunes one destination symbol's pipeline behaviour.
type Config struct {
	SymbolDst        string
	SidesEnabled     map[types.Side]bool
	MaxOpenOrders    int
	OutboxMaxRetries int
	QuoteTTL         time.Duration
	ExpiryInterval   time.Duration // how often the background sweep runs (spec: 10s)
}

// Pipeline owns active_quotes exclusively (spec §3 Ownership) and is the
// only writer of PersistentQuote/OMSOrder creation for its symbol.
type Pipeline struct {
	mu           sync.Mutex
	cfg          Config
	store        *store.Store
	oms          *oms.OMS
	venue        venue.Client
	rateLimiter  *ratelimit.TokenBucket
	ids          clockid.IDs
	clock        clockid.Clock
	log          *slog.Logger
	activeQuotes map[string]*types.PersistentQuote // keyed by symbol_dst

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Pipeline for a single destination symbol.
func New(cfg Config, st *store.Store, o *oms.OMS, venueClient venue.Client, rl *ratelimit.TokenBucket, ids clockid.IDs, clock clockid.Clock, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		store:        st,
		oms:          o,
		venue:        venueClient,
		rateLimiter:  rl,
		ids:          ids,
		clock:        clock,
		log:          log.With("component", "pipeline", "symbol", cfg.SymbolDst),
		activeQuotes: map[string]*types.PersistentQuote{},
	}
}

// Start launches the background expiry sweep (spec §4.7 Expiry). Blocks
// until ctx is cancelled or Stop is called; run it in its own goroutine.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	interval := p.cfg.ExpiryInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(p.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepExpired(ctx)
		}
	}
}

// Stop cancels every active quote's orders and halts the expiry sweep,
// mirroring QuoteToOrderPipeline.stop's drain-then-clear behaviour.
func (p *Pipeline) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh != nil {
		close(p.stopCh)
	}
	quotes := make([]*types.PersistentQuote, 0, len(p.activeQuotes))
	for _, q := range p.activeQuotes {
		quotes = append(quotes, q)
	}
	p.mu.Unlock()

	for _, q := range quotes {
		p.cancelQuote(ctx, q, "pipeline stopped")
	}

	p.mu.Lock()
	p.activeQuotes = map[string]*types.PersistentQuote{}
	p.mu.Unlock()
}

// Snapshot returns a copy of every currently active quote.
func (p *Pipeline) Snapshot() map[string]types.PersistentQuote {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]types.PersistentQuote, len(p.activeQuotes))
	for k, v := range p.activeQuotes {
		out[k] = *v
	}
	return out
}

// Process runs quote through the six-step contract as a logical unit for
// this pipeline's destination symbol.
func (p *Pipeline) Process(ctx context.Context, quote types.Quote) (types.PersistentQuote, error) {
	symbol := p.cfg.SymbolDst

	// Step 1: cancel the previous ladder for this symbol.
	p.mu.Lock()
	previous := p.activeQuotes[symbol]
	delete(p.activeQuotes, symbol)
	p.mu.Unlock()
	if previous != nil {
		p.cancelQuote(ctx, previous, "replaced by new quote")
	}

	pq := p.buildPersistentQuote(quote)

	// Step 2: budget check, the single hard admission gate.
	ordersToCreate := 0
	if len(quote.BidLayers) > 0 && p.cfg.SidesEnabled[types.Buy] {
		ordersToCreate++
	}
	if len(quote.AskLayers) > 0 && p.cfg.SidesEnabled[types.Sell] {
		ordersToCreate++
	}
	current := p.oms.OpenOrderCount()
	if current+ordersToCreate > p.cfg.MaxOpenOrders {
		return types.PersistentQuote{}, errs.NewRiskRejected(
			"would exceed limit: %d open + %d new > %d max", current, ordersToCreate, p.cfg.MaxOpenOrders)
	}

	// Step 3: persist with an outbox event in the same transaction.
	if err := p.persistQuote(ctx, &pq); err != nil {
		return types.PersistentQuote{}, fmt.Errorf("persist quote: %w", err)
	}

	// Step 4: create OMS orders for enabled sides at layer 1.
	created, err := p.createOrders(ctx, &pq, quote)
	if err != nil {
		for _, orderID := range append(append([]string{}, pq.BidOrderIDs...), pq.AskOrderIDs...) {
			if cancelErr := p.oms.CancelOrder(orderID, "quote processing failed"); cancelErr != nil {
				p.log.Warn("failed to cancel sibling order after creation failure", "order_id", orderID, "error", cancelErr)
			}
		}
		p.setQuoteStatus(ctx, pq.QuoteID, types.QuoteCancelled)
		return types.PersistentQuote{}, fmt.Errorf("create orders: %w", err)
	}
	if len(created) == 0 {
		p.log.Warn("no orders generated from quote", "quote_id", pq.QuoteID)
		return pq, nil
	}

	// Step 5: submit to venue.
	submitted := p.submitOrders(ctx, &pq, created)
	if submitted > 0 {
		pq.Status = types.QuoteOrdersSubmitted
		p.setQuoteStatus(ctx, pq.QuoteID, types.QuoteOrdersSubmitted)
	}

	// Step 6: safety invariant. activeQuotes is keyed by symbol, so at most
	// one PersistentQuote per symbol is structurally guaranteed; the
	// violation case named in spec §4.7 step 6 cannot arise from this
	// storage shape, so no runtime check is needed here.
	p.mu.Lock()
	p.activeQuotes[symbol] = &pq
	p.mu.Unlock()

	return pq, nil
}

func (p *Pipeline) buildPersistentQuote(quote types.Quote) types.PersistentQuote {
	now := p.clock.Now()
	mid := quote.Source.BidPrice.Add(quote.Source.AskPrice).Div(decimal.NewFromInt(2))

	var spreadBps decimal.Decimal
	if len(quote.BidLayers) > 0 && len(quote.AskLayers) > 0 && !mid.IsZero() {
		spreadBps = quote.AskLayers[0].Price.Sub(quote.BidLayers[0].Price).
			Div(mid).Mul(decimal.NewFromInt(10000))
	}

	var sides []types.Side
	if len(quote.BidLayers) > 0 && p.cfg.SidesEnabled[types.Buy] {
		sides = append(sides, types.Buy)
	}
	if len(quote.AskLayers) > 0 && p.cfg.SidesEnabled[types.Sell] {
		sides = append(sides, types.Sell)
	}

	var expiresAt time.Time
	if p.cfg.QuoteTTL > 0 {
		expiresAt = now.Add(p.cfg.QuoteTTL)
	}

	return types.PersistentQuote{
		QuoteID:        "quote-" + p.ids.NewUUID(),
		SymbolSrc:      quote.Source.Symbol,
		SymbolDst:      p.cfg.SymbolDst,
		SourceTicker:   quote.Source,
		SpreadBps:      spreadBps,
		MidPrice:       mid,
		TotalSpreadBps: int(spreadBps.IntPart()),
		SidesEnabled:   sides,
		Strategy:       "market_making",
		Status:         types.QuoteGenerated,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      expiresAt,
		Ladder:         quote,
	}
}

// persistQuote writes pq with status PERSISTED and appends a
// quote_persisted outbox event in the same transaction (spec §4.7 step 3).
func (p *Pipeline) persistQuote(ctx context.Context, pq *types.PersistentQuote) error {
	pq.Status = types.QuotePersisted

	payload, err := json.Marshal(map[string]any{
		"quote_id":   pq.QuoteID,
		"symbol_dst": pq.SymbolDst,
		"mid_price":  pq.MidPrice.String(),
		"spread_bps": pq.SpreadBps.String(),
		"timestamp":  pq.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal quote_persisted payload: %w", err)
	}

	return p.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := p.store.Quotes().Create(ctx, tx, *pq); err != nil {
			return err
		}
		return p.store.Outbox().Append(ctx, tx, "quote_persisted_"+pq.QuoteID, "quote_persisted", pq.QuoteID, payload, p.cfg.OutboxMaxRetries)
	})
}

func (p *Pipeline) setQuoteStatus(ctx context.Context, quoteID string, status types.QuoteStatus) {
	if err := p.store.Transaction(ctx, func(tx *sql.Tx) error {
		return p.store.Quotes().UpdateStatus(ctx, tx, quoteID, status)
	}); err != nil {
		p.log.Error("failed to update quote status", "quote_id", quoteID, "status", status, "error", err)
	}
}

// createOrders submits layer-1 orders for every enabled, non-empty side
// (spec §4.7 step 4). On a risk rejection it returns the orders created so
// far alongside the error so the caller can unwind them.
func (p *Pipeline) createOrders(ctx context.Context, pq *types.PersistentQuote, quote types.Quote) ([]types.OMSOrder, error) {
	var created []types.OMSOrder

	if len(quote.BidLayers) > 0 && p.cfg.SidesEnabled[types.Buy] {
		layer := quote.BidLayers[0]
		order, err := p.oms.SubmitOrder(pq.SymbolDst, types.Buy, types.Limit, layer.Quantity, layer.Price)
		if err != nil {
			return created, fmt.Errorf("submit bid order: %w", err)
		}
		if err := p.store.Orders().Create(ctx, nil, pq.QuoteID, order); err != nil {
			p.log.Error("failed to persist bid order", "order_id", order.OrderID, "error", err)
		}
		pq.BidOrderIDs = append(pq.BidOrderIDs, order.OrderID)
		created = append(created, order)
	}

	if len(quote.AskLayers) > 0 && p.cfg.SidesEnabled[types.Sell] {
		layer := quote.AskLayers[0]
		order, err := p.oms.SubmitOrder(pq.SymbolDst, types.Sell, types.Limit, layer.Quantity, layer.Price)
		if err != nil {
			return created, fmt.Errorf("submit ask order: %w", err)
		}
		if err := p.store.Orders().Create(ctx, nil, pq.QuoteID, order); err != nil {
			p.log.Error("failed to persist ask order", "order_id", order.OrderID, "error", err)
		}
		pq.AskOrderIDs = append(pq.AskOrderIDs, order.OrderID)
		created = append(created, order)
	}

	if len(created) > 0 {
		pq.Status = types.QuoteOrdersCreated
		p.setQuoteStatus(ctx, pq.QuoteID, types.QuoteOrdersCreated)
	}
	return created, nil
}

// submitOrders sends every created order to the venue, rate limited at one
// token per submission (spec §4.7 step 5). Partial submission is allowed:
// it returns the count that reached the venue successfully.
func (p *Pipeline) submitOrders(ctx context.Context, pq *types.PersistentQuote, orders []types.OMSOrder) int {
	submitted := 0
	for _, order := range orders {
		if err := p.rateLimiter.AwaitTokens(ctx, 1); err != nil {
			p.log.Warn("rate limiter wait cancelled", "order_id", order.OrderID, "error", err)
			return submitted
		}

		res, err := p.venue.SubmitOrder(ctx, venue.SubmitRequest{
			Symbol: order.Symbol, Side: order.Side, Type: order.Type,
			Quantity: order.Quantity, Price: order.Price,
		})
		if err != nil {
			if _, updErr := p.oms.UpdateOrderState(order.OrderID, types.OrderFailed, "", err.Error()); updErr != nil {
				p.log.Error("failed to mark order failed", "order_id", order.OrderID, "error", updErr)
			}
			if storeErr := p.store.Orders().UpdateState(ctx, nil, order.OrderID, types.OrderFailed, "", err.Error()); storeErr != nil {
				p.log.Error("failed to persist order failure", "order_id", order.OrderID, "error", storeErr)
			}
			p.log.Error("order submission failed", "order_id", order.OrderID, "quote_id", pq.QuoteID, "error", err)
			continue
		}

		if _, err := p.oms.UpdateOrderState(order.OrderID, types.OrderWorking, res.ExternalOrderID, ""); err != nil {
			p.log.Error("failed to mark order working", "order_id", order.OrderID, "error", err)
		}
		if err := p.store.Orders().UpdateState(ctx, nil, order.OrderID, types.OrderWorking, res.ExternalOrderID, ""); err != nil {
			p.log.Error("failed to persist order state", "order_id", order.OrderID, "error", err)
		}
		submitted++
	}
	return submitted
}

// cancelQuote cancels every order referenced by pq (best effort) and marks
// it CANCELLED, implementing spec §4.7 step 1's per-quote teardown shared
// by Process, Stop, and the expiry sweep.
func (p *Pipeline) cancelQuote(ctx context.Context, pq *types.PersistentQuote, reason string) {
	for _, orderID := range append(append([]string{}, pq.BidOrderIDs...), pq.AskOrderIDs...) {
		order, ok := p.oms.Order(orderID)
		if ok && order.State == types.OrderWorking && order.ExternalOrderID != "" {
			if err := p.venue.CancelOrder(ctx, order.ExternalOrderID); err != nil {
				p.log.Warn("venue cancel failed during quote teardown", "order_id", orderID, "external_order_id", order.ExternalOrderID, "error", err)
			}
		}
		if err := p.oms.CancelOrder(orderID, reason); err != nil {
			p.log.Warn("oms cancel failed during quote teardown", "order_id", orderID, "error", err)
		}
		if err := p.store.Orders().UpdateState(ctx, nil, orderID, types.OrderCancelled, "", reason); err != nil {
			p.log.Warn("failed to persist order cancellation", "order_id", orderID, "error", err)
		}
	}
	p.setQuoteStatus(ctx, pq.QuoteID, types.QuoteCancelled)
}

// sweepExpired marks stale DB rows EXPIRED and tears down any in-memory
// active quote past its TTL (spec §4.7 Expiry: "a safety net; ordinary
// replacement is the primary mechanism").
func (p *Pipeline) sweepExpired(ctx context.Context) {
	now := p.clock.Now()
	if _, err := p.store.Quotes().ExpireOld(ctx, now); err != nil {
		p.log.Error("expire old quotes", "error", err)
	}

	p.mu.Lock()
	var expired []*types.PersistentQuote
	for symbol, q := range p.activeQuotes {
		if q.IsExpired(now) {
			expired = append(expired, q)
			delete(p.activeQuotes, symbol)
		}
	}
	p.mu.Unlock()

	for _, q := range expired {
		p.cancelQuote(ctx, q, "expired")
	}
}
