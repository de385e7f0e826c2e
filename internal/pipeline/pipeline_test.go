package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/clockid"
	"mmbot/internal/config"
	"mmbot/internal/oms"
	"mmbot/internal/ratelimit"
	"mmbot/internal/store"
	"mmbot/internal/venue"
	"mmbot/pkg/types"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOMS() *oms.OMS {
	risk := oms.RiskConfig{
		MaxOpenOrders: 10,
		EmergencyStop: func() bool { return false },
	}
	return oms.New(risk, clockid.NewSeqGenerator("o"))
}

func testQuote(bid, ask bool) types.Quote {
	q := types.Quote{
		Symbol: "ADAUSDM",
		Source: types.BookTicker{
			Symbol: "ADAUSDT", BidPrice: dec("1.0000"), AskPrice: dec("1.0010"), Ts: time.Now(),
		},
		GeneratedAt: time.Now(),
	}
	if bid {
		q.BidLayers = []types.LayeredQuote{{LayerIndex: 1, Price: dec("0.9990"), Quantity: dec("100"), SpreadBps: dec("10")}}
	}
	if ask {
		q.AskLayers = []types.LayeredQuote{{LayerIndex: 1, Price: dec("1.0020"), Quantity: dec("100"), SpreadBps: dec("10")}}
	}
	return q
}

func newTestPipeline(t *testing.T, maxOpenOrders int) (*Pipeline, *venue.Paper, *oms.OMS) {
	t.Helper()
	st := openTestStore(t)
	o := newTestOMS()
	clock := clockid.NewFakeClock(time.Now())
	paper := venue.NewPaper(clockid.NewSeqGenerator("v"), clock)

	cfg := Config{
		SymbolDst:      "ADAUSDM",
		SidesEnabled:   map[types.Side]bool{types.Buy: true, types.Sell: true},
		MaxOpenOrders:  maxOpenOrders,
		QuoteTTL:       time.Minute,
		ExpiryInterval: time.Hour,
	}
	p := New(cfg, st, o, paper, ratelimit.NewTokenBucket(100, 100), clockid.NewSeqGenerator("q"), clock, discardLog())
	return p, paper, o
}

func TestProcessCreatesAndSubmitsBothSides(t *testing.T) {
	t.Parallel()
	p, paper, o := newTestPipeline(t, 10)
	ctx := context.Background()

	pq, err := p.Process(ctx, testQuote(true, true))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if pq.Status != types.QuoteOrdersSubmitted {
		t.Fatalf("expected ORDERS_SUBMITTED, got %s", pq.Status)
	}
	if len(pq.BidOrderIDs) != 1 || len(pq.AskOrderIDs) != 1 {
		t.Fatalf("expected one bid and one ask order, got %+v / %+v", pq.BidOrderIDs, pq.AskOrderIDs)
	}
	if o.OpenOrderCount() != 2 {
		t.Fatalf("expected 2 open orders tracked by OMS, got %d", o.OpenOrderCount())
	}
	open, err := paper.GetOpenOrders(ctx, "ADAUSDM", 1)
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open venue orders, got %d", len(open))
	}

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 active quote, got %d", len(snap))
	}
}

func TestProcessOnlyEnabledSide(t *testing.T) {
	t.Parallel()
	p, paper, _ := newTestPipeline(t, 10)
	p.cfg.SidesEnabled = map[types.Side]bool{types.Buy: true}
	ctx := context.Background()

	pq, err := p.Process(ctx, testQuote(true, true))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(pq.BidOrderIDs) != 1 || len(pq.AskOrderIDs) != 0 {
		t.Fatalf("expected bid-only orders, got %+v / %+v", pq.BidOrderIDs, pq.AskOrderIDs)
	}
	open, _ := paper.GetOpenOrders(ctx, "ADAUSDM", 1)
	if len(open) != 1 {
		t.Fatalf("expected 1 open venue order, got %d", len(open))
	}
}

func TestProcessBudgetCheckRejects(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPipeline(t, 0)
	ctx := context.Background()

	_, err := p.Process(ctx, testQuote(true, true))
	if err == nil {
		t.Fatal("expected budget check to reject")
	}
	if len(p.Snapshot()) != 0 {
		t.Fatal("expected no active quote after budget rejection")
	}
}

func TestProcessReplacesPreviousLadder(t *testing.T) {
	t.Parallel()
	p, paper, o := newTestPipeline(t, 10)
	ctx := context.Background()

	first, err := p.Process(ctx, testQuote(true, true))
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}

	second, err := p.Process(ctx, testQuote(true, true))
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}

	for _, orderID := range append(first.BidOrderIDs, first.AskOrderIDs...) {
		order, ok := o.Order(orderID)
		if !ok {
			t.Fatalf("expected order %s to still exist", orderID)
		}
		if order.State != types.OrderCancelled {
			t.Errorf("expected first quote's order %s to be cancelled, got %s", orderID, order.State)
		}
	}

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected exactly 1 active quote after replacement, got %d", len(snap))
	}
	if _, ok := snap[second.SymbolDst]; !ok {
		t.Fatal("expected second quote to be the active one")
	}

	open, _ := paper.GetOpenOrders(ctx, "ADAUSDM", 1)
	if len(open) != 2 {
		t.Fatalf("expected 2 open venue orders after replacement, got %d", len(open))
	}
}

func TestStopCancelsActiveQuotes(t *testing.T) {
	t.Parallel()
	p, _, o := newTestPipeline(t, 10)
	ctx := context.Background()

	pq, err := p.Process(ctx, testQuote(true, true))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	p.Stop(ctx)

	if len(p.Snapshot()) != 0 {
		t.Fatal("expected no active quotes after Stop")
	}
	for _, orderID := range append(pq.BidOrderIDs, pq.AskOrderIDs...) {
		order, ok := o.Order(orderID)
		if !ok || order.State != types.OrderCancelled {
			t.Errorf("expected order %s cancelled after Stop", orderID)
		}
	}
}

func TestSweepExpiredRemovesStaleQuote(t *testing.T) {
	t.Parallel()
	p, _, o := newTestPipeline(t, 10)
	p.cfg.QuoteTTL = time.Second
	clock := p.clock.(*clockid.FakeClock)
	ctx := context.Background()

	pq, err := p.Process(ctx, testQuote(true, true))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	clock.Advance(2 * time.Second)
	p.sweepExpired(ctx)

	if len(p.Snapshot()) != 0 {
		t.Fatal("expected expired quote to be removed from active set")
	}
	for _, orderID := range append(pq.BidOrderIDs, pq.AskOrderIDs...) {
		order, ok := o.Order(orderID)
		if !ok || order.State != types.OrderCancelled {
			t.Errorf("expected order %s cancelled after expiry sweep", orderID)
		}
	}
}

func TestFromConfigMapsSideEnableToBuySellAndSubmitsBothSides(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	o := newTestOMS()
	clock := clockid.NewFakeClock(time.Now())
	paper := venue.NewPaper(clockid.NewSeqGenerator("v"), clock)

	cfg := FromConfig(config.Config{
		Trading: config.TradingConfig{
			SymbolDst:  "ADAUSDM",
			StaleMs:    60000,
			SideEnable: []string{"bid", "ask"},
		},
		Risk:   config.RiskConfig{MaxOpenOrders: 10},
		Outbox: config.OutboxConfig{MaxRetries: 3},
	})

	if !cfg.SidesEnabled[types.Buy] {
		t.Fatal("expected types.Buy enabled from side_enable \"bid\"")
	}
	if !cfg.SidesEnabled[types.Sell] {
		t.Fatal("expected types.Sell enabled from side_enable \"ask\"")
	}

	p := New(cfg, st, o, paper, ratelimit.NewTokenBucket(100, 100), clockid.NewSeqGenerator("q"), clock, discardLog())

	pq, err := p.Process(context.Background(), testQuote(true, true))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if pq.Status != types.QuoteOrdersSubmitted {
		t.Fatalf("expected ORDERS_SUBMITTED, got %s", pq.Status)
	}
	if len(pq.BidOrderIDs) != 1 || len(pq.AskOrderIDs) != 1 {
		t.Fatalf("expected one bid and one ask order from a config.Config-built Config, got %+v / %+v", pq.BidOrderIDs, pq.AskOrderIDs)
	}
}
