package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesSchema(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	tables := []string{"quotes", "orders", "fills", "positions", "account_balances", "outbox", "trading_sessions"}
	for _, tbl := range tables {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", tbl).Scan(&name)
		if err != nil {
			t.Fatalf("expected table %s to exist: %v", tbl, err)
		}
	}
}

func TestQuoteCreateAndFetch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	q := types.PersistentQuote{
		QuoteID:        "q-1",
		SymbolSrc:      "BTCUSDT",
		SymbolDst:      "BTCUSDT",
		SpreadBps:      decimal.NewFromInt(10),
		MidPrice:       decimal.NewFromInt(50000),
		TotalSpreadBps: 10,
		SidesEnabled:   []types.Side{types.Buy, types.Sell},
		Status:         types.QuoteGenerated,
		CreatedAt:      time.Now(),
		SourceTicker: types.BookTicker{
			Symbol: "BTCUSDT", BidPrice: decimal.NewFromInt(49990), BidQty: decimal.NewFromInt(1),
			AskPrice: decimal.NewFromInt(50010), AskQty: decimal.NewFromInt(1),
		},
	}

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.Quotes().Create(ctx, tx, q)
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Quotes().RecentBySymbol(ctx, "BTCUSDT", 10)
	if err != nil {
		t.Fatalf("RecentBySymbol: %v", err)
	}
	if len(got) != 1 || got[0].QuoteID != "q-1" {
		t.Fatalf("expected 1 quote with id q-1, got %+v", got)
	}
	if !got[0].MidPrice.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected mid price 50000, got %s", got[0].MidPrice)
	}
}

func TestOrderLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	order := types.OMSOrder{
		OrderID: "o-1", Symbol: "BTCUSDT", Side: types.Buy, Type: types.Limit,
		Quantity: decimal.NewFromFloat(0.01), Price: decimal.NewFromInt(50000), State: types.OrderIdle,
	}
	if err := s.Orders().Create(ctx, nil, "", order); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Orders().UpdateState(ctx, nil, "o-1", types.OrderWorking, "ext-1", ""); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	got, err := s.Orders().Get(ctx, "o-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.State != types.OrderWorking {
		t.Fatalf("expected WORKING order, got %+v", got)
	}
	if got.ExternalOrderID != "ext-1" {
		t.Fatalf("expected external order id ext-1, got %q", got.ExternalOrderID)
	}

	active, err := s.Orders().ActiveBySymbol(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("ActiveBySymbol: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active order, got %d", len(active))
	}
}

func TestFillIdempotency(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	order := types.OMSOrder{OrderID: "o-2", Symbol: "BTCUSDT", Side: types.Buy, Type: types.Limit,
		Quantity: decimal.NewFromFloat(0.01), Price: decimal.NewFromInt(50000), State: types.OrderWorking}
	if err := s.Orders().Create(ctx, nil, "", order); err != nil {
		t.Fatalf("create order: %v", err)
	}

	fill := types.Fill{
		FillID: "f-1", OrderID: "o-2", Symbol: "BTCUSDT", Side: types.Buy,
		Price: decimal.NewFromInt(50000), Quantity: decimal.NewFromFloat(0.01),
		ExecutedAt: time.Now(), Status: types.FillReceived,
	}

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		exists, err := s.Fills().ExistsByFillID(ctx, tx, fill.FillID)
		if err != nil {
			return err
		}
		if exists {
			t.Fatal("fill should not exist yet")
		}
		return s.Fills().Create(ctx, tx, fill)
	})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		exists, err := s.Fills().ExistsByFillID(ctx, tx, fill.FillID)
		if err != nil {
			return err
		}
		if !exists {
			t.Fatal("expected fill to already exist on second attempt")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second check: %v", err)
	}

	fills, err := s.Fills().ForOrder(ctx, "o-2")
	if err != nil {
		t.Fatalf("ForOrder: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected exactly 1 fill recorded, got %d", len(fills))
	}
}

// TestOutboxRetryToDeadLetter matches spec scenario 5: with max_retries=3,
// an event reaches DEAD_LETTER after exactly three failed attempts, with
// retry_count=3.
func TestOutboxRetryToDeadLetter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.Outbox().Append(ctx, tx, "e-1", "order_created", "o-1", []byte(`{}`), 3)
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if err := s.Outbox().MarkFailed(ctx, "e-1", "boom", 0); err != nil {
			t.Fatalf("MarkFailed %d: %v", i, err)
		}
		counts, err := s.Outbox().CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus: %v", err)
		}
		if counts[types.OutboxFailed] != 1 {
			t.Fatalf("expected 1 failed event after failure %d, got %v", i, counts)
		}
	}

	if err := s.Outbox().MarkFailed(ctx, "e-1", "boom again", 0); err != nil {
		t.Fatalf("MarkFailed 3: %v", err)
	}
	counts, err := s.Outbox().CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[types.OutboxDeadLetter] != 1 {
		t.Fatalf("expected event to reach dead_letter after exactly 3 retries, got %v", counts)
	}

	var retryCount int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM outbox WHERE event_id = ?`, "e-1").Scan(&retryCount); err != nil {
		t.Fatalf("query retry_count: %v", err)
	}
	if retryCount != 3 {
		t.Fatalf("expected retry_count=3 at dead_letter, got %d", retryCount)
	}

	if err := s.Outbox().ResetFromDeadLetter(ctx, "e-1"); err != nil {
		t.Fatalf("ResetFromDeadLetter: %v", err)
	}
	counts, err = s.Outbox().CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[types.OutboxPending] != 1 {
		t.Fatalf("expected event back to pending after reset, got %v", counts)
	}
}

func TestPositionAndBalanceUpsert(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	pos := types.Position{Symbol: "BTCUSDT", Quantity: decimal.NewFromFloat(0.5), AvgEntryPrice: decimal.NewFromInt(50000)}
	err := s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.Positions().Upsert(ctx, tx, pos)
	})
	if err != nil {
		t.Fatalf("Upsert position: %v", err)
	}
	got, err := s.Positions().Get(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get position: %v", err)
	}
	if !got.Quantity.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected quantity 0.5, got %s", got.Quantity)
	}

	bal := types.Balance{Asset: "USDT", Available: decimal.NewFromInt(1000), Locked: decimal.NewFromInt(100)}
	err = s.Transaction(ctx, func(tx *sql.Tx) error {
		return s.Balances().Upsert(ctx, tx, bal)
	})
	if err != nil {
		t.Fatalf("Upsert balance: %v", err)
	}
	gotBal, err := s.Balances().Get(ctx, "USDT")
	if err != nil {
		t.Fatalf("Get balance: %v", err)
	}
	if !gotBal.Total().Equal(decimal.NewFromInt(1100)) {
		t.Fatalf("expected total 1100, got %s", gotBal.Total())
	}
}
