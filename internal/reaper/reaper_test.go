package reaper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/clockid"
	"mmbot/internal/store"
	"mmbot/pkg/types"
	"mmbot/internal/venue"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
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

func registerOrder(t *testing.T, st *store.Store, orderID, externalID, symbol string) {
	t.Helper()
	ctx := context.Background()
	err := st.Orders().Create(ctx, nil, "", types.OMSOrder{
		OrderID:  orderID,
		Symbol:   symbol,
		Side:     types.Buy,
		Type:     types.Limit,
		Price:    decimal.NewFromInt(1),
		Quantity: decimal.NewFromInt(1),
		State:    types.OrderPending,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	if err := st.Orders().UpdateState(ctx, nil, orderID, types.OrderWorking, externalID, ""); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
}

func newTestReaper(t *testing.T, regTimeoutMs int64) (*Reaper, *venue.Paper, *store.Store, *clockid.FakeClock) {
	t.Helper()
	st := openTestStore(t)
	clock := clockid.NewFakeClock(time.Now())
	paper := venue.NewPaper(clockid.NewSeqGenerator("v"), clock)

	cfg := Config{
		Enabled:               true,
		SymbolDst:             "ADAUSDM",
		CheckInterval:         time.Hour,
		RegistrationTimeoutMs: regTimeoutMs,
	}
	r := New(cfg, paper, st, clock, discardLog())
	return r, paper, st, clock
}

func TestPerformCleanupCancelsUnregisteredOrder(t *testing.T) {
	t.Parallel()
	r, paper, _, clock := newTestReaper(t, 1000)
	ctx := context.Background()

	res, err := paper.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol: "ADAUSDM", Side: types.Buy, Type: types.Limit,
		Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	clock.Advance(2 * time.Second)

	if err := r.performCleanup(ctx); err != nil {
		t.Fatalf("performCleanup: %v", err)
	}
	if r.Cancelled != 1 {
		t.Fatalf("expected 1 cancelled order, got %d", r.Cancelled)
	}

	open, _ := paper.GetOpenOrders(ctx, "ADAUSDM", 1)
	for _, o := range open {
		if o.ExternalOrderID == res.ExternalOrderID {
			t.Fatal("expected order to be cancelled on venue")
		}
	}
}

func TestPerformCleanupSkipsRegisteredOrder(t *testing.T) {
	t.Parallel()
	r, paper, st, clock := newTestReaper(t, 1000)
	ctx := context.Background()

	res, err := paper.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol: "ADAUSDM", Side: types.Buy, Type: types.Limit,
		Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	registerOrder(t, st, "local-order-1", res.ExternalOrderID, "ADAUSDM")

	clock.Advance(2 * time.Second)

	if err := r.performCleanup(ctx); err != nil {
		t.Fatalf("performCleanup: %v", err)
	}
	if r.Cancelled != 0 {
		t.Fatalf("expected registered order to survive, cancelled=%d", r.Cancelled)
	}

	open, _ := paper.GetOpenOrders(ctx, "ADAUSDM", 1)
	if len(open) != 1 {
		t.Fatalf("expected registered order to remain open, got %d open", len(open))
	}
}

func TestPerformCleanupSkipsRecentOrder(t *testing.T) {
	t.Parallel()
	r, paper, _, _ := newTestReaper(t, 60_000)
	ctx := context.Background()

	if _, err := paper.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol: "ADAUSDM", Side: types.Buy, Type: types.Limit,
		Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	if err := r.performCleanup(ctx); err != nil {
		t.Fatalf("performCleanup: %v", err)
	}
	if r.Cancelled != 0 {
		t.Fatalf("expected fresh order to be skipped, cancelled=%d", r.Cancelled)
	}

	open, _ := paper.GetOpenOrders(ctx, "ADAUSDM", 1)
	if len(open) != 1 {
		t.Fatalf("expected order to remain open during grace window, got %d open", len(open))
	}
}

func TestInitialReapDisabledSkips(t *testing.T) {
	t.Parallel()
	r, paper, _, clock := newTestReaper(t, 0)
	r.cfg.Enabled = false
	ctx := context.Background()

	if _, err := paper.SubmitOrder(ctx, venue.SubmitRequest{
		Symbol: "ADAUSDM", Side: types.Buy, Type: types.Limit,
		Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1),
	}); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	clock.Advance(time.Minute)

	if err := r.InitialReap(ctx); err != nil {
		t.Fatalf("InitialReap: %v", err)
	}
	open, _ := paper.GetOpenOrders(ctx, "ADAUSDM", 1)
	if len(open) != 1 {
		t.Fatalf("expected cleanup to be skipped entirely, got %d open", len(open))
	}
}

func TestStartAndStopRunsLoop(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestReaper(t, 1000)
	r.cfg.CheckInterval = time.Millisecond
	ctx := context.Background()

	r.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	if r.Runs == 0 {
		t.Fatal("expected at least one periodic run")
	}
}

func TestIsRateLimitError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		msg  string
		want bool
	}{
		{"cancel order x: status 429: too many requests", true},
		{"Rate limit exceeded", true},
		{"status 500: internal error", false},
		{"connection refused", false},
	}
	for _, c := range cases {
		if got := isRateLimitError(errString(c.msg)); got != c.want {
			t.Errorf("isRateLimitError(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
