package venue

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/clockid"
	"mmbot/pkg/types"
)

func TestPaperSubmitAndCancel(t *testing.T) {
	t.Parallel()
	now := time.Now()
	clock := clockid.NewFakeClock(now)
	p := NewPaper(clockid.NewSeqGenerator("p"), clock)
	ctx := context.Background()

	res, err := p.SubmitOrder(ctx, SubmitRequest{Symbol: "ADAUSDM", Side: types.Buy,
		Type: types.Limit, Quantity: decimal.NewFromInt(10), Price: decimal.NewFromFloat(0.5)})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.ExternalOrderID == "" {
		t.Fatal("expected non-empty external order id")
	}

	open, err := p.GetOpenOrders(ctx, "ADAUSDM", 1)
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(open))
	}

	if err := p.CancelOrder(ctx, res.ExternalOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	open, err = p.GetOpenOrders(ctx, "ADAUSDM", 1)
	if err != nil {
		t.Fatalf("GetOpenOrders after cancel: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected 0 open orders after cancel, got %d", len(open))
	}
}

func TestPaperCancelUnknownOrderErrors(t *testing.T) {
	t.Parallel()
	p := NewPaper(clockid.NewSeqGenerator("p"), clockid.NewFakeClock(time.Now()))
	if err := p.CancelOrder(context.Background(), "missing"); err == nil {
		t.Fatal("expected error cancelling unknown order")
	}
}

func TestPaperSecondPageIsEmpty(t *testing.T) {
	t.Parallel()
	p := NewPaper(clockid.NewSeqGenerator("p"), clockid.NewFakeClock(time.Now()))
	ctx := context.Background()
	if _, err := p.SubmitOrder(ctx, SubmitRequest{Symbol: "X", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	open, err := p.GetOpenOrders(ctx, "X", 2)
	if err != nil {
		t.Fatalf("GetOpenOrders page 2: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected empty second page, got %d", len(open))
	}
}

func TestPaperAgeTracking(t *testing.T) {
	t.Parallel()
	now := time.Now()
	clock := clockid.NewFakeClock(now)
	p := NewPaper(clockid.NewSeqGenerator("p"), clock)
	ctx := context.Background()

	res, err := p.SubmitOrder(ctx, SubmitRequest{Symbol: "X", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	clock.Advance(90 * time.Second)
	age, ok := p.Age(res.ExternalOrderID, clock.Now())
	if !ok {
		t.Fatal("expected order to be found")
	}
	if age != 90*time.Second {
		t.Fatalf("expected age 90s, got %v", age)
	}
}
