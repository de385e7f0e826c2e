package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/pkg/types"
)

func TestFillReconcilerSkipsBalanceUpdateForUnknownSymbol(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	o := newTestOMS()
	tracker := NewBalanceTracker(s, discardLog())
	ctx := context.Background()

	order, err := o.SubmitOrder("ZZZUNKNOWN", types.Buy, types.Limit, decimal.NewFromInt(1), decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	o.UpdateOrderState(order.OrderID, types.OrderWorking, "ext-1", "")
	if err := s.Orders().Create(ctx, nil, "", order); err != nil {
		t.Fatalf("persist order: %v", err)
	}

	recon := NewFillReconciler(s, o, tracker, discardLog())
	fill := types.Fill{FillID: "f-unknown", OrderID: order.OrderID, Symbol: "ZZZUNKNOWN", Side: types.Buy,
		Price: decimal.NewFromInt(10), Quantity: decimal.NewFromInt(1), ExecutedAt: time.Now()}

	applied, err := recon.ProcessFill(ctx, fill)
	if err != nil {
		t.Fatalf("ProcessFill should not fail on unknown symbol metadata: %v", err)
	}
	if !applied {
		t.Fatal("expected fill to still apply even without symbol metadata")
	}
}

func TestFillReconcilerAppliesCommission(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	o := newTestOMS()
	tracker := NewBalanceTracker(s, discardLog())
	ctx := context.Background()

	RegisterSymbol("ETHUSDT", "ETH", "USDT")
	if err := tracker.Update(ctx, "ETH", decimal.Zero, decimal.Zero); err != nil {
		t.Fatalf("seed ETH: %v", err)
	}
	if err := tracker.Update(ctx, "USDT", decimal.NewFromInt(10000), decimal.Zero); err != nil {
		t.Fatalf("seed USDT: %v", err)
	}

	order, err := o.SubmitOrder("ETHUSDT", types.Buy, types.Limit, decimal.NewFromInt(2), decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	o.UpdateOrderState(order.OrderID, types.OrderWorking, "ext-1", "")
	if err := s.Orders().Create(ctx, nil, "", order); err != nil {
		t.Fatalf("persist order: %v", err)
	}

	recon := NewFillReconciler(s, o, tracker, discardLog())
	fill := types.Fill{
		FillID: "f-commission", OrderID: order.OrderID, Symbol: "ETHUSDT", Side: types.Buy,
		Price: decimal.NewFromInt(1000), Quantity: decimal.NewFromInt(2), ExecutedAt: time.Now(),
		Commission: decimal.NewFromFloat(0.01), CommissionAsset: "ETH",
	}

	if _, err := recon.ProcessFill(ctx, fill); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}

	eth := tracker.Get("ETH")
	want := decimal.NewFromInt(2).Sub(decimal.NewFromFloat(0.01))
	if !eth.Available.Equal(want) {
		t.Fatalf("expected ETH available %s after commission, got %s", want, eth.Available)
	}

	usdt := tracker.Get("USDT")
	wantUSDT := decimal.NewFromInt(10000).Sub(decimal.NewFromInt(2000))
	if !usdt.Available.Equal(wantUSDT) {
		t.Fatalf("expected USDT available %s, got %s", wantUSDT, usdt.Available)
	}
}

func TestFillReconcilerObserverNotified(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	o := newTestOMS()
	tracker := NewBalanceTracker(s, discardLog())
	ctx := context.Background()

	RegisterSymbol("SOLUSDT", "SOL", "USDT")
	order, err := o.SubmitOrder("SOLUSDT", types.Buy, types.Limit, decimal.NewFromInt(1), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	o.UpdateOrderState(order.OrderID, types.OrderWorking, "ext-1", "")
	if err := s.Orders().Create(ctx, nil, "", order); err != nil {
		t.Fatalf("persist order: %v", err)
	}

	recon := NewFillReconciler(s, o, tracker, discardLog())
	var notified []string
	recon.OnFillEvent(FillObserverFunc(func(f types.Fill) {
		notified = append(notified, f.FillID)
	}))

	fill := types.Fill{FillID: "f-notify", OrderID: order.OrderID, Symbol: "SOLUSDT", Side: types.Buy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), ExecutedAt: time.Now()}

	if _, err := recon.ProcessFill(ctx, fill); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}
	if len(notified) != 1 || notified[0] != "f-notify" {
		t.Fatalf("expected observer notified with f-notify, got %v", notified)
	}

	// duplicate must not renotify
	if _, err := recon.ProcessFill(ctx, fill); err != nil {
		t.Fatalf("ProcessFill (duplicate): %v", err)
	}
	if len(notified) != 1 {
		t.Fatalf("expected no renotification on duplicate fill, got %v", notified)
	}
}

func TestFillReconcilerMarksFillProcessedAndEmitsFillProcessedEvent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	o := newTestOMS()
	tracker := NewBalanceTracker(s, discardLog())
	ctx := context.Background()

	RegisterSymbol("BTCUSDT", "BTC", "USDT")
	order, err := o.SubmitOrder("BTCUSDT", types.Buy, types.Limit, decimal.NewFromInt(1), decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	o.UpdateOrderState(order.OrderID, types.OrderWorking, "ext-1", "")
	if err := s.Orders().Create(ctx, nil, "", order); err != nil {
		t.Fatalf("persist order: %v", err)
	}

	recon := NewFillReconciler(s, o, tracker, discardLog())
	fill := types.Fill{FillID: "f-processed", OrderID: order.OrderID, Symbol: "BTCUSDT", Side: types.Buy,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), ExecutedAt: time.Now()}

	if _, err := recon.ProcessFill(ctx, fill); err != nil {
		t.Fatalf("ProcessFill: %v", err)
	}

	persisted, err := s.Fills().ForOrder(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("ForOrder: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 fill persisted, got %d", len(persisted))
	}
	if persisted[0].Status != types.FillProcessed {
		t.Fatalf("expected fill status PROCESSED, got %s", persisted[0].Status)
	}
	if persisted[0].ProcessedAt.IsZero() {
		t.Fatal("expected processed_at to be set")
	}

	events, err := s.Outbox().PendingBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PendingBatch: %v", err)
	}
	var fillEvents []types.OutboxEvent
	for _, e := range events {
		if e.EventType == "fill_processed" {
			fillEvents = append(fillEvents, e)
		}
		if e.EventType == "fill_created" {
			t.Fatalf("expected no fill_created event, got one: %+v", e)
		}
	}
	if len(fillEvents) != 1 {
		t.Fatalf("expected exactly one fill_processed outbox event, got %d", len(fillEvents))
	}
}
