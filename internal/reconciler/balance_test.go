package reconciler

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"mmbot/pkg/types"
)

func TestBalanceTrackerObserverNotifiedOnUpdate(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	tracker := NewBalanceTracker(s, discardLog())
	ctx := context.Background()

	var seen []types.Balance
	tracker.OnBalanceEvent(BalanceObserverFunc(func(b types.Balance) {
		seen = append(seen, b)
	}))

	if err := tracker.Update(ctx, "ETH", decimal.NewFromInt(5), decimal.Zero); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 observer notification, got %d", len(seen))
	}
	if seen[0].Asset != "ETH" {
		t.Fatalf("expected asset ETH, got %s", seen[0].Asset)
	}
}

func TestBalanceTrackerLoadInitial(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	seed := NewBalanceTracker(s, discardLog())
	if err := seed.Update(ctx, "BTC", decimal.NewFromInt(2), decimal.NewFromFloat(0.5)); err != nil {
		t.Fatalf("seed Update: %v", err)
	}

	fresh := NewBalanceTracker(s, discardLog())
	if err := fresh.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}

	got := fresh.Get("BTC")
	if !got.Available.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected available 2, got %s", got.Available)
	}
	if !got.Locked.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected locked 0.5, got %s", got.Locked)
	}
}

func TestBalanceTrackerUnknownAssetIsZero(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	tracker := NewBalanceTracker(s, discardLog())

	got := tracker.Get("DOGE")
	if !got.Available.IsZero() || !got.Locked.IsZero() {
		t.Fatalf("expected zero-valued balance for unknown asset, got %+v", got)
	}
}

func TestBalanceTrackerAllReturnsSnapshot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	tracker := NewBalanceTracker(s, discardLog())
	ctx := context.Background()

	if err := tracker.Update(ctx, "BTC", decimal.NewFromInt(1), decimal.Zero); err != nil {
		t.Fatalf("Update BTC: %v", err)
	}
	if err := tracker.Update(ctx, "USDT", decimal.NewFromInt(1000), decimal.Zero); err != nil {
		t.Fatalf("Update USDT: %v", err)
	}

	all := tracker.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(all))
	}
}
