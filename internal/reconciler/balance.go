package reconciler

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/store"
	"mmbot/pkg/types"
)

// changeLogThreshold mirrors the original's BalanceTracker: only log a
// balance change once |Δtotal| exceeds this threshold, to avoid flooding
// logs with dust-level rebalances.
var changeLogThreshold = decimal.NewFromFloat(0.001)

// BalanceObserver is notified on every persisted balance update.
type BalanceObserver interface {
	OnBalance(balance types.Balance)
}

// BalanceObserverFunc adapts a function to BalanceObserver.
type BalanceObserverFunc func(types.Balance)

func (f BalanceObserverFunc) OnBalance(b types.Balance) { f(b) }

// BalanceTracker maintains current per-asset balances under a single
// mutex, persisting every update and notifying observers. Grounded on the
// original's BalanceTracker (asyncio.Lock + current_balances dict).
type BalanceTracker struct {
	mu       sync.Mutex
	balances map[string]types.Balance
	store    *store.Store
	repo     *store.BalanceRepo
	log      *slog.Logger
	now      func() time.Time

	observers []BalanceObserver
}

// NewBalanceTracker creates a balance tracker backed by s.
func NewBalanceTracker(s *store.Store, log *slog.Logger) *BalanceTracker {
	return &BalanceTracker{
		balances: map[string]types.Balance{},
		store:    s,
		repo:     s.Balances(),
		log:      log.With("component", "balance_tracker"),
		now:      time.Now,
	}
}

// OnBalanceEvent registers an observer for balance updates.
func (t *BalanceTracker) OnBalanceEvent(obs BalanceObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
}

// LoadInitial populates the in-memory map from the store at startup.
func (t *BalanceTracker) LoadInitial(ctx context.Context) error {
	all, err := t.repo.All(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range all {
		t.balances[b.Asset] = b
	}
	t.log.Info("initial balances loaded", "count", len(all))
	return nil
}

// Update sets asset's available/locked in its own transaction, for
// callers (the account event stream) that aren't already inside one.
func (t *BalanceTracker) Update(ctx context.Context, asset string, available, locked decimal.Decimal) error {
	return t.store.Transaction(ctx, func(tx *sql.Tx) error {
		return t.UpdateBalance(ctx, tx, asset, available, locked)
	})
}

// UpdateBalance sets asset's available/locked, persists it, logs material
// changes, and notifies observers.
func (t *BalanceTracker) UpdateBalance(ctx context.Context, tx *sql.Tx, asset string, available, locked decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, hadOld := t.balances[asset]
	next := types.Balance{Asset: asset, Available: available, Locked: locked, UpdatedAt: t.now()}
	t.balances[asset] = next

	if err := t.repo.Upsert(ctx, tx, next); err != nil {
		return err
	}

	if hadOld {
		change := next.Total().Sub(old.Total())
		if change.Abs().GreaterThan(changeLogThreshold) {
			t.log.Info("balance updated", "asset", asset, "old_total", old.Total(), "new_total", next.Total(), "change", change)
		}
	} else {
		t.log.Info("initial balance set", "asset", asset, "total", next.Total())
	}

	for _, obs := range t.observers {
		obs.OnBalance(next)
	}
	return nil
}

// Get returns the tracked balance for asset, zero-valued if unknown.
func (t *BalanceTracker) Get(asset string) types.Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.balances[asset]
	if !ok {
		return types.Balance{Asset: asset}
	}
	return b
}

// All returns a snapshot of every tracked balance.
func (t *BalanceTracker) All() []types.Balance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Balance, 0, len(t.balances))
	for _, b := range t.balances {
		out = append(out, b)
	}
	return out
}
