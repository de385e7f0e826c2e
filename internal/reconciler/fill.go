package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"mmbot/internal/oms"
	"mmbot/internal/store"
	"mmbot/pkg/types"
)

// FillObserver is notified once a fill has been fully reconciled.
type FillObserver interface {
	OnFill(fill types.Fill)
}

// FillObserverFunc adapts a function to FillObserver.
type FillObserverFunc func(types.Fill)

func (f FillObserverFunc) OnFill(fill types.Fill) { f(fill) }

// FillReconciler persists fills, routes them into the OMS for position and
// order-state updates, and derives balance deltas from the fill's
// base/quote assets. Grounded on the original FillReconciler.process_fill;
// the asyncio.Lock guarding idempotency + persistence becomes a plain
// sync.Mutex, and the positional symbol-suffix guess is replaced by the
// static symbols table (Open Question decision #3).
type FillReconciler struct {
	mu        sync.Mutex
	processed map[string]struct{}

	store    *store.Store
	oms      *oms.OMS
	balances *BalanceTracker
	log      *slog.Logger

	observers []FillObserver
}

// NewFillReconciler wires a FillReconciler to its dependencies.
func NewFillReconciler(s *store.Store, o *oms.OMS, balances *BalanceTracker, log *slog.Logger) *FillReconciler {
	return &FillReconciler{
		processed: map[string]struct{}{},
		store:     s,
		oms:       o,
		balances:  balances,
		log:       log.With("component", "fill_reconciler"),
	}
}

// OnFillEvent registers an observer for reconciled fills.
func (r *FillReconciler) OnFillEvent(obs FillObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// ProcessFill reconciles fill against the order book: persists it, applies
// it to the OMS (position accounting + order-state transition to FILLED
// when complete), derives balance deltas from the symbol's base/quote
// assets, marks it PROCESSED, and publishes an outbox event — all as one
// transaction. Returns false (no error) if fill.FillID was already
// processed; idempotency is checked both in-memory (fast path, serialised
// by mu) and against the fills table (authoritative, survives restarts).
func (r *FillReconciler) ProcessFill(ctx context.Context, fill types.Fill) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.processed[fill.FillID]; seen {
		r.log.Debug("fill already processed", "fill_id", fill.FillID)
		return false, nil
	}

	var alreadyPersisted bool
	err := r.store.Transaction(ctx, func(tx *sql.Tx) error {
		exists, err := r.store.Fills().ExistsByFillID(ctx, tx, fill.FillID)
		if err != nil {
			return err
		}
		if exists {
			alreadyPersisted = true
			return nil
		}

		fill.Status = types.FillReceived
		if err := r.store.Fills().Create(ctx, tx, fill); err != nil {
			return err
		}

		if err := r.applyPositionLocked(ctx, tx, fill); err != nil {
			return fmt.Errorf("apply position: %w", err)
		}

		if err := r.applyBalancesLocked(ctx, tx, fill); err != nil {
			return fmt.Errorf("apply balances: %w", err)
		}

		if err := r.store.Fills().MarkProcessed(ctx, tx, fill.FillID); err != nil {
			return fmt.Errorf("mark fill processed: %w", err)
		}

		payload := []byte(fmt.Sprintf(
			`{"fill_id":%q,"order_id":%q,"symbol":%q,"side":%q,"price":%q,"quantity":%q,"commission":%q}`,
			fill.FillID, fill.OrderID, fill.Symbol, fill.Side, fill.Price.String(), fill.Quantity.String(), fill.Commission.String()))
		return r.store.Outbox().Append(ctx, tx, "fill_processed_"+fill.FillID, "fill_processed", fill.OrderID, payload, 5)
	})
	if err != nil {
		r.log.Error("fill reconciliation failed", "fill_id", fill.FillID, "error", err)
		return false, err
	}
	if alreadyPersisted {
		r.processed[fill.FillID] = struct{}{}
		return false, nil
	}

	r.processed[fill.FillID] = struct{}{}
	fill.Status = types.FillProcessed
	r.log.Info("fill processed and reconciled", "fill_id", fill.FillID, "order_id", fill.OrderID,
		"symbol", fill.Symbol, "side", fill.Side, "quantity", fill.Quantity, "price", fill.Price)

	for _, obs := range r.observers {
		obs.OnFill(fill)
	}
	return true, nil
}

// applyPositionLocked feeds the fill through the OMS, which owns both the
// order-state transition and the position update rule. OMS mutations
// happen in-memory; this also persists the resulting order/position rows
// inside the same transaction as the fill insert.
func (r *FillReconciler) applyPositionLocked(ctx context.Context, tx *sql.Tx, fill types.Fill) error {
	if err := r.oms.AddFill(fill.OrderID, fill); err != nil {
		return err
	}

	order, ok := r.oms.Order(fill.OrderID)
	if ok {
		if err := r.store.Orders().UpdateFillProgress(ctx, tx, order.OrderID, order.FilledQuantity.String(), order.AvgFillPrice.String()); err != nil {
			return err
		}
		if order.State == types.OrderFilled {
			if err := r.store.Orders().UpdateState(ctx, tx, order.OrderID, types.OrderFilled, "", ""); err != nil {
				return err
			}
		}
	}

	position := r.oms.Position(fill.Symbol)
	return r.store.Positions().Upsert(ctx, tx, position)
}

// applyBalancesLocked derives base/quote balance deltas from the fill,
// using the static symbol table rather than positional string parsing
// (spec §9's flagged unsafe shortcut).
func (r *FillReconciler) applyBalancesLocked(ctx context.Context, tx *sql.Tx, fill types.Fill) error {
	meta, err := LookupSymbol(fill.Symbol)
	if err != nil {
		r.log.Warn("no symbol metadata for fill, skipping balance update", "symbol", fill.Symbol, "fill_id", fill.FillID)
		return nil
	}

	baseChange := fill.Quantity
	quoteChange := fill.Quantity.Mul(fill.Price).Neg()
	if fill.Side == types.Sell {
		baseChange = baseChange.Neg()
		quoteChange = quoteChange.Neg()
	}

	if !fill.Commission.IsZero() {
		switch fill.CommissionAsset {
		case meta.Base:
			baseChange = baseChange.Sub(fill.Commission)
		case meta.Quote:
			quoteChange = quoteChange.Sub(fill.Commission)
		}
	}

	base := r.balances.Get(meta.Base)
	quote := r.balances.Get(meta.Quote)

	if err := r.balances.UpdateBalance(ctx, tx, meta.Base, base.Available.Add(baseChange), base.Locked); err != nil {
		return err
	}
	return r.balances.UpdateBalance(ctx, tx, meta.Quote, quote.Available.Add(quoteChange), quote.Locked)
}
