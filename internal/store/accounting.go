package store

import (
	"context"
	"database/sql"
	"fmt"

	"mmbot/pkg/types"
)

// PositionRepo provides persistence for Position records.
type PositionRepo struct{ s *Store }

// Positions returns the position repository.
func (s *Store) Positions() *PositionRepo { return &PositionRepo{s: s} }

// Upsert writes the current position for symbol, inside tx so it commits
// atomically with the fill that produced it.
func (r *PositionRepo) Upsert(ctx context.Context, tx *sql.Tx, p types.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, quantity, avg_entry_price, realized_pnl, last_updated)
		VALUES (?, ?, ?, ?, unixepoch())
		ON CONFLICT(symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			realized_pnl = excluded.realized_pnl,
			last_updated = unixepoch()`,
		p.Symbol, p.Quantity.String(), p.AvgEntryPrice.String(), p.RealizedPnL.String())
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// Get returns the position for symbol, or a zero-value position if none
// has been recorded yet.
func (r *PositionRepo) Get(ctx context.Context, symbol string) (types.Position, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT symbol, quantity, avg_entry_price, realized_pnl, last_updated
		FROM positions WHERE symbol = ?`, symbol)

	var (
		p             types.Position
		lastUpdated   int64
	)
	err := row.Scan(&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.RealizedPnL, &lastUpdated)
	if err == sql.ErrNoRows {
		return types.Position{Symbol: symbol}, nil
	}
	if err != nil {
		return types.Position{}, fmt.Errorf("get position: %w", err)
	}
	p.LastUpdated = unixToTime(lastUpdated)
	return p, nil
}

// All returns every non-flat position.
func (r *PositionRepo) All(ctx context.Context) ([]types.Position, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT symbol, quantity, avg_entry_price, realized_pnl, last_updated
		FROM positions WHERE quantity != '0'`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var (
			p           types.Position
			lastUpdated int64
		)
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.RealizedPnL, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.LastUpdated = unixToTime(lastUpdated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// BalanceRepo provides persistence for account Balance records.
type BalanceRepo struct{ s *Store }

// Balances returns the balance repository.
func (s *Store) Balances() *BalanceRepo { return &BalanceRepo{s: s} }

// Upsert writes the current balance for asset.
func (r *BalanceRepo) Upsert(ctx context.Context, tx *sql.Tx, b types.Balance) error {
	exec := tx.ExecContext
	_, err := exec(ctx, `
		INSERT INTO account_balances (asset, available, locked, total, updated_at)
		VALUES (?, ?, ?, ?, unixepoch())
		ON CONFLICT(asset) DO UPDATE SET
			available = excluded.available,
			locked = excluded.locked,
			total = excluded.total,
			updated_at = unixepoch()`,
		b.Asset, b.Available.String(), b.Locked.String(), b.Total().String())
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

// Get returns the balance for asset, or a zero-value balance if unseen.
func (r *BalanceRepo) Get(ctx context.Context, asset string) (types.Balance, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT asset, available, locked, updated_at FROM account_balances WHERE asset = ?`, asset)

	var (
		b          types.Balance
		updatedAt  int64
	)
	err := row.Scan(&b.Asset, &b.Available, &b.Locked, &updatedAt)
	if err == sql.ErrNoRows {
		return types.Balance{Asset: asset}, nil
	}
	if err != nil {
		return types.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	b.UpdatedAt = unixToTime(updatedAt)
	return b, nil
}

// All returns every asset with a nonzero total balance.
func (r *BalanceRepo) All(ctx context.Context) ([]types.Balance, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT asset, available, locked, updated_at FROM account_balances WHERE total != '0'`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []types.Balance
	for rows.Next() {
		var (
			b         types.Balance
			updatedAt int64
		)
		if err := rows.Scan(&b.Asset, &b.Available, &b.Locked, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		b.UpdatedAt = unixToTime(updatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}
