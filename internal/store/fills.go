package store

import (
	"context"
	"database/sql"
	"fmt"

	"mmbot/pkg/types"
)

// FillRepo provides persistence for Fill records.
type FillRepo struct{ s *Store }

// Fills returns the fill repository.
func (s *Store) Fills() *FillRepo { return &FillRepo{s: s} }

// Create inserts a fill row. Callers must first check ExistsByFillID
// within the same transaction to enforce idempotency (spec §4.6 —
// duplicate fill_id must be a no-op).
func (r *FillRepo) Create(ctx context.Context, tx *sql.Tx, f types.Fill) error {
	commission := f.Commission
	var commissionAsset any
	if f.CommissionAsset != "" {
		commissionAsset = f.CommissionAsset
	}
	var tradeID any
	if f.TradeID != "" {
		tradeID = f.TradeID
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO fills (fill_id, order_id, symbol, side, price, quantity,
			executed_at, trade_id, commission, commission_asset, is_maker, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FillID, f.OrderID, f.Symbol, string(f.Side), f.Price.String(), f.Quantity.String(),
		f.ExecutedAt.Unix(), tradeID, commission.String(), commissionAsset, f.IsMaker, string(f.Status))
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// MarkProcessed transitions a fill to PROCESSED and stamps processed_at,
// inside the same transaction as the position/balance updates it follows.
func (r *FillRepo) MarkProcessed(ctx context.Context, tx *sql.Tx, fillID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE fills SET status = ?, processed_at = unixepoch() WHERE fill_id = ?`,
		string(types.FillProcessed), fillID)
	if err != nil {
		return fmt.Errorf("mark fill processed: %w", err)
	}
	return nil
}

// ExistsByFillID reports whether a fill with this ID was already recorded,
// inside the same transaction as the prospective insert.
func (r *FillRepo) ExistsByFillID(ctx context.Context, tx *sql.Tx, fillID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM fills WHERE fill_id = ?", fillID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check fill existence: %w", err)
	}
	return true, nil
}

// ForOrder returns all fills for an order, oldest first.
func (r *FillRepo) ForOrder(ctx context.Context, orderID string) ([]types.Fill, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT fill_id, order_id, symbol, side, price, quantity, executed_at,
		       trade_id, commission, commission_asset, is_maker, status, processed_at
		FROM fills WHERE order_id = ? ORDER BY executed_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills for order: %w", err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func scanFill(row scanner) (*types.Fill, error) {
	var (
		f               types.Fill
		executedAtUnix  int64
		tradeID         sql.NullString
		commission      sql.NullString
		commissionAsset sql.NullString
		processedAtUnix sql.NullInt64
	)
	if err := row.Scan(&f.FillID, &f.OrderID, &f.Symbol, &f.Side, &f.Price, &f.Quantity,
		&executedAtUnix, &tradeID, &commission, &commissionAsset, &f.IsMaker, &f.Status, &processedAtUnix); err != nil {
		return nil, fmt.Errorf("scan fill: %w", err)
	}
	f.ExecutedAt = unixToTime(executedAtUnix)
	f.TradeID = tradeID.String
	f.Commission = parseDec(commission)
	f.CommissionAsset = commissionAsset.String
	if processedAtUnix.Valid {
		f.ProcessedAt = unixToTime(processedAtUnix.Int64)
	}
	return &f, nil
}
