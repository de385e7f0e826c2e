package store

import (
	"context"
	"database/sql"
	"fmt"

	"mmbot/pkg/types"
)

// OrderRepo provides persistence for OMSOrder records.
type OrderRepo struct{ s *Store }

// Orders returns the order repository.
func (s *Store) Orders() *OrderRepo { return &OrderRepo{s: s} }

// Create inserts a new order row, optionally inside an existing
// transaction (pass nil to run standalone).
func (r *OrderRepo) Create(ctx context.Context, tx *sql.Tx, quoteID string, o types.OMSOrder) error {
	exec := r.execer(tx)

	var price any
	if !o.Price.IsZero() {
		price = o.Price.String()
	}
	var quoteIDArg any
	if quoteID != "" {
		quoteIDArg = quoteID
	}

	_, err := exec(ctx, `
		INSERT INTO orders (order_id, quote_id, symbol, side, order_type, price, quantity, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, quoteIDArg, o.Symbol, string(o.Side), string(o.Type), price, o.Quantity.String(), string(o.State))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateState transitions an order's status and records external/error
// fields learned from the venue response.
func (r *OrderRepo) UpdateState(ctx context.Context, tx *sql.Tx, orderID string, state types.OrderState, externalOrderID, errMsg string) error {
	exec := r.execer(tx)

	updates := "status = ?, last_updated = unixepoch()"
	args := []any{string(state)}
	if externalOrderID != "" {
		updates += ", external_order_id = ?"
		args = append(args, externalOrderID)
	}
	if errMsg != "" {
		updates += ", error_message = ?"
		args = append(args, errMsg)
	}
	if state == types.OrderWorking {
		updates += ", submitted_at = unixepoch()"
	}
	args = append(args, orderID)

	_, err := exec(ctx, fmt.Sprintf("UPDATE orders SET %s WHERE order_id = ?", updates), args...)
	if err != nil {
		return fmt.Errorf("update order state: %w", err)
	}
	return nil
}

// UpdateFillProgress records cumulative filled quantity and average price.
func (r *OrderRepo) UpdateFillProgress(ctx context.Context, tx *sql.Tx, orderID string, filledQty, avgPrice string) error {
	exec := r.execer(tx)
	_, err := exec(ctx, `
		UPDATE orders SET filled_quantity = ?, avg_fill_price = ?, last_updated = unixepoch()
		WHERE order_id = ?`, filledQty, avgPrice, orderID)
	return err
}

// Get returns a single order by client order ID.
func (r *OrderRepo) Get(ctx context.Context, orderID string) (*types.OMSOrder, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT order_id, symbol, side, order_type, price, quantity, status,
		       filled_quantity, avg_fill_price, external_order_id, error_message
		FROM orders WHERE order_id = ?`, orderID)
	return scanOrder(row)
}

// ActiveBySymbol returns all PENDING/WORKING orders, optionally filtered
// by symbol, via the v_active_orders view.
func (r *OrderRepo) ActiveBySymbol(ctx context.Context, symbol string) ([]types.OMSOrder, error) {
	query := "SELECT order_id, symbol, side, order_type, price, quantity, status, filled_quantity, avg_fill_price, external_order_id, error_message FROM v_active_orders"
	args := []any{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var out []types.OMSOrder
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (r *OrderRepo) execer(tx *sql.Tx) func(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext
	}
	return r.s.db.ExecContext
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*types.OMSOrder, error) {
	return scanOrderRows(row)
}

func scanOrderRows(row scanner) (*types.OMSOrder, error) {
	var (
		o               types.OMSOrder
		price           sql.NullString
		filledQty       sql.NullString
		avgFillPrice    sql.NullString
		externalOrderID sql.NullString
		errMsg          sql.NullString
	)
	if err := row.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.Type, &price, &o.Quantity,
		&o.State, &filledQty, &avgFillPrice, &externalOrderID, &errMsg); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Price = parseDec(price)
	o.FilledQuantity = parseDec(filledQty)
	o.AvgFillPrice = parseDec(avgFillPrice)
	o.ExternalOrderID = externalOrderID.String
	o.Error = errMsg.String
	return &o, nil
}
