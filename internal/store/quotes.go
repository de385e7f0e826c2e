package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/pkg/types"
)

// QuoteRepo provides persistence for PersistentQuote records.
type QuoteRepo struct{ s *Store }

// Quotes returns the quote repository.
func (s *Store) Quotes() *QuoteRepo { return &QuoteRepo{s: s} }

func decStr(d decimal.Decimal) sql.NullString {
	if d.IsZero() {
		return sql.NullString{String: "0", Valid: true}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDec(s sql.NullString) decimal.Decimal {
	if !s.Valid || s.String == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Create inserts a new quote row inside tx (called from the pipeline's
// persist step, in the same transaction as order creation).
func (r *QuoteRepo) Create(ctx context.Context, tx *sql.Tx, q types.PersistentQuote) error {
	sidesJSON, err := json.Marshal(q.SidesEnabled)
	if err != nil {
		return fmt.Errorf("marshal sides_enabled: %w", err)
	}

	var expiresAt any
	if !q.ExpiresAt.IsZero() {
		expiresAt = q.ExpiresAt.Unix()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quotes (
			quote_id, timestamp, symbol_src, symbol_dst,
			source_bid_price, source_bid_qty, source_ask_price, source_ask_qty,
			bid_price, bid_qty, ask_price, ask_qty,
			spread_bps, mid_price, total_spread_bps, sides_enabled,
			status, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.QuoteID, q.CreatedAt.Unix(), q.SymbolSrc, q.SymbolDst,
		q.SourceTicker.BidPrice.String(), q.SourceTicker.BidQty.String(),
		q.SourceTicker.AskPrice.String(), q.SourceTicker.AskQty.String(),
		nullableLayerPrice(q.Ladder.BidLayers), nullableLayerQty(q.Ladder.BidLayers),
		nullableLayerPrice(q.Ladder.AskLayers), nullableLayerQty(q.Ladder.AskLayers),
		decStr(q.SpreadBps), decStr(q.MidPrice), q.TotalSpreadBps, string(sidesJSON),
		string(q.Status), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

func nullableLayerPrice(layers []types.LayeredQuote) any {
	if len(layers) == 0 {
		return nil
	}
	return layers[0].Price.String()
}

func nullableLayerQty(layers []types.LayeredQuote) any {
	if len(layers) == 0 {
		return nil
	}
	return layers[0].Quantity.String()
}

// UpdateStatus transitions a quote's status, e.g. PERSISTED -> ORDERS_CREATED.
func (r *QuoteRepo) UpdateStatus(ctx context.Context, tx *sql.Tx, quoteID string, status types.QuoteStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE quotes SET status = ?, updated_at = unixepoch() WHERE quote_id = ?`,
		string(status), quoteID)
	return err
}

// ExpireOld marks as EXPIRED every non-terminal quote whose expires_at has
// passed, and returns the number of rows updated. Grounded on
// quote_to_order_pipeline.py's expire_old_quotes, which runs unconditionally
// (not symbol-scoped) as a periodic safety net over ordinary replacement.
func (r *QuoteRepo) ExpireOld(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE quotes SET status = ?, updated_at = unixepoch()
		WHERE expires_at IS NOT NULL AND expires_at <= ?
		AND status NOT IN (?, ?)`,
		string(types.QuoteExpired), now.Unix(), string(types.QuoteExpired), string(types.QuoteCancelled))
	if err != nil {
		return 0, fmt.Errorf("expire old quotes: %w", err)
	}
	return result.RowsAffected()
}

// RecentBySymbol returns the most recent quotes for symbolDst, newest first.
func (r *QuoteRepo) RecentBySymbol(ctx context.Context, symbolDst string, limit int) ([]types.PersistentQuote, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT quote_id, symbol_src, symbol_dst, spread_bps, mid_price,
		       total_spread_bps, sides_enabled, status, created_at, updated_at, expires_at
		FROM quotes WHERE symbol_dst = ? ORDER BY created_at DESC LIMIT ?`,
		symbolDst, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent quotes: %w", err)
	}
	defer rows.Close()

	var out []types.PersistentQuote
	for rows.Next() {
		var (
			q             types.PersistentQuote
			spreadBps     sql.NullString
			midPrice      sql.NullString
			sidesJSON     string
			createdAtUnix int64
			updatedAtUnix int64
			expiresAtUnix sql.NullInt64
		)
		if err := rows.Scan(&q.QuoteID, &q.SymbolSrc, &q.SymbolDst, &spreadBps, &midPrice,
			&q.TotalSpreadBps, &sidesJSON, &q.Status, &createdAtUnix, &updatedAtUnix, &expiresAtUnix); err != nil {
			return nil, fmt.Errorf("scan quote row: %w", err)
		}
		q.SpreadBps = parseDec(spreadBps)
		q.MidPrice = parseDec(midPrice)
		if err := json.Unmarshal([]byte(sidesJSON), &q.SidesEnabled); err != nil {
			return nil, fmt.Errorf("unmarshal sides_enabled: %w", err)
		}
		q.CreatedAt = unixToTime(createdAtUnix)
		q.UpdatedAt = unixToTime(updatedAtUnix)
		if expiresAtUnix.Valid {
			q.ExpiresAt = unixToTime(expiresAtUnix.Int64)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
