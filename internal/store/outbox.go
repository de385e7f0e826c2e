package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mmbot/pkg/types"
)

// OutboxRepo provides persistence for the transactional outbox (spec §4.4).
type OutboxRepo struct{ s *Store }

// Outbox returns the outbox repository.
func (s *Store) Outbox() *OutboxRepo { return &OutboxRepo{s: s} }

// Append inserts a new pending event inside tx, in the same transaction as
// the state change it announces. This is the core of the outbox pattern:
// the event either commits with the state change or not at all.
func (r *OutboxRepo) Append(ctx context.Context, tx *sql.Tx, eventID, eventType, aggregateID string, payload []byte, maxRetries int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (event_id, event_type, aggregate_id, payload, status, retry_count, max_retries)
		VALUES (?, ?, ?, ?, 'PENDING', 0, ?)`,
		eventID, eventType, aggregateID, string(payload), maxRetries)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}
	return nil
}

// PendingBatch returns events ready for processing: pending, or failed
// with next_retry_at due, ordered oldest first and capped at limit.
func (r *OutboxRepo) PendingBatch(ctx context.Context, limit int) ([]types.OutboxEvent, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT event_id, event_type, aggregate_id, payload, status, retry_count,
		       max_retries, error_message, next_retry_at, created_at, processed_at
		FROM outbox
		WHERE status = 'PENDING' OR (status = 'FAILED' AND next_retry_at <= unixepoch())
		ORDER BY created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox events: %w", err)
	}
	defer rows.Close()

	var out []types.OutboxEvent
	for rows.Next() {
		e, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MarkProcessing flags an event as currently being delivered, so a
// concurrent poll doesn't pick it up twice.
func (r *OutboxRepo) MarkProcessing(ctx context.Context, eventID string) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE outbox SET status = 'PROCESSING' WHERE event_id = ?`, eventID)
	return err
}

// MarkCompleted flags an event as successfully delivered.
func (r *OutboxRepo) MarkCompleted(ctx context.Context, eventID string) error {
	_, err := r.s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'COMPLETED', processed_at = unixepoch() WHERE event_id = ?`, eventID)
	return err
}

// MarkFailed records a delivery failure. Moves to dead_letter once this
// failure brings retry_count up to max_retries, otherwise schedules
// next_retry_at retryDelay in the future (the caller supplies the
// backoff-computed delay).
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID, errMsg string, retryDelay time.Duration) error {
	_, err := r.s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = CASE WHEN retry_count + 1 >= max_retries THEN 'DEAD_LETTER' ELSE 'FAILED' END,
		    retry_count = retry_count + 1,
		    error_message = ?,
		    last_error_at = unixepoch(),
		    next_retry_at = CASE WHEN retry_count + 1 >= max_retries THEN NULL ELSE unixepoch() + ? END
		WHERE event_id = ?`,
		errMsg, int64(retryDelay.Seconds()), eventID)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

// ResetFromDeadLetter reinstates a dead-lettered event as pending with a
// fresh retry budget, for operator-triggered recovery.
func (r *OutboxRepo) ResetFromDeadLetter(ctx context.Context, eventID string) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'PENDING', retry_count = 0, error_message = NULL, next_retry_at = NULL
		WHERE event_id = ? AND status = 'DEAD_LETTER'`, eventID)
	if err != nil {
		return fmt.Errorf("reset dead letter event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s not found in DEAD_LETTER", eventID)
	}
	return nil
}

// OldestPendingAge returns how long the oldest pending event has been
// waiting, or zero if none are pending.
func (r *OutboxRepo) OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest sql.NullInt64
	err := r.s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM outbox WHERE status = 'PENDING'`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest pending age: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return now.Sub(unixToTime(oldest.Int64)), nil
}

// CountByStatus returns counts for each outbox status, used by the
// worker's health score.
func (r *OutboxRepo) CountByStatus(ctx context.Context) (map[types.OutboxStatus]int, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox by status: %w", err)
	}
	defer rows.Close()

	out := map[types.OutboxStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[types.OutboxStatus(status)] = count
	}
	return out, rows.Err()
}

func scanOutboxEvent(row scanner) (*types.OutboxEvent, error) {
	var (
		e             types.OutboxEvent
		status        string
		payload       string
		errMsg        sql.NullString
		nextRetryUnix sql.NullInt64
		createdAtUnix int64
		processedUnix sql.NullInt64
	)
	if err := row.Scan(&e.EventID, &e.EventType, &e.AggregateID, &payload, &status, &e.RetryCount,
		&e.MaxRetries, &errMsg, &nextRetryUnix, &createdAtUnix, &processedUnix); err != nil {
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}
	e.Payload = []byte(payload)
	e.Status = types.OutboxStatus(status)
	e.Error = errMsg.String
	e.CreatedAt = unixToTime(createdAtUnix)
	if nextRetryUnix.Valid {
		t := unixToTime(nextRetryUnix.Int64)
		e.NextRetryAt = &t
	}
	if processedUnix.Valid {
		t := unixToTime(processedUnix.Int64)
		e.ProcessedAt = &t
	}
	return &e, nil
}
