package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TradingSession records one run of the bot, mainly for audit/debugging.
type TradingSession struct {
	SessionID      string
	StartedAt      time.Time
	EndedAt        *time.Time
	ConfigSnapshot string
	Status         string
	ErrorMessage   string
}

// SessionRepo provides persistence for TradingSession records.
type SessionRepo struct{ s *Store }

// Sessions returns the session repository.
func (s *Store) Sessions() *SessionRepo { return &SessionRepo{s: s} }

// Create records the start of a new trading session.
func (r *SessionRepo) Create(ctx context.Context, sessionID, configSnapshot string) error {
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO trading_sessions (session_id, started_at, config_snapshot, status)
		VALUES (?, unixepoch(), ?, 'active')`, sessionID, configSnapshot)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// End closes out a trading session with a terminal status.
func (r *SessionRepo) End(ctx context.Context, sessionID, status, errMsg string) error {
	var errArg any
	if errMsg != "" {
		errArg = errMsg
	}
	_, err := r.s.db.ExecContext(ctx, `
		UPDATE trading_sessions SET ended_at = unixepoch(), status = ?, error_message = ?
		WHERE session_id = ?`, status, errArg, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ActiveSession returns the most recently started session still marked
// active, if one was left behind by an unclean shutdown.
func (r *SessionRepo) ActiveSession(ctx context.Context) (*TradingSession, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT session_id, started_at, config_snapshot, status
		FROM trading_sessions WHERE status = 'active' ORDER BY started_at DESC LIMIT 1`)

	var (
		sess        TradingSession
		startedUnix int64
	)
	if err := row.Scan(&sess.SessionID, &startedUnix, &sess.ConfigSnapshot, &sess.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	sess.StartedAt = unixToTime(startedUnix)
	return &sess, nil
}
