// Package store is the durable relational store backing every stateful
// component of the bot: quotes, orders, fills, positions, balances, the
// transactional outbox, and trading sessions.
//
// It is grounded on the original SQLiteManager (db/sqlite.py): WAL mode,
// a bounded connection pool, foreign keys on, and migration-by-drop when
// the schema predates the quote_id column. The Go translation swaps the
// async connection pool for database/sql's native pool (database/sql
// already pools and serializes per *sql.DB) and exposes a Transaction
// helper in place of the Python asynccontextmanager.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps a pooled *sql.DB with WAL mode and the bot's schema applied.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates (if needed) and opens the SQLite database at path, applying
// PRAGMAs and running migrations. maxConnections bounds the pool (spec
// default 10, matching the original aiosqlite pool's max size).
func Open(path string, maxConnections int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if maxConnections <= 0 {
		maxConnections = 10
	}
	db.SetMaxOpenConns(maxConnections)
	db.SetMaxIdleConns(maxConnections)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA cache_size=10000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache_size: %w", err)
	}
	if _, err := db.Exec("PRAGMA temp_store=memory"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set temp_store: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate drops and recreates every table when the existing quotes table
// predates quote_id. Non-online by design: the bot accepts a brief startup
// pause over carrying an ALTER-based migration chain (spec §4.3).
func (s *Store) migrate() error {
	hasQuoteID, tableExists, err := s.quotesHasQuoteID()
	if err != nil {
		return fmt.Errorf("inspect quotes schema: %w", err)
	}

	if tableExists && !hasQuoteID {
		dropStatements := []string{
			"DROP VIEW IF EXISTS v_active_orders",
			"DROP VIEW IF EXISTS v_quotes_with_orders",
			"DROP TABLE IF EXISTS fills",
			"DROP TABLE IF EXISTS orders",
			"DROP TABLE IF EXISTS quotes",
			"DROP TABLE IF EXISTS outbox",
			"DROP TABLE IF EXISTS positions",
			"DROP TABLE IF EXISTS account_balances",
			"DROP TABLE IF EXISTS trading_sessions",
		}
		for _, stmt := range dropStatements {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("drop during migration (%s): %w", stmt, err)
			}
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) quotesHasQuoteID() (hasQuoteID bool, tableExists bool, err error) {
	rows, err := s.db.Query("PRAGMA table_info(quotes)")
	if err != nil {
		return false, false, err
	}
	defer rows.Close()

	for rows.Next() {
		tableExists = true
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, false, err
		}
		if name == "quote_id" {
			hasQuoteID = true
		}
	}
	return hasQuoteID, tableExists, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for packages that need direct query
// access (outbox, reconciler) without importing database/sql everywhere.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Transaction runs fn inside a BEGIN/COMMIT transaction, rolling back on
// any error or panic. Mirrors SQLiteManager.transaction()'s explicit
// BEGIN/commit/rollback contract.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}

// DatabaseSize reports page-based size statistics. The health endpoint's
// "database" field does not use it; that field reflects a Ping.
func (s *Store) DatabaseSize(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Ping verifies the database is reachable, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
