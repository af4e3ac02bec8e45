// Copyright 2025 Certen Protocol
//
// Package store is the durable backing for the identity tree: the
// unprocessed-identity queue, the append-only identity/deletion log,
// batch records, and the root history used to answer "was this root
// ever valid" queries. It is built directly on database/sql and
// lib/pq, following the validator's own Postgres client.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures the Postgres connection pool.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sane pool defaults, matching the teacher
// validator's database client tuning.
func DefaultConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:     databaseURL,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: time.Hour,
	}
}

// Client wraps a *sql.DB with migration bootstrapping and a
// serializable-transaction retry helper.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// ClientOption customizes a Client at construction time.
type ClientOption func(*Client)

// WithLogger overrides the default component logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient opens a connection pool, verifies connectivity and applies
// embedded migrations in lexical filename order.
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	c := &Client{
		db:     db,
		logger: log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := c.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	c.logger.Printf("connected to Postgres, pool max_open=%d max_idle=%d", cfg.MaxOpenConns, cfg.MaxIdleConns)
	return c, nil
}

func (c *Client) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := c.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("applying %s: %w", e.Name(), err)
		}
	}
	return nil
}

// DB exposes the underlying *sql.DB for repositories in this package.
func (c *Client) DB() *sql.DB { return c.db }

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// maxSerializableRetries bounds the attempts (the first try included) of
// a transaction that fails with a Postgres serialization_failure
// (SQLSTATE 40001) under SERIALIZABLE isolation.
const maxSerializableRetries = 10

// WithSerializableTx runs fn inside a SERIALIZABLE transaction,
// retrying on serialization failures with a short linear backoff, for
// at most maxSerializableRetries attempts in total before giving up.
func (c *Client) WithSerializableTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxSerializableRetries; attempt++ {
		tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSerializationFailure(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: last error: %v", ErrTxRetriesExhausted, lastErr)
}

// isSerializationFailure reports whether err is Postgres SQLSTATE
// 40001, the code raised when SERIALIZABLE isolation detects a
// conflicting concurrent transaction.
func isSerializationFailure(err error) bool {
	return strings.Contains(err.Error(), "40001") || strings.Contains(err.Error(), "could not serialize access")
}
