// Package storage provides the PostgreSQL and in-memory implementations of
// the pipeline's persistence contracts: data sources, imports, staging
// records, type mappings, and the materialized graph.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNoDatabaseConnection is returned when a store is built without a
// database connection.
var ErrNoDatabaseConnection = errors.New("no database connection")

// pqLockNotAvailable is the PostgreSQL error code raised by NOWAIT locking
// clauses when another session holds the row lock.
const pqLockNotAvailable = "55P03"

// Connection wraps the shared *sql.DB pool used by all persistent stores.
type Connection struct {
	DB *sql.DB
}

// Open opens a pooled PostgreSQL connection and verifies it with a ping.
func Open(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{DB: db}, nil
}

// QueryContext runs a query against the pool.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query against the pool.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// ExecContext runs a statement against the pool.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

// BeginTx opens a transaction on the pool.
func (c *Connection) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return c.DB.BeginTx(ctx, nil)
}

// HealthCheck verifies the database is reachable. Used by readiness probes.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	return c.DB.PingContext(ctx)
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}

// isLockNotAvailable reports whether err is PostgreSQL's lock_not_available
// error from a FOR UPDATE NOWAIT clause.
func isLockNotAvailable(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == pqLockNotAvailable
}
