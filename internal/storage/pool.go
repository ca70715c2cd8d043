// Package storage provides the PostgreSQL layer behind the commit ledger's
// Postgres backend: a pgx connection pool, an embedded-migration runner
// and the proposal queries.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a pgxpool.Pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects a pool to dsn and verifies it with a ping.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the pool.
func (db *DB) Close() {
	db.pool.Close()
}
