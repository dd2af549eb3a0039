// Package db implements the primary store layer over PostgreSQL. It owns
// the whitelist domain table, private mailbox records and message records.
// Callers outside cmd wiring should go through pkg/resilient, which adds
// lazy connect, liveness checking and reconnect-with-retry on top of this
// package.
package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/hato/config"
	"github.com/migadu/hato/logger"
)

//go:embed schema.sql
var schema string

type Database struct {
	Pool *pgxpool.Pool
}

// NewDatabase opens a connection pool against the configured endpoint,
// verifies it with a ping and applies the embedded schema.
func NewDatabase(ctx context.Context, cfg *config.DatabaseConfig) (*Database, error) {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := "disable"
	if cfg.TLSMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Name, sslMode)

	logger.Info("connecting to database",
		"host", cfg.Host, "port", port, "name", cfg.Name, "sslmode", sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.LogQueries {
		poolConfig.ConnConfig.Tracer = &queryTracer{}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}
	if err := db.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

// Ping probes the pool for liveness.
func (db *Database) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}
