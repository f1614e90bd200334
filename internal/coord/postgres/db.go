// Package postgres implements the coordination contract on PostgreSQL.
//
// Nodes are rows of zkq_nodes keyed by path. Sequence numbers come from
// zkq_sequences, advanced in the transaction that inserts the child. Every
// change to a node's children is announced with pg_notify on the
// zkq_children channel, carrying the parent path; child watches are served
// from one LISTEN connection per client.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel carries the parent path of every child change.
const notifyChannel = "zkq_children"

// Config holds the PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32

	// PingInterval is how often connectivity is checked. Default 1s.
	PingInterval time.Duration

	Logger *slog.Logger
}

// connString builds the pgx connection string for cfg.
func connString(cfg Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	q.Set("sslmode", cfg.SSLMode)
	if cfg.MaxConns > 0 {
		q.Set("pool_max_conns", fmt.Sprint(cfg.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// newPool creates a connection pool. Connections are opened lazily.
func newPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return pool, nil
}

// runMigrations creates the node and sequence tables.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS zkq_nodes (
			path TEXT PRIMARY KEY,
			parent TEXT NOT NULL,
			name TEXT NOT NULL,
			data BYTEA,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_zkq_nodes_parent ON zkq_nodes(parent);

		CREATE TABLE IF NOT EXISTS zkq_sequences (
			parent TEXT PRIMARY KEY,
			next BIGINT NOT NULL
		);
	`

	_, err := pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
