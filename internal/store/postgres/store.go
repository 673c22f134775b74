package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwsmith1983/tridx/internal/store"
)

// Compile-time interface satisfaction check.
var _ store.Store = (*Store)(nil)

// Store is a Postgres-backed store for every pipeline table, the advisory
// lock, and the provider quota counters.
type Store struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	locks map[string]*pgxpool.Conn // session-level advisory locks, one pinned conn per key
}

// New creates a new Postgres Store and verifies the connection.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{pool: pool, locks: make(map[string]*pgxpool.Conn)}, nil
}

// Migrate runs the schema DDL to create tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases held locks and closes the connection pool.
func (s *Store) Close() {
	s.mu.Lock()
	for key, conn := range s.locks {
		conn.Release()
		delete(s.locks, key)
	}
	s.mu.Unlock()
	s.pool.Close()
}
