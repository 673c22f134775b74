package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/tridx/internal/quota"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// AcquireLock takes a session-level advisory lock without waiting. The lock lives
// as long as the pinned connection, so ttl is not used: a crashed holder releases
// it when its session ends.
func (s *Store) AcquireLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return false, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	s.locks[key] = conn
	return true, nil
}

// ReleaseLock releases a lock taken by this process.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, held := s.locks[key]
	if !held {
		return nil
	}
	delete(s.locks, key)
	defer conn.Release()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("pg_advisory_unlock: %w", err)
	}
	return nil
}

// QuotaUsage returns the counters for the day and minute windows containing now.
func (s *Store) QuotaUsage(ctx context.Context, provider string, now time.Time) (types.QuotaUsage, error) {
	usage := types.QuotaUsage{Provider: provider, AsOf: now}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT used FROM provider_quota WHERE provider = $1 AND window_kind = $2 AND window_start = $3), 0),
			COALESCE((SELECT used FROM provider_quota WHERE provider = $1 AND window_kind = $4 AND window_start = $5), 0)
	`, provider, quota.WindowDay, quota.DayWindow(now), quota.WindowMinute, quota.MinuteWindow(now)).
		Scan(&usage.UsedToday, &usage.MinuteUsed)
	if err != nil {
		return usage, fmt.Errorf("reading quota for %s: %w", provider, err)
	}
	return usage, nil
}

// ReserveCall charges one call inside a transaction serialised per provider by a
// transaction-scoped advisory lock, so concurrent processes never overspend.
func (s *Store) ReserveCall(ctx context.Context, provider string, limits types.QuotaLimits, now time.Time) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin quota tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('quota:' || $1))`, provider); err != nil {
		return false, fmt.Errorf("quota lock: %w", err)
	}

	day, minute := quota.DayWindow(now), quota.MinuteWindow(now)
	usage := types.QuotaUsage{Provider: provider}
	err = tx.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT used FROM provider_quota WHERE provider = $1 AND window_kind = $2 AND window_start = $3), 0),
			COALESCE((SELECT used FROM provider_quota WHERE provider = $1 AND window_kind = $4 AND window_start = $5), 0)
	`, provider, quota.WindowDay, day, quota.WindowMinute, minute).Scan(&usage.UsedToday, &usage.MinuteUsed)
	if err != nil {
		return false, fmt.Errorf("reading quota for %s: %w", provider, err)
	}
	if quota.Exhausted(limits, usage) {
		return false, nil
	}

	for _, w := range []struct {
		kind  string
		start time.Time
	}{{quota.WindowDay, day}, {quota.WindowMinute, minute}} {
		_, err := tx.Exec(ctx, `
			INSERT INTO provider_quota (provider, window_kind, window_start, used)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (provider, window_kind, window_start) DO UPDATE SET used = provider_quota.used + 1
		`, provider, w.kind, w.start)
		if err != nil {
			return false, fmt.Errorf("charging quota for %s: %w", provider, err)
		}
	}
	// Old minute windows are useless once passed.
	if _, err := tx.Exec(ctx, `
		DELETE FROM provider_quota WHERE provider = $1 AND window_kind = $2 AND window_start < $3
	`, provider, quota.WindowMinute, minute.Add(-time.Hour)); err != nil {
		return false, fmt.Errorf("pruning quota windows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit quota tx: %w", err)
	}
	return true, nil
}
