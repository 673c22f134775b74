// Package store defines the persistence interface shared by every pipeline stage.
// Stages never hand data to each other in memory; everything flows through a Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateRun is returned when a JobRun with the same run_id already exists.
	ErrDuplicateRun = errors.New("duplicate run id")
)

// Coordinator provides the cross-process primitives: the single-instance lock
// and the atomic provider quota counters.
type Coordinator interface {
	// AcquireLock tries to take key without blocking. It reports false when another
	// holder owns the lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error

	// QuotaUsage returns the calls already charged in the day and minute windows containing now.
	QuotaUsage(ctx context.Context, provider string, now time.Time) (types.QuotaUsage, error)
	// ReserveCall atomically charges one call against the provider's windows. It reports
	// false, without charging, when either window has no remaining budget.
	ReserveCall(ctx context.Context, provider string, limits types.QuotaLimits, now time.Time) (bool, error)
}

// RawFilter selects raw price rows.
type RawFilter struct {
	Tickers  []string
	Provider string
	Range    types.DateRange
}

// TickerKeys lists every key a ticker occupies, per table.
type TickerKeys struct {
	Raw           []RawKey
	Canonical     []time.Time
	Constituents  []time.Time
	Contributions []time.Time
	Rebalances    []time.Time
}

// RawKey identifies a raw price row for a known ticker.
type RawKey struct {
	Provider  string
	TradeDate time.Time
}

// RenameApply describes an approved rename: which colliding rows under the
// old ticker survive, and the audit entries to record.
type RenameApply struct {
	From string
	To   string
	// RawFromWins lists colliding raw keys where the old ticker's row replaces the new one.
	RawFromWins []RawKey
	// CanonicalFromWins lists colliding canonical dates where the old ticker's row wins.
	CanonicalFromWins []time.Time
	Collisions        []types.RenameCollision
	ExecutedAt        time.Time
}

// Store is the full persistence surface of the pipeline.
type Store interface {
	Coordinator

	// Trading calendar (append-only).
	MaxTradingDay(ctx context.Context) (time.Time, error)
	AppendTradingDays(ctx context.Context, days []time.Time) (int, error)
	ListTradingDays(ctx context.Context, r types.DateRange) ([]time.Time, error)

	// Raw prices. UpsertRaw applies the not-worse rule and returns the keys it changed.
	UpsertRaw(ctx context.Context, rows []types.RawPriceRecord) ([]types.PriceKey, error)
	ListRaw(ctx context.Context, f RawFilter) ([]types.RawPriceRecord, error)

	// Canonical prices.
	GetCanonical(ctx context.Context, ticker string, day time.Time) (*types.CanonicalPriceRecord, error)
	PutCanonical(ctx context.Context, rec types.CanonicalPriceRecord) error
	ListCanonical(ctx context.Context, tickers []string, r types.DateRange) ([]types.CanonicalPriceRecord, error)
	LatestCanonicalBefore(ctx context.Context, ticker string, day time.Time) (*types.CanonicalPriceRecord, error)

	// Rebalance schedule.
	PutRebalance(ctx context.Context, date time.Time, rows []types.Rebalance) error
	ListRebalances(ctx context.Context) ([]types.Rebalance, error)

	// Calculation outputs. WriteCalcDay persists a whole day atomically.
	WriteCalcDay(ctx context.Context, day types.CalcDay) error
	DeleteCalcFrom(ctx context.Context, from time.Time) error
	ListLevels(ctx context.Context, r types.DateRange) ([]types.IndexLevel, error)
	RecentLevels(ctx context.Context, upTo time.Time, n int) ([]types.IndexLevel, error)
	ListConstituents(ctx context.Context, day time.Time) ([]types.ConstituentDaily, error)
	ListContributions(ctx context.Context, day time.Time) ([]types.ContributionDaily, error)
	GetStats(ctx context.Context, day time.Time) (*types.StatsDaily, error)

	// Job run audit log.
	InsertJobRun(ctx context.Context, run types.JobRun) error
	FinishJobRun(ctx context.Context, runID string, status types.JobStatus, endedAt time.Time, detail string) error
	ListJobRuns(ctx context.Context, limit int) ([]types.JobRun, error)
	ListStartedBefore(ctx context.Context, cutoff time.Time) ([]types.JobRun, error)

	// Health.
	TableMaxDates(ctx context.Context) (types.TableMaxDates, error)
	PutHealth(ctx context.Context, snap types.HealthSnapshot) error
	GetHealth(ctx context.Context) (*types.HealthSnapshot, error)

	// Ticker rename.
	TickerKeys(ctx context.Context, ticker string) (TickerKeys, error)
	ApplyRename(ctx context.Context, plan RenameApply) (int, error)
	ListRenames(ctx context.Context) ([]types.TickerRename, error)

	Close()
}

// WithCoordinator returns s with its lock and quota operations served by c.
func WithCoordinator(s Store, c Coordinator) Store {
	if c == nil {
		return s
	}
	return &coordinated{Store: s, coord: c}
}

type coordinated struct {
	Store
	coord Coordinator
}

func (c *coordinated) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.coord.AcquireLock(ctx, key, ttl)
}

func (c *coordinated) ReleaseLock(ctx context.Context, key string) error {
	return c.coord.ReleaseLock(ctx, key)
}

func (c *coordinated) QuotaUsage(ctx context.Context, provider string, now time.Time) (types.QuotaUsage, error) {
	return c.coord.QuotaUsage(ctx, provider, now)
}

func (c *coordinated) ReserveCall(ctx context.Context, provider string, limits types.QuotaLimits, now time.Time) (bool, error) {
	return c.coord.ReserveCall(ctx, provider, limits, now)
}
