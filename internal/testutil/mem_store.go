// Package testutil provides shared test utilities for tridx.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/tridx/internal/quota"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Compile-time interface satisfaction check.
var _ store.Store = (*MemStore)(nil)

type rawKey struct {
	provider string
	ticker   string
	date     time.Time
}

type tickerDay struct {
	ticker string
	date   time.Time
}

type quotaCounter struct {
	day        time.Time
	usedToday  int
	minute     time.Time
	minuteUsed int
}

// MemStore is an in-memory Store implementation for testing.
type MemStore struct {
	mu            sync.Mutex
	tradingDays   map[time.Time]bool
	raw           map[rawKey]types.RawPriceRecord
	canonical     map[tickerDay]types.CanonicalPriceRecord
	rebalances    map[time.Time][]types.Rebalance
	constituents  map[tickerDay]types.ConstituentDaily
	contributions map[tickerDay]types.ContributionDaily
	levels        map[time.Time]types.IndexLevel
	stats         map[time.Time]types.StatsDaily
	jobRuns       map[string]types.JobRun
	jobOrder      []string
	health        *types.HealthSnapshot
	renames       []types.TickerRename
	collisions    []types.RenameCollision
	locks         map[string]bool
	quotas        map[string]*quotaCounter

	// Hooks let tests inject failures.
	FailWriteCalcOn time.Time
	FailInsertRun   error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tradingDays:   make(map[time.Time]bool),
		raw:           make(map[rawKey]types.RawPriceRecord),
		canonical:     make(map[tickerDay]types.CanonicalPriceRecord),
		rebalances:    make(map[time.Time][]types.Rebalance),
		constituents:  make(map[tickerDay]types.ConstituentDaily),
		contributions: make(map[tickerDay]types.ContributionDaily),
		levels:        make(map[time.Time]types.IndexLevel),
		stats:         make(map[time.Time]types.StatsDaily),
		jobRuns:       make(map[string]types.JobRun),
		locks:         make(map[string]bool),
		quotas:        make(map[string]*quotaCounter),
	}
}

// --- Coordinator ---

func (m *MemStore) AcquireLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *MemStore) ReleaseLock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// LockHeld reports whether key is currently locked.
func (m *MemStore) LockHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[key]
}

func (m *MemStore) counter(provider string, now time.Time) *quotaCounter {
	c, ok := m.quotas[provider]
	if !ok {
		c = &quotaCounter{}
		m.quotas[provider] = c
	}
	if d := quota.DayWindow(now); !c.day.Equal(d) {
		c.day, c.usedToday = d, 0
	}
	if w := quota.MinuteWindow(now); !c.minute.Equal(w) {
		c.minute, c.minuteUsed = w, 0
	}
	return c
}

func (m *MemStore) QuotaUsage(_ context.Context, provider string, now time.Time) (types.QuotaUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(provider, now)
	return types.QuotaUsage{Provider: provider, UsedToday: c.usedToday, MinuteUsed: c.minuteUsed, AsOf: now}, nil
}

func (m *MemStore) ReserveCall(_ context.Context, provider string, limits types.QuotaLimits, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(provider, now)
	usage := types.QuotaUsage{UsedToday: c.usedToday, MinuteUsed: c.minuteUsed}
	if quota.Exhausted(limits, usage) {
		return false, nil
	}
	c.usedToday++
	c.minuteUsed++
	return true, nil
}

// SetQuotaUsage seeds the counters for provider in the windows containing now.
func (m *MemStore) SetQuotaUsage(provider string, now time.Time, usedToday, minuteUsed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(provider, now)
	c.usedToday, c.minuteUsed = usedToday, minuteUsed
}

// --- Trading calendar ---

func (m *MemStore) MaxTradingDay(_ context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for d := range m.tradingDays {
		latest = later(latest, d)
	}
	return latest, nil
}

func (m *MemStore) AppendTradingDays(_ context.Context, days []time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range days {
		d = types.Day(d)
		if !m.tradingDays[d] {
			m.tradingDays[d] = true
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ListTradingDays(_ context.Context, r types.DateRange) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Time
	for d := range m.tradingDays {
		if inRange(r, d) {
			out = append(out, d)
		}
	}
	sortDates(out)
	return out, nil
}

// --- Raw prices ---

func (m *MemStore) UpsertRaw(_ context.Context, rows []types.RawPriceRecord) ([]types.PriceKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []types.PriceKey
	for _, row := range rows {
		row.TradeDate = types.Day(row.TradeDate)
		k := rawKey{row.Provider, row.Ticker, row.TradeDate}
		if existing, ok := m.raw[k]; ok && existing.Status == types.PriceOK && row.Status != types.PriceOK {
			continue
		}
		m.raw[k] = row
		changed = append(changed, types.PriceKey{Ticker: row.Ticker, TradeDate: row.TradeDate})
	}
	return changed, nil
}

func (m *MemStore) ListRaw(_ context.Context, f store.RawFilter) ([]types.RawPriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tickers := toSet(f.Tickers)
	var out []types.RawPriceRecord
	for k, row := range m.raw {
		if len(tickers) > 0 && !tickers[k.ticker] {
			continue
		}
		if f.Provider != "" && f.Provider != k.provider {
			continue
		}
		if !inRange(f.Range, k.date) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		if !out[i].TradeDate.Equal(out[j].TradeDate) {
			return out[i].TradeDate.Before(out[j].TradeDate)
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// --- Canonical prices ---

func (m *MemStore) GetCanonical(_ context.Context, ticker string, day time.Time) (*types.CanonicalPriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.canonical[tickerDay{ticker, types.Day(day)}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *MemStore) PutCanonical(_ context.Context, rec types.CanonicalPriceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.TradeDate = types.Day(rec.TradeDate)
	m.canonical[tickerDay{rec.Ticker, rec.TradeDate}] = rec
	return nil
}

func (m *MemStore) ListCanonical(_ context.Context, tickers []string, r types.DateRange) ([]types.CanonicalPriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := toSet(tickers)
	var out []types.CanonicalPriceRecord
	for k, c := range m.canonical {
		if len(set) > 0 && !set[k.ticker] {
			continue
		}
		if !inRange(r, k.date) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TradeDate.Equal(out[j].TradeDate) {
			return out[i].TradeDate.Before(out[j].TradeDate)
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out, nil
}

func (m *MemStore) LatestCanonicalBefore(_ context.Context, ticker string, day time.Time) (*types.CanonicalPriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day = types.Day(day)
	var best *types.CanonicalPriceRecord
	for k, c := range m.canonical {
		if k.ticker != ticker || !k.date.Before(day) {
			continue
		}
		if best == nil || k.date.After(best.TradeDate) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

// --- Rebalances ---

func (m *MemStore) PutRebalance(_ context.Context, date time.Time, rows []types.Rebalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	date = types.Day(date)
	out := make([]types.Rebalance, 0, len(rows))
	for _, r := range rows {
		r.RebalanceDate = date
		out = append(out, r)
	}
	m.rebalances[date] = out
	return nil
}

func (m *MemStore) ListRebalances(_ context.Context) ([]types.Rebalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Rebalance
	for _, rows := range m.rebalances {
		out = append(out, rows...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RebalanceDate.Equal(out[j].RebalanceDate) {
			return out[i].RebalanceDate.Before(out[j].RebalanceDate)
		}
		return out[i].Ticker < out[j].Ticker
	})
	return out, nil
}

// --- Calculation outputs ---

func (m *MemStore) WriteCalcDay(_ context.Context, day types.CalcDay) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := types.Day(day.TradeDate)
	if !m.FailWriteCalcOn.IsZero() && m.FailWriteCalcOn.Equal(d) {
		return fmt.Errorf("injected failure writing %s", types.FormatDate(d))
	}
	for k := range m.constituents {
		if k.date.Equal(d) {
			delete(m.constituents, k)
		}
	}
	for k := range m.contributions {
		if k.date.Equal(d) {
			delete(m.contributions, k)
		}
	}
	for _, c := range day.Constituents {
		c.TradeDate = d
		m.constituents[tickerDay{c.Ticker, d}] = c
	}
	for _, c := range day.Contributions {
		c.TradeDate = d
		m.contributions[tickerDay{c.Ticker, d}] = c
	}
	lvl := day.Level
	lvl.TradeDate = d
	m.levels[d] = lvl
	st := day.Stats
	st.TradeDate = d
	m.stats[d] = st
	return nil
}

func (m *MemStore) DeleteCalcFrom(_ context.Context, from time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from = types.Day(from)
	for k := range m.constituents {
		if !k.date.Before(from) {
			delete(m.constituents, k)
		}
	}
	for k := range m.contributions {
		if !k.date.Before(from) {
			delete(m.contributions, k)
		}
	}
	for d := range m.levels {
		if !d.Before(from) {
			delete(m.levels, d)
		}
	}
	for d := range m.stats {
		if !d.Before(from) {
			delete(m.stats, d)
		}
	}
	return nil
}

func (m *MemStore) ListLevels(_ context.Context, r types.DateRange) ([]types.IndexLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.IndexLevel
	for d, l := range m.levels {
		if inRange(r, d) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate.Before(out[j].TradeDate) })
	return out, nil
}

func (m *MemStore) RecentLevels(_ context.Context, upTo time.Time, n int) ([]types.IndexLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upTo = types.Day(upTo)
	var out []types.IndexLevel
	for d, l := range m.levels {
		if !d.After(upTo) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeDate.Before(out[j].TradeDate) })
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (m *MemStore) ListConstituents(_ context.Context, day time.Time) ([]types.ConstituentDaily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day = types.Day(day)
	var out []types.ConstituentDaily
	for k, c := range m.constituents {
		if k.date.Equal(day) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (m *MemStore) ListContributions(_ context.Context, day time.Time) ([]types.ContributionDaily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day = types.Day(day)
	var out []types.ContributionDaily
	for k, c := range m.contributions {
		if k.date.Equal(day) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (m *MemStore) GetStats(_ context.Context, day time.Time) (*types.StatsDaily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[types.Day(day)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

// --- Job runs ---

func (m *MemStore) InsertJobRun(_ context.Context, run types.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailInsertRun != nil {
		return m.FailInsertRun
	}
	if _, ok := m.jobRuns[run.RunID]; ok {
		return store.ErrDuplicateRun
	}
	m.jobRuns[run.RunID] = run
	m.jobOrder = append(m.jobOrder, run.RunID)
	return nil
}

func (m *MemStore) FinishJobRun(_ context.Context, runID string, status types.JobStatus, endedAt time.Time, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.jobRuns[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.EndedAt = &endedAt
	run.ErrorDetail = detail
	m.jobRuns[runID] = run
	return nil
}

func (m *MemStore) ListJobRuns(_ context.Context, limit int) ([]types.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.JobRun
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		out = append(out, m.jobRuns[m.jobOrder[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) ListStartedBefore(_ context.Context, cutoff time.Time) ([]types.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.JobRun
	for _, id := range m.jobOrder {
		run := m.jobRuns[id]
		if run.Status == types.JobStarted && run.StartedAt.Before(cutoff) {
			out = append(out, run)
		}
	}
	return out, nil
}

// --- Health ---

func (m *MemStore) TableMaxDates(_ context.Context) (types.TableMaxDates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out types.TableMaxDates
	for d := range m.tradingDays {
		out.Calendar = later(out.Calendar, d)
	}
	for k := range m.canonical {
		out.Canonical = later(out.Canonical, k.date)
	}
	for d := range m.levels {
		out.Levels = later(out.Levels, d)
	}
	for d := range m.stats {
		out.Stats = later(out.Stats, d)
	}
	return out, nil
}

func (m *MemStore) PutHealth(_ context.Context, snap types.HealthSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = &snap
	return nil
}

func (m *MemStore) GetHealth(_ context.Context) (*types.HealthSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health == nil {
		return nil, store.ErrNotFound
	}
	h := *m.health
	return &h, nil
}

// --- Rename ---

func (m *MemStore) TickerKeys(_ context.Context, ticker string) (store.TickerKeys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out store.TickerKeys
	for k := range m.raw {
		if k.ticker == ticker {
			out.Raw = append(out.Raw, store.RawKey{Provider: k.provider, TradeDate: k.date})
		}
	}
	sort.Slice(out.Raw, func(i, j int) bool {
		if !out.Raw[i].TradeDate.Equal(out.Raw[j].TradeDate) {
			return out.Raw[i].TradeDate.Before(out.Raw[j].TradeDate)
		}
		return out.Raw[i].Provider < out.Raw[j].Provider
	})
	for k := range m.canonical {
		if k.ticker == ticker {
			out.Canonical = append(out.Canonical, k.date)
		}
	}
	for k := range m.constituents {
		if k.ticker == ticker {
			out.Constituents = append(out.Constituents, k.date)
		}
	}
	for k := range m.contributions {
		if k.ticker == ticker {
			out.Contributions = append(out.Contributions, k.date)
		}
	}
	for d, rows := range m.rebalances {
		for _, r := range rows {
			if r.Ticker == ticker {
				out.Rebalances = append(out.Rebalances, d)
			}
		}
	}
	sortDates(out.Canonical)
	sortDates(out.Constituents)
	sortDates(out.Contributions)
	sortDates(out.Rebalances)
	return out, nil
}

func (m *MemStore) ApplyRename(_ context.Context, plan store.RenameApply) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rawWins := make(map[rawKey]bool)
	for _, k := range plan.RawFromWins {
		rawWins[rawKey{k.Provider, plan.From, types.Day(k.TradeDate)}] = true
	}
	canonWins := make(map[time.Time]bool)
	for _, d := range plan.CanonicalFromWins {
		canonWins[types.Day(d)] = true
	}

	moved := 0
	for k, row := range m.raw {
		if k.ticker != plan.From {
			continue
		}
		to := rawKey{k.provider, plan.To, k.date}
		delete(m.raw, k)
		if _, clash := m.raw[to]; clash && !rawWins[k] {
			continue
		}
		row.Ticker = plan.To
		m.raw[to] = row
		moved++
	}
	for k, c := range m.canonical {
		if k.ticker != plan.From {
			continue
		}
		to := tickerDay{plan.To, k.date}
		delete(m.canonical, k)
		if _, clash := m.canonical[to]; clash && !canonWins[k.date] {
			continue
		}
		c.Ticker = plan.To
		m.canonical[to] = c
		moved++
	}
	for k, c := range m.constituents {
		if k.ticker != plan.From {
			continue
		}
		to := tickerDay{plan.To, k.date}
		delete(m.constituents, k)
		if _, clash := m.constituents[to]; clash {
			continue
		}
		c.Ticker = plan.To
		m.constituents[to] = c
		moved++
	}
	for k, c := range m.contributions {
		if k.ticker != plan.From {
			continue
		}
		to := tickerDay{plan.To, k.date}
		delete(m.contributions, k)
		if _, clash := m.contributions[to]; clash {
			continue
		}
		c.Ticker = plan.To
		m.contributions[to] = c
		moved++
	}
	for d, rows := range m.rebalances {
		hasTo := false
		for _, r := range rows {
			if r.Ticker == plan.To {
				hasTo = true
			}
		}
		kept := rows[:0]
		for _, r := range rows {
			if r.Ticker == plan.From {
				if hasTo {
					continue
				}
				r.Ticker = plan.To
				moved++
			}
			kept = append(kept, r)
		}
		m.rebalances[d] = kept
	}

	m.renames = append(m.renames, types.TickerRename{
		FromTicker: plan.From,
		ToTicker:   plan.To,
		ExecutedAt: plan.ExecutedAt,
		RowsMoved:  moved,
		Collisions: len(plan.Collisions),
	})
	m.collisions = append(m.collisions, plan.Collisions...)
	return moved, nil
}

func (m *MemStore) ListRenames(_ context.Context) ([]types.TickerRename, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.TickerRename, len(m.renames))
	copy(out, m.renames)
	return out, nil
}

// Collisions returns the recorded rename collisions.
func (m *MemStore) Collisions() []types.RenameCollision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RenameCollision, len(m.collisions))
	copy(out, m.collisions)
	return out
}

func (m *MemStore) Close() {}

func inRange(r types.DateRange, d time.Time) bool {
	if !r.Start.IsZero() && d.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && d.After(r.End) {
		return false
	}
	return true
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func sortDates(ds []time.Time) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Before(ds[j]) })
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
