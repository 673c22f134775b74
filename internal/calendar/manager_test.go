package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/provider"
	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Tuesday 2026-01-13, evening UTC.
var now = time.Date(2026, 1, 13, 21, 0, 0, 0, time.UTC)

func newManager(t *testing.T, s *testutil.MemStore, fake *testutil.FakeProvider, limits types.ProviderConfig) *Manager {
	t.Helper()
	limits.Name = fake.Name()
	b := provider.NewBudgeted(fake, s, limits, nil)
	b.SetClock(func() time.Time { return now })
	m := NewManager(s, b, nyse(t), types.CalendarConfig{
		ReferenceTicker: "SPY",
		MaxLagDays:      1,
		StartDate:       "2026-01-05",
	}, nil)
	m.SetClock(func() time.Time { return now })
	return m
}

var roomy = types.ProviderConfig{DailyLimit: 100, MinuteLimit: 10, BatchSize: 1}

func TestManager_AppendsProviderSessions(t *testing.T) {
	s := testutil.NewMemStore()
	fake := testutil.NewFakeProvider("alpha")
	for _, d := range testutil.Days(t, "2026-01-05", "2026-01-06", "2026-01-07", "2026-01-08", "2026-01-09", "2026-01-12") {
		fake.Set("SPY", d, 500)
	}
	fake.Set("SPY", testutil.Day(t, "2026-01-10"), 500) // bogus Saturday row

	res, err := newManager(t, s, fake, roomy).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Added, 6)
	assert.Equal(t, testutil.Day(t, "2026-01-12"), res.Max)
	assert.Equal(t, testutil.Day(t, "2026-01-12"), res.Expected)
	assert.Zero(t, res.Lag)

	calMax, err := s.MaxTradingDay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.Day(t, "2026-01-12"), calMax)
}

func TestManager_SkipsWithoutCallWhenCurrent(t *testing.T) {
	s := testutil.NewMemStore()
	testutil.SeedCalendar(t, s, testutil.Day(t, "2026-01-12"))
	fake := testutil.NewFakeProvider("alpha")

	res, err := newManager(t, s, fake, roomy).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, fake.Calls())
}

func TestManager_IncrementalFromCalendarMax(t *testing.T) {
	s := testutil.NewMemStore()
	testutil.SeedCalendar(t, s, testutil.Days(t, "2026-01-08", "2026-01-09")...)
	fake := testutil.NewFakeProvider("alpha")
	fake.Set("SPY", testutil.Day(t, "2026-01-09"), 500)
	fake.Set("SPY", testutil.Day(t, "2026-01-12"), 501)

	res, err := newManager(t, s, fake, roomy).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testutil.Days(t, "2026-01-12"), res.Added)
}

func TestManager_LagBeyondLimitIsReported(t *testing.T) {
	s := testutil.NewMemStore()
	testutil.SeedCalendar(t, s, testutil.Day(t, "2026-01-07"))
	fake := testutil.NewFakeProvider("alpha")
	fake.Set("SPY", testutil.Day(t, "2026-01-08"), 500)

	res, err := newManager(t, s, fake, roomy).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBehindProvider))
	assert.Equal(t, 2, res.Lag)
	assert.Equal(t, testutil.Day(t, "2026-01-08"), res.Max, "progress is kept")
}

func TestManager_BudgetExhaustedIsClean(t *testing.T) {
	s := testutil.NewMemStore()
	testutil.SeedCalendar(t, s, testutil.Day(t, "2026-01-02"))
	fake := testutil.NewFakeProvider("alpha")
	s.SetQuotaUsage("alpha", now, 100, 0)

	res, err := newManager(t, s, fake, roomy).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.BudgetExhausted)
	assert.Zero(t, fake.Calls())
	assert.Empty(t, res.Added)
}
