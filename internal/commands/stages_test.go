package commands

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/app"
	"github.com/dwsmith1983/tridx/internal/calc"
	"github.com/dwsmith1983/tridx/internal/reconcile"
	"github.com/dwsmith1983/tridx/internal/schedule"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/internal/universe"
	"github.com/dwsmith1983/tridx/pkg/types"
)

func testEnv(t *testing.T) (*app.Env, *testutil.MemStore, string) {
	t.Helper()
	cfg := &types.ProjectConfig{
		Providers: []types.ProviderConfig{{Name: "alpha"}, {Name: "beta", Priority: -1}},
		Index:     types.IndexConfig{Name: "test-tr", BaseLevel: 1000},
		Orchestrator: types.OrchestratorConfig{
			LockKey:    "tridx-pipeline",
			MaxRuntime: "1m",
		},
	}
	s := testutil.NewMemStore()
	return app.NewEnv(cfg, s, nil), s, schedule.LockKey(cfg.Orchestrator.LockKey, cfg.Index.Name)
}

func holdLock(t *testing.T, s *testutil.MemStore, key string) {
	t.Helper()
	ok, err := s.AcquireLock(context.Background(), key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReconcileRange_WaitsForLock(t *testing.T) {
	e, s, key := testEnv(t)
	ctx := context.Background()
	d := testutil.Day(t, "2026-01-06")
	at := time.Date(2026, 1, 6, 22, 0, 0, 0, time.UTC)
	_, err := s.UpsertRaw(ctx, []types.RawPriceRecord{
		testutil.OK("alpha", "X", d, 10, at),
		testutil.OK("beta", "X", d, 10.5, at),
	})
	require.NoError(t, err)

	holdLock(t, s, key)
	require.NoError(t, reconcileRange(ctx, e, nil, types.DateRange{}, reconcile.Options{}))
	_, err = s.GetCanonical(ctx, "X", d)
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing written while another run holds the lock")

	require.NoError(t, s.ReleaseLock(ctx, key))
	require.NoError(t, reconcileRange(ctx, e, nil, types.DateRange{}, reconcile.Options{}))
	c, err := s.GetCanonical(ctx, "X", d)
	require.NoError(t, err)
	assert.Equal(t, "beta", c.SourceProvider, "configured priority breaks the tie")
	assert.False(t, s.LockHeld(key))
}

func TestLoadRebalances_WaitsForLock(t *testing.T) {
	e, s, key := testEnv(t)
	ctx := context.Background()
	d := testutil.Day(t, "2026-01-05")
	events := []universe.Event{{Date: d, Members: []types.Rebalance{{RebalanceDate: d, Ticker: "A", Shares: 1}}}}

	holdLock(t, s, key)
	require.NoError(t, loadRebalances(ctx, e, events))
	rows, err := s.ListRebalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, s.ReleaseLock(ctx, key))
	require.NoError(t, loadRebalances(ctx, e, events))
	rows, err = s.ListRebalances(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].Ticker)
}

func TestCalculate_RebuildImputesWholeWindow(t *testing.T) {
	e, s, _ := testEnv(t)
	ctx := context.Background()
	days := testutil.Days(t, "2026-01-05", "2026-01-06", "2026-01-07")
	testutil.SeedCalendar(t, s, days...)
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 1, "C": 1})
	testutil.SeedPrices(t, s, days[0], map[string]float64{"A": 10, "C": 30})
	testutil.SeedPrices(t, s, days[1], map[string]float64{"A": 11, "C": 31})
	testutil.SeedPrices(t, s, days[2], map[string]float64{"A": 12})

	require.NoError(t, calculate(ctx, e, calc.Options{}))
	before, err := s.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	require.Len(t, before, 3)

	require.NoError(t, calculate(ctx, e, calc.Options{Range: types.DateRange{Start: days[0]}, Rebuild: true}))
	after, err := s.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	rows, err := s.ListConstituents(ctx, days[2])
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, types.PriceImputed, rows[1].PriceQuality)
}
