package rename

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

func seed(t *testing.T) (*testutil.MemStore, []time.Time) {
	t.Helper()
	ctx := context.Background()
	s := testutil.NewMemStore()
	days := testutil.Days(t, "2026-01-05", "2026-01-06")
	ingested := days[1].Add(20 * time.Hour)

	_, err := s.UpsertRaw(ctx, []types.RawPriceRecord{
		testutil.OK("alpha", "OLD", days[0], 50, ingested),
		testutil.OK("alpha", "OLD", days[1], 51, ingested),
		testutil.Failed("alpha", "NEW", days[0], ingested),
	})
	require.NoError(t, err)
	testutil.SeedPrices(t, s, days[0], map[string]float64{"OLD": 50, "NEW": 49})
	testutil.SeedPrices(t, s, days[1], map[string]float64{"OLD": 51})
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"OLD": 10, "X": 5})
	return s, days
}

func TestRun_DryRunChangesNothing(t *testing.T) {
	s, days := seed(t)
	ctx := context.Background()

	plan, err := New(s, nil).Run(ctx, "OLD", "NEW", true)
	require.NoError(t, err)
	assert.True(t, plan.DryRun)
	assert.Zero(t, plan.Moved)
	assert.Equal(t, 2, plan.Counts["raw_prices"])
	assert.Equal(t, 2, plan.Counts["canonical_prices"])
	assert.Equal(t, 1, plan.Counts["index_rebalances"])
	require.Len(t, plan.Apply.Collisions, 2)
	assert.Contains(t, plan.Summary(), "(dry run)")

	old, err := s.GetCanonical(ctx, "OLD", days[1])
	require.NoError(t, err)
	assert.Equal(t, 51.0, *old.AdjClose)
	renames, err := s.ListRenames(ctx)
	require.NoError(t, err)
	assert.Empty(t, renames)
}

func TestRun_ResolvesCollisionsByRank(t *testing.T) {
	s, days := seed(t)
	ctx := context.Background()

	plan, err := New(s, nil).Run(ctx, "OLD", "NEW", false)
	require.NoError(t, err)
	assert.Positive(t, plan.Moved)

	byTable := map[string]types.RenameCollision{}
	for _, c := range plan.Apply.Collisions {
		byTable[c.Table] = c
	}
	assert.Equal(t, KeepFrom, byTable["raw_prices"].Resolution, "an OK row beats an ERROR row")
	assert.Equal(t, KeepTo, byTable["canonical_prices"].Resolution, "ties keep the successor's row")
	assert.Equal(t, "OLD->NEW@2026-01-05/alpha", byTable["raw_prices"].Key)
	assert.Equal(t, []store.RawKey{{Provider: "alpha", TradeDate: days[0]}}, plan.Apply.RawFromWins)

	raw, err := s.ListRaw(ctx, store.RawFilter{Tickers: []string{"NEW"}})
	require.NoError(t, err)
	require.Len(t, raw, 2)
	for _, r := range raw {
		assert.Equal(t, types.PriceOK, r.Status)
	}
	oldRaw, err := s.ListRaw(ctx, store.RawFilter{Tickers: []string{"OLD"}})
	require.NoError(t, err)
	assert.Empty(t, oldRaw)

	kept, err := s.GetCanonical(ctx, "NEW", days[0])
	require.NoError(t, err)
	assert.Equal(t, 49.0, *kept.AdjClose)
	moved, err := s.GetCanonical(ctx, "NEW", days[1])
	require.NoError(t, err)
	assert.Equal(t, 51.0, *moved.AdjClose)

	rebs, err := s.ListRebalances(ctx)
	require.NoError(t, err)
	tickers := []string{}
	for _, r := range rebs {
		tickers = append(tickers, r.Ticker)
	}
	assert.ElementsMatch(t, []string{"NEW", "X"}, tickers)

	renames, err := s.ListRenames(ctx)
	require.NoError(t, err)
	require.Len(t, renames, 1)
	assert.Equal(t, 2, renames[0].Collisions)
	assert.Len(t, s.Collisions(), 2)
}

func TestRun_Rejects(t *testing.T) {
	s, _ := seed(t)
	m := New(s, nil)
	ctx := context.Background()

	_, err := m.Run(ctx, "OLD", "OLD", false)
	assert.ErrorIs(t, err, ErrSameTicker)

	_, err = m.Run(ctx, "GONE", "NEW", false)
	assert.ErrorIs(t, err, ErrNothingToRename)

	_, err = m.Run(ctx, " ", "NEW", false)
	assert.Error(t, err)
}
