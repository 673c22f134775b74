package calc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/impute"
	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

func newCalc(t *testing.T, s *testutil.MemStore, cfg types.IndexConfig) *Calculator {
	t.Helper()
	cfg.Name = "test"
	c, err := New(s, cfg, nil)
	require.NoError(t, err)
	return c
}

func TestRun_WorkedExample(t *testing.T) {
	s := testutil.NewMemStore()
	days := testutil.Days(t, "2026-01-05", "2026-01-06")
	testutil.SeedCalendar(t, s, days...)
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 6, "B": 4})
	testutil.SeedPrices(t, s, days[0], map[string]float64{"A": 100, "B": 100})
	testutil.SeedPrices(t, s, days[1], map[string]float64{"A": 102, "B": 99})

	res, err := newCalc(t, s, types.IndexConfig{}).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Calculated)
	assert.InDelta(t, 1008.0, res.Last.LevelTR, 1e-9)

	ctx := context.Background()
	base, err := s.ListConstituents(ctx, days[0])
	require.NoError(t, err)
	require.Len(t, base, 2)
	assert.InDelta(t, 0.6, base[0].Weight, 1e-12)
	assert.InDelta(t, 0.4, base[1].Weight, 1e-12)
	assert.Equal(t, 600.0, base[0].MarketValue)
	assert.Equal(t, types.PriceObserved, base[0].PriceQuality)

	contribs, err := s.ListContributions(ctx, days[0])
	require.NoError(t, err)
	assert.Empty(t, contribs, "the base day has no contributions")

	contribs, err = s.ListContributions(ctx, days[1])
	require.NoError(t, err)
	require.Len(t, contribs, 2)
	assert.InDelta(t, 0.02, contribs[0].Ret1D, 1e-12)
	assert.InDelta(t, 0.012, contribs[0].Contribution, 1e-12)
	assert.InDelta(t, -0.01, contribs[1].Ret1D, 1e-12)
	assert.InDelta(t, -0.004, contribs[1].Contribution, 1e-12)

	levels, err := s.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, 1000.0, levels[0].LevelTR)

	st, err := s.GetStats(ctx, days[1])
	require.NoError(t, err)
	require.NotNil(t, st.Ret1D)
	assert.InDelta(t, 0.008, *st.Ret1D, 1e-12)
	assert.Nil(t, st.Ret5D)
	assert.Nil(t, st.Vol20D)
	require.NotNil(t, st.MaxDrawdown252D)
	assert.Equal(t, 0.0, *st.MaxDrawdown252D)
	assert.Equal(t, 2, st.NConstituents)
}

func TestRun_WeightsSumToOneAndChainExactly(t *testing.T) {
	s := testutil.NewMemStore()
	days := seedWalk(t, s, 30)

	_, err := newCalc(t, s, types.IndexConfig{}).Run(context.Background(), Options{})
	require.NoError(t, err)

	ctx := context.Background()
	levels, err := s.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	require.Len(t, levels, len(days))

	for i, d := range days {
		rows, err := s.ListConstituents(ctx, d)
		require.NoError(t, err)
		sum := 0.0
		for _, r := range rows {
			sum += r.Weight
		}
		assert.InDelta(t, 1.0, sum, 1e-6, "weights on %s", types.FormatDate(d))

		if i == 0 {
			continue
		}
		contribs, err := s.ListContributions(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, ChainLevel(levels[i-1].LevelTR, contribs), levels[i].LevelTR,
			"level on %s chains from stored contributions", types.FormatDate(d))
	}

	st, err := s.GetStats(ctx, days[len(days)-1])
	require.NoError(t, err)
	assert.NotNil(t, st.Ret20D)
	assert.NotNil(t, st.Vol20D)
}

func TestRun_RebuildIsDeterministic(t *testing.T) {
	s := testutil.NewMemStore()
	days := seedWalk(t, s, 25)
	c := newCalc(t, s, types.IndexConfig{VolAnnualization: types.VolSqrt252})
	ctx := context.Background()

	_, err := c.Run(ctx, Options{})
	require.NoError(t, err)
	before := snapshot(t, s, days)

	res, err := c.Run(ctx, Options{Range: types.DateRange{Start: days[10]}, Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, len(days)-10, res.Calculated)
	assert.Equal(t, before, snapshot(t, s, days))

	_, err = c.Run(ctx, Options{Range: types.DateRange{Start: days[0]}, Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, before, snapshot(t, s, days))
}

func TestRun_SkipsCalculatedDays(t *testing.T) {
	s := testutil.NewMemStore()
	seedWalk(t, s, 5)
	c := newCalc(t, s, types.IndexConfig{})

	res, err := c.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Calculated)

	res, err = c.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Calculated)

	_, err = c.Run(context.Background(), Options{Rebuild: true})
	assert.Error(t, err, "rebuild needs a start")
}

func TestRun_UsesOverlay(t *testing.T) {
	s := testutil.NewMemStore()
	days := testutil.Days(t, "2026-01-05", "2026-01-06", "2026-01-07")
	testutil.SeedCalendar(t, s, days...)
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 1, "B": 1, "C": 1})
	testutil.SeedPrices(t, s, days[0], map[string]float64{"A": 10, "B": 20, "C": 30})
	testutil.SeedPrices(t, s, days[1], map[string]float64{"A": 11, "B": 21, "C": 31})
	testutil.SeedPrices(t, s, days[2], map[string]float64{"A": 12, "B": 22})
	ctx := context.Background()

	c := newCalc(t, s, types.IndexConfig{})
	_, err := c.Run(ctx, Options{})
	require.ErrorIs(t, err, ErrMissingPrice)

	ov, err := impute.New(s, nil).Build(ctx, types.DateRange{Start: days[2], End: days[2]})
	require.NoError(t, err)
	res, err := c.Run(ctx, Options{Overlay: ov})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Calculated)
	assert.Equal(t, 1, res.Imputed)

	st, err := s.GetStats(ctx, days[2])
	require.NoError(t, err)
	assert.Equal(t, 1, st.NImputed)

	rows, err := s.ListConstituents(ctx, days[2])
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "C", rows[2].Ticker)
	assert.Equal(t, 31.0, rows[2].PriceUsed)
	assert.Equal(t, types.PriceImputed, rows[2].PriceQuality)

	contribs, err := s.ListContributions(ctx, days[2])
	require.NoError(t, err)
	assert.Equal(t, 0.0, contribs[2].Ret1D, "a carried price has a flat return")
}

func TestRun_RebuildOverImputedDay(t *testing.T) {
	s := testutil.NewMemStore()
	days := testutil.Days(t, "2026-01-05", "2026-01-06", "2026-01-07")
	testutil.SeedCalendar(t, s, days...)
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 1, "C": 1})
	testutil.SeedPrices(t, s, days[0], map[string]float64{"A": 10, "C": 30})
	testutil.SeedPrices(t, s, days[1], map[string]float64{"A": 11, "C": 31})
	testutil.SeedPrices(t, s, days[2], map[string]float64{"A": 12})
	ctx := context.Background()
	c := newCalc(t, s, types.IndexConfig{})

	calculate := func(opts Options) Result {
		t.Helper()
		window, err := c.Window(ctx, opts)
		require.NoError(t, err)
		ov, err := impute.New(s, nil).Build(ctx, window)
		require.NoError(t, err)
		opts.Overlay = ov
		res, err := c.Run(ctx, opts)
		require.NoError(t, err)
		return res
	}

	res := calculate(Options{})
	assert.Equal(t, 3, res.Calculated)
	assert.Equal(t, 1, res.Imputed)
	before := snapshot(t, s, days)

	res = calculate(Options{Range: types.DateRange{Start: days[0]}, Rebuild: true})
	assert.Equal(t, 3, res.Calculated)
	assert.Equal(t, 1, res.Imputed)
	assert.Equal(t, before, snapshot(t, s, days))

	// An end bound does not leave later days without levels.
	res = calculate(Options{Range: types.DateRange{Start: days[1], End: days[1]}, Rebuild: true})
	assert.Equal(t, 2, res.Calculated)
	assert.Equal(t, before, snapshot(t, s, days))
}

func TestWindow_Rebuild(t *testing.T) {
	s := testutil.NewMemStore()
	days := seedWalk(t, s, 5)
	c := newCalc(t, s, types.IndexConfig{})
	ctx := context.Background()
	_, err := c.Run(ctx, Options{})
	require.NoError(t, err)

	w, err := c.Window(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, w.Empty(), "nothing pending")

	w, err = c.Window(ctx, Options{Range: types.DateRange{Start: days[2], End: days[2]}, Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, types.DateRange{Start: days[2], End: days[4]}, w)

	w, err = c.Window(ctx, Options{Range: types.DateRange{Start: days[1]}, Rebuild: true, Through: days[3]})
	require.NoError(t, err)
	assert.Equal(t, types.DateRange{Start: days[1], End: days[3]}, w)
}

func TestRun_DroppedTickerNotCountedAsImputed(t *testing.T) {
	s := testutil.NewMemStore()
	days := testutil.Days(t, "2026-01-05", "2026-01-06")
	testutil.SeedCalendar(t, s, days...)
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 1, "B": 1})
	testutil.SeedRebalance(t, s, days[1], map[string]float64{"A": 1})
	testutil.SeedPrices(t, s, days[0], map[string]float64{"A": 10, "B": 20})
	testutil.SeedPrices(t, s, days[1], map[string]float64{"A": 11})
	ctx := context.Background()

	ov, err := impute.New(s, nil).Build(ctx, types.DateRange{Start: days[0], End: days[1]})
	require.NoError(t, err)
	_, ok := ov.Lookup("B", days[1])
	require.True(t, ok, "B is carried for its return on the rebalance day")

	res, err := newCalc(t, s, types.IndexConfig{}).Run(ctx, Options{Overlay: ov})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Calculated)
	assert.Equal(t, 0, res.Imputed)

	rows, err := s.ListConstituents(ctx, days[1])
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.PriceObserved, rows[0].PriceQuality)

	st, err := s.GetStats(ctx, days[1])
	require.NoError(t, err)
	assert.Equal(t, 0, st.NImputed)

	contribs, err := s.ListContributions(ctx, days[1])
	require.NoError(t, err)
	require.Len(t, contribs, 2)
	assert.Equal(t, "B", contribs[1].Ticker)
}

func TestRun_ThroughLimitsAndBaseDate(t *testing.T) {
	s := testutil.NewMemStore()
	days := seedWalk(t, s, 6)
	c := newCalc(t, s, types.IndexConfig{BaseDate: types.FormatDate(days[1]), BaseLevel: 100})

	res, err := c.Run(context.Background(), Options{Through: days[3]})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Calculated)
	assert.Equal(t, 1, res.Skipped)

	levels, err := s.ListLevels(context.Background(), types.DateRange{})
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, days[1], levels[0].TradeDate)
	assert.Equal(t, 100.0, levels[0].LevelTR)

	r, pending, err := c.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, days[4:], pending)
	assert.Equal(t, days[5], r.End)
}

func TestRun_RebalanceChangesMembers(t *testing.T) {
	s := testutil.NewMemStore()
	days := testutil.Days(t, "2026-01-05", "2026-01-06", "2026-01-07")
	testutil.SeedCalendar(t, s, days...)
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 1, "B": 1})
	testutil.SeedRebalance(t, s, days[1], map[string]float64{"A": 1, "C": 2})
	testutil.SeedPrices(t, s, days[0], map[string]float64{"A": 10, "B": 10})
	testutil.SeedPrices(t, s, days[1], map[string]float64{"A": 10, "B": 12, "C": 5})
	testutil.SeedPrices(t, s, days[2], map[string]float64{"A": 11, "C": 5})

	res, err := newCalc(t, s, types.IndexConfig{}).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Calculated)

	ctx := context.Background()
	contribs, err := s.ListContributions(ctx, days[1])
	require.NoError(t, err)
	require.Len(t, contribs, 2, "the rebalance day return uses the old members")
	assert.Equal(t, "B", contribs[1].Ticker)

	levels, err := s.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	assert.InDelta(t, 1100.0, levels[1].LevelTR, 1e-9)
	assert.InDelta(t, 1155.0, levels[2].LevelTR, 1e-9)
}

func TestRun_WriteFailureKeepsEarlierDays(t *testing.T) {
	s := testutil.NewMemStore()
	days := seedWalk(t, s, 4)
	s.FailWriteCalcOn = days[2]

	res, err := newCalc(t, s, types.IndexConfig{}).Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, 2, res.Calculated)

	maxes, err := s.TableMaxDates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, days[1], maxes.Levels)
}

func TestRun_HistoryGap(t *testing.T) {
	s := testutil.NewMemStore()
	days := seedWalk(t, s, 3)
	require.NoError(t, s.WriteCalcDay(context.Background(), types.CalcDay{
		TradeDate: days[0], Level: types.IndexLevel{TradeDate: days[0], LevelTR: 1000},
	}))

	_, err := newCalc(t, s, types.IndexConfig{}).Run(context.Background(), Options{Range: types.DateRange{Start: days[2]}})
	assert.True(t, errors.Is(err, ErrHistoryGap))
}

func TestNew_BadBaseDate(t *testing.T) {
	_, err := New(testutil.NewMemStore(), types.IndexConfig{BaseDate: "01/05/2026"}, nil)
	assert.Error(t, err)
}

// seedWalk seeds n weekdays from 2026-01-05 with four constituents on a
// deterministic price path.
func seedWalk(t *testing.T, s *testutil.MemStore, n int) []time.Time {
	t.Helper()
	var days []time.Time
	d := testutil.Day(t, "2026-01-05")
	for len(days) < n {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			days = append(days, d)
		}
		d = d.AddDate(0, 0, 1)
	}
	testutil.SeedCalendar(t, s, days...)
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 3, "B": 7, "C": 11, "D": 2})
	for i, day := range days {
		x := float64(i)
		testutil.SeedPrices(t, s, day, map[string]float64{
			"A": 50 + 3*math.Sin(x),
			"B": 20 + 0.1*x,
			"C": 8 + math.Cos(x/3),
			"D": 120 - 0.7*x,
		})
	}
	return days
}

func snapshot(t *testing.T, s *testutil.MemStore, days []time.Time) map[string]interface{} {
	t.Helper()
	ctx := context.Background()
	out := make(map[string]interface{})
	levels, err := s.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	out["levels"] = levels
	for _, d := range days {
		key := types.FormatDate(d)
		rows, err := s.ListConstituents(ctx, d)
		require.NoError(t, err)
		out[key+"/constituents"] = rows
		contribs, err := s.ListContributions(ctx, d)
		require.NoError(t, err)
		out[key+"/contributions"] = contribs
		st, err := s.GetStats(ctx, d)
		require.NoError(t, err)
		flat := *st
		flat.Ret1D, flat.Ret5D, flat.Ret20D, flat.Vol20D, flat.MaxDrawdown252D = nil, nil, nil, nil, nil
		out[key+"/stats"] = fmt.Sprintf("%+v %v %v %v %v %v", flat,
			deref(st.Ret1D), deref(st.Ret5D), deref(st.Ret20D), deref(st.Vol20D), deref(st.MaxDrawdown252D))
	}
	return out
}

func deref(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
