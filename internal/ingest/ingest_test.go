package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/provider"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

var clock = time.Date(2026, 1, 8, 22, 0, 0, 0, time.UTC)

type fixture struct {
	store *testutil.MemStore
	alpha *testutil.FakeProvider
	beta  *testutil.FakeProvider
	days  []time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: testutil.NewMemStore(),
		alpha: testutil.NewFakeProvider("alpha"),
		beta:  testutil.NewFakeProvider("beta"),
		days:  testutil.Days(t, "2026-01-05", "2026-01-06", "2026-01-07"),
	}
	testutil.SeedCalendar(t, f.store, f.days...)
	testutil.SeedRebalance(t, f.store, testutil.Day(t, "2026-01-02"), map[string]float64{"A": 10, "B": 5})
	return f
}

func (f *fixture) ingestor(providers ...*testutil.FakeProvider) *Ingestor {
	fetchers := make([]Fetcher, 0, len(providers))
	for _, p := range providers {
		b := provider.NewBudgeted(p, f.store, types.ProviderConfig{
			Name: p.Name(), DailyLimit: 100, MinuteLimit: 50, BatchSize: 10,
		}, nil)
		b.SetClock(func() time.Time { return clock })
		fetchers = append(fetchers, b)
	}
	return New(f.store, fetchers, nil, nil)
}

func (f *fixture) priceAll(p *testutil.FakeProvider, price float64) {
	for _, d := range f.days {
		p.Set("A", d, price)
		p.Set("B", d, price*2)
	}
}

func TestWindow_Default(t *testing.T) {
	f := setup(t)
	testutil.SeedPrices(t, f.store, f.days[0], map[string]float64{"A": 1, "B": 1})
	testutil.SeedPrices(t, f.store, f.days[1], map[string]float64{"A": 1, "B": 1})
	require.NoError(t, f.store.WriteCalcDay(context.Background(), types.CalcDay{
		TradeDate: f.days[0], Level: types.IndexLevel{LevelTR: 1000},
	}))

	r, days, err := f.ingestor().Window(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, f.days[1:], days, "starts after the lower of the canonical and level max")
	assert.Equal(t, types.DateRange{Start: f.days[1], End: f.days[2]}, r)
}

func TestWindow_EmptyCalendar(t *testing.T) {
	s := testutil.NewMemStore()
	r, days, err := New(s, nil, nil, nil).Window(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, r.Empty())
	assert.Empty(t, days)
}

func TestNextMissingDay(t *testing.T) {
	jan5, jan6 := testutil.Day(t, "2026-01-05"), testutil.Day(t, "2026-01-06")
	assert.True(t, NextMissingDay(types.TableMaxDates{}).IsZero())
	assert.Equal(t, jan6, NextMissingDay(types.TableMaxDates{Canonical: jan6, Levels: jan5}))
	assert.True(t, NextMissingDay(types.TableMaxDates{Canonical: jan6}).IsZero(), "no levels yet")
}

func TestRun_TwoProvidersReachConsensus(t *testing.T) {
	f := setup(t)
	f.priceAll(f.alpha, 10)
	f.priceAll(f.beta, 10)

	res, err := f.ingestor(f.alpha, f.beta).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Days)
	assert.Equal(t, 2, res.CallsUsed())
	assert.Equal(t, 6, res.Reconciled.Written)

	c, err := f.store.GetCanonical(context.Background(), "B", f.days[2])
	require.NoError(t, err)
	assert.Equal(t, types.QualityConsensus, c.Quality)
	assert.Equal(t, 2, c.NProviders)
	assert.Equal(t, 20.0, *c.AdjClose)
}

func TestRun_FailedProviderLeavesErrorRows(t *testing.T) {
	f := setup(t)
	f.priceAll(f.beta, 10)
	f.alpha.FailNext(&provider.FetchError{Provider: "alpha", Category: types.FailureTransient, StatusCode: 502, Err: errors.New("bad gateway")})

	res, err := f.ingestor(f.alpha, f.beta).Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, res.Providers, 2)
	assert.ElementsMatch(t, []string{"A", "B"}, res.Providers[0].Failed)

	raw, err := f.store.ListRaw(context.Background(), store.RawFilter{Provider: "alpha"})
	require.NoError(t, err)
	assert.Len(t, raw, 6, "one ERROR row per ticker and day")
	for _, row := range raw {
		assert.Equal(t, types.PriceError, row.Status)
	}

	c, err := f.store.GetCanonical(context.Background(), "A", f.days[0])
	require.NoError(t, err)
	assert.Equal(t, types.QualitySingle, c.Quality)
	assert.Equal(t, "beta", c.SourceProvider)
}

func TestRun_MissingOnly(t *testing.T) {
	f := setup(t)
	f.priceAll(f.alpha, 10)
	for _, d := range f.days {
		testutil.SeedPrices(t, f.store, d, map[string]float64{"A": 10})
	}
	testutil.SeedPrices(t, f.store, f.days[0], map[string]float64{"B": 20})

	res, err := f.ingestor(f.alpha).Run(context.Background(), Options{
		Range:       types.DateRange{Start: f.days[0], End: f.days[2]},
		MissingOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"B"}}, f.alpha.Requests())
	assert.Equal(t, 2, res.Reconciled.Examined, "only B's missing days")
}

func TestRun_SingleDateWithTickerOverride(t *testing.T) {
	f := setup(t)
	f.priceAll(f.alpha, 10)
	f.alpha.Set("Z", f.days[1], 3)

	res, err := f.ingestor(f.alpha).Run(context.Background(), Options{Date: f.days[1], Tickers: []string{"Z"}})
	require.NoError(t, err)
	assert.Equal(t, types.DateRange{Start: f.days[1], End: f.days[1]}, res.Window)
	assert.Equal(t, [][]string{{"Z"}}, f.alpha.Requests())

	c, err := f.store.GetCanonical(context.Background(), "Z", f.days[1])
	require.NoError(t, err)
	assert.Equal(t, 3.0, *c.Close)
}

func TestRun_BudgetExhaustedIsClean(t *testing.T) {
	f := setup(t)
	f.store.SetQuotaUsage("alpha", clock, 100, 0)

	res, err := f.ingestor(f.alpha).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, res.BudgetExhausted)
	assert.Zero(t, f.alpha.Calls())
	assert.Zero(t, res.Reconciled.Examined)
}

func TestRun_ProviderFilter(t *testing.T) {
	f := setup(t)
	f.priceAll(f.alpha, 10)
	f.priceAll(f.beta, 10)

	_, err := f.ingestor(f.alpha, f.beta).Run(context.Background(), Options{Provider: "beta"})
	require.NoError(t, err)
	assert.Zero(t, f.alpha.Calls())
	assert.Equal(t, 1, f.beta.Calls())
}
