package universe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

func TestSchedule_On(t *testing.T) {
	jan2, feb2 := testutil.Day(t, "2026-01-02"), testutil.Day(t, "2026-02-02")
	s := New([]types.Rebalance{
		{RebalanceDate: feb2, Ticker: "C", Shares: 3},
		{RebalanceDate: jan2, Ticker: "B", Shares: 2},
		{RebalanceDate: jan2, Ticker: "A", Shares: 1},
		{RebalanceDate: feb2, Ticker: "A", Shares: 4},
	})

	_, _, ok := s.On(testutil.Day(t, "2026-01-01"))
	assert.False(t, ok)

	date, members, ok := s.On(testutil.Day(t, "2026-01-30"))
	require.True(t, ok)
	assert.Equal(t, jan2, date)
	assert.Equal(t, []string{"A", "B"}, s.Tickers(testutil.Day(t, "2026-01-30")))
	assert.Equal(t, 1.0, members[0].Shares)

	date, _, ok = s.On(feb2)
	require.True(t, ok)
	assert.Equal(t, feb2, date, "a rebalance is effective on its own date")
	assert.Equal(t, []string{"A", "C"}, s.Tickers(feb2))
	assert.Equal(t, jan2, s.First())
}

func TestSchedule_Active(t *testing.T) {
	s := New([]types.Rebalance{
		{RebalanceDate: testutil.Day(t, "2026-01-02"), Ticker: "A", Shares: 1},
		{RebalanceDate: testutil.Day(t, "2026-01-02"), Ticker: "B", Shares: 1},
		{RebalanceDate: testutil.Day(t, "2026-01-07"), Ticker: "A", Shares: 1},
	})
	days := testutil.Days(t, "2026-01-05", "2026-01-06", "2026-01-07", "2026-01-08")

	active := s.Active(days)
	assert.Equal(t, types.DateRange{Start: days[0], End: days[3]}, active["A"])
	assert.Equal(t, types.DateRange{Start: days[0], End: days[1]}, active["B"])
}

func TestLoad(t *testing.T) {
	ms := testutil.NewMemStore()
	testutil.SeedRebalance(t, ms, testutil.Day(t, "2026-01-02"), map[string]float64{"A": 10})

	s, err := Load(context.Background(), ms)
	require.NoError(t, err)
	assert.False(t, s.Empty())
	assert.Equal(t, []string{"A"}, s.Tickers(testutil.Day(t, "2026-01-05")))
}

func TestFilter(t *testing.T) {
	assert.Equal(t, []string{"A", "B"}, Filter([]string{"A", "B"}, nil))
	assert.Equal(t, []string{"B"}, Filter([]string{"A", "B"}, []string{"B", "Z"}))
}

func TestParseFile(t *testing.T) {
	events, err := ParseFile([]byte(`
rebalances:
  - date: "2026-04-01"
    members:
      - {ticker: CCC, shares: 10}
      - {ticker: AAA, shares: 5}
  - date: "2026-01-02"
    members:
      - {ticker: AAA, shares: 7}
`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2026-01-02", types.FormatDate(events[0].Date))
	assert.Equal(t, "AAA", events[1].Members[0].Ticker)
	assert.Equal(t, events[1].Date, events[1].Members[1].RebalanceDate)
}

func TestParseFile_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":       `rebalances: []`,
		"bad date":    `{rebalances: [{date: "02/01/2026", members: [{ticker: A, shares: 1}]}]}`,
		"no members":  `{rebalances: [{date: "2026-01-02", members: []}]}`,
		"dup ticker":  `{rebalances: [{date: "2026-01-02", members: [{ticker: A, shares: 1}, {ticker: A, shares: 2}]}]}`,
		"zero shares": `{rebalances: [{date: "2026-01-02", members: [{ticker: A, shares: 0}]}]}`,
		"dup date":    `{rebalances: [{date: "2026-01-02", members: [{ticker: A, shares: 1}]}, {date: "2026-01-02", members: [{ticker: B, shares: 1}]}]}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFile([]byte(doc))
			assert.Error(t, err)
		})
	}
}
