package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

type fakeQuota struct {
	name string
	n    int
	err  error
}

func (f fakeQuota) Name() string { return f.name }

func (f fakeQuota) Remaining(context.Context) (int, error) { return f.n, f.err }

func TestCollect_EmptyStore(t *testing.T) {
	rep, err := Collect(context.Background(), testutil.NewMemStore(), nil, 5)
	require.NoError(t, err)
	assert.Nil(t, rep.Health)
	assert.Nil(t, rep.Latest)
	assert.Empty(t, rep.JobRuns)
}

func TestCollect(t *testing.T) {
	s := testutil.NewMemStore()
	ctx := context.Background()
	days := testutil.Days(t, "2026-01-05", "2026-01-06")
	testutil.SeedCalendar(t, s, days...)
	for i, d := range days {
		require.NoError(t, s.WriteCalcDay(ctx, types.CalcDay{
			TradeDate: d,
			Level:     types.IndexLevel{LevelTR: 1000 + float64(i)*8},
			Stats:     types.StatsDaily{NConstituents: 2},
		}))
	}
	require.NoError(t, s.InsertJobRun(ctx, types.JobRun{RunID: "r1", JobName: "pipeline", Status: types.JobStarted, StartedAt: time.Now()}))
	require.NoError(t, s.PutHealth(ctx, types.HealthSnapshot{RunID: "r1", Status: types.JobOK}))

	rep, err := Collect(ctx, s, []QuotaReporter{
		fakeQuota{name: "alpha", n: 42},
		fakeQuota{name: "beta", err: errors.New("redis down")},
	}, 5)
	require.NoError(t, err)
	assert.Equal(t, days[1], rep.MaxDates.Levels)
	require.NotNil(t, rep.Health)
	assert.Equal(t, "r1", rep.Health.RunID)
	require.Len(t, rep.JobRuns, 1)
	require.NotNil(t, rep.Latest)
	assert.Equal(t, 1008.0, rep.Latest.LevelTR)
	require.NotNil(t, rep.Stats)
	assert.Equal(t, 2, rep.Stats.NConstituents)
	assert.Equal(t, []Quota{
		{Provider: "alpha", Remaining: 42},
		{Provider: "beta", Error: "redis down"},
	}, rep.Quotas)
}
