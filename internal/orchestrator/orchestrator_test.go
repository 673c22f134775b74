package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dwsmith1983/tridx/internal/calc"
	"github.com/dwsmith1983/tridx/internal/calendar"
	"github.com/dwsmith1983/tridx/internal/completeness"
	"github.com/dwsmith1983/tridx/internal/impute"
	"github.com/dwsmith1983/tridx/internal/ingest"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/testutil"
	"github.com/dwsmith1983/tridx/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubCalendar struct {
	expected time.Time
	run      func(ctx context.Context) (calendar.Result, error)
	calls    int
}

func (c *stubCalendar) Expected() time.Time { return c.expected }

func (c *stubCalendar) Run(ctx context.Context) (calendar.Result, error) {
	c.calls++
	if c.run == nil {
		return calendar.Result{Skipped: true}, nil
	}
	return c.run(ctx)
}

type stubIngest struct {
	run   func(ctx context.Context, opts ingest.Options) (ingest.Result, error)
	calls int
	last  ingest.Options
}

func (i *stubIngest) Run(ctx context.Context, opts ingest.Options) (ingest.Result, error) {
	i.calls++
	i.last = opts
	if i.run == nil {
		return ingest.Result{}, nil
	}
	return i.run(ctx, opts)
}

// fixture is a two-day index: the calendar holds the first day with prices and
// the stub stages add the second day and its prices.
type fixture struct {
	store    *testutil.MemStore
	days     []time.Time
	calendar *stubCalendar
	ingest   *stubIngest
	cfg      types.ProjectConfig
}

func newFixture(t *testing.T, second map[string]float64) *fixture {
	t.Helper()
	s := testutil.NewMemStore()
	days := testutil.Days(t, "2026-01-05", "2026-01-06")
	testutil.SeedCalendar(t, s, days[0])
	testutil.SeedRebalance(t, s, days[0], map[string]float64{"A": 6, "B": 4})
	testutil.SeedPrices(t, s, days[0], map[string]float64{"A": 100, "B": 100})

	f := &fixture{
		store: s,
		days:  days,
		cfg: types.ProjectConfig{
			Index:        types.IndexConfig{Name: "test"},
			Completeness: types.CompletenessConfig{MinDailyCoverage: 1.0},
			Orchestrator: types.OrchestratorConfig{
				LockKey:    "tridx-pipeline",
				HealthPath: filepath.Join(t.TempDir(), "health.txt"),
			},
		},
	}
	f.calendar = &stubCalendar{
		expected: days[1],
		run: func(ctx context.Context) (calendar.Result, error) {
			added, err := s.AppendTradingDays(ctx, days[1:])
			if err != nil {
				return calendar.Result{}, err
			}
			return calendar.Result{Added: days[1:added+1], Max: days[1]}, nil
		},
	}
	f.ingest = &stubIngest{
		run: func(ctx context.Context, _ ingest.Options) (ingest.Result, error) {
			testutil.SeedPrices(t, s, days[1], second)
			return ingest.Result{Days: 1}, nil
		},
	}
	return f
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	calculator, err := calc.New(f.store, f.cfg.Index, nil)
	require.NoError(t, err)
	return New(f.store, Stages{
		Calendar:     f.calendar,
		Ingest:       f.ingest,
		Completeness: completeness.New(f.store, nil, JobName, nil),
		Impute:       impute.New(f.store, nil),
		Calc:         calculator,
	}, f.cfg, nil, WithClock(func() time.Time { return f.days[1].Add(22 * time.Hour) }))
}

func TestRun_FullPipeline(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102, "B": 99})
	ctx := context.Background()

	o := f.orchestrator(t)
	out, err := o.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobOK, out.Status)
	assert.False(t, out.Aborted)
	assert.Equal(t, []types.Stage{
		types.StageAcquireLock, types.StageCalendar, types.StageIngest,
		types.StageCompleteness, types.StageImpute, types.StageCalc, types.StageDone,
	}, out.Path)
	require.Len(t, out.Stages, 5)
	for _, so := range out.Stages {
		assert.True(t, so.Ran, "stage %s should run", so.Stage)
		assert.NoError(t, so.Err)
	}
	assert.True(t, f.ingest.last.MissingOnly)

	levels, err := f.store.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.InDelta(t, 1008.0, levels[1].LevelTR, 1e-9)

	runs, err := f.store.ListJobRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.RunID, runs[0].RunID)
	assert.Equal(t, types.JobOK, runs[0].Status)
	assert.NotNil(t, runs[0].EndedAt)

	health, err := f.store.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, out.RunID, health.RunID)
	assert.Equal(t, f.days[1], health.MaxDates.Levels)
	assert.False(t, f.store.LockHeld(o.LockKey()), "lock released")
}

func TestRun_LockHeldAborts(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102, "B": 99})
	ctx := context.Background()
	o := f.orchestrator(t)

	ok, err := f.store.AcquireLock(ctx, o.LockKey(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := o.Run(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, out.Aborted)
	assert.Equal(t, []types.Stage{types.StageAcquireLock, types.StageAborted}, out.Path)
	assert.Zero(t, f.calendar.calls)

	runs, err := f.store.ListJobRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "an aborted invocation records no job run")
	_, err = f.store.GetHealth(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, f.store.LockHeld(o.LockKey()), "the other holder keeps its lock")
}

func TestRun_CompletenessFailureStopsCalcBeforeBadDay(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102})
	ctx := context.Background()

	out, err := f.orchestrator(t).Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobError, out.Status)
	assert.Equal(t, types.StageDone, out.Path[len(out.Path)-1])

	levels, err := f.store.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	require.Len(t, levels, 1, "only the day before the first bad day is calculated")
	assert.Equal(t, f.days[0], levels[0].TradeDate)

	assert.Equal(t, 1, out.Health.IncompleteDays)
	assert.Contains(t, out.Health.LastError, "completeness failed from 2026-01-06")
	runs, err := f.store.ListJobRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.JobError, runs[0].Status)
}

func TestRun_BudgetExhaustedIsEarlyExit(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest.run = func(context.Context, ingest.Options) (ingest.Result, error) {
		return ingest.Result{BudgetExhausted: true}, nil
	}

	out, err := f.orchestrator(t).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobOK, out.Status)
	assert.Equal(t, []types.Stage{
		types.StageAcquireLock, types.StageCalendar, types.StageIngest, types.StageDone,
	}, out.Path)
	assert.True(t, out.Health.BudgetExhausted)
	assert.True(t, out.Health.MaxDates.Levels.IsZero())
}

func TestRun_UpToDateSkipsEveryStage(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102, "B": 99})
	ctx := context.Background()
	_, err := f.orchestrator(t).Run(ctx, Options{})
	require.NoError(t, err)
	f.calendar.calls, f.ingest.calls = 0, 0

	out, err := f.orchestrator(t).Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobOK, out.Status)
	assert.Zero(t, f.calendar.calls)
	assert.Zero(t, f.ingest.calls)
	for _, so := range out.Stages {
		assert.False(t, so.Ran, "stage %s", so.Stage)
		assert.Equal(t, "skipped: up to date", so.Outcome)
	}

	out, err = f.orchestrator(t).Run(ctx, Options{Restart: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.calendar.calls)
	assert.Equal(t, 1, f.ingest.calls)
	assert.False(t, f.ingest.last.MissingOnly, "restart re-fetches the window")
	assert.Equal(t, types.JobOK, out.Status)
}

func TestRun_DuplicateRunIDTolerated(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102, "B": 99})
	f.store.FailInsertRun = store.ErrDuplicateRun

	out, err := f.orchestrator(t).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobOK, out.Status)
	assert.Equal(t, types.StageDone, out.Path[len(out.Path)-1])
}

func TestRun_JobLogFailureContinues(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102, "B": 99})
	f.store.FailInsertRun = errors.New("connection refused")
	ctx := context.Background()
	o := f.orchestrator(t)

	out, err := o.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobOK, out.Status)
	assert.Equal(t, types.StageDone, out.Path[len(out.Path)-1])

	levels, err := f.store.ListLevels(ctx, types.DateRange{})
	require.NoError(t, err)
	assert.Len(t, levels, 2, "stages run without the job log row")

	runs, err := f.store.ListJobRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
	health, err := f.store.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, out.RunID, health.RunID)
	assert.False(t, f.store.LockHeld(o.LockKey()), "lock released")

	// The next run decides from table state and skips every stage.
	f.store.FailInsertRun = nil
	out, err = f.orchestrator(t).Run(ctx, Options{})
	require.NoError(t, err)
	for _, so := range out.Stages {
		assert.False(t, so.Ran, "stage %s", so.Stage)
	}
}

func TestRun_CalendarBehindProviderContinues(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102, "B": 99})
	next := f.calendar.run
	f.calendar.run = func(ctx context.Context) (calendar.Result, error) {
		res, err := next(ctx)
		if err != nil {
			return res, err
		}
		res.Lag = 4
		return res, calendar.ErrBehindProvider
	}

	out, err := f.orchestrator(t).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobOK, out.Status)
	assert.True(t, out.Health.CalendarBehindProvider)
	assert.Equal(t, "behind provider by 4 sessions", out.Health.StageOutcomes[types.StageCalendar])
	assert.Equal(t, 1, f.ingest.calls)
}

func TestRun_StageErrorStopsRun(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest.run = func(context.Context, ingest.Options) (ingest.Result, error) {
		return ingest.Result{}, errors.New("reconciling: disk full")
	}

	out, err := f.orchestrator(t).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.JobError, out.Status)
	assert.Equal(t, []types.Stage{
		types.StageAcquireLock, types.StageCalendar, types.StageIngest, types.StageDone,
	}, out.Path)
	assert.Equal(t, "error: reconciling: disk full", out.Health.StageOutcomes[types.StageIngest])
}

func TestRun_WritesHealthFile(t *testing.T) {
	f := newFixture(t, map[string]float64{"A": 102, "B": 99})

	out, err := f.orchestrator(t).Run(context.Background(), Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(f.cfg.Orchestrator.HealthPath)
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "run_id="+out.RunID+"\n")
	assert.Contains(t, body, "status=OK\n")
	assert.Contains(t, body, "max_levels=2026-01-06\n")
	assert.Contains(t, body, "stage.run_calc.outcome=")
	lines := strings.Split(strings.TrimSpace(body), "\n")
	assert.IsNonDecreasing(t, lines, "keys are sorted")
}

func TestPlan(t *testing.T) {
	f := newFixture(t, nil)
	plan, maxes, err := f.orchestrator(t).Plan(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, f.days[0], maxes.Calendar)
	require.Len(t, plan, 5)
	for _, p := range plan {
		assert.True(t, p.NeedsRun, "stage %s", p.Stage)
	}
	assert.Equal(t, f.days[1], plan[0].CalendarMax)

	runs, err := f.store.ListJobRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs, "planning writes nothing")
}

func TestNeedsRun(t *testing.T) {
	d := func(s string) time.Time { return testutil.Day(t, s) }
	tests := []struct {
		name    string
		stage   types.Stage
		cal     time.Time
		target  time.Time
		restart bool
		want    bool
	}{
		{"behind", types.StageCalc, d("2026-01-06"), d("2026-01-05"), false, true},
		{"caught up", types.StageCalc, d("2026-01-06"), d("2026-01-06"), false, false},
		{"empty target", types.StageIngest, d("2026-01-06"), time.Time{}, false, true},
		{"restart", types.StageImpute, d("2026-01-06"), d("2026-01-06"), true, true},
		{"ahead", types.StageCompleteness, d("2026-01-05"), d("2026-01-06"), false, false},
		{"terminal stage", types.StageDone, d("2026-01-06"), time.Time{}, true, false},
		{"lock stage", types.StageAcquireLock, d("2026-01-06"), time.Time{}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsRun(tt.stage, tt.cal, tt.target, tt.restart))
		})
	}
}

func TestNewRunID_Monotonic(t *testing.T) {
	at := time.Date(2026, 1, 6, 22, 0, 0, 0, time.UTC)
	a, b := NewRunID(at), NewRunID(at)
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
