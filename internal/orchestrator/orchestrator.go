// Package orchestrator runs the pipeline stages in order under the
// single-instance lock, records the run in the job-run log and always leaves a
// health snapshot behind.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dwsmith1983/tridx/internal/alert"
	"github.com/dwsmith1983/tridx/internal/calc"
	"github.com/dwsmith1983/tridx/internal/calendar"
	"github.com/dwsmith1983/tridx/internal/completeness"
	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/internal/impute"
	"github.com/dwsmith1983/tridx/internal/ingest"
	"github.com/dwsmith1983/tridx/internal/lifecycle"
	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/schedule"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/telemetry"
	"github.com/dwsmith1983/tridx/internal/watchdog"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// JobName is the job-run name of a pipeline invocation.
const JobName = "pipeline"

// lockSlack keeps the lock alive a little past the runtime ceiling.
const lockSlack = 5 * time.Minute

// CalendarStage advances the trading calendar.
type CalendarStage interface {
	Expected() time.Time
	Run(ctx context.Context) (calendar.Result, error)
}

// IngestStage fetches and reconciles prices.
type IngestStage interface {
	Run(ctx context.Context, opts ingest.Options) (ingest.Result, error)
}

// CompletenessStage verifies coverage.
type CompletenessStage interface {
	Check(ctx context.Context, opts completeness.Options) (*completeness.Report, error)
}

// ImputeStage builds the carry-forward overlay.
type ImputeStage interface {
	Build(ctx context.Context, r types.DateRange) (*impute.Overlay, error)
}

// CalcStage calculates index days.
type CalcStage interface {
	Pending(ctx context.Context) (types.DateRange, []time.Time, error)
	Run(ctx context.Context, opts calc.Options) (calc.Result, error)
}

// Stages bundles the stage implementations.
type Stages struct {
	Calendar     CalendarStage
	Ingest       IngestStage
	Completeness CompletenessStage
	Impute       ImputeStage
	Calc         CalcStage
}

// Options controls one invocation.
type Options struct {
	// Restart enters every stage regardless of its target max date and
	// re-fetches the ingestion window in full.
	Restart bool
}

// StageOutcome is what one stage did.
type StageOutcome struct {
	Stage    types.Stage
	Ran      bool
	Outcome  string
	Duration time.Duration
	Err      error
}

// Outcome is the result of one invocation.
type Outcome struct {
	RunID   string
	Status  types.JobStatus
	Aborted bool
	Path    []types.Stage
	Stages  []StageOutcome
	Health  types.HealthSnapshot
}

// Orchestrator sequences the stages.
type Orchestrator struct {
	store    store.Store
	stages   Stages
	cfg      types.ProjectConfig
	alerts   *alert.Dispatcher
	s3       alert.S3API
	logger   *slog.Logger
	now      func() time.Time
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAlerts routes run failures to d.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerts = d }
}

// WithHealthPublisher publishes each health snapshot to the configured bucket.
func WithHealthPublisher(c alert.S3API) Option {
	return func(o *Orchestrator) { o.s3 = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(s store.Store, stages Stages, cfg types.ProjectConfig, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:  s,
		stages: stages,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(telemetry.InstrumentationName),
	}
	for _, opt := range opts {
		opt(o)
	}
	hist, err := otel.Meter(telemetry.InstrumentationName).Float64Histogram("tridx.stage.duration",
		metric.WithUnit("s"), metric.WithDescription("Pipeline stage wall time"))
	if err != nil {
		logger.Warn("stage duration histogram unavailable", "error", err)
	}
	o.duration = hist
	return o
}

// LockKey returns the advisory lock key of this index.
func (o *Orchestrator) LockKey() string {
	return schedule.LockKey(o.cfg.Orchestrator.LockKey, o.cfg.Index.Name)
}

// Plan reports which stages would run now. It takes no lock and writes nothing.
func (o *Orchestrator) Plan(ctx context.Context, opts Options) ([]PlanEntry, types.TableMaxDates, error) {
	maxes, err := o.store.TableMaxDates(ctx)
	if err != nil {
		return nil, maxes, fmt.Errorf("reading table max dates: %w", err)
	}
	expected := o.stages.Calendar.Expected()
	plan := make([]PlanEntry, 0, len(types.WorkStages()))
	for _, st := range types.WorkStages() {
		calMax, target := targets(st, maxes, expected)
		plan = append(plan, PlanEntry{
			Stage:       st,
			NeedsRun:    NeedsRun(st, calMax, target, opts.Restart),
			CalendarMax: calMax,
			TargetMax:   target,
		})
	}
	return plan, maxes, nil
}

// run carries the state of one invocation between stages.
type run struct {
	opts     Options
	machine  *lifecycle.Machine
	out      *Outcome
	health   types.HealthSnapshot
	maxes    types.TableMaxDates
	pending  types.DateRange
	through  time.Time
	blocked  bool
	overlay  *impute.Overlay
	failures []string
	// unlogged is set when the STARTED job run row could not be written.
	unlogged bool
}

// errEarlyExit ends a run successfully before its remaining stages.
var errEarlyExit = errors.New("early exit")

// Run executes one pipeline invocation. A held lock is not an error: the
// outcome is ABORTED and nothing is written. The returned error is reserved for
// failures before the first stage; stage failures are reported through the
// outcome's ERROR status.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Outcome, error) {
	r := &run{
		opts:    opts,
		machine: lifecycle.NewMachine(),
		out:     &Outcome{},
	}
	maxRuntime := config.MustDuration(o.cfg.Orchestrator.MaxRuntime, config.DefaultMaxRuntime)

	key := o.LockKey()
	ok, err := o.store.AcquireLock(ctx, key, maxRuntime+lockSlack)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		metrics.LockContention.Add(1)
		_ = r.machine.Advance(types.StageAborted)
		r.out.Aborted = true
		r.out.Path = r.machine.Path()
		o.logger.Info("already running, exiting", "lock", key)
		return r.out, nil
	}
	defer func() {
		if err := o.store.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
			o.logger.Error("releasing lock", "lock", key, "error", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, maxRuntime)
	defer cancel()

	started := o.now().UTC()
	r.out.RunID = NewRunID(started)
	logger := o.logger.With("runId", r.out.RunID)
	err = o.store.InsertJobRun(ctx, types.JobRun{
		RunID:     r.out.RunID,
		JobName:   JobName,
		Status:    types.JobStarted,
		StartedAt: started,
	})
	switch {
	case errors.Is(err, store.ErrDuplicateRun):
		logger.Warn("job run already recorded", "error", err)
	case err != nil:
		// Stage skips follow table state, so the run goes ahead without its log row.
		logger.Error("recording job run", "error", err)
		r.unlogged = true
	}

	if _, err := watchdog.CheckStaleRuns(ctx, watchdog.CheckOptions{
		Store:   o.store,
		AlertFn: o.alerts.Dispatch,
		Logger:  logger,
		Now:     started,
		After:   config.MustDuration(o.cfg.Orchestrator.StaleRunAfter, config.DefaultStaleRunAfter),
		Skip:    r.out.RunID,
	}); err != nil {
		logger.Warn("stale run sweep failed", "error", err)
	}

	r.health = types.HealthSnapshot{
		RunID:          r.out.RunID,
		StageDurations: make(map[types.Stage]time.Duration),
		StageOutcomes:  make(map[types.Stage]string),
	}
	r.maxes, err = o.store.TableMaxDates(ctx)
	if err != nil {
		r.failures = append(r.failures, fmt.Sprintf("reading table max dates: %v", err))
	} else {
		o.walk(ctx, r, logger)
	}

	if !lifecycle.IsTerminal(r.machine.Current()) {
		_ = r.machine.Advance(types.StageDone)
	}
	r.out.Path = r.machine.Path()
	r.out.Status = types.JobOK
	if len(r.failures) > 0 {
		r.out.Status = types.JobError
	}
	o.finish(ctx, r, logger)
	return r.out, nil
}

func (o *Orchestrator) walk(ctx context.Context, r *run, logger *slog.Logger) {
	steps := map[types.Stage]func(context.Context, *run) (string, error){
		types.StageCalendar:     o.runCalendar,
		types.StageIngest:       o.runIngest,
		types.StageCompleteness: o.runCompleteness,
		types.StageImpute:       o.runImpute,
		types.StageCalc:         o.runCalc,
	}
	expected := o.stages.Calendar.Expected()

	for _, st := range types.WorkStages() {
		if err := r.machine.Advance(st); err != nil {
			r.failures = append(r.failures, err.Error())
			return
		}
		calMax, target := targets(st, r.maxes, expected)
		so := StageOutcome{Stage: st}
		if !NeedsRun(st, calMax, target, r.opts.Restart) {
			so.Outcome = "skipped: up to date"
			o.record(r, so)
			logger.Debug("stage skipped", "stage", st, "target", types.FormatDate(target))
			continue
		}

		sctx, span := o.tracer.Start(ctx, string(st), trace.WithAttributes(attribute.String("stage", string(st))))
		begin := time.Now()
		so.Ran = true
		outcome, err := steps[st](sctx, r)
		early := errors.Is(err, errEarlyExit)
		so.Outcome, so.Duration = outcome, time.Since(begin)
		if !early {
			so.Err = err
		}
		if o.duration != nil {
			o.duration.Record(sctx, so.Duration.Seconds(), metric.WithAttributes(attribute.String("stage", string(st))))
		}
		if so.Err != nil {
			span.RecordError(so.Err)
			span.SetStatus(codes.Error, so.Err.Error())
		}
		span.End()
		o.record(r, so)

		if maxes, err := o.store.TableMaxDates(ctx); err == nil {
			r.maxes = maxes
		}

		switch {
		case early:
			logger.Info("stopping early", "stage", st, "outcome", so.Outcome)
			_ = r.machine.Advance(types.StageDone)
			return
		case so.Err != nil:
			metrics.StageFailures.Add(1)
			r.failures = append(r.failures, fmt.Sprintf("%s: %v", st, so.Err))
			logger.Error("stage failed", "stage", st, "duration", so.Duration, "error", so.Err)
			if !o.continueAfter(st, r) {
				_ = r.machine.Advance(types.StageDone)
				return
			}
		default:
			logger.Info("stage finished", "stage", st, "duration", so.Duration, "outcome", so.Outcome)
		}
	}
}

// continueAfter decides whether later stages may still run after st failed.
// Failed completeness or imputation only narrow the days the calculator may touch.
func (o *Orchestrator) continueAfter(st types.Stage, r *run) bool {
	switch st {
	case types.StageCompleteness, types.StageImpute:
		return !r.blocked
	}
	return false
}

func (o *Orchestrator) record(r *run, so StageOutcome) {
	r.out.Stages = append(r.out.Stages, so)
	r.health.StageDurations[so.Stage] = so.Duration
	outcome := so.Outcome
	if so.Err != nil {
		outcome = "error: " + so.Err.Error()
	}
	r.health.StageOutcomes[so.Stage] = outcome
}

func (o *Orchestrator) runCalendar(ctx context.Context, r *run) (string, error) {
	res, err := o.stages.Calendar.Run(ctx)
	if errors.Is(err, calendar.ErrBehindProvider) {
		r.health.CalendarBehindProvider = true
		return fmt.Sprintf("behind provider by %d sessions", res.Lag), nil
	}
	if err != nil {
		return "", err
	}
	if res.BudgetExhausted {
		return "budget exhausted", errEarlyExit
	}
	if res.Skipped {
		return "current", nil
	}
	return fmt.Sprintf("added %d days, max %s", len(res.Added), types.FormatDate(res.Max)), nil
}

func (o *Orchestrator) runIngest(ctx context.Context, r *run) (string, error) {
	res, err := o.stages.Ingest.Run(ctx, ingest.Options{MissingOnly: !r.opts.Restart})
	if err != nil {
		return "", err
	}
	summary := fmt.Sprintf("%d days, %d calls, %d canonical written", res.Days, res.CallsUsed(), res.Reconciled.Written)
	if res.BudgetExhausted {
		r.health.BudgetExhausted = true
		return summary + ", budget exhausted", errEarlyExit
	}
	return summary, nil
}

func (o *Orchestrator) runCompleteness(ctx context.Context, r *run) (string, error) {
	pending, days, err := o.stages.Calc.Pending(ctx)
	if err != nil {
		r.blocked = true
		return "", err
	}
	r.pending = pending
	if len(days) == 0 {
		return "no pending days", nil
	}
	rep, err := o.stages.Completeness.Check(ctx, completeness.Options{
		Range:            pending,
		MinDailyCoverage: o.cfg.Completeness.MinDailyCoverage,
		MaxBadDays:       o.cfg.Completeness.MaxBadDays,
	})
	if err != nil {
		r.blocked = true
		return "", err
	}
	r.health.IncompleteDays = len(rep.BadDays)
	summary := fmt.Sprintf("%d days checked, %d below coverage", len(rep.Days), len(rep.BadDays))
	if rep.Passed {
		return summary, nil
	}
	first := rep.FirstBadDay()
	r.through = first.AddDate(0, 0, -1)
	if !first.After(pending.Start) {
		r.blocked = true
	}
	return summary, fmt.Errorf("completeness failed from %s", types.FormatDate(first))
}

func (o *Orchestrator) runImpute(ctx context.Context, r *run) (string, error) {
	if r.pending.Empty() {
		pending, _, err := o.stages.Calc.Pending(ctx)
		if err != nil {
			r.blocked = true
			return "", err
		}
		r.pending = pending
	}
	if r.pending.Empty() {
		return "no pending days", nil
	}
	rng := r.pending
	if !r.through.IsZero() && r.through.Before(rng.End) {
		rng.End = r.through
	}
	ov, err := o.stages.Impute.Build(ctx, rng)
	r.overlay = ov
	if err != nil {
		var de *impute.DataError
		switch {
		case !errors.As(err, &de), ov.Through.IsZero():
			r.blocked = true
		case r.through.IsZero() || ov.Through.Before(r.through):
			r.through = ov.Through
		}
		return "", err
	}
	return fmt.Sprintf("%d prices imputed", ov.Len()), nil
}

func (o *Orchestrator) runCalc(ctx context.Context, r *run) (string, error) {
	res, err := o.stages.Calc.Run(ctx, calc.Options{Overlay: r.overlay, Through: r.through})
	if err != nil {
		return "", err
	}
	if res.Calculated == 0 {
		return "no days calculated", nil
	}
	return fmt.Sprintf("%d days calculated, level %.6f on %s", res.Calculated, res.Last.LevelTR,
		types.FormatDate(res.Last.TradeDate)), nil
}

// finish closes the job run, writes the health snapshot and raises an alert
// on failure. It runs even after the runtime ceiling expired.
func (o *Orchestrator) finish(ctx context.Context, r *run, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.DefaultTimeout)
	defer cancel()

	ended := o.now().UTC()
	detail := ""
	if len(r.failures) > 0 {
		detail = r.failures[0]
		if len(r.failures) > 1 {
			detail = fmt.Sprintf("%s (+%d more)", detail, len(r.failures)-1)
		}
	}
	if !r.unlogged {
		if err := o.store.FinishJobRun(ctx, r.out.RunID, r.out.Status, ended, detail); err != nil {
			logger.Error("closing job run", "error", err)
		}
	}

	if maxes, err := o.store.TableMaxDates(ctx); err == nil {
		r.maxes = maxes
	}
	r.health.Status = r.out.Status
	r.health.UpdatedAt = ended
	r.health.MaxDates = r.maxes
	r.health.LastError = detail
	if next := ingest.NextMissingDay(r.maxes); !r.maxes.Calendar.IsZero() {
		days, err := o.store.ListTradingDays(ctx, types.DateRange{Start: next})
		if err == nil && len(days) > 0 {
			r.health.NextMissingTradingDay = days[0]
		}
	}
	r.out.Health = r.health

	if err := o.store.PutHealth(ctx, r.health); err != nil {
		logger.Error("storing health snapshot", "error", err)
	}
	path := o.cfg.Orchestrator.HealthPath
	if path == "" {
		path = config.DefaultHealthPath
	}
	if err := WriteHealthFile(path, r.health); err != nil {
		logger.Error("writing health file", "path", path, "error", err)
	}
	if o.s3 != nil && o.cfg.Orchestrator.HealthBucket != "" {
		if err := PublishHealth(ctx, o.s3, o.cfg.Orchestrator.HealthBucket, filepath.Base(path), r.health); err != nil {
			logger.Error("publishing health", "error", err)
		}
	}

	if r.out.Status == types.JobError {
		o.alerts.Dispatch(ctx, types.Alert{
			Level:     types.AlertLevelError,
			Job:       JobName,
			Message:   "pipeline run failed: " + detail,
			Details:   map[string]interface{}{"runId": r.out.RunID},
			Timestamp: ended,
		})
	}
	logger.Info("pipeline finished", "status", r.out.Status, "path", r.out.Path)
}
