// Package watchdog closes job runs that were left STARTED by a process that
// died or was killed before it could record an outcome. Such runs would
// otherwise look in-flight forever in the audit log and the status API.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

const defaultInterval = 5 * time.Minute

// AbandonedDetail is the error detail written on swept runs.
const AbandonedDetail = "abandoned: exceeded runtime ceiling"

// StaleRun records one run the sweeper closed.
type StaleRun struct {
	RunID   string
	JobName string
	Age     time.Duration
}

// CheckOptions configures a single sweep.
type CheckOptions struct {
	Store   store.Store
	AlertFn func(context.Context, types.Alert)
	Logger  *slog.Logger
	Now     time.Time     // injectable for testing
	After   time.Duration // defaults to config.DefaultStaleRunAfter
	// Skip is a run id never swept, normally the caller's own run.
	Skip string
}

// CheckStaleRuns marks every STARTED run older than opts.After as ERROR.
func CheckStaleRuns(ctx context.Context, opts CheckOptions) ([]StaleRun, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.After <= 0 {
		opts.After = config.DefaultStaleRunAfter
	}

	runs, err := opts.Store.ListStartedBefore(ctx, opts.Now.Add(-opts.After))
	if err != nil {
		return nil, fmt.Errorf("listing started runs: %w", err)
	}

	var stale []StaleRun
	for _, run := range runs {
		if ctx.Err() != nil {
			return stale, ctx.Err()
		}
		if run.RunID == opts.Skip || run.Status != types.JobStarted {
			continue
		}
		if err := opts.Store.FinishJobRun(ctx, run.RunID, types.JobError, opts.Now.UTC(), AbandonedDetail); err != nil {
			opts.Logger.Error("watchdog: failed to close stale run", "runId", run.RunID, "error", err)
			continue
		}
		age := opts.Now.Sub(run.StartedAt)
		metrics.RunsAbandoned.Add(1)
		opts.Logger.Warn("watchdog: stale run closed", "runId", run.RunID, "job", run.JobName,
			"age", age.Truncate(time.Second))

		if opts.AlertFn != nil {
			opts.AlertFn(ctx, types.Alert{
				Level:   types.AlertLevelWarning,
				Job:     run.JobName,
				Message: fmt.Sprintf("run %s abandoned after %s", run.RunID, age.Truncate(time.Second)),
				Details: map[string]interface{}{
					"runId":     run.RunID,
					"startedAt": run.StartedAt.UTC().Format(time.RFC3339),
				},
				Timestamp: opts.Now,
			})
		}
		stale = append(stale, StaleRun{RunID: run.RunID, JobName: run.JobName, Age: age})
	}
	return stale, nil
}

// Watchdog runs CheckStaleRuns on an interval, for long-lived processes.
type Watchdog struct {
	store    store.Store
	alertFn  func(context.Context, types.Alert)
	logger   *slog.Logger
	after    time.Duration
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new Watchdog.
func New(s store.Store, alertFn func(context.Context, types.Alert), logger *slog.Logger, after, interval time.Duration) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Watchdog{
		store:    s,
		alertFn:  alertFn,
		logger:   logger,
		after:    after,
		interval: interval,
	}
}

// Start begins the polling loop.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("watchdog started", "interval", w.interval)
}

// Stop signals the loop to stop and waits for it to finish.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("watchdog stopped")
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watchdog) scan(ctx context.Context) {
	_, err := CheckStaleRuns(ctx, CheckOptions{
		Store:   w.store,
		AlertFn: w.alertFn,
		Logger:  w.logger,
		After:   w.after,
	})
	if err != nil && ctx.Err() == nil {
		w.logger.Error("watchdog: sweep failed", "error", err)
	}
}
