package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// Job is one scheduled firing. Errors are logged; the daemon keeps running.
type Job func(ctx context.Context) error

// Daemon fires a job on a cron cadence until its context is cancelled. A firing
// that arrives while the previous one is still running is skipped.
type Daemon struct {
	cron   *cron.Cron
	sched  cron.Schedule
	loc    *time.Location
	job    Job
	logger *slog.Logger
}

// ParseSchedule parses a standard five-field cron expression (descriptors such
// as @daily are accepted) in the given IANA timezone, UTC when empty.
func ParseSchedule(cfg types.ScheduleConfig) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	sched, err := cron.ParseStandard(cfg.Cron)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Cron, err)
	}
	return sched, loc, nil
}

// NextRuns returns the next n firing times after from.
func NextRuns(cfg types.ScheduleConfig, from time.Time, n int) ([]time.Time, error) {
	sched, loc, err := ParseSchedule(cfg)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		out = append(out, t)
	}
	return out, nil
}

// NewDaemon creates a daemon for cfg.
func NewDaemon(cfg types.ScheduleConfig, job Job, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, loc, err := ParseSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cron:   cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sched:  sched,
		loc:    loc,
		job:    job,
		logger: logger,
	}, nil
}

// Run blocks until ctx is cancelled, then waits for an in-flight firing to finish.
func (d *Daemon) Run(ctx context.Context) error {
	d.cron.Schedule(d.sched, cron.FuncJob(func() {
		start := time.Now()
		d.logger.Info("scheduled run starting")
		if err := d.job(ctx); err != nil {
			d.logger.Error("scheduled run failed", "error", err, "elapsed", time.Since(start))
			return
		}
		d.logger.Info("scheduled run finished", "elapsed", time.Since(start))
	}))

	d.cron.Start()
	d.logger.Info("scheduler started", "next", d.sched.Next(time.Now().In(d.loc)))

	<-ctx.Done()
	<-d.cron.Stop().Done()
	d.logger.Info("scheduler stopped")
	return nil
}
