// Package app wires configuration, storage, providers and pipeline stages
// into ready-to-run components shared by the CLI and the Lambda handlers.
package app

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dwsmith1983/tridx/internal/alert"
	"github.com/dwsmith1983/tridx/internal/calc"
	"github.com/dwsmith1983/tridx/internal/calendar"
	"github.com/dwsmith1983/tridx/internal/completeness"
	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/internal/impute"
	"github.com/dwsmith1983/tridx/internal/ingest"
	"github.com/dwsmith1983/tridx/internal/orchestrator"
	"github.com/dwsmith1983/tridx/internal/provider"
	"github.com/dwsmith1983/tridx/internal/reconcile"
	"github.com/dwsmith1983/tridx/internal/schedule"
	"github.com/dwsmith1983/tridx/internal/secrets"
	"github.com/dwsmith1983/tridx/internal/status"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/internal/store/postgres"
	"github.com/dwsmith1983/tridx/internal/store/redis"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Env is a loaded configuration with its open store.
type Env struct {
	Config *types.ProjectConfig
	Store  store.Store
	Logger *slog.Logger

	secrets secrets.SecretsAPI
	close   func()
}

// Option configures an Env.
type Option func(*Env)

// WithSecretsClient replaces the Secrets Manager client used to resolve
// provider keys.
func WithSecretsClient(c secrets.SecretsAPI) Option {
	return func(e *Env) { e.secrets = c }
}

// Open loads the configuration at path and connects to Postgres, wrapping the
// store with the Redis coordinator when coordination is redis.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("index", cfg.Index.Name)

	pg, err := postgres.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connecting to Postgres: %w", err)
	}
	e := &Env{Config: cfg, Store: pg, Logger: logger, close: pg.Close}
	for _, o := range opts {
		o(e)
	}

	if cfg.Coordination == types.CoordinationRedis {
		coord := redis.New(cfg.Redis)
		if err := coord.Ping(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		e.Store = store.WithCoordinator(pg, coord)
		e.close = func() {
			_ = coord.Close()
			pg.Close()
		}
	}
	return e, nil
}

// NewEnv wraps an already open store. Close is a no-op.
func NewEnv(cfg *types.ProjectConfig, s store.Store, logger *slog.Logger, opts ...Option) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Env{Config: cfg, Store: s, Logger: logger, close: func() {}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close releases the store connections.
func (e *Env) Close() { e.close() }

// Fetchers builds one budgeted client per configured provider, resolving API
// keys from Secrets Manager where needed.
func (e *Env) Fetchers(ctx context.Context) ([]*provider.Budgeted, error) {
	if secrets.Needed(e.Config.Providers) {
		if err := secrets.NewResolver(e.secrets).ResolveProviders(ctx, e.Config.Providers); err != nil {
			return nil, fmt.Errorf("resolving provider keys: %w", err)
		}
	}
	return e.Budgets(), nil
}

// Budgets builds the budgeted clients without resolving keys, enough for
// reading quota headroom.
func (e *Env) Budgets() []*provider.Budgeted {
	out := make([]*provider.Budgeted, 0, len(e.Config.Providers))
	for _, p := range e.Config.Providers {
		out = append(out, provider.NewBudgeted(provider.NewHTTPClient(p), e.Store, p, e.Logger))
	}
	return out
}

// QuotaReporters adapts budgeted clients for the status report.
func QuotaReporters(budgeted []*provider.Budgeted) []status.QuotaReporter {
	out := make([]status.QuotaReporter, len(budgeted))
	for i, b := range budgeted {
		out[i] = b
	}
	return out
}

// CalendarManager builds the calendar stage around the reference provider.
func (e *Env) CalendarManager(budgeted []*provider.Budgeted) (*calendar.Manager, error) {
	reg := calendar.NewRegistry()
	if err := reg.LoadDirs(e.Config.Calendar.CalendarDirs); err != nil {
		return nil, fmt.Errorf("loading calendars: %w", err)
	}
	sessions, err := reg.Sessions(e.Config.Calendar.HolidayCalendar)
	if err != nil {
		return nil, err
	}
	var ref *provider.Budgeted
	for _, b := range budgeted {
		if b.Name() == e.Config.Calendar.ReferenceProvider {
			ref = b
		}
	}
	if ref == nil {
		return nil, fmt.Errorf("reference provider %q not configured", e.Config.Calendar.ReferenceProvider)
	}
	return calendar.NewManager(e.Store, ref, sessions, e.Config.Calendar, e.Logger), nil
}

// Dispatcher builds the configured alert sinks.
func (e *Env) Dispatcher() (*alert.Dispatcher, error) {
	d, err := alert.NewDispatcher(e.Config.Alerts, e.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating alert dispatcher: %w", err)
	}
	return d, nil
}

// Ingestor builds the ingest stage.
func (e *Env) Ingestor(budgeted []*provider.Budgeted) *ingest.Ingestor {
	fetchers := make([]ingest.Fetcher, len(budgeted))
	for i, b := range budgeted {
		fetchers[i] = b
	}
	return ingest.New(e.Store, fetchers, e.Config.Index.Tickers, e.Logger, e.ReconcileSettings()...)
}

// Orchestrator wires every stage for a pipeline run.
func (e *Env) Orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	budgeted, err := e.Fetchers(ctx)
	if err != nil {
		return nil, err
	}
	cal, err := e.CalendarManager(budgeted)
	if err != nil {
		return nil, err
	}
	calculator, err := calc.New(e.Store, e.Config.Index, e.Logger)
	if err != nil {
		return nil, err
	}
	d, err := e.Dispatcher()
	if err != nil {
		return nil, err
	}
	opts := []orchestrator.Option{orchestrator.WithAlerts(d)}
	if e.Config.Orchestrator.HealthBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		opts = append(opts, orchestrator.WithHealthPublisher(s3.NewFromConfig(awsCfg)))
	}

	return orchestrator.New(e.Store, orchestrator.Stages{
		Calendar:     cal,
		Ingest:       e.Ingestor(budgeted),
		Completeness: completeness.New(e.Store, d, orchestrator.JobName, e.Logger),
		Impute:       impute.New(e.Store, e.Logger),
		Calc:         calculator,
	}, *e.Config, e.Logger, opts...), nil
}

// ReconcileSettings configures a reconciler from the provider list.
func (e *Env) ReconcileSettings() []reconcile.Setting {
	return []reconcile.Setting{reconcile.WithPriority(reconcile.Priorities(e.Config.Providers))}
}

// UnderLock runs fn while holding the pipeline lock. It reports false without
// calling fn when another process holds the lock.
func (e *Env) UnderLock(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	key := schedule.LockKey(e.Config.Orchestrator.LockKey, e.Config.Index.Name)
	maxRuntime := config.MustDuration(e.Config.Orchestrator.MaxRuntime, config.DefaultMaxRuntime)
	ok, err := e.Store.AcquireLock(ctx, key, maxRuntime)
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := e.Store.ReleaseLock(context.WithoutCancel(ctx), key); err != nil {
			e.Logger.Error("releasing lock", "error", err)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, maxRuntime)
	defer cancel()
	return true, fn(ctx)
}
