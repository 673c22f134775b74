// Package metrics exposes runtime counters via expvar.
package metrics

import "expvar"

var (
	ProviderCalls     = expvar.NewInt("provider_calls_total")
	ProviderErrors    = expvar.NewInt("provider_errors")
	ProviderThrottled = expvar.NewInt("provider_throttled")
	BudgetExhaustions = expvar.NewInt("budget_exhaustions")
	RawRowsWritten    = expvar.NewInt("raw_rows_written")
	CanonicalWrites   = expvar.NewInt("canonical_writes")
	TradingDaysAdded  = expvar.NewInt("trading_days_added")
	IncompleteDays    = expvar.NewInt("incomplete_days")
	Imputations       = expvar.NewInt("imputations")
	LevelsWritten     = expvar.NewInt("levels_written")
	StageFailures     = expvar.NewInt("stage_failures")
	LockContention    = expvar.NewInt("lock_contention")
	AlertsDispatched  = expvar.NewInt("alerts_dispatched")
	AlertsFailed      = expvar.NewInt("alerts_failed")
	RunsAbandoned     = expvar.NewInt("runs_abandoned")
	RenamesApplied    = expvar.NewInt("renames_applied")
	OutcomesPublished = expvar.NewInt("outcomes_published")
)
