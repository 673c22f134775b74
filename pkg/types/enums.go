// Package types defines the public domain types for the tridx benchmark index pipeline.
package types

// PriceStatus is the outcome of fetching one ticker/day from a provider.
type PriceStatus string

// PriceStatus values. OK always outranks ERROR.
const (
	PriceOK    PriceStatus = "OK"
	PriceError PriceStatus = "ERROR"
)

// CanonicalQuality describes how strongly the providers agree on a canonical price.
type CanonicalQuality string

// CanonicalQuality values.
const (
	QualityConsensus CanonicalQuality = "CONSENSUS"
	QualitySingle    CanonicalQuality = "SINGLE"
	QualityConflict  CanonicalQuality = "CONFLICT"
)

// PriceQuality marks whether a price used in the calculation was observed or imputed.
type PriceQuality string

// PriceQuality values.
const (
	PriceObserved PriceQuality = "observed"
	PriceImputed  PriceQuality = "imputed"
)

// JobStatus is the status of a JobRun audit row.
type JobStatus string

// JobStatus values.
const (
	JobStarted JobStatus = "STARTED"
	JobOK      JobStatus = "OK"
	JobError   JobStatus = "ERROR"
)

// Stage identifies one orchestrator state.
type Stage string

// Stage values, in the order the orchestrator walks them.
const (
	StageAcquireLock  Stage = "ACQUIRE_LOCK"
	StageCalendar     Stage = "RUN_CALENDAR"
	StageIngest       Stage = "RUN_INGEST"
	StageCompleteness Stage = "RUN_COMPLETENESS"
	StageImpute       Stage = "RUN_IMPUTE"
	StageCalc         Stage = "RUN_CALC"
	StageDone         Stage = "DONE"
	StageAborted      Stage = "ABORTED"
)

// WorkStages returns the data stages in execution order.
func WorkStages() []Stage {
	return []Stage{StageCalendar, StageIngest, StageCompleteness, StageImpute, StageCalc}
}

// FailureCategory classifies why a provider call failed.
type FailureCategory string

// FailureCategory values.
const (
	FailureTransient FailureCategory = "TRANSIENT"
	FailurePermanent FailureCategory = "PERMANENT"
	FailureTimeout   FailureCategory = "TIMEOUT"
	FailureThrottled FailureCategory = "THROTTLED"
	FailureBreaker   FailureCategory = "CIRCUIT_OPEN"
)

// ProviderKind selects the wire format of an EOD provider.
type ProviderKind string

// ProviderKind values.
const (
	// ProviderPerTicker serves one ticker per request: GET {base}/eod/{ticker}?from=&to=.
	ProviderPerTicker ProviderKind = "per-ticker"
	// ProviderMultiSymbol serves a symbol list per request: GET {base}/eod?symbols=A,B&date_from=&date_to=.
	ProviderMultiSymbol ProviderKind = "multi-symbol"
)

// WeightingBasis selects how constituent weights are derived.
type WeightingBasis string

// WeightingBasis values.
const (
	WeightMarketValue WeightingBasis = "market_value"
	WeightEqual       WeightingBasis = "equal"
)

// VolAnnualization selects the vol_20d scaling convention.
type VolAnnualization string

// VolAnnualization values.
const (
	VolRaw     VolAnnualization = "none"
	VolSqrt252 VolAnnualization = "sqrt252"
)

// Coordination selects the backend for the single-instance lock and quota counters.
type Coordination string

// Coordination values.
const (
	CoordinationPostgres Coordination = "postgres"
	CoordinationRedis    Coordination = "redis"
)

// AlertType defines the alert sink type.
type AlertType string

// AlertType values enumerate the supported alert sink backends.
const (
	AlertConsole     AlertType = "console"
	AlertWebhook     AlertType = "webhook"
	AlertFile        AlertType = "file"
	AlertSNS         AlertType = "sns"
	AlertS3          AlertType = "s3"
	AlertSQS         AlertType = "sqs"
	AlertEventBridge AlertType = "eventbridge"
)

// AlertLevel is the severity of an alert.
type AlertLevel string

// AlertLevel values.
const (
	AlertLevelError   AlertLevel = "error"
	AlertLevelWarning AlertLevel = "warning"
	AlertLevelInfo    AlertLevel = "info"
)
