package types

// ProjectConfig represents the top-level tridx.yaml configuration.
type ProjectConfig struct {
	Database     DatabaseConfig     `yaml:"database"`
	Coordination Coordination       `yaml:"coordination,omitempty"`
	Redis        *RedisConfig       `yaml:"redis,omitempty"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Calendar     CalendarConfig     `yaml:"calendar"`
	Index        IndexConfig        `yaml:"index"`
	Completeness CompletenessConfig `yaml:"completeness"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Alerts       []AlertConfig      `yaml:"alerts,omitempty"`
	Telemetry    *TelemetryConfig   `yaml:"telemetry,omitempty"`
	Server       *ServerConfig      `yaml:"server,omitempty"`
	Schedule     *ScheduleConfig    `yaml:"schedule,omitempty"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns,omitempty"`
}

// RedisConfig holds Redis/Valkey connection settings used when coordination is redis.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// ProviderConfig describes one EOD price provider and its quota.
type ProviderConfig struct {
	Name         string       `yaml:"name" json:"name"`
	Kind         ProviderKind `yaml:"kind" json:"kind"`
	BaseURL      string       `yaml:"baseUrl" json:"baseUrl"`
	APIKey       string       `yaml:"apiKey,omitempty" json:"-"`
	APIKeySecret string       `yaml:"apiKeySecret,omitempty" json:"apiKeySecret,omitempty"` // Secrets Manager id
	DailyLimit   int          `yaml:"dailyLimit" json:"dailyLimit"`
	DailyBuffer  int          `yaml:"dailyBuffer,omitempty" json:"dailyBuffer,omitempty"`
	MinuteLimit  int          `yaml:"minuteLimit" json:"minuteLimit"`
	BatchSize    int          `yaml:"batchSize,omitempty" json:"batchSize,omitempty"`
	Timeout      string       `yaml:"timeout,omitempty" json:"timeout,omitempty"` // e.g. "30s"
	Priority     int          `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// CalendarConfig configures the trading calendar manager.
type CalendarConfig struct {
	ReferenceTicker   string   `yaml:"referenceTicker"`
	ReferenceProvider string   `yaml:"referenceProvider,omitempty"`
	HolidayCalendar   string   `yaml:"holidayCalendar,omitempty"`
	CalendarDirs      []string `yaml:"calendarDirs,omitempty"`
	MaxLagDays        int      `yaml:"maxLagDays,omitempty"`
	StartDate         string   `yaml:"startDate"` // "2006-01-02"
}

// IndexConfig describes the benchmark index and its calculation policies.
type IndexConfig struct {
	Name             string           `yaml:"name"`
	BaseLevel        float64          `yaml:"baseLevel,omitempty"`
	BaseDate         string           `yaml:"baseDate,omitempty"`
	Weighting        WeightingBasis   `yaml:"weighting,omitempty"`
	VolAnnualization VolAnnualization `yaml:"volAnnualization,omitempty"`
	Tickers          []string         `yaml:"tickers,omitempty"`
}

// CompletenessConfig holds the coverage thresholds.
type CompletenessConfig struct {
	MinDailyCoverage float64 `yaml:"minDailyCoverage"`
	MaxBadDays       int     `yaml:"maxBadDays"`
}

// OrchestratorConfig configures locking, runtime ceiling and the health artifact.
type OrchestratorConfig struct {
	LockKey       string `yaml:"lockKey,omitempty"`
	MaxRuntime    string `yaml:"maxRuntime,omitempty"`    // e.g. "45m"
	HealthPath    string `yaml:"healthPath,omitempty"`    // flat key=value file
	HealthBucket  string `yaml:"healthBucket,omitempty"`  // optional S3 publication
	StaleRunAfter string `yaml:"staleRunAfter,omitempty"` // e.g. "2h"
}

// AlertConfig defines an alert sink configuration.
type AlertConfig struct {
	Type       AlertType `yaml:"type" json:"type"`
	URL        string    `yaml:"url,omitempty" json:"url,omitempty"`
	Path       string    `yaml:"path,omitempty" json:"path,omitempty"`
	TopicARN   string    `yaml:"topicArn,omitempty" json:"topicArn,omitempty"`
	BucketName string    `yaml:"bucketName,omitempty" json:"bucketName,omitempty"`
	Prefix     string    `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	QueueURL   string    `yaml:"queueUrl,omitempty" json:"queueUrl,omitempty"`
	EventBus   string    `yaml:"eventBus,omitempty" json:"eventBus,omitempty"`
}

// TelemetryConfig enables OTLP export of traces and metrics.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
}

// ScheduleConfig drives the cron daemon.
type ScheduleConfig struct {
	Cron     string `yaml:"cron"`               // standard 5-field expression
	Timezone string `yaml:"timezone,omitempty"` // e.g. "America/New_York"
}

// Calendar defines a named set of exclusion days and dates.
type Calendar struct {
	Name  string   `yaml:"name" json:"name"`
	Days  []string `yaml:"days,omitempty" json:"days,omitempty"`   // "saturday", "sunday"
	Dates []string `yaml:"dates,omitempty" json:"dates,omitempty"` // "2025-12-25"
}
