// Package config handles loading and validation of tridx.yaml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
	"gopkg.in/yaml.v3"
)

// FileName is the project configuration file looked up when Load is given a directory.
const FileName = "tridx.yaml"

// Defaults applied when a setting is omitted.
const (
	DefaultBaseLevel     = 1000.0
	DefaultLockKey       = "tridx-pipeline"
	DefaultMaxRuntime    = 45 * time.Minute
	DefaultStaleRunAfter = 2 * time.Hour
	DefaultTimeout       = 30 * time.Second
	DefaultMaxLagDays    = 3
	DefaultBatchSize     = 50
	DefaultHealthPath    = "tridx-health.txt"
	DefaultServerAddr    = ":3000"
	DefaultServiceName   = "tridx"
)

// Load reads and parses tridx.yaml. path may name the file or the directory holding it.
// Environment overrides are applied before validation.
func Load(path string) (*types.ProjectConfig, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg types.ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// overrideFromEnv lets deployments keep credentials out of the YAML file.
func overrideFromEnv(cfg *types.ProjectConfig) {
	if v := os.Getenv("TRIDX_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TRIDX_REDIS_ADDR"); v != "" {
		if cfg.Redis == nil {
			cfg.Redis = &types.RedisConfig{}
		}
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TRIDX_HEALTH_PATH"); v != "" {
		cfg.Orchestrator.HealthPath = v
	}
	if v := os.Getenv("TRIDX_HEALTH_BUCKET"); v != "" {
		cfg.Orchestrator.HealthBucket = v
	}
	for i := range cfg.Providers {
		if v := os.Getenv(APIKeyEnv(cfg.Providers[i].Name)); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}
}

// APIKeyEnv returns the environment variable consulted for a provider's API key.
func APIKeyEnv(provider string) string {
	name := strings.ToUpper(provider)
	name = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	return "TRIDX_" + name + "_API_KEY"
}

func applyDefaults(cfg *types.ProjectConfig) {
	if cfg.Coordination == "" {
		cfg.Coordination = types.CoordinationPostgres
	}
	if cfg.Redis != nil && cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "tridx:"
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Kind == "" {
			p.Kind = types.ProviderPerTicker
		}
		if p.BatchSize <= 0 {
			p.BatchSize = DefaultBatchSize
		}
		if p.Kind == types.ProviderPerTicker {
			p.BatchSize = 1
		}
	}
	if cfg.Calendar.MaxLagDays <= 0 {
		cfg.Calendar.MaxLagDays = DefaultMaxLagDays
	}
	if cfg.Calendar.ReferenceProvider == "" && len(cfg.Providers) > 0 {
		cfg.Calendar.ReferenceProvider = cfg.Providers[0].Name
	}
	if cfg.Index.BaseLevel == 0 {
		cfg.Index.BaseLevel = DefaultBaseLevel
	}
	if cfg.Index.Weighting == "" {
		cfg.Index.Weighting = types.WeightMarketValue
	}
	if cfg.Index.VolAnnualization == "" {
		cfg.Index.VolAnnualization = types.VolRaw
	}
	if cfg.Completeness.MinDailyCoverage == 0 {
		cfg.Completeness.MinDailyCoverage = 1.0
	}
	if cfg.Orchestrator.LockKey == "" {
		cfg.Orchestrator.LockKey = DefaultLockKey
	}
	if cfg.Orchestrator.HealthPath == "" {
		cfg.Orchestrator.HealthPath = DefaultHealthPath
	}
	if cfg.Telemetry != nil && cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Server != nil && cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}

func validate(cfg *types.ProjectConfig) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch cfg.Coordination {
	case types.CoordinationPostgres:
	case types.CoordinationRedis:
		if cfg.Redis == nil || cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when coordination is redis")
		}
	default:
		return fmt.Errorf("unsupported coordination %q", cfg.Coordination)
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: baseUrl is required", p.Name)
		}
		if p.Kind != types.ProviderPerTicker && p.Kind != types.ProviderMultiSymbol {
			return fmt.Errorf("provider %s: unsupported kind %q", p.Name, p.Kind)
		}
		if p.DailyLimit <= 0 || p.MinuteLimit <= 0 {
			return fmt.Errorf("provider %s: dailyLimit and minuteLimit must be positive", p.Name)
		}
		if p.DailyBuffer < 0 || p.DailyBuffer >= p.DailyLimit {
			return fmt.Errorf("provider %s: dailyBuffer must be in [0, dailyLimit)", p.Name)
		}
		if _, err := ParseDuration(p.Timeout, DefaultTimeout); err != nil {
			return fmt.Errorf("provider %s: timeout: %w", p.Name, err)
		}
	}

	if cfg.Calendar.ReferenceTicker == "" {
		return fmt.Errorf("calendar.referenceTicker is required")
	}
	if !seen[cfg.Calendar.ReferenceProvider] {
		return fmt.Errorf("calendar.referenceProvider %q is not a configured provider", cfg.Calendar.ReferenceProvider)
	}
	if _, err := types.ParseDate(cfg.Calendar.StartDate); err != nil {
		return fmt.Errorf("calendar.startDate: %w", err)
	}

	if cfg.Index.Name == "" {
		return fmt.Errorf("index.name is required")
	}
	if cfg.Index.BaseLevel <= 0 {
		return fmt.Errorf("index.baseLevel must be positive")
	}
	if cfg.Index.BaseDate != "" {
		if _, err := types.ParseDate(cfg.Index.BaseDate); err != nil {
			return fmt.Errorf("index.baseDate: %w", err)
		}
	}
	switch cfg.Index.Weighting {
	case types.WeightMarketValue, types.WeightEqual:
	default:
		return fmt.Errorf("unsupported index.weighting %q", cfg.Index.Weighting)
	}
	switch cfg.Index.VolAnnualization {
	case types.VolRaw, types.VolSqrt252:
	default:
		return fmt.Errorf("unsupported index.volAnnualization %q", cfg.Index.VolAnnualization)
	}

	if c := cfg.Completeness.MinDailyCoverage; c <= 0 || c > 1 {
		return fmt.Errorf("completeness.minDailyCoverage must be in (0, 1]")
	}
	if cfg.Completeness.MaxBadDays < 0 {
		return fmt.Errorf("completeness.maxBadDays must not be negative")
	}

	if _, err := ParseDuration(cfg.Orchestrator.MaxRuntime, DefaultMaxRuntime); err != nil {
		return fmt.Errorf("orchestrator.maxRuntime: %w", err)
	}
	if _, err := ParseDuration(cfg.Orchestrator.StaleRunAfter, DefaultStaleRunAfter); err != nil {
		return fmt.Errorf("orchestrator.staleRunAfter: %w", err)
	}

	for i, a := range cfg.Alerts {
		if err := validateAlert(a); err != nil {
			return fmt.Errorf("alerts[%d]: %w", i, err)
		}
	}
	if cfg.Telemetry != nil && cfg.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlpEndpoint is required when telemetry is configured")
	}
	if cfg.Schedule != nil && cfg.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron is required when schedule is configured")
	}
	return nil
}

func validateAlert(a types.AlertConfig) error {
	switch a.Type {
	case types.AlertConsole:
	case types.AlertWebhook:
		if a.URL == "" {
			return fmt.Errorf("webhook alert requires url")
		}
	case types.AlertFile:
		if a.Path == "" {
			return fmt.Errorf("file alert requires path")
		}
	case types.AlertSNS:
		if a.TopicARN == "" {
			return fmt.Errorf("sns alert requires topicArn")
		}
	case types.AlertS3:
		if a.BucketName == "" {
			return fmt.Errorf("s3 alert requires bucketName")
		}
	case types.AlertSQS:
		if a.QueueURL == "" {
			return fmt.Errorf("sqs alert requires queueUrl")
		}
	case types.AlertEventBridge:
	default:
		return fmt.Errorf("unknown alert type %q", a.Type)
	}
	return nil
}

// ParseDuration parses s, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// MustDuration is ParseDuration for values already checked by validate.
func MustDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
