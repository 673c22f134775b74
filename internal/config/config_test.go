package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dwsmith1983/tridx/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `database:
  dsn: postgres://localhost/tridx
providers:
  - name: alpha
    kind: per-ticker
    baseUrl: https://alpha.example.com
    dailyLimit: 800
    dailyBuffer: 25
    minuteLimit: 5
  - name: beta
    kind: multi-symbol
    baseUrl: https://beta.example.com
    dailyLimit: 1000
    minuteLimit: 60
    batchSize: 20
    timeout: 10s
calendar:
  referenceTicker: SPY
  startDate: "2026-01-02"
index:
  name: ACME-TR
completeness:
  minDailyCoverage: 0.98
  maxBadDays: 2
orchestrator:
  maxRuntime: 30m
alerts:
  - type: console
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644)
	require.NoError(t, err)
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfig(t, validConfig)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/tridx", cfg.Database.DSN)
	assert.Equal(t, types.CoordinationPostgres, cfg.Coordination)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, 1, cfg.Providers[0].BatchSize, "per-ticker providers always use single-ticker batches")
	assert.Equal(t, 20, cfg.Providers[1].BatchSize)
	assert.Equal(t, "alpha", cfg.Calendar.ReferenceProvider)
	assert.Equal(t, DefaultMaxLagDays, cfg.Calendar.MaxLagDays)
	assert.Equal(t, DefaultBaseLevel, cfg.Index.BaseLevel)
	assert.Equal(t, types.WeightMarketValue, cfg.Index.Weighting)
	assert.Equal(t, types.VolRaw, cfg.Index.VolAnnualization)
	assert.Equal(t, 0.98, cfg.Completeness.MinDailyCoverage)
	assert.Equal(t, DefaultLockKey, cfg.Orchestrator.LockKey)
	assert.Len(t, cfg.Alerts, 1)
}

func TestLoadFilePath(t *testing.T) {
	dir := writeConfig(t, validConfig)
	cfg, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, "ACME-TR", cfg.Index.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "invalid: [yaml")
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := writeConfig(t, validConfig)
	t.Setenv("TRIDX_DATABASE_DSN", "postgres://override/tridx")
	t.Setenv("TRIDX_ALPHA_API_KEY", "secret-key")
	t.Setenv("TRIDX_HEALTH_PATH", "/var/run/tridx.health")
	t.Setenv("TRIDX_HEALTH_BUCKET", "tridx-health")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "postgres://override/tridx", cfg.Database.DSN)
	assert.Equal(t, "secret-key", cfg.Providers[0].APIKey)
	assert.Empty(t, cfg.Providers[1].APIKey)
	assert.Equal(t, "/var/run/tridx.health", cfg.Orchestrator.HealthPath)
	assert.Equal(t, "tridx-health", cfg.Orchestrator.HealthBucket)
}

func TestAPIKeyEnv(t *testing.T) {
	assert.Equal(t, "TRIDX_ALPHA_API_KEY", APIKeyEnv("alpha"))
	assert.Equal(t, "TRIDX_EOD_HD_API_KEY", APIKeyEnv("eod-hd"))
}

func TestValidation(t *testing.T) {
	base := func() *types.ProjectConfig {
		return &types.ProjectConfig{
			Database: types.DatabaseConfig{DSN: "postgres://x"},
			Providers: []types.ProviderConfig{{
				Name: "alpha", Kind: types.ProviderPerTicker, BaseURL: "http://a",
				DailyLimit: 100, MinuteLimit: 5,
			}},
			Calendar:     types.CalendarConfig{ReferenceTicker: "SPY", StartDate: "2026-01-02"},
			Index:        types.IndexConfig{Name: "X"},
			Completeness: types.CompletenessConfig{MinDailyCoverage: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *types.ProjectConfig)
		wantErr string
	}{
		{"valid", func(c *types.ProjectConfig) {}, ""},
		{"missing dsn", func(c *types.ProjectConfig) { c.Database.DSN = "" }, "database.dsn"},
		{"redis without addr", func(c *types.ProjectConfig) { c.Coordination = types.CoordinationRedis }, "redis.addr"},
		{"no providers", func(c *types.ProjectConfig) { c.Providers = nil }, "at least one provider"},
		{"buffer exceeds limit", func(c *types.ProjectConfig) { c.Providers[0].DailyBuffer = 100 }, "dailyBuffer"},
		{"bad timeout", func(c *types.ProjectConfig) { c.Providers[0].Timeout = "soon" }, "timeout"},
		{"unknown reference provider", func(c *types.ProjectConfig) { c.Calendar.ReferenceProvider = "zeta" }, "referenceProvider"},
		{"bad start date", func(c *types.ProjectConfig) { c.Calendar.StartDate = "01/02/2026" }, "startDate"},
		{"coverage above one", func(c *types.ProjectConfig) { c.Completeness.MinDailyCoverage = 1.5 }, "minDailyCoverage"},
		{"bad weighting", func(c *types.ProjectConfig) { c.Index.Weighting = "float" }, "weighting"},
		{"webhook without url", func(c *types.ProjectConfig) {
			c.Alerts = []types.AlertConfig{{Type: types.AlertWebhook}}
		}, "requires url"},
		{"sqs without queue", func(c *types.ProjectConfig) {
			c.Alerts = []types.AlertConfig{{Type: types.AlertSQS}}
		}, "requires queueUrl"},
		{"eventbridge default bus", func(c *types.ProjectConfig) {
			c.Alerts = []types.AlertConfig{{Type: types.AlertEventBridge}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			applyDefaults(cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDuration("90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("-1s", time.Minute)
	assert.Error(t, err)

	assert.Equal(t, time.Minute, MustDuration("bogus", time.Minute))
}
