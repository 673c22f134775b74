package main

// StackConfig holds configuration for the tridx CDK stack.
type StackConfig struct {
	Name             string
	MemorySize       float64
	Timeout          float64 // seconds, Lambda caps this at 900
	LambdaDistDir    string
	LogRetentionDays float64

	// PipelineSchedule and WatchdogSchedule are EventBridge schedule expressions.
	PipelineSchedule string
	WatchdogSchedule string

	// DatabaseDSN is passed to the functions as TRIDX_DATABASE_DSN.
	DatabaseDSN string
	// SecretPrefix grants read access to provider key secrets under this name prefix.
	SecretPrefix string
	// HealthBucket creates a bucket for the published health snapshot.
	HealthBucket bool

	DestroyOnDelete bool
}

// DefaultConfig returns a StackConfig with sensible defaults.
func DefaultConfig() StackConfig {
	return StackConfig{
		Name:             "tridx",
		MemorySize:       512,
		Timeout:          900,
		LambdaDistDir:    "../dist/lambda",
		LogRetentionDays: 14,
		PipelineSchedule: "cron(30 22 ? * MON-FRI *)",
		WatchdogSchedule: "rate(15 minutes)",
		SecretPrefix:     "tridx/",
	}
}
