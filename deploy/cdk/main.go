package main

import (
	"os"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/jsii-runtime-go"
)

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)
	cfg := DefaultConfig()

	if name := os.Getenv("TRIDX_STACK_PREFIX"); name != "" {
		cfg.Name = name
	}
	if dsn := os.Getenv("TRIDX_DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if s := os.Getenv("TRIDX_PIPELINE_SCHEDULE"); s != "" {
		cfg.PipelineSchedule = s
	}
	cfg.HealthBucket = os.Getenv("TRIDX_HEALTH_BUCKET") == "true"
	cfg.DestroyOnDelete = os.Getenv("TRIDX_DESTROY_ON_DELETE") == "true"

	stackName := "TridxStack"
	if name := os.Getenv("TRIDX_STACK_NAME"); name != "" {
		stackName = name
	}

	NewTridxStack(app, stackName, cfg)
	app.Synth(nil)
}
