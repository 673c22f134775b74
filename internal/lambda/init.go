package lambda

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/dwsmith1983/tridx/internal/app"
	"github.com/dwsmith1983/tridx/internal/orchestrator"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// DefaultConfigPath is where the deployment package places tridx.yaml.
const DefaultConfigPath = "/var/task/tridx.yaml"

// Deps holds shared dependencies for Lambda handlers.
type Deps struct {
	Env          *app.Env
	Orchestrator *orchestrator.Orchestrator
	AlertFn      func(context.Context, types.Alert)
	Logger       *slog.Logger

	SNSClient       SNSAPI
	OutcomeTopicARN string
}

// Init creates shared dependencies from environment variables.
// Reads: TRIDX_CONFIG, OUTCOME_TOPIC_ARN. Database and key overrides use the
// same TRIDX_* variables as the CLI.
func Init(ctx context.Context) (*Deps, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	path := envOrDefault("TRIDX_CONFIG", DefaultConfigPath)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("TRIDX_CONFIG %s: %w", path, err)
	}

	env, err := app.Open(ctx, path, logger)
	if err != nil {
		return nil, err
	}

	orch, err := env.Orchestrator(ctx)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	dispatcher, err := env.Dispatcher()
	if err != nil {
		env.Close()
		return nil, err
	}

	d := &Deps{
		Env:          env,
		Orchestrator: orch,
		AlertFn:      dispatcher.Dispatch,
		Logger:       env.Logger,
	}

	if topicARN := os.Getenv("OUTCOME_TOPIC_ARN"); topicARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		d.SNSClient = sns.NewFromConfig(awsCfg)
		d.OutcomeTopicARN = topicARN
	}
	return d, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
