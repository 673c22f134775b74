// Command watchdog is the stale-run sweeper Lambda. An EventBridge rate rule
// invokes it between pipeline runs; it marks STARTED job runs whose
// invocation died past the runtime ceiling as ERROR.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	"github.com/dwsmith1983/tridx/internal/config"
	intlambda "github.com/dwsmith1983/tridx/internal/lambda"
	"github.com/dwsmith1983/tridx/internal/watchdog"
)

var (
	initOnce sync.Once
	shared   *intlambda.Deps
	initErr  error
)

func handler(ctx context.Context, _ intlambda.ScheduledEvent) (intlambda.SweepResponse, error) {
	initOnce.Do(func() { shared, initErr = intlambda.Init(context.Background()) })
	if initErr != nil {
		return intlambda.SweepResponse{}, initErr
	}
	return sweep(ctx, shared)
}

func sweep(ctx context.Context, d *intlambda.Deps) (intlambda.SweepResponse, error) {
	closed, err := watchdog.CheckStaleRuns(ctx, watchdog.CheckOptions{
		Store:   d.Env.Store,
		AlertFn: d.AlertFn,
		Logger:  d.Logger,
		After:   config.MustDuration(d.Env.Config.Orchestrator.StaleRunAfter, config.DefaultStaleRunAfter),
	})
	if err != nil {
		return intlambda.SweepResponse{}, err
	}
	resp := intlambda.SweepResponse{Closed: make([]string, 0, len(closed))}
	for _, r := range closed {
		resp.Closed = append(resp.Closed, r.RunID)
	}
	if len(resp.Closed) > 0 {
		d.Logger.Warn("closed stale job runs", "runIds", resp.Closed)
	}
	return resp, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
