// Command pipeline is the scheduled Lambda entry point: one orchestrator pass
// per EventBridge firing after the close. The event detail may carry
// {"restart": true} to re-ingest the whole window.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/tridx/internal/lambda"
	"github.com/dwsmith1983/tridx/internal/orchestrator"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Dependencies survive across warm invocations.
var (
	initOnce sync.Once
	shared   *intlambda.Deps
	initErr  error
)

func handler(ctx context.Context, evt intlambda.ScheduledEvent) (intlambda.PipelineResponse, error) {
	req, err := parseRequest(evt)
	if err != nil {
		return intlambda.PipelineResponse{}, err
	}
	initOnce.Do(func() { shared, initErr = intlambda.Init(context.Background()) })
	if initErr != nil {
		return intlambda.PipelineResponse{}, initErr
	}

	out, err := shared.Orchestrator.Run(ctx, orchestrator.Options{Restart: req.Restart})
	if err != nil {
		return intlambda.PipelineResponse{}, err
	}
	intlambda.PublishOutcome(ctx, shared, shared.Env.Config.Index.Name, out, shared.Logger)
	return respond(out)
}

func parseRequest(evt intlambda.ScheduledEvent) (intlambda.PipelineRequest, error) {
	var req intlambda.PipelineRequest
	if len(evt.Detail) == 0 || string(evt.Detail) == "null" {
		return req, nil
	}
	if err := json.Unmarshal(evt.Detail, &req); err != nil {
		return req, fmt.Errorf("decoding event detail: %w", err)
	}
	return req, nil
}

// respond maps an outcome to the Lambda response. A failed run is returned as
// an error so the invocation is marked failed.
func respond(out *orchestrator.Outcome) (intlambda.PipelineResponse, error) {
	resp := intlambda.PipelineResponse{
		RunID:   out.RunID,
		Status:  out.Status,
		Aborted: out.Aborted,
		Path:    out.Path,
	}
	if out.Status == types.JobError {
		resp.Error = out.Health.LastError
		return resp, fmt.Errorf("pipeline run %s failed: %s", out.RunID, out.Health.LastError)
	}
	return resp, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
