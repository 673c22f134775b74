// Package lambda provides shared types and initialization for Lambda handlers.
package lambda

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// SNSAPI is the subset of the SNS client used for publishing run outcomes.
type SNSAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// ScheduledEvent is the EventBridge event that fires a handler.
type ScheduledEvent = events.CloudWatchEvent

// PipelineRequest is the optional detail of a pipeline ScheduledEvent.
type PipelineRequest struct {
	Restart bool `json:"restart,omitempty"`
}

// PipelineResponse is the output of the pipeline Lambda.
type PipelineResponse struct {
	RunID   string          `json:"runId,omitempty"`
	Status  types.JobStatus `json:"status,omitempty"`
	Aborted bool            `json:"aborted,omitempty"`
	Path    []types.Stage   `json:"path"`
	Error   string          `json:"error,omitempty"`
}

// SweepResponse is the output of the watchdog Lambda: the job runs it closed.
type SweepResponse struct {
	Closed []string `json:"closed"`
}

// OutcomeEvent is published to SNS when a pipeline run finishes.
type OutcomeEvent struct {
	EventType             string              `json:"eventType"`
	Index                 string              `json:"index"`
	RunID                 string              `json:"runId"`
	Status                types.JobStatus     `json:"status"`
	MaxDates              types.TableMaxDates `json:"maxDates"`
	NextMissingTradingDay string              `json:"nextMissingTradingDay,omitempty"`
	Error                 string              `json:"error,omitempty"`
	Timestamp             time.Time           `json:"timestamp"`
}

// Event types carried by OutcomeEvent.
const (
	EventRunCompleted = "RUN_COMPLETED"
	EventRunFailed    = "RUN_FAILED"
)
