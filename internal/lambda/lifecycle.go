package lambda

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	awssns "github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/dwsmith1983/tridx/internal/metrics"
	"github.com/dwsmith1983/tridx/internal/orchestrator"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// PublishOutcome publishes a finished run to the outcome topic. Best-effort:
// errors are logged, not returned. No-op when the SNS client or topic ARN is
// not configured, or when the run was aborted on the lock.
func PublishOutcome(ctx context.Context, d *Deps, index string, out *orchestrator.Outcome, logger *slog.Logger) {
	if d.SNSClient == nil || d.OutcomeTopicARN == "" || out == nil || out.Aborted {
		return
	}

	eventType := EventRunCompleted
	if out.Status == types.JobError {
		eventType = EventRunFailed
	}

	evt := OutcomeEvent{
		EventType:             eventType,
		Index:                 index,
		RunID:                 out.RunID,
		Status:                out.Status,
		MaxDates:              out.Health.MaxDates,
		NextMissingTradingDay: types.FormatDate(out.Health.NextMissingTradingDay),
		Error:                 out.Health.LastError,
		Timestamp:             time.Now().UTC(),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Error("failed to marshal outcome event", "runId", out.RunID, "error", err)
		return
	}

	msg := string(payload)
	_, err = d.SNSClient.Publish(ctx, &awssns.PublishInput{
		TopicArn: &d.OutcomeTopicARN,
		Message:  &msg,
	})
	if err != nil {
		logger.Error("failed to publish outcome event", "runId", out.RunID, "status", out.Status, "error", err)
		return
	}

	metrics.OutcomesPublished.Add(1)
	logger.Info("published outcome event", "runId", out.RunID, "status", out.Status, "eventType", eventType)
}
