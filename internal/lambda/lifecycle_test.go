package lambda

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/tridx/internal/orchestrator"
	"github.com/dwsmith1983/tridx/pkg/types"
)

type mockSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (m *mockSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.inputs = append(m.inputs, in)
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{}, nil
}

func outcome(status types.JobStatus) *orchestrator.Outcome {
	return &orchestrator.Outcome{
		RunID:  "01JTEST",
		Status: status,
		Path:   []types.Stage{types.StageAcquireLock, types.StageDone},
		Health: types.HealthSnapshot{
			MaxDates:              types.TableMaxDates{Levels: time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)},
			NextMissingTradingDay: time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestPublishOutcome(t *testing.T) {
	m := &mockSNS{}
	d := &Deps{SNSClient: m, OutcomeTopicARN: "arn:aws:sns:us-east-1:123:tridx"}

	PublishOutcome(context.Background(), d, "test-tr", outcome(types.JobOK), slog.Default())
	require.Len(t, m.inputs, 1)
	assert.Equal(t, "arn:aws:sns:us-east-1:123:tridx", aws.ToString(m.inputs[0].TopicArn))

	var evt OutcomeEvent
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(m.inputs[0].Message)), &evt))
	assert.Equal(t, EventRunCompleted, evt.EventType)
	assert.Equal(t, "test-tr", evt.Index)
	assert.Equal(t, "2026-01-07", evt.NextMissingTradingDay)

	failed := outcome(types.JobError)
	failed.Health.LastError = "RUN_CALC: history gap"
	PublishOutcome(context.Background(), d, "test-tr", failed, slog.Default())
	require.Len(t, m.inputs, 2)
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(m.inputs[1].Message)), &evt))
	assert.Equal(t, EventRunFailed, evt.EventType)
	assert.Equal(t, "RUN_CALC: history gap", evt.Error)
}

func TestPublishOutcome_Skips(t *testing.T) {
	m := &mockSNS{}

	PublishOutcome(context.Background(), &Deps{SNSClient: m}, "x", outcome(types.JobOK), slog.Default())
	assert.Empty(t, m.inputs, "no topic configured")

	d := &Deps{SNSClient: m, OutcomeTopicARN: "arn"}
	PublishOutcome(context.Background(), d, "x", &orchestrator.Outcome{Aborted: true}, slog.Default())
	PublishOutcome(context.Background(), d, "x", nil, slog.Default())
	assert.Empty(t, m.inputs, "aborted and nil outcomes are not published")

	PublishOutcome(context.Background(), &Deps{}, "x", outcome(types.JobOK), slog.Default())
}

func TestPublishOutcome_ErrorIsLogged(t *testing.T) {
	m := &mockSNS{err: errors.New("throttled")}
	d := &Deps{SNSClient: m, OutcomeTopicARN: "arn"}
	assert.NotPanics(t, func() {
		PublishOutcome(context.Background(), d, "x", outcome(types.JobOK), slog.Default())
	})
	assert.Len(t, m.inputs, 1)
}
