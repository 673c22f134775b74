package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/dwsmith1983/tridx/pkg/types"
)

const (
	snsPublishTimeout = 10 * time.Second
	snsSubjectMax     = 100
)

// SNSAPI is the subset of the SNS client used by SNSSink.
type SNSAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput, opts ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSink fans alerts out through an SNS topic.
type SNSSink struct {
	client   SNSAPI
	topicARN string
}

// SNSSinkOption configures an SNSSink.
type SNSSinkOption func(*SNSSink)

// WithSNSClient sets a custom SNS client.
func WithSNSClient(c SNSAPI) SNSSinkOption {
	return func(s *SNSSink) { s.client = c }
}

// NewSNSSink creates an SNS alert sink.
func NewSNSSink(topicARN string, opts ...SNSSinkOption) (*SNSSink, error) {
	if topicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN required")
	}
	s := &SNSSink{topicARN: topicARN}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		cfg, err := sharedAWSConfig()
		if err != nil {
			return nil, err
		}
		s.client = sns.NewFromConfig(cfg)
	}
	return s, nil
}

// Name returns the sink identifier.
func (s *SNSSink) Name() string { return "sns" }

// Send publishes the alert as JSON under a "[level] job" subject. The level is
// also set as a message attribute so subscriptions can filter on it.
func (s *SNSSink) Send(ctx context.Context, a types.Alert) error {
	msg, err := encodeAlert(a)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("[%s] %s", a.Level, a.Job)
	if len(subject) > snsSubjectMax {
		subject = subject[:snsSubjectMax]
	}

	ctx, cancel := context.WithTimeout(ctx, snsPublishTimeout)
	defer cancel()
	if _, err := s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(msg),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"level": {DataType: aws.String("String"), StringValue: aws.String(string(a.Level))},
		},
	}); err != nil {
		return fmt.Errorf("publishing to SNS: %w", err)
	}
	return nil
}
