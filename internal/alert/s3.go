package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// S3API is the subset of the S3 client used by S3Sink and the health snapshot writer.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives alerts as JSON objects in a bucket.
type S3Sink struct {
	client     S3API
	bucketName string
	prefix     string
}

// S3SinkOption configures an S3Sink.
type S3SinkOption func(*S3Sink)

// WithS3Client sets a custom S3 client.
func WithS3Client(c S3API) S3SinkOption {
	return func(s *S3Sink) { s.client = c }
}

// NewS3Sink creates an S3 alert sink. Without WithS3Client the default AWS
// credential chain is used.
func NewS3Sink(bucketName, prefix string, opts ...S3SinkOption) (*S3Sink, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("S3 bucket name required")
	}
	s := &S3Sink{
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		cfg, err := sharedAWSConfig()
		if err != nil {
			return nil, err
		}
		s.client = s3.NewFromConfig(cfg)
	}
	return s, nil
}

// Name returns the sink identifier.
func (s *S3Sink) Name() string { return "s3" }

// ObjectKey returns {prefix}/{date}/{job}/{unix_millis}-{level}.json for a.
func (s *S3Sink) ObjectKey(a types.Alert) string {
	at := a.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	job := a.Job
	if job == "" {
		job = "system"
	}
	key := fmt.Sprintf("%s/%s/%s/%d-%s.json", s.prefix, types.FormatDate(at.UTC()), job, at.UnixMilli(), a.Level)
	return strings.TrimLeft(key, "/")
}

// Send archives the alert.
func (s *S3Sink) Send(ctx context.Context, a types.Alert) error {
	doc, err := encodeAlert(a)
	if err != nil {
		return err
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(s.ObjectKey(a)),
		Body:        strings.NewReader(doc),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("putting alert to S3: %w", err)
	}
	return nil
}
