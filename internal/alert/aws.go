package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/dwsmith1983/tridx/pkg/types"
)

// sharedAWSConfig resolves the default credential chain once for every AWS
// sink in the process.
var sharedAWSConfig = sync.OnceValues(func() (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
})

func encodeAlert(a types.Alert) (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshaling alert: %w", err)
	}
	return string(data), nil
}
