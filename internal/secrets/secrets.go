// Package secrets resolves provider API keys held in AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dwsmith1983/tridx/pkg/types"
)

const fetchTimeout = 10 * time.Second

// SecretsAPI is the subset of the Secrets Manager client used by Resolver.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver fills in API keys from Secrets Manager. Values are cached per
// secret id for the life of the process.
type Resolver struct {
	client SecretsAPI

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a Resolver. A nil client is created from the default
// AWS configuration on first use.
func NewResolver(client SecretsAPI) *Resolver {
	return &Resolver{client: client, cache: make(map[string]string)}
}

// Needed reports whether any provider still lacks a key but names a secret.
func Needed(providers []types.ProviderConfig) bool {
	for _, p := range providers {
		if p.APIKey == "" && p.APIKeySecret != "" {
			return true
		}
	}
	return false
}

// ResolveProviders sets APIKey on every provider that has none and names an
// APIKeySecret. Keys already set, from the file or the environment, win.
func (r *Resolver) ResolveProviders(ctx context.Context, providers []types.ProviderConfig) error {
	for i := range providers {
		p := &providers[i]
		if p.APIKey != "" || p.APIKeySecret == "" {
			continue
		}
		v, err := r.Get(ctx, p.APIKeySecret)
		if err != nil {
			return fmt.Errorf("provider %s: %w", p.Name, err)
		}
		p.APIKey = v
	}
	return nil
}

// Get returns the secret's key. A JSON object secret yields its "apiKey"
// (or "api_key") field; any other secret string is used as is.
func (r *Resolver) Get(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[id]; ok {
		return v, nil
	}
	if r.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return "", fmt.Errorf("loading AWS config: %w", err)
		}
		r.client = secretsmanager.NewFromConfig(cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", id, err)
	}
	raw := strings.TrimSpace(aws.ToString(out.SecretString))
	if raw == "" {
		return "", fmt.Errorf("secret %s has no string value", id)
	}
	v := raw
	if strings.HasPrefix(raw, "{") {
		var doc map[string]string
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return "", fmt.Errorf("decoding secret %s: %w", id, err)
		}
		v = doc["apiKey"]
		if v == "" {
			v = doc["api_key"]
		}
		if v == "" {
			return "", fmt.Errorf("secret %s has no apiKey field", id)
		}
	}
	r.cache[id] = v
	return v, nil
}
