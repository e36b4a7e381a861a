// Package secrets loads upstream API keys from a secret store. AWS Secrets
// Manager is the production store; values are cached for a short TTL so key
// rotation is picked up without a restart.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tidwall/gjson"
)

var ErrNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// secretsManagerAPI is the subset of the Secrets Manager client used here.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client secretsManagerAPI
	mu     sync.RWMutex
	cache  map[string]cachedSecret
	ttl    time.Duration
	now    func() time.Time
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return newAWSSecretsManager(secretsmanager.NewFromConfig(cfg))
}

func newAWSSecretsManager(client secretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
		now:    time.Now,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	value := aws.ToString(out.SecretString)

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) SetCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
}

func (s *AWSSecretsManager) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedSecret)
}

// LoadKeys reads a list of API keys from the named secret. The secret may be
// a JSON array of strings, a JSON object with a "keys" array, or plain text
// with one key per line or comma.
func LoadKeys(ctx context.Context, store SecretStore, name string) ([]string, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	keys := ParseKeys(raw)
	if len(keys) == 0 {
		return nil, fmt.Errorf("secret %s holds no keys", name)
	}
	return keys, nil
}

func ParseKeys(raw string) []string {
	raw = strings.TrimSpace(raw)

	var values []string
	switch {
	case gjson.Valid(raw) && gjson.Parse(raw).IsArray():
		for _, v := range gjson.Parse(raw).Array() {
			values = append(values, v.String())
		}
	case gjson.Valid(raw) && gjson.Parse(raw).IsObject():
		for _, v := range gjson.Get(raw, "keys").Array() {
			values = append(values, v.String())
		}
	default:
		values = strings.FieldsFunc(raw, func(r rune) bool {
			return r == ',' || r == '\n' || r == '\r'
		})
	}

	keys := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			keys = append(keys, v)
		}
	}
	return keys
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

func (s *InMemorySecretStore) DeleteSecret(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, name)
}
