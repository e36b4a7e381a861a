package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	LogLevel string

	UpstreamBaseURL    string
	UpstreamAPIKeys    []string
	UpstreamKeysSecret string
	AWSRegion          string
	EncryptionKey      string

	GatewayAPIKeys []string
	AdminAPIKey    string

	MaxConcurrent int
	MaxQueue      int

	MaxRetries         int
	BaseTimeout        time.Duration
	MaxTimeout         time.Duration
	StreamIdleTimeout  time.Duration
	CredentialRPM      int
	CredentialSelector string

	ConnPoolSize    int
	ConnIdleTimeout time.Duration

	CacheCapacity     int
	CacheTTL          time.Duration
	MediaFetchTimeout time.Duration
	MediaMaxBytes     int64

	RedisURL         string
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
	SNSTopicARN      string

	RolePriming bool

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		UpstreamBaseURL:    getEnv("UPSTREAM_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		UpstreamAPIKeys:    getListEnv("UPSTREAM_API_KEYS"),
		UpstreamKeysSecret: getEnv("UPSTREAM_KEYS_SECRET", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		GatewayAPIKeys:     getListEnv("GATEWAY_API_KEYS"),
		AdminAPIKey:        getEnv("ADMIN_API_KEY", ""),
		MaxConcurrent:      getIntEnv("MAX_CONCURRENT", 50),
		MaxQueue:           getIntEnv("MAX_QUEUE", 1000),
		MaxRetries:         getIntEnv("MAX_RETRIES", 3),
		BaseTimeout:        getDurationEnv("BASE_TIMEOUT", 30*time.Second),
		MaxTimeout:         getDurationEnv("MAX_TIMEOUT", 120*time.Second),
		StreamIdleTimeout:  getDurationEnv("STREAM_IDLE_TIMEOUT", 60*time.Second),
		CredentialRPM:      getIntEnv("CREDENTIAL_RPM", 0),
		CredentialSelector: getEnv("CREDENTIAL_SELECTOR", "round_robin"),
		ConnPoolSize:       getIntEnv("CONN_POOL_SIZE", 20),
		ConnIdleTimeout:    getDurationEnv("CONN_IDLE_TIMEOUT", 30*time.Second),
		CacheCapacity:      getIntEnv("CACHE_CAPACITY", 50),
		CacheTTL:           getDurationEnv("CACHE_TTL", 30*time.Minute),
		MediaFetchTimeout:  getDurationEnv("MEDIA_FETCH_TIMEOUT", 10*time.Second),
		MediaMaxBytes:      int64(getIntEnv("MEDIA_MAX_BYTES", 20<<20)),
		RedisURL:           getEnv("REDIS_URL", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		OTLPInsecure:       getBoolEnv("OTLP_INSECURE", true),
		TraceSampleRatio:   getFloatEnv("TRACE_SAMPLE_RATIO", 1),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		RolePriming:        getBoolEnv("ROLE_PRIMING", false),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the gateway cannot run with. Missing upstream
// keys are checked at startup, after the secret store has been consulted.
func (c *Config) Validate() error {
	var errs []error
	positive := []struct {
		name  string
		value int64
	}{
		{"MAX_CONCURRENT", int64(c.MaxConcurrent)},
		{"MAX_QUEUE", int64(c.MaxQueue)},
		{"MAX_RETRIES", int64(c.MaxRetries)},
		{"BASE_TIMEOUT", int64(c.BaseTimeout)},
		{"MAX_TIMEOUT", int64(c.MaxTimeout)},
		{"STREAM_IDLE_TIMEOUT", int64(c.StreamIdleTimeout)},
		{"CONN_POOL_SIZE", int64(c.ConnPoolSize)},
		{"CONN_IDLE_TIMEOUT", int64(c.ConnIdleTimeout)},
		{"CACHE_CAPACITY", int64(c.CacheCapacity)},
		{"CACHE_TTL", int64(c.CacheTTL)},
		{"MEDIA_FETCH_TIMEOUT", int64(c.MediaFetchTimeout)},
		{"MEDIA_MAX_BYTES", c.MediaMaxBytes},
		{"SHUTDOWN_TIMEOUT", int64(c.ShutdownTimeout)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.CredentialRPM < 0 {
		errs = append(errs, errors.New("CREDENTIAL_RPM must not be negative"))
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be between 0 and 1"))
	}
	if c.MaxTimeout < c.BaseTimeout {
		errs = append(errs, errors.New("MAX_TIMEOUT must not be shorter than BASE_TIMEOUT"))
	}
	if c.UpstreamBaseURL == "" {
		errs = append(errs, errors.New("UPSTREAM_BASE_URL is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go duration strings ("90s", "2m") or a plain number
// of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
