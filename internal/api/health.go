package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/gemini-gateway/internal/admission"
	"github.com/felipepmaragno/gemini-gateway/internal/connpool"
	"github.com/felipepmaragno/gemini-gateway/internal/credential"
)

const version = "1.0.0"

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type AdmissionStats interface {
	Stats() admission.Stats
}

type PoolStats interface {
	Stats() connpool.Stats
}

type CredentialStats interface {
	Stats(ctx context.Context) []credential.Usage
}

type BreakerStates interface {
	States() map[string]string
}

// StatusSources feeds the /health and admin payloads. Nil sources are
// omitted from the output.
type StatusSources struct {
	Admission   AdmissionStats
	Pool        PoolStats
	Credentials CredentialStats
	Breakers    BreakerStates
}

// HealthStatus represents the result of a readiness check.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Performance summarizes admission load for /health.
type Performance struct {
	QueueUtilization       float64 `json:"queueUtilization"`
	ConcurrencyUtilization float64 `json:"concurrencyUtilization"`
	AverageResponseTime    float64 `json:"averageResponseTime"`
	P95ResponseTime        float64 `json:"p95ResponseTime"`
	SuccessRate            float64 `json:"successRate"`
}

type GatewayHealth struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	Performance *Performance       `json:"performance,omitempty"`
	Admission   *admission.Stats   `json:"admission,omitempty"`
	Pool        *connpool.Stats    `json:"connectionPool,omitempty"`
	Credentials []credential.Usage `json:"credentials,omitempty"`
	Breakers    map[string]string  `json:"circuitBreakers,omitempty"`
}

// RedisHealthChecker checks Redis connectivity.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(redisURL string) (*RedisHealthChecker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisHealthChecker{client: redis.NewClient(opts)}, nil
}

func NewRedisHealthCheckerWithClient(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// gatewayHealth assembles the /health payload. The bool reports whether the
// gateway is overloaded.
func gatewayHealth(ctx context.Context, src StatusSources) (GatewayHealth, bool) {
	out := GatewayHealth{Status: admission.Healthy.String(), Version: version}
	overloaded := false

	if src.Admission != nil {
		stats := src.Admission.Stats()
		out.Status = stats.Health.String()
		overloaded = stats.Health == admission.Overloaded
		out.Admission = &stats
		out.Performance = &Performance{
			QueueUtilization:       stats.QueueUtilization,
			ConcurrencyUtilization: stats.ConcurrencyUtilization,
			AverageResponseTime:    milliseconds(stats.AverageLatency),
			P95ResponseTime:        milliseconds(stats.P95Latency),
			SuccessRate:            stats.SuccessRate,
		}
	}
	if src.Pool != nil {
		stats := src.Pool.Stats()
		out.Pool = &stats
	}
	if src.Credentials != nil {
		out.Credentials = src.Credentials.Stats(ctx)
	}
	if src.Breakers != nil {
		out.Breakers = src.Breakers.States()
	}
	return out, overloaded
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, overloaded := gatewayHealth(r.Context(), h.status)

	httpStatus := http.StatusOK
	if overloaded {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		ready := true
		for _, result := range results {
			if result.Status != "ok" {
				ready = false
				break
			}
		}

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: version,
		}

		httpStatus := http.StatusOK
		if !ready {
			status.Status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(status)
	}
}
