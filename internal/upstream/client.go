// Package upstream executes backend calls. Each call walks the credential
// pool with backoff between attempts, takes a connection pool lease for the
// endpoint, and runs behind the endpoint's circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/gemini-gateway/internal/connpool"
	"github.com/felipepmaragno/gemini-gateway/internal/credential"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gemini"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/retry"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
)

const maxErrorBody = 64 << 10

type Config struct {
	BaseURL     string
	Retry       retry.Policy
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
	// StreamIdle bounds the gap between reads of a streamed body.
	StreamIdle time.Duration
}

type Client struct {
	httpClient *http.Client
	creds      *credential.Pool
	conns      *connpool.Pool
	breakers   *circuitbreaker.Manager
	cfg        Config
}

func NewClient(httpClient *http.Client, creds *credential.Pool, conns *connpool.Pool, breakers *circuitbreaker.Manager, cfg Config) *Client {
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 120 * time.Second
	}
	if cfg.StreamIdle <= 0 {
		cfg.StreamIdle = 60 * time.Second
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Client{
		httpClient: httpClient,
		creds:      creds,
		conns:      conns,
		breakers:   breakers,
		cfg:        cfg,
	}
}

func (c *Client) BaseTimeout() time.Duration { return c.cfg.BaseTimeout }
func (c *Client) MaxTimeout() time.Duration  { return c.cfg.MaxTimeout }

// Call is one logical backend request.
type Call struct {
	Model  string
	Stream bool
	Body   []byte
	// Timeout bounds each attempt. For streams it covers only the wait for
	// response headers; Config.StreamIdle bounds the body.
	Timeout time.Duration
}

// Result is a successful backend response. Exactly one of Body and Stream is
// set; callers must close Stream.
type Result struct {
	Body       []byte
	Stream     io.ReadCloser
	Attempts   int
	Credential string
}

// Execute runs call with credential rotation. The error is either a
// *domain.UpstreamError, a context error, domain.ErrCredentialsExhausted or
// domain.ErrCircuitBreakerOpen.
func (c *Client) Execute(ctx context.Context, call Call) (*Result, error) {
	endpoint := gemini.Endpoint(c.cfg.BaseURL, call.Model, call.Stream)
	key := gemini.EndpointKey(c.cfg.BaseURL, call.Model, call.Stream)

	breaker := c.breakers.Get(key)
	if err := breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	if call.Timeout <= 0 {
		call.Timeout = c.cfg.BaseTimeout
	}

	rot := c.creds.Rotation()
	attempts := c.cfg.Retry.Attempts(c.creds.Size())

	var result *Result
	err := c.cfg.Retry.Do(ctx, attempts, func(attempt int) error {
		if attempt > 0 {
			metrics.RecordRetry()
		}
		res, err := c.attempt(ctx, rot, attempt, endpoint, key, call)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(err error) bool {
		return ctx.Err() == nil && domain.IsRetryable(err)
	}, retryAfter)

	switch {
	case err == nil:
		breaker.RecordSuccess()
		result.Attempts = rot.Attempts()
		return result, nil
	case tripsBreaker(err):
		breaker.RecordFailure()
	}
	return nil, err
}

func (c *Client) attempt(ctx context.Context, rot *credential.Rotation, attempt int, endpoint, key string, call Call) (*Result, error) {
	cred, err := rot.Next(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.conns.Acquire(key); err != nil {
		metrics.RecordUpstreamAttempt("pool_exhausted")
		return nil, err
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { c.conns.Release(key) })
	}

	ctx, span := telemetry.StartSpan(ctx, "upstream.attempt")
	defer span.End()
	telemetry.AddAttemptAttributes(span, attempt, cred.ID, key)

	attemptCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(call.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	fail := func(err error) (*Result, error) {
		timer.Stop()
		cancel()
		release()
		telemetry.AddErrorAttribute(span, err)
		var ue *domain.UpstreamError
		if errors.As(err, &ue) && domain.IsRetryable(err) {
			slog.Warn("upstream attempt failed",
				"attempt", attempt,
				"credential", cred.ID,
				"endpoint", key,
				"status", ue.StatusCode,
				"error", err,
			)
		}
		return nil, err
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(call.Body))
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", cred.Key)
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(c.transportError(ctx, err, timedOut.Load(), call.Timeout))
	}
	telemetry.AddStatusAttribute(span, resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		ue := statusError(resp, body)
		metrics.RecordUpstreamAttempt(outcomeForStatus(resp.StatusCode))
		return fail(ue)
	}

	if call.Stream {
		if !timer.Stop() {
			resp.Body.Close()
			return fail(c.transportError(ctx, context.DeadlineExceeded, true, call.Timeout))
		}
		metrics.RecordUpstreamAttempt("success")
		return &Result{
			Stream:     newStreamBody(resp.Body, c.cfg.StreamIdle, cancel, release),
			Credential: cred.ID,
		}, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fail(c.transportError(ctx, err, timedOut.Load(), call.Timeout))
	}
	timer.Stop()
	cancel()
	release()

	metrics.RecordUpstreamAttempt("success")
	return &Result{Body: body, Credential: cred.ID}, nil
}

// transportError classifies a failure that produced no HTTP status. Client
// cancellation is returned as-is and never retried.
func (c *Client) transportError(ctx context.Context, err error, timedOut bool, timeout time.Duration) error {
	if timedOut {
		metrics.RecordUpstreamAttempt("timeout")
		return &domain.UpstreamError{
			Message:   fmt.Sprintf("no response within %s", timeout),
			Retryable: true,
			Timeout:   true,
			Cause:     err,
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.RecordUpstreamAttempt("network_error")
	return &domain.UpstreamError{
		Message:   "request failed",
		Retryable: true,
		Cause:     err,
	}
}

func statusError(resp *http.Response, body []byte) *domain.UpstreamError {
	msg := http.StatusText(resp.StatusCode)
	var er gemini.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}
	return &domain.UpstreamError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Retryable:  domain.IsRetryableStatus(resp.StatusCode),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func outcomeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

// tripsBreaker reports whether err says the endpoint itself is unhealthy.
// Rate limits and client errors belong to credentials and callers.
func tripsBreaker(err error) bool {
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	return ue.Timeout || (ue.Retryable && ue.StatusCode != http.StatusTooManyRequests)
}

func retryAfter(err error) time.Duration {
	var ue *domain.UpstreamError
	if errors.As(err, &ue) {
		return ue.RetryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// streamBody releases the attempt's resources once the caller is done. The
// call is aborted when no read completes within idle.
type streamBody struct {
	io.ReadCloser
	idle     time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
	once     sync.Once
	done     func()
}

func newStreamBody(body io.ReadCloser, idle time.Duration, cancel, release func()) *streamBody {
	s := &streamBody{ReadCloser: body, idle: idle}
	s.timer = time.AfterFunc(idle, func() {
		s.timedOut.Store(true)
		cancel()
	})
	s.done = func() {
		s.timer.Stop()
		cancel()
		release()
	}
	return s
}

func (s *streamBody) Read(p []byte) (int, error) {
	n, err := s.ReadCloser.Read(p)
	if err != nil && err != io.EOF && s.timedOut.Load() {
		metrics.RecordUpstreamAttempt("timeout")
		return n, &domain.UpstreamError{
			Message:   fmt.Sprintf("stream idle for %s", s.idle),
			Retryable: true,
			Timeout:   true,
			Cause:     err,
		}
	}
	if err == nil {
		s.timer.Reset(s.idle)
	}
	return n, err
}

func (s *streamBody) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(s.done)
	return err
}
