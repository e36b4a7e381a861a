package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnknownModel         = errors.New("unknown model")
	ErrQueueFull            = errors.New("request queue is full")
	ErrShuttingDown         = errors.New("gateway is shutting down")
	ErrUpstream             = errors.New("upstream error")
	ErrCircuitBreakerOpen   = errors.New("circuit breaker open")
	ErrCredentialsExhausted = errors.New("all upstream credentials are rate limited")
	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrNoCredentials        = errors.New("no upstream credentials configured")
)

// Invalid wraps ErrInvalidRequest with a client-facing reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// UpstreamError describes a failed call to the backend.
type UpstreamError struct {
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Timeout    bool
	Cause      error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("upstream timeout: %s", e.Message)
	case e.StatusCode > 0:
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("upstream error: %s", e.Message)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// IsRetryableStatus reports whether an HTTP status from the backend is transient.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// IsRetryable reports whether err is a transient upstream failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) {
		return true
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// ClientError converts err into the status code and error body returned to
// clients. Internal error text is only exposed for validation failures.
func ClientError(err error) (int, APIError) {
	var ue *UpstreamError
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownModel):
		return http.StatusBadRequest, APIError{Message: err.Error(), Type: "invalid_request_error", Code: "invalid_request"}
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable, APIError{Message: "gateway is at capacity, retry later", Type: "capacity_error", Code: "queue_full"}
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable, APIError{Message: "gateway is shutting down", Type: "shutdown_error", Code: "shutting_down"}
	case errors.Is(err, ErrCredentialsExhausted):
		return http.StatusTooManyRequests, APIError{Message: "upstream rate limit reached, retry later", Type: "rate_limit_error", Code: "rate_limited"}
	case errors.Is(err, ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable, APIError{Message: "upstream temporarily unavailable", Type: "upstream_error", Code: "circuit_open"}
	case errors.Is(err, ErrPoolExhausted):
		return http.StatusServiceUnavailable, APIError{Message: "upstream connection limit reached", Type: "upstream_error", Code: "pool_exhausted"}
	case errors.As(err, &ue):
		return upstreamClientError(ue)
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, APIError{Message: "request timed out", Type: "upstream_error", Code: "timeout"}
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, APIError{Message: "request cancelled", Type: "invalid_request_error", Code: "cancelled"}
	default:
		return http.StatusInternalServerError, APIError{Message: "internal error", Type: "internal_error", Code: "internal_error"}
	}
}

func upstreamClientError(ue *UpstreamError) (int, APIError) {
	switch {
	case ue.Timeout:
		return http.StatusGatewayTimeout, APIError{Message: "upstream request timed out", Type: "upstream_error", Code: "timeout"}
	case ue.StatusCode == http.StatusTooManyRequests:
		return http.StatusTooManyRequests, APIError{Message: "upstream rate limit reached, retry later", Type: "rate_limit_error", Code: "rate_limited"}
	case ue.StatusCode >= 400 && ue.StatusCode < 500:
		return http.StatusBadRequest, APIError{Message: "upstream rejected the request: " + ue.Message, Type: "invalid_request_error", Code: "upstream_rejected"}
	default:
		return http.StatusBadGateway, APIError{Message: "upstream request failed", Type: "upstream_error", Code: "upstream_error"}
	}
}
