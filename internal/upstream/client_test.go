package upstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/gemini-gateway/internal/connpool"
	"github.com/felipepmaragno/gemini-gateway/internal/credential"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/retry"
)

const okBody = `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}]}`

type testEnv struct {
	client *Client
	conns  *connpool.Pool
}

func newTestClient(t *testing.T, baseURL string, keys []string, maxRetries int, breakerCfg circuitbreaker.Config) testEnv {
	t.Helper()
	pool, err := credential.NewPool(credential.FromKeys(keys), credential.PoolConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conns := connpool.New(connpool.Config{MaxEntries: 4})
	t.Cleanup(conns.Close)

	c := NewClient(http.DefaultClient, pool, conns, circuitbreaker.NewManager(breakerCfg), Config{
		BaseURL:     baseURL,
		BaseTimeout: time.Second,
		MaxTimeout:  2 * time.Second,
		Retry: retry.Policy{
			MaxRetries: maxRetries,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
		},
	})
	return testEnv{client: c, conns: conns}
}

func TestExecute_RotatesCredentialsUntilSuccess(t *testing.T) {
	const n = 3
	var calls atomic.Int32
	var mu sync.Mutex
	var keys []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("x-goog-api-key"))
		mu.Unlock()

		if calls.Add(1) < n {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		w.Write([]byte(okBody))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0", "k1", "k2"}, 5, circuitbreaker.DefaultConfig())

	res, err := env.client.Execute(context.Background(), Call{Model: "gemini-2.0-flash", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls.Load() != n {
		t.Errorf("expected exactly %d calls, got %d", n, calls.Load())
	}
	if res.Attempts != n {
		t.Errorf("expected Attempts %d, got %d", n, res.Attempts)
	}
	if string(res.Body) != okBody {
		t.Errorf("unexpected body %s", res.Body)
	}
	if keys[0] == keys[1] || keys[1] == keys[2] {
		t.Errorf("expected a different credential per attempt, got %v", keys)
	}
	if s := env.conns.Stats(); s.Leases != 0 {
		t.Errorf("expected all leases released, got %d", s.Leases)
	}
}

func TestExecute_AttemptsBoundedByPoolSize(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0", "k1"}, 5, circuitbreaker.DefaultConfig())

	_, err := env.client.Execute(context.Background(), Call{Model: "m", Body: []byte(`{}`)})

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", ue.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("expected min(maxRetries, poolSize) = 2 calls, got %d", calls.Load())
	}
}

func TestExecute_AttemptsBoundedByMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0", "k1", "k2", "k3"}, 2, circuitbreaker.DefaultConfig())

	if _, err := env.client.Execute(context.Background(), Call{Model: "m"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestExecute_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"bad schema","status":"INVALID_ARGUMENT"}}`))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0", "k1"}, 3, circuitbreaker.DefaultConfig())

	_, err := env.client.Execute(context.Background(), Call{Model: "m"})

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.Retryable || ue.Message != "bad schema" {
		t.Errorf("unexpected error %+v", ue)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestExecute_TimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0", "k1"}, 3, circuitbreaker.DefaultConfig())

	_, err := env.client.Execute(context.Background(), Call{Model: "m", Timeout: 20 * time.Millisecond})

	var ue *domain.UpstreamError
	if !errors.As(err, &ue) || !ue.Timeout {
		t.Fatalf("expected timeout UpstreamError, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected a retry after timeout, got %d calls", calls.Load())
	}
}

func TestExecute_CancelledContextNotRetried(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0", "k1"}, 3, circuitbreaker.DefaultConfig())

	_, err := env.client.Execute(ctx, Call{Model: "m"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestExecute_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") || r.URL.Query().Get("alt") != "sse" {
			t.Errorf("unexpected stream URL %s", r.URL)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("data: " + okBody + "\n\n"))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0"}, 3, circuitbreaker.DefaultConfig())

	res, err := env.client.Execute(context.Background(), Call{Model: "m", Stream: true, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected stream body")
	}

	if env.conns.Stats().Leases != 1 {
		t.Error("expected lease held while the stream is open")
	}

	scanner := bufio.NewScanner(res.Stream)
	var lines []string
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("stream read failed after header timeout window: %v", err)
	}
	if len(lines) != 1 {
		t.Errorf("expected 1 event line, got %v", lines)
	}

	res.Stream.Close()
	if env.conns.Stats().Leases != 0 {
		t.Error("expected lease released on close")
	}
}

func TestExecute_StreamIdleTimeout(t *testing.T) {
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: " + okBody + "\n\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-unblock:
		}
	}))
	defer srv.Close()
	defer close(unblock)

	env := newTestClient(t, srv.URL, []string{"k0"}, 3, circuitbreaker.DefaultConfig())
	env.client.cfg.StreamIdle = 100 * time.Millisecond

	res, err := env.client.Execute(context.Background(), Call{Model: "m", Stream: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(res.Stream)
		errc <- err
	}()

	select {
	case err := <-errc:
		var ue *domain.UpstreamError
		if !errors.As(err, &ue) || !ue.Timeout {
			t.Fatalf("expected timeout UpstreamError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream read did not abort after going idle")
	}

	res.Stream.Close()
	if env.conns.Stats().Leases != 0 {
		t.Errorf("expected lease released, got %d", env.conns.Stats().Leases)
	}
}

func TestExecute_BreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0"}, 1, circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})

	if _, err := env.client.Execute(context.Background(), Call{Model: "m"}); err == nil {
		t.Fatal("expected error")
	}

	_, err := env.client.Execute(context.Background(), Call{Model: "m"})
	if !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected open breaker to skip the call, got %d calls", calls.Load())
	}
}

func TestExecute_RateLimitsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, []string{"k0"}, 1, circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})

	for i := 0; i < 3; i++ {
		_, err := env.client.Execute(context.Background(), Call{Model: "m"})
		if errors.Is(err, domain.ErrCircuitBreakerOpen) {
			t.Fatalf("call %d: 429s must not open the breaker", i)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"-1", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.input); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	future := time.Now().Add(5 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > 5*time.Second {
		t.Errorf("parseRetryAfter(date) = %v", got)
	}
}
