package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Attempts(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		poolSize   int
		want       int
	}{
		{"pool smaller", 3, 2, 2},
		{"retries smaller", 3, 5, 3},
		{"equal", 4, 4, 4},
		{"zero retries", 0, 3, 1},
		{"empty pool", 3, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{MaxRetries: tt.maxRetries}
			if got := p.Attempts(tt.poolSize); got != tt.want {
				t.Errorf("Attempts(%d) = %d, want %d", tt.poolSize, got, tt.want)
			}
		})
	}
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		hint    time.Duration
		want    time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{2, 0, 4 * time.Second},
		{3, 0, 8 * time.Second},
		{4, 0, 10 * time.Second},
		{40, 0, 10 * time.Second},
		{0, 5 * time.Second, 5 * time.Second},
		{0, time.Minute, 10 * time.Second},
		{2, time.Second, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.attempt, tt.hint); got != tt.want {
			t.Errorf("Backoff(%d, %v) = %v, want %v", tt.attempt, tt.hint, got, tt.want)
		}
	}
}

func TestPolicy_BackoffJitterBounded(t *testing.T) {
	p := DefaultPolicy()

	for i := 0; i < 100; i++ {
		d := p.Backoff(0, 0)
		if d < time.Second || d >= 2*time.Second {
			t.Fatalf("Backoff(0) = %v, want [1s, 2s)", d)
		}
		if d := p.Backoff(5, 0); d != 10*time.Second {
			t.Fatalf("Backoff(5) = %v, want cap", d)
		}
	}
}

var errTransient = errors.New("transient")

func fastPolicy() Policy {
	return Policy{MaxRetries: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), 3, func(attempt int) error {
		if attempt != calls {
			t.Errorf("attempt %d reported as %d", calls, attempt)
		}
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, isTransient, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := fastPolicy().Do(context.Background(), 3, func(int) error {
		calls++
		return permanent
	}, isTransient, nil)

	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), 2, func(int) error {
		calls++
		return errTransient
	}, isTransient, nil)

	if !errors.Is(err, errTransient) {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, 3, func(int) error {
			calls++
			return errTransient
		}, isTransient, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, errTransient) {
			t.Errorf("expected last attempt error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
