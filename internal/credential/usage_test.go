package credential

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryUsageTracker_Allow(t *testing.T) {
	tr := NewInMemoryUsageTracker()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, count, err := tr.Allow(ctx, "cred1", 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if count != i {
			t.Errorf("expected count %d, got %d", i, count)
		}
	}

	allowed, count, _ := tr.Allow(ctx, "cred1", 3)
	if allowed {
		t.Error("expected request over the limit to be rejected")
	}
	if count != 3 {
		t.Errorf("count must never exceed the limit, got %d", count)
	}
}

func TestInMemoryUsageTracker_Unlimited(t *testing.T) {
	tr := NewInMemoryUsageTracker()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if allowed, _, _ := tr.Allow(ctx, "cred1", 0); !allowed {
			t.Fatalf("request %d rejected with no limit", i)
		}
	}
	if n, _ := tr.Usage(ctx, "cred1"); n != 100 {
		t.Errorf("expected usage 100, got %d", n)
	}
}

func TestInMemoryUsageTracker_WindowResets(t *testing.T) {
	now := time.Now()
	tr := NewInMemoryUsageTracker()
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	tr.Allow(ctx, "cred1", 1)
	if allowed, _, _ := tr.Allow(ctx, "cred1", 1); allowed {
		t.Fatal("expected limit to apply within the window")
	}
	if got := tr.ResetAt("cred1"); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("expected reset at %v, got %v", now.Add(time.Minute), got)
	}

	now = now.Add(time.Minute)
	if allowed, count, _ := tr.Allow(ctx, "cred1", 1); !allowed || count != 1 {
		t.Errorf("expected fresh window, got allowed=%v count=%d", allowed, count)
	}
}

func TestInMemoryUsageTracker_IndependentCredentials(t *testing.T) {
	tr := NewInMemoryUsageTracker()
	ctx := context.Background()

	tr.Allow(ctx, "cred1", 1)

	if allowed, _, _ := tr.Allow(ctx, "cred2", 1); !allowed {
		t.Error("cred2 should not be limited by cred1")
	}
}

func newRedisTracker(t *testing.T) (*RedisUsageTracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisUsageTrackerWithClient(client), mr
}

func TestRedisUsageTracker_Allow(t *testing.T) {
	tr, _ := newRedisTracker(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		allowed, count, err := tr.Allow(ctx, "cred1", 2)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed || count != i {
			t.Fatalf("request %d: allowed=%v count=%d", i, allowed, count)
		}
	}

	allowed, count, err := tr.Allow(ctx, "cred1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected third request to be rejected")
	}
	if count != 2 {
		t.Errorf("expected count 2 after rejection, got %d", count)
	}

	n, err := tr.Usage(ctx, "cred1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("rejected request must not be recorded, usage %d", n)
	}
}

func TestRedisUsageTracker_SlidingWindow(t *testing.T) {
	tr, _ := newRedisTracker(t)
	ctx := context.Background()
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Allow(ctx, "cred1", 1)
	if allowed, _, _ := tr.Allow(ctx, "cred1", 1); allowed {
		t.Fatal("expected limit within the window")
	}

	now = now.Add(61 * time.Second)
	if allowed, _, _ := tr.Allow(ctx, "cred1", 1); !allowed {
		t.Error("expected old requests to slide out of the window")
	}
}

func TestRedisUsageTracker_WorksWithPool(t *testing.T) {
	tr, _ := newRedisTracker(t)
	pool, err := NewPool(FromKeys([]string{"k0", "k1"}), PoolConfig{Tracker: tr, Limit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	rot := pool.Rotation()
	if _, err := rot.Next(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rot.Next(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rot.Next(ctx); err == nil {
		t.Error("expected exhaustion once both keys are at their limit")
	}
}
