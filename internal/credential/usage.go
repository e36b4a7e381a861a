package credential

import (
	"context"
	"sync"
	"time"
)

const window = time.Minute

// UsageTracker counts requests per credential in a rolling one-minute window.
type UsageTracker interface {
	// Allow records one request for id unless the window already holds limit
	// requests. A limit of zero or less never rejects. It returns the count in
	// the window after the call.
	Allow(ctx context.Context, id string, limit int) (allowed bool, count int, err error)
	Usage(ctx context.Context, id string) (int, error)
}

// InMemoryUsageTracker keeps fixed one-minute windows per credential.
// Suitable for single-instance deployments.
type InMemoryUsageTracker struct {
	mu      sync.Mutex
	windows map[string]*usageWindow
	now     func() time.Time
}

type usageWindow struct {
	count   int
	resetAt time.Time
}

func NewInMemoryUsageTracker() *InMemoryUsageTracker {
	return &InMemoryUsageTracker{
		windows: make(map[string]*usageWindow),
		now:     time.Now,
	}
}

func (t *InMemoryUsageTracker) Allow(ctx context.Context, id string, limit int) (bool, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := t.current(id)
	if limit > 0 && w.count >= limit {
		return false, w.count, nil
	}
	w.count++
	return true, w.count, nil
}

func (t *InMemoryUsageTracker) Usage(ctx context.Context, id string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current(id).count, nil
}

// ResetAt reports when id's current window ends.
func (t *InMemoryUsageTracker) ResetAt(id string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current(id).resetAt
}

func (t *InMemoryUsageTracker) current(id string) *usageWindow {
	now := t.now()
	w, ok := t.windows[id]
	if !ok || !now.Before(w.resetAt) {
		w = &usageWindow{resetAt: now.Add(window)}
		t.windows[id] = w
	}
	return w
}
