// Package admission is the single gate every backend call passes through. It
// keeps at most MaxConcurrent tasks running and at most MaxQueue waiting;
// anything beyond that is rejected at once rather than blocked.
package admission

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
)

const (
	PriorityDefault   = 0
	PriorityStreaming = 10
)

// Task is the work admitted for one request. It runs with the context given
// to Submit.
type Task func(ctx context.Context) error

type Config struct {
	MaxConcurrent int
	MaxQueue      int
	LatencyWindow int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 50,
		MaxQueue:      1000,
		LatencyWindow: 1000,
	}
}

type Controller struct {
	mu      sync.Mutex
	cfg     Config
	queue   entryHeap
	active  int
	seq     uint64
	closing bool
	running sync.WaitGroup

	total     uint64
	completed uint64
	failed    uint64
	rejected  uint64

	latencies []time.Duration
	latIdx    int
	latCount  int

	health   Health
	onHealth []func(old, new Health)
	now      func() time.Time
}

func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = def.MaxQueue
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	return &Controller{
		cfg:       cfg,
		latencies: make([]time.Duration, cfg.LatencyWindow),
		health:    Healthy,
		now:       time.Now,
	}
}

// OnHealthChange registers fn to be called, outside the controller's lock,
// whenever the derived health state changes.
func (c *Controller) OnHealthChange(fn func(old, new Health)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealth = append(c.onHealth, fn)
}

// Submit queues task. It never blocks: a full queue fails with
// domain.ErrQueueFull and a closing controller with domain.ErrShuttingDown.
// The returned Future resolves with the task's error, the submit context's
// error if it is cancelled while still queued, or domain.ErrShuttingDown.
func (c *Controller) Submit(ctx context.Context, priority int, task Task) (*Future, error) {
	c.mu.Lock()

	if c.closing {
		c.rejected++
		c.mu.Unlock()
		metrics.RecordRejection("shutting_down")
		return nil, domain.ErrShuttingDown
	}
	if len(c.queue) >= c.cfg.MaxQueue {
		c.rejected++
		queued, active := len(c.queue), c.active
		c.mu.Unlock()
		metrics.RecordRejection("queue_full")
		slog.Warn("admission rejected", "queued", queued, "active", active)
		return nil, fmt.Errorf("%w: %d queued, %d active", domain.ErrQueueFull, queued, active)
	}

	c.seq++
	c.total++
	e := &entry{
		id:       uuid.NewString(),
		priority: priority,
		seq:      c.seq,
		enqueued: c.now(),
		ctx:      ctx,
		task:     task,
		future:   newFuture(),
	}
	e.future.ID = e.id
	heap.Push(&c.queue, e)
	e.stop = context.AfterFunc(ctx, func() { c.cancelQueued(e) })

	c.dispatch()
	notify := c.updateHealth()
	c.mu.Unlock()

	notify()
	return e.future, nil
}

// dispatch starts queued entries while there is room. Callers hold c.mu.
func (c *Controller) dispatch() {
	for !c.closing && c.active < c.cfg.MaxConcurrent && len(c.queue) > 0 {
		e := heap.Pop(&c.queue).(*entry)
		e.stop()
		if err := e.ctx.Err(); err != nil {
			c.failed++
			e.future.resolve(err)
			continue
		}
		c.active++
		c.running.Add(1)
		go c.run(e)
	}
	metrics.SetAdmission(len(c.queue), c.active)
}

func (c *Controller) run(e *entry) {
	defer c.running.Done()

	start := c.now()
	err := c.safeRun(e)
	elapsed := c.now().Sub(start)

	c.mu.Lock()
	c.active--
	if err != nil {
		c.failed++
	} else {
		c.completed++
	}
	c.recordLatency(elapsed)
	c.dispatch()
	notify := c.updateHealth()
	c.mu.Unlock()

	e.future.resolve(err)
	notify()
}

func (c *Controller) safeRun(e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("admitted task panicked", "task_id", e.id, "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return e.task(e.ctx)
}

func (c *Controller) cancelQueued(e *entry) {
	c.mu.Lock()
	if e.index < 0 || e.index >= len(c.queue) || c.queue[e.index] != e {
		c.mu.Unlock()
		return
	}
	heap.Remove(&c.queue, e.index)
	c.failed++
	metrics.SetAdmission(len(c.queue), c.active)
	notify := c.updateHealth()
	c.mu.Unlock()

	e.future.resolve(e.ctx.Err())
	notify()
}

func (c *Controller) recordLatency(d time.Duration) {
	c.latencies[c.latIdx] = d
	c.latIdx = (c.latIdx + 1) % len(c.latencies)
	if c.latCount < len(c.latencies) {
		c.latCount++
	}
}

// updateHealth recomputes the health state under c.mu and returns a func
// that runs the change hooks; call it after unlocking.
func (c *Controller) updateHealth() func() {
	next := deriveHealth(c.queueUtilization(), c.concurrencyUtilization())
	if next == c.health {
		return func() {}
	}
	old := c.health
	c.health = next
	hooks := append([]func(old, new Health){}, c.onHealth...)
	return func() {
		metrics.SetHealthState(int(next))
		for _, fn := range hooks {
			fn(old, next)
		}
	}
}

func (c *Controller) queueUtilization() float64 {
	return float64(len(c.queue)) / float64(c.cfg.MaxQueue)
}

func (c *Controller) concurrencyUtilization() float64 {
	return float64(c.active) / float64(c.cfg.MaxConcurrent)
}

// Shutdown stops admitting and dispatching, waits for running tasks until ctx
// is done, then rejects everything still queued with domain.ErrShuttingDown.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		c.running.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	pending := make([]*entry, 0, len(c.queue))
	for len(c.queue) > 0 {
		e := heap.Pop(&c.queue).(*entry)
		e.stop()
		pending = append(pending, e)
	}
	c.rejected += uint64(len(pending))
	metrics.SetAdmission(0, c.active)
	c.mu.Unlock()

	for _, e := range pending {
		e.future.resolve(domain.ErrShuttingDown)
	}
	if len(pending) > 0 {
		slog.Info("rejected queued requests on shutdown", "count", len(pending))
	}
	return err
}

type Stats struct {
	Total                  uint64        `json:"total"`
	Completed              uint64        `json:"completed"`
	Failed                 uint64        `json:"failed"`
	Rejected               uint64        `json:"rejected"`
	Active                 int           `json:"active"`
	Queued                 int           `json:"queued"`
	MaxConcurrent          int           `json:"maxConcurrent"`
	MaxQueue               int           `json:"maxQueue"`
	QueueUtilization       float64       `json:"queueUtilization"`
	ConcurrencyUtilization float64       `json:"concurrencyUtilization"`
	AverageLatency         time.Duration `json:"averageLatency"`
	P50Latency             time.Duration `json:"p50Latency"`
	P95Latency             time.Duration `json:"p95Latency"`
	P99Latency             time.Duration `json:"p99Latency"`
	SuccessRate            float64       `json:"successRate"`
	Health                 Health        `json:"health"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Total:                  c.total,
		Completed:              c.completed,
		Failed:                 c.failed,
		Rejected:               c.rejected,
		Active:                 c.active,
		Queued:                 len(c.queue),
		MaxConcurrent:          c.cfg.MaxConcurrent,
		MaxQueue:               c.cfg.MaxQueue,
		QueueUtilization:       c.queueUtilization(),
		ConcurrencyUtilization: c.concurrencyUtilization(),
		Health:                 c.health,
		SuccessRate:            1,
	}
	window := make([]time.Duration, c.latCount)
	copy(window, c.latencies[:c.latCount])
	c.mu.Unlock()

	if finished := s.Completed + s.Failed; finished > 0 {
		s.SuccessRate = float64(s.Completed) / float64(finished)
	}

	if len(window) > 0 {
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		var sum time.Duration
		for _, d := range window {
			sum += d
		}
		s.AverageLatency = sum / time.Duration(len(window))
		s.P50Latency = percentile(window, 0.50)
		s.P95Latency = percentile(window, 0.95)
		s.P99Latency = percentile(window, 0.99)
	}
	return s
}

func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// IsCapacityError reports whether err is an admission rejection the caller
// may retry later.
func IsCapacityError(err error) bool {
	return errors.Is(err, domain.ErrQueueFull)
}
