// Package connpool tracks outbound connection intent per upstream endpoint.
// It does not own sockets; it bounds how many endpoints the gateway talks to
// at once and feeds pool utilization into health reporting.
package connpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
)

type Config struct {
	MaxEntries     int
	MaxPerEndpoint int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxEntries:    20,
		IdleTimeout:   30 * time.Second,
		SweepInterval: 10 * time.Second,
	}
}

type entry struct {
	key      string
	leases   int
	lastUsed time.Time
}

type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	p := &Pool{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go p.cleanup()
	return p
}

// Acquire takes a lease on key. When key is new and the pool is full, the
// least recently used idle entry is evicted; if every entry is busy Acquire
// fails with domain.ErrPoolExhausted.
func (p *Pool) Acquire(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	e, ok := p.entries[key]
	if !ok {
		if len(p.entries) >= p.cfg.MaxEntries && !p.evictLRU() {
			return fmt.Errorf("%w: %d endpoints in use", domain.ErrPoolExhausted, len(p.entries))
		}
		e = &entry{key: key}
		p.entries[key] = e
	}

	if p.cfg.MaxPerEndpoint > 0 && e.leases >= p.cfg.MaxPerEndpoint {
		return fmt.Errorf("%w: %d in flight to %s", domain.ErrPoolExhausted, e.leases, key)
	}

	e.leases++
	e.lastUsed = now
	p.report()
	return nil
}

// Release returns a lease taken by Acquire. Unknown keys are ignored.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || e.leases == 0 {
		return
	}
	e.leases--
	e.lastUsed = p.now()
	p.report()
}

func (p *Pool) evictLRU() bool {
	var victim *entry
	for _, e := range p.entries {
		if e.leases > 0 {
			continue
		}
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	if victim == nil {
		return false
	}
	delete(p.entries, victim.key)
	return true
}

// Sweep drops idle entries unused for longer than the idle timeout and
// returns how many it removed.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-p.cfg.IdleTimeout)
	removed := 0
	for key, e := range p.entries {
		if e.leases == 0 && e.lastUsed.Before(cutoff) {
			delete(p.entries, key)
			removed++
		}
	}
	if removed > 0 {
		p.report()
	}
	return removed
}

type Stats struct {
	Entries     int     `json:"entries"`
	Active      int     `json:"active"`
	Idle        int     `json:"idle"`
	Leases      int     `json:"leases"`
	MaxEntries  int     `json:"maxEntries"`
	Utilization float64 `json:"utilization"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.statsLocked()
}

func (p *Pool) statsLocked() Stats {
	s := Stats{Entries: len(p.entries), MaxEntries: p.cfg.MaxEntries}
	for _, e := range p.entries {
		if e.leases > 0 {
			s.Active++
			s.Leases += e.leases
		} else {
			s.Idle++
		}
	}
	s.Utilization = float64(s.Active) / float64(s.MaxEntries)
	return s
}

func (p *Pool) report() {
	s := p.statsLocked()
	metrics.SetPoolEntries(s.Active, s.Idle)
}

func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) cleanup() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}
