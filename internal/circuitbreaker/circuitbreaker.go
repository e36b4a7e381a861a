// Package circuitbreaker fails fast on upstream endpoints that keep failing.
//
// States:
//   - Closed: calls pass through
//   - Open: calls fail immediately with domain.ErrCircuitBreakerOpen
//   - Half-Open: after the cool-down, trial calls decide whether to close
//
// Outcomes are recorded per upstream call, after retries and credential
// rotation, so a single flaky credential does not trip the endpoint.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Timeout          time.Duration // open duration before half-open
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker guards one upstream endpoint.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
	now         func() time.Time
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:   name,
		state:  StateClosed,
		config: cfg,
		now:    time.Now,
	}
}

// Allow returns nil when a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailure) < b.config.Timeout {
			return domain.ErrCircuitBreakerOpen
		}
		b.setState(StateHalfOpen)
		b.successes = 0
	}
	return nil
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
		b.successes = 0
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.SetCircuitBreakerState(b.name, int(s))
}

// Manager hands out one breaker per endpoint key.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for endpoint, creating it on first use.
func (m *Manager) Get(endpoint string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[endpoint]
	m.mu.RUnlock()

	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[endpoint]; ok {
		return existing
	}

	b = New(endpoint, m.config)
	m.breakers[endpoint] = b
	return b
}

// States returns the state of every known endpoint.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.breakers))
	for id, b := range m.breakers {
		states[id] = b.State().String()
	}
	return states
}

// Open lists endpoints whose breaker is currently open.
func (m *Manager) Open() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []string
	for id, b := range m.breakers {
		if b.State() == StateOpen {
			open = append(open, id)
		}
	}
	sort.Strings(open)
	return open
}
