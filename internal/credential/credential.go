// Package credential manages the pool of backend API keys: which key serves
// the next attempt, and how many requests each key has made in its current
// rate window. Usage tracking is advisory; the backend's 429 stays the ground
// truth.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
)

// Credential is one backend API key. ID is safe to log.
type Credential struct {
	ID  string
	Key string
}

func New(key string) Credential {
	sum := sha256.Sum256([]byte(key))
	return Credential{ID: hex.EncodeToString(sum[:])[:8], Key: key}
}

// FromKeys builds credentials from raw keys, skipping blanks and duplicates
// while keeping the configured order.
func FromKeys(keys []string) []Credential {
	seen := make(map[string]bool, len(keys))
	creds := make([]Credential, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		creds = append(creds, New(k))
	}
	return creds
}

type PoolConfig struct {
	Selector Selector
	Tracker  UsageTracker
	// Limit is the per-credential request cap per window. Zero disables it.
	Limit int
}

type Pool struct {
	creds    []Credential
	selector Selector
	tracker  UsageTracker
	limit    int
	next     atomic.Uint64
}

func NewPool(creds []Credential, cfg PoolConfig) (*Pool, error) {
	if len(creds) == 0 {
		return nil, domain.ErrNoCredentials
	}
	if cfg.Selector == nil {
		cfg.Selector = RoundRobin{}
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewInMemoryUsageTracker()
	}
	return &Pool{
		creds:    append([]Credential(nil), creds...),
		selector: cfg.Selector,
		tracker:  cfg.Tracker,
		limit:    cfg.Limit,
	}, nil
}

func (p *Pool) Size() int {
	return len(p.creds)
}

// Rotation starts a new sequence of attempts. Each request gets its own
// rotation so concurrent requests spread over different starting keys.
func (p *Pool) Rotation() *Rotation {
	base := int((p.next.Add(1) - 1) % uint64(len(p.creds)))
	return &Rotation{pool: p, base: base, used: make(map[int]bool, len(p.creds))}
}

// Usage is a snapshot of one credential's window.
type Usage struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
	Limit int    `json:"limit,omitempty"`
}

func (p *Pool) Stats(ctx context.Context) []Usage {
	out := make([]Usage, 0, len(p.creds))
	for _, c := range p.creds {
		n, err := p.tracker.Usage(ctx, c.ID)
		if err != nil {
			n = 0
		}
		out = append(out, Usage{ID: c.ID, Count: n, Limit: p.limit})
	}
	return out
}

func (p *Pool) usage(ctx context.Context) []int {
	counts := make([]int, len(p.creds))
	for i, c := range p.creds {
		if n, err := p.tracker.Usage(ctx, c.ID); err == nil {
			counts[i] = n
		}
	}
	return counts
}

// Rotation hands out one credential per attempt, never the same one twice.
type Rotation struct {
	pool    *Pool
	base    int
	attempt int
	used    map[int]bool
}

// Next returns the credential for the next attempt and records its use.
// Credentials already handed out by this rotation or at their window limit
// are skipped; when none is left, Next returns domain.ErrCredentialsExhausted.
func (r *Rotation) Next(ctx context.Context) (Credential, error) {
	p := r.pool
	attempt := r.attempt
	r.attempt++

	var usage []int
	if _, ok := p.selector.(LeastUsed); ok {
		usage = p.usage(ctx)
	}

	for _, idx := range p.selector.Order(r.base, attempt, len(p.creds), usage) {
		if r.used[idx] {
			continue
		}
		c := p.creds[idx]
		allowed, count, err := p.tracker.Allow(ctx, c.ID, p.limit)
		if err != nil {
			return Credential{}, fmt.Errorf("track usage for credential %s: %w", c.ID, err)
		}
		if !allowed {
			continue
		}
		r.used[idx] = true
		metrics.SetCredentialUsage(c.ID, count)
		return c, nil
	}
	return Credential{}, domain.ErrCredentialsExhausted
}

// Attempts reports how many credentials this rotation has handed out.
func (r *Rotation) Attempts() int {
	return r.attempt
}
