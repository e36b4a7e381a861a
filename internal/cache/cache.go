// Package cache stores remote binary assets (images referenced by URL) keyed
// by a hash of their source URI. Entries expire after a fixed TTL and the
// cache never holds more than its capacity; a miss only means "fetch again".
// It supports both in-memory (single instance) and Redis (distributed) backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Asset is a fetched payload and its MIME type.
type Asset struct {
	SourceURI  string    `json:"source_uri"`
	Data       []byte    `json:"data"`
	MimeType   string    `json:"mime_type"`
	Size       int       `json:"size"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Cache defines the interface for asset caching backends.
type Cache interface {
	Get(ctx context.Context, uri string) (*Asset, bool)
	Set(ctx context.Context, uri string, asset *Asset) error
}

// Key returns the storage key for a source URI. The key depends on the URI
// only, so repeated references to the same resource hit the same entry.
func Key(uri string) string {
	hash := sha256.Sum256([]byte(uri))
	return "asset:" + hex.EncodeToString(hash[:])
}

type Config struct {
	Capacity      int
	TTL           time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:      50,
		TTL:           30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

type InMemoryCache struct {
	mu       sync.RWMutex
	items    map[string]*Asset
	capacity int
	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

func NewInMemoryCache(cfg Config) *InMemoryCache {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	c := &InMemoryCache{
		items:    make(map[string]*Asset),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go c.cleanup(cfg.SweepInterval)
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, uri string) (*Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[Key(uri)]
	if !ok {
		return nil, false
	}

	if c.expired(item, c.now()) {
		return nil, false
	}

	return item, true
}

func (c *InMemoryCache) Set(ctx context.Context, uri string, asset *Asset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key(uri)
	stored := *asset
	stored.SourceURI = uri
	stored.Size = len(asset.Data)
	stored.InsertedAt = c.now()

	if _, exists := c.items[key]; !exists {
		for len(c.items) >= c.capacity {
			c.evictOldestLocked()
		}
	}
	c.items[key] = &stored

	return nil
}

// Len reports the number of stored entries, including expired ones not yet swept.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Sweep removes expired entries and returns how many were purged.
func (c *InMemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for key, item := range c.items {
		if c.expired(item, now) {
			delete(c.items, key)
			purged++
		}
	}
	return purged
}

func (c *InMemoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *InMemoryCache) expired(item *Asset, now time.Time) bool {
	return !now.Before(item.InsertedAt.Add(c.ttl))
}

func (c *InMemoryCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, item := range c.items {
		if oldestKey == "" || item.InsertedAt.Before(oldest) {
			oldestKey, oldest = key, item.InsertedAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}

func (c *InMemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
