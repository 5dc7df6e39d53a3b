// Package healthcache tracks recent delivery failures per endpoint so that
// endpoints which keep failing can be skipped for a while.
//
// Entries expire a fixed TTL after they are created, no matter how often
// they are touched afterwards. Capacity is bounded; when it is exceeded the
// least recently touched entry is evicted. A successful delivery does not
// clear an entry, recovery only happens through expiry.
package healthcache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/harbor_fanout/internal/metrics"
)

const (
	DefaultCapacity  = 10000
	DefaultTTL       = 3 * time.Minute
	DefaultThreshold = 25
)

type Config struct {
	Capacity  int           // max distinct endpoints tracked
	TTL       time.Duration // lifetime of an entry from its first failure
	Threshold int           // failures at which an endpoint is suppressed
}

// DefaultConfig returns the stock capacity, TTL and threshold.
func DefaultConfig() Config {
	return Config{
		Capacity:  DefaultCapacity,
		TTL:       DefaultTTL,
		Threshold: DefaultThreshold,
	}
}

type entry struct {
	endpoint   string
	failures   int
	insertedAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	ll    *list.List // front = most recently touched
	items map[string]*list.Element
	now   func() time.Time
}

type Option func(*Cache)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache. Zero or negative config values fall back to defaults.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	c := &Cache{
		cfg:   cfg,
		ll:    list.New(),
		items: make(map[string]*list.Element),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Config() Config {
	return c.cfg
}

// IsAllowed reports whether endpoint may be delivered to. It is false only
// while a live entry has reached the failure threshold.
func (c *Cache) IsAllowed(endpoint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(endpoint)
	if !ok {
		return true
	}
	return e.failures < c.cfg.Threshold
}

// RecordFailure increments the failure count for endpoint, creating the
// entry if needed, and marks it as most recently touched. It returns the
// new count.
func (c *Cache) RecordFailure(endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.liveLocked(endpoint); ok {
		e.failures++
		c.ll.MoveToFront(c.items[endpoint])
		return e.failures
	}

	c.items[endpoint] = c.ll.PushFront(&entry{
		endpoint:   endpoint,
		failures:   1,
		insertedAt: c.now(),
	})
	for c.ll.Len() > c.cfg.Capacity {
		c.removeLocked(c.ll.Back())
		metrics.RecordHealthEviction("capacity")
	}
	metrics.SetHealthEntries(c.ll.Len())
	return 1
}

// Peek returns the current failure count without changing eviction order.
// Expired entries are reported as absent.
func (c *Cache) Peek(endpoint string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[endpoint]
	if !ok {
		return 0, false
	}
	e := el.Value.(*entry)
	if c.expired(e) {
		return 0, false
	}
	return e.failures, true
}

// Len returns the number of entries held, including expired ones that have
// not been swept yet.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry)) {
			c.removeLocked(el)
			metrics.RecordHealthEviction("ttl")
			removed++
		}
		el = prev
	}
	metrics.SetHealthEntries(c.ll.Len())
	return removed
}

// Run sweeps expired entries every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be > 0, got %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// liveLocked returns the entry for endpoint, dropping it first if it has
// expired.
func (c *Cache) liveLocked(endpoint string) (*entry, bool) {
	el, ok := c.items[endpoint]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.expired(e) {
		c.removeLocked(el)
		metrics.RecordHealthEviction("ttl")
		metrics.SetHealthEntries(c.ll.Len())
		return nil, false
	}
	return e, true
}

func (c *Cache) expired(e *entry) bool {
	return c.now().Sub(e.insertedAt) >= c.cfg.TTL
}

func (c *Cache) removeLocked(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).endpoint)
}
