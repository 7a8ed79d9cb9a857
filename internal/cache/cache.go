package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Config holds Tiered Cache configuration.
type Config struct {
	MaxEntries    int           // Max entries per instance (default: 1000)
	PromoteAfter  int           // Hits before promotion to the hot tier (default: 10)
	DefaultTTL    time.Duration // TTL used when Set receives none (default: 30s)
	SweepInterval time.Duration // Janitor sweep interval (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    1000,
		PromoteAfter:  10,
		DefaultTTL:    30 * time.Second,
		SweepInterval: 10 * time.Second,
	}
}

// Stats contains cache statistics.
type Stats struct {
	HotSize      int
	StandardSize int
	Hits         int64
	Misses       int64
	Promotions   int64
	Evictions    int64
	Expired      int64
}

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
	hits     int
}

// Cache is a two-tier in-memory cache. The hot tier is read without
// timestamp math; the standard tier enforces per-entry TTL. Every hot
// key keeps its standard twin so the janitor can expire both together.
type Cache[V any] struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	hot      map[string]V
	standard map[string]*entry[V]
	order    []string // standard-tier keys, oldest insertion first

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	hits       int64
	misses     int64
	promotions int64
	evictions  int64
	expired    int64
}

// New creates a new Cache.
func New[V any](cfg Config, logger *slog.Logger) *Cache[V] {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.PromoteAfter <= 0 {
		cfg.PromoteAfter = DefaultConfig().PromoteAfter
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultConfig().DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Cache[V]{
		cfg:      cfg,
		logger:   logger,
		hot:      make(map[string]V),
		standard: make(map[string]*entry[V]),
	}
}

// Start begins the janitor sweep loop.
func (c *Cache[V]) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run()

	c.logger.Debug("cache janitor started", "interval", c.cfg.SweepInterval)
	return nil
}

// Stop shuts down the janitor.
func (c *Cache[V]) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache[V]) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// Get returns the cached value for key, or false when absent or expired.
// Expired standard entries are removed lazily here.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.hot[key]; ok {
		c.hits++
		return v, true
	}

	e, ok := c.standard[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if time.Since(e.storedAt) > e.ttl {
		c.removeLocked(key)
		c.expired++
		c.misses++
		return zero, false
	}

	e.hits++
	if e.hits >= c.cfg.PromoteAfter {
		c.hot[key] = e.value
		c.promotions++
	}
	c.hits++
	return e.value, true
}

// GetStale returns the cached value even when its TTL has elapsed. It is
// the explicit stale-fallback path: an expired entry survives here until
// the janitor sweeps it.
func (c *Cache[V]) GetStale(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.hot[key]; ok {
		return v, true
	}
	if e, ok := c.standard[key]; ok {
		return e.value, true
	}
	return zero, false
}

// Set stores value under key. A non-positive ttl falls back to the
// configured default. When the entry limit is exceeded the oldest
// inserted key is evicted from both tiers.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if key == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.standard[key]; ok {
		e.value = value
		e.storedAt = time.Now()
		e.ttl = ttl
		if _, hot := c.hot[key]; hot {
			c.hot[key] = value
		}
		return
	}

	c.standard[key] = &entry[V]{
		value:    value,
		storedAt: time.Now(),
		ttl:      ttl,
	}
	c.order = append(c.order, key)

	for len(c.standard) > c.cfg.MaxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.removeLocked(oldest)
		c.evictions++
	}
}

// Invalidate removes the given keys from both tiers.
func (c *Cache[V]) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.removeLocked(key)
	}
}

// InvalidatePrefix removes every key sharing the given prefix.
func (c *Cache[V]) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.standard {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key)
		}
	}
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		HotSize:      len(c.hot),
		StandardSize: len(c.standard),
		Hits:         c.hits,
		Misses:       c.misses,
		Promotions:   c.promotions,
		Evictions:    c.evictions,
		Expired:      c.expired,
	}
}

// sweep removes expired standard entries and their hot-tier copies.
func (c *Cache[V]) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.standard {
		if now.Sub(e.storedAt) > e.ttl {
			c.removeLocked(key)
			c.expired++
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache sweep", "removed", removed, "remaining", len(c.standard))
	}
}

// removeLocked deletes key from both tiers and the insertion queue.
// Caller must hold c.mu.
func (c *Cache[V]) removeLocked(key string) {
	if _, ok := c.standard[key]; !ok {
		return
	}
	delete(c.standard, key)
	delete(c.hot, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
