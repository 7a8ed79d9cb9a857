package coalesce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pavelgr/dexrelay/internal/cache"
	"github.com/pavelgr/dexrelay/internal/ratelimit"
)

// ErrThrottled is returned when a key is over its circuit ceiling or in
// backoff and no cached value, fresh or stale, exists to mask it.
var ErrThrottled = errors.New("key throttled and no cached value available")

// RateLimitedError is implemented by upstream errors that represent an
// explicit rate-limit response (HTTP 429).
type RateLimitedError interface {
	error
	RateLimited() bool
}

func isRateLimited(err error) bool {
	var rl RateLimitedError
	return errors.As(err, &rl) && rl.RateLimited()
}

// Config holds Cache Manager configuration.
//
// The token bucket in the rate limiter is the single authoritative
// outbound throttle. WindowLimit is deliberately not a second rate
// model: it is a per-key circuit ceiling that stops one hot key from
// monopolising the shared bucket inside any sliding window.
type Config struct {
	WindowLimit    int           // Max fetches per key per window (default: 30)
	Window         time.Duration // Sliding window length (default: 60s)
	BackoffBase    time.Duration // First backoff after an upstream 429 (default: 1s)
	BackoffMax     time.Duration // Backoff cap (default: 60s)
	ThrottleStates int           // Bound on tracked per-key states (default: 512)
	SweepInterval  time.Duration // Idle-state sweep interval (default: 60s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowLimit:    30,
		Window:         60 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     60 * time.Second,
		ThrottleStates: 512,
		SweepInterval:  60 * time.Second,
	}
}

// Result describes how a Get was served.
type Result struct {
	CacheHit  bool // Served from a fresh cache entry
	Stale     bool // Served from an expired entry after a skipped or failed fetch
	Throttled bool // Network call skipped by the circuit ceiling or backoff
}

// Fetcher performs the upstream call on a cache miss.
type Fetcher[V any] func(ctx context.Context) (V, error)

type keyState struct {
	windowStart  time.Time
	count        int
	backoff      time.Duration
	blockedUntil time.Time
}

// Manager composes the tiered cache and the rate limiter into a
// cache-first, single-flight fetch path with stale-on-error fallback.
type Manager[V any] struct {
	cfg     Config
	logger  *slog.Logger
	cache   *cache.Cache[V]
	limiter *ratelimit.Limiter

	mu     sync.Mutex
	states *lru.Cache[string, *keyState]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Manager on top of an existing cache and limiter.
func New[V any](cfg Config, c *cache.Cache[V], l *ratelimit.Limiter, logger *slog.Logger) (*Manager[V], error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.WindowLimit <= 0 {
		cfg.WindowLimit = def.WindowLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.ThrottleStates <= 0 {
		cfg.ThrottleStates = def.ThrottleStates
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	states, err := lru.New[string, *keyState](cfg.ThrottleStates)
	if err != nil {
		return nil, fmt.Errorf("create throttle state store: %w", err)
	}

	return &Manager[V]{
		cfg:     cfg,
		logger:  logger,
		cache:   c,
		limiter: l,
		states:  states,
	}, nil
}

// Start begins the idle-state sweep loop.
func (m *Manager[V]) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.run()

	return nil
}

// Stop shuts down the sweep loop.
func (m *Manager[V]) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager[V]) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// Get serves key cache-first. On a miss it fetches through the rate
// limiter, which bounds in-flight fetches per key to exactly one. A
// failed fetch is masked by a stale entry when one exists; an upstream
// 429 additionally doubles the key's backoff before the next fetch.
func (m *Manager[V]) Get(ctx context.Context, key string, ttl time.Duration, fetch Fetcher[V]) (V, Result, error) {
	var zero V
	now := time.Now()

	if m.blocked(key, now) {
		if v, ok := m.cache.Get(key); ok {
			return v, Result{CacheHit: true, Throttled: true}, nil
		}
		if v, ok := m.cache.GetStale(key); ok {
			return v, Result{Stale: true, Throttled: true}, nil
		}
		return zero, Result{Throttled: true}, ErrThrottled
	}

	if v, ok := m.cache.Get(key); ok {
		return v, Result{CacheHit: true}, nil
	}

	// recordAttempt runs inside the single-flight body so deduplicated
	// callers do not count against the window ceiling.
	res, err := m.limiter.Execute(ctx, key, func(ctx context.Context) (any, error) {
		m.recordAttempt(key, time.Now())
		return fetch(ctx)
	})
	if err == nil {
		v, ok := res.(V)
		if !ok {
			return zero, Result{}, fmt.Errorf("unexpected fetch result type %T for key %q", res, key)
		}
		m.cache.Set(key, v, ttl)
		m.clearBackoff(key)
		return v, Result{}, nil
	}

	if isRateLimited(err) {
		m.applyBackoff(key, time.Now())
	}

	if v, ok := m.cache.GetStale(key); ok {
		m.logger.Warn("fetch failed, serving stale value", "key", key, "error", err)
		return v, Result{Stale: true}, nil
	}
	return zero, Result{}, err
}

// Invalidate removes keys from the cache and clears their throttle state.
func (m *Manager[V]) Invalidate(keys ...string) {
	m.cache.Invalidate(keys...)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.states.Remove(key)
	}
}

func (m *Manager[V]) blocked(key string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states.Get(key)
	if !ok {
		return false
	}
	if now.Before(st.blockedUntil) {
		return true
	}
	if now.Sub(st.windowStart) > m.cfg.Window {
		st.windowStart = now
		st.count = 0
		return false
	}
	return st.count >= m.cfg.WindowLimit
}

func (m *Manager[V]) recordAttempt(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states.Get(key)
	if !ok {
		st = &keyState{windowStart: now}
		m.states.Add(key, st)
	}
	if now.Sub(st.windowStart) > m.cfg.Window {
		st.windowStart = now
		st.count = 0
	}
	st.count++
}

func (m *Manager[V]) applyBackoff(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states.Get(key)
	if !ok {
		st = &keyState{windowStart: now}
		m.states.Add(key, st)
	}
	if st.backoff <= 0 {
		st.backoff = m.cfg.BackoffBase
	} else {
		st.backoff *= 2
	}
	if st.backoff > m.cfg.BackoffMax {
		st.backoff = m.cfg.BackoffMax
	}
	st.blockedUntil = now.Add(st.backoff)

	m.logger.Warn("upstream rate limited, backing off",
		"key", key,
		"backoff", st.backoff,
	)
}

func (m *Manager[V]) clearBackoff(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.states.Get(key); ok {
		st.backoff = 0
		st.blockedUntil = time.Time{}
	}
}

// sweep drops states that are idle past a full window and no longer in
// backoff, so key cardinality cannot grow without bound.
func (m *Manager[V]) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.states.Keys() {
		st, ok := m.states.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(st.windowStart) > m.cfg.Window && !now.Before(st.blockedUntil) {
			m.states.Remove(key)
		}
	}
}
