package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrStopped is returned to queued callers when the limiter shuts down.
var ErrStopped = errors.New("rate limiter stopped")

// Config holds rate limiter configuration.
type Config struct {
	RatePerSecond float64 // Token refill rate (default: 45)
	MaxBurst      int     // Bucket capacity (default: 50)
}

// DefaultConfig returns sensible defaults, sized below the typical
// upstream budget to leave headroom.
func DefaultConfig() Config {
	return Config{
		RatePerSecond: 45,
		MaxBurst:      50,
	}
}

// Stats contains limiter statistics.
type Stats struct {
	Executed int64 // Calls that consumed a token
	Deduped  int64 // Calls that joined an in-flight execution
	Queued   int64 // Calls that waited for a token
	QueueLen int   // Callers currently waiting
}

// Operation is the upstream call performed once a token is granted.
type Operation func(ctx context.Context) (any, error)

type waiter struct {
	ready     chan struct{}
	err       error // set before ready closes
	cancelled bool
}

// Limiter throttles outbound calls with a token bucket and collapses
// concurrent identical calls into a single execution.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	sf singleflight.Group

	mu     sync.Mutex
	tokens float64
	last   time.Time
	queue  []*waiter
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	executed int64
	deduped  int64
	queued   int64
}

// New creates a new Limiter.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultConfig().RatePerSecond
	}
	if cfg.MaxBurst <= 0 {
		cfg.MaxBurst = DefaultConfig().MaxBurst
	}
	return &Limiter{
		cfg:    cfg,
		logger: logger,
		tokens: float64(cfg.MaxBurst),
		last:   time.Now(),
		wake:   make(chan struct{}, 1),
	}
}

// Start begins the queue drain loop.
func (l *Limiter) Start(ctx context.Context) error {
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.drainLoop()

	l.logger.Debug("rate limiter started",
		"rate", l.cfg.RatePerSecond,
		"burst", l.cfg.MaxBurst,
	)
	return nil
}

// Stop shuts down the drain loop and fails all queued callers.
func (l *Limiter) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs op once a token is available. Concurrent calls sharing
// the same key join the first call's result instead of consuming
// additional tokens. Errors propagate to every sharing caller and are
// never cached.
func (l *Limiter) Execute(ctx context.Context, key string, op Operation) (any, error) {
	shared := true
	v, err, _ := l.sf.Do(key, func() (any, error) {
		shared = false
		if err := l.acquire(ctx); err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.executed++
		l.mu.Unlock()
		return op(ctx)
	})
	if shared {
		l.mu.Lock()
		l.deduped++
		l.mu.Unlock()
	}
	return v, err
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Executed: l.executed,
		Deduped:  l.deduped,
		Queued:   l.queued,
		QueueLen: len(l.queue),
	}
}

// acquire consumes a token, queueing in FIFO order when none is
// available. Queued callers are granted tokens by the drain loop.
func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	l.refill(time.Now())
	if len(l.queue) == 0 && l.tokens >= 1 {
		l.tokens--
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.queued++
	l.mu.Unlock()

	// Nudge the drain loop; the buffered channel makes this lossless
	// without blocking.
	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		l.mu.Lock()
		w.cancelled = true
		l.mu.Unlock()
		// The grant may have raced the cancellation; return the token.
		select {
		case <-w.ready:
			l.mu.Lock()
			l.refill(time.Now())
			if l.tokens < float64(l.cfg.MaxBurst) {
				l.tokens++
			}
			l.mu.Unlock()
		default:
		}
		return ctx.Err()
	}
}

// drainLoop grants tokens to queued callers in submission order. It
// sleeps on the wake channel while the queue is empty and polls at the
// token period otherwise.
func (l *Limiter) drainLoop() {
	defer l.wg.Done()

	period := time.Duration(float64(time.Second) / l.cfg.RatePerSecond)
	if period <= 0 {
		period = time.Millisecond
	}

	for {
		select {
		case <-l.ctx.Done():
			l.failQueued()
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			l.refill(time.Now())
			for len(l.queue) > 0 && l.tokens >= 1 {
				w := l.queue[0]
				l.queue = l.queue[1:]
				if w.cancelled {
					continue
				}
				l.tokens--
				close(w.ready)
			}
			empty := len(l.queue) == 0
			l.mu.Unlock()

			if empty {
				break
			}

			select {
			case <-l.ctx.Done():
				l.failQueued()
				return
			case <-time.After(period):
			}
		}
	}
}

func (l *Limiter) failQueued() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.queue {
		if !w.cancelled {
			w.err = ErrStopped
			close(w.ready)
		}
	}
	l.queue = nil
}

// refill tops up the bucket for elapsed time, capped at the burst size.
// Caller must hold l.mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.last)
	if elapsed <= 0 {
		return
	}
	l.tokens += l.cfg.RatePerSecond * elapsed.Seconds()
	if l.tokens > float64(l.cfg.MaxBurst) {
		l.tokens = float64(l.cfg.MaxBurst)
	}
	l.last = now
}
