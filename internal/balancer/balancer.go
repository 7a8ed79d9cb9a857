package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNoHealthyEndpoints is fatal for the current call: the whole pool is
// down and the recovery pass could not revive any endpoint.
var ErrNoHealthyEndpoints = errors.New("no healthy endpoint available")

// Operation is a call parameterized over the chosen endpoint address.
type Operation func(ctx context.Context, endpoint string) error

// Probe is the cheap liveness call issued against every endpoint.
type Probe func(ctx context.Context, endpoint string) error

// Config holds Load Balancer configuration.
type Config struct {
	ErrorThreshold int           // Consecutive errors before unhealthy (default: 5)
	MaxAttempts    int           // Endpoints tried per Execute (default: 3)
	ProbeInterval  time.Duration // Liveness probe interval (default: 5s)
	ProbeTimeout   time.Duration // Per-probe timeout (default: 3s)
	RecencyWindow  time.Duration // Probe-success window earning the bonus (default: 5s)
	RecencyBonus   float64       // Score bonus for recently probed endpoints (default: 25)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 5,
		MaxAttempts:    3,
		ProbeInterval:  5 * time.Second,
		ProbeTimeout:   3 * time.Second,
		RecencyWindow:  5 * time.Second,
		RecencyBonus:   25,
	}
}

// EndpointStats summarises one endpoint's health.
type EndpointStats struct {
	Address           string    `json:"address"`
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	ResponseTimeMs    float64   `json:"response_time_ms"`
	Score             float64   `json:"score"`
	LastProbe         time.Time `json:"last_probe"`
}

type endpointState struct {
	address           string
	weight            float64
	healthy           bool
	consecutiveErrors int
	responseTimeMs    float64
	lastProbe         time.Time
	lastSuccess       time.Time
}

// Balancer maintains a pool of interchangeable backend endpoints and
// executes operations against the healthiest one with failover.
type Balancer struct {
	cfg    Config
	logger *slog.Logger
	probe  Probe

	mu        sync.Mutex
	endpoints []*endpointState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Balancer over the given endpoint addresses. All
// endpoints start healthy with equal weight.
func New(cfg Config, addresses []string, probe Probe, logger *slog.Logger) (*Balancer, error) {
	if len(addresses) == 0 {
		return nil, errors.New("at least one endpoint address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.RecencyBonus <= 0 {
		cfg.RecencyBonus = def.RecencyBonus
	}

	b := &Balancer{
		cfg:    cfg,
		logger: logger,
		probe:  probe,
	}
	for _, addr := range addresses {
		b.endpoints = append(b.endpoints, &endpointState{
			address: addr,
			weight:  1,
			healthy: true,
		})
	}
	return b, nil
}

// Start begins the periodic probe loop.
func (b *Balancer) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.run()

	b.logger.Info("load balancer started",
		"endpoints", len(b.endpoints),
		"probe_interval", b.cfg.ProbeInterval,
	)
	return nil
}

// Stop shuts down the probe loop.
func (b *Balancer) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("load balancer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Balancer) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.probeAll(b.ctx)
		}
	}
}

// Execute runs op against the best healthy endpoint, failing over to
// the next-highest-scoring one up to the attempt ceiling. When the
// whole pool is unhealthy one recovery pass resets error counters and
// re-probes; if that also fails the call raises ErrNoHealthyEndpoints.
func (b *Balancer) Execute(ctx context.Context, op Operation) error {
	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		ep := b.selectEndpoint(tried)
		if ep == nil {
			if len(tried) > 0 {
				// Pool exhausted mid-failover; keep the caller's error.
				break
			}
			if err := b.recoverPool(ctx); err != nil {
				return err
			}
			ep = b.selectEndpoint(tried)
			if ep == nil {
				return ErrNoHealthyEndpoints
			}
		}

		start := time.Now()
		err := op(ctx, ep.address)
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)

		if err == nil {
			b.recordSuccess(ep.address, elapsed)
			return nil
		}

		lastErr = err
		tried[ep.address] = true
		b.recordFailure(ep.address)
		b.logger.Warn("endpoint call failed, trying next",
			"endpoint", ep.address,
			"attempt", attempt+1,
			"error", err,
		)
	}

	if lastErr == nil {
		return ErrNoHealthyEndpoints
	}
	return fmt.Errorf("all attempts failed: %w", lastErr)
}

// Stats returns a health summary for every endpoint in the pool.
func (b *Balancer) Stats() []EndpointStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	stats := make([]EndpointStats, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		stats = append(stats, EndpointStats{
			Address:           ep.address,
			Healthy:           ep.healthy,
			ConsecutiveErrors: ep.consecutiveErrors,
			ResponseTimeMs:    ep.responseTimeMs,
			Score:             b.score(ep, now),
			LastProbe:         ep.lastProbe,
		})
	}
	return stats
}

// score ranks an endpoint: weight minus latency and error penalties,
// plus a bonus for a successful probe within the recency window.
func (b *Balancer) score(ep *endpointState, now time.Time) float64 {
	s := ep.weight*100 - ep.responseTimeMs/10 - float64(ep.consecutiveErrors)*20
	if !ep.lastSuccess.IsZero() && now.Sub(ep.lastSuccess) <= b.cfg.RecencyWindow {
		s += b.cfg.RecencyBonus
	}
	return s
}

// selectEndpoint returns the healthy untried endpoint with the highest
// score, or nil when none qualifies.
func (b *Balancer) selectEndpoint(tried map[string]bool) *endpointState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var best *endpointState
	var bestScore float64
	for _, ep := range b.endpoints {
		if !ep.healthy || tried[ep.address] {
			continue
		}
		s := b.score(ep, now)
		if best == nil || s > bestScore {
			best = ep
			bestScore = s
		}
	}
	return best
}

func (b *Balancer) recordSuccess(address string, elapsedMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep := b.findLocked(address)
	if ep == nil {
		return
	}
	ep.responseTimeMs = elapsedMs
	if ep.consecutiveErrors > 0 {
		ep.consecutiveErrors--
	}
	ep.lastSuccess = time.Now()
}

func (b *Balancer) recordFailure(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep := b.findLocked(address)
	if ep == nil {
		return
	}
	ep.consecutiveErrors++
	if ep.consecutiveErrors > b.cfg.ErrorThreshold && ep.healthy {
		ep.healthy = false
		b.logger.Warn("endpoint marked unhealthy",
			"endpoint", ep.address,
			"consecutive_errors", ep.consecutiveErrors,
		)
	}
}

func (b *Balancer) findLocked(address string) *endpointState {
	for _, ep := range b.endpoints {
		if ep.address == address {
			return ep
		}
	}
	return nil
}

// recoverPool resets every error counter and re-probes the whole pool.
func (b *Balancer) recoverPool(ctx context.Context) error {
	b.logger.Warn("all endpoints unhealthy, attempting recovery")

	b.mu.Lock()
	for _, ep := range b.endpoints {
		ep.consecutiveErrors = 0
	}
	b.mu.Unlock()

	b.probeAll(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range b.endpoints {
		if ep.healthy {
			return nil
		}
	}
	return ErrNoHealthyEndpoints
}

// probeAll issues the liveness call against every endpoint. A success
// marks the endpoint healthy and decays its error counter by one.
func (b *Balancer) probeAll(ctx context.Context) {
	if b.probe == nil {
		return
	}

	b.mu.Lock()
	addresses := make([]string, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		addresses = append(addresses, ep.address)
	}
	b.mu.Unlock()

	for _, addr := range addresses {
		probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
		start := time.Now()
		err := b.probe(probeCtx, addr)
		elapsed := float64(time.Since(start)) / float64(time.Millisecond)
		cancel()

		b.mu.Lock()
		ep := b.findLocked(addr)
		if ep == nil {
			b.mu.Unlock()
			continue
		}
		ep.lastProbe = time.Now()
		if err != nil {
			ep.consecutiveErrors++
			if ep.consecutiveErrors > b.cfg.ErrorThreshold && ep.healthy {
				ep.healthy = false
				b.logger.Warn("endpoint failed probe, marked unhealthy",
					"endpoint", addr,
					"consecutive_errors", ep.consecutiveErrors,
				)
			}
			b.mu.Unlock()
			continue
		}
		if !ep.healthy {
			b.logger.Info("endpoint recovered", "endpoint", addr)
		}
		ep.healthy = true
		ep.responseTimeMs = elapsed
		if ep.consecutiveErrors > 0 {
			ep.consecutiveErrors--
		}
		ep.lastSuccess = ep.lastProbe
		b.mu.Unlock()
	}
}
