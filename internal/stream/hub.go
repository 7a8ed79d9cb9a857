package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelgr/dexrelay/internal/metrics"
)

// Message types pushed to subscribers.
const (
	TypeConnected   = "connected"
	TypePriceUpdate = "price-update"
)

// PricePoint is the last known price for one token.
type PricePoint struct {
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// Snapshot maps token identifiers to their current price points.
type Snapshot map[string]PricePoint

func (s Snapshot) clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Message is one frame pushed to a subscriber.
type Message struct {
	Type      string   `json:"type"`
	Data      Snapshot `json:"data,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// Source provides the upstream snapshot for each poll tick. It is
// expected to coalesce and cache internally, so the hub can call it
// once per tick without caring about upstream budgets.
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// SourceFunc is a function adapter for Source.
type SourceFunc func(ctx context.Context) (Snapshot, error)

func (f SourceFunc) Fetch(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// Config holds Broadcast Stream Server configuration.
type Config struct {
	PollInterval      time.Duration // Upstream poll cadence (default: 5s)
	KeepAliveInterval time.Duration // Transport keep-alive cadence (default: 30s)
	FetchTimeout      time.Duration // Per-poll upstream timeout (default: 10s)
	SubscriberBuffer  int           // Per-subscriber channel depth (default: 8)
	IdleTimeout       time.Duration // Removal after no successful send (default: 2m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		FetchTimeout:      10 * time.Second,
		SubscriberBuffer:  8,
		IdleTimeout:       2 * time.Minute,
	}
}

// Stats contains hub statistics.
type Stats struct {
	Subscribers int
	Polls       int64
	PollErrors  int64
	Dropped     int64
}

type subscriber struct {
	id           uuid.UUID
	ch           chan Message
	lastActivity time.Time
}

// Subscription is one subscriber's handle on the hub.
type Subscription struct {
	ID  uuid.UUID
	C   <-chan Message
	hub *Hub
}

// Close removes the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.ID)
}

// Hub owns the poll loop and the subscriber set. One fetch happens per
// tick no matter how many subscribers are connected.
type Hub struct {
	cfg    Config
	logger *slog.Logger
	source Source

	mu   sync.Mutex
	subs map[uuid.UUID]*subscriber
	last Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	polls      int64
	pollErrors int64
	dropped    int64
}

// NewHub creates a new Hub.
func NewHub(cfg Config, source Source, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		source: source,
		subs:   make(map[uuid.UUID]*subscriber),
	}
}

// Start begins the poll loop.
func (h *Hub) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.run()

	h.logger.Info("broadcast hub started",
		"poll_interval", h.cfg.PollInterval,
		"keepalive_interval", h.cfg.KeepAliveInterval,
	)
	return nil
}

// Stop shuts down the poll loop and disconnects all subscribers.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
	metrics.StreamSubscribers.Set(0)
	h.mu.Unlock()

	h.logger.Info("broadcast hub stopped")
	return nil
}

func (h *Hub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	// Poll immediately so the first subscriber gets data without
	// waiting a full interval.
	h.poll()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.poll()
			h.reapIdle(time.Now())
		}
	}
}

// reapIdle removes subscribers that have received nothing for longer
// than the idle timeout. A healthy subscriber's lastActivity advances
// on every successful send, so only stalled connections age out.
func (h *Hub) reapIdle(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subs {
		if now.Sub(sub.lastActivity) > h.cfg.IdleTimeout {
			close(sub.ch)
			delete(h.subs, id)
			h.dropped++
			h.logger.Warn("subscriber removed after idle timeout", "subscriber", id)
		}
	}
	metrics.StreamSubscribers.Set(int64(len(h.subs)))
}

// poll fetches once and fans the result out. A failed fetch skips the
// tick; subscribers never see an error frame.
func (h *Hub) poll() {
	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.FetchTimeout)
	defer cancel()

	snapshot, err := h.source.Fetch(ctx)

	h.mu.Lock()
	h.polls++
	h.mu.Unlock()

	if err != nil {
		h.mu.Lock()
		h.pollErrors++
		h.mu.Unlock()
		h.logger.Warn("poll failed, skipping tick", "error", err)
		return
	}

	h.mu.Lock()
	h.last = snapshot
	h.mu.Unlock()

	h.broadcast(Message{
		Type:      TypePriceUpdate,
		Data:      snapshot.clone(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// broadcast pushes msg to every subscriber. A subscriber whose buffer
// is full is removed on the spot; nothing is retried or buffered.
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for id, sub := range h.subs {
		select {
		case sub.ch <- msg:
			sub.lastActivity = now
		default:
			close(sub.ch)
			delete(h.subs, id)
			h.dropped++
			h.logger.Warn("subscriber dropped on failed send", "subscriber", id)
		}
	}
	metrics.StreamSubscribers.Set(int64(len(h.subs)))
}

// Subscribe registers a new subscriber. The current known snapshot is
// queued immediately, so the transport's first frame carries data.
func (h *Hub) Subscribe() *Subscription {
	sub := &subscriber{
		id:           uuid.New(),
		ch:           make(chan Message, h.cfg.SubscriberBuffer),
		lastActivity: time.Now(),
	}

	h.mu.Lock()
	connected := Message{
		Type:      TypeConnected,
		Data:      h.last.clone(),
		Timestamp: time.Now().UnixMilli(),
	}
	sub.ch <- connected
	h.subs[sub.id] = sub
	metrics.StreamSubscribers.Set(int64(len(h.subs)))
	h.mu.Unlock()

	h.logger.Debug("subscriber connected", "subscriber", sub.id)
	return &Subscription{ID: sub.id, C: sub.ch, hub: h}
}

func (h *Hub) unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
		metrics.StreamSubscribers.Set(int64(len(h.subs)))
		h.logger.Debug("subscriber disconnected", "subscriber", id)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns current hub statistics.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Subscribers: len(h.subs),
		Polls:       h.polls,
		PollErrors:  h.pollErrors,
		Dropped:     h.dropped,
	}
}

// KeepAliveInterval exposes the configured keep-alive cadence to the
// transport handlers.
func (h *Hub) KeepAliveInterval() time.Duration {
	return h.cfg.KeepAliveInterval
}
