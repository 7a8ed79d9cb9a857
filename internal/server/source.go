package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/pavelgr/dexrelay/internal/coalesce"
	"github.com/pavelgr/dexrelay/internal/estimator"
	"github.com/pavelgr/dexrelay/internal/stream"
	"github.com/pavelgr/dexrelay/internal/upstream"
)

// priceReply is the upstream price endpoint payload. Reserve fields are
// only present for tokens still on their bonding curve.
type priceReply struct {
	Price                float64 `json:"price"`
	VirtualSolReserves   float64 `json:"virtualSolReserves"`
	VirtualTokenReserves float64 `json:"virtualTokenReserves"`
}

// PriceSource feeds the stream hub. Each Fetch resolves the configured
// token set through the coalescing cache, so concurrent ticks and the
// proxy share the same upstream budget. When the upstream omits a price
// the estimator fills it from curve reserves.
type PriceSource struct {
	client *upstream.Client
	mgr    *coalesce.Manager[stream.PricePoint]
	est    estimator.Estimator
	route  upstream.Route
	tokens []string
	logger *slog.Logger
}

// NewPriceSource creates a hub source for the given token set.
func NewPriceSource(
	client *upstream.Client,
	mgr *coalesce.Manager[stream.PricePoint],
	est estimator.Estimator,
	route upstream.Route,
	tokens []string,
	logger *slog.Logger,
) *PriceSource {
	if logger == nil {
		logger = slog.Default()
	}
	if est == nil {
		est = estimator.ConstantProduct{}
	}
	return &PriceSource{
		client: client,
		mgr:    mgr,
		est:    est,
		route:  route,
		tokens: tokens,
		logger: logger,
	}
}

// Fetch implements stream.Source. Tokens that fail to resolve are
// dropped from the snapshot; the poll only fails when nothing resolves.
func (s *PriceSource) Fetch(ctx context.Context) (stream.Snapshot, error) {
	snapshot := make(stream.Snapshot, len(s.tokens))
	var lastErr error

	for _, mint := range s.tokens {
		point, _, err := s.mgr.Get(ctx, "stream:"+mint, s.route.CacheTTL, func(ctx context.Context) (stream.PricePoint, error) {
			return s.fetchOne(ctx, mint)
		})
		if err != nil {
			lastErr = err
			s.logger.Warn("price fetch failed", "mint", mint, "error", err)
			continue
		}
		snapshot[mint] = point
	}

	if len(snapshot) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return snapshot, nil
}

func (s *PriceSource) fetchOne(ctx context.Context, mint string) (stream.PricePoint, error) {
	resp, err := s.client.Get(ctx, s.route.Path, url.Values{"mint": {mint}})
	if err != nil {
		return stream.PricePoint{}, err
	}

	var reply priceReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return stream.PricePoint{}, fmt.Errorf("decode price for %s: %w", mint, err)
	}

	price := reply.Price
	if price <= 0 {
		quote, err := s.est.Estimate(estimator.CurveState{
			VirtualSolReserves:   reply.VirtualSolReserves,
			VirtualTokenReserves: reply.VirtualTokenReserves,
		})
		if err != nil {
			return stream.PricePoint{}, fmt.Errorf("no price for %s: %w", mint, err)
		}
		price = quote.Price
	}

	return stream.PricePoint{
		Price:     price,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
