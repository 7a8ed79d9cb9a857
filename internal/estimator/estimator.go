// Package estimator defines the pluggable price estimation interface
// used when the quote upstream has no price for a token.
//
// The default implementation is a constant-product approximation over
// virtual reserves. It is a placeholder model, not verified pricing
// logic; callers needing accuracy should supply their own Estimator.
package estimator

import "errors"

// ErrNoLiquidity is returned when the curve state cannot produce a price.
var ErrNoLiquidity = errors.New("curve has no liquidity")

// CurveState is a token's bonding-curve reserve snapshot.
type CurveState struct {
	VirtualSolReserves   float64
	VirtualTokenReserves float64
}

// Quote is an estimated price in SOL per token.
type Quote struct {
	Price float64
}

// Estimator produces a price estimate from a curve state.
type Estimator interface {
	Estimate(state CurveState) (Quote, error)
}

// ConstantProduct estimates price as the ratio of virtual reserves.
type ConstantProduct struct{}

// Estimate implements Estimator.
func (ConstantProduct) Estimate(state CurveState) (Quote, error) {
	if state.VirtualSolReserves <= 0 || state.VirtualTokenReserves <= 0 {
		return Quote{}, ErrNoLiquidity
	}
	return Quote{Price: state.VirtualSolReserves / state.VirtualTokenReserves}, nil
}
