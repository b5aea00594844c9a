// Package exposure implements open-stake limits for contract trades that
// account for correlation between pairs sharing a base asset.
//
// A user holding buy contracts on BTC/USDT, BTC/USDC and BTC/EUR carries one
// directional bet on BTC. The limiter groups pairs by base asset and caps
// the aggregate absolute exposure of the group as well as each single pair.
package exposure

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/instrument"
)

var (
	// ErrPerPairLimitExceeded is returned when a trade would push a single
	// pair's net exposure beyond the per-pair maximum.
	ErrPerPairLimitExceeded = errors.New("exposure: per-pair position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across pairs with the same base asset beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("exposure: correlated exposure limit exceeded")
)

// Limiter enforces position limits with correlation awareness.
// A zero limit disables that check.
type Limiter struct {
	// MaxPerPair is the maximum absolute net stake in any single pair.
	MaxPerPair decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute stake across all
	// pairs that share the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewLimiter creates a limiter with the given per-pair and correlated
// exposure limits.
func NewLimiter(maxPerPair, maxCorrelated decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerPair:    maxPerPair,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - targetPair: pair of the contract being placed
//   - delta: signed change in exposure (+buy / -sell)
//   - existing: map of pair → current net open stake for this user
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *Limiter) CheckLimit(
	targetPair string,
	delta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	// 1. Per-pair limit.
	newPosition := existing[targetPair].Add(delta)

	if l.MaxPerPair.IsPositive() && newPosition.Abs().GreaterThan(l.MaxPerPair) {
		return ErrPerPairLimitExceeded
	}

	if !l.MaxCorrelated.IsPositive() {
		return nil
	}

	// 2. Correlated exposure: sum |exposure| across pairs sharing the base.
	targetBase := baseOf(targetPair)
	totalCorrelated := newPosition.Abs()

	for pair, exposure := range existing {
		if pair == targetPair {
			continue // already counted via newPosition above
		}
		if baseOf(pair) == targetBase {
			totalCorrelated = totalCorrelated.Add(exposure.Abs())
		}
	}

	if totalCorrelated.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}

// baseOf returns the base asset of a pair, or the pair itself when it
// does not parse.
func baseOf(pair string) string {
	p, err := instrument.ParsePair(pair)
	if err != nil {
		return pair
	}
	return p.Base
}
