// Package instrument handles trading pair parsing and validation, and the
// per-asset decimal precision used when rounding monetary amounts.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Asset classes determine rounding precision.
const (
	ClassStable = "stable"
	ClassCrypto = "crypto"
)

const (
	// PriceScale is the number of decimal places for simulated prices.
	PriceScale int32 = 2

	// StableScale applies to fiat and stablecoin amounts.
	StableScale int32 = 2

	// CryptoScale applies to every other asset.
	CryptoScale int32 = 8
)

var stableAssets = map[string]bool{
	"USD":  true,
	"EUR":  true,
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"DAI":  true,
}

// pairRegex matches: {BASE}/{QUOTE} or {BASE}-{QUOTE}
// Example: BTC/USDT
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})[/-]([A-Z0-9]{2,10})$`)

var (
	ErrInvalidPair  = errors.New("instrument: invalid pair format")
	ErrInvalidAsset = errors.New("instrument: invalid asset symbol")
)

var assetRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// Pair is a parsed trading pair.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParsePair parses and validates a pair string. Lowercase input is
// accepted and normalized.
// Format: {BASE}/{QUOTE}
func ParsePair(s string) (Pair, error) {
	matches := pairRegex.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(s)))
	if matches == nil {
		return Pair{}, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidPair, s)
	}
	if matches[1] == matches[2] {
		return Pair{}, fmt.Errorf("%w: base and quote are both %s", ErrInvalidPair, matches[1])
	}
	return Pair{Base: matches[1], Quote: matches[2]}, nil
}

// MustParsePair is ParsePair for package-level literals.
func MustParsePair(s string) Pair {
	p, err := ParsePair(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical "BASE/QUOTE" form.
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Symbol returns the exchange symbol form, e.g. BTCUSDT.
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

// Normalize returns the canonical form of a pair string.
func Normalize(s string) (string, error) {
	p, err := ParsePair(s)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// NormalizeAsset upper-cases and validates an asset symbol.
func NormalizeAsset(asset string) (string, error) {
	a := strings.ToUpper(strings.TrimSpace(asset))
	if !assetRegex.MatchString(a) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, asset)
	}
	return a, nil
}

// Class returns the asset class of an asset symbol.
func Class(asset string) string {
	if stableAssets[strings.ToUpper(asset)] {
		return ClassStable
	}
	return ClassCrypto
}

// Scale returns the rounding precision for amounts of the given asset.
func Scale(asset string) int32 {
	if Class(asset) == ClassStable {
		return StableScale
	}
	return CryptoScale
}

// Round rounds an amount to the precision of its asset.
func Round(asset string, amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Scale(asset))
}

// RoundPrice rounds a price to PriceScale.
func RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Round(PriceScale)
}
