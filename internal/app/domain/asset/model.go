// Package asset holds the collateral asset model and the fixed-point
// arithmetic shared by the issuance services.
package asset

import (
	"math/big"
	"time"
)

const (
	// PriceScale is the fixed-point scale of oracle prices: a quote value
	// of 200000000000 means $2000.
	PriceScale = 100_000_000

	// BpsDenominator is the basis-point scale; 10000 bps = 100%.
	BpsDenominator = 10_000
)

// Asset is a registered collateral asset. Assets are disabled by flipping
// Supported, never deleted, so reserves held against them stay accounted.
type Asset struct {
	ID        string    `json:"id"`
	Supported bool      `json:"supported"`
	FeedID    string    `json:"feed_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Quote is a validated price observation. Value is scaled by PriceScale.
type Quote struct {
	Value      *big.Int  `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
	Sequence   uint64    `json:"sequence"`
}

// Ratio is a collateralization ratio in basis points. Defined is false when
// the denominator (debt or supply) is zero; an undefined ratio compares
// below nothing.
type Ratio struct {
	Defined bool
	Bps     *big.Int
}

// UndefinedRatio is the ratio of a position with no debt.
func UndefinedRatio() Ratio {
	return Ratio{Defined: false}
}

// RatioFromBps wraps a concrete basis-point value.
func RatioFromBps(bps *big.Int) Ratio {
	return Ratio{Defined: true, Bps: bps}
}

// BelowBps reports whether the ratio is defined and strictly below the
// threshold.
func (r Ratio) BelowBps(threshold int64) bool {
	if !r.Defined {
		return false
	}
	return r.Bps.Cmp(big.NewInt(threshold)) < 0
}

// MulDiv returns floor(a * b / c) without overflow.
func MulDiv(a, b, c *big.Int) *big.Int {
	n := new(big.Int).Mul(a, b)
	return n.Quo(n, c)
}

// MulDivCeil returns ceil(a * b / c) without overflow.
func MulDivCeil(a, b, c *big.Int) *big.Int {
	n := new(big.Int).Mul(a, b)
	n.Add(n, new(big.Int).Sub(c, big.NewInt(1)))
	return n.Quo(n, c)
}

// MulDivI is MulDiv with scalar multiplier and divisor.
func MulDivI(a *big.Int, b, c int64) *big.Int {
	n := new(big.Int).Mul(a, big.NewInt(b))
	return n.Quo(n, big.NewInt(c))
}

// ValueUSD prices an asset amount at a PriceScale-scaled quote.
func ValueUSD(amount, price *big.Int) *big.Int {
	n := new(big.Int).Mul(amount, price)
	return n.Quo(n, big.NewInt(PriceScale))
}

// IsPositive reports whether v is non-nil and strictly positive.
func IsPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
