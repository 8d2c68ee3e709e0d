// Package position holds the algorithmic coin's per-user collateral
// position model.
package position

import (
	"math/big"
	"time"
)

// Position is a user's collateral and debt for one collateral kind.
// Positions are created implicitly on first deposit and persist as zero
// records after full repayment or liquidation.
type Position struct {
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Collateral *big.Int  `json:"collateral"`
	Debt       *big.Int  `json:"debt"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Zero reports whether both sides of the position are empty.
func (p Position) Zero() bool {
	return (p.Collateral == nil || p.Collateral.Sign() == 0) &&
		(p.Debt == nil || p.Debt.Sign() == 0)
}

// Normalized replaces nil amounts with zero.
func (p Position) Normalized() Position {
	if p.Collateral == nil {
		p.Collateral = new(big.Int)
	}
	if p.Debt == nil {
		p.Debt = new(big.Int)
	}
	return p
}
