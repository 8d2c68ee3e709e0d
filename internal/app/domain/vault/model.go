// Package vault holds the yield-bearing coin's aggregate state model.
package vault

import (
	"math/big"
	"time"
)

// State is the vault aggregate. YieldBuffer is synthetic: accrued yield not
// yet backed by a real transfer, distributed pro-rata at interaction time.
type State struct {
	TotalShares     *big.Int  `json:"total_shares"`
	TotalAssetsHeld *big.Int  `json:"total_assets_held"`
	YieldBuffer     *big.Int  `json:"yield_buffer"`
	CumulativeYield *big.Int  `json:"cumulative_yield"`
	YieldRateBps    int64     `json:"yield_rate_bps"`
	LastAccrual     time.Time `json:"last_accrual"`
	LastRateUpdate  time.Time `json:"last_rate_update"`
}

// NewState returns an empty vault with the accrual clock started at now.
func NewState(now time.Time) State {
	return State{
		TotalShares:     new(big.Int),
		TotalAssetsHeld: new(big.Int),
		YieldBuffer:     new(big.Int),
		CumulativeYield: new(big.Int),
		LastAccrual:     now,
	}
}

// TotalAssets is the share-pricing base: held balance plus the synthetic
// yield buffer.
func (s State) TotalAssets() *big.Int {
	return new(big.Int).Add(s.TotalAssetsHeld, s.YieldBuffer)
}

// YieldRecord tracks a user's attributed-but-unclaimed yield.
type YieldRecord struct {
	UserID      string    `json:"user_id"`
	Earned      *big.Int  `json:"earned"`
	LastTouched time.Time `json:"last_touched"`
}

// Normalized replaces a nil earned balance with zero.
func (r YieldRecord) Normalized() YieldRecord {
	if r.Earned == nil {
		r.Earned = new(big.Int)
	}
	return r
}
