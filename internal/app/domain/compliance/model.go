// Package compliance holds per-user KYC and transfer-restriction state.
package compliance

import (
	"math/big"
	"time"
)

// Record is a user's compliance state. Absence of a record is a valid
// state equal to the zero record: not verified, not blacklisted, no limit
// usage. MintLimit and BurnLimit override the engine-wide limits for this
// user; zero means the engine-wide limit applies.
type Record struct {
	UserID        string    `json:"user_id"`
	KYCVerified   bool      `json:"kyc_verified"`
	Blacklisted   bool      `json:"blacklisted"`
	MintLimit     *big.Int  `json:"mint_limit"`
	BurnLimit     *big.Int  `json:"burn_limit"`
	MintLimitUsed *big.Int  `json:"mint_limit_used"`
	BurnLimitUsed *big.Int  `json:"burn_limit_used"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Normalized replaces nil counters with zero so callers can do arithmetic
// without nil checks.
func (r Record) Normalized() Record {
	if r.MintLimit == nil {
		r.MintLimit = new(big.Int)
	}
	if r.BurnLimit == nil {
		r.BurnLimit = new(big.Int)
	}
	if r.MintLimitUsed == nil {
		r.MintLimitUsed = new(big.Int)
	}
	if r.BurnLimitUsed == nil {
		r.BurnLimitUsed = new(big.Int)
	}
	return r
}
