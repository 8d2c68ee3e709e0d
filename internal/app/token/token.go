// Package token abstracts the host ledger's fungible-token bookkeeping.
// The engine decides how much to issue or destroy; the host ledger owns
// balances and transfers.
package token

import (
	"context"
	"math/big"
)

// Ledger issues and destroys units of the coin on the host ledger.
type Ledger interface {
	Issue(ctx context.Context, to string, amount *big.Int) error
	Destroy(ctx context.Context, from string, amount *big.Int) error
}

// StakingHook receives the staking-accrual side effect triggered when new
// collateral is deposited against the algorithmic coin.
type StakingHook interface {
	AccrueStake(ctx context.Context, kind string, amount *big.Int) error
}
