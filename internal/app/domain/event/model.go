// Package event defines the structured records emitted by every
// state-changing operation for external observers and indexers.
package event

import (
	"context"
	"math/big"
	"time"
)

// Type identifies the operation an event records.
type Type string

const (
	TypeMint            Type = "mint"
	TypeBurn            Type = "burn"
	TypePositionMint    Type = "position_mint"
	TypePositionBurn    Type = "position_burn"
	TypeLiquidation     Type = "liquidation"
	TypeVaultDeposit    Type = "vault_deposit"
	TypeVaultMint       Type = "vault_mint"
	TypeVaultWithdraw   Type = "vault_withdraw"
	TypeVaultRedeem     Type = "vault_redeem"
	TypeYieldClaim      Type = "yield_claim"
	TypeYieldRateUpdate Type = "yield_rate_update"
	TypePause           Type = "pause"
	TypeUnpause         Type = "unpause"
)

// Record is one emitted operation event.
type Record struct {
	ID              string    `json:"id"`
	EventType       Type      `json:"event_type"`
	PrimaryActor    string    `json:"primary_actor"`
	Amount          *big.Int  `json:"amount,omitempty"`
	SecondaryAsset  string    `json:"secondary_asset,omitempty"`
	SecondaryAmount *big.Int  `json:"secondary_amount,omitempty"`
	ResultingTotal  *big.Int  `json:"resulting_total,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Sink receives emitted events. Delivery happens after the operation has
// committed; sink failures are logged, never propagated back.
type Sink interface {
	Publish(ctx context.Context, rec Record)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec Record)

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, rec Record) { f(ctx, rec) }
