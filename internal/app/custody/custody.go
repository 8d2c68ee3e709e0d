// Package custody abstracts the external asset-transfer collaborator that
// moves collateral in and out of protocol control. Transfer failures abort
// the calling operation; they are never swallowed.
package custody

import (
	"context"
	"math/big"
)

// Transferor moves collateral between users and the protocol.
type Transferor interface {
	TransferIn(ctx context.Context, from, assetID string, amount *big.Int) error
	TransferOut(ctx context.Context, to, assetID string, amount *big.Int) error
	BalanceOf(ctx context.Context, assetID string) (*big.Int, error)
}
