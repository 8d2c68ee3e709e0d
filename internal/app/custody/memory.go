package custody

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// MemoryLedger is an in-process Transferor used by the standalone daemon
// and by tests. It tracks only protocol-side balances; user balances are
// the host environment's concern.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
}

// NewMemoryLedger creates an empty in-process custody ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]*big.Int)}
}

// TransferIn credits the protocol balance for assetID.
func (l *MemoryLedger) TransferIn(_ context.Context, _, assetID string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(assetID)
	bal.Add(bal, amount)
	return nil
}

// TransferOut debits the protocol balance for assetID. Fails when the
// balance cannot cover the transfer.
func (l *MemoryLedger) TransferOut(_ context.Context, to, assetID string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(assetID)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("custody holds %s of %s, cannot release %s to %s", bal, assetID, amount, to)
	}
	bal.Sub(bal, amount)
	return nil
}

// BalanceOf reports the protocol balance for assetID.
func (l *MemoryLedger) BalanceOf(_ context.Context, assetID string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(assetID)), nil
}

func (l *MemoryLedger) balanceLocked(assetID string) *big.Int {
	bal, ok := l.balances[assetID]
	if !ok {
		bal = new(big.Int)
		l.balances[assetID] = bal
	}
	return bal
}
