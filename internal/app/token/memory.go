package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// MemoryLedger is an in-process Ledger used by the standalone daemon and
// by tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	supply   *big.Int
}

// NewMemoryLedger creates an empty in-process token ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]*big.Int), supply: new(big.Int)}
}

// Issue credits to's balance and grows the supply.
func (l *MemoryLedger) Issue(_ context.Context, to string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(to)
	bal.Add(bal, amount)
	l.supply.Add(l.supply, amount)
	return nil
}

// Destroy debits from's balance and shrinks the supply.
func (l *MemoryLedger) Destroy(_ context.Context, from string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("user %s holds %s, cannot destroy %s", from, bal, amount)
	}
	bal.Sub(bal, amount)
	l.supply.Sub(l.supply, amount)
	return nil
}

// BalanceOf reports a user's balance.
func (l *MemoryLedger) BalanceOf(user string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(user))
}

// Supply reports the issued supply.
func (l *MemoryLedger) Supply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply)
}

func (l *MemoryLedger) balanceLocked(user string) *big.Int {
	bal, ok := l.balances[user]
	if !ok {
		bal = new(big.Int)
		l.balances[user] = bal
	}
	return bal
}
