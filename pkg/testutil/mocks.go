// Package testutil provides common testing utilities and mock
// implementations of the engine's external collaborators.
package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
)

// MockFeedSource is a test implementation of oracle.FeedSource with
// per-feed programmable observations.
type MockFeedSource struct {
	mu    sync.RWMutex
	feeds map[string]oracle.FeedData
	errs  map[string]error
}

// NewMockFeedSource creates an empty mock feed source.
func NewMockFeedSource() *MockFeedSource {
	return &MockFeedSource{
		feeds: make(map[string]oracle.FeedData),
		errs:  make(map[string]error),
	}
}

// SetQuote programs a healthy observation: answered in the reported round.
func (m *MockFeedSource) SetQuote(feedID string, value *big.Int, observedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.feeds[feedID]
	m.feeds[feedID] = oracle.FeedData{
		Sequence:        prev.Sequence + 1,
		Value:           new(big.Int).Set(value),
		UpdatedAt:       observedAt,
		AnsweredInRound: prev.Sequence + 1,
	}
}

// SetRaw programs an observation verbatim, including inconsistent round
// data.
func (m *MockFeedSource) SetRaw(feedID string, data oracle.FeedData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds[feedID] = data
}

// SetError makes reads of the feed fail.
func (m *MockFeedSource) SetError(feedID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[feedID] = err
}

// LatestQuote implements oracle.FeedSource.
func (m *MockFeedSource) LatestQuote(_ context.Context, feedID string) (oracle.FeedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[feedID]; err != nil {
		return oracle.FeedData{}, err
	}
	data, ok := m.feeds[feedID]
	if !ok {
		return oracle.FeedData{}, fmt.Errorf("feed not found: %s", feedID)
	}
	if data.Value != nil {
		data.Value = new(big.Int).Set(data.Value)
	}
	return data, nil
}

// MockCustody is a test implementation of custody.Transferor tracking
// protocol balances per asset. Failures can be injected per direction.
type MockCustody struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	inErr    error
	outErr   error

	// Transfers records every committed movement for assertions.
	Transfers []CustodyTransfer
}

// CustodyTransfer is one recorded custody movement.
type CustodyTransfer struct {
	Direction string // "in" or "out"
	Party     string
	AssetID   string
	Amount    *big.Int
}

// NewMockCustody creates an empty mock custody.
func NewMockCustody() *MockCustody {
	return &MockCustody{balances: make(map[string]*big.Int)}
}

// FailTransferIn makes TransferIn return err.
func (m *MockCustody) FailTransferIn(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inErr = err
}

// FailTransferOut makes TransferOut return err.
func (m *MockCustody) FailTransferOut(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outErr = err
}

// TransferIn implements custody.Transferor.
func (m *MockCustody) TransferIn(_ context.Context, from, assetID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inErr != nil {
		return m.inErr
	}
	m.credit(assetID, amount)
	m.Transfers = append(m.Transfers, CustodyTransfer{
		Direction: "in", Party: from, AssetID: assetID, Amount: new(big.Int).Set(amount),
	})
	return nil
}

// TransferOut implements custody.Transferor.
func (m *MockCustody) TransferOut(_ context.Context, to, assetID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outErr != nil {
		return m.outErr
	}
	bal := m.balance(assetID)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("custody balance %s below %s for %s", bal, amount, assetID)
	}
	bal.Sub(bal, amount)
	m.Transfers = append(m.Transfers, CustodyTransfer{
		Direction: "out", Party: to, AssetID: assetID, Amount: new(big.Int).Set(amount),
	})
	return nil
}

// BalanceOf implements custody.Transferor.
func (m *MockCustody) BalanceOf(_ context.Context, assetID string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(assetID)), nil
}

// Credit seeds a protocol balance directly.
func (m *MockCustody) Credit(assetID string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(assetID, amount)
}

func (m *MockCustody) credit(assetID string, amount *big.Int) {
	m.balance(assetID).Add(m.balance(assetID), amount)
}

func (m *MockCustody) balance(assetID string) *big.Int {
	bal, ok := m.balances[assetID]
	if !ok {
		bal = new(big.Int)
		m.balances[assetID] = bal
	}
	return bal
}

// MockTokenLedger is a test implementation of token.Ledger tracking user
// balances and total supply.
type MockTokenLedger struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	supply   *big.Int
	issueErr error
}

// NewMockTokenLedger creates an empty mock ledger.
func NewMockTokenLedger() *MockTokenLedger {
	return &MockTokenLedger{balances: make(map[string]*big.Int), supply: new(big.Int)}
}

// FailIssue makes Issue return err.
func (m *MockTokenLedger) FailIssue(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issueErr = err
}

// Issue implements token.Ledger.
func (m *MockTokenLedger) Issue(_ context.Context, to string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.issueErr != nil {
		return m.issueErr
	}
	m.balance(to).Add(m.balance(to), amount)
	m.supply.Add(m.supply, amount)
	return nil
}

// Destroy implements token.Ledger.
func (m *MockTokenLedger) Destroy(_ context.Context, from string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("balance %s below %s for %s", bal, amount, from)
	}
	bal.Sub(bal, amount)
	m.supply.Sub(m.supply, amount)
	return nil
}

// BalanceOf returns a user's token balance.
func (m *MockTokenLedger) BalanceOf(user string) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(user))
}

// Supply returns the total issued supply.
func (m *MockTokenLedger) Supply() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.supply)
}

func (m *MockTokenLedger) balance(user string) *big.Int {
	bal, ok := m.balances[user]
	if !ok {
		bal = new(big.Int)
		m.balances[user] = bal
	}
	return bal
}

// MockStakingHook records staking accruals.
type MockStakingHook struct {
	mu       sync.Mutex
	Accruals map[string]*big.Int
}

// NewMockStakingHook creates an empty staking hook.
func NewMockStakingHook() *MockStakingHook {
	return &MockStakingHook{Accruals: make(map[string]*big.Int)}
}

// AccrueStake implements token.StakingHook.
func (m *MockStakingHook) AccrueStake(_ context.Context, kind string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.Accruals[kind]
	if !ok {
		cur = new(big.Int)
		m.Accruals[kind] = cur
	}
	cur.Add(cur, amount)
	return nil
}
