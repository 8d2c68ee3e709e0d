// Package vault implements the yield-bearing coin: share/asset conversion
// and interaction-time yield attribution from a synthetic buffer.
package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/custody"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/asset"
	domain "github.com/R3E-Network/issuance_layer/internal/app/domain/vault"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

const secondsPerYear = int64(365 * 24 * 60 * 60)

// Config holds the vault parameters.
type Config struct {
	// AssetID is the underlying asset moved through custody.
	AssetID string
	// RateAssetID names the oracle feed whose quote value is read as a
	// yield rate in basis points.
	RateAssetID string
	// AccrualPeriod gates accrual; one period of yield is added per
	// accrual pass.
	AccrualPeriod time.Duration
	// InitialYieldRateBps seeds the rate before the first oracle update.
	InitialYieldRateBps int64
	MinYieldRateBps     int64
	MaxYieldRateBps     int64
	// YieldUpdateThreshold throttles oracle rate pulls.
	YieldUpdateThreshold time.Duration
}

// Service is the vault accountant.
type Service struct {
	cfg     Config
	oracle  *oracle.Service
	custody custody.Transferor
	log     *logger.Logger
	clock   func() time.Time

	mu     sync.RWMutex
	state  domain.State
	shares map[string]*big.Int
	yields map[string]domain.YieldRecord
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New constructs the vault accountant.
func New(cfg Config, ora *oracle.Service, cust custody.Transferor, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	s := &Service{
		cfg:     cfg,
		oracle:  ora,
		custody: cust,
		log:     log,
		clock:   func() time.Time { return time.Now().UTC() },
		shares:  make(map[string]*big.Int),
		yields:  make(map[string]domain.YieldRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = domain.NewState(s.clock())
	s.state.YieldRateBps = cfg.InitialYieldRateBps
	return s
}

// --- previews ----------------------------------------------------------------

// PreviewDeposit converts assets to shares; 1:1 at zero supply.
func (s *Service) PreviewDeposit(assets *big.Int) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previewDepositLocked(assets)
}

func (s *Service) previewDepositLocked(assets *big.Int) *big.Int {
	if s.state.TotalShares.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	return asset.MulDiv(assets, s.state.TotalShares, s.state.TotalAssets())
}

// PreviewMint converts shares to the assets required, rounded up; 1:1 at
// zero supply.
func (s *Service) PreviewMint(shares *big.Int) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previewMintLocked(shares)
}

// Conversions that price what the caller gives up (assets owed on mint,
// shares burned on withdraw) round up. Once yield pushes the share price
// above one, a floor would let a one-unit withdrawal burn zero shares.
func (s *Service) previewMintLocked(shares *big.Int) *big.Int {
	if s.state.TotalShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	return asset.MulDivCeil(shares, s.state.TotalAssets(), s.state.TotalShares)
}

// PreviewWithdraw converts assets to the shares burned, rounded up; zero at
// zero supply because there is nothing to redeem against.
func (s *Service) PreviewWithdraw(assets *big.Int) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previewWithdrawLocked(assets)
}

func (s *Service) previewWithdrawLocked(assets *big.Int) *big.Int {
	if s.state.TotalShares.Sign() == 0 {
		return new(big.Int)
	}
	return asset.MulDivCeil(assets, s.state.TotalShares, s.state.TotalAssets())
}

// PreviewRedeem converts shares to assets returned; zero at zero supply.
func (s *Service) PreviewRedeem(shares *big.Int) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previewRedeemLocked(shares)
}

func (s *Service) previewRedeemLocked(shares *big.Int) *big.Int {
	if s.state.TotalShares.Sign() == 0 {
		return new(big.Int)
	}
	return asset.MulDiv(shares, s.state.TotalAssets(), s.state.TotalShares)
}

// --- state-changing operations -----------------------------------------------

// OpResult reports a committed vault operation.
type OpResult struct {
	Assets      *big.Int
	Shares      *big.Int
	TotalShares *big.Int
	TotalAssets *big.Int
}

// Deposit moves assets in and issues shares.
func (s *Service) Deposit(ctx context.Context, user string, assets *big.Int) (OpResult, error) {
	if !asset.IsPositive(assets) {
		return OpResult{}, errs.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateYieldLocked()
	shares := s.previewDepositLocked(assets)

	if err := s.custody.TransferIn(ctx, user, s.cfg.AssetID, assets); err != nil {
		return OpResult{}, fmt.Errorf("asset transfer in: %w", err)
	}

	s.creditSharesLocked(user, shares)
	s.state.TotalAssetsHeld.Add(s.state.TotalAssetsHeld, assets)
	s.updateUserYieldLocked(user)

	s.log.WithField("user", user).
		WithField("assets", assets.String()).
		WithField("shares", shares.String()).
		Info("vault deposit")
	return s.opResultLocked(assets, shares), nil
}

// Mint issues an exact number of shares for the assets they cost.
func (s *Service) Mint(ctx context.Context, user string, shares *big.Int) (OpResult, error) {
	if !asset.IsPositive(shares) {
		return OpResult{}, errs.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateYieldLocked()
	assets := s.previewMintLocked(shares)

	if err := s.custody.TransferIn(ctx, user, s.cfg.AssetID, assets); err != nil {
		return OpResult{}, fmt.Errorf("asset transfer in: %w", err)
	}

	s.creditSharesLocked(user, shares)
	s.state.TotalAssetsHeld.Add(s.state.TotalAssetsHeld, assets)
	s.updateUserYieldLocked(user)

	s.log.WithField("user", user).
		WithField("assets", assets.String()).
		WithField("shares", shares.String()).
		Info("vault mint")
	return s.opResultLocked(assets, shares), nil
}

// Withdraw burns the shares covering an exact asset amount and moves the
// assets out.
func (s *Service) Withdraw(ctx context.Context, user string, assets *big.Int) (OpResult, error) {
	if !asset.IsPositive(assets) {
		return OpResult{}, errs.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateYieldLocked()
	shares := s.previewWithdrawLocked(assets)
	if err := s.debitCheckLocked(user, shares, assets); err != nil {
		return OpResult{}, err
	}

	if err := s.custody.TransferOut(ctx, user, s.cfg.AssetID, assets); err != nil {
		return OpResult{}, fmt.Errorf("asset transfer out: %w", err)
	}

	s.debitSharesLocked(user, shares)
	s.state.TotalAssetsHeld.Sub(s.state.TotalAssetsHeld, assets)
	s.updateUserYieldLocked(user)

	s.log.WithField("user", user).
		WithField("assets", assets.String()).
		WithField("shares", shares.String()).
		Info("vault withdraw")
	return s.opResultLocked(assets, shares), nil
}

// Redeem burns an exact number of shares and moves the assets they are
// worth out.
func (s *Service) Redeem(ctx context.Context, user string, shares *big.Int) (OpResult, error) {
	if !asset.IsPositive(shares) {
		return OpResult{}, errs.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateYieldLocked()
	assets := s.previewRedeemLocked(shares)
	if err := s.debitCheckLocked(user, shares, assets); err != nil {
		return OpResult{}, err
	}

	if err := s.custody.TransferOut(ctx, user, s.cfg.AssetID, assets); err != nil {
		return OpResult{}, fmt.Errorf("asset transfer out: %w", err)
	}

	s.debitSharesLocked(user, shares)
	s.state.TotalAssetsHeld.Sub(s.state.TotalAssetsHeld, assets)
	s.updateUserYieldLocked(user)

	s.log.WithField("user", user).
		WithField("assets", assets.String()).
		WithField("shares", shares.String()).
		Info("vault redeem")
	return s.opResultLocked(assets, shares), nil
}

// ClaimYield pays out the caller's attributed yield from real backing
// assets. Returns zero with no state change when nothing is owed.
func (s *Service) ClaimYield(ctx context.Context, caller, receiver string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateYieldLocked()
	s.updateUserYieldLocked(caller)

	rec := s.yields[caller].Normalized()
	owed := new(big.Int).Set(rec.Earned)
	if owed.Sign() == 0 {
		return new(big.Int), nil
	}

	if err := s.custody.TransferOut(ctx, receiver, s.cfg.AssetID, owed); err != nil {
		return nil, fmt.Errorf("yield transfer out: %w", err)
	}

	rec.Earned = new(big.Int)
	rec.LastTouched = s.clock()
	s.yields[caller] = rec
	s.state.TotalAssetsHeld.Sub(s.state.TotalAssetsHeld, owed)

	s.log.WithField("caller", caller).
		WithField("receiver", receiver).
		WithField("amount", owed.String()).
		Info("yield claimed")
	return owed, nil
}

// UpdateYieldRate pulls the rate feed, clamps it to the configured band and
// applies it. Throttled to one update per YieldUpdateThreshold.
func (s *Service) UpdateYieldRate(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if !s.state.LastRateUpdate.IsZero() && now.Sub(s.state.LastRateUpdate) < s.cfg.YieldUpdateThreshold {
		return 0, fmt.Errorf("last update %s ago: %w", now.Sub(s.state.LastRateUpdate), errs.ErrYieldUpdateTooFrequent)
	}

	quote, err := s.oracle.GetPrice(ctx, s.cfg.RateAssetID)
	if err != nil {
		return 0, err
	}

	// A quote beyond int64 range clamps to the band's upper bound.
	rate := s.cfg.MaxYieldRateBps
	if quote.Value.IsInt64() {
		rate = quote.Value.Int64()
	}
	if rate < s.cfg.MinYieldRateBps {
		rate = s.cfg.MinYieldRateBps
	}
	if rate > s.cfg.MaxYieldRateBps {
		rate = s.cfg.MaxYieldRateBps
	}

	s.state.YieldRateBps = rate
	s.state.LastRateUpdate = now
	s.log.WithField("rate_bps", rate).Info("yield rate updated")
	return rate, nil
}

// --- views -------------------------------------------------------------------

// State returns a snapshot of the vault aggregate.
func (s *Service) State() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.state
	st.TotalShares = new(big.Int).Set(s.state.TotalShares)
	st.TotalAssetsHeld = new(big.Int).Set(s.state.TotalAssetsHeld)
	st.YieldBuffer = new(big.Int).Set(s.state.YieldBuffer)
	st.CumulativeYield = new(big.Int).Set(s.state.CumulativeYield)
	return st
}

// SharesOf returns a user's share balance.
func (s *Service) SharesOf(user string) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bal, ok := s.shares[user]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// EarnedOf returns a user's attributed-but-unclaimed yield.
func (s *Service) EarnedOf(user string) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.yields[user].Normalized().Earned)
}

// --- internals ---------------------------------------------------------------

// updateYieldLocked adds one accrual period of yield to the buffer when the
// period has elapsed and the vault is non-empty.
func (s *Service) updateYieldLocked() {
	now := s.clock()
	if now.Sub(s.state.LastAccrual) < s.cfg.AccrualPeriod {
		return
	}
	total := s.state.TotalAssets()
	if total.Sign() == 0 {
		s.state.LastAccrual = now
		return
	}

	interest := new(big.Int).Mul(total, big.NewInt(s.state.YieldRateBps))
	interest.Mul(interest, big.NewInt(int64(s.cfg.AccrualPeriod/time.Second)))
	interest.Quo(interest, big.NewInt(secondsPerYear*asset.BpsDenominator))

	s.state.YieldBuffer.Add(s.state.YieldBuffer, interest)
	s.state.CumulativeYield.Add(s.state.CumulativeYield, interest)
	s.state.LastAccrual = now
}

// updateUserYieldLocked attributes a pro-rata slice of the current buffer
// to the user by their current share balance. Attribution happens only at
// interaction time; a user who never interacts accrues no recorded claim.
func (s *Service) updateUserYieldLocked(user string) {
	if s.state.TotalShares.Sign() == 0 {
		return
	}
	bal, ok := s.shares[user]
	if !ok || bal.Sign() == 0 {
		return
	}

	slice := asset.MulDiv(s.state.YieldBuffer, bal, s.state.TotalShares)
	if slice.Sign() == 0 {
		return
	}

	rec := s.yields[user].Normalized()
	rec.UserID = user
	rec.Earned.Add(rec.Earned, slice)
	rec.LastTouched = s.clock()
	s.yields[user] = rec
	s.state.YieldBuffer.Sub(s.state.YieldBuffer, slice)
}

func (s *Service) creditSharesLocked(user string, shares *big.Int) {
	bal, ok := s.shares[user]
	if !ok {
		bal = new(big.Int)
		s.shares[user] = bal
	}
	bal.Add(bal, shares)
	s.state.TotalShares.Add(s.state.TotalShares, shares)
}

func (s *Service) debitSharesLocked(user string, shares *big.Int) {
	s.shares[user].Sub(s.shares[user], shares)
	s.state.TotalShares.Sub(s.state.TotalShares, shares)
}

func (s *Service) debitCheckLocked(user string, shares, assets *big.Int) error {
	bal, ok := s.shares[user]
	if !ok || bal.Cmp(shares) < 0 {
		return fmt.Errorf("share balance too low: %w", errs.ErrInvalidAmount)
	}
	if assets.Cmp(s.state.TotalAssetsHeld) > 0 {
		return fmt.Errorf("withdrawal exceeds held assets: %w", errs.ErrInsufficientCollateral)
	}
	return nil
}

func (s *Service) opResultLocked(assets, shares *big.Int) OpResult {
	return OpResult{
		Assets:      new(big.Int).Set(assets),
		Shares:      new(big.Int).Set(shares),
		TotalShares: new(big.Int).Set(s.state.TotalShares),
		TotalAssets: s.state.TotalAssets(),
	}
}
