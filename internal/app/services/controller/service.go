// Package controller is the single entry point for every external
// operation. It enforces access and pause state, guards custody-out
// operations against reentrancy, delegates to the accounting services and
// emits an event record for each committed state change.
package controller

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/domain/compliance"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/event"
	domain "github.com/R3E-Network/issuance_layer/internal/app/domain/position"
	"github.com/R3E-Network/issuance_layer/internal/app/metrics"
	"github.com/R3E-Network/issuance_layer/internal/app/services/access"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/app/services/position"
	"github.com/R3E-Network/issuance_layer/internal/app/services/reserve"
	"github.com/R3E-Network/issuance_layer/internal/app/services/vault"
	"github.com/R3E-Network/issuance_layer/internal/app/storage"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

// Service orchestrates the issuance engine.
type Service struct {
	access     *access.Service
	oracle     *oracle.Service
	reserve    *reserve.Service
	positions  *position.Service
	vault      *vault.Service
	compliance storage.ComplianceStore
	events     storage.EventStore
	sink       event.Sink
	log        *logger.Logger
	clock      func() time.Time

	mu         sync.Mutex
	paused     bool
	inProgress bool
}

// Option configures the controller.
type Option func(*Service)

// WithSink attaches a live event sink in addition to the event store.
func WithSink(sink event.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New constructs the controller.
func New(acc *access.Service, ora *oracle.Service, res *reserve.Service,
	pos *position.Service, vlt *vault.Service, comp storage.ComplianceStore,
	events storage.EventStore, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("controller")
	}
	s := &Service{
		access:     acc,
		oracle:     ora,
		reserve:    res,
		positions:  pos,
		vault:      vlt,
		compliance: comp,
		events:     events,
		log:        log,
		clock:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// requireActive rejects mutating operations while the engine is paused.
func (s *Service) requireActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return errs.ErrEnginePaused
	}
	return nil
}

// enterGuarded marks the engine non-reentrant for the duration of an
// operation that transfers custody to a caller-controlled recipient. The
// flag is set before any asset leaves custody and cleared on every exit
// path via the returned release func.
func (s *Service) enterGuarded() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return nil, errs.ErrEnginePaused
	}
	if s.inProgress {
		return nil, errs.ErrReentrantCall
	}
	s.inProgress = true
	return func() {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
	}, nil
}

// --- fully-collateralized coin ------------------------------------------------

// Mint issues the compliance coin to a KYC-verified user against collateral.
func (s *Service) Mint(ctx context.Context, caller, to string, amount *big.Int, assetID string, collateralIn *big.Int) (result reserve.MintResult, err error) {
	defer func(start time.Time) { metrics.RecordOperation("reserve_mint", time.Since(start), err) }(time.Now())

	if err := s.access.Check(ctx, access.CategoryMinter, caller); err != nil {
		return reserve.MintResult{}, err
	}
	if err := s.requireActive(); err != nil {
		return reserve.MintResult{}, err
	}

	result, err = s.reserve.Mint(ctx, to, amount, assetID, collateralIn)
	if err != nil {
		return reserve.MintResult{}, err
	}
	s.refreshReserveGauge(ctx)
	s.emit(ctx, event.Record{
		EventType:       event.TypeMint,
		PrimaryActor:    to,
		Amount:          result.Amount,
		SecondaryAsset:  assetID,
		SecondaryAmount: result.CollateralIn,
		ResultingTotal:  result.NewSupply,
	})
	return result, nil
}

// Burn destroys the compliance coin and releases spot-valued collateral.
func (s *Service) Burn(ctx context.Context, caller, from string, amount *big.Int, assetID string) (result reserve.BurnResult, err error) {
	defer func(start time.Time) { metrics.RecordOperation("reserve_burn", time.Since(start), err) }(time.Now())

	if err := s.access.Check(ctx, access.CategoryBurner, caller); err != nil {
		return reserve.BurnResult{}, err
	}
	release, err := s.enterGuarded()
	if err != nil {
		return reserve.BurnResult{}, err
	}
	defer release()

	result, err = s.reserve.Burn(ctx, from, amount, assetID)
	if err != nil {
		return reserve.BurnResult{}, err
	}
	s.refreshReserveGauge(ctx)
	s.emit(ctx, event.Record{
		EventType:       event.TypeBurn,
		PrimaryActor:    from,
		Amount:          result.Amount,
		SecondaryAsset:  assetID,
		SecondaryAmount: result.CollateralReturn,
		ResultingTotal:  result.NewSupply,
	})
	return result, nil
}

// --- algorithmic coin ---------------------------------------------------------

// MintWithCollateral opens or extends a collateral position. Open to any
// caller; the economics, not a permission list, gate this coin.
func (s *Service) MintWithCollateral(ctx context.Context, caller string, mintAmount *big.Int, kind string, collateralIn *big.Int) (result position.MintResult, err error) {
	defer func(start time.Time) { metrics.RecordOperation("position_mint", time.Since(start), err) }(time.Now())

	if err := s.checkNotBlacklisted(ctx, caller); err != nil {
		return position.MintResult{}, err
	}
	if err := s.requireActive(); err != nil {
		return position.MintResult{}, err
	}

	result, err = s.positions.MintWithCollateral(ctx, caller, mintAmount, kind, collateralIn)
	if err != nil {
		return position.MintResult{}, err
	}
	s.refreshTVLGauge(ctx)
	s.emit(ctx, event.Record{
		EventType:       event.TypePositionMint,
		PrimaryActor:    caller,
		Amount:          result.MintAmount,
		SecondaryAsset:  kind,
		SecondaryAmount: result.CollateralIn,
		ResultingTotal:  result.NewDebt,
	})
	return result, nil
}

// BurnForCollateral repays debt and withdraws collateral.
func (s *Service) BurnForCollateral(ctx context.Context, caller string, burnAmount *big.Int, kind string) (result position.BurnResult, err error) {
	defer func(start time.Time) { metrics.RecordOperation("position_burn", time.Since(start), err) }(time.Now())

	release, err := s.enterGuarded()
	if err != nil {
		return position.BurnResult{}, err
	}
	defer release()

	result, err = s.positions.BurnForCollateral(ctx, caller, burnAmount, kind)
	if err != nil {
		return position.BurnResult{}, err
	}
	s.refreshTVLGauge(ctx)
	s.emit(ctx, event.Record{
		EventType:       event.TypePositionBurn,
		PrimaryActor:    caller,
		Amount:          result.BurnAmount,
		SecondaryAsset:  kind,
		SecondaryAmount: result.CollateralReturn,
		ResultingTotal:  result.NewDebt,
	})
	return result, nil
}

// Liquidate force-closes an undercollateralized position.
func (s *Service) Liquidate(ctx context.Context, caller, user, kind string) (result position.LiquidationResult, err error) {
	defer func(start time.Time) { metrics.RecordOperation("liquidate", time.Since(start), err) }(time.Now())

	if err := s.access.Check(ctx, access.CategoryLiquidator, caller); err != nil {
		return position.LiquidationResult{}, err
	}
	release, err := s.enterGuarded()
	if err != nil {
		return position.LiquidationResult{}, err
	}
	defer release()

	result, err = s.positions.Liquidate(ctx, caller, user, kind)
	metrics.RecordLiquidation(kind, err == nil)
	if err != nil {
		return position.LiquidationResult{}, err
	}
	s.refreshTVLGauge(ctx)
	s.emit(ctx, event.Record{
		EventType:       event.TypeLiquidation,
		PrimaryActor:    user,
		Amount:          result.DebtCleared,
		SecondaryAsset:  kind,
		SecondaryAmount: result.SeizedCollateral,
		ResultingTotal:  result.LiquidatorReward,
	})
	return result, nil
}

// --- yield vault --------------------------------------------------------------

// VaultDeposit moves assets into the vault for shares.
func (s *Service) VaultDeposit(ctx context.Context, caller string, assets *big.Int) (vault.OpResult, error) {
	if err := s.checkNotBlacklisted(ctx, caller); err != nil {
		return vault.OpResult{}, err
	}
	if err := s.requireActive(); err != nil {
		return vault.OpResult{}, err
	}
	result, err := s.vault.Deposit(ctx, caller, assets)
	if err != nil {
		return vault.OpResult{}, err
	}
	s.emitVault(ctx, event.TypeVaultDeposit, caller, result)
	return result, nil
}

// VaultMint issues an exact number of shares.
func (s *Service) VaultMint(ctx context.Context, caller string, shares *big.Int) (vault.OpResult, error) {
	if err := s.checkNotBlacklisted(ctx, caller); err != nil {
		return vault.OpResult{}, err
	}
	if err := s.requireActive(); err != nil {
		return vault.OpResult{}, err
	}
	result, err := s.vault.Mint(ctx, caller, shares)
	if err != nil {
		return vault.OpResult{}, err
	}
	s.emitVault(ctx, event.TypeVaultMint, caller, result)
	return result, nil
}

// VaultWithdraw moves an exact asset amount out of the vault.
func (s *Service) VaultWithdraw(ctx context.Context, caller string, assets *big.Int) (vault.OpResult, error) {
	release, err := s.enterGuarded()
	if err != nil {
		return vault.OpResult{}, err
	}
	defer release()

	result, err := s.vault.Withdraw(ctx, caller, assets)
	if err != nil {
		return vault.OpResult{}, err
	}
	s.emitVault(ctx, event.TypeVaultWithdraw, caller, result)
	return result, nil
}

// VaultRedeem burns an exact number of shares for assets.
func (s *Service) VaultRedeem(ctx context.Context, caller string, shares *big.Int) (vault.OpResult, error) {
	release, err := s.enterGuarded()
	if err != nil {
		return vault.OpResult{}, err
	}
	defer release()

	result, err := s.vault.Redeem(ctx, caller, shares)
	if err != nil {
		return vault.OpResult{}, err
	}
	s.emitVault(ctx, event.TypeVaultRedeem, caller, result)
	return result, nil
}

// ClaimYield pays out the caller's attributed yield.
func (s *Service) ClaimYield(ctx context.Context, caller, receiver string) (*big.Int, error) {
	release, err := s.enterGuarded()
	if err != nil {
		return nil, err
	}
	defer release()

	owed, err := s.vault.ClaimYield(ctx, caller, receiver)
	if err != nil {
		return nil, err
	}
	if owed.Sign() > 0 {
		s.emit(ctx, event.Record{
			EventType:    event.TypeYieldClaim,
			PrimaryActor: caller,
			Amount:       owed,
		})
	}
	return owed, nil
}

// UpdateYieldRate pulls and applies a new vault yield rate.
func (s *Service) UpdateYieldRate(ctx context.Context, caller string) (int64, error) {
	if err := s.access.Check(ctx, access.CategoryOracle, caller); err != nil {
		return 0, err
	}
	if err := s.requireActive(); err != nil {
		return 0, err
	}
	rate, err := s.vault.UpdateYieldRate(ctx)
	if err != nil {
		return 0, err
	}
	s.emit(ctx, event.Record{
		EventType:    event.TypeYieldRateUpdate,
		PrimaryActor: caller,
		Amount:       big.NewInt(rate),
	})
	return rate, nil
}

// --- transfer hook ------------------------------------------------------------

// CheckTransfer is the transfer-time compliance hook: a blacklisted sender
// or recipient blocks the transfer.
func (s *Service) CheckTransfer(ctx context.Context, from, to string) error {
	if err := s.checkNotBlacklisted(ctx, from); err != nil {
		return err
	}
	return s.checkNotBlacklisted(ctx, to)
}

func (s *Service) checkNotBlacklisted(ctx context.Context, userID string) error {
	rec, err := s.compliance.GetComplianceRecord(ctx, userID)
	if err != nil {
		return fmt.Errorf("compliance lookup: %w", err)
	}
	if rec.Blacklisted {
		return fmt.Errorf("user %s: %w", userID, errs.ErrUserBlacklisted)
	}
	return nil
}

// --- compliance administration ------------------------------------------------

// SetKYC sets a user's KYC verification flag.
func (s *Service) SetKYC(ctx context.Context, caller, userID string, verified bool) error {
	if err := s.access.Check(ctx, access.CategoryKYC, caller); err != nil {
		return err
	}
	return s.updateCompliance(ctx, userID, func(rec *compliance.Record) {
		rec.KYCVerified = verified
	})
}

// Blacklist blocks a user from issuance and transfers.
func (s *Service) Blacklist(ctx context.Context, caller, userID string) error {
	if err := s.access.Check(ctx, access.CategoryCompliance, caller); err != nil {
		return err
	}
	return s.updateCompliance(ctx, userID, func(rec *compliance.Record) {
		rec.Blacklisted = true
	})
}

// SetLimits sets a user's mint and burn limit overrides. A zero limit
// falls back to the engine-wide default.
func (s *Service) SetLimits(ctx context.Context, caller, userID string, mintLimit, burnLimit *big.Int) error {
	if err := s.access.Check(ctx, access.CategoryCompliance, caller); err != nil {
		return err
	}
	if mintLimit == nil {
		mintLimit = new(big.Int)
	}
	if burnLimit == nil {
		burnLimit = new(big.Int)
	}
	if mintLimit.Sign() < 0 || burnLimit.Sign() < 0 {
		return fmt.Errorf("limits must be non-negative: %w", errs.ErrInvalidAmount)
	}
	return s.updateCompliance(ctx, userID, func(rec *compliance.Record) {
		rec.MintLimit = new(big.Int).Set(mintLimit)
		rec.BurnLimit = new(big.Int).Set(burnLimit)
	})
}

// Unblacklist restores a user's access.
func (s *Service) Unblacklist(ctx context.Context, caller, userID string) error {
	if err := s.access.Check(ctx, access.CategoryCompliance, caller); err != nil {
		return err
	}
	return s.updateCompliance(ctx, userID, func(rec *compliance.Record) {
		rec.Blacklisted = false
	})
}

func (s *Service) updateCompliance(ctx context.Context, userID string, mutate func(*compliance.Record)) error {
	rec, err := s.compliance.GetComplianceRecord(ctx, userID)
	if err != nil {
		return fmt.Errorf("compliance lookup: %w", err)
	}
	rec.UserID = userID
	mutate(&rec)
	if _, err := s.compliance.PutComplianceRecord(ctx, rec); err != nil {
		return fmt.Errorf("compliance update: %w", err)
	}
	return nil
}

// ComplianceRecordOf returns a user's compliance record.
func (s *Service) ComplianceRecordOf(ctx context.Context, userID string) (compliance.Record, error) {
	return s.compliance.GetComplianceRecord(ctx, userID)
}

// --- engine administration ----------------------------------------------------

// Pause halts all mutating operations.
func (s *Service) Pause(ctx context.Context, caller string) error {
	if err := s.access.Check(ctx, access.CategoryPauser, caller); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()

	s.log.WithField("caller", caller).Warn("engine paused")
	s.emit(ctx, event.Record{EventType: event.TypePause, PrimaryActor: caller})
	return nil
}

// Unpause resumes mutating operations.
func (s *Service) Unpause(ctx context.Context, caller string) error {
	if err := s.access.Check(ctx, access.CategoryPauser, caller); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	s.log.WithField("caller", caller).Info("engine unpaused")
	s.emit(ctx, event.Record{EventType: event.TypeUnpause, PrimaryActor: caller})
	return nil
}

// Paused reports the pause state.
func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Grant gives a user a permission category. Admin check happens inside the
// access policy.
func (s *Service) Grant(ctx context.Context, caller, category, userID string) error {
	return s.access.Grant(ctx, caller, category, userID)
}

// Revoke removes a permission category from a user.
func (s *Service) Revoke(ctx context.Context, caller, category, userID string) error {
	return s.access.Revoke(ctx, caller, category, userID)
}

// RegisterFeed registers or replaces a price feed.
func (s *Service) RegisterFeed(ctx context.Context, caller, assetID string, cfg oracle.FeedConfig) error {
	if err := s.access.Check(ctx, access.CategoryOracle, caller); err != nil {
		return err
	}
	return s.oracle.RegisterFeed(ctx, assetID, cfg)
}

// RegisterFeeds registers a batch of feeds atomically.
func (s *Service) RegisterFeeds(ctx context.Context, caller string, assetIDs []string, cfgs []oracle.FeedConfig) error {
	if err := s.access.Check(ctx, access.CategoryOracle, caller); err != nil {
		return err
	}
	return s.oracle.RegisterFeeds(ctx, assetIDs, cfgs)
}

// SetAssetSupport enables or disables a reserve collateral asset.
func (s *Service) SetAssetSupport(ctx context.Context, caller, assetID string, supported bool, feedID string) error {
	if err := s.access.Check(ctx, access.CategoryAdmin, caller); err != nil {
		return err
	}
	return s.reserve.SetAssetSupport(ctx, assetID, supported, feedID)
}

// SetLSDSupport enables or disables a collateral kind for the algorithmic
// coin.
func (s *Service) SetLSDSupport(ctx context.Context, caller, kind string, supported bool) error {
	if err := s.access.Check(ctx, access.CategoryAdmin, caller); err != nil {
		return err
	}
	s.positions.SetLSDSupport(kind, supported)
	return nil
}

// --- views --------------------------------------------------------------------

// PositionOf returns a user's position for a collateral kind.
func (s *Service) PositionOf(user, kind string) domain.Position {
	return s.positions.PositionOf(user, kind)
}

// Events lists the most recent emitted events.
func (s *Service) Events(ctx context.Context, limit int) ([]event.Record, error) {
	return s.events.ListEvents(ctx, limit)
}

// --- event emission -----------------------------------------------------------

// emit persists and publishes an event after the operation has committed.
// Failures here are logged, never surfaced: the state change already
// happened and must not be reported as failed.
func (s *Service) emit(ctx context.Context, rec event.Record) {
	rec.Timestamp = s.clock()
	stored, err := s.events.AppendEvent(ctx, rec)
	if err != nil {
		s.log.WithError(err).
			WithField("event_type", string(rec.EventType)).
			Error("event append failed")
		stored = rec
	}
	if s.sink != nil {
		s.sink.Publish(ctx, stored)
	}
}

func (s *Service) emitVault(ctx context.Context, t event.Type, actor string, result vault.OpResult) {
	s.emit(ctx, event.Record{
		EventType:       t,
		PrimaryActor:    actor,
		Amount:          result.Assets,
		SecondaryAmount: result.Shares,
		ResultingTotal:  result.TotalAssets,
	})
}

// --- gauges -------------------------------------------------------------------

// Gauge refreshes are best effort; a failed price read leaves the previous
// value in place.

func (s *Service) refreshReserveGauge(ctx context.Context) {
	total, err := s.reserve.TotalReservesUSD(ctx)
	if err != nil {
		return
	}
	v, _ := new(big.Float).SetInt(total).Float64()
	metrics.SetTotalReservesUSD(v)
}

func (s *Service) refreshTVLGauge(ctx context.Context) {
	tvl, err := s.positions.TotalValueLocked(ctx)
	if err != nil {
		return
	}
	v, _ := new(big.Float).SetInt(tvl).Float64()
	metrics.SetTotalValueLocked(v)
}
