// Package reserve implements the fully-collateralized coin's per-asset
// reserve ledger: ratio-grossed mints, spot burns and backing queries.
//
// Mint requires collateral at the minimum-ratio-grossed rate while burn
// returns collateral at spot 1:1. The asymmetry is the intended monetary
// design: withdrawal is not penalized.
package reserve

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/custody"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/asset"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/compliance"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/app/storage"
	"github.com/R3E-Network/issuance_layer/internal/app/token"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

// Config holds the ledger parameters.
type Config struct {
	// MinRatioBps is the minimum collateral ratio required on mint.
	MinRatioBps int64
	// MintLimit and BurnLimit cap cumulative per-user volume unless the
	// user's compliance record carries its own override. Nil or zero
	// means unlimited.
	MintLimit *big.Int
	BurnLimit *big.Int
	// MaxPriceAge bounds the age of quotes used by state-changing ops.
	MaxPriceAge time.Duration
}

// Service is the collateral ledger for the fully-collateralized coin.
type Service struct {
	cfg        Config
	oracle     *oracle.Service
	assets     storage.AssetStore
	compliance storage.ComplianceStore
	custody    custody.Transferor
	tokens     token.Ledger
	log        *logger.Logger

	mu            sync.RWMutex
	reserves      map[string]*big.Int
	totalReserves *big.Int
	supply        *big.Int
}

// New constructs the reserve ledger.
func New(cfg Config, ora *oracle.Service, assets storage.AssetStore,
	comp storage.ComplianceStore, cust custody.Transferor, tokens token.Ledger,
	log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reserve")
	}
	return &Service{
		cfg:           cfg,
		oracle:        ora,
		assets:        assets,
		compliance:    comp,
		custody:       cust,
		tokens:        tokens,
		log:           log,
		reserves:      make(map[string]*big.Int),
		totalReserves: new(big.Int),
		supply:        new(big.Int),
	}
}

// MintResult reports the committed state of a successful mint.
type MintResult struct {
	Amount             *big.Int
	CollateralIn       *big.Int
	RequiredCollateral *big.Int
	AssetID            string
	NewReserve         *big.Int
	NewSupply          *big.Int
}

// BurnResult reports the committed state of a successful burn.
type BurnResult struct {
	Amount           *big.Int
	CollateralReturn *big.Int
	AssetID          string
	NewReserve       *big.Int
	NewSupply        *big.Int
}

// RequiredCollateral computes the collateral needed to mint amount against
// assetID at the current spot price, grossed by the minimum ratio:
// amount * minRatioBps * 1e8 / (price * 10000).
func (s *Service) RequiredCollateral(ctx context.Context, amount *big.Int, assetID string) (*big.Int, error) {
	quote, err := s.oracle.GetPriceWithStalenessCheck(ctx, assetID, s.cfg.MaxPriceAge)
	if err != nil {
		return nil, err
	}
	return requiredCollateral(amount, quote.Value, s.cfg.MinRatioBps), nil
}

func requiredCollateral(amount, price *big.Int, minRatioBps int64) *big.Int {
	num := new(big.Int).Mul(amount, big.NewInt(minRatioBps))
	num.Mul(num, big.NewInt(asset.PriceScale))
	den := new(big.Int).Mul(price, big.NewInt(asset.BpsDenominator))
	return num.Quo(num, den)
}

// CollateralReturn computes the collateral returned for burning amount at
// spot: amount * 1e8 / price. No ratio multiplier on the way out.
func (s *Service) CollateralReturn(ctx context.Context, amount *big.Int, assetID string) (*big.Int, error) {
	quote, err := s.oracle.GetPriceWithStalenessCheck(ctx, assetID, s.cfg.MaxPriceAge)
	if err != nil {
		return nil, err
	}
	return collateralReturn(amount, quote.Value), nil
}

func collateralReturn(amount, price *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, big.NewInt(asset.PriceScale))
	return num.Quo(num, price)
}

// Mint issues amount to the user against collateralIn units of assetID.
// All checks run before any state change; custody and token failures abort
// the operation with no ledger mutation.
func (s *Service) Mint(ctx context.Context, to string, amount *big.Int, assetID string, collateralIn *big.Int) (MintResult, error) {
	if !asset.IsPositive(amount) || !asset.IsPositive(collateralIn) {
		return MintResult{}, errs.ErrInvalidAmount
	}

	rec, err := s.compliance.GetComplianceRecord(ctx, to)
	if err != nil {
		return MintResult{}, fmt.Errorf("compliance lookup: %w", err)
	}
	rec = rec.Normalized()
	if rec.Blacklisted {
		return MintResult{}, fmt.Errorf("user %s: %w", to, errs.ErrUserBlacklisted)
	}
	if !rec.KYCVerified {
		return MintResult{}, fmt.Errorf("user %s: %w", to, errs.ErrKYCNotVerified)
	}

	if err := s.requireSupported(ctx, assetID); err != nil {
		return MintResult{}, err
	}

	newMintUsed := new(big.Int).Add(rec.MintLimitUsed, amount)
	if limit := effectiveLimit(rec.MintLimit, s.cfg.MintLimit); asset.IsPositive(limit) && newMintUsed.Cmp(limit) > 0 {
		return MintResult{}, fmt.Errorf("user %s: %w", to, errs.ErrMintLimitExceeded)
	}

	quote, err := s.oracle.GetPriceWithStalenessCheck(ctx, assetID, s.cfg.MaxPriceAge)
	if err != nil {
		return MintResult{}, err
	}
	required := requiredCollateral(amount, quote.Value, s.cfg.MinRatioBps)
	if collateralIn.Cmp(required) < 0 {
		return MintResult{}, fmt.Errorf("need %s, got %s: %w", required, collateralIn, errs.ErrInsufficientCollateral)
	}

	// Commit phase: a failure in any step unwinds the steps before it, so
	// a partial commit never survives. The in-memory ledger goes last and
	// cannot fail.
	prev := rec
	rec.MintLimitUsed = newMintUsed
	if _, err := s.compliance.PutComplianceRecord(ctx, rec); err != nil {
		return MintResult{}, fmt.Errorf("advance mint counter: %w", err)
	}
	if err := s.custody.TransferIn(ctx, to, assetID, collateralIn); err != nil {
		s.restoreCompliance(ctx, prev)
		return MintResult{}, fmt.Errorf("collateral transfer in: %w", err)
	}
	if err := s.tokens.Issue(ctx, to, amount); err != nil {
		if outErr := s.custody.TransferOut(ctx, to, assetID, collateralIn); outErr != nil {
			s.log.WithError(outErr).WithField("user", to).Error("collateral return after failed issue")
		}
		s.restoreCompliance(ctx, prev)
		return MintResult{}, fmt.Errorf("token issue: %w", err)
	}

	s.mu.Lock()
	newReserve := s.reserveLocked(assetID)
	newReserve.Add(newReserve, collateralIn)
	s.reserves[assetID] = newReserve
	s.totalReserves.Add(s.totalReserves, collateralIn)
	s.supply.Add(s.supply, amount)
	result := MintResult{
		Amount:             new(big.Int).Set(amount),
		CollateralIn:       new(big.Int).Set(collateralIn),
		RequiredCollateral: required,
		AssetID:            assetID,
		NewReserve:         new(big.Int).Set(newReserve),
		NewSupply:          new(big.Int).Set(s.supply),
	}
	s.mu.Unlock()

	s.log.WithField("user", to).
		WithField("asset", assetID).
		WithField("amount", amount.String()).
		WithField("collateral_in", collateralIn.String()).
		Info("minted against reserve")
	return result, nil
}

// Burn destroys amount from the user and returns spot-valued collateral.
func (s *Service) Burn(ctx context.Context, from string, amount *big.Int, assetID string) (BurnResult, error) {
	if !asset.IsPositive(amount) {
		return BurnResult{}, errs.ErrInvalidAmount
	}

	rec, err := s.compliance.GetComplianceRecord(ctx, from)
	if err != nil {
		return BurnResult{}, fmt.Errorf("compliance lookup: %w", err)
	}
	rec = rec.Normalized()
	if rec.Blacklisted {
		return BurnResult{}, fmt.Errorf("user %s: %w", from, errs.ErrUserBlacklisted)
	}

	if err := s.requireSupported(ctx, assetID); err != nil {
		return BurnResult{}, err
	}

	newBurnUsed := new(big.Int).Add(rec.BurnLimitUsed, amount)
	if limit := effectiveLimit(rec.BurnLimit, s.cfg.BurnLimit); asset.IsPositive(limit) && newBurnUsed.Cmp(limit) > 0 {
		return BurnResult{}, fmt.Errorf("user %s: %w", from, errs.ErrBurnLimitExceeded)
	}

	quote, err := s.oracle.GetPriceWithStalenessCheck(ctx, assetID, s.cfg.MaxPriceAge)
	if err != nil {
		return BurnResult{}, err
	}
	ret := collateralReturn(amount, quote.Value)

	s.mu.RLock()
	reserve := s.reserveLocked(assetID)
	s.mu.RUnlock()
	if ret.Cmp(reserve) > 0 {
		return BurnResult{}, fmt.Errorf("return %s exceeds reserve %s: %w", ret, reserve, errs.ErrInsufficientCollateral)
	}

	// Commit phase, unwound backwards on failure: a destroyed token must
	// never outlive a failed collateral return.
	prev := rec
	rec.BurnLimitUsed = newBurnUsed
	if _, err := s.compliance.PutComplianceRecord(ctx, rec); err != nil {
		return BurnResult{}, fmt.Errorf("advance burn counter: %w", err)
	}
	if err := s.tokens.Destroy(ctx, from, amount); err != nil {
		s.restoreCompliance(ctx, prev)
		return BurnResult{}, fmt.Errorf("token destroy: %w", err)
	}
	if err := s.custody.TransferOut(ctx, from, assetID, ret); err != nil {
		if issueErr := s.tokens.Issue(ctx, from, amount); issueErr != nil {
			s.log.WithError(issueErr).WithField("user", from).Error("token reissue after failed transfer out")
		}
		s.restoreCompliance(ctx, prev)
		return BurnResult{}, fmt.Errorf("collateral transfer out: %w", err)
	}

	s.mu.Lock()
	newReserve := s.reserveLocked(assetID)
	newReserve.Sub(newReserve, ret)
	s.reserves[assetID] = newReserve
	s.totalReserves.Sub(s.totalReserves, ret)
	s.supply.Sub(s.supply, amount)
	result := BurnResult{
		Amount:           new(big.Int).Set(amount),
		CollateralReturn: ret,
		AssetID:          assetID,
		NewReserve:       new(big.Int).Set(newReserve),
		NewSupply:        new(big.Int).Set(s.supply),
	}
	s.mu.Unlock()

	s.log.WithField("user", from).
		WithField("asset", assetID).
		WithField("amount", amount.String()).
		WithField("collateral_return", ret.String()).
		Info("burned against reserve")
	return result, nil
}

// CollateralRatio returns the backing ratio of an asset's reserve against
// total issued supply. Undefined when nothing is issued.
func (s *Service) CollateralRatio(ctx context.Context, assetID string) (asset.Ratio, error) {
	s.mu.RLock()
	reserve := s.reserveLocked(assetID)
	supply := new(big.Int).Set(s.supply)
	s.mu.RUnlock()

	if supply.Sign() == 0 {
		return asset.UndefinedRatio(), nil
	}

	quote, err := s.oracle.GetPrice(ctx, assetID)
	if err != nil {
		return asset.Ratio{}, err
	}
	value := asset.ValueUSD(reserve, quote.Value)
	bps := new(big.Int).Mul(value, big.NewInt(asset.BpsDenominator))
	bps.Quo(bps, supply)
	return asset.RatioFromBps(bps), nil
}

// TotalReservesUSD values all reserves of currently-supported assets at spot.
// Reserves of disabled assets stay in custody but drop out of the reported
// backing figure.
func (s *Service) TotalReservesUSD(ctx context.Context) (*big.Int, error) {
	assets, err := s.assets.ListAssets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	s.mu.RLock()
	snapshot := make(map[string]*big.Int, len(s.reserves))
	for id, amt := range s.reserves {
		snapshot[id] = new(big.Int).Set(amt)
	}
	s.mu.RUnlock()

	total := new(big.Int)
	for _, a := range assets {
		if !a.Supported {
			continue
		}
		reserve, ok := snapshot[a.ID]
		if !ok || reserve.Sign() == 0 {
			continue
		}
		quote, err := s.oracle.GetPrice(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		total.Add(total, asset.ValueUSD(reserve, quote.Value))
	}
	return total, nil
}

// Reserve returns the current reserve balance of an asset.
func (s *Service) Reserve(assetID string) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reserveLocked(assetID)
}

// Supply returns the current total issued supply.
func (s *Service) Supply() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.supply)
}

// SetAssetSupport registers or toggles an asset. Assets are never removed;
// disabling freezes the asset out of new operations and the backing figure.
func (s *Service) SetAssetSupport(ctx context.Context, assetID string, supported bool, feedID string) error {
	existing, err := s.assets.GetAsset(ctx, assetID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("asset lookup: %w", err)
	}
	if feedID == "" {
		feedID = existing.FeedID
	}
	if _, err := s.assets.PutAsset(ctx, asset.Asset{ID: assetID, Supported: supported, FeedID: feedID}); err != nil {
		return fmt.Errorf("store asset: %w", err)
	}
	s.log.WithField("asset", assetID).
		WithField("supported", supported).
		Info("asset support updated")
	return nil
}

// effectiveLimit resolves a positive per-user override against the
// engine-wide default.
func effectiveLimit(userLimit, defaultLimit *big.Int) *big.Int {
	if asset.IsPositive(userLimit) {
		return userLimit
	}
	return defaultLimit
}

// restoreCompliance puts back the pre-operation record after a later
// commit step failed. Best effort: a failure here is logged, not surfaced.
func (s *Service) restoreCompliance(ctx context.Context, rec compliance.Record) {
	if _, err := s.compliance.PutComplianceRecord(ctx, rec); err != nil {
		s.log.WithError(err).WithField("user", rec.UserID).Error("compliance counter restore failed")
	}
}

func (s *Service) requireSupported(ctx context.Context, assetID string) error {
	a, err := s.assets.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("asset %s: %w", assetID, errs.ErrCollateralNotSupported)
		}
		return fmt.Errorf("asset lookup: %w", err)
	}
	if !a.Supported {
		return fmt.Errorf("asset %s disabled: %w", assetID, errs.ErrCollateralNotSupported)
	}
	return nil
}

// reserveLocked returns a copy of the reserve balance; callers hold s.mu.
func (s *Service) reserveLocked(assetID string) *big.Int {
	if r, ok := s.reserves[assetID]; ok {
		return new(big.Int).Set(r)
	}
	return new(big.Int)
}
