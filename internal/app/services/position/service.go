// Package position implements the algorithmic coin's per-user collateral
// and debt accounting, ratio math and liquidation.
package position

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/custody"
	"github.com/R3E-Network/issuance_layer/internal/app/domain/asset"
	domain "github.com/R3E-Network/issuance_layer/internal/app/domain/position"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/app/token"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

// KindETH is the distinguished native collateral kind; every other kind is
// a liquid staking derivative that must be registered before use.
const KindETH = "ETH"

// Config holds the algorithmic coin parameters. LiquidationThresholdBps sits
// strictly below MinCollateralRatioBps, leaving a buffer zone where a
// position can neither withdraw further nor be liquidated.
type Config struct {
	MinCollateralRatioBps   int64
	LiquidationThresholdBps int64
	// LiquidationPenaltyBps is the fraction of seized collateral paid out as
	// penalty; LiquidatorCutBps is the liquidator's share of that penalty.
	// The remainder is retained by the protocol.
	LiquidationPenaltyBps int64
	LiquidatorCutBps      int64
	MaxPriceAge           time.Duration
}

// Service tracks positions per user and collateral kind.
type Service struct {
	cfg     Config
	oracle  *oracle.Service
	custody custody.Transferor
	tokens  token.Ledger
	staking token.StakingHook
	log     *logger.Logger

	mu        sync.RWMutex
	positions map[string]map[string]domain.Position
	lsdKinds  map[string]bool
}

// New constructs the position accountant. staking may be nil when no
// staking-accrual collaborator is wired.
func New(cfg Config, ora *oracle.Service, cust custody.Transferor, tokens token.Ledger,
	staking token.StakingHook, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("position")
	}
	return &Service{
		cfg:       cfg,
		oracle:    ora,
		custody:   cust,
		tokens:    tokens,
		staking:   staking,
		log:       log,
		positions: make(map[string]map[string]domain.Position),
		lsdKinds:  make(map[string]bool),
	}
}

// SetLSDSupport registers or toggles a liquid staking derivative kind.
// Idempotent; kinds are disabled, never removed.
func (s *Service) SetLSDSupport(kind string, supported bool) {
	s.mu.Lock()
	s.lsdKinds[kind] = supported
	s.mu.Unlock()
	s.log.WithField("kind", kind).WithField("supported", supported).Info("lsd support updated")
}

// SupportedKinds lists ETH plus every enabled derivative, sorted.
func (s *Service) SupportedKinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kinds := []string{KindETH}
	for kind, ok := range s.lsdKinds {
		if ok {
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

func (s *Service) kindSupported(kind string) bool {
	if kind == KindETH {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lsdKinds[kind]
}

// MintResult reports a committed collateralized mint.
type MintResult struct {
	Kind               string
	MintAmount         *big.Int
	CollateralIn       *big.Int
	RequiredCollateral *big.Int
	NewCollateral      *big.Int
	NewDebt            *big.Int
}

// BurnResult reports a committed burn-for-collateral.
type BurnResult struct {
	Kind             string
	BurnAmount       *big.Int
	CollateralReturn *big.Int
	NewCollateral    *big.Int
	NewDebt          *big.Int
}

// LiquidationResult reports a committed liquidation.
type LiquidationResult struct {
	Kind             string
	User             string
	Liquidator       string
	SeizedCollateral *big.Int
	DebtCleared      *big.Int
	LiquidatorReward *big.Int
	ProtocolRetained *big.Int
}

// RequiredCollateral computes the collateral needed to mint mintAmount of
// the coin against the given kind at its current price.
func (s *Service) RequiredCollateral(ctx context.Context, mintAmount *big.Int, kind string) (*big.Int, error) {
	quote, err := s.oracle.GetPriceWithStalenessCheck(ctx, kind, s.cfg.MaxPriceAge)
	if err != nil {
		return nil, err
	}
	return requiredCollateral(mintAmount, quote.Value, s.cfg.MinCollateralRatioBps), nil
}

func requiredCollateral(amount, price *big.Int, minRatioBps int64) *big.Int {
	num := new(big.Int).Mul(amount, big.NewInt(minRatioBps))
	num.Mul(num, big.NewInt(asset.PriceScale))
	den := new(big.Int).Mul(price, big.NewInt(asset.BpsDenominator))
	return num.Quo(num, den)
}

// MintWithCollateral deposits collateral and issues mintAmount of debt.
func (s *Service) MintWithCollateral(ctx context.Context, user string, mintAmount *big.Int, kind string, collateralIn *big.Int) (MintResult, error) {
	if !asset.IsPositive(mintAmount) || !asset.IsPositive(collateralIn) {
		return MintResult{}, errs.ErrInvalidAmount
	}
	if !s.kindSupported(kind) {
		return MintResult{}, fmt.Errorf("kind %s: %w", kind, errs.ErrLSDNotSupported)
	}

	quote, err := s.oracle.GetPriceWithStalenessCheck(ctx, kind, s.cfg.MaxPriceAge)
	if err != nil {
		return MintResult{}, err
	}
	required := requiredCollateral(mintAmount, quote.Value, s.cfg.MinCollateralRatioBps)
	if collateralIn.Cmp(required) < 0 {
		return MintResult{}, fmt.Errorf("need %s, got %s: %w", required, collateralIn, errs.ErrInsufficientCollateral)
	}

	// Later commit steps unwind the earlier ones on failure so deposited
	// collateral is never stranded without issued debt.
	if err := s.custody.TransferIn(ctx, user, kind, collateralIn); err != nil {
		return MintResult{}, fmt.Errorf("collateral transfer in: %w", err)
	}
	if err := s.tokens.Issue(ctx, user, mintAmount); err != nil {
		s.returnCollateral(ctx, user, kind, collateralIn)
		return MintResult{}, fmt.Errorf("token issue: %w", err)
	}
	if s.staking != nil {
		if err := s.staking.AccrueStake(ctx, kind, collateralIn); err != nil {
			s.destroyTokens(ctx, user, mintAmount)
			s.returnCollateral(ctx, user, kind, collateralIn)
			return MintResult{}, fmt.Errorf("staking accrual: %w", err)
		}
	}

	s.mu.Lock()
	pos := s.positionLocked(user, kind)
	pos.Collateral.Add(pos.Collateral, collateralIn)
	pos.Debt.Add(pos.Debt, mintAmount)
	pos.UpdatedAt = time.Now().UTC()
	s.setPositionLocked(pos)
	result := MintResult{
		Kind:               kind,
		MintAmount:         new(big.Int).Set(mintAmount),
		CollateralIn:       new(big.Int).Set(collateralIn),
		RequiredCollateral: required,
		NewCollateral:      new(big.Int).Set(pos.Collateral),
		NewDebt:            new(big.Int).Set(pos.Debt),
	}
	s.mu.Unlock()

	s.log.WithField("user", user).
		WithField("kind", kind).
		WithField("mint", mintAmount.String()).
		WithField("collateral", collateralIn.String()).
		Info("position minted")
	return result, nil
}

// BurnForCollateral burns debt and releases spot-valued collateral. The
// ratio check runs on the resulting position so a user cannot withdraw into
// an undercollateralized state.
func (s *Service) BurnForCollateral(ctx context.Context, user string, burnAmount *big.Int, kind string) (BurnResult, error) {
	if !asset.IsPositive(burnAmount) {
		return BurnResult{}, errs.ErrInvalidAmount
	}
	if !s.kindSupported(kind) {
		return BurnResult{}, fmt.Errorf("kind %s: %w", kind, errs.ErrLSDNotSupported)
	}

	s.mu.RLock()
	pos := s.positionLocked(user, kind)
	s.mu.RUnlock()

	if pos.Debt.Cmp(burnAmount) < 0 {
		return BurnResult{}, fmt.Errorf("burn %s exceeds debt %s: %w", burnAmount, pos.Debt, errs.ErrInvalidAmount)
	}

	quote, err := s.oracle.GetPriceWithStalenessCheck(ctx, kind, s.cfg.MaxPriceAge)
	if err != nil {
		return BurnResult{}, err
	}
	ret := new(big.Int).Mul(burnAmount, big.NewInt(asset.PriceScale))
	ret.Quo(ret, quote.Value)
	if ret.Cmp(pos.Collateral) > 0 {
		return BurnResult{}, fmt.Errorf("return %s exceeds collateral %s: %w", ret, pos.Collateral, errs.ErrInsufficientCollateral)
	}

	newCollateral := new(big.Int).Sub(pos.Collateral, ret)
	newDebt := new(big.Int).Sub(pos.Debt, burnAmount)
	if ratio := calculateRatio(newCollateral, newDebt, quote.Value); ratio.Defined &&
		ratio.BelowBps(s.cfg.MinCollateralRatioBps) {
		return BurnResult{}, fmt.Errorf("post-burn ratio %s bps: %w", ratio.Bps, errs.ErrInvalidCollateralRatio)
	}

	// A failed collateral release reissues the destroyed debt so the burn
	// stays all-or-nothing.
	if err := s.tokens.Destroy(ctx, user, burnAmount); err != nil {
		return BurnResult{}, fmt.Errorf("token destroy: %w", err)
	}
	if err := s.custody.TransferOut(ctx, user, kind, ret); err != nil {
		s.reissueTokens(ctx, user, burnAmount)
		return BurnResult{}, fmt.Errorf("collateral transfer out: %w", err)
	}

	s.mu.Lock()
	pos = s.positionLocked(user, kind)
	pos.Collateral.Set(newCollateral)
	pos.Debt.Set(newDebt)
	pos.UpdatedAt = time.Now().UTC()
	s.setPositionLocked(pos)
	result := BurnResult{
		Kind:             kind,
		BurnAmount:       new(big.Int).Set(burnAmount),
		CollateralReturn: ret,
		NewCollateral:    new(big.Int).Set(pos.Collateral),
		NewDebt:          new(big.Int).Set(pos.Debt),
	}
	s.mu.Unlock()

	s.log.WithField("user", user).
		WithField("kind", kind).
		WithField("burn", burnAmount.String()).
		WithField("collateral_return", ret.String()).
		Info("position burned")
	return result, nil
}

// calculateRatio returns the collateralization ratio in bps of a
// hypothetical position at the given price. Undefined when debt is zero.
func calculateRatio(collateral, debt, price *big.Int) asset.Ratio {
	if debt.Sign() == 0 {
		return asset.UndefinedRatio()
	}
	value := asset.ValueUSD(collateral, price)
	bps := new(big.Int).Mul(value, big.NewInt(asset.BpsDenominator))
	bps.Quo(bps, debt)
	return asset.RatioFromBps(bps)
}

// CollateralRatioOf returns the current ratio of a user's position. As a
// pure view it accepts a quote of any age.
func (s *Service) CollateralRatioOf(ctx context.Context, user, kind string) (asset.Ratio, error) {
	return s.ratioOf(ctx, user, kind, 0)
}

// ratioOf computes the position's ratio; a positive maxAge bounds the
// quote's age.
func (s *Service) ratioOf(ctx context.Context, user, kind string, maxAge time.Duration) (asset.Ratio, error) {
	if !s.kindSupported(kind) {
		return asset.Ratio{}, fmt.Errorf("kind %s: %w", kind, errs.ErrLSDNotSupported)
	}

	s.mu.RLock()
	pos := s.positionLocked(user, kind)
	s.mu.RUnlock()

	if pos.Debt.Sign() == 0 {
		return asset.UndefinedRatio(), nil
	}

	var (
		quote asset.Quote
		err   error
	)
	if maxAge > 0 {
		quote, err = s.oracle.GetPriceWithStalenessCheck(ctx, kind, maxAge)
	} else {
		quote, err = s.oracle.GetPrice(ctx, kind)
	}
	if err != nil {
		return asset.Ratio{}, err
	}
	return calculateRatio(pos.Collateral, pos.Debt, quote.Value), nil
}

// IsLiquidatable reports whether the position's ratio is strictly below the
// liquidation threshold. Liquidation eligibility is a state transition
// trigger, so a stale quote fails the check rather than answering it.
func (s *Service) IsLiquidatable(ctx context.Context, user, kind string) (bool, error) {
	ratio, err := s.ratioOf(ctx, user, kind, s.cfg.MaxPriceAge)
	if err != nil {
		return false, err
	}
	return ratio.BelowBps(s.cfg.LiquidationThresholdBps), nil
}

// Liquidate seizes the entire position of an undercollateralized user,
// clears all debt, and pays the liquidator its cut of the penalty. The
// liquidator permission check belongs to the controller.
func (s *Service) Liquidate(ctx context.Context, liquidator, user, kind string) (LiquidationResult, error) {
	liquidatable, err := s.IsLiquidatable(ctx, user, kind)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !liquidatable {
		return LiquidationResult{}, fmt.Errorf("user %s kind %s: %w", user, kind, errs.ErrPositionNotLiquidatable)
	}

	s.mu.RLock()
	pos := s.positionLocked(user, kind)
	s.mu.RUnlock()

	seized := new(big.Int).Set(pos.Collateral)
	debt := new(big.Int).Set(pos.Debt)
	penalty := asset.MulDivI(seized, s.cfg.LiquidationPenaltyBps, asset.BpsDenominator)
	reward := asset.MulDivI(penalty, s.cfg.LiquidatorCutBps, asset.BpsDenominator)
	retained := new(big.Int).Sub(penalty, reward)

	// A failed payout reissues the cleared debt; the position is only
	// zeroed once both external effects have landed.
	if err := s.tokens.Destroy(ctx, user, debt); err != nil {
		return LiquidationResult{}, fmt.Errorf("token destroy: %w", err)
	}
	if err := s.custody.TransferOut(ctx, liquidator, kind, reward); err != nil {
		s.reissueTokens(ctx, user, debt)
		return LiquidationResult{}, fmt.Errorf("liquidator payout: %w", err)
	}

	s.mu.Lock()
	pos = s.positionLocked(user, kind)
	pos.Collateral.SetInt64(0)
	pos.Debt.SetInt64(0)
	pos.UpdatedAt = time.Now().UTC()
	s.setPositionLocked(pos)
	s.mu.Unlock()

	s.log.WithField("user", user).
		WithField("kind", kind).
		WithField("liquidator", liquidator).
		WithField("seized", seized.String()).
		WithField("debt_cleared", debt.String()).
		Info("position liquidated")
	return LiquidationResult{
		Kind:             kind,
		User:             user,
		Liquidator:       liquidator,
		SeizedCollateral: seized,
		DebtCleared:      debt,
		LiquidatorReward: reward,
		ProtocolRetained: retained,
	}, nil
}

// PositionOf returns a copy of the user's position for a kind. A user who
// never deposited has the zero position.
func (s *Service) PositionOf(user, kind string) domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionLocked(user, kind)
}

// TotalValueLocked sums custody balances over supported kinds.
func (s *Service) TotalValueLocked(ctx context.Context) (*big.Int, error) {
	total := new(big.Int)
	for _, kind := range s.SupportedKinds() {
		balance, err := s.custody.BalanceOf(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("custody balance %s: %w", kind, err)
		}
		total.Add(total, balance)
	}
	return total, nil
}

// Compensation helpers are best effort: a failure while unwinding is
// logged, not surfaced, because the original error is the one that matters.

func (s *Service) returnCollateral(ctx context.Context, user, kind string, amount *big.Int) {
	if err := s.custody.TransferOut(ctx, user, kind, amount); err != nil {
		s.log.WithError(err).
			WithField("user", user).
			WithField("kind", kind).
			Error("collateral return after failed commit")
	}
}

func (s *Service) destroyTokens(ctx context.Context, user string, amount *big.Int) {
	if err := s.tokens.Destroy(ctx, user, amount); err != nil {
		s.log.WithError(err).WithField("user", user).Error("token destroy after failed commit")
	}
}

func (s *Service) reissueTokens(ctx context.Context, user string, amount *big.Int) {
	if err := s.tokens.Issue(ctx, user, amount); err != nil {
		s.log.WithError(err).WithField("user", user).Error("token reissue after failed transfer out")
	}
}

// positionLocked returns a deep copy of the stored position; callers hold
// at least a read lock.
func (s *Service) positionLocked(user, kind string) domain.Position {
	if byKind, ok := s.positions[user]; ok {
		if pos, ok := byKind[kind]; ok {
			pos.Collateral = new(big.Int).Set(pos.Collateral)
			pos.Debt = new(big.Int).Set(pos.Debt)
			return pos
		}
	}
	return domain.Position{
		UserID:     user,
		Kind:       kind,
		Collateral: new(big.Int),
		Debt:       new(big.Int),
	}
}

func (s *Service) setPositionLocked(pos domain.Position) {
	byKind, ok := s.positions[pos.UserID]
	if !ok {
		byKind = make(map[string]domain.Position)
		s.positions[pos.UserID] = byKind
	}
	byKind[pos.Kind] = pos
}
