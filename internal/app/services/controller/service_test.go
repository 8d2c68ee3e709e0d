package controller

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/issuance_layer/internal/app/domain/event"
	"github.com/R3E-Network/issuance_layer/internal/app/services/access"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/app/services/position"
	"github.com/R3E-Network/issuance_layer/internal/app/services/reserve"
	"github.com/R3E-Network/issuance_layer/internal/app/services/vault"
	"github.com/R3E-Network/issuance_layer/internal/app/storage/memory"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
	"github.com/R3E-Network/issuance_layer/pkg/testutil"
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type fixture struct {
	ctrl    *Service
	access  *access.Service
	store   *memory.Store
	source  *testutil.MockFeedSource
	custody *testutil.MockCustody
	tokens  *testutil.MockTokenLedger
	now     time.Time
}

// newFixture wires the full engine around shared in-memory collaborators
// with "root" as bootstrap admin.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	source := testutil.NewMockFeedSource()
	ora := oracle.New(source, logger.NewDefault("oracle-test"), oracle.WithClock(clock))
	require.NoError(t, ora.RegisterFeed(ctx, "ETH", oracle.FeedConfig{FeedID: "eth-usd"}))
	source.SetQuote("eth-usd", big.NewInt(200000000000), now)

	store := memory.New()
	cust := testutil.NewMockCustody()
	tokens := testutil.NewMockTokenLedger()

	acc, err := access.New(ctx, store, "root", logger.NewDefault("access-test"))
	require.NoError(t, err)

	res := reserve.New(reserve.Config{
		MinRatioBps: 14_000,
		MaxPriceAge: 5 * time.Minute,
	}, ora, store, store, cust, tokens, logger.NewDefault("reserve-test"))
	require.NoError(t, res.SetAssetSupport(ctx, "ETH", true, "eth-usd"))

	pos := position.New(position.Config{
		MinCollateralRatioBps:   14_000,
		LiquidationThresholdBps: 13_000,
		LiquidationPenaltyBps:   1_000,
		LiquidatorCutBps:        5_000,
		MaxPriceAge:             5 * time.Minute,
	}, ora, cust, tokens, nil, logger.NewDefault("position-test"))

	vlt := vault.New(vault.Config{
		AssetID:              "USDX",
		RateAssetID:          "vault-rate",
		AccrualPeriod:        24 * time.Hour,
		InitialYieldRateBps:  500,
		MaxYieldRateBps:      2_000,
		YieldUpdateThreshold: time.Hour,
	}, ora, cust, logger.NewDefault("vault-test"), vault.WithClock(clock))

	ctrl := New(acc, ora, res, pos, vlt, store, store,
		logger.NewDefault("controller-test"), WithClock(clock))

	return &fixture{ctrl: ctrl, access: acc, store: store, source: source,
		custody: cust, tokens: tokens, now: now}
}

func (f *fixture) grant(t *testing.T, category, user string) {
	t.Helper()
	require.NoError(t, f.ctrl.Grant(context.Background(), "root", category, user))
}

func (f *fixture) verify(t *testing.T, user string) {
	t.Helper()
	f.grant(t, access.CategoryKYC, "root")
	require.NoError(t, f.ctrl.SetKYC(context.Background(), "root", user, true))
}

func TestMintRequiresMinterCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verify(t, "alice")

	_, err := f.ctrl.Mint(ctx, "mallory", "alice", units(10), "ETH", units(1))
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	f.grant(t, access.CategoryMinter, "operator")
	_, err = f.ctrl.Mint(ctx, "operator", "alice", units(10), "ETH", units(1))
	require.NoError(t, err)
}

func TestPauseBlocksMutationsUntilUnpause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verify(t, "alice")
	f.grant(t, access.CategoryMinter, "operator")
	f.grant(t, access.CategoryPauser, "guardian")

	require.NoError(t, f.ctrl.Pause(ctx, "guardian"))
	require.True(t, f.ctrl.Paused())

	_, err := f.ctrl.Mint(ctx, "operator", "alice", units(10), "ETH", units(1))
	require.ErrorIs(t, err, errs.ErrEnginePaused)
	_, err = f.ctrl.VaultDeposit(ctx, "alice", big.NewInt(1000))
	require.ErrorIs(t, err, errs.ErrEnginePaused)
	_, err = f.ctrl.VaultWithdraw(ctx, "alice", big.NewInt(1000))
	require.ErrorIs(t, err, errs.ErrEnginePaused)

	// Pause and unpause themselves are never blocked.
	require.NoError(t, f.ctrl.Unpause(ctx, "guardian"))
	_, err = f.ctrl.Mint(ctx, "operator", "alice", units(10), "ETH", units(1))
	require.NoError(t, err)
}

func TestPauseRequiresPauserCategory(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.ctrl.Pause(context.Background(), "mallory"), errs.ErrUnauthorized)
}

func TestEventsAreRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verify(t, "alice")
	f.grant(t, access.CategoryMinter, "operator")

	_, err := f.ctrl.Mint(ctx, "operator", "alice", units(10), "ETH", units(1))
	require.NoError(t, err)

	events, err := f.ctrl.Events(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	var mint *event.Record
	for i := range events {
		if events[i].EventType == event.TypeMint {
			mint = &events[i]
		}
	}
	require.NotNil(t, mint, "mint event missing from %v", events)
	require.Equal(t, "alice", mint.PrimaryActor)
	require.Zero(t, mint.Amount.Cmp(units(10)))
	require.Equal(t, "ETH", mint.SecondaryAsset)
}

func TestBlacklistBlocksTransfersAndMinting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grant(t, access.CategoryCompliance, "root")

	require.NoError(t, f.ctrl.Blacklist(ctx, "root", "mallory"))

	require.ErrorIs(t, f.ctrl.CheckTransfer(ctx, "mallory", "alice"), errs.ErrUserBlacklisted)
	require.ErrorIs(t, f.ctrl.CheckTransfer(ctx, "alice", "mallory"), errs.ErrUserBlacklisted)
	require.NoError(t, f.ctrl.CheckTransfer(ctx, "alice", "bob"))

	_, err := f.ctrl.MintWithCollateral(ctx, "mallory", units(10), "stETH", units(1))
	require.ErrorIs(t, err, errs.ErrUserBlacklisted)
	_, err = f.ctrl.VaultDeposit(ctx, "mallory", big.NewInt(1000))
	require.ErrorIs(t, err, errs.ErrUserBlacklisted)

	require.NoError(t, f.ctrl.Unblacklist(ctx, "root", "mallory"))
	require.NoError(t, f.ctrl.CheckTransfer(ctx, "mallory", "alice"))
}

func TestComplianceOpsRequireCategories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.ctrl.SetKYC(ctx, "mallory", "alice", true), errs.ErrUnauthorized)
	require.ErrorIs(t, f.ctrl.Blacklist(ctx, "mallory", "alice"), errs.ErrUnauthorized)
	require.ErrorIs(t, f.ctrl.SetLimits(ctx, "mallory", "alice", big.NewInt(1), big.NewInt(1)), errs.ErrUnauthorized)
	require.ErrorIs(t, f.ctrl.Grant(ctx, "mallory", access.CategoryMinter, "alice"), errs.ErrUnauthorized)
}

func TestSetLimitsUpdatesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.grant(t, access.CategoryCompliance, "officer")
	require.NoError(t, f.ctrl.SetLimits(ctx, "officer", "alice", units(100), units(50)))

	rec, err := f.ctrl.ComplianceRecordOf(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, rec.MintLimit.Cmp(units(100)))
	require.Zero(t, rec.BurnLimit.Cmp(units(50)))

	require.ErrorIs(t, f.ctrl.SetLimits(ctx, "officer", "alice", big.NewInt(-1), big.NewInt(0)), errs.ErrInvalidAmount)
}

func TestLiquidateRequiresLiquidatorCategory(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Liquidate(context.Background(), "mallory", "alice", "stETH")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestAdminSurface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.ErrorIs(t, f.ctrl.SetAssetSupport(ctx, "mallory", "BTC", true, "btc-usd"), errs.ErrUnauthorized)
	require.NoError(t, f.ctrl.SetAssetSupport(ctx, "root", "BTC", true, "btc-usd"))

	require.ErrorIs(t, f.ctrl.SetLSDSupport(ctx, "mallory", "rETH", true), errs.ErrUnauthorized)
	require.NoError(t, f.ctrl.SetLSDSupport(ctx, "root", "rETH", true))

	f.grant(t, access.CategoryOracle, "feeder")
	require.NoError(t, f.ctrl.RegisterFeed(ctx, "feeder", "BTC", oracle.FeedConfig{FeedID: "btc-usd"}))
	require.ErrorIs(t, f.ctrl.RegisterFeed(ctx, "mallory", "SOL", oracle.FeedConfig{FeedID: "sol-usd"}),
		errs.ErrUnauthorized)
}

// reentrantCustody wraps the asset ledger and calls back into the
// controller during an outbound transfer, imitating a malicious token
// recipient hook.
type reentrantCustody struct {
	*testutil.MockCustody
	callback func(ctx context.Context) error
	innerErr error
}

func (c *reentrantCustody) TransferOut(ctx context.Context, to, assetID string, amount *big.Int) error {
	if c.callback != nil {
		c.innerErr = c.callback(ctx)
	}
	return c.MockCustody.TransferOut(ctx, to, assetID, amount)
}

func TestReentrantWithdrawRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	evil := &reentrantCustody{MockCustody: f.custody}
	vlt := vault.New(vault.Config{
		AssetID:       "USDX",
		AccrualPeriod: 24 * time.Hour,
	}, nil, evil, logger.NewDefault("vault-test"))
	ctrl := New(f.access, nil, nil, nil, vlt, f.store, f.store, logger.NewDefault("controller-test"))

	_, err := ctrl.VaultDeposit(ctx, "alice", big.NewInt(1000))
	require.NoError(t, err)

	evil.callback = func(ctx context.Context) error {
		_, err := ctrl.VaultWithdraw(ctx, "alice", big.NewInt(100))
		return err
	}
	_, err = ctrl.VaultWithdraw(ctx, "alice", big.NewInt(100))
	require.NoError(t, err, "outer withdraw succeeds")
	require.ErrorIs(t, evil.innerErr, errs.ErrReentrantCall, "inner call is rejected")

	// The guard clears once the outer operation finishes.
	evil.callback = nil
	_, err = ctrl.VaultWithdraw(ctx, "alice", big.NewInt(100))
	require.NoError(t, err)
}
