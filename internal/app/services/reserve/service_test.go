package reserve

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/domain/compliance"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/app/storage/memory"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
	"github.com/R3E-Network/issuance_layer/pkg/testutil"
)

// Amounts use an 18-decimal base unit; prices use the 8-decimal oracle
// scale, so $2000 is 200000000000.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

type fixture struct {
	svc     *Service
	oracle  *oracle.Service
	source  *testutil.MockFeedSource
	custody *testutil.MockCustody
	tokens  *testutil.MockTokenLedger
	store   *memory.Store
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	source := testutil.NewMockFeedSource()
	ora := oracle.New(source, logger.NewDefault("oracle-test"),
		oracle.WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if err := ora.RegisterFeed(ctx, "ETH", oracle.FeedConfig{FeedID: "eth-usd"}); err != nil {
		t.Fatalf("register feed: %v", err)
	}
	source.SetQuote("eth-usd", big.NewInt(200000000000), now) // $2000

	store := memory.New()
	cust := testutil.NewMockCustody()
	tokens := testutil.NewMockTokenLedger()

	svc := New(Config{
		MinRatioBps: 14_000,
		MaxPriceAge: 5 * time.Minute,
	}, ora, store, store, cust, tokens, logger.NewDefault("reserve-test"))

	if err := svc.SetAssetSupport(ctx, "ETH", true, "eth-usd"); err != nil {
		t.Fatalf("set asset support: %v", err)
	}

	return &fixture{svc: svc, oracle: ora, source: source, custody: cust, tokens: tokens, store: store, now: now}
}

func (f *fixture) verifyUser(t *testing.T, user string) {
	t.Helper()
	_, err := f.store.PutComplianceRecord(context.Background(), compliance.Record{
		UserID:      user,
		KYCVerified: true,
	})
	if err != nil {
		t.Fatalf("put compliance record: %v", err)
	}
}

func TestRequiredCollateralScenario(t *testing.T) {
	f := newFixture(t)

	// 1000 units at $2000 with a 140% minimum ratio needs 0.7 collateral
	// units: 1000e18 * 14000 * 1e8 / (200000000000 * 10000) = 7e17.
	required, err := f.svc.RequiredCollateral(context.Background(), units(1000), "ETH")
	if err != nil {
		t.Fatalf("required collateral: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(7), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	if required.Cmp(want) != 0 {
		t.Fatalf("required = %s, want %s", required, want)
	}
}

func TestMintExactCollateralRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	required, err := f.svc.RequiredCollateral(ctx, units(1000), "ETH")
	if err != nil {
		t.Fatalf("required collateral: %v", err)
	}

	// One unit less than required fails with no state change.
	short := new(big.Int).Sub(required, big.NewInt(1))
	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", short); !errors.Is(err, errs.ErrInsufficientCollateral) {
		t.Fatalf("expected insufficient collateral, got %v", err)
	}
	if f.svc.Supply().Sign() != 0 {
		t.Fatalf("failed mint must not change supply, got %s", f.svc.Supply())
	}

	// Exactly the required collateral succeeds.
	result, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", required)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if result.NewSupply.Cmp(units(1000)) != 0 {
		t.Fatalf("supply = %s, want %s", result.NewSupply, units(1000))
	}
	if f.tokens.BalanceOf("alice").Cmp(units(1000)) != 0 {
		t.Fatalf("alice balance = %s", f.tokens.BalanceOf("alice"))
	}
}

func TestBurnReturnsSpotCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", units(1)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Burning 500 returns 500e18 * 1e8 / 200000000000 = 2.5e17 at spot,
	// with no ratio multiplier on the way out.
	result, err := f.svc.Burn(ctx, "alice", units(500), "ETH")
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	wantReturn := new(big.Int).Mul(big.NewInt(25), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if result.CollateralReturn.Cmp(wantReturn) != 0 {
		t.Fatalf("collateral return = %s, want %s", result.CollateralReturn, wantReturn)
	}
	if result.NewSupply.Cmp(units(500)) != 0 {
		t.Fatalf("supply after burn = %s, want %s", result.NewSupply, units(500))
	}
}

func TestMintRequiresKYC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Mint(ctx, "mallory", units(10), "ETH", units(1)); !errors.Is(err, errs.ErrKYCNotVerified) {
		t.Fatalf("expected KYC error, got %v", err)
	}
}

func TestMintRejectsBlacklisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.PutComplianceRecord(ctx, compliance.Record{
		UserID:      "mallory",
		KYCVerified: true,
		Blacklisted: true,
	}); err != nil {
		t.Fatalf("put compliance record: %v", err)
	}

	if _, err := f.svc.Mint(ctx, "mallory", units(10), "ETH", units(1)); !errors.Is(err, errs.ErrUserBlacklisted) {
		t.Fatalf("expected blacklist error, got %v", err)
	}
}

func TestMintRejectsUnsupportedAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	if _, err := f.svc.Mint(ctx, "alice", units(10), "BTC", units(1)); !errors.Is(err, errs.ErrCollateralNotSupported) {
		t.Fatalf("expected unsupported asset, got %v", err)
	}
}

func TestMintLimitIsCumulative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	f.svc.cfg.MintLimit = units(1500)

	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", units(1)); err != nil {
		t.Fatalf("first mint: %v", err)
	}
	// 1000 + 600 exceeds the 1500 cap even though 600 alone would not.
	if _, err := f.svc.Mint(ctx, "alice", units(600), "ETH", units(1)); !errors.Is(err, errs.ErrMintLimitExceeded) {
		t.Fatalf("expected mint limit exceeded, got %v", err)
	}
	if _, err := f.svc.Mint(ctx, "alice", units(500), "ETH", units(1)); err != nil {
		t.Fatalf("mint within limit: %v", err)
	}
}

func TestMintRejectsStaleQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	f.source.SetQuote("eth-usd", big.NewInt(200000000000), f.now.Add(-time.Hour))

	if _, err := f.svc.Mint(ctx, "alice", units(10), "ETH", units(1)); !errors.Is(err, errs.ErrStalePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}
}

func TestCustodyFailureAbortsMint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	f.custody.FailTransferIn(errors.New("custody offline"))

	if _, err := f.svc.Mint(ctx, "alice", units(10), "ETH", units(1)); err == nil {
		t.Fatal("expected custody failure to propagate")
	}
	if f.svc.Supply().Sign() != 0 {
		t.Fatalf("aborted mint must not change supply, got %s", f.svc.Supply())
	}
	if f.tokens.BalanceOf("alice").Sign() != 0 {
		t.Fatalf("aborted mint must not issue tokens, got %s", f.tokens.BalanceOf("alice"))
	}
}

func TestFailedBurnRestoresTokensAndCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", units(1)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	f.custody.FailTransferOut(errors.New("custody offline"))

	if _, err := f.svc.Burn(ctx, "alice", units(500), "ETH"); err == nil {
		t.Fatal("expected custody failure to propagate")
	}
	// The destroyed tokens come back: nothing may be lost when the
	// collateral cannot leave custody.
	if got := f.tokens.BalanceOf("alice"); got.Cmp(units(1000)) != 0 {
		t.Fatalf("token balance after failed burn = %s, want %s", got, units(1000))
	}
	if f.svc.Supply().Cmp(units(1000)) != 0 {
		t.Fatalf("supply after failed burn = %s, want %s", f.svc.Supply(), units(1000))
	}
	rec, err := f.store.GetComplianceRecord(ctx, "alice")
	if err != nil {
		t.Fatalf("get compliance record: %v", err)
	}
	if rec.BurnLimitUsed.Sign() != 0 {
		t.Fatalf("burn counter advanced on failed burn: %s", rec.BurnLimitUsed)
	}

	f.custody.FailTransferOut(nil)
	if _, err := f.svc.Burn(ctx, "alice", units(500), "ETH"); err != nil {
		t.Fatalf("burn after recovery: %v", err)
	}
}

func TestFailedIssueReturnsCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	f.tokens.FailIssue(errors.New("ledger offline"))

	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", units(1)); err == nil {
		t.Fatal("expected issue failure to propagate")
	}
	bal, err := f.custody.BalanceOf(ctx, "ETH")
	if err != nil {
		t.Fatalf("custody balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("collateral stranded in custody after failed mint: %s", bal)
	}
	rec, err := f.store.GetComplianceRecord(ctx, "alice")
	if err != nil {
		t.Fatalf("get compliance record: %v", err)
	}
	if rec.MintLimitUsed.Sign() != 0 {
		t.Fatalf("mint counter advanced on failed mint: %s", rec.MintLimitUsed)
	}
}

func TestBurnLimitIsCumulative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	f.svc.cfg.BurnLimit = units(700)

	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", units(1)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := f.svc.Burn(ctx, "alice", units(500), "ETH"); err != nil {
		t.Fatalf("first burn: %v", err)
	}
	// 500 + 300 exceeds the 700 cap even though 300 alone would not.
	if _, err := f.svc.Burn(ctx, "alice", units(300), "ETH"); !errors.Is(err, errs.ErrBurnLimitExceeded) {
		t.Fatalf("expected burn limit exceeded, got %v", err)
	}
	if _, err := f.svc.Burn(ctx, "alice", units(200), "ETH"); err != nil {
		t.Fatalf("burn within limit: %v", err)
	}
}

func TestPerUserLimitOverridesDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.cfg.MintLimit = units(1500)
	if _, err := f.store.PutComplianceRecord(ctx, compliance.Record{
		UserID:      "alice",
		KYCVerified: true,
		MintLimit:   units(100),
	}); err != nil {
		t.Fatalf("put compliance record: %v", err)
	}

	if _, err := f.svc.Mint(ctx, "alice", units(200), "ETH", units(1)); !errors.Is(err, errs.ErrMintLimitExceeded) {
		t.Fatalf("expected per-user limit to bind, got %v", err)
	}
	if _, err := f.svc.Mint(ctx, "alice", units(100), "ETH", units(1)); err != nil {
		t.Fatalf("mint within per-user limit: %v", err)
	}
}

func TestCollateralRatio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	ratio, err := f.svc.CollateralRatio(ctx, "ETH")
	if err != nil {
		t.Fatalf("ratio at zero supply: %v", err)
	}
	if ratio.Defined {
		t.Fatalf("ratio must be undefined at zero supply, got %s bps", ratio.Bps)
	}

	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", units(1)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// 1 ETH at $2000 backing 1000 units: 2000e18 * 10000 / 1000e18 = 20000 bps.
	ratio, err = f.svc.CollateralRatio(ctx, "ETH")
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if !ratio.Defined || ratio.Bps.Cmp(big.NewInt(20_000)) != 0 {
		t.Fatalf("ratio = %+v, want 20000 bps", ratio)
	}
}

func TestTotalReservesSkipsDisabledAssets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.verifyUser(t, "alice")

	if _, err := f.svc.Mint(ctx, "alice", units(1000), "ETH", units(1)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	total, err := f.svc.TotalReservesUSD(ctx)
	if err != nil {
		t.Fatalf("total reserves: %v", err)
	}
	if total.Cmp(units(2000)) != 0 {
		t.Fatalf("total = %s, want %s", total, units(2000))
	}

	// Disabling the asset removes its reserve from the backing figure; the
	// collateral itself stays in custody.
	if err := f.svc.SetAssetSupport(ctx, "ETH", false, "eth-usd"); err != nil {
		t.Fatalf("disable asset: %v", err)
	}
	total, err = f.svc.TotalReservesUSD(ctx)
	if err != nil {
		t.Fatalf("total reserves after disable: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("disabled asset must drop out of total, got %s", total)
	}
	if f.svc.Reserve("ETH").Cmp(units(1)) != 0 {
		t.Fatalf("reserve itself must persist, got %s", f.svc.Reserve("ETH"))
	}
}
