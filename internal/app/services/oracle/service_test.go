package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

type fakeSource struct {
	data map[string]FeedData
	errs map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{data: make(map[string]FeedData), errs: make(map[string]error)}
}

func (f *fakeSource) LatestQuote(_ context.Context, feedID string) (FeedData, error) {
	if err := f.errs[feedID]; err != nil {
		return FeedData{}, err
	}
	d, ok := f.data[feedID]
	if !ok {
		return FeedData{}, errors.New("feed not found")
	}
	return d, nil
}

func newTestService(t *testing.T, now time.Time) (*Service, *fakeSource) {
	t.Helper()
	src := newFakeSource()
	svc := New(src, logger.NewDefault("oracle-test"), WithClock(func() time.Time { return now }))
	return svc, src
}

func TestRegisterFeedIdempotent(t *testing.T) {
	svc, _ := newTestService(t, time.Now())
	ctx := context.Background()

	if err := svc.RegisterFeed(ctx, "ETH", FeedConfig{FeedID: "eth-usd"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.RegisterFeed(ctx, "ETH", FeedConfig{FeedID: "eth-usd-v2"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	cfg, err := svc.FeedFor("ETH")
	if err != nil {
		t.Fatalf("feed for: %v", err)
	}
	if cfg.FeedID != "eth-usd-v2" {
		t.Fatalf("expected overwrite to eth-usd-v2, got %s", cfg.FeedID)
	}
}

func TestRegisterFeedsBatchMismatchRejectsAll(t *testing.T) {
	svc, _ := newTestService(t, time.Now())
	ctx := context.Background()

	err := svc.RegisterFeeds(ctx, []string{"ETH", "STETH"}, []FeedConfig{{FeedID: "eth-usd"}})
	if !errors.Is(err, errs.ErrBatchLengthMismatch) {
		t.Fatalf("expected batch length mismatch, got %v", err)
	}
	if _, err := svc.FeedFor("ETH"); !errors.Is(err, errs.ErrUnknownAsset) {
		t.Fatalf("mismatched batch must not register anything, got %v", err)
	}
}

func TestRegisterFeedsBatch(t *testing.T) {
	svc, _ := newTestService(t, time.Now())
	ctx := context.Background()

	err := svc.RegisterFeeds(ctx,
		[]string{"ETH", "STETH"},
		[]FeedConfig{{FeedID: "eth-usd"}, {FeedID: "steth-usd"}})
	if err != nil {
		t.Fatalf("batch register: %v", err)
	}
	if got := len(svc.ListFeeds()); got != 2 {
		t.Fatalf("expected 2 feeds, got %d", got)
	}
}

func TestGetPriceUnknownAsset(t *testing.T) {
	svc, _ := newTestService(t, time.Now())

	if _, err := svc.GetPrice(context.Background(), "DOGE"); !errors.Is(err, errs.ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}

func TestGetPriceRejectsNonPositiveValue(t *testing.T) {
	now := time.Now()
	svc, src := newTestService(t, now)
	ctx := context.Background()

	if err := svc.RegisterFeed(ctx, "ETH", FeedConfig{FeedID: "eth-usd"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	src.data["eth-usd"] = FeedData{Sequence: 5, Value: big.NewInt(0), UpdatedAt: now, AnsweredInRound: 5}

	if _, err := svc.GetPrice(ctx, "ETH"); !errors.Is(err, errs.ErrInvalidQuote) {
		t.Fatalf("expected invalid quote for zero value, got %v", err)
	}
}

func TestGetPriceRejectsStaleRound(t *testing.T) {
	now := time.Now()
	svc, src := newTestService(t, now)
	ctx := context.Background()

	if err := svc.RegisterFeed(ctx, "ETH", FeedConfig{FeedID: "eth-usd"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Answered in an earlier round than it reports: feed is mid-update.
	src.data["eth-usd"] = FeedData{Sequence: 7, Value: big.NewInt(200000000000), UpdatedAt: now, AnsweredInRound: 6}

	if _, err := svc.GetPrice(ctx, "ETH"); !errors.Is(err, errs.ErrInvalidQuote) {
		t.Fatalf("expected invalid quote for stale round, got %v", err)
	}
}

func TestGetPriceWithStalenessCheck(t *testing.T) {
	now := time.Now()
	svc, src := newTestService(t, now)
	ctx := context.Background()

	if err := svc.RegisterFeed(ctx, "ETH", FeedConfig{FeedID: "eth-usd"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	src.data["eth-usd"] = FeedData{
		Sequence:        3,
		Value:           big.NewInt(200000000000),
		UpdatedAt:       now.Add(-10 * time.Minute),
		AnsweredInRound: 3,
	}

	if _, err := svc.GetPriceWithStalenessCheck(ctx, "ETH", 5*time.Minute); !errors.Is(err, errs.ErrStalePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}
	quote, err := svc.GetPriceWithStalenessCheck(ctx, "ETH", 15*time.Minute)
	if err != nil {
		t.Fatalf("within max age: %v", err)
	}
	if quote.Value.Cmp(big.NewInt(200000000000)) != 0 {
		t.Fatalf("unexpected quote value %s", quote.Value)
	}
}

func TestGetDeviation(t *testing.T) {
	now := time.Now()
	svc, src := newTestService(t, now)
	ctx := context.Background()

	if err := svc.RegisterFeed(ctx, "ETH", FeedConfig{FeedID: "eth-usd"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	src.data["eth-usd"] = FeedData{Sequence: 1, Value: big.NewInt(210000000000), UpdatedAt: now, AnsweredInRound: 1}

	dev, err := svc.GetDeviation(ctx, "ETH", big.NewInt(200000000000))
	if err != nil {
		t.Fatalf("deviation: %v", err)
	}
	// |2100 - 2000| / 2000 = 5% = 500 bps
	if dev.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected 500 bps, got %s", dev)
	}

	dev, err = svc.GetDeviation(ctx, "ETH", big.NewInt(0))
	if err != nil {
		t.Fatalf("zero reference: %v", err)
	}
	if dev.Sign() != 0 {
		t.Fatalf("zero reference must yield zero deviation, got %s", dev)
	}
}
