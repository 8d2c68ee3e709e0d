// Package oracle validates and serves collateral asset prices from
// registered external feeds.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/issuance_layer/internal/app/domain/asset"
	"github.com/R3E-Network/issuance_layer/internal/errs"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

// FeedData is the raw observation reported by an external feed. Value is
// scaled by asset.PriceScale.
type FeedData struct {
	Sequence        uint64
	Value           *big.Int
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// FeedSource is the external read-only price feed collaborator.
type FeedSource interface {
	LatestQuote(ctx context.Context, feedID string) (FeedData, error)
}

// FeedConfig describes a registered feed. Heartbeat, deviation bounds and
// staleness threshold are advisory metadata read by callers; only a maxAge
// passed explicitly to GetPriceWithStalenessCheck is enforced here.
type FeedConfig struct {
	FeedID             string
	Heartbeat          time.Duration
	MinDeviationBps    int64
	MaxDeviationBps    int64
	StalenessThreshold time.Duration
}

// Feed pairs an asset with its registered feed configuration.
type Feed struct {
	AssetID string
	Config  FeedConfig
}

// Service maintains the asset -> feed registry and produces validated quotes.
type Service struct {
	source FeedSource
	log    *logger.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	feeds map[string]FeedConfig
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New constructs a price oracle backed by the given feed source.
func New(source FeedSource, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("oracle")
	}
	s := &Service{
		source: source,
		log:    log,
		clock:  func() time.Time { return time.Now().UTC() },
		feeds:  make(map[string]FeedConfig),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterFeed registers or replaces the feed for an asset. Overwrite is
// idempotent.
func (s *Service) RegisterFeed(ctx context.Context, assetID string, cfg FeedConfig) error {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return fmt.Errorf("asset id required")
	}
	if strings.TrimSpace(cfg.FeedID) == "" {
		return fmt.Errorf("feed id required")
	}

	s.mu.Lock()
	s.feeds[assetID] = cfg
	s.mu.Unlock()

	s.log.WithField("asset", assetID).
		WithField("feed_id", cfg.FeedID).
		Info("price feed registered")
	return nil
}

// RegisterFeeds registers feeds for several assets at once. A length
// mismatch rejects the whole batch before any registration happens.
func (s *Service) RegisterFeeds(ctx context.Context, assetIDs []string, cfgs []FeedConfig) error {
	if len(assetIDs) != len(cfgs) {
		return fmt.Errorf("%w: %d assets, %d feeds", errs.ErrBatchLengthMismatch, len(assetIDs), len(cfgs))
	}
	for i, assetID := range assetIDs {
		if strings.TrimSpace(assetID) == "" || strings.TrimSpace(cfgs[i].FeedID) == "" {
			return fmt.Errorf("%w: empty entry at index %d", errs.ErrBatchLengthMismatch, i)
		}
	}

	s.mu.Lock()
	for i, assetID := range assetIDs {
		s.feeds[strings.TrimSpace(assetID)] = cfgs[i]
	}
	s.mu.Unlock()

	s.log.WithField("count", len(assetIDs)).Info("price feeds registered in batch")
	return nil
}

// FeedFor returns the registered feed configuration for an asset.
func (s *Service) FeedFor(assetID string) (FeedConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.feeds[assetID]
	if !ok {
		return FeedConfig{}, fmt.Errorf("asset %s: %w", assetID, errs.ErrUnknownAsset)
	}
	return cfg, nil
}

// ListFeeds returns all registered feeds sorted by asset id.
func (s *Service) ListFeeds() []Feed {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Feed, 0, len(s.feeds))
	for assetID, cfg := range s.feeds {
		result = append(result, Feed{AssetID: assetID, Config: cfg})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AssetID < result[j].AssetID })
	return result
}

// GetPrice reads and validates the current quote for an asset.
func (s *Service) GetPrice(ctx context.Context, assetID string) (asset.Quote, error) {
	cfg, err := s.FeedFor(assetID)
	if err != nil {
		return asset.Quote{}, err
	}

	data, err := s.source.LatestQuote(ctx, cfg.FeedID)
	if err != nil {
		return asset.Quote{}, fmt.Errorf("feed %s: %w", cfg.FeedID, err)
	}
	if !asset.IsPositive(data.Value) {
		return asset.Quote{}, fmt.Errorf("feed %s reported non-positive value: %w", cfg.FeedID, errs.ErrInvalidQuote)
	}
	// A feed whose answer was produced in an earlier round than the round it
	// claims to answer is mid-update; its value must not be used.
	if data.AnsweredInRound < data.Sequence {
		return asset.Quote{}, fmt.Errorf("feed %s answered_in_round %d < round %d: %w",
			cfg.FeedID, data.AnsweredInRound, data.Sequence, errs.ErrInvalidQuote)
	}

	return asset.Quote{
		Value:      new(big.Int).Set(data.Value),
		ObservedAt: data.UpdatedAt,
		Sequence:   data.Sequence,
	}, nil
}

// GetPriceWithStalenessCheck is GetPrice plus an explicit maximum age.
func (s *Service) GetPriceWithStalenessCheck(ctx context.Context, assetID string, maxAge time.Duration) (asset.Quote, error) {
	quote, err := s.GetPrice(ctx, assetID)
	if err != nil {
		return asset.Quote{}, err
	}
	if age := s.clock().Sub(quote.ObservedAt); age > maxAge {
		return asset.Quote{}, fmt.Errorf("quote for %s is %s old (max %s): %w",
			assetID, age, maxAge, errs.ErrStalePrice)
	}
	return quote, nil
}

// GetDeviation returns |current - reference| * 10000 / reference in basis
// points. A zero reference yields zero, not an error.
func (s *Service) GetDeviation(ctx context.Context, assetID string, reference *big.Int) (*big.Int, error) {
	if reference == nil || reference.Sign() == 0 {
		return new(big.Int), nil
	}

	quote, err := s.GetPrice(ctx, assetID)
	if err != nil {
		return nil, err
	}

	diff := new(big.Int).Sub(quote.Value, reference)
	diff.Abs(diff)
	dev := diff.Mul(diff, big.NewInt(asset.BpsDenominator))
	return dev.Quo(dev, reference), nil
}
