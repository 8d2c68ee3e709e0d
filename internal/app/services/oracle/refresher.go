package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/issuance_layer/internal/app/system"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

var _ system.Service = (*Refresher)(nil)

// Refresher periodically re-reads every registered feed and logs quotes that
// violate the feed's advisory heartbeat or staleness metadata. It never
// enforces anything; operations enforce their own explicit maxAge.
type Refresher struct {
	service *Service
	log     *logger.Logger
	spec    string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRefresher creates a lifecycle-managed feed refresher. spec is a cron
// schedule expression such as "@every 1m".
func NewRefresher(service *Service, spec string, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("oracle-refresher")
	}
	if spec == "" {
		spec = "@every 1m"
	}
	return &Refresher{service: service, log: log, spec: spec}
}

func (r *Refresher) Name() string { return "oracle-refresher" }

// Start schedules the refresh loop.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(r.spec, func() { r.scan(context.Background()) }); err != nil {
		return fmt.Errorf("schedule feed refresh: %w", err)
	}
	c.Start()

	r.cron = c
	r.running = true
	r.log.WithField("schedule", r.spec).Info("feed refresher started")
	return nil
}

// Stop halts the refresh loop and waits for an in-flight scan.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	r.running = false
	r.log.Info("feed refresher stopped")
	return nil
}

func (r *Refresher) scan(ctx context.Context) {
	for _, feed := range r.service.ListFeeds() {
		quote, err := r.service.GetPrice(ctx, feed.AssetID)
		if err != nil {
			r.log.WithError(err).
				WithField("asset", feed.AssetID).
				Warn("feed refresh failed")
			continue
		}
		threshold := feed.Config.StalenessThreshold
		if threshold <= 0 {
			threshold = feed.Config.Heartbeat
		}
		if threshold > 0 {
			if age := time.Since(quote.ObservedAt); age > threshold {
				r.log.WithField("asset", feed.AssetID).
					WithField("age", age.String()).
					WithField("threshold", threshold.String()).
					Warn("feed quote exceeds advisory staleness threshold")
			}
		}
	}
}
