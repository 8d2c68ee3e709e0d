// Package runtime wires the issuance services together and manages the
// daemon lifecycle.
package runtime

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/issuance_layer/internal/app/custody"
	"github.com/R3E-Network/issuance_layer/internal/app/httpapi"
	"github.com/R3E-Network/issuance_layer/internal/app/metrics"
	"github.com/R3E-Network/issuance_layer/internal/app/services/access"
	"github.com/R3E-Network/issuance_layer/internal/app/services/controller"
	"github.com/R3E-Network/issuance_layer/internal/app/services/oracle"
	"github.com/R3E-Network/issuance_layer/internal/app/services/position"
	"github.com/R3E-Network/issuance_layer/internal/app/services/reserve"
	"github.com/R3E-Network/issuance_layer/internal/app/services/vault"
	"github.com/R3E-Network/issuance_layer/internal/app/storage"
	"github.com/R3E-Network/issuance_layer/internal/app/storage/memory"
	"github.com/R3E-Network/issuance_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/issuance_layer/internal/app/system"
	"github.com/R3E-Network/issuance_layer/internal/app/token"
	"github.com/R3E-Network/issuance_layer/internal/config"
	"github.com/R3E-Network/issuance_layer/internal/middleware"
	"github.com/R3E-Network/issuance_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server and
// background services.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	httpServer *http.Server
	services   []system.Service
	pg         *postgres.Store

	Controller *controller.Service
	Oracle     *oracle.Service
	Reserve    *reserve.Service
	Positions  *position.Service
	Vault      *vault.Service
}

// NewApplication constructs the application with default wiring.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewApplicationWithConfig(ctx, cfg)
}

// NewApplicationWithConfig constructs the application from an explicit
// configuration.
func NewApplicationWithConfig(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	var (
		store storage.Store
		pg    *postgres.Store
	)
	if cfg.Database.DSN != "" {
		pgStore, err := postgres.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pg = pgStore
		store = pgStore
	} else {
		log.Warn("no database configured, using in-memory storage")
		store = memory.New()
	}

	source, err := buildFeedSource(cfg, log)
	if err != nil {
		return nil, err
	}
	oracleSvc := oracle.New(source, log)

	accessSvc, err := access.New(ctx, store, cfg.Engine.BootstrapAdmin, log)
	if err != nil {
		return nil, fmt.Errorf("access policy: %w", err)
	}

	// The daemon runs against in-process custody and token ledgers; a host
	// chain deployment substitutes its own collaborators here.
	custodyLedger := custody.NewMemoryLedger()
	tokenLedger := token.NewMemoryLedger()

	reserveSvc := reserve.New(reserve.Config{
		MinRatioBps: cfg.Engine.Reserve.MinRatioBps,
		MintLimit:   parseLimit(cfg.Engine.Reserve.MintLimit),
		BurnLimit:   parseLimit(cfg.Engine.Reserve.BurnLimit),
		MaxPriceAge: cfg.Engine.Reserve.MaxPriceAge.Std(),
	}, oracleSvc, store, store, custodyLedger, tokenLedger, log)

	positionSvc := position.New(position.Config{
		MinCollateralRatioBps:   cfg.Engine.Position.MinCollateralRatioBps,
		LiquidationThresholdBps: cfg.Engine.Position.LiquidationThresholdBps,
		LiquidationPenaltyBps:   cfg.Engine.Position.LiquidationPenaltyBps,
		LiquidatorCutBps:        cfg.Engine.Position.LiquidatorCutBps,
		MaxPriceAge:             cfg.Engine.Position.MaxPriceAge.Std(),
	}, oracleSvc, custodyLedger, tokenLedger, nil, log)

	vaultSvc := vault.New(vault.Config{
		AssetID:              cfg.Engine.Vault.AssetID,
		RateAssetID:          cfg.Engine.Vault.RateAssetID,
		AccrualPeriod:        cfg.Engine.Vault.AccrualPeriod.Std(),
		InitialYieldRateBps:  cfg.Engine.Vault.InitialYieldRateBps,
		MinYieldRateBps:      cfg.Engine.Vault.MinYieldRateBps,
		MaxYieldRateBps:      cfg.Engine.Vault.MaxYieldRateBps,
		YieldUpdateThreshold: cfg.Engine.Vault.YieldUpdateThreshold.Std(),
	}, oracleSvc, custodyLedger, log)

	ctrl := controller.New(accessSvc, oracleSvc, reserveSvc, positionSvc, vaultSvc, store, store, log)

	apiHandler, err := httpapi.NewHandler(ctrl, oracleSvc, reserveSvc, positionSvc, vaultSvc, httpapi.Options{})
	if err != nil {
		return nil, fmt.Errorf("http handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", apiHandler)

	auth := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, log, append([]string{"/healthz", "/metrics"}, cfg.Auth.SkipPaths...))
	limiter := middleware.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.RateBurst, log)
	limiter.StartCleanup(time.Minute)

	handler := metrics.InstrumentHandler(auth.Handler(limiter.Handler(mux)))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	app := &Application{
		cfg:        cfg,
		log:        log,
		httpServer: httpSrv,
		pg:         pg,
		Controller: ctrl,
		Oracle:     oracleSvc,
		Reserve:    reserveSvc,
		Positions:  positionSvc,
		Vault:      vaultSvc,
	}
	app.services = append(app.services,
		oracle.NewRefresher(oracleSvc, cfg.Engine.Oracle.RefreshSchedule, log))
	return app, nil
}

// Run starts background services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	for _, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		a.log.WithField("service", svc.Name()).Info("service started")
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops background services and the HTTP server gracefully.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, svc := range a.services {
		if err := svc.Stop(shutdownCtx); err != nil {
			a.log.WithError(err).WithField("service", svc.Name()).Warn("service stop failed")
		}
	}
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

func buildFeedSource(cfg *config.Config, log *logger.Logger) (oracle.FeedSource, error) {
	if cfg.Engine.Oracle.FeedURL == "" {
		log.Warn("no feed url configured, oracle reads will fail until one is set")
		return unconfiguredSource{}, nil
	}
	src, err := oracle.NewHTTPSource(nil, cfg.Engine.Oracle.FeedURL, oracle.HTTPSourcePaths{}, log)
	if err != nil {
		return nil, fmt.Errorf("feed source: %w", err)
	}
	return src, nil
}

type unconfiguredSource struct{}

func (unconfiguredSource) LatestQuote(context.Context, string) (oracle.FeedData, error) {
	return oracle.FeedData{}, fmt.Errorf("feed source not configured")
}

// parseLimit reads a decimal limit from config; empty or malformed means
// unlimited.
func parseLimit(raw string) *big.Int {
	if raw == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return v
}
