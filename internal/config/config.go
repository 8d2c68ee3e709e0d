// Package config loads the issuance engine configuration from a yaml file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Auth     AuthConfig     `yaml:"auth"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host              string `yaml:"host" env:"ISSUANCE_SERVER_HOST"`
	Port              int    `yaml:"port" env:"ISSUANCE_SERVER_PORT"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	RateBurst         int    `yaml:"rate_burst"`
}

// DatabaseConfig selects the storage backend. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn" env:"ISSUANCE_DATABASE_DSN"`
}

// LoggingConfig mirrors pkg/logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"ISSUANCE_LOG_LEVEL"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// AuthConfig holds the JWT verification settings.
type AuthConfig struct {
	// JWTSecret verifies HMAC-signed tokens. Empty disables auth, for
	// local development only.
	JWTSecret string   `yaml:"jwt_secret" env:"ISSUANCE_JWT_SECRET"`
	SkipPaths []string `yaml:"skip_paths"`
}

// EngineConfig holds the economic parameters of the three coins.
type EngineConfig struct {
	BootstrapAdmin string `yaml:"bootstrap_admin" env:"ISSUANCE_BOOTSTRAP_ADMIN"`

	Reserve struct {
		MinRatioBps int64    `yaml:"min_ratio_bps"`
		MintLimit   string   `yaml:"mint_limit"`
		BurnLimit   string   `yaml:"burn_limit"`
		MaxPriceAge Duration `yaml:"max_price_age"`
	} `yaml:"reserve"`

	Position struct {
		MinCollateralRatioBps   int64    `yaml:"min_collateral_ratio_bps"`
		LiquidationThresholdBps int64    `yaml:"liquidation_threshold_bps"`
		LiquidationPenaltyBps   int64    `yaml:"liquidation_penalty_bps"`
		LiquidatorCutBps        int64    `yaml:"liquidator_cut_bps"`
		MaxPriceAge             Duration `yaml:"max_price_age"`
	} `yaml:"position"`

	Vault struct {
		AssetID              string   `yaml:"asset_id"`
		RateAssetID          string   `yaml:"rate_asset_id"`
		AccrualPeriod        Duration `yaml:"accrual_period"`
		InitialYieldRateBps  int64    `yaml:"initial_yield_rate_bps"`
		MinYieldRateBps      int64    `yaml:"min_yield_rate_bps"`
		MaxYieldRateBps      int64    `yaml:"max_yield_rate_bps"`
		YieldUpdateThreshold Duration `yaml:"yield_update_threshold"`
	} `yaml:"vault"`

	Oracle struct {
		FeedURL         string `yaml:"feed_url" env:"ISSUANCE_FEED_URL"`
		RefreshSchedule string `yaml:"refresh_schedule"`
	} `yaml:"oracle"`
}

// Duration is a yaml-parseable time.Duration.
type Duration time.Duration

// UnmarshalYAML parses "90s", "24h" style strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads the config path from ISSUANCE_CONFIG (default
// config/issuance.yaml), applies defaults and environment overrides, and
// validates the result.
func Load() (*Config, error) {
	path := os.Getenv("ISSUANCE_CONFIG")
	if path == "" {
		path = "config/issuance.yaml"
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit path. A missing file is
// not an error; defaults plus environment apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.RequestsPerSecond = 20
	cfg.Server.RateBurst = 40
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
	cfg.Engine.Reserve.MinRatioBps = 14_000
	cfg.Engine.Reserve.MaxPriceAge = Duration(5 * time.Minute)
	cfg.Engine.Position.MinCollateralRatioBps = 14_000
	cfg.Engine.Position.LiquidationThresholdBps = 13_000
	cfg.Engine.Position.LiquidationPenaltyBps = 1_000
	cfg.Engine.Position.LiquidatorCutBps = 5_000
	cfg.Engine.Position.MaxPriceAge = Duration(5 * time.Minute)
	cfg.Engine.Vault.AssetID = "USDC"
	cfg.Engine.Vault.RateAssetID = "YIELD_RATE"
	cfg.Engine.Vault.AccrualPeriod = Duration(24 * time.Hour)
	cfg.Engine.Vault.InitialYieldRateBps = 500
	cfg.Engine.Vault.MinYieldRateBps = 0
	cfg.Engine.Vault.MaxYieldRateBps = 2_000
	cfg.Engine.Vault.YieldUpdateThreshold = Duration(time.Hour)
	cfg.Engine.Oracle.RefreshSchedule = "@every 1m"
	return cfg
}

// applyEnv layers ISSUANCE_* variables over the file values via the env
// struct tags. No variables set is not an error.
func applyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("environment overrides: %w", err)
	}
	if cfg.Database.DSN != "" && cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	p := c.Engine.Position
	if p.LiquidationThresholdBps >= p.MinCollateralRatioBps {
		return fmt.Errorf("liquidation threshold %d must be below min collateral ratio %d",
			p.LiquidationThresholdBps, p.MinCollateralRatioBps)
	}
	if p.LiquidationPenaltyBps < 0 || p.LiquidationPenaltyBps > 10_000 {
		return fmt.Errorf("liquidation penalty %d bps out of range", p.LiquidationPenaltyBps)
	}
	if p.LiquidatorCutBps < 0 || p.LiquidatorCutBps > 10_000 {
		return fmt.Errorf("liquidator cut %d bps out of range", p.LiquidatorCutBps)
	}
	v := c.Engine.Vault
	if v.MinYieldRateBps > v.MaxYieldRateBps {
		return fmt.Errorf("min yield rate %d above max %d", v.MinYieldRateBps, v.MaxYieldRateBps)
	}
	if v.AccrualPeriod.Std() <= 0 {
		return fmt.Errorf("vault accrual period must be positive")
	}
	return nil
}
