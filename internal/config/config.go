// Package config loads the engine configuration from a YAML file with
// environment variable overrides. Every field has a default so the engine
// runs with no file at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/sim-engine/internal/instrument"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	NATS         NATSConfig         `yaml:"nats"`
	Binance      BinanceConfig      `yaml:"binance"`
	Logging      LoggingConfig      `yaml:"logging"`
	Simulator    SimulatorConfig    `yaml:"simulator"`
	Intervention InterventionConfig `yaml:"intervention"`
	Settlement   SettlementConfig   `yaml:"settlement"`
	Commission   CommissionConfig   `yaml:"commission"`
	Products     ProductsConfig     `yaml:"products"`
	Limits       LimitsConfig       `yaml:"limits"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type BinanceConfig struct {
	Enabled         bool          `yaml:"enabled"`
	APIKey          string        `yaml:"api_key"`
	APISecret       string        `yaml:"api_secret"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RequestInterval time.Duration `yaml:"request_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// PairConfig is one simulated instrument and the band its random seed is
// drawn from when no reference price is available.
type PairConfig struct {
	Pair    string          `yaml:"pair"`
	SeedMin decimal.Decimal `yaml:"seed_min"`
	SeedMax decimal.Decimal `yaml:"seed_max"`
}

type SimulatorConfig struct {
	Pairs            []PairConfig  `yaml:"pairs"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	Volatility       float64       `yaml:"volatility"`
	Jitter           float64       `yaml:"jitter"`
	Retention        time.Duration `yaml:"retention"`
	BackfillPoints   int           `yaml:"backfill_points"`
	BackfillInterval time.Duration `yaml:"backfill_interval"`
	PersistInterval  time.Duration `yaml:"persist_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	Location         string        `yaml:"location"`
	Seed             int64         `yaml:"seed"`
}

type InterventionConfig struct {
	StepFraction       decimal.Decimal `yaml:"step_fraction"`
	DeviationThreshold decimal.Decimal `yaml:"deviation_threshold"`
	Transition         time.Duration   `yaml:"transition"`
}

type SettlementConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`

	// Reconcile sweeps settled positions for missing payouts.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileWindow   time.Duration `yaml:"reconcile_window"`
	ReconcileGrace    time.Duration `yaml:"reconcile_grace"`
}

// MaxCommissionLevels is the deepest upline a referral commission reaches.
const MaxCommissionLevels = 3

type CommissionConfig struct {
	ReferenceAsset string            `yaml:"reference_asset"`
	LevelRates     []decimal.Decimal `yaml:"level_rates"`
}

type ContractProduct struct {
	ID         string          `yaml:"id"`
	Duration   time.Duration   `yaml:"duration"`
	ProfitRate decimal.Decimal `yaml:"profit_rate"`
	MinAmount  decimal.Decimal `yaml:"min_amount"`
}

type DailyProduct struct {
	ID         string          `yaml:"id"`
	Asset      string          `yaml:"asset"`
	DailyRate  decimal.Decimal `yaml:"daily_rate"`
	PeriodDays int             `yaml:"period_days"`
	MinAmount  decimal.Decimal `yaml:"min_amount"`
}

type HourlyProduct struct {
	ID        string          `yaml:"id"`
	Asset     string          `yaml:"asset"`
	Hours     int             `yaml:"hours"`
	Rate      decimal.Decimal `yaml:"rate"`
	MinAmount decimal.Decimal `yaml:"min_amount"`
}

type ProductsConfig struct {
	Contracts []ContractProduct `yaml:"contracts"`
	Daily     []DailyProduct    `yaml:"daily"`
	Hourly    []HourlyProduct   `yaml:"hourly"`
}

type LimitsConfig struct {
	MaxPerPair    decimal.Decimal `yaml:"max_per_pair"`
	MaxCorrelated decimal.Decimal `yaml:"max_correlated"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{Migrate: true},
		Redis:    RedisConfig{CacheTTL: 30 * time.Second},
		NATS:     NATSConfig{SubjectPrefix: "sim"},
		Binance: BinanceConfig{
			Enabled:         true,
			RefreshInterval: 60 * time.Second,
			RequestInterval: 250 * time.Millisecond,
			Timeout:         5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			MaxBackups: 5,
			Compress:   true,
		},
		Simulator: SimulatorConfig{
			Pairs: []PairConfig{
				{Pair: "BTC/USDT", SeedMin: decimal.NewFromInt(58000), SeedMax: decimal.NewFromInt(64000)},
				{Pair: "ETH/USDT", SeedMin: decimal.NewFromInt(2800), SeedMax: decimal.NewFromInt(3400)},
				{Pair: "BNB/USDT", SeedMin: decimal.NewFromInt(500), SeedMax: decimal.NewFromInt(650)},
			},
			TickInterval:     time.Second,
			Volatility:       0.001,
			Jitter:           0.0005,
			Retention:        4 * time.Hour,
			BackfillPoints:   240,
			BackfillInterval: time.Minute,
			PersistInterval:  5 * time.Second,
			HistoryRetention: 7 * 24 * time.Hour,
			Location:         "UTC",
		},
		Intervention: InterventionConfig{
			StepFraction:       decimal.RequireFromString("0.01"),
			DeviationThreshold: decimal.RequireFromString("0.05"),
		},
		Settlement: SettlementConfig{
			Interval:          2 * time.Second,
			BatchSize:         500,
			ReconcileInterval: time.Minute,
			ReconcileWindow:   24 * time.Hour,
			ReconcileGrace:    time.Minute,
		},
		Commission: CommissionConfig{
			ReferenceAsset: "USDT",
			LevelRates: []decimal.Decimal{
				decimal.RequireFromString("0.05"),
				decimal.RequireFromString("0.03"),
				decimal.RequireFromString("0.01"),
			},
		},
		Products: ProductsConfig{
			Contracts: []ContractProduct{
				{ID: "30s", Duration: 30 * time.Second, ProfitRate: decimal.RequireFromString("0.10"), MinAmount: decimal.NewFromInt(10)},
				{ID: "60s", Duration: time.Minute, ProfitRate: decimal.RequireFromString("0.15"), MinAmount: decimal.NewFromInt(100)},
				{ID: "300s", Duration: 5 * time.Minute, ProfitRate: decimal.RequireFromString("0.30"), MinAmount: decimal.NewFromInt(500)},
			},
			Daily: []DailyProduct{
				{ID: "flex-10d", Asset: "USDT", DailyRate: decimal.RequireFromString("0.03"), PeriodDays: 10, MinAmount: decimal.NewFromInt(50)},
				{ID: "fixed-30d", Asset: "USDT", DailyRate: decimal.RequireFromString("0.035"), PeriodDays: 30, MinAmount: decimal.NewFromInt(500)},
			},
			Hourly: []HourlyProduct{
				{ID: "1h", Asset: "USDT", Hours: 1, Rate: decimal.RequireFromString("0.002"), MinAmount: decimal.NewFromInt(20)},
				{ID: "24h", Asset: "USDT", Hours: 24, Rate: decimal.RequireFromString("0.06"), MinAmount: decimal.NewFromInt(100)},
			},
		},
		Limits: LimitsConfig{
			MaxPerPair:    decimal.NewFromInt(100000),
			MaxCorrelated: decimal.NewFromInt(250000),
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := env("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := env("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := env("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := env("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := env("BINANCE_API_KEY"); v != "" {
		c.Binance.APIKey = v
	}
	if v := env("BINANCE_API_SECRET"); v != "" {
		c.Binance.APISecret = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if len(c.Simulator.Pairs) == 0 {
		return fmt.Errorf("simulator.pairs must not be empty")
	}
	seen := make(map[string]bool)
	for i, p := range c.Simulator.Pairs {
		pair, err := instrument.Normalize(p.Pair)
		if err != nil {
			return fmt.Errorf("simulator.pairs[%d]: %w", i, err)
		}
		if seen[pair] {
			return fmt.Errorf("simulator.pairs[%d]: duplicate pair %s", i, pair)
		}
		seen[pair] = true
		c.Simulator.Pairs[i].Pair = pair
		if !p.SeedMin.IsPositive() || !p.SeedMax.GreaterThan(p.SeedMin) {
			return fmt.Errorf("simulator.pairs[%d]: seed_min must be greater than 0 and below seed_max", i)
		}
	}
	if c.Simulator.TickInterval <= 0 {
		return fmt.Errorf("simulator.tick_interval must be greater than 0")
	}
	if c.Simulator.Volatility <= 0 || c.Simulator.Volatility >= 1 {
		return fmt.Errorf("simulator.volatility must be in (0, 1)")
	}
	if c.Simulator.Jitter < 0 || c.Simulator.Jitter >= 1 {
		return fmt.Errorf("simulator.jitter must be in [0, 1)")
	}
	if c.Simulator.Retention <= 0 {
		return fmt.Errorf("simulator.retention must be greater than 0")
	}
	if c.Simulator.BackfillPoints < 0 {
		return fmt.Errorf("simulator.backfill_points must not be negative")
	}
	if c.Simulator.BackfillPoints > 0 && c.Simulator.BackfillInterval <= 0 {
		return fmt.Errorf("simulator.backfill_interval must be greater than 0")
	}
	if c.Simulator.PersistInterval <= 0 {
		return fmt.Errorf("simulator.persist_interval must be greater than 0")
	}
	if c.Simulator.HistoryRetention < c.Simulator.Retention {
		return fmt.Errorf("simulator.history_retention must be at least simulator.retention")
	}
	if _, err := time.LoadLocation(c.Simulator.Location); err != nil {
		return fmt.Errorf("simulator.location: %w", err)
	}

	if !c.Intervention.StepFraction.IsPositive() || c.Intervention.StepFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("intervention.step_fraction must be in (0, 1]")
	}
	if !c.Intervention.DeviationThreshold.IsPositive() {
		return fmt.Errorf("intervention.deviation_threshold must be greater than 0")
	}
	if c.Intervention.Transition < 0 {
		return fmt.Errorf("intervention.transition must not be negative")
	}

	if c.Settlement.Interval <= 0 {
		return fmt.Errorf("settlement.interval must be greater than 0")
	}
	if c.Settlement.BatchSize <= 0 {
		return fmt.Errorf("settlement.batch_size must be greater than 0")
	}
	if c.Settlement.ReconcileInterval <= 0 {
		return fmt.Errorf("settlement.reconcile_interval must be greater than 0")
	}
	if c.Settlement.ReconcileGrace < 0 || c.Settlement.ReconcileWindow <= c.Settlement.ReconcileGrace {
		return fmt.Errorf("settlement.reconcile_window must exceed settlement.reconcile_grace")
	}

	if c.Binance.Enabled && c.Binance.RefreshInterval <= 0 {
		return fmt.Errorf("binance.refresh_interval must be greater than 0")
	}

	asset, err := instrument.NormalizeAsset(c.Commission.ReferenceAsset)
	if err != nil {
		return fmt.Errorf("commission.reference_asset: %w", err)
	}
	c.Commission.ReferenceAsset = asset
	if len(c.Commission.LevelRates) > MaxCommissionLevels {
		return fmt.Errorf("commission.level_rates has %d levels, at most %d are paid",
			len(c.Commission.LevelRates), MaxCommissionLevels)
	}
	for i, r := range c.Commission.LevelRates {
		if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("commission.level_rates[%d] must be in [0, 1)", i)
		}
	}

	for i, p := range c.Products.Contracts {
		if p.ID == "" || p.Duration <= 0 || !p.ProfitRate.IsPositive() || p.MinAmount.IsNegative() {
			return fmt.Errorf("products.contracts[%d] needs an id, a positive duration and profit_rate", i)
		}
	}
	for i, p := range c.Products.Daily {
		if p.ID == "" || p.PeriodDays <= 0 || !p.DailyRate.IsPositive() || p.MinAmount.IsNegative() {
			return fmt.Errorf("products.daily[%d] needs an id, a positive period_days and daily_rate", i)
		}
	}
	for i, p := range c.Products.Hourly {
		if p.ID == "" || p.Hours <= 0 || !p.Rate.IsPositive() || p.MinAmount.IsNegative() {
			return fmt.Errorf("products.hourly[%d] needs an id, a positive hours and rate", i)
		}
	}

	if c.Limits.MaxPerPair.IsNegative() || c.Limits.MaxCorrelated.IsNegative() {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// Location returns the time zone intervention windows are evaluated in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Simulator.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}
