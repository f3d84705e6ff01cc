// Package config loads and validates the strategy's YAML configuration,
// following the same load/normalise/validate shape used elsewhere in this
// codebase for application configuration.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/spotmm/internal/errs"
)

// StrategyConfig is the full set of recognized strategy options from the
// configuration table, loaded from YAML with environment-variable
// overrides applied to the two credential fields.
type StrategyConfig struct {
	Symbol     string `yaml:"symbol"`
	LedgerPath string `yaml:"ledgerPath"`

	APIKey    string `yaml:"apiKey"`
	APISecret string `yaml:"apiSecret"`

	QuoteBudget     float64 `yaml:"quoteBudget"`
	MinQuoteOrder   float64 `yaml:"minQuoteOrder"`
	MinBaseQuantity float64 `yaml:"minBaseQuantity"`

	SpreadBps  float64 `yaml:"spreadBps"`
	MinEdgeBps float64 `yaml:"minEdgeBps"`

	InventoryTarget    float64 `yaml:"inventoryTarget"`
	InventoryTolerance float64 `yaml:"inventoryTolerance"`
	MaxInventoryRatio  float64 `yaml:"maxInventoryRatio"`

	EscapeBps               float64 `yaml:"escapeBps"`
	EscapeHysteresisBps     float64 `yaml:"escapeHysteresisBps"`
	MinEscapeIntervalMs     int64   `yaml:"minEscapeIntervalMs"`
	TakerEscapeCooldownMs   int64   `yaml:"takerEscapeCooldownMs"`
	MaxTakerEscapesPerMin   int     `yaml:"maxTakerEscapesPerMin"`

	MakerFee float64 `yaml:"makerFee"`
	TakerFee float64 `yaml:"takerFee"`

	QuantityIncrement float64 `yaml:"quantityIncrement"`
	QuoteIncrement    float64 `yaml:"quoteIncrement"`
	PricePrecision    int     `yaml:"pricePrecision"`
	QuantityPrecision int     `yaml:"quantityPrecision"`
	QuotePrecision    int     `yaml:"quotePrecision"`

	MaxDrawdownPct float64 `yaml:"maxDrawdownPct"`
	MaxDrawdownUSD float64 `yaml:"maxDrawdownUsd"`
	RiskCooldownMs int64   `yaml:"riskCooldownMs"`

	RefreshIntervalMs    int64 `yaml:"refreshIntervalMs"`
	AccountStalenessMs   int64 `yaml:"accountStalenessMs"`
	DepthStalenessMs     int64 `yaml:"depthStalenessMs"`
	OrderStatusPollMs    int64 `yaml:"orderStatusPollMs"`
	OrderStatusTimeoutMs int64 `yaml:"orderStatusTimeoutMs"`
	FillPollIntervalMs   int64 `yaml:"fillPollIntervalMs"`

	RateLimitBackoffMsInitial int64 `yaml:"rateLimitBackoffMsInitial"`
	RateLimitBackoffMsMax     int64 `yaml:"rateLimitBackoffMsMax"`
}

func defaults() StrategyConfig {
	return StrategyConfig{
		MinEscapeIntervalMs:       1000,
		TakerEscapeCooldownMs:     2000,
		MaxTakerEscapesPerMin:     6,
		RefreshIntervalMs:         1000,
		AccountStalenessMs:        5000,
		DepthStalenessMs:          3000,
		OrderStatusPollMs:         200,
		OrderStatusTimeoutMs:      5000,
		FillPollIntervalMs:        2000,
		RateLimitBackoffMsInitial: 500,
		RateLimitBackoffMsMax:     30000,
		InventoryTolerance:        0.1,
		MaxInventoryRatio:         0.9,
	}
}

// Load reads, normalises, and validates a StrategyConfig from path,
// applying MARKETMAKER_API_KEY/MARKETMAKER_API_SECRET environment
// overrides for credentials so secrets need not live in the YAML file.
func Load(path string) (StrategyConfig, error) {
	cfg := defaults()

	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return StrategyConfig{}, errs.New(errs.KindConfig, "config.Load", errs.WithCause(err))
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return StrategyConfig{}, errs.New(errs.KindConfig, "config.Load", errs.WithCause(err))
	}

	cfg.applyEnvOverrides(os.Getenv)
	cfg.normalise()

	if err := cfg.validate(); err != nil {
		return StrategyConfig{}, err
	}
	return cfg, nil
}

func (c *StrategyConfig) applyEnvOverrides(getenv func(string) string) {
	if v := getenv("MARKETMAKER_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := getenv("MARKETMAKER_API_SECRET"); v != "" {
		c.APISecret = v
	}
}

func (c *StrategyConfig) normalise() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.LedgerPath = strings.TrimSpace(c.LedgerPath)
}

func (c StrategyConfig) validate() error {
	if c.Symbol == "" {
		return errs.New(errs.KindConfig, "config.validate", errs.WithMessage("symbol is required"))
	}
	if c.LedgerPath == "" {
		return errs.New(errs.KindConfig, "config.validate", errs.WithMessage("ledgerPath is required"))
	}
	if c.QuantityPrecision < 0 || c.QuotePrecision < 0 || c.PricePrecision < 0 {
		return errs.New(errs.KindConfig, "config.validate", errs.WithMessage("precisions must be non-negative"))
	}
	if c.MinQuoteOrder <= 0 || c.MinBaseQuantity <= 0 {
		return errs.New(errs.KindConfig, "config.validate", errs.WithMessage("minQuoteOrder and minBaseQuantity must be positive"))
	}
	if c.InventoryTolerance <= 0 {
		return errs.New(errs.KindConfig, "config.validate", errs.WithMessage("inventoryTolerance must be positive"))
	}
	if c.RateLimitBackoffMsInitial <= 0 || c.RateLimitBackoffMsMax < c.RateLimitBackoffMsInitial {
		return errs.New(errs.KindConfig, "config.validate", errs.WithMessage("rate limit backoff bounds are invalid"))
	}
	if c.RefreshIntervalMs <= 0 {
		return errs.New(errs.KindConfig, "config.validate", errs.WithMessage("refreshIntervalMs must be positive"))
	}
	return nil
}

// BaseAsset derives the base asset from the symbol, which the strategy
// loop needs to pick the right balance out of accountInfo's response.
func (c StrategyConfig) BaseAsset() string {
	return strings.TrimSuffix(c.Symbol, "USDT")
}
