package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coachpo/spotmm/internal/errs"
)

const validYAML = `
symbol: btcusdt
ledgerPath: /tmp/marketmaker/ledger.jsonl
minQuoteOrder: 10
minBaseQuantity: 0.0001
pricePrecision: 2
quantityPrecision: 4
quotePrecision: 2
inventoryTolerance: 0.1
rateLimitBackoffMsInitial: 500
rateLimitBackoffMsMax: 30000
refreshIntervalMs: 1000
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfigNormalizesSymbol(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Symbol != "BTCUSDT" {
		t.Fatalf("Symbol = %q, want BTCUSDT", cfg.Symbol)
	}
	if cfg.BaseAsset() != "BTC" {
		t.Fatalf("BaseAsset = %q, want BTC", cfg.BaseAsset())
	}
}

func TestLoadRejectsMissingSymbol(t *testing.T) {
	path := writeConfig(t, `
ledgerPath: /tmp/ledger.jsonl
minQuoteOrder: 10
minBaseQuantity: 0.0001
inventoryTolerance: 0.1
rateLimitBackoffMsInitial: 500
rateLimitBackoffMsMax: 30000
refreshIntervalMs: 1000
`)
	_, err := Load(path)
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig for missing symbol, got %v", err)
	}
}

func TestLoadRejectsInvalidBackoffBounds(t *testing.T) {
	path := writeConfig(t, `
symbol: BTCUSDT
ledgerPath: /tmp/ledger.jsonl
minQuoteOrder: 10
minBaseQuantity: 0.0001
inventoryTolerance: 0.1
rateLimitBackoffMsInitial: 30000
rateLimitBackoffMsMax: 500
refreshIntervalMs: 1000
`)
	_, err := Load(path)
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig for inverted backoff bounds, got %v", err)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	cfg := defaults()
	cfg.APIKey = "from-yaml"
	cfg.applyEnvOverrides(func(key string) string {
		switch key {
		case "MARKETMAKER_API_KEY":
			return "from-env"
		default:
			return ""
		}
	})
	if cfg.APIKey != "from-env" {
		t.Fatalf("APIKey = %q, want override from-env", cfg.APIKey)
	}
	if cfg.APISecret != "" {
		t.Fatalf("APISecret should remain empty when unset")
	}
}

func TestDefaultsApplyWhenYAMLOmitsPacing(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxTakerEscapesPerMin != 6 {
		t.Fatalf("MaxTakerEscapesPerMin = %d, want default 6", cfg.MaxTakerEscapesPerMin)
	}
}
