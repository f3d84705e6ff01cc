// Command marketmaker launches the spot market-making engine against a
// single Binance-shaped venue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/spotmm/internal/clock"
	"github.com/coachpo/spotmm/internal/config"
	"github.com/coachpo/spotmm/internal/exchange"
	"github.com/coachpo/spotmm/internal/ledger"
	"github.com/coachpo/spotmm/internal/orderbook"
	"github.com/coachpo/spotmm/internal/strategy"
	"github.com/coachpo/spotmm/internal/telemetry"
)

const (
	defaultConfigPath    = "config/marketmaker.yaml"
	defaultBaseURL       = "https://api.binance.com"
	loggerPrefix         = "marketmaker "
	shutdownTimeout      = 15 * time.Second
	cancelOrdersTimeout  = 5 * time.Second
	telemetryStopTimeout = 5 * time.Second
	lifecycleStopTimeout = 10 * time.Second
	serviceName          = "marketmaker"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := clock.NewLogger(loggerPrefix)

	configPath := resolveConfigPath(cfgPathFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration loaded: symbol=%s ledgerPath=%s", cfg.Symbol, cfg.LedgerPath)

	metrics, err := initTelemetry(ctx, logger)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	client := exchange.NewRESTClient(baseURL(), cfg.APIKey, exchange.HMACSigner{Secret: cfg.APISecret})

	led, err := ledger.New(cfg.LedgerPath, pow10(cfg.QuantityPrecision), pow10(cfg.QuotePrecision))
	if err != nil {
		logger.Fatalf("open ledger: %v", err)
	}
	defer func() {
		if err := led.Close(); err != nil {
			logger.Printf("close ledger: %v", err)
		}
	}()

	book := orderbook.New()
	ids := clock.NewIdFactory(clock.System{})

	engine := strategy.New(cfg, client, book, led, ids, clock.System{}, logger, metrics)

	if err := engine.Bootstrap(ctx); err != nil {
		logger.Fatalf("bootstrap: %v", err)
	}
	logger.Printf("bootstrap complete: symbol=%s", cfg.Symbol)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		engine.Run(ctx)
	})

	logger.Print("marketmaker started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		lifecycle: &lifecycle,
		client:    client,
		symbol:    cfg.Symbol,
		metrics:   metrics,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to strategy configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func pow10(precision int) int64 {
	scale := int64(1)
	for i := 0; i < precision; i++ {
		scale *= 10
	}
	return scale
}

func baseURL() string {
	if v := os.Getenv("MARKETMAKER_BASE_URL"); v != "" {
		return v
	}
	return defaultBaseURL
}

func initTelemetry(ctx context.Context, logger *log.Logger) (*telemetry.Metrics, error) {
	endpoint := os.Getenv("MARKETMAKER_OTLP_ENDPOINT")
	insecure := os.Getenv("MARKETMAKER_OTLP_INSECURE") == "true"

	metrics, err := telemetry.New(ctx, serviceName, endpoint, insecure)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s", endpoint)
	} else {
		logger.Printf("telemetry disabled: no MARKETMAKER_OTLP_ENDPOINT configured")
	}
	return metrics, nil
}

type gracefulShutdownConfig struct {
	lifecycle *conc.WaitGroup
	client    exchange.Client
	symbol    string
	metrics   *telemetry.Metrics
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("cancelling open orders", cancelOrdersTimeout, func(stepCtx context.Context) error {
		return cfg.client.CancelOpenOrders(stepCtx, cfg.symbol)
	})

	if cfg.lifecycle != nil {
		shutdownStep("waiting for strategy loop", lifecycleStopTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for strategy loop: %w", stepCtx.Err())
			}
		})
	}

	if cfg.metrics != nil {
		shutdownStep("shutting down telemetry", telemetryStopTimeout, func(stepCtx context.Context) error {
			return cfg.metrics.Shutdown(stepCtx)
		})
	}
}
