// venue_check performs a live end-to-end probe against the configured venue:
// it buys a small notional of the configured symbol and immediately sells the
// filled quantity back. This is the explicit trigger for the sell path, which
// is never reachable from the scheduling loop.
//
// The check records its trades in a separate database so the production trade
// log and statistics stay untouched.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"dcabot/config"
	"dcabot/internal/adapters/binanceclient"
	"dcabot/internal/adapters/logger"
	"dcabot/internal/adapters/sqlite"
	"dcabot/internal/domain"
	"dcabot/internal/executor"
	"dcabot/internal/ledger"
	"dcabot/internal/ports"
)

var (
	notional = flag.Float64("amount", 1.0, "notional USD to buy and sell back")
	dbPath   = flag.String("db", "./data/venue_check.db", "scratch database for check trades")
	timeout  = flag.Duration("timeout", 2*time.Minute, "overall check timeout")
	settle   = flag.Duration("settle", 5*time.Second, "wait between buy and sell for the fill to settle")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	if cfg.DryRun {
		log.Println("NOTE: DRY_RUN is set; no real orders will be placed")
	}

	appLogger, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error(ctx, err, "Venue check failed")
		os.Exit(1)
	}
	appLogger.Info(ctx, "Venue check passed")
}

func run(ctx context.Context, cfg *config.Config, appLogger ports.Logger) error {
	exchange, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		Symbol:     cfg.Symbol,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		return fmt.Errorf("initializing exchange client: %w", err)
	}

	if err := exchange.Ping(ctx); err != nil {
		return fmt.Errorf("connectivity probe: %w", err)
	}
	price, err := exchange.GetSpotPrice(ctx)
	if err != nil {
		return fmt.Errorf("fetching spot price: %w", err)
	}
	baseBefore, err := exchange.GetFreeBalance(ctx, cfg.BaseAsset)
	if err != nil {
		return fmt.Errorf("fetching %s balance: %w", cfg.BaseAsset, err)
	}
	quoteBefore, err := exchange.GetFreeBalance(ctx, cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("fetching %s balance: %w", cfg.QuoteAsset, err)
	}
	appLogger.Info(ctx, "Starting buy/sell round trip", map[string]interface{}{
		"symbol": cfg.Symbol, "price": price, "notionalUSD": *notional,
		"baseFree": baseBefore, "quoteFree": quoteBefore,
	})

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		return fmt.Errorf("opening scratch database: %w", err)
	}
	defer repo.Close()

	ldg := ledger.New()
	exec, err := executor.New(executor.Config{
		MaxTransactionUSD: cfg.MaxTransactionUSD,
		DryRun:            cfg.DryRun,
		MaxAttempts:       cfg.MaxRetryAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
	}, exchange, repo, ldg, ports.UTCClock{}, appLogger)
	if err != nil {
		return fmt.Errorf("initializing executor: %w", err)
	}

	slot := time.Now().UTC().Truncate(time.Second)
	buy, err := exec.ExecuteBuy(ctx, slot, *notional)
	if err != nil {
		return fmt.Errorf("buy leg: %w", err)
	}
	if buy.Status == domain.StatusFailed {
		return fmt.Errorf("buy leg failed: %s", buy.ErrorReason)
	}
	appLogger.Info(ctx, "Buy leg filled", map[string]interface{}{
		"quantity": buy.Quantity, "price": buy.Price, "spentUSD": buy.NotionalUSD,
	})

	select {
	case <-time.After(*settle):
	case <-ctx.Done():
		return ctx.Err()
	}

	sell, err := exec.ExecuteSell(ctx, buy.Quantity)
	if err != nil {
		return fmt.Errorf("sell leg: %w", err)
	}
	if sell.Status == domain.StatusFailed {
		return fmt.Errorf("sell leg failed: %s", sell.ErrorReason)
	}
	appLogger.Info(ctx, "Sell leg filled", map[string]interface{}{
		"quantity": sell.Quantity, "price": sell.Price, "receivedUSD": sell.NotionalUSD,
	})

	quoteAfter, err := exchange.GetFreeBalance(ctx, cfg.QuoteAsset)
	if err != nil {
		return fmt.Errorf("fetching post-check balance: %w", err)
	}
	appLogger.Info(ctx, "Round trip complete", map[string]interface{}{
		"quoteBefore": quoteBefore, "quoteAfter": quoteAfter,
		"roundTripCostUSD": quoteBefore - quoteAfter,
	})
	return nil
}
