package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"dcabot/config"
	"dcabot/internal/adapters/binanceclient"
	"dcabot/internal/adapters/logger"
	"dcabot/internal/adapters/sqlite"
	"dcabot/internal/adapters/telegram"
	"dcabot/internal/app"
	"dcabot/internal/executor"
	"dcabot/internal/ledger"
	"dcabot/internal/ports"
	"dcabot/internal/report"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		Symbol:     cfg.Symbol,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized")

	// 5. Initialize Ledger and Executor
	ldg := ledger.New()
	clock := ports.UTCClock{}
	exec, err := executor.New(executor.Config{
		MaxTransactionUSD: cfg.MaxTransactionUSD,
		DryRun:            cfg.DryRun,
		MaxAttempts:       cfg.MaxRetryAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
	}, binanceClient, repo, ldg, clock, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize executor")
		log.Fatalf("FATAL: Failed to initialize executor: %v", err)
	}

	// 6. Initialize Report Aggregator
	agg, err := report.NewAggregator(repo, ldg, cfg.Schedule(), cfg.InitialBTCQuantity, cfg.InitialAvgPrice)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize report aggregator")
		log.Fatalf("FATAL: Failed to initialize report aggregator: %v", err)
	}

	// 7. Initialize Telegram Bot (Notifier Adapter)
	bot, err := telegram.New(telegram.Config{
		Token:         cfg.TelegramBotToken,
		AllowedUserID: cfg.TelegramUserID,
		Logger:        appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Telegram bot")
		log.Fatalf("FATAL: Failed to initialize Telegram bot: %v", err)
	}

	// 8. Initialize Application Service
	svc, err := app.NewScheduler(cfg, appLogger, binanceClient, repo, ldg, exec, agg, bot, clock)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize scheduler")
		log.Fatalf("FATAL: Failed to initialize scheduler: %v", err)
	}

	// 9. Run: command polling alongside the scheduling loop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bot.Poll(ctx, svc)

	if err := svc.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Scheduler exited with error")
		log.Fatalf("FATAL: Scheduler exited with error: %v", err)
	}
	appLogger.Info(ctx, "Shutdown complete")
}
