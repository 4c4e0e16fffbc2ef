package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"dcabot/internal/adapters/logger" // Level parsing lives with the logger adapter
	"dcabot/internal/adapters/telegram"
	"dcabot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Market
	Symbol     string // e.g. BTCUSDT
	BaseAsset  string // e.g. BTC, derived from Symbol
	QuoteAsset string // e.g. USDT, derived from Symbol

	// DCA Parameters
	AmountUSD         float64          // Notional per purchase
	Period            domain.Period    // minute, hour or day
	RunImmediately    bool             // First purchase at startup instead of waiting for TimeUTC
	TimeUTC           domain.TimeOfDay // Daily purchase time (UTC); required for day period unless RunImmediately
	MaxTransactionUSD float64          // Hard per-transaction spending ceiling
	DryRun            bool             // Simulate fills without placing orders

	// Reports
	ReportTimes   []domain.TimeOfDay // Daily report delivery times (UTC)
	LookbackHours int                // Report window length

	// Initial position (pre-existing holdings folded into statistics)
	InitialBTCQuantity float64
	InitialAvgPrice    float64

	// Retry Settings
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration

	// Telegram
	TelegramBotToken string
	TelegramUserID   int64

	// Database
	DBPath string

	// Logging
	LogLevel zapcore.Level
}

// Schedule derives the immutable scheduling spec from the loaded config.
func (c *Config) Schedule() domain.ScheduleSpec {
	return domain.ScheduleSpec{
		Period:            c.Period,
		Immediate:         c.RunImmediately,
		StartTime:         c.TimeUTC,
		ReportTimes:       c.ReportTimes,
		LookbackHours:     c.LookbackHours,
		AmountUSD:         c.AmountUSD,
		MaxTransactionUSD: c.MaxTransactionUSD,
	}
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Market
	cfg.Symbol = getEnv("SYMBOL", "BTCUSDT")
	cfg.BaseAsset, cfg.QuoteAsset, err = splitSymbol(cfg.Symbol)
	if err != nil {
		errs = append(errs, err.Error())
	}

	// DCA Parameters
	cfg.AmountUSD, err = getEnvAsFloatRequired("DCA_AMOUNT_USD", 15.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DCA_AMOUNT_USD: %v", err))
	} else if cfg.AmountUSD <= 0 {
		errs = append(errs, "DCA_AMOUNT_USD must be positive")
	}

	cfg.Period = domain.Period(strings.ToLower(getEnv("DCA_PERIOD", "day")))
	if !cfg.Period.IsValid() {
		errs = append(errs, fmt.Sprintf("invalid DCA_PERIOD %q (want minute, hour or day)", cfg.Period))
	}

	cfg.RunImmediately = getEnvAsBool("RUN_IMMEDIATELY", false)

	timeStr := getEnv("DCA_TIME_UTC", "")
	if strings.EqualFold(timeStr, "immediate") {
		cfg.RunImmediately = true
		timeStr = ""
	}
	if timeStr != "" {
		cfg.TimeUTC, err = domain.ParseTimeOfDay(timeStr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid DCA_TIME_UTC: %v", err))
		}
	} else if cfg.Period == domain.PeriodDay && !cfg.RunImmediately {
		errs = append(errs, "DCA_TIME_UTC must be set for a day period unless RUN_IMMEDIATELY is true")
	}

	cfg.MaxTransactionUSD, err = getEnvAsFloatRequired("MAX_TRANSACTION_USD", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TRANSACTION_USD: %v", err))
	} else if cfg.MaxTransactionUSD <= 0 {
		errs = append(errs, "MAX_TRANSACTION_USD must be positive")
	}
	if cfg.AmountUSD > 0 && cfg.MaxTransactionUSD > 0 && cfg.AmountUSD > cfg.MaxTransactionUSD {
		errs = append(errs, "DCA_AMOUNT_USD must not exceed MAX_TRANSACTION_USD")
	}

	cfg.DryRun = getEnvAsBool("DRY_RUN", true) // Default to dry-run for safety

	// Reports
	for _, s := range strings.Split(getEnv("REPORT_TIMES_UTC", "09:00,21:00"), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		tod, perr := domain.ParseTimeOfDay(s)
		if perr != nil {
			errs = append(errs, fmt.Sprintf("invalid REPORT_TIMES_UTC entry: %v", perr))
			continue
		}
		cfg.ReportTimes = append(cfg.ReportTimes, tod)
	}

	cfg.LookbackHours, err = getEnvAsIntRequired("LOOKBACK_HOURS", 12)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOOKBACK_HOURS: %v", err))
	} else if cfg.LookbackHours <= 0 {
		errs = append(errs, "LOOKBACK_HOURS must be positive")
	}

	// Initial position
	cfg.InitialBTCQuantity, err = getEnvAsFloatRequired("INITIAL_BTC_QUANTITY", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_BTC_QUANTITY: %v", err))
	} else if cfg.InitialBTCQuantity < 0 {
		errs = append(errs, "INITIAL_BTC_QUANTITY cannot be negative")
	}
	cfg.InitialAvgPrice, err = getEnvAsFloatRequired("INITIAL_AVG_PRICE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_AVG_PRICE: %v", err))
	} else if cfg.InitialAvgPrice < 0 {
		errs = append(errs, "INITIAL_AVG_PRICE cannot be negative")
	}
	if cfg.InitialBTCQuantity > 0 && cfg.InitialAvgPrice == 0 {
		errs = append(errs, "INITIAL_AVG_PRICE must be set when INITIAL_BTC_QUANTITY is set")
	}

	// Retry Settings
	cfg.MaxRetryAttempts = getEnvAsInt("MAX_RETRY_ATTEMPTS", 3)
	if cfg.MaxRetryAttempts <= 0 {
		errs = append(errs, "MAX_RETRY_ATTEMPTS must be positive")
	}
	retryBaseSeconds := getEnvAsInt("RETRY_BASE_DELAY_SECONDS", 1)
	if retryBaseSeconds <= 0 {
		errs = append(errs, "RETRY_BASE_DELAY_SECONDS must be positive")
	}
	cfg.RetryBaseDelay = time.Duration(retryBaseSeconds) * time.Second

	// Telegram
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	if cfg.TelegramBotToken == "" {
		errs = append(errs, "TELEGRAM_BOT_TOKEN must be set")
	}
	userIDStr := getEnv("TELEGRAM_USER_ID", "")
	if userIDStr == "" {
		errs = append(errs, "TELEGRAM_USER_ID must be set")
	} else {
		cfg.TelegramUserID, err = telegram.ChatID(userIDStr)
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/dca_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// splitSymbol derives the base and quote assets from a spot symbol.
func splitSymbol(symbol string) (base, quote string, err error) {
	for _, q := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q, nil
		}
	}
	return "", "", fmt.Errorf("SYMBOL %q must be a USD-quoted spot pair", symbol)
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
