package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/internal/domain"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "key")
	t.Setenv("BINANCE_API_SECRET", "secret")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_USER_ID", "42")
	t.Setenv("DCA_TIME_UTC", "09:00")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, "BTC", cfg.BaseAsset)
	assert.Equal(t, "USDT", cfg.QuoteAsset)
	assert.Equal(t, domain.PeriodDay, cfg.Period)
	assert.Equal(t, 15.0, cfg.AmountUSD)
	assert.Equal(t, 100.0, cfg.MaxTransactionUSD)
	assert.True(t, cfg.DryRun, "dry-run must default on")
	assert.True(t, cfg.IsTestnet, "testnet must default on")
	assert.Equal(t, int64(42), cfg.TelegramUserID)
	assert.Equal(t, 12, cfg.LookbackHours)
	assert.Len(t, cfg.ReportTimes, 2)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryBaseDelay)
}

func TestLoadConfig_ScheduleSpec(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DCA_PERIOD", "hour")
	t.Setenv("RUN_IMMEDIATELY", "true")
	t.Setenv("DCA_AMOUNT_USD", "25")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	spec := cfg.Schedule()
	assert.Equal(t, domain.PeriodHour, spec.Period)
	assert.True(t, spec.Immediate)
	assert.Equal(t, 25.0, spec.AmountUSD)
	assert.Equal(t, 100.0, spec.MaxTransactionUSD)
}

func TestLoadConfig_DayPeriodRequiresStartTime(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DCA_TIME_UTC", "")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DCA_TIME_UTC")

	// RUN_IMMEDIATELY lifts the requirement.
	t.Setenv("RUN_IMMEDIATELY", "true")
	_, err = LoadConfig()
	assert.NoError(t, err)
}

func TestLoadConfig_ImmediateStartTimeAlias(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DCA_TIME_UTC", "immediate")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.RunImmediately)
	assert.True(t, cfg.Schedule().Immediate)
}

func TestLoadConfig_AmountAboveCeilingRejected(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DCA_AMOUNT_USD", "150")
	t.Setenv("MAX_TRANSACTION_USD", "100")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_TRANSACTION_USD")
}

func TestLoadConfig_InvalidPeriod(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DCA_PERIOD", "fortnight")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DCA_PERIOD")
}

func TestLoadConfig_InvalidReportTime(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REPORT_TIMES_UTC", "09:00,25:99")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REPORT_TIMES_UTC")
}

func TestLoadConfig_InitialPositionNeedsPrice(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("INITIAL_BTC_QUANTITY", "0.5")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INITIAL_AVG_PRICE")

	t.Setenv("INITIAL_AVG_PRICE", "30000")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.InitialBTCQuantity)
	assert.Equal(t, 30000.0, cfg.InitialAvgPrice)
}
