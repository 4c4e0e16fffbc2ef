package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcabot/config"
	"dcabot/internal/domain"
	"dcabot/internal/executor"
	"dcabot/internal/ledger"
	"dcabot/internal/ports"
	"dcabot/internal/report"
)

// Mock implementations

type mockLogger struct{}

func (mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockClock struct{ now time.Time }

func (m *mockClock) Now() time.Time { return m.now }

type mockExchange struct {
	price    float64
	balances map[string]float64
	buyFill  *ports.Fill
	buyCalls int
	pingErr  error
}

func (m *mockExchange) GetSpotPrice(ctx context.Context) (float64, error) { return m.price, nil }

func (m *mockExchange) MarketBuy(ctx context.Context, notionalUSD float64) (*ports.Fill, error) {
	m.buyCalls++
	return m.buyFill, nil
}

func (m *mockExchange) MarketSell(ctx context.Context, quantity float64) (*ports.Fill, error) {
	return nil, fmt.Errorf("unexpected sell")
}

func (m *mockExchange) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	return m.balances[asset], nil
}

func (m *mockExchange) Ping(ctx context.Context) error { return m.pingErr }

// blockingExchange holds every market buy until release so tests can deliver
// a cancellation while the order is in flight.
type blockingExchange struct {
	*mockExchange
	started chan struct{}
	release chan struct{}
}

func (b *blockingExchange) MarketBuy(ctx context.Context, notionalUSD float64) (*ports.Fill, error) {
	b.buyCalls++
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("order aborted: %w", ports.ErrContextCanceled)
	case <-b.release:
		return b.buyFill, nil
	}
}

type mockStore struct {
	bySlot      map[time.Time]*domain.TradeRecord
	appended    []*domain.TradeRecord
	reportMarks map[string]time.Time
}

func newMockStore() *mockStore {
	return &mockStore{
		bySlot:      make(map[time.Time]*domain.TradeRecord),
		reportMarks: make(map[string]time.Time),
	}
}

func (m *mockStore) Append(ctx context.Context, rec *domain.TradeRecord) error {
	// Honor cancellation like a real driver would.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	if rec.IsCompleted() {
		if _, ok := m.bySlot[rec.ScheduledSlot]; ok {
			return fmt.Errorf("slot taken: %w", ports.ErrDuplicateEntry)
		}
		m.bySlot[rec.ScheduledSlot] = rec
	}
	m.appended = append(m.appended, rec)
	return nil
}

func (m *mockStore) FindCompletedBySlot(ctx context.Context, slot time.Time) (*domain.TradeRecord, error) {
	return m.bySlot[slot], nil
}

func (m *mockStore) LatestCompleted(ctx context.Context) (*domain.TradeRecord, error) {
	var latest *domain.TradeRecord
	for _, rec := range m.bySlot {
		if latest == nil || rec.ExecutedAt.After(latest.ExecutedAt) {
			latest = rec
		}
	}
	return latest, nil
}

func (m *mockStore) QueryRange(ctx context.Context, start, end time.Time) ([]*domain.TradeRecord, error) {
	var out []*domain.TradeRecord
	for _, rec := range m.appended {
		if !rec.ExecutedAt.Before(start) && !rec.ExecutedAt.After(end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) AllCompleted(ctx context.Context) ([]*domain.TradeRecord, error) {
	var out []*domain.TradeRecord
	for _, rec := range m.appended {
		if rec.IsCompleted() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockStore) LoadSnapshot(ctx context.Context) (*domain.PortfolioState, error) {
	return nil, nil
}

func (m *mockStore) SaveSnapshot(ctx context.Context, st domain.PortfolioState) error { return nil }

func (m *mockStore) LastReportAt(ctx context.Context, key string) (time.Time, error) {
	return m.reportMarks[key], nil
}

func (m *mockStore) MarkReport(ctx context.Context, key string, at time.Time) error {
	m.reportMarks[key] = at
	return nil
}

type mockNotifier struct {
	sent    []string
	sendErr error
}

func (m *mockNotifier) Send(ctx context.Context, recipientID int64, text string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, text)
	return nil
}

// Helpers

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	tod, err := domain.ParseTimeOfDay("09:00")
	require.NoError(t, err)
	rep, err := domain.ParseTimeOfDay("21:00")
	require.NoError(t, err)
	return &config.Config{
		Symbol:            "BTCUSDT",
		BaseAsset:         "BTC",
		QuoteAsset:        "USDT",
		AmountUSD:         15,
		Period:            domain.PeriodDay,
		TimeUTC:           tod,
		MaxTransactionUSD: 100,
		ReportTimes:       []domain.TimeOfDay{rep},
		LookbackHours:     12,
		MaxRetryAttempts:  2,
		RetryBaseDelay:    time.Millisecond,
		TelegramUserID:    42,
		DBPath:            "unused",
	}
}

type fixture struct {
	svc      *Scheduler
	exchange *mockExchange
	store    *mockStore
	notifier *mockNotifier
	clock    *mockClock
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	ex := &mockExchange{
		price:    50000,
		balances: map[string]float64{"USDT": 300, "BTC": 0.5},
		buyFill:  &ports.Fill{Quantity: 0.0003, Price: 50000, NotionalUSD: 15},
	}
	return newFixtureWithExchange(t, cfg, ex, ex)
}

// newFixtureWithExchange wires an alternative ports.Exchange while keeping the
// embedded base mock available for counters and balance tweaks.
func newFixtureWithExchange(t *testing.T, cfg *config.Config, base *mockExchange, ex ports.Exchange) *fixture {
	t.Helper()
	clock := &mockClock{now: time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)}
	store := newMockStore()
	ldg := ledger.New()
	logger := mockLogger{}

	exec, err := executor.New(executor.Config{
		MaxTransactionUSD: cfg.MaxTransactionUSD,
		MaxAttempts:       cfg.MaxRetryAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
	}, ex, store, ldg, clock, logger)
	require.NoError(t, err)

	agg, err := report.NewAggregator(store, ldg, cfg.Schedule(), cfg.InitialBTCQuantity, cfg.InitialAvgPrice)
	require.NoError(t, err)

	notifier := &mockNotifier{}
	svc, err := NewScheduler(cfg, logger, ex, store, ldg, exec, agg, notifier, clock)
	require.NoError(t, err)
	return &fixture{svc: svc, exchange: base, store: store, notifier: notifier, clock: clock, ledger: ldg}
}

// prime runs the startup restoration steps without entering the tick loop.
func (f *fixture) prime(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.restoreLedger(ctx))
	require.NoError(t, f.svc.restoreSlotClock(ctx))
	f.svc.mu.Lock()
	f.svc.anchor = f.svc.cfg.TimeUTC.On(f.clock.now)
	f.svc.mu.Unlock()
}

// Tests

func TestNewScheduler_ValidatesDependencies(t *testing.T) {
	f := newFixture(t, testConfig(t))
	_, err := NewScheduler(nil, mockLogger{}, f.exchange, f.store, f.ledger, nil, nil, f.notifier, f.clock)
	assert.Error(t, err)
}

func TestOnTick_TradeFiresOnceAndNotifies(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)
	ctx := context.Background()

	// Before the slot: nothing happens.
	f.svc.onTick(ctx, time.Date(2024, 3, 10, 8, 59, 59, 0, time.UTC))
	assert.Zero(t, f.exchange.buyCalls)

	// At the slot: exactly one buy, one trade notification.
	f.svc.onTick(ctx, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, f.exchange.buyCalls)
	require.Len(t, f.notifier.sent, 1)

	// Subsequent ticks within the same period do not refire.
	f.svc.onTick(ctx, time.Date(2024, 3, 10, 9, 0, 1, 0, time.UTC))
	f.svc.onTick(ctx, time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, 1, f.exchange.buyCalls)
}

func TestOnTick_RestartDoesNotRefireSatisfiedSlot(t *testing.T) {
	cfg := testConfig(t)
	f := newFixture(t, cfg)
	slot := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	f.store.bySlot[slot] = &domain.TradeRecord{
		ID: "prev", ScheduledSlot: slot, ExecutedAt: slot.Add(2 * time.Second),
		Side: domain.Buy, Quantity: 0.0003, Price: 50000, NotionalUSD: 15,
		Status: domain.StatusSucceeded,
	}
	f.prime(t)

	f.svc.onTick(context.Background(), slot.Add(30*time.Second))
	assert.Zero(t, f.exchange.buyCalls, "restored slot clock must suppress the refire")
}

func TestExecuteTradeSlot_ShutdownWaitsForTerminalRecord(t *testing.T) {
	base := &mockExchange{
		price:    50000,
		balances: map[string]float64{"USDT": 300, "BTC": 0.5},
		buyFill:  &ports.Fill{Quantity: 0.0003, Price: 50000, NotionalUSD: 15},
	}
	ex := &blockingExchange{
		mockExchange: base,
		started:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	f := newFixtureWithExchange(t, testConfig(t), base, ex)
	f.prime(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slot := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.onTick(ctx, slot)
	}()

	// Shutdown arrives while the order is in flight, then the venue fills it.
	<-ex.started
	cancel()
	close(ex.release)
	<-done

	// The fill still reached a terminal, persisted record.
	rec, err := f.store.FindCompletedBySlot(context.Background(), slot)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
	assert.Equal(t, 1, base.buyCalls)

	// A restart evaluating the same slot finds the record and never re-orders.
	again, err := f.svc.executor.ExecuteBuy(context.Background(), slot, 15)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, 1, base.buyCalls)
}

func TestExecuteTradeSlot_ReplayedRecordNotRenotified(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)

	// A completed record exists for the slot but the slot clock lost it, as
	// after a crash between the append and process exit. Seeded after prime so
	// the restored clock does not already cover it.
	slot := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	f.store.bySlot[slot] = &domain.TradeRecord{
		ID: "prev", ScheduledSlot: slot, ExecutedAt: slot.Add(2 * time.Second),
		Side: domain.Buy, Quantity: 0.0003, Price: 50000, NotionalUSD: 15,
		Status: domain.StatusSucceeded,
	}

	f.clock.now = slot.Add(30 * time.Second)
	f.svc.onTick(context.Background(), f.clock.now)

	// The old trade is not bought again and not announced again.
	assert.Zero(t, f.exchange.buyCalls)
	assert.Empty(t, f.notifier.sent)

	// The slot clock caught up, so the next tick skips the slot entirely.
	f.svc.onTick(context.Background(), f.clock.now.Add(time.Second))
	assert.Zero(t, f.exchange.buyCalls)
}

func TestOnTick_ReportDelivered(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)
	ctx := context.Background()

	now := time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC)
	f.svc.onTick(ctx, now)

	// Trade slot (09:00) and report slot (21:00) both fired on this tick;
	// the report is last so it includes the trade.
	require.Len(t, f.notifier.sent, 2)
	assert.Contains(t, f.notifier.sent[1], "Report")
	assert.Equal(t, now, f.store.reportMarks["21:00"])

	// Next tick: neither refires.
	f.svc.onTick(ctx, now.Add(time.Second))
	assert.Len(t, f.notifier.sent, 2)
}

func TestOnTick_NotifierFailureDoesNotStopEngine(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)
	f.notifier.sendErr = fmt.Errorf("telegram down: %w", ports.ErrDeliveryFailed)
	ctx := context.Background()

	slot := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	f.svc.onTick(ctx, slot)

	// The trade still committed even though every notification failed.
	assert.Equal(t, 1, f.exchange.buyCalls)
	rec, err := f.store.FindCompletedBySlot(ctx, slot)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
}

func TestOnTick_UnderfundedWarnsBeforeAttempt(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)
	f.exchange.balances["USDT"] = 5 // Below the 15 USD purchase amount
	ctx := context.Background()

	slot := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	f.svc.onTick(ctx, slot)

	// The warning fires first; the buy itself still runs and the venue has
	// the final word.
	require.NotEmpty(t, f.notifier.sent)
	assert.Contains(t, strings.ToLower(f.notifier.sent[0]), "insufficient")
	assert.Equal(t, 1, f.exchange.buyCalls)
}

func TestHandleCommand_Stats(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)

	for _, cmd := range []string{"start", "stats"} {
		reply, err := f.svc.HandleCommand(context.Background(), cmd)
		require.NoError(t, err)
		assert.NotEmpty(t, reply)
	}
}

func TestHandleCommand_Balance(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)

	reply, err := f.svc.HandleCommand(context.Background(), "balance")
	require.NoError(t, err)
	assert.Contains(t, reply, "BTC")
	assert.Contains(t, reply, "USDT")
}

func TestHandleCommand_Unknown(t *testing.T) {
	f := newFixture(t, testConfig(t))
	_, err := f.svc.HandleCommand(context.Background(), "selfdestruct")
	assert.Error(t, err)
}

func TestUntilNextTrade(t *testing.T) {
	f := newFixture(t, testConfig(t))
	f.prime(t)

	// Clock at 08:00, anchor at 09:00 same day.
	assert.Equal(t, time.Hour, f.svc.untilNextTrade())

	// After the anchor the next slot is tomorrow 09:00.
	f.clock.now = time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 23*time.Hour, f.svc.untilNextTrade())
}
