// Package executor performs a single purchase (or sell) exactly once per
// scheduled slot: spend ceiling, idempotency guard, dry-run substitution and
// bounded retry all live here. Errors from the exchange and the store are
// converted into terminal trade records at this boundary; they never escape
// to kill the scheduling loop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"dcabot/internal/domain"
	"dcabot/internal/ledger"
	"dcabot/internal/ports"
)

// Config holds the executor's fixed parameters.
type Config struct {
	MaxTransactionUSD float64       // Hard spending ceiling; violations never reach the venue
	DryRun            bool          // Simulate fills instead of contacting the venue
	MaxAttempts       int           // Bounded attempts for transient failures
	RetryBaseDelay    time.Duration // First backoff step; doubles per attempt
}

// Executor drives trade execution against the exchange port and commits
// outcomes to the ledger and store.
type Executor struct {
	cfg      Config
	exchange ports.Exchange
	store    ports.TradeStore
	ledger   *ledger.Ledger
	clock    ports.Clock
	logger   ports.Logger
}

// New creates an executor. All dependencies are required.
func New(cfg Config, exchange ports.Exchange, store ports.TradeStore, ldg *ledger.Ledger, clock ports.Clock, logger ports.Logger) (*Executor, error) {
	if exchange == nil || store == nil || ldg == nil || clock == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Executor")
	}
	if cfg.MaxTransactionUSD <= 0 {
		return nil, fmt.Errorf("MaxTransactionUSD must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	return &Executor{cfg: cfg, exchange: exchange, store: store, ledger: ldg, clock: clock, logger: logger}, nil
}

// ExecuteBuy executes the purchase for a due slot. It returns the terminal
// record for that slot: a previously committed one when the slot already has
// a completed record (restart mid-retry), or a new succeeded, simulated or
// failed record otherwise. The returned error is non-nil only when the
// outcome could not be persisted after bounded retries; the caller must treat
// that as a critical alert, not a lost trade.
func (e *Executor) ExecuteBuy(ctx context.Context, slot time.Time, amountUSD float64) (*domain.TradeRecord, error) {
	op := "ExecuteBuy"

	existing, err := e.store.FindCompletedBySlot(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("%s: idempotency check failed: %w", op, err)
	}
	if existing != nil {
		e.logger.Info(ctx, op+": slot already satisfied, skipping", map[string]interface{}{
			"slot": slot, "tradeID": existing.ID, "status": existing.Status,
		})
		return existing, nil
	}

	if amountUSD <= 0 {
		return e.commitFailed(ctx, slot, domain.Buy, amountUSD, "invalid-amount")
	}
	if amountUSD > e.cfg.MaxTransactionUSD {
		e.logger.Warn(ctx, op+": amount exceeds transaction ceiling, rejecting locally", map[string]interface{}{
			"amountUSD": amountUSD, "maxTransactionUSD": e.cfg.MaxTransactionUSD,
		})
		return e.commitFailed(ctx, slot, domain.Buy, amountUSD, "limit-exceeded")
	}

	if e.cfg.DryRun {
		return e.executeDryRunBuy(ctx, slot, amountUSD)
	}

	var fill *ports.Fill
	err = e.withRetry(ctx, op, func() error {
		var buyErr error
		fill, buyErr = e.exchange.MarketBuy(ctx, amountUSD)
		return buyErr
	})
	if err != nil {
		e.logger.Error(ctx, err, op+": market buy terminated without a fill", map[string]interface{}{
			"slot": slot, "amountUSD": amountUSD,
		})
		return e.commitFailed(ctx, slot, domain.Buy, amountUSD, reasonFor(err))
	}

	rec := &domain.TradeRecord{
		ID:            uuid.New().String(),
		ScheduledSlot: slot,
		ExecutedAt:    e.clock.Now(),
		Side:          domain.Buy,
		NotionalUSD:   fill.NotionalUSD,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Status:        domain.StatusSucceeded,
	}
	return e.commitCompleted(ctx, rec)
}

// ExecuteSell places a market sell for a base-asset quantity. It is not
// reachable from the scheduling loop; callers must trigger it explicitly.
// Sells exceeding current holdings are rejected before any venue call.
func (e *Executor) ExecuteSell(ctx context.Context, quantity float64) (*domain.TradeRecord, error) {
	op := "ExecuteSell"
	now := e.clock.Now()

	if quantity <= 0 {
		return e.commitFailed(ctx, now, domain.Sell, 0, "invalid-amount")
	}
	if !e.ledger.CanSell(quantity) {
		e.logger.Warn(ctx, op+": sell exceeds current holdings, rejecting locally", map[string]interface{}{
			"quantity": quantity, "held": e.ledger.Snapshot().QuantityHeld,
		})
		return e.commitFailed(ctx, now, domain.Sell, 0, "insufficient-holdings")
	}

	if e.cfg.DryRun {
		price, err := e.lastKnownPrice(ctx)
		if err != nil {
			return e.commitFailed(ctx, now, domain.Sell, 0, reasonFor(err))
		}
		rec := &domain.TradeRecord{
			ID:            uuid.New().String(),
			ScheduledSlot: now,
			ExecutedAt:    now,
			Side:          domain.Sell,
			NotionalUSD:   quantity * price,
			Quantity:      quantity,
			Price:         price,
			Status:        domain.StatusSimulated,
		}
		return e.commitCompleted(ctx, rec)
	}

	var fill *ports.Fill
	err := e.withRetry(ctx, op, func() error {
		var sellErr error
		fill, sellErr = e.exchange.MarketSell(ctx, quantity)
		return sellErr
	})
	if err != nil {
		e.logger.Error(ctx, err, op+": market sell terminated without a fill", map[string]interface{}{"quantity": quantity})
		return e.commitFailed(ctx, now, domain.Sell, 0, reasonFor(err))
	}

	rec := &domain.TradeRecord{
		ID:            uuid.New().String(),
		ScheduledSlot: now,
		ExecutedAt:    e.clock.Now(),
		Side:          domain.Sell,
		NotionalUSD:   fill.NotionalUSD,
		Quantity:      fill.Quantity,
		Price:         fill.Price,
		Status:        domain.StatusSucceeded,
	}
	return e.commitCompleted(ctx, rec)
}

// executeDryRunBuy synthesizes a simulated fill from the last known market
// price. No mutating venue call is made, but the ledger and store are updated
// exactly as on the live path.
func (e *Executor) executeDryRunBuy(ctx context.Context, slot time.Time, amountUSD float64) (*domain.TradeRecord, error) {
	price, err := e.lastKnownPrice(ctx)
	if err != nil {
		e.logger.Error(ctx, err, "dry-run: could not fetch market price", map[string]interface{}{"slot": slot})
		return e.commitFailed(ctx, slot, domain.Buy, amountUSD, reasonFor(err))
	}

	quantity := roundQuantity(amountUSD / price)
	rec := &domain.TradeRecord{
		ID:            uuid.New().String(),
		ScheduledSlot: slot,
		ExecutedAt:    e.clock.Now(),
		Side:          domain.Buy,
		NotionalUSD:   amountUSD,
		Quantity:      quantity,
		Price:         price,
		Status:        domain.StatusSimulated,
	}
	return e.commitCompleted(ctx, rec)
}

// lastKnownPrice fetches the spot price read-only, retrying transient errors.
func (e *Executor) lastKnownPrice(ctx context.Context) (float64, error) {
	var price float64
	err := e.withRetry(ctx, "GetSpotPrice", func() error {
		var priceErr error
		price, priceErr = e.exchange.GetSpotPrice(ctx)
		return priceErr
	})
	return price, err
}

// commitCompleted applies the record to the ledger, persists the snapshot and
// appends the record. The ledger write happens before the append is
// acknowledged so readers never see a stored trade without its ledger effect.
func (e *Executor) commitCompleted(ctx context.Context, rec *domain.TradeRecord) (*domain.TradeRecord, error) {
	state, err := e.ledger.Apply(rec)
	if err != nil {
		return e.commitFailed(ctx, rec.ScheduledSlot, rec.Side, rec.NotionalUSD, "ledger-rejected")
	}

	if err := e.appendWithRetry(ctx, rec); err != nil {
		return rec, fmt.Errorf("trade %s executed but could not be persisted: %w", rec.ID, err)
	}
	if err := e.store.SaveSnapshot(ctx, state); err != nil {
		// The snapshot is a cache; the append above is the recovery authority.
		e.logger.Warn(ctx, "failed to persist portfolio snapshot", map[string]interface{}{
			"tradeID": rec.ID, "error": err.Error(),
		})
	}

	e.logger.Info(ctx, "trade committed", map[string]interface{}{
		"tradeID": rec.ID, "slot": rec.ScheduledSlot, "side": rec.Side, "status": rec.Status,
		"quantity": rec.Quantity, "price": rec.Price, "notionalUSD": rec.NotionalUSD,
	})
	return rec, nil
}

// commitFailed writes a terminal failed record. Failed records never touch
// the ledger.
func (e *Executor) commitFailed(ctx context.Context, slot time.Time, side domain.OrderSide, amountUSD float64, reason string) (*domain.TradeRecord, error) {
	rec := &domain.TradeRecord{
		ID:            uuid.New().String(),
		ScheduledSlot: slot,
		ExecutedAt:    e.clock.Now(),
		Side:          side,
		NotionalUSD:   amountUSD,
		Status:        domain.StatusFailed,
		ErrorReason:   reason,
	}
	if err := e.appendWithRetry(ctx, rec); err != nil {
		return rec, fmt.Errorf("failed trade %s could not be persisted: %w", rec.ID, err)
	}
	return rec, nil
}

// appendWithRetry persists a record, retrying transient store failures with
// the same bounded backoff as venue calls.
func (e *Executor) appendWithRetry(ctx context.Context, rec *domain.TradeRecord) error {
	return e.withRetry(ctx, "Append", func() error {
		err := e.store.Append(ctx, rec)
		if errors.Is(err, ports.ErrDuplicateEntry) {
			// Another attempt for this slot won the race; the stored record
			// is the authority.
			e.logger.Warn(ctx, "duplicate append suppressed", map[string]interface{}{"slot": rec.ScheduledSlot})
			return nil
		}
		return err
	})
}

// withRetry runs fn, retrying transient failures with exponential backoff up
// to MaxAttempts. Permanent failures return immediately.
func (e *Executor) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{
		Min:    e.cfg.RetryBaseDelay,
		Max:    2 * time.Minute,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !ports.IsRetriable(err) {
			return err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := b.Duration()
		e.logger.Warn(ctx, op+": transient failure, retrying", map[string]interface{}{
			"attempt": attempt, "maxAttempts": e.cfg.MaxAttempts, "delay": delay.String(), "error": err.Error(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s aborted: %w: %w", op, ports.ErrContextCanceled, ctx.Err())
		}
	}
	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", op, e.cfg.MaxAttempts, err)
}

// reasonFor maps a classified error to the short code stored on failed
// records.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ports.ErrLimitExceeded):
		return "limit-exceeded"
	case errors.Is(err, ports.ErrInsufficientFunds):
		return "insufficient-funds"
	case errors.Is(err, ports.ErrAuthenticationFailed):
		return "auth-failed"
	case errors.Is(err, ports.ErrPermissionDenied):
		return "permission-denied"
	case errors.Is(err, ports.ErrRejectedByVenue):
		return "rejected-by-venue"
	case errors.Is(err, ports.ErrRateLimited):
		return "rate-limited"
	case errors.Is(err, ports.ErrTimeout):
		return "timeout"
	case errors.Is(err, ports.ErrConnectionFailed), errors.Is(err, ports.ErrExchangeUnavailable):
		return "network-error"
	default:
		return "unknown"
	}
}

// roundQuantity truncates a base-asset quantity to 8 decimal places, the
// venue's lot precision for BTC pairs.
func roundQuantity(q float64) float64 {
	return math.Floor(q*1e8) / 1e8
}
