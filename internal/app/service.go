package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dcabot/config"
	"dcabot/internal/domain"
	"dcabot/internal/executor"
	"dcabot/internal/ledger"
	"dcabot/internal/ports"
	"dcabot/internal/report"
	"dcabot/internal/schedule"
)

const tickInterval = time.Second

// tradeTimeout bounds a single trade slot's execution, retries and
// persistence included, once it is detached from the shutdown cancel.
const tradeTimeout = 5 * time.Minute

// Scheduler orchestrates the DCA engine: it drives the tick loop, decides
// when trade and report slots are due, invokes the executor and aggregator,
// and pushes the resulting notifications. All venue and store access goes
// through ports so the loop is testable with fakes.
type Scheduler struct {
	cfg        *config.Config
	logger     ports.Logger
	exchange   ports.Exchange
	store      ports.TradeStore
	ledger     *ledger.Ledger
	executor   *executor.Executor
	aggregator *report.Aggregator
	notifier   ports.Notifier
	clock      ports.Clock

	spec domain.ScheduleSpec

	// State fields
	mu     sync.Mutex // Protects slots and anchor
	slots  *schedule.SlotClock
	anchor time.Time
}

// NewScheduler creates the application service instance.
func NewScheduler(
	cfg *config.Config,
	logger ports.Logger,
	exchange ports.Exchange,
	store ports.TradeStore,
	ldg *ledger.Ledger,
	exec *executor.Executor,
	agg *report.Aggregator,
	notifier ports.Notifier,
	clock ports.Clock,
) (*Scheduler, error) {

	// Validate dependencies
	if cfg == nil || logger == nil || exchange == nil || store == nil || ldg == nil || exec == nil || agg == nil || notifier == nil || clock == nil {
		return nil, fmt.Errorf("missing required dependencies for Scheduler")
	}

	spec := cfg.Schedule()
	if !spec.Period.IsValid() {
		return nil, fmt.Errorf("configuration Period is invalid")
	}
	if spec.AmountUSD <= 0 {
		return nil, fmt.Errorf("configuration AmountUSD must be positive")
	}
	if spec.AmountUSD > spec.MaxTransactionUSD {
		return nil, fmt.Errorf("configuration AmountUSD exceeds MaxTransactionUSD")
	}

	return &Scheduler{
		cfg:        cfg,
		logger:     logger,
		exchange:   exchange,
		store:      store,
		ledger:     ldg,
		executor:   exec,
		aggregator: agg,
		notifier:   notifier,
		clock:      clock,
		spec:       spec,
		slots:      schedule.NewSlotClock(),
	}, nil
}

// Start runs the scheduling loop until ctx is canceled or SIGINT/SIGTERM is
// received. An in-flight tick always completes before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting DCA scheduler...")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// --- Initialization Steps ---
	// 1. Probe connectivity before committing to the schedule.
	if err := s.probeVenue(ctx); err != nil {
		return err
	}

	// 2. Restore the ledger by replaying the store; the persisted snapshot is
	// only consulted to detect drift.
	if err := s.restoreLedger(ctx); err != nil {
		return err
	}

	// 3. Reconstruct the slot clock from durable records.
	if err := s.restoreSlotClock(ctx); err != nil {
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.anchor = schedule.Anchor(s.spec, now)
	anchor := s.anchor
	s.mu.Unlock()

	s.logger.Info(ctx, "Scheduler initialized", map[string]interface{}{
		"period":    string(s.spec.Period),
		"anchor":    anchor,
		"amountUSD": s.spec.AmountUSD,
		"dryRun":    s.cfg.DryRun,
	})

	// --- Main Loop ---
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Scheduler stopped")
			return nil
		case tick := <-ticker.C:
			s.onTick(ctx, tick.UTC())
		}
	}
}

// onTick evaluates a single tick. Trade slots are checked before report slots
// so a coinciding report already includes the tick's trade.
func (s *Scheduler) onTick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	anchor := s.anchor
	lastFired := s.slots.LastTradeSlot
	s.mu.Unlock()

	slot, due, missed := schedule.NextTradeSlot(s.spec, anchor, lastFired, now)
	if due {
		if missed > 0 {
			s.logger.Warn(ctx, "Skipping missed trade slots", map[string]interface{}{
				"missed": missed, "firing": slot,
			})
		}
		s.executeTradeSlot(ctx, slot)
	}

	for _, tod := range s.spec.ReportTimes {
		s.mu.Lock()
		lastSent := s.slots.LastReportAt[tod.String()]
		s.mu.Unlock()

		reportSlot, reportDue := schedule.NextReportSlot(tod, lastSent, now)
		if reportDue {
			s.deliverReport(ctx, tod, reportSlot, now)
		}
	}
}

// executeTradeSlot runs the purchase for a due slot and notifies the operator
// of the outcome. The slot is marked fired whenever a terminal record exists,
// including failed ones; a failed slot is retried only across a restart.
func (s *Scheduler) executeTradeSlot(ctx context.Context, slot time.Time) {
	s.logger.Info(ctx, "Trade slot due", map[string]interface{}{"slot": slot})

	s.warnIfUnderfunded(ctx)

	// A shutdown signal must not abort the attempt mid-flight: the venue may
	// fill an order whose record would then never be written, and the next
	// start would buy the same slot again. Execution and persistence run on a
	// context detached from the shutdown cancel; the tick is synchronous, so
	// Start still waits for the attempt to reach a terminal record.
	execCtx, cancelExec := context.WithTimeout(context.WithoutCancel(ctx), tradeTimeout)
	defer cancelExec()

	started := s.clock.Now()
	rec, err := s.executor.ExecuteBuy(execCtx, slot, s.spec.AmountUSD)
	if err != nil {
		// The trade may have executed without being persisted; surface loudly
		// and keep the loop alive.
		s.logger.Error(ctx, err, "Trade outcome could not be persisted", map[string]interface{}{"slot": slot})
		s.notify(ctx, fmt.Sprintf("⚠️ <b>Critical</b>: trade for slot <code>%s</code> could not be persisted. Check the database before the next slot.", slot.Format(time.RFC3339)))
	}
	if rec == nil {
		return
	}

	s.mu.Lock()
	s.slots.MarkTradeFired(slot)
	s.mu.Unlock()

	if rec.ExecutedAt.Before(started) {
		// A record replayed from the store: the slot was satisfied by an
		// earlier run and no new purchase happened, so nothing to announce.
		s.logger.Info(ctx, "Slot already satisfied by an earlier trade", map[string]interface{}{
			"slot": slot, "tradeID": rec.ID,
		})
		return
	}

	if rec.Status == domain.StatusFailed {
		s.notify(ctx, report.FormatTradeFailure(rec))
		return
	}
	s.notify(ctx, s.tradeMessage(ctx, rec))
}

// tradeMessage renders the post-trade notification. Auxiliary lookups are
// best-effort: a stats or balance failure degrades the message, never the
// trade.
func (s *Scheduler) tradeMessage(ctx context.Context, rec *domain.TradeRecord) string {
	stats, err := s.aggregator.Stats(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Could not aggregate stats for trade notification", map[string]interface{}{"error": err.Error()})
		stats = &report.Stats{}
	}
	price := rec.Price
	if current, err := s.exchange.GetSpotPrice(ctx); err == nil {
		price = current
	}
	freeUSD, err := s.exchange.GetFreeBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		s.logger.Warn(ctx, "Could not fetch free balance for trade notification", map[string]interface{}{"error": err.Error()})
	}
	return report.FormatTradeNotification(rec, stats, price, freeUSD, s.aggregator.DaysOfFunding(freeUSD), s.untilNextTrade())
}

// deliverReport builds and sends the windowed report anchored at tod. The
// report mark is written even when delivery fails so a broken notifier cannot
// turn the loop into a send storm.
func (s *Scheduler) deliverReport(ctx context.Context, tod domain.TimeOfDay, slot, now time.Time) {
	s.logger.Info(ctx, "Report slot due", map[string]interface{}{"report": tod.String(), "slot": slot})

	freeUSD, err := s.exchange.GetFreeBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		s.logger.Warn(ctx, "Could not fetch free balance for report", map[string]interface{}{"error": err.Error()})
	}

	summary, err := s.aggregator.Build(ctx, now, freeUSD)
	if err != nil {
		// Leave the slot unmarked; the store should recover by the next tick.
		s.logger.Error(ctx, err, "Failed to build report", map[string]interface{}{"report": tod.String()})
		return
	}

	s.notify(ctx, report.FormatReport(summary, s.spec.LookbackHours))

	if err := s.store.MarkReport(ctx, tod.String(), now); err != nil {
		s.logger.Warn(ctx, "Failed to persist report mark", map[string]interface{}{
			"report": tod.String(), "error": err.Error(),
		})
	}
	s.mu.Lock()
	s.slots.MarkReportSent(tod, now)
	s.mu.Unlock()
}

// HandleCommand serves the read-only operator commands. It is safe to call
// concurrently with the tick loop.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) (string, error) {
	switch command {
	case "start", "stats":
		stats, err := s.aggregator.Stats(ctx)
		if err != nil {
			return "", fmt.Errorf("aggregating stats: %w", err)
		}
		price, err := s.exchange.GetSpotPrice(ctx)
		if err != nil {
			return "", fmt.Errorf("fetching spot price: %w", err)
		}
		freeUSD, err := s.exchange.GetFreeBalance(ctx, s.cfg.QuoteAsset)
		if err != nil {
			return "", fmt.Errorf("fetching free balance: %w", err)
		}
		return report.FormatStats(stats, price, freeUSD, s.aggregator.DaysOfFunding(freeUSD), s.untilNextTrade()), nil

	case "balance":
		baseFree, err := s.exchange.GetFreeBalance(ctx, s.cfg.BaseAsset)
		if err != nil {
			return "", fmt.Errorf("fetching %s balance: %w", s.cfg.BaseAsset, err)
		}
		quoteFree, err := s.exchange.GetFreeBalance(ctx, s.cfg.QuoteAsset)
		if err != nil {
			return "", fmt.Errorf("fetching %s balance: %w", s.cfg.QuoteAsset, err)
		}
		return report.FormatBalance(baseFree, quoteFree, s.aggregator.DaysOfFunding(quoteFree), s.spec.AmountUSD, s.spec.Period), nil

	default:
		return "", fmt.Errorf("unknown command %q", command)
	}
}

// probeVenue verifies connectivity and credentials before the first slot can
// come due. A failed probe is fatal; a low balance is only a warning.
func (s *Scheduler) probeVenue(ctx context.Context) error {
	if err := s.exchange.Ping(ctx); err != nil {
		s.logger.Error(ctx, err, "Exchange connectivity probe failed")
		return fmt.Errorf("exchange connectivity probe failed: %w", err)
	}
	price, err := s.exchange.GetSpotPrice(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to fetch initial spot price")
		return fmt.Errorf("failed to fetch initial spot price: %w", err)
	}
	freeUSD, err := s.exchange.GetFreeBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to fetch initial balance")
		return fmt.Errorf("failed to fetch initial balance: %w", err)
	}
	s.logger.Info(ctx, "Exchange probe succeeded", map[string]interface{}{
		"symbol": s.cfg.Symbol, "price": price, "freeUSD": freeUSD,
	})
	if freeUSD < s.spec.AmountUSD {
		s.notify(ctx, report.FormatInsufficientBalance(freeUSD, s.spec.AmountUSD))
	}
	return nil
}

// restoreLedger replays completed trades on top of the configured initial
// position. The persisted snapshot is compared against the replay result and
// drift is logged; replay wins.
func (s *Scheduler) restoreLedger(ctx context.Context) error {
	records, err := s.store.AllCompleted(ctx)
	if err != nil {
		return fmt.Errorf("loading trade history: %w", err)
	}
	if err := s.ledger.Rebuild(s.cfg.InitialBTCQuantity, s.cfg.InitialAvgPrice, records); err != nil {
		return fmt.Errorf("rebuilding ledger: %w", err)
	}
	state := s.ledger.Snapshot()
	s.logger.Info(ctx, "Ledger restored", map[string]interface{}{
		"trades": len(records), "quantityHeld": state.QuantityHeld, "avgCost": state.AvgCost,
	})

	snap, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		s.logger.Warn(ctx, "Could not load portfolio snapshot", map[string]interface{}{"error": err.Error()})
		return nil
	}
	if snap != nil && (math.Abs(snap.QuantityHeld-state.QuantityHeld) > 1e-9 || math.Abs(snap.AvgCost-state.AvgCost) > 1e-6) {
		s.logger.Warn(ctx, "Portfolio snapshot diverged from replay, using replay", map[string]interface{}{
			"snapshotQuantity": snap.QuantityHeld, "replayQuantity": state.QuantityHeld,
			"snapshotAvgCost": snap.AvgCost, "replayAvgCost": state.AvgCost,
		})
	}
	return nil
}

// restoreSlotClock rebuilds the in-memory slot clock from the store so a
// restart never refires an already-satisfied slot.
func (s *Scheduler) restoreSlotClock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.store.LatestCompleted(ctx)
	if err != nil {
		return fmt.Errorf("loading latest completed trade: %w", err)
	}
	if latest != nil {
		s.slots.MarkTradeFired(latest.ScheduledSlot)
		s.logger.Info(ctx, "Resuming after last completed trade", map[string]interface{}{
			"slot": latest.ScheduledSlot, "tradeID": latest.ID,
		})
	}

	for _, tod := range s.spec.ReportTimes {
		at, err := s.store.LastReportAt(ctx, tod.String())
		if err != nil {
			return fmt.Errorf("loading report mark %s: %w", tod.String(), err)
		}
		if !at.IsZero() {
			s.slots.MarkReportSent(tod, at)
		}
	}
	return nil
}

// warnIfUnderfunded notifies the operator when the free quote balance cannot
// cover the next purchase. Best-effort; the buy itself still runs and the
// venue has the final word.
func (s *Scheduler) warnIfUnderfunded(ctx context.Context) {
	freeUSD, err := s.exchange.GetFreeBalance(ctx, s.cfg.QuoteAsset)
	if err != nil {
		return
	}
	if freeUSD < s.spec.AmountUSD {
		s.notify(ctx, report.FormatInsufficientBalance(freeUSD, s.spec.AmountUSD))
	}
}

// untilNextTrade returns the wall-clock time until the next trade slot.
func (s *Scheduler) untilNextTrade() time.Duration {
	s.mu.Lock()
	anchor := s.anchor
	s.mu.Unlock()

	now := s.clock.Now()
	if anchor.IsZero() {
		return 0
	}
	if now.Before(anchor) {
		return anchor.Sub(now)
	}
	d := s.spec.Period.Duration()
	next := anchor.Add((now.Sub(anchor)/d + 1) * d)
	return next.Sub(now)
}

// notify delivers a message to the operator. Delivery failures are logged and
// swallowed; notifications never affect the engine's state.
func (s *Scheduler) notify(ctx context.Context, text string) {
	if err := s.notifier.Send(ctx, s.cfg.TelegramUserID, text); err != nil {
		s.logger.Warn(ctx, "Notification delivery failed", map[string]interface{}{"error": err.Error()})
	}
}
