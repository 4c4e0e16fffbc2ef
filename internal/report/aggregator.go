// Package report aggregates trade history into time-windowed summaries and
// all-time portfolio statistics, and renders them as operator messages.
package report

import (
	"context"
	"fmt"
	"time"

	"dcabot/internal/domain"
	"dcabot/internal/ledger"
	"dcabot/internal/ports"
)

// Stats is the all-time aggregate over completed trades, split against the
// pre-existing (seeded) position.
type Stats struct {
	NumTrades     int
	TotalSpentUSD float64 // DCA buys plus initial investment
	TotalQuantity float64 // DCA quantity plus initial quantity
	MeanPrice     float64 // TotalSpentUSD / TotalQuantity
	FirstTradeAt  time.Time
	LastTradeAt   time.Time

	InitialQuantity   float64
	InitialAvgCost    float64
	InitialInvestment float64
}

// Aggregator computes report summaries from the trade store and the ledger.
// It holds no mutable state of its own: the same store content and the same
// instant always produce the same summary.
type Aggregator struct {
	store  ports.TradeStore
	ledger *ledger.Ledger
	spec   domain.ScheduleSpec

	initialQty float64
	initialAvg float64
}

// NewAggregator creates an aggregator. The initial quantity and average cost
// describe the seeded position so statistics can separate it from DCA buys.
func NewAggregator(store ports.TradeStore, ldg *ledger.Ledger, spec domain.ScheduleSpec, initialQty, initialAvg float64) (*Aggregator, error) {
	if store == nil || ldg == nil {
		return nil, fmt.Errorf("missing required dependencies for Aggregator")
	}
	return &Aggregator{store: store, ledger: ldg, spec: spec, initialQty: initialQty, initialAvg: initialAvg}, nil
}

// Build computes the windowed summary over [now-lookback, now]. Completed
// trades inside the window contribute to the totals; failed attempts are
// counted separately. freeUSD is passed in by the caller so the computation
// stays deterministic.
func (a *Aggregator) Build(ctx context.Context, now time.Time, freeUSD float64) (*domain.ReportSummary, error) {
	start := now.Add(-time.Duration(a.spec.LookbackHours) * time.Hour)
	records, err := a.store.QueryRange(ctx, start, now)
	if err != nil {
		return nil, fmt.Errorf("querying report window: %w", err)
	}

	summary := &domain.ReportSummary{
		WindowStart: start,
		WindowEnd:   now,
		Portfolio:   a.ledger.Snapshot(),
		FreeUSD:     freeUSD,
	}
	for _, rec := range records {
		if !rec.IsCompleted() {
			summary.FailedCount++
			continue
		}
		if rec.Side != domain.Buy {
			continue
		}
		summary.TradeCount++
		summary.TotalNotionalUSD += rec.NotionalUSD
		summary.TotalQuantity += rec.Quantity
	}
	if summary.TotalQuantity > 0 {
		summary.AvgFillPrice = summary.TotalNotionalUSD / summary.TotalQuantity
	}
	summary.DaysOfFunding = a.DaysOfFunding(freeUSD)
	return summary, nil
}

// Stats computes the all-time aggregate used by the stats and trade
// notification messages. The seeded position counts toward the totals the
// same way replay counts it into the ledger.
func (a *Aggregator) Stats(ctx context.Context) (*Stats, error) {
	records, err := a.store.AllCompleted(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying trade history: %w", err)
	}

	st := &Stats{
		InitialQuantity:   a.initialQty,
		InitialAvgCost:    a.initialAvg,
		InitialInvestment: a.initialQty * a.initialAvg,
	}
	st.TotalQuantity = st.InitialQuantity
	st.TotalSpentUSD = st.InitialInvestment

	for _, rec := range records {
		if rec.Side != domain.Buy {
			continue
		}
		st.NumTrades++
		st.TotalSpentUSD += rec.NotionalUSD
		st.TotalQuantity += rec.Quantity
		if st.FirstTradeAt.IsZero() {
			st.FirstTradeAt = rec.ExecutedAt
		}
		st.LastTradeAt = rec.ExecutedAt
	}
	if st.TotalQuantity > 0 {
		st.MeanPrice = st.TotalSpentUSD / st.TotalQuantity
	}
	return st, nil
}

// DaysOfFunding converts the free quote balance into whole days of funding
// at the configured periodic spend rate.
func (a *Aggregator) DaysOfFunding(freeUSD float64) int {
	if a.spec.AmountUSD <= 0 {
		return 0
	}
	periods := freeUSD / a.spec.AmountUSD
	switch a.spec.Period {
	case domain.PeriodHour:
		return int(periods / 24)
	case domain.PeriodMinute:
		return int(periods / (24 * 60))
	default:
		return int(periods)
	}
}
