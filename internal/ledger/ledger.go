// Package ledger owns the running portfolio state: quantity held and the
// weighted-average cost basis. All mutation goes through a single
// mutex-guarded entry point; readers get value-copied snapshots.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/domain"
	"dcabot/internal/ports"
)

// Ledger applies completed trade records to the portfolio state. It is the
// only writer of PortfolioState in the process; the trade store remains the
// authority on restart (state is rebuilt by replaying it).
type Ledger struct {
	mu    sync.RWMutex
	state domain.PortfolioState
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Seed installs a pre-existing holding (quantity at a known average price).
// Called once at startup, and only when the store has no prior trades.
func (l *Ledger) Seed(quantity, avgCost float64, at time.Time) error {
	if quantity < 0 || avgCost < 0 {
		return fmt.Errorf("seed values must be non-negative: quantity=%v avgCost=%v", quantity, avgCost)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = domain.PortfolioState{QuantityHeld: quantity, AvgCost: avgCost, UpdatedAt: at}
	return nil
}

// Restore replaces the state with a previously persisted snapshot.
func (l *Ledger) Restore(st domain.PortfolioState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = st
}

// Apply folds a trade record into the portfolio and returns the new
// snapshot. Failed records never affect state. Buys recompute the weighted
// average cost; sells reduce quantity and leave the average cost unchanged.
// A sell for more than the current holdings is rejected.
func (l *Ledger) Apply(rec *domain.TradeRecord) (domain.PortfolioState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !rec.IsCompleted() {
		return l.state, nil
	}

	qty := decimal.NewFromFloat(l.state.QuantityHeld)
	avg := decimal.NewFromFloat(l.state.AvgCost)
	fillQty := decimal.NewFromFloat(rec.Quantity)
	fillPrice := decimal.NewFromFloat(rec.Price)

	switch rec.Side {
	case domain.Buy:
		newQty := qty.Add(fillQty)
		if newQty.IsPositive() {
			avg = qty.Mul(avg).Add(fillQty.Mul(fillPrice)).Div(newQty)
		}
		qty = newQty
	case domain.Sell:
		if fillQty.GreaterThan(qty) {
			return l.state, fmt.Errorf("sell of %s exceeds holdings %s: %w",
				fillQty.String(), qty.String(), ports.ErrInsufficientFunds)
		}
		qty = qty.Sub(fillQty)
		if qty.IsZero() {
			avg = decimal.Zero
		}
	default:
		return l.state, fmt.Errorf("unknown trade side %q", rec.Side)
	}

	l.state = domain.PortfolioState{
		QuantityHeld: qty.InexactFloat64(),
		AvgCost:      avg.InexactFloat64(),
		UpdatedAt:    rec.ExecutedAt,
	}
	return l.state, nil
}

// CanSell reports whether the current holdings cover a sell of quantity.
func (l *Ledger) CanSell(quantity float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return quantity > 0 && quantity <= l.state.QuantityHeld
}

// Snapshot returns the last committed state. Safe to call concurrently with
// Apply; readers observe either the pre-trade or post-trade state, never a
// partial update.
func (l *Ledger) Snapshot() domain.PortfolioState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Rebuild resets the ledger to the seed state and replays completed records
// in order. Used at startup; the replayed store wins over any snapshot.
func (l *Ledger) Rebuild(seedQty, seedAvg float64, records []*domain.TradeRecord) error {
	if err := l.Seed(seedQty, seedAvg, time.Time{}); err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := l.Apply(rec); err != nil {
			return fmt.Errorf("replaying trade %s: %w", rec.ID, err)
		}
	}
	return nil
}
