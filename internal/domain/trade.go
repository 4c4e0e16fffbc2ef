package domain

import "time"

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// TradeStatus is the terminal state of a trade record.
type TradeStatus string

const (
	// StatusSucceeded means the venue confirmed a fill.
	StatusSucceeded TradeStatus = "succeeded"
	// StatusFailed means the attempt terminated without a fill.
	StatusFailed TradeStatus = "failed"
	// StatusSimulated means the trade was synthesized in dry-run mode.
	StatusSimulated TradeStatus = "simulated"
)

// TradeRecord is one execution outcome for a scheduled slot. Records are
// immutable once written. At most one succeeded or simulated record may exist
// per scheduled slot; that uniqueness is what makes purchases idempotent
// across restarts.
type TradeRecord struct {
	ID            string      // Unique identifier (UUID)
	ScheduledSlot time.Time   // The due instant this record satisfies (UTC)
	ExecutedAt    time.Time   // When the attempt reached its terminal state (UTC)
	Side          OrderSide   // BUY or SELL
	NotionalUSD   float64     // Fiat value: requested for buys, realized for sells
	Quantity      float64     // Filled quantity in the base asset (0 when failed)
	Price         float64     // Average fill price (0 when failed)
	Status        TradeStatus // succeeded, failed or simulated
	ErrorReason   string      // Populated only for failed records
}

// IsCompleted reports whether the record holds a fill that counts toward the
// portfolio (succeeded or simulated).
func (t *TradeRecord) IsCompleted() bool {
	return t.Status == StatusSucceeded || t.Status == StatusSimulated
}
