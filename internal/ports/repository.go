package ports

import (
	"context"
	"time"

	"dcabot/internal/domain"
)

// TradeStore is the durable append-only log of trade records plus the current
// portfolio snapshot. It is the authority for idempotency and crash recovery:
// the in-memory ledger must be reconstructable by replaying it.
type TradeStore interface {
	// Append persists a terminal trade record. Appending a second completed
	// record for a slot that already has one fails with ErrDuplicateEntry.
	Append(ctx context.Context, rec *domain.TradeRecord) error

	// FindCompletedBySlot returns the succeeded or simulated record for the
	// given slot, or nil, nil if none exists.
	FindCompletedBySlot(ctx context.Context, slot time.Time) (*domain.TradeRecord, error)

	// LatestCompleted returns the most recent succeeded or simulated record,
	// or nil, nil if the store is empty. Used to rebuild the slot clock at
	// startup.
	LatestCompleted(ctx context.Context) (*domain.TradeRecord, error)

	// QueryRange returns all records with ExecutedAt in [start, end],
	// ordered by execution time ascending.
	QueryRange(ctx context.Context, start, end time.Time) ([]*domain.TradeRecord, error)

	// AllCompleted returns every completed record ordered by execution time
	// ascending. Used for stats aggregation and ledger replay.
	AllCompleted(ctx context.Context) ([]*domain.TradeRecord, error)

	// LoadSnapshot returns the latest persisted portfolio snapshot, or
	// nil, nil if none was ever saved.
	LoadSnapshot(ctx context.Context) (*domain.PortfolioState, error)

	// SaveSnapshot durably replaces the portfolio snapshot.
	SaveSnapshot(ctx context.Context, st domain.PortfolioState) error

	// LastReportAt returns when the report identified by key was last sent,
	// or the zero time if it never was.
	LastReportAt(ctx context.Context, key string) (time.Time, error)

	// MarkReport records that the report identified by key was sent at the
	// given instant.
	MarkReport(ctx context.Context, key string, at time.Time) error
}
