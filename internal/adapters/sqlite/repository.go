package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"dcabot/internal/domain"
	"dcabot/internal/ports"
)

// Repository implements ports.TradeStore using SQLite. Trades are an
// append-only log; a partial unique index on completed records enforces the
// one-completed-record-per-slot invariant at the storage layer, so the
// idempotency guarantee survives crashes and concurrent attempts.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/dca_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the scheduling loop and
	// interactive command reads.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite trade store ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		scheduled_slot TIMESTAMP NOT NULL,
		executed_at TIMESTAMP NOT NULL,
		side TEXT NOT NULL,
		notional_usd REAL NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		status TEXT NOT NULL,
		error_reason TEXT NULL
	);
	-- At most one completed record per scheduled slot.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_completed_slot
		ON trades (scheduled_slot) WHERE status IN ('succeeded', 'simulated');
	CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades (executed_at);

	CREATE TABLE IF NOT EXISTS portfolio_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		quantity_held REAL NOT NULL,
		avg_cost REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS report_marks (
		report_key TEXT PRIMARY KEY,
		sent_at TIMESTAMP NOT NULL
	);`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// Append persists a terminal trade record. A second completed record for the
// same slot violates the partial unique index and surfaces as
// ports.ErrDuplicateEntry.
func (r *Repository) Append(ctx context.Context, rec *domain.TradeRecord) error {
	const query = `
	INSERT INTO trades (id, scheduled_slot, executed_at, side, notional_usd, quantity, price, status, error_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var reason sql.NullString
	if rec.ErrorReason != "" {
		reason = sql.NullString{String: rec.ErrorReason, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.ScheduledSlot.UTC(), rec.ExecutedAt.UTC(), rec.Side,
		rec.NotionalUSD, rec.Quantity, rec.Price, rec.Status, reason)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("completed record already exists for slot %s: %w", rec.ScheduledSlot, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert trade %s: %w: %w", rec.ID, ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Trade appended", map[string]interface{}{"tradeID": rec.ID, "slot": rec.ScheduledSlot, "status": rec.Status})
	return nil
}

// FindCompletedBySlot returns the succeeded or simulated record for a slot.
func (r *Repository) FindCompletedBySlot(ctx context.Context, slot time.Time) (*domain.TradeRecord, error) {
	const query = `
	SELECT id, scheduled_slot, executed_at, side, notional_usd, quantity, price, status, error_reason
	FROM trades
	WHERE scheduled_slot = ? AND status IN ('succeeded', 'simulated')`

	rec, err := scanTrade(r.db.QueryRowContext(ctx, query, slot.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade for slot %s: %w: %w", slot, ports.ErrQueryFailed, err)
	}
	return rec, nil
}

// LatestCompleted returns the most recent succeeded or simulated record.
func (r *Repository) LatestCompleted(ctx context.Context) (*domain.TradeRecord, error) {
	const query = `
	SELECT id, scheduled_slot, executed_at, side, notional_usd, quantity, price, status, error_reason
	FROM trades
	WHERE status IN ('succeeded', 'simulated')
	ORDER BY executed_at DESC LIMIT 1`

	rec, err := scanTrade(r.db.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest completed trade: %w: %w", ports.ErrQueryFailed, err)
	}
	return rec, nil
}

// QueryRange returns all records executed in [start, end], oldest first.
func (r *Repository) QueryRange(ctx context.Context, start, end time.Time) ([]*domain.TradeRecord, error) {
	const query = `
	SELECT id, scheduled_slot, executed_at, side, notional_usd, quantity, price, status, error_reason
	FROM trades
	WHERE executed_at >= ? AND executed_at <= ?
	ORDER BY executed_at ASC`

	return r.queryTrades(ctx, query, start.UTC(), end.UTC())
}

// AllCompleted returns every completed record, oldest first.
func (r *Repository) AllCompleted(ctx context.Context) ([]*domain.TradeRecord, error) {
	const query = `
	SELECT id, scheduled_slot, executed_at, side, notional_usd, quantity, price, status, error_reason
	FROM trades
	WHERE status IN ('succeeded', 'simulated')
	ORDER BY executed_at ASC`

	return r.queryTrades(ctx, query)
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*domain.TradeRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	trades := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		trades = append(trades, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// LoadSnapshot returns the persisted portfolio snapshot, or nil, nil if none
// was ever saved.
func (r *Repository) LoadSnapshot(ctx context.Context) (*domain.PortfolioState, error) {
	const query = `SELECT quantity_held, avg_cost, updated_at FROM portfolio_snapshot WHERE id = 1`

	st := &domain.PortfolioState{}
	err := r.db.QueryRowContext(ctx, query).Scan(&st.QuantityHeld, &st.AvgCost, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load portfolio snapshot: %w: %w", ports.ErrQueryFailed, err)
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// SaveSnapshot durably replaces the portfolio snapshot.
func (r *Repository) SaveSnapshot(ctx context.Context, st domain.PortfolioState) error {
	const query = `
	INSERT INTO portfolio_snapshot (id, quantity_held, avg_cost, updated_at)
	VALUES (1, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET quantity_held = excluded.quantity_held,
		avg_cost = excluded.avg_cost, updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query, st.QuantityHeld, st.AvgCost, st.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save portfolio snapshot: %w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// LastReportAt returns when the report identified by key was last sent.
func (r *Repository) LastReportAt(ctx context.Context, key string) (time.Time, error) {
	const query = `SELECT sent_at FROM report_marks WHERE report_key = ?`

	var at time.Time
	err := r.db.QueryRowContext(ctx, query, key).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to load report mark %q: %w: %w", key, ports.ErrQueryFailed, err)
	}
	return at.UTC(), nil
}

// MarkReport records that the report identified by key was sent.
func (r *Repository) MarkReport(ctx context.Context, key string, at time.Time) error {
	const query = `
	INSERT INTO report_marks (report_key, sent_at) VALUES (?, ?)
	ON CONFLICT (report_key) DO UPDATE SET sent_at = excluded.sent_at`

	if _, err := r.db.ExecContext(ctx, query, key, at.UTC()); err != nil {
		return fmt.Errorf("failed to mark report %q: %w: %w", key, ports.ErrQueryFailed, err)
	}
	return nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.TradeRecord, error) {
	rec := &domain.TradeRecord{}
	var side, status string
	var reason sql.NullString
	err := s.Scan(&rec.ID, &rec.ScheduledSlot, &rec.ExecutedAt, &side,
		&rec.NotionalUSD, &rec.Quantity, &rec.Price, &status, &reason)
	if err != nil {
		return nil, err
	}
	rec.Side = domain.OrderSide(side)
	rec.Status = domain.TradeStatus(status)
	if reason.Valid {
		rec.ErrorReason = reason.String
	}
	rec.ScheduledSlot = rec.ScheduledSlot.UTC()
	rec.ExecutedAt = rec.ExecutedAt.UTC()
	return rec, nil
}
