package domain

import (
	"fmt"
	"time"
)

// Period is the recurrence interval between DCA purchases.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Duration returns the wall-clock length of one period.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// IsValid reports whether p is a known period.
func (p Period) IsValid() bool {
	return p.Duration() != 0
}

// TimeOfDay is a UTC wall-clock time used to anchor recurring slots.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" into a TimeOfDay. The whole string must be a
// valid 24h wall-clock time; trailing text or out-of-range components are
// rejected so malformed configuration fails at startup.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q (want HH:MM): %w", s, err)
	}
	return TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant with this time-of-day on the same UTC date as ref.
func (t TimeOfDay) On(ref time.Time) time.Time {
	ref = ref.UTC()
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, 0, 0, time.UTC)
}

// ScheduleSpec is the immutable scheduling configuration loaded at startup.
type ScheduleSpec struct {
	Period            Period      // Recurrence between purchases
	Immediate         bool        // First slot at process start instead of a fixed time-of-day
	StartTime         TimeOfDay   // Anchor time-of-day (UTC); meaningful when !Immediate
	ReportTimes       []TimeOfDay // Daily report delivery times (UTC), possibly empty
	LookbackHours     int         // Report window length
	AmountUSD         float64     // Notional per purchase
	MaxTransactionUSD float64     // Hard spending ceiling per transaction
}

// ReportSummary is the aggregate over a report window plus the current
// portfolio snapshot. Building it twice from the same store content and the
// same instant yields the same summary.
type ReportSummary struct {
	WindowStart time.Time
	WindowEnd   time.Time

	TradeCount       int     // Completed trades inside the window
	FailedCount      int     // Failed attempts inside the window (reliability signal)
	TotalNotionalUSD float64 // USD spent by completed trades in the window
	TotalQuantity    float64 // Base asset acquired by completed trades in the window
	AvgFillPrice     float64 // Notional-weighted average fill price in the window

	Portfolio     PortfolioState // Snapshot at build time
	FreeUSD       float64        // Free quote balance supplied by the caller
	DaysOfFunding int            // Periods of funding left, expressed in days
}
