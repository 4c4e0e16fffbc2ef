// Package schedule computes when trade and report slots come due. All
// functions are pure: current time and previously fired slots are passed in
// explicitly, so the arithmetic is testable without real clocks.
package schedule

import (
	"time"

	"dcabot/internal/domain"
)

// SlotClock tracks the last fired trade slot and the last delivery time per
// report entry. It is derived state: reconstructed at startup from the trade
// store, never persisted on its own.
type SlotClock struct {
	LastTradeSlot *time.Time
	LastReportAt  map[string]time.Time // keyed by TimeOfDay.String()
}

// NewSlotClock returns an empty slot clock.
func NewSlotClock() *SlotClock {
	return &SlotClock{LastReportAt: make(map[string]time.Time)}
}

// MarkTradeFired records that the given trade slot reached a terminal record.
func (c *SlotClock) MarkTradeFired(slot time.Time) {
	s := slot
	c.LastTradeSlot = &s
}

// MarkReportSent records that the report anchored at tod was delivered.
func (c *SlotClock) MarkReportSent(tod domain.TimeOfDay, at time.Time) {
	c.LastReportAt[tod.String()] = at
}

// Anchor returns the recurrence anchor for the spec: process start when the
// schedule is immediate, otherwise the configured time-of-day on the process
// start date.
func Anchor(spec domain.ScheduleSpec, processStart time.Time) time.Time {
	if spec.Immediate {
		return processStart.UTC().Truncate(time.Second)
	}
	return spec.StartTime.On(processStart)
}

// NextTradeSlot returns the most recent due trade slot that has not fired
// yet. Due slots are spaced spec.Period.Duration() apart, aligned to anchor.
// When the process was down across several due slots only the latest one is
// returned; missed reports how many older slots were skipped so callers can
// log them. due is false while the next slot is still in the future.
func NextTradeSlot(spec domain.ScheduleSpec, anchor time.Time, lastFired *time.Time, now time.Time) (slot time.Time, due bool, missed int) {
	d := spec.Period.Duration()
	if d == 0 || now.Before(anchor) {
		return time.Time{}, false, 0
	}

	elapsed := now.Sub(anchor)
	slot = anchor.Add(elapsed / d * d)

	if lastFired != nil {
		if !slot.After(*lastFired) {
			return time.Time{}, false, 0
		}
		missed = int(slot.Sub(*lastFired)/d) - 1
	} else {
		missed = int(elapsed / d)
	}
	if missed < 0 {
		missed = 0
	}
	return slot, true, missed
}

// NextReportSlot returns the most recent due report slot for a daily report
// anchored at tod. lastSent is the zero time when the report was never sent.
// Like trade slots, a backlog of missed reports collapses to the single most
// recent occurrence.
func NextReportSlot(tod domain.TimeOfDay, lastSent time.Time, now time.Time) (slot time.Time, due bool) {
	occ := tod.On(now)
	if occ.After(now) {
		occ = occ.Add(-24 * time.Hour)
	}
	if !lastSent.IsZero() && !occ.After(lastSent) {
		return time.Time{}, false
	}
	return occ, true
}
