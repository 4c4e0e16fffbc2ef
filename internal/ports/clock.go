package ports

import "time"

// Clock supplies the current time so that slot arithmetic can be tested
// without waiting on real wall-clock time.
type Clock interface {
	Now() time.Time
}

// UTCClock is the production Clock, reporting wall-clock time in UTC.
type UTCClock struct{}

func (UTCClock) Now() time.Time { return time.Now().UTC() }
