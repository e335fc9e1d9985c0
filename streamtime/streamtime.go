// Package streamtime tracks a task's event-time clock. Stream time is the
// maximum record timestamp the task has observed and never moves backward;
// window closure and lateness are decided against it, not against the wall
// clock.
package streamtime

import "time"

// A Tracker keeps the stream time for one task. The zero value starts before
// any record, so nothing is late until a first record arrives.
type Tracker struct {
	maxTimestamp time.Time
}

// Observe advances stream time to ts when ts is later than every timestamp
// seen so far. It reports whether stream time advanced, the signal to inspect
// time-indexed pending work. Processors observe a record before testing it
// for lateness so a record is never late against itself.
func (t *Tracker) Observe(ts time.Time) (advanced bool) {
	if ts.After(t.maxTimestamp) {
		t.maxTimestamp = ts
		return true
	}
	return false
}

// Now returns the current stream time.
func (t *Tracker) Now() time.Time {
	return t.maxTimestamp
}

// IsLate reports whether a record timestamp falls below the retention floor,
// stream time minus retention. Late records are dropped without store
// mutations or output.
func (t *Tracker) IsLate(ts time.Time, retention time.Duration) bool {
	return ts.Before(t.maxTimestamp.Add(-retention))
}
