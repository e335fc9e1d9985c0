package streams

import (
	"fmt"
	"time"
)

// JoinWindows bounds a stream-stream join in time: a record at T matches
// records on the other side with timestamps in [T-Before, T+After], both ends
// inclusive. Grace extends how long out-of-order records are still accepted
// after a window would otherwise close.
type JoinWindows struct {
	Before time.Duration
	After  time.Duration
	Grace  time.Duration
}

// NewJoinWindows returns a symmetric window reaching difference both ways, no
// grace.
func NewJoinWindows(difference time.Duration) JoinWindows {
	return JoinWindows{Before: difference, After: difference}
}

func (w JoinWindows) WithGrace(grace time.Duration) JoinWindows {
	w.Grace = grace
	return w
}

// Span is the total window length, Before plus After.
func (w JoinWindows) Span() time.Duration {
	return w.Before + w.After
}

// Retention is how long a record stays joinable: the window span plus grace.
// Records older than stream time minus retention are late.
func (w JoinWindows) Retention() time.Duration {
	return w.Span() + w.Grace
}

func (w JoinWindows) Validate() error {
	if w.Before < 0 || w.After < 0 || w.Grace < 0 {
		return fmt.Errorf("join window durations must not be negative, got before=%s after=%s grace=%s", w.Before, w.After, w.Grace)
	}
	if w.Span() <= 0 {
		return fmt.Errorf("join window span must be positive, got before=%s after=%s", w.Before, w.After)
	}
	return nil
}
