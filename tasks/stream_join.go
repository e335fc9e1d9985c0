package tasks

import (
	"time"

	"tributary.dev/tributary/state"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/telemetry"
)

// streamJoin matches two windowed streams. Each record lands in its own
// side's windowed store and scans the other side for partners; what found no
// partner waits in the pending store until stream time closes its window,
// then emits as a non-match if still unclaimed.
type streamJoin struct {
	task    *Task
	node    *streams.Node
	windows streams.JoinWindows
	mode    streams.JoinMode
	joiner  streams.ValueJoiner
	left    *state.WindowedStore
	right   *state.WindowedStore
	pending *state.PendingStore // nil for inner joins
}

func (j *streamJoin) onRecord(side state.Side, rec streams.Record) error {
	if len(rec.Key) == 0 {
		telemetry.CountDropped(telemetry.ReasonNullKey)
		return nil
	}
	if rec.Value == nil {
		telemetry.CountDropped(telemetry.ReasonNullValue)
		return nil
	}
	if j.task.time.IsLate(rec.Timestamp, j.windows.Retention()) {
		telemetry.CountDropped(telemetry.ReasonLate)
		return nil
	}

	own, other := j.left, j.right
	if side == state.SideRight {
		own, other = j.right, j.left
	}
	if err := own.Put(rec.Key, rec.Timestamp, rec.Value); err != nil {
		return err
	}

	// A left record at T matches right records in [T-Before, T+After]; seen
	// from the right side the window mirrors.
	from := rec.Timestamp.Add(-j.windows.Before)
	to := rec.Timestamp.Add(j.windows.After)
	if side == state.SideRight {
		from = rec.Timestamp.Add(-j.windows.After)
		to = rec.Timestamp.Add(j.windows.Before)
	}

	matched := false
	var scanErr error
	for tv := range other.Fetch(rec.Key, from, to, &scanErr) {
		matched = true
		if err := j.claimMatch(otherSide(side), rec.Key, tv.Timestamp); err != nil {
			return err
		}

		outTs := rec.Timestamp
		if tv.Timestamp.After(outTs) {
			outTs = tv.Timestamp
		}
		leftValue, rightValue := rec.Value, tv.Value
		if side == state.SideRight {
			leftValue, rightValue = tv.Value, rec.Value
		}
		if err := j.emit(streams.Record{
			Key:       rec.Key,
			Value:     j.joiner(leftValue, rightValue),
			Timestamp: outTs,
			Partition: rec.Partition,
		}); err != nil {
			return err
		}
	}
	if scanErr != nil {
		return scanErr
	}

	if !matched && j.defers(side) {
		added, err := j.pending.Add(j.closeTime(side, rec.Timestamp), side, rec.Key, rec.Timestamp, rec.Value)
		if err != nil {
			return err
		}
		if added {
			telemetry.DeferredAdded(j.pending.Name())
		}
	}
	return nil
}

// claimMatch cancels the deferred non-match owed to an other-side record
// that just found its partner.
func (j *streamJoin) claimMatch(side state.Side, key []byte, ts time.Time) error {
	if j.pending == nil || !j.defers(side) {
		return nil
	}
	removed, err := j.pending.Remove(j.closeTime(side, ts), side, key)
	if err != nil {
		return err
	}
	if removed {
		telemetry.DeferredRemoved(j.pending.Name(), 1)
	}
	return nil
}

// onTimeAdvanced emits every deferred record whose window has now closed and
// expires windowed segments past retention.
func (j *streamJoin) onTimeAdvanced(now time.Time) error {
	if j.pending != nil {
		due, err := j.pending.PopDue(now)
		if err != nil {
			return err
		}
		if len(due) > 0 {
			telemetry.DeferredRemoved(j.pending.Name(), len(due))
		}
		for _, entry := range due {
			var value []byte
			if entry.Side == state.SideLeft {
				value = j.joiner(entry.Value, nil)
			} else {
				value = j.joiner(nil, entry.Value)
			}
			err := j.emit(streams.Record{
				Key:       entry.Key,
				Value:     value,
				Timestamp: entry.Timestamp,
				Partition: j.task.partition,
			})
			if err != nil {
				return err
			}
		}
	}

	oldestKept := now.Add(-j.windows.Retention())
	if _, err := j.left.Expire(oldestKept); err != nil {
		return err
	}
	_, err := j.right.Expire(oldestKept)
	return err
}

// closeTime is when a record's window is fully closed: no record of the
// other side arriving within grace can match it anymore.
func (j *streamJoin) closeTime(side state.Side, ts time.Time) time.Time {
	if side == state.SideLeft {
		return ts.Add(j.windows.After + j.windows.Grace)
	}
	return ts.Add(j.windows.Before + j.windows.Grace)
}

// defers reports whether an unmatched record of this side owes a deferred
// emission under the join mode.
func (j *streamJoin) defers(side state.Side) bool {
	switch j.mode {
	case streams.JoinLeft:
		return side == state.SideLeft
	case streams.JoinOuter:
		return true
	default:
		return false
	}
}

func (j *streamJoin) emit(rec streams.Record) error {
	telemetry.CountJoinOutput(telemetry.KindStreamJoin)
	return j.task.forward(j.node, rec)
}

func otherSide(side state.Side) state.Side {
	if side == state.SideLeft {
		return state.SideRight
	}
	return state.SideLeft
}
