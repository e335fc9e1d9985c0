package tasks

import (
	"errors"
	"time"

	"tributary.dev/tributary/state"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/telemetry"
)

// tableState is one partition of a materialized table, shared by every join
// in the task that reads it. Table topic records mutate it directly and
// never emit.
type tableState struct {
	spec      *streams.TableSpec
	plain     *state.TableStore
	versioned *state.VersionedStore // set instead of plain for versioned tables
}

func (t *tableState) apply(rec streams.Record) error {
	if len(rec.Key) == 0 {
		telemetry.CountDropped(telemetry.ReasonNullKey)
		return nil
	}

	if t.versioned != nil {
		err := t.versioned.Put(rec.Key, rec.Timestamp, rec.Value)
		if errors.Is(err, state.ErrHistoryExpired) {
			// The update predates everything the history can still answer
			// for; applying it could not change any join result.
			telemetry.CountDropped(telemetry.ReasonHistoryExpired)
			return nil
		}
		return err
	}

	if rec.Value == nil {
		return t.plain.Delete(rec.Key)
	}
	return t.plain.Put(rec.Key, rec.Value)
}

// current is the table's present value for key, ErrNotFound when the row is
// absent or tombstoned.
func (t *tableState) current(key []byte) ([]byte, error) {
	if t.versioned != nil {
		return t.versioned.GetLatest(key)
	}
	return t.plain.Get(key)
}

// tableJoin looks stream records up against a table. Without grace each
// record joins the table's current value on arrival. With grace the record
// waits out its grace period in the pending store and then joins the value
// the table held at the record's own timestamp.
type tableJoin struct {
	task    *Task
	node    *streams.Node
	table   *tableState
	mode    streams.JoinMode
	joiner  streams.ValueJoiner
	grace   time.Duration
	pending *state.PendingStore // set only with grace
}

func (j *tableJoin) onRecord(rec streams.Record) error {
	if len(rec.Key) == 0 {
		telemetry.CountDropped(telemetry.ReasonNullKey)
		return nil
	}
	if rec.Value == nil {
		telemetry.CountDropped(telemetry.ReasonNullValue)
		return nil
	}

	if j.pending == nil {
		return j.joinCurrent(rec)
	}

	emitAt := rec.Timestamp.Add(j.grace)
	if j.task.time.Now().After(emitAt) {
		// Already past its grace period, so buffering would never pop it.
		return j.joinAsOf(rec.Key, rec.Timestamp, rec.Value)
	}
	added, err := j.pending.Add(emitAt, state.SideLeft, rec.Key, rec.Timestamp, rec.Value)
	if err != nil {
		return err
	}
	if added {
		telemetry.DeferredAdded(j.pending.Name())
	}
	return nil
}

func (j *tableJoin) joinCurrent(rec streams.Record) error {
	tableValue, err := j.table.current(rec.Key)
	switch {
	case errors.Is(err, state.ErrNotFound):
		return j.emitAbsent(rec.Key, rec.Timestamp, rec.Value)
	case err != nil:
		return err
	}
	return j.emit(streams.Record{
		Key:       rec.Key,
		Value:     j.joiner(rec.Value, tableValue),
		Timestamp: rec.Timestamp,
		Partition: j.task.partition,
	})
}

// joinAsOf resolves a grace-buffered record against the table version that
// was current at the record's timestamp.
func (j *tableJoin) joinAsOf(key []byte, ts time.Time, value []byte) error {
	tableValue, err := j.table.versioned.GetAsOf(key, ts)
	switch {
	case errors.Is(err, state.ErrHistoryExpired):
		telemetry.CountDropped(telemetry.ReasonHistoryExpired)
		return nil
	case errors.Is(err, state.ErrNotFound):
		return j.emitAbsent(key, ts, value)
	case err != nil:
		return err
	}
	return j.emit(streams.Record{
		Key:       key,
		Value:     j.joiner(value, tableValue),
		Timestamp: ts,
		Partition: j.task.partition,
	})
}

// emitAbsent handles a missing table row: left joins emit with a nil table
// value, inner joins emit nothing.
func (j *tableJoin) emitAbsent(key []byte, ts time.Time, value []byte) error {
	if j.mode != streams.JoinLeft {
		return nil
	}
	return j.emit(streams.Record{
		Key:       key,
		Value:     j.joiner(value, nil),
		Timestamp: ts,
		Partition: j.task.partition,
	})
}

func (j *tableJoin) onTimeAdvanced(now time.Time) error {
	if j.pending == nil {
		return nil
	}
	due, err := j.pending.PopDue(now)
	if err != nil {
		return err
	}
	if len(due) > 0 {
		telemetry.DeferredRemoved(j.pending.Name(), len(due))
	}
	for _, entry := range due {
		if err := j.joinAsOf(entry.Key, entry.Timestamp, entry.Value); err != nil {
			return err
		}
	}
	return nil
}

func (j *tableJoin) emit(rec streams.Record) error {
	telemetry.CountJoinOutput(telemetry.KindTableJoin)
	return j.task.forward(j.node, rec)
}
