package state

import (
	"errors"
	"fmt"
	"time"

	"tributary.dev/tributary/util/binu"
)

// Side tags which join input a pending entry belongs to.
type Side uint8

const (
	SideLeft  Side = 1
	SideRight Side = 2
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// PendingStore holds deferred work indexed by the stream time at which it
// becomes due: unmatched join records awaiting their non-match emission and
// grace-buffered table lookups. An entry doubles as the deduplication marker
// for its emission: removing it on a match guarantees the deferred output
// never fires. Entries at the same (emitAt, side, key) collapse into one.
type PendingStore struct {
	engine Store
	mirror Mirror
	name   string
}

type PendingStoreOptions struct {
	Engine Store
	Mirror Mirror // nil discards mutations
	Name   string
}

func NewPendingStore(opts PendingStoreOptions) *PendingStore {
	if opts.Engine == nil {
		panic("BUG pending store requires an engine")
	}
	if opts.Mirror == nil {
		opts.Mirror = NopMirror{}
	}
	return &PendingStore{engine: opts.Engine, mirror: opts.Mirror, name: opts.Name}
}

func (s *PendingStore) Name() string {
	return s.name
}

// PendingEntry is one deferred record together with when it becomes due.
type PendingEntry struct {
	EmitAt    time.Time
	Side      Side
	Key       []byte
	Timestamp time.Time // the buffered record's own timestamp
	Value     []byte
}

// Add buffers a record until stream time passes emitAt. It reports whether a
// new entry was created; false means an identical (emitAt, side, key) entry
// already existed and was overwritten.
func (s *PendingStore) Add(emitAt time.Time, side Side, key []byte, ts time.Time, value []byte) (added bool, err error) {
	entryKey := pendingKey(emitAt, side, key)
	entryValue := binu.AppendTimeBytes(make([]byte, 0, 8+len(value)), ts)
	entryValue = append(entryValue, value...)

	_, err = s.engine.Get(entryKey)
	switch {
	case errors.Is(err, ErrNotFound):
		added = true
	case err != nil:
		return false, err
	}

	if err := s.mirror.Put(entryKey, entryValue); err != nil {
		return false, fmt.Errorf("mirroring put to %s: %w", s.name, err)
	}
	return added, s.engine.Put(entryKey, entryValue)
}

// Remove deletes the entry for (emitAt, side, key), marking its deferred
// emission as no longer owed. It reports whether an entry existed; removing
// an absent entry is not an error.
func (s *PendingStore) Remove(emitAt time.Time, side Side, key []byte) (removed bool, err error) {
	entryKey := pendingKey(emitAt, side, key)
	_, err = s.engine.Get(entryKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.mirror.Delete(entryKey); err != nil {
		return false, fmt.Errorf("mirroring delete to %s: %w", s.name, err)
	}
	return true, s.engine.Delete(entryKey)
}

// PopDue removes and returns entries strictly due before streamTime in
// ascending emitAt order. Strict comparison keeps a record arriving exactly
// at the window close matched rather than emitted as a non-match.
func (s *PendingStore) PopDue(streamTime time.Time) ([]PendingEntry, error) {
	var due []PendingEntry
	var scanErr error
	end := binu.AppendTimeBytes(nil, streamTime)
	for entry := range s.engine.ScanRange(nil, end, &scanErr) {
		due = append(due, PendingEntry{
			EmitAt:    binu.TimeFromBytes(entry.Key[:8]),
			Side:      Side(entry.Key[8]),
			Key:       entry.Key[9:],
			Timestamp: binu.TimeFromBytes(entry.Value[:8]),
			Value:     entry.Value[8:],
		})
	}
	if scanErr != nil {
		return nil, scanErr
	}

	for _, entry := range due {
		if _, err := s.Remove(entry.EmitAt, entry.Side, entry.Key); err != nil {
			return nil, err
		}
	}
	return due, nil
}

func (s *PendingStore) IsEmpty() (bool, error) {
	var scanErr error
	for range s.engine.ScanPrefix(nil, &scanErr) {
		return false, scanErr
	}
	return true, scanErr
}

// Count scans the whole store. It exists for gauge resets after a restore,
// not for per-record bookkeeping.
func (s *PendingStore) Count() (int, error) {
	var n int
	var scanErr error
	for range s.engine.ScanPrefix(nil, &scanErr) {
		n++
	}
	return n, scanErr
}

func (s *PendingStore) RestorePut(key, value []byte) error {
	return s.engine.Put(key, value)
}

func (s *PendingStore) RestoreDelete(key []byte) error {
	return s.engine.Delete(key)
}

// Entry keys are laid out as emitAt(8) side(1) key so that due entries are a
// single range scan from the start of the keyspace.
func pendingKey(emitAt time.Time, side Side, key []byte) []byte {
	buf := make([]byte, 0, 9+len(key))
	buf = binu.AppendTimeBytes(buf, emitAt)
	buf = append(buf, byte(side))
	return append(buf, key...)
}

var _ Restorer = (*PendingStore)(nil)
