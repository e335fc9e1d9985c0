package state

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"tributary.dev/tributary/util/binu"
)

var versionedPrunedEntries = metrics.NewCounter("state_versioned_pruned_entries")

// VersionedStore keeps a bounded history of values per key so that lookups
// can ask for the value "as of" an earlier timestamp. A nil value records a
// tombstone. History older than the retention horizon is pruned; reads and
// writes below the horizon fail with ErrHistoryExpired because serving them
// would silently misjoin late data.
type VersionedStore struct {
	engine    Store
	mirror    Mirror
	name      string
	retention time.Duration
	observed  time.Time // max validFrom applied so far
}

type VersionedStoreOptions struct {
	Engine Store
	Mirror Mirror // nil discards mutations
	Name   string
	// HistoryRetention bounds how far back GetAsOf can reach relative to the
	// store's observed stream time.
	HistoryRetention time.Duration
}

func NewVersionedStore(opts VersionedStoreOptions) *VersionedStore {
	if opts.Engine == nil {
		panic("BUG versioned store requires an engine")
	}
	if opts.HistoryRetention <= 0 {
		panic(fmt.Sprintf("BUG versioned store history retention must be positive, got %s", opts.HistoryRetention))
	}
	if opts.Mirror == nil {
		opts.Mirror = NopMirror{}
	}

	return &VersionedStore{
		engine:    opts.Engine,
		mirror:    opts.Mirror,
		name:      opts.Name,
		retention: opts.HistoryRetention,
	}
}

func (s *VersionedStore) Name() string {
	return s.name
}

// HistoryFloor returns the oldest timestamp the store can still answer for,
// or the zero time before any write.
func (s *VersionedStore) HistoryFloor() time.Time {
	if s.observed.IsZero() {
		return time.Time{}
	}
	return s.observed.Add(-s.retention)
}

// Put records that key held value starting at validFrom. A nil value records
// a tombstone. Writes below the history floor are rejected with
// ErrHistoryExpired and mutate nothing.
func (s *VersionedStore) Put(key []byte, validFrom time.Time, value []byte) error {
	if !s.observed.IsZero() && validFrom.Before(s.HistoryFloor()) {
		return ErrHistoryExpired
	}

	entryKey := s.entryKey(key, validFrom)
	entryValue := encodeVersion(value)
	if err := s.mirror.Put(entryKey, entryValue); err != nil {
		return fmt.Errorf("mirroring put to %s: %w", s.name, err)
	}
	if err := s.engine.Put(entryKey, entryValue); err != nil {
		return err
	}

	if validFrom.After(s.observed) {
		s.observed = validFrom
	}
	return s.prune(key)
}

// GetAsOf returns the value key held at time asOf: the latest version with
// validFrom <= asOf. ErrNotFound means no version existed (or a tombstone
// was current); ErrHistoryExpired means asOf is below the history floor.
func (s *VersionedStore) GetAsOf(key []byte, asOf time.Time) ([]byte, error) {
	if !s.observed.IsZero() && asOf.Before(s.HistoryFloor()) {
		return nil, ErrHistoryExpired
	}

	var found bool
	var latest []byte
	var scanErr error
	prefix := s.keyPrefix(key)
	end := binu.AppendTimeBytes(slices.Clone(prefix), asOf.Add(time.Nanosecond))
	for entry := range s.engine.ScanRange(prefix, end, &scanErr) {
		found = true
		latest = entry.Value
	}
	if scanErr != nil {
		return nil, scanErr
	}

	if !found {
		return nil, ErrNotFound
	}
	value, tombstone := decodeVersion(latest)
	if tombstone {
		return nil, ErrNotFound
	}
	return value, nil
}

// GetLatest returns the newest value for key, ignoring tombstoned keys.
func (s *VersionedStore) GetLatest(key []byte) ([]byte, error) {
	var found bool
	var latest []byte
	var scanErr error
	prefix := s.keyPrefix(key)
	for entry := range s.engine.ScanPrefix(prefix, &scanErr) {
		found = true
		latest = entry.Value
	}
	if scanErr != nil {
		return nil, scanErr
	}

	if !found {
		return nil, ErrNotFound
	}
	value, tombstone := decodeVersion(latest)
	if tombstone {
		return nil, ErrNotFound
	}
	return value, nil
}

// prune drops versions of key that can no longer answer any in-horizon
// lookup: everything older than the newest version at or below the floor,
// and that version too when it is a tombstone.
func (s *VersionedStore) prune(key []byte) error {
	floor := s.HistoryFloor()
	// A floor at or before the epoch encodes to a wrapped scan bound and can
	// never cover a stored version anyway.
	if !floor.After(time.Unix(0, 0)) {
		return nil
	}

	var belowFloor []Entry
	var scanErr error
	prefix := s.keyPrefix(key)
	end := binu.AppendTimeBytes(slices.Clone(prefix), floor.Add(time.Nanosecond))
	for entry := range s.engine.ScanRange(prefix, end, &scanErr) {
		belowFloor = append(belowFloor, entry)
	}
	if scanErr != nil {
		return scanErr
	}
	if len(belowFloor) == 0 {
		return nil
	}

	doomed := belowFloor[:len(belowFloor)-1]
	if _, tombstone := decodeVersion(belowFloor[len(belowFloor)-1].Value); tombstone {
		doomed = belowFloor
	}

	for _, entry := range doomed {
		if err := s.mirror.Delete(entry.Key); err != nil {
			return fmt.Errorf("mirroring prune of %s: %w", s.name, err)
		}
		if err := s.engine.Delete(entry.Key); err != nil {
			return err
		}
	}
	versionedPrunedEntries.Add(len(doomed))
	return nil
}

func (s *VersionedStore) RestorePut(key, value []byte) error {
	if len(key) >= 12 {
		validFrom := binu.TimeFromBytes(key[len(key)-8:])
		if validFrom.After(s.observed) {
			s.observed = validFrom
		}
	}
	return s.engine.Put(key, value)
}

func (s *VersionedStore) RestoreDelete(key []byte) error {
	return s.engine.Delete(key)
}

// Entry keys are laid out as keyLen(4) key validFrom(8). The key length
// disambiguates keys that are prefixes of each other.
func (s *VersionedStore) entryKey(key []byte, validFrom time.Time) []byte {
	return binu.AppendTimeBytes(s.keyPrefix(key), validFrom)
}

func (s *VersionedStore) keyPrefix(key []byte) []byte {
	buf := make([]byte, 0, 4+len(key)+8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	return buf
}

// Version values carry a tombstone marker byte ahead of the value bytes.
func encodeVersion(value []byte) []byte {
	if value == nil {
		return []byte{1}
	}
	buf := make([]byte, 0, 1+len(value))
	buf = append(buf, 0)
	return append(buf, value...)
}

func decodeVersion(encoded []byte) (value []byte, tombstone bool) {
	if len(encoded) == 0 || encoded[0] == 1 {
		return nil, true
	}
	return encoded[1:], false
}

var _ Restorer = (*VersionedStore)(nil)
