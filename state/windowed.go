package state

import (
	"encoding/binary"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"tributary.dev/tributary/util/binu"
)

var windowedExpiredEntries = metrics.NewCounter("state_windowed_expired_entries")

// WindowedStore keeps (key, timestamp) entries for stream-stream join
// matching. Entries are append-only: records with the same key and timestamp
// get distinct sequence numbers. Keys are laid out segment-first so that
// expiry drops whole time segments once stream time moves past retention.
//
// Timestamps must be at or after the unix epoch.
type WindowedStore struct {
	engine          Store
	mirror          Mirror
	name            string
	retention       time.Duration
	segmentInterval time.Duration
	seq             uint32
}

type WindowedStoreOptions struct {
	Engine    Store
	Mirror    Mirror // nil discards mutations
	Name      string
	Retention time.Duration
	// SegmentInterval defaults to half the retention.
	SegmentInterval time.Duration
}

func NewWindowedStore(opts WindowedStoreOptions) *WindowedStore {
	if opts.Engine == nil {
		panic("BUG windowed store requires an engine")
	}
	if opts.Retention <= 0 {
		panic(fmt.Sprintf("BUG windowed store retention must be positive, got %s", opts.Retention))
	}
	if opts.Mirror == nil {
		opts.Mirror = NopMirror{}
	}
	if opts.SegmentInterval <= 0 {
		opts.SegmentInterval = max(opts.Retention/2, time.Millisecond)
	}

	return &WindowedStore{
		engine:          opts.Engine,
		mirror:          opts.Mirror,
		name:            opts.Name,
		retention:       opts.Retention,
		segmentInterval: opts.SegmentInterval,
	}
}

func (s *WindowedStore) Name() string {
	return s.name
}

func (s *WindowedStore) Retention() time.Duration {
	return s.retention
}

// Put appends a value for (key, ts). The mutation reaches the mirror before
// the local engine.
func (s *WindowedStore) Put(key []byte, ts time.Time, value []byte) error {
	entryKey := s.entryKey(key, ts, s.seq)
	if err := s.mirror.Put(entryKey, value); err != nil {
		return fmt.Errorf("mirroring put to %s: %w", s.name, err)
	}
	if err := s.engine.Put(entryKey, value); err != nil {
		return err
	}
	s.seq++
	return nil
}

// TimestampedValue is one windowed entry returned by Fetch.
type TimestampedValue struct {
	Timestamp time.Time
	Value     []byte
}

// Fetch yields values stored for key with from <= timestamp <= to in
// ascending timestamp order. A scan failure is assigned to errOut after the
// loop ends.
func (s *WindowedStore) Fetch(key []byte, from, to time.Time, errOut *error) iter.Seq[TimestampedValue] {
	return func(yield func(TimestampedValue) bool) {
		if to.Before(from) {
			return
		}
		if from.Before(time.Unix(0, 0)) {
			from = time.Unix(0, 0)
		}

		tsOffset := 12 + len(key)
		for seg := s.segmentStart(from); seg <= s.segmentStart(to); seg += s.segmentInterval.Nanoseconds() {
			prefix := s.keyPrefix(seg, key)
			start := binu.AppendTimeBytes(slices.Clone(prefix), from)
			end := binu.AppendTimeBytes(prefix, to.Add(time.Nanosecond))

			for entry := range s.engine.ScanRange(start, end, errOut) {
				value := TimestampedValue{
					Timestamp: binu.TimeFromBytes(entry.Key[tsOffset : tsOffset+8]),
					Value:     entry.Value,
				}
				if !yield(value) {
					return
				}
			}
			if *errOut != nil {
				return
			}
		}
	}
}

// Expire removes every segment that ends at or before oldestKept and returns
// the number of removed entries. Expiry mutations are mirrored like any
// other.
func (s *WindowedStore) Expire(oldestKept time.Time) (int, error) {
	var scanErr error
	var doomed [][]byte
	for entry := range s.engine.ScanPrefix(nil, &scanErr) {
		segStart := int64(binary.BigEndian.Uint64(entry.Key[:8]))
		if segStart+s.segmentInterval.Nanoseconds() > oldestKept.UnixNano() {
			break
		}
		doomed = append(doomed, entry.Key)
	}
	if scanErr != nil {
		return 0, scanErr
	}

	for _, key := range doomed {
		if err := s.mirror.Delete(key); err != nil {
			return 0, fmt.Errorf("mirroring expiry of %s: %w", s.name, err)
		}
		if err := s.engine.Delete(key); err != nil {
			return 0, err
		}
	}

	windowedExpiredEntries.Add(len(doomed))
	return len(doomed), nil
}

func (s *WindowedStore) RestorePut(key, value []byte) error {
	if len(key) >= 24 {
		if seq := binary.BigEndian.Uint32(key[len(key)-4:]); seq >= s.seq {
			s.seq = seq + 1
		}
	}
	return s.engine.Put(key, value)
}

func (s *WindowedStore) RestoreDelete(key []byte) error {
	return s.engine.Delete(key)
}

func (s *WindowedStore) segmentStart(ts time.Time) int64 {
	interval := s.segmentInterval.Nanoseconds()
	return ts.UnixNano() / interval * interval
}

// Entry keys are laid out as segment(8) keyLen(4) key ts(8) seq(4). The key
// length disambiguates keys that are prefixes of each other.
func (s *WindowedStore) entryKey(key []byte, ts time.Time, seq uint32) []byte {
	buf := s.keyPrefix(s.segmentStart(ts), key)
	buf = binu.AppendTimeBytes(buf, ts)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	return buf
}

func (s *WindowedStore) keyPrefix(segStart int64, key []byte) []byte {
	buf := make([]byte, 0, 12+len(key)+8)
	buf = binary.BigEndian.AppendUint64(buf, uint64(segStart))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	return buf
}

var _ Restorer = (*WindowedStore)(nil)
