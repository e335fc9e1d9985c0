// Package state has the stores behind joins: a windowed store for
// stream-stream matching, a versioned store for as-of table lookups, a plain
// table store, and a time-indexed pending store for deferred emission. Each
// store layers key encoding and retention rules over an abstract ordered byte
// store so that the persistence engine stays interchangeable.
//
// Record timestamps must be at or after the unix epoch: encoded keys sort
// unsigned.
package state

import (
	"errors"
	"iter"
)

// Store is the ordered byte store consumed by the stores in this package.
// Engines live in state/memory (btree) and state/pebbledb (pebble).
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// ScanPrefix yields entries whose key starts with prefix in ascending key
	// order. A scan failure is assigned to errOut after the loop ends.
	ScanPrefix(prefix []byte, errOut *error) iter.Seq[Entry]
	// ScanRange yields entries with start <= key < end in ascending key order.
	ScanRange(start, end []byte, errOut *error) iter.Seq[Entry]
	Close() error
}

// Entry is one key-value pair yielded by a scan.
type Entry struct {
	Key   []byte
	Value []byte
}

var ErrNotFound = errors.New("NotFound")

// ErrHistoryExpired marks a read or write below a versioned store's history
// retention floor. Callers drop the record rather than misjoin it.
var ErrHistoryExpired = errors.New("history expired")

// Mirror receives every semantic store mutation before it is applied locally.
// The changelog writer implements this; recovery replays what it captured.
type Mirror interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// NopMirror discards mutations. Used for stores rebuilt from their source
// stream instead of a changelog, such as global tables.
type NopMirror struct{}

func (NopMirror) Put(key, value []byte) error { return nil }
func (NopMirror) Delete(key []byte) error     { return nil }

var _ Mirror = NopMirror{}

// Restorer applies raw changelog entries during recovery. Implementations
// update their internal counters from the replayed keys but never mirror.
type Restorer interface {
	RestorePut(key, value []byte) error
	RestoreDelete(key []byte) error
}
