// Package memory has the in-memory ordered store engine backed by a btree.
package memory

import (
	"bytes"
	"iter"
	"slices"

	"github.com/google/btree"
	"tributary.dev/tributary/state"
)

type Store struct {
	tree *btree.BTreeG[state.Entry]
}

func NewStore() *Store {
	return &Store{
		tree: btree.NewG(32, func(a, b state.Entry) bool {
			return bytes.Compare(a.Key, b.Key) == -1 // before
		}),
	}
}

func (s *Store) Get(key []byte) ([]byte, error) {
	entry, ok := s.tree.Get(state.Entry{Key: key})
	if !ok {
		return nil, state.ErrNotFound
	}
	return entry.Value, nil
}

// Put copies key and value so callers may reuse their buffers.
func (s *Store) Put(key, value []byte) error {
	s.tree.ReplaceOrInsert(state.Entry{
		Key:   slices.Clone(key),
		Value: slices.Clone(value),
	})
	return nil
}

func (s *Store) Delete(key []byte) error {
	s.tree.Delete(state.Entry{Key: key})
	return nil
}

func (s *Store) ScanPrefix(prefix []byte, errOut *error) iter.Seq[state.Entry] {
	return func(yield func(state.Entry) bool) {
		s.tree.AscendGreaterOrEqual(state.Entry{Key: prefix}, func(entry state.Entry) bool {
			if !bytes.HasPrefix(entry.Key, prefix) {
				return false
			}
			return yield(entry)
		})
	}
}

func (s *Store) ScanRange(start, end []byte, errOut *error) iter.Seq[state.Entry] {
	return func(yield func(state.Entry) bool) {
		s.tree.AscendRange(state.Entry{Key: start}, state.Entry{Key: end}, func(entry state.Entry) bool {
			return yield(entry)
		})
	}
}

func (s *Store) Close() error {
	s.tree.Clear(false)
	return nil
}

var _ state.Store = (*Store)(nil)
