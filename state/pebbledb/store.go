// Package pebbledb has the on-disk ordered store engine backed by pebble.
// Durability comes from the changelog, not from the engine, so writes use
// pebble's NoSync mode.
package pebbledb

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/cockroachdb/pebble"
	"tributary.dev/tributary/state"
)

type Store struct {
	db *pebble.DB
}

type StoreOptions struct {
	Path         string
	CacheSize    int64
	MaxOpenFiles int
}

func NewStore(opts StoreOptions) (*Store, error) {
	pebbleOpts := &pebble.Options{}
	if opts.CacheSize > 0 {
		pebbleOpts.Cache = pebble.NewCache(opts.CacheSize)
	}
	if opts.MaxOpenFiles > 0 {
		pebbleOpts.MaxOpenFiles = opts.MaxOpenFiles
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := pebble.Open(opts.Path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble store at %s: %w", opts.Path, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, state.ErrNotFound
		}
		return nil, err
	}

	// The value is only valid until the closer releases it.
	ret := slices.Clone(value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) Put(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

func (s *Store) ScanPrefix(prefix []byte, errOut *error) iter.Seq[state.Entry] {
	return s.scan(prefix, prefixUpperBound(prefix), errOut)
}

func (s *Store) ScanRange(start, end []byte, errOut *error) iter.Seq[state.Entry] {
	return s.scan(start, end, errOut)
}

func (s *Store) scan(lower, upper []byte, errOut *error) iter.Seq[state.Entry] {
	return func(yield func(state.Entry) bool) {
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: upper,
		})
		if err != nil {
			*errOut = err
			return
		}
		defer func() {
			if err := it.Close(); err != nil && *errOut == nil {
				*errOut = err
			}
		}()

		for it.First(); it.Valid(); it.Next() {
			entry := state.Entry{
				Key:   slices.Clone(it.Key()),
				Value: slices.Clone(it.Value()),
			}
			if !yield(entry) {
				return
			}
		}
		if err := it.Error(); err != nil {
			*errOut = err
		}
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := slices.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

var _ state.Store = (*Store)(nil)
