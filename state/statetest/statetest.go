// Package statetest has helpers shared by store engine and store layer tests.
package statetest

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/state"
)

// DumpEntries returns every entry in the store in key order.
func DumpEntries(t testing.TB, store state.Store) []state.Entry {
	t.Helper()
	var scanErr error
	entries := slices.Collect(store.ScanPrefix(nil, &scanErr))
	require.NoError(t, scanErr)
	return entries
}

// StoreSemanticsSuite asserts the ordered store contract against an engine.
func StoreSemanticsSuite(t *testing.T, store state.Store) {
	t.Run("GetMissingKey", func(t *testing.T) {
		_, err := store.Get([]byte("missing"))
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("k1"), []byte("v1")))
		value, err := store.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), value)

		require.NoError(t, store.Put([]byte("k1"), []byte("v2")))
		value, err = store.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), value, "put overwrites")
	})

	t.Run("DeleteThenGet", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("doomed"), []byte("v")))
		require.NoError(t, store.Delete([]byte("doomed")))
		_, err := store.Get([]byte("doomed"))
		assert.ErrorIs(t, err, state.ErrNotFound)

		assert.NoError(t, store.Delete([]byte("doomed")), "deleting an absent key is not an error")
	})

	t.Run("ScanPrefix", func(t *testing.T) {
		for _, key := range []string{"scan/b", "scan/a", "scan/c", "scanx"} {
			require.NoError(t, store.Put([]byte(key), []byte("v")))
		}

		var keys []string
		var scanErr error
		for entry := range store.ScanPrefix([]byte("scan/"), &scanErr) {
			keys = append(keys, string(entry.Key))
		}
		require.NoError(t, scanErr)
		assert.Equal(t, []string{"scan/a", "scan/b", "scan/c"}, keys, "ascending, prefix-scoped")
	})

	t.Run("ScanRangeHalfOpen", func(t *testing.T) {
		for _, key := range []string{"range/1", "range/2", "range/3"} {
			require.NoError(t, store.Put([]byte(key), []byte("v")))
		}

		var keys []string
		var scanErr error
		for entry := range store.ScanRange([]byte("range/1"), []byte("range/3"), &scanErr) {
			keys = append(keys, string(entry.Key))
		}
		require.NoError(t, scanErr)
		assert.Equal(t, []string{"range/1", "range/2"}, keys, "start inclusive, end exclusive")
	})

	t.Run("ScanStopsWhenCallerBreaks", func(t *testing.T) {
		for i := range 5 {
			require.NoError(t, store.Put(fmt.Appendf(nil, "break/%d", i), []byte("v")))
		}

		var count int
		var scanErr error
		for range store.ScanPrefix([]byte("break/"), &scanErr) {
			count++
			if count == 2 {
				break
			}
		}
		require.NoError(t, scanErr)
		assert.Equal(t, 2, count)
	})
}
