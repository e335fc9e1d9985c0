package state_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/state"
	"tributary.dev/tributary/state/memory"
)

func newPendingStore(t *testing.T) *state.PendingStore {
	t.Helper()
	return state.NewPendingStore(state.PendingStoreOptions{
		Engine: memory.NewStore(),
		Name:   "join-pending",
	})
}

func addEntry(t *testing.T, store *state.PendingStore, emitAt time.Time, side state.Side, key []byte, ts time.Time, value []byte) bool {
	t.Helper()
	added, err := store.Add(emitAt, side, key, ts, value)
	require.NoError(t, err)
	return added
}

func TestPendingStore_PopDueIsStrict(t *testing.T) {
	store := newPendingStore(t)
	addEntry(t, store, time.UnixMilli(110), state.SideLeft, []byte("k1"), time.UnixMilli(100), []byte("a"))
	addEntry(t, store, time.UnixMilli(120), state.SideLeft, []byte("k2"), time.UnixMilli(110), []byte("b"))

	due, err := store.PopDue(time.UnixMilli(110))
	require.NoError(t, err)
	assert.Empty(t, due, "an entry due exactly at stream time stays buffered")

	due, err = store.PopDue(time.UnixMilli(111))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []byte("k1"), due[0].Key)
	assert.Equal(t, []byte("a"), due[0].Value)
	assert.Equal(t, time.UnixMilli(100), due[0].Timestamp)
	assert.Equal(t, time.UnixMilli(110), due[0].EmitAt)
	assert.Equal(t, state.SideLeft, due[0].Side)

	due, err = store.PopDue(time.UnixMilli(111))
	require.NoError(t, err)
	assert.Empty(t, due, "popped entries are gone")
}

func TestPendingStore_PopDueOrdersByDueTime(t *testing.T) {
	store := newPendingStore(t)
	addEntry(t, store, time.UnixMilli(130), state.SideRight, []byte("k3"), time.UnixMilli(120), []byte("c"))
	addEntry(t, store, time.UnixMilli(110), state.SideLeft, []byte("k1"), time.UnixMilli(100), []byte("a"))
	addEntry(t, store, time.UnixMilli(120), state.SideLeft, []byte("k2"), time.UnixMilli(110), []byte("b"))

	due, err := store.PopDue(time.UnixMilli(200))
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, []byte("k1"), due[0].Key)
	assert.Equal(t, []byte("k2"), due[1].Key)
	assert.Equal(t, []byte("k3"), due[2].Key)

	empty, err := store.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestPendingStore_RemoveCancelsEmission(t *testing.T) {
	store := newPendingStore(t)
	addEntry(t, store, time.UnixMilli(110), state.SideLeft, []byte("k1"), time.UnixMilli(100), []byte("a"))

	removed, err := store.Remove(time.UnixMilli(110), state.SideLeft, []byte("k1"))
	require.NoError(t, err)
	assert.True(t, removed)

	due, err := store.PopDue(time.UnixMilli(200))
	require.NoError(t, err)
	assert.Empty(t, due, "a removed entry never comes due")

	removed, err = store.Remove(time.UnixMilli(110), state.SideLeft, []byte("k1"))
	require.NoError(t, err, "removing an absent entry is not an error")
	assert.False(t, removed)
}

func TestPendingStore_DuplicatesCollapse(t *testing.T) {
	store := newPendingStore(t)
	assert.True(t, addEntry(t, store, time.UnixMilli(110), state.SideLeft, []byte("k1"), time.UnixMilli(100), []byte("first")))
	assert.False(t, addEntry(t, store, time.UnixMilli(110), state.SideLeft, []byte("k1"), time.UnixMilli(100), []byte("second")),
		"identical (emitAt, side, key) entries collapse")

	due, err := store.PopDue(time.UnixMilli(200))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []byte("second"), due[0].Value)
}

func TestPendingStore_SidesAreDistinct(t *testing.T) {
	store := newPendingStore(t)
	addEntry(t, store, time.UnixMilli(110), state.SideLeft, []byte("k1"), time.UnixMilli(100), []byte("left"))
	addEntry(t, store, time.UnixMilli(110), state.SideRight, []byte("k1"), time.UnixMilli(100), []byte("right"))

	due, err := store.PopDue(time.UnixMilli(200))
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, state.SideLeft, due[0].Side)
	assert.Equal(t, state.SideRight, due[1].Side)
}
