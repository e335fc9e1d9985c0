package changelog_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/changelog"
	"tributary.dev/tributary/state"
	"tributary.dev/tributary/state/memory"
	"tributary.dev/tributary/state/statetest"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/util/iteru"
)

func TestReplay(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	log := changelog.NewLog(changelog.LogOptions{
		FileSystem: fs,
		Topic:      changelog.TopicName("app", "left-window"),
	})

	require.NoError(t, log.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, log.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, log.Delete([]byte("k1")))
	require.NoError(t, log.Put([]byte("k3"), []byte("v3")))

	doc, err := log.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), doc.LastSeq)

	replayed := &recordingRestorer{}
	require.NoError(t, changelog.Replay(fs, doc, replayed))
	assert.Equal(t, []string{"put k1=v1", "put k2=v2", "delete k1", "put k3=v3"}, replayed.ops)
}

func TestReplayEmptyLog(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	log := changelog.NewLog(changelog.LogOptions{FileSystem: fs, Topic: "empty-changelog"})

	doc, err := log.Checkpoint()
	require.NoError(t, err)
	assert.Empty(t, doc.Segments)

	replayed := &recordingRestorer{}
	require.NoError(t, changelog.Replay(fs, doc, replayed))
	assert.Empty(t, replayed.ops)
}

func TestRotateBySize(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	// Use a small size limit that will be hit after a few entries
	log := changelog.NewLog(changelog.LogOptions{
		FileSystem:     fs,
		Topic:          "small-changelog",
		MaxSegmentSize: 30,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, log.Put([]byte{byte(i)}, []byte("value")))
	}

	doc, err := log.Checkpoint()
	require.NoError(t, err)
	assert.Greater(t, len(doc.Segments), 1, "expected rotation to produce multiple segments")

	replayed := &recordingRestorer{}
	require.NoError(t, changelog.Replay(fs, doc, replayed))
	assert.Len(t, replayed.ops, 10, "rotation must not lose or duplicate frames")
}

func TestResumeLogContinuesSequence(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	opts := changelog.LogOptions{FileSystem: fs, Topic: "resumed-changelog"}

	log := changelog.NewLog(opts)
	require.NoError(t, log.Put([]byte("k1"), []byte("v1")))
	firstDoc, err := log.Checkpoint()
	require.NoError(t, err)

	// A recovered task resumes the log from the manifest document.
	resumed := changelog.ResumeLog(opts, firstDoc)
	require.NoError(t, resumed.Put([]byte("k2"), []byte("v2")))
	secondDoc, err := resumed.Checkpoint()
	require.NoError(t, err)

	assert.Equal(t, uint64(2), secondDoc.LastSeq)
	assert.Subset(t, secondDoc.Segments, firstDoc.Segments, "resumed log keeps earlier segments")

	replayed := &recordingRestorer{}
	require.NoError(t, changelog.Replay(fs, secondDoc, replayed))
	assert.Equal(t, []string{"put k1=v1", "put k2=v2"}, replayed.ops)
}

func TestReplayDetectsSeqGap(t *testing.T) {
	fs := storage.NewMemoryFilesystem()

	w := changelog.NewWriter(fs, "gap-changelog", 0, 1024)
	w.Put([]byte("k1"), []byte("v1"), 1)
	w.Put([]byte("k2"), []byte("v2"), 3) // seq 2 is missing
	require.NoError(t, w.Save())

	doc := changelog.StoreDocument{Segments: []string{w.Handle().URI()}, LastSeq: 3}
	err := changelog.Replay(fs, doc, &recordingRestorer{})
	assert.ErrorIs(t, err, changelog.ErrCorruptSegment)
}

func TestReplayDetectsGapBetweenSegments(t *testing.T) {
	fs := storage.NewMemoryFilesystem()

	first := changelog.NewWriter(fs, "split-changelog", 0, 1024)
	first.Put([]byte("k1"), []byte("v1"), 1)
	first.Put([]byte("k2"), []byte("v2"), 2)
	require.NoError(t, first.Save())

	second := changelog.NewWriter(fs, "split-changelog", 1, 1024)
	second.Put([]byte("k3"), []byte("v3"), 4) // seq 3 is missing
	require.NoError(t, second.Save())

	doc := changelog.StoreDocument{
		Segments: []string{first.Handle().URI(), second.Handle().URI()},
		LastSeq:  4,
	}
	err := changelog.Replay(fs, doc, &recordingRestorer{})
	assert.ErrorIs(t, err, changelog.ErrCorruptSegment)
}

func TestReplayDetectsTruncatedSegment(t *testing.T) {
	fs := storage.NewMemoryFilesystem()

	w := changelog.NewWriter(fs, "whole-changelog", 0, 1024)
	w.Put([]byte("k1"), []byte("v1"), 1)
	w.Put([]byte("k2"), []byte("v2"), 2)
	require.NoError(t, w.Save())

	// Rewrite the segment with its final bytes cut off.
	data, err := storage.ReadAll(fs.Open(w.Handle().URI()))
	require.NoError(t, err)
	truncated := fs.New("cut-changelog/000000.seg")
	_, err = truncated.Write(data[:len(data)-3])
	require.NoError(t, err)
	require.NoError(t, truncated.Save())

	doc := changelog.StoreDocument{Segments: []string{truncated.URI()}, LastSeq: 2}
	err = changelog.Replay(fs, doc, &recordingRestorer{})
	assert.ErrorIs(t, err, changelog.ErrCorruptSegment)
}

func TestReplayDetectsMissingSegment(t *testing.T) {
	fs := storage.NewMemoryFilesystem()

	doc := changelog.StoreDocument{Segments: []string{"missing-changelog/000000.seg"}, LastSeq: 1}
	err := changelog.Replay(fs, doc, &recordingRestorer{})
	assert.ErrorIs(t, err, changelog.ErrCorruptSegment)
}

func TestReplayDetectsLostTail(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	log := changelog.NewLog(changelog.LogOptions{FileSystem: fs, Topic: "tail-changelog"})

	require.NoError(t, log.Put([]byte("k1"), []byte("v1")))
	doc, err := log.Checkpoint()
	require.NoError(t, err)

	// A manifest recording more frames than the segments hold means the tail
	// of the log was lost.
	doc.LastSeq++
	err = changelog.Replay(fs, doc, &recordingRestorer{})
	assert.ErrorIs(t, err, changelog.ErrCorruptSegment)
}

func TestRemoveStraySegments(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	log := changelog.NewLog(changelog.LogOptions{FileSystem: fs, Topic: "stray-changelog"})

	require.NoError(t, log.Put([]byte("k1"), []byte("v1")))
	doc, err := log.Checkpoint()
	require.NoError(t, err)

	// A segment saved after the checkpoint is not durable.
	stray := changelog.NewWriter(fs, "stray-changelog", 9, 1024)
	stray.Put([]byte("k2"), []byte("v2"), 2)
	require.NoError(t, stray.Save())

	require.NoError(t, changelog.RemoveStraySegments(fs, "stray-changelog", doc))

	remaining, errs := iteru.Collect2(fs.List("stray-changelog/"))
	require.NoError(t, errors.Join(errs...))
	assert.Len(t, remaining, 1)

	replayed := &recordingRestorer{}
	require.NoError(t, changelog.Replay(fs, doc, replayed))
	assert.Equal(t, []string{"put k1=v1"}, replayed.ops)
}

func TestCheckpointStore(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	store := changelog.NewCheckpointStore(fs, "checkpoints")

	manifest, err := store.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, manifest, "no checkpoint completed yet")

	_, err = store.Write(changelog.Manifest{
		ID:      1,
		Stores:  map[string]changelog.StoreDocument{"app-s1-changelog": {Segments: []string{"a"}, LastSeq: 3}},
		Sources: map[string][]byte{"src": []byte("cursor-1")},
	})
	require.NoError(t, err)

	_, err = store.Write(changelog.Manifest{
		ID:      2,
		Stores:  map[string]changelog.StoreDocument{"app-s1-changelog": {Segments: []string{"a", "b"}, LastSeq: 7}},
		Sources: map[string][]byte{"src": []byte("cursor-2")},
	})
	require.NoError(t, err)

	manifest, err = store.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, manifest)
	assert.Equal(t, uint64(2), manifest.ID)
	assert.Equal(t, uint64(7), manifest.Stores["app-s1-changelog"].LastSeq)
	assert.Equal(t, []byte("cursor-2"), manifest.Sources["src"])

	files, errs := iteru.Collect2(fs.List("checkpoints/"))
	require.NoError(t, errors.Join(errs...))
	assert.Len(t, files, 1, "older manifests are pruned")
}

// Replaying a store's changelog must rebuild the engine contents exactly,
// including the effects of expiry and tombstones.
func TestStoreRecoveryRoundTrip(t *testing.T) {
	fs := storage.NewMemoryFilesystem()

	windowedEngine := memory.NewStore()
	windowedLog := changelog.NewLog(changelog.LogOptions{FileSystem: fs, Topic: changelog.TopicName("app", "window")})
	windowed := state.NewWindowedStore(state.WindowedStoreOptions{
		Engine:    windowedEngine,
		Mirror:    windowedLog,
		Name:      "window",
		Retention: 20 * time.Millisecond,
	})

	versionedEngine := memory.NewStore()
	versionedLog := changelog.NewLog(changelog.LogOptions{FileSystem: fs, Topic: changelog.TopicName("app", "table")})
	versioned := state.NewVersionedStore(state.VersionedStoreOptions{
		Engine:           versionedEngine,
		Mirror:           versionedLog,
		Name:             "table",
		HistoryRetention: time.Second,
	})

	pendingEngine := memory.NewStore()
	pendingLog := changelog.NewLog(changelog.LogOptions{FileSystem: fs, Topic: changelog.TopicName("app", "pending")})
	pending := state.NewPendingStore(state.PendingStoreOptions{
		Engine: pendingEngine,
		Mirror: pendingLog,
		Name:   "pending",
	})

	require.NoError(t, windowed.Put([]byte("k1"), msTime(100), []byte("old")))
	require.NoError(t, windowed.Put([]byte("k1"), msTime(130), []byte("live")))
	require.NoError(t, windowed.Put([]byte("k2"), msTime(131), []byte("live2")))
	_, err := windowed.Expire(msTime(120))
	require.NoError(t, err)

	require.NoError(t, versioned.Put([]byte("u1"), msTime(100), []byte("v1")))
	require.NoError(t, versioned.Put([]byte("u1"), msTime(200), []byte("v2")))
	require.NoError(t, versioned.Put([]byte("u2"), msTime(210), nil))

	_, err = pending.Add(msTime(300), state.SideLeft, []byte("p1"), msTime(250), []byte("pv"))
	require.NoError(t, err)
	_, err = pending.Add(msTime(310), state.SideRight, []byte("p2"), msTime(255), []byte("pv2"))
	require.NoError(t, err)
	_, err = pending.PopDue(msTime(301))
	require.NoError(t, err)

	windowedDoc, err := windowedLog.Checkpoint()
	require.NoError(t, err)
	versionedDoc, err := versionedLog.Checkpoint()
	require.NoError(t, err)
	pendingDoc, err := pendingLog.Checkpoint()
	require.NoError(t, err)

	// Rebuild each store from its changelog alone.
	recoveredWindowedEngine := memory.NewStore()
	recoveredWindowed := state.NewWindowedStore(state.WindowedStoreOptions{
		Engine:    recoveredWindowedEngine,
		Name:      "window",
		Retention: 20 * time.Millisecond,
	})
	require.NoError(t, changelog.Replay(fs, windowedDoc, recoveredWindowed))

	recoveredVersionedEngine := memory.NewStore()
	recoveredVersioned := state.NewVersionedStore(state.VersionedStoreOptions{
		Engine:           recoveredVersionedEngine,
		Name:             "table",
		HistoryRetention: time.Second,
	})
	require.NoError(t, changelog.Replay(fs, versionedDoc, recoveredVersioned))

	recoveredPendingEngine := memory.NewStore()
	recoveredPending := state.NewPendingStore(state.PendingStoreOptions{
		Engine: recoveredPendingEngine,
		Name:   "pending",
	})
	require.NoError(t, changelog.Replay(fs, pendingDoc, recoveredPending))

	assert.Equal(t, statetest.DumpEntries(t, windowedEngine), statetest.DumpEntries(t, recoveredWindowedEngine))
	assert.Equal(t, statetest.DumpEntries(t, versionedEngine), statetest.DumpEntries(t, recoveredVersionedEngine))
	assert.Equal(t, statetest.DumpEntries(t, pendingEngine), statetest.DumpEntries(t, recoveredPendingEngine))

	// The recovered stores answer as the originals did.
	_, err = recoveredVersioned.GetAsOf([]byte("u1"), msTime(150))
	require.NoError(t, err)
	due, err := recoveredPending.PopDue(msTime(311))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, []byte("p2"), due[0].Key)
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

type recordingRestorer struct {
	ops []string
}

func (r *recordingRestorer) RestorePut(key, value []byte) error {
	r.ops = append(r.ops, "put "+string(key)+"="+string(value))
	return nil
}

func (r *recordingRestorer) RestoreDelete(key []byte) error {
	r.ops = append(r.ops, "delete "+string(key))
	return nil
}
