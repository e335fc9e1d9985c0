package tasks_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/tasks"
)

func restartRunner(t *testing.T, topo *streams.Topology, fs storage.FileSystem) *tasks.SyncRunner {
	t.Helper()
	runner, err := tasks.NewSyncRunner(topo, tasks.SyncOptions{FileSystem: fs})
	require.NoError(t, err)
	t.Cleanup(runner.Close)
	return runner
}

func TestSyncRunner_FeedUnknownTopicErrors(t *testing.T) {
	runner := newRunner(t, windowedJoinTopology(t, streams.JoinInner, streams.NewJoinWindows(10*time.Second)))

	err := runner.Feed("nope", testRecord("a", "v", 1_000))
	assert.ErrorContains(t, err, "feeds nothing")
}

func TestSyncRunner_RestoresWindowedStoreAcrossRestart(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	topo := windowedJoinTopology(t, streams.JoinLeft, streams.NewJoinWindows(10*time.Second))

	first := restartRunner(t, topo, fs)
	require.NoError(t, first.Feed("orders", testRecord("a", "o1", 1_000)))
	require.NoError(t, first.Checkpoint())
	first.Close()

	second := restartRunner(t, topo, fs)
	require.NoError(t, second.Feed("payments", testRecord("a", "p1", 5_000)))
	require.NoError(t, second.Feed("orders", testRecord("z", "zz", 30_000)))

	assert.Equal(t, []string{"o1+p1"}, sinkValues(second, "joined"),
		"a record stored before the restart still matches, and its claimed non-match never emits")
}

func TestSyncRunner_RestoresPendingNonMatchAcrossRestart(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	topo := windowedJoinTopology(t, streams.JoinLeft, streams.NewJoinWindows(10*time.Second))

	first := restartRunner(t, topo, fs)
	require.NoError(t, first.Feed("orders", testRecord("a", "o1", 1_000)))
	require.NoError(t, first.Checkpoint())
	first.Close()

	second := restartRunner(t, topo, fs)
	require.NoError(t, second.Feed("orders", testRecord("z", "zz", 30_000)))

	assert.Equal(t, []string{"o1+-"}, sinkValues(second, "joined"),
		"the deferred non-match survives the restart and emits once its window closes")
}

func TestSyncRunner_RestoresTableAcrossRestart(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	topo := tableJoinTopology(t, streams.JoinInner)

	first := restartRunner(t, topo, fs)
	require.NoError(t, first.Feed("users", testRecord("a", "alice", 500)))
	require.NoError(t, first.Checkpoint())
	first.Close()

	second := restartRunner(t, topo, fs)
	require.NoError(t, second.Feed("clicks", testRecord("a", "c1", 1_000)))

	assert.Equal(t, []string{"c1+alice"}, sinkValues(second, "joined"))
}

func TestSyncRunner_UncheckpointedStateIsDiscarded(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	topo := tableJoinTopology(t, streams.JoinInner)

	first := restartRunner(t, topo, fs)
	require.NoError(t, first.Feed("users", testRecord("a", "alice", 500)))
	first.Close()

	second := restartRunner(t, topo, fs)
	require.NoError(t, second.Feed("clicks", testRecord("a", "c1", 1_000)))

	assert.Empty(t, sinkValues(second, "joined"),
		"state that was never checkpointed does not come back")
}

func TestSyncRunner_SecondCheckpointBuildsOnFirst(t *testing.T) {
	fs := storage.NewMemoryFilesystem()
	topo := tableJoinTopology(t, streams.JoinInner)

	first := restartRunner(t, topo, fs)
	require.NoError(t, first.Feed("users", testRecord("a", "alice", 500)))
	require.NoError(t, first.Checkpoint())
	require.NoError(t, first.Feed("users", testRecord("b", "bob", 600)))
	require.NoError(t, first.Checkpoint())
	first.Close()

	second := restartRunner(t, topo, fs)
	require.NoError(t, second.Feed("clicks", testRecord("a", "c1", 1_000)))
	require.NoError(t, second.Feed("clicks", testRecord("b", "c2", 2_000)))

	assert.Equal(t, []string{"c1+alice", "c2+bob"}, sinkValues(second, "joined"))
}

func TestSyncRunner_RekeyedJoinRoutesThroughRepartition(t *testing.T) {
	topo := buildTopology(t, func(b *streams.Builder) {
		orders := b.Stream("orders", streams.StreamOptions{Partitions: 2}).
			SelectKey(func(rec streams.Record) []byte { return rec.Value })
		payments := b.Stream("payments", streams.StreamOptions{Partitions: 2})
		orders.JoinStream(payments, streams.NewJoinWindows(10*time.Second), streams.JoinInner, pairJoiner).To("joined")
	})
	runner := newRunner(t, topo)

	// Orders are keyed by user; rekeying by order id must land each order
	// on the partition where its payment will arrive.
	require.NoError(t, runner.Feed("orders", testRecord("user-7", "k1", 1_000)))
	require.NoError(t, runner.Feed("orders", testRecord("user-8", "k2", 1_500)))
	require.NoError(t, runner.Feed("orders", testRecord("user-9", "k3", 2_000)))
	require.NoError(t, runner.Feed("payments", testRecord("k1", "p1", 3_000)))
	require.NoError(t, runner.Feed("payments", testRecord("k2", "p2", 3_500)))
	require.NoError(t, runner.Feed("payments", testRecord("k3", "p3", 4_000)))

	assert.Equal(t, []string{"k1+p1", "k2+p2", "k3+p3"}, sinkValues(runner, "joined"))

	records := runner.Sink("joined").Records()
	for _, rec := range records {
		assert.True(t, string(rec.Key) == "k1" || string(rec.Key) == "k2" || string(rec.Key) == "k3",
			"join output is keyed by the rekeyed order id, got %q", rec.Key)
	}
}
