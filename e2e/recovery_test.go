package e2e_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/embedded"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/tasks"
)

func joinPair(left, right []byte) []byte {
	return fmt.Appendf(nil, "%s+%s", left, right)
}

func windowedTopology(t *testing.T) *streams.Topology {
	t.Helper()
	b := streams.NewBuilder("recovery")
	orders := b.Stream("orders", streams.StreamOptions{Partitions: 1})
	payments := b.Stream("payments", streams.StreamOptions{Partitions: 1})
	orders.JoinStream(payments, streams.NewJoinWindows(20*time.Second), streams.JoinInner, joinPair).To("joined")

	topology, err := b.Build()
	require.NoError(t, err)
	return topology
}

func runEngine(t *testing.T, opts tasks.EngineOptions) {
	t.Helper()
	engine, err := tasks.NewEngine(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, engine.Run(ctx))
}

// A payment arriving in a later engine run still joins an order consumed
// before the previous run checkpointed and exited.
func TestRecovery_ResumesFromFinalCheckpoint(t *testing.T) {
	topology := windowedTopology(t)
	base := time.Now()
	fs := storage.NewMemoryFilesystem()

	orders := embedded.NewSource(1)
	orders.Append(streams.Record{Key: []byte("o1"), Value: []byte("o1"), Timestamp: base})
	orders.Append(streams.Record{Key: []byte("o2"), Value: []byte("o2"), Timestamp: base.Add(time.Second)})
	orders.Finish()

	noPayments := embedded.NewSource(1)
	noPayments.Finish()

	firstSink := &embedded.RecordingSink{}
	runEngine(t, tasks.EngineOptions{
		Topology:   topology,
		FileSystem: fs,
		Sources:    map[string]connectors.SourceConfig{"orders": orders, "payments": noPayments},
		Sinks:      map[string]connectors.SinkConfig{"joined": firstSink},
	})
	require.Empty(t, firstSink.Records())

	// The restored orders cursor sits at the end of the source, so the
	// second run consumes nothing from it and the join output can only come
	// from the recovered window store.
	payments := embedded.NewSource(1)
	payments.Append(streams.Record{Key: []byte("o1"), Value: []byte("p1"), Timestamp: base.Add(5 * time.Second)})
	payments.Finish()

	secondSink := &embedded.RecordingSink{}
	runEngine(t, tasks.EngineOptions{
		Topology:   topology,
		FileSystem: fs,
		Sources:    map[string]connectors.SourceConfig{"orders": orders, "payments": payments},
		Sinks:      map[string]connectors.SinkConfig{"joined": secondSink},
	})

	records := secondSink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "o1+p1", string(records[0].Value))
}

// Work done after the last checkpoint is not lost on a crash; the next run
// re-reads it from the sources.
func TestRecovery_ReplaysUncheckpointedInput(t *testing.T) {
	topology := windowedTopology(t)
	base := time.Now()
	fs := storage.NewMemoryFilesystem()

	// Sources never finish, so the first run checkpoints nothing before it
	// is canceled.
	orders := embedded.NewSource(1)
	orders.Append(streams.Record{Key: []byte("o1"), Value: []byte("o1"), Timestamp: base})
	payments := embedded.NewSource(1)
	payments.Append(streams.Record{Key: []byte("o1"), Value: []byte("p1"), Timestamp: base.Add(time.Second)})

	firstSink := &embedded.RecordingSink{}
	engine, err := tasks.NewEngine(tasks.EngineOptions{
		Topology:           topology,
		FileSystem:         fs,
		Sources:            map[string]connectors.SourceConfig{"orders": orders, "payments": payments},
		Sinks:              map[string]connectors.SinkConfig{"joined": firstSink},
		CheckpointInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	require.Eventually(t, func() bool {
		return len(firstSink.Records()) == 1
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	ordersAgain := embedded.NewSource(1)
	ordersAgain.Append(streams.Record{Key: []byte("o1"), Value: []byte("o1"), Timestamp: base})
	ordersAgain.Finish()
	paymentsAgain := embedded.NewSource(1)
	paymentsAgain.Append(streams.Record{Key: []byte("o1"), Value: []byte("p1"), Timestamp: base.Add(time.Second)})
	paymentsAgain.Finish()

	secondSink := &embedded.RecordingSink{}
	runEngine(t, tasks.EngineOptions{
		Topology:   topology,
		FileSystem: fs,
		Sources:    map[string]connectors.SourceConfig{"orders": ordersAgain, "payments": paymentsAgain},
		Sinks:      map[string]connectors.SinkConfig{"joined": secondSink},
	})

	records := secondSink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "o1+p1", string(records[0].Value))
}
