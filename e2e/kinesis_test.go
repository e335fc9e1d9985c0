package e2e_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/embedded"
	"tributary.dev/tributary/connectors/kinesis"
	"tributary.dev/tributary/connectors/kinesis/kinesisfake"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/tasks"
)

// The engine reads a Kinesis stream through the AWS SDK, here against an
// in-process fake. Kinesis streams never finish, so the test cancels the
// engine once the output arrives.
func TestKinesisSource(t *testing.T) {
	server, _ := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)

	arn, err := client.CreateStream(context.Background(), &kinesis.CreateStreamParams{
		StreamName:      "events",
		ShardCount:      1,
		MaxWaitDuration: 5 * time.Second,
	})
	require.NoError(t, err)

	records := make([]kinesis.Record, 3)
	for i := range records {
		records[i] = kinesis.Record{Key: fmt.Sprintf("k-%d", i), Data: fmt.Appendf(nil, "event-%d", i)}
	}
	require.NoError(t, client.PutRecordBatch(context.Background(), arn, records))

	b := streams.NewBuilder("kinesis-e2e")
	b.Stream("events", streams.StreamOptions{Partitions: 1}).
		MapValues(bytes.ToUpper).
		To("out")
	topology, err := b.Build()
	require.NoError(t, err)

	sink := &embedded.RecordingSink{}
	engine, err := tasks.NewEngine(tasks.EngineOptions{
		Topology:   topology,
		FileSystem: storage.NewMemoryFilesystem(),
		Sources: map[string]connectors.SourceConfig{
			"events": kinesis.SourceConfig{StreamARN: arn, Client: client},
		},
		Sinks: map[string]connectors.SinkConfig{"out": sink},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(sink.Records()) == 3
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	for i, rec := range sink.Records() {
		assert.Equal(t, fmt.Sprintf("k-%d", i), string(rec.Key))
		assert.Equal(t, fmt.Sprintf("EVENT-%d", i), string(rec.Value))
		assert.Equal(t, int32(0), rec.Partition)
	}
}
