package repartition_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tributary.dev/tributary/partitioning"
	"tributary.dev/tributary/repartition"
	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/util/iteru"
)

func TestTopicName(t *testing.T) {
	assert.Equal(t, "app-join-000000-left-repartition", repartition.TopicName("app", "join-000000-left"))
}

func TestRouterPartitionsByKey(t *testing.T) {
	ctx := context.Background()
	transport := repartition.NewFileTransport(repartition.FileTransportOptions{
		FileSystem: storage.NewMemoryFilesystem(),
	})
	scheme := partitioning.NewPartitioning(4)
	router := repartition.NewRouter(scheme, transport.NewWriter("rekeyed"))

	at := time.UnixMilli(1_000)
	for i := 0; i < 20; i++ {
		key := fmt.Appendf(nil, "key-%d", i)
		require.NoError(t, router.Route(streams.Record{Key: key, Value: []byte("v"), Timestamp: at}))
	}
	require.NoError(t, router.Flush(ctx))

	var total int
	for partition := int32(0); partition < 4; partition++ {
		reader, err := transport.NewReader("rekeyed", partition, 0)
		require.NoError(t, err)
		batch, err := reader.Read(ctx)
		require.NoError(t, err)
		for _, rec := range batch {
			assert.Equal(t, partition, rec.Partition)
			assert.Equal(t, scheme.PartitionFor(rec.Key), partition, "key %s landed on the wrong partition", rec.Key)
			assert.Equal(t, at.UnixNano(), rec.Timestamp.UnixNano(), "timestamps ride along")
		}
		total += len(batch)
	}
	assert.Equal(t, 20, total)
}

func TestReaderResumesFromOffset(t *testing.T) {
	ctx := context.Background()
	transport := repartition.NewFileTransport(repartition.FileTransportOptions{
		FileSystem: storage.NewMemoryFilesystem(),
	})
	writer := transport.NewWriter("stream")

	for i := 0; i < 5; i++ {
		require.NoError(t, writer.Append(record(0, fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, writer.Flush(ctx))

	reader, err := transport.NewReader("stream", 0, 3)
	require.NoError(t, err)
	batch, err := reader.Read(ctx)
	require.NoError(t, err)

	require.Len(t, batch, 2)
	assert.Equal(t, []byte("v3"), batch[0].Value)
	assert.Equal(t, []byte("v4"), batch[1].Value)
	assert.Equal(t, int64(5), reader.Position())

	// Nothing new until another flush.
	batch, err = reader.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestWriterResumesOffsetsAfterRestart(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemoryFilesystem()

	first := repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs})
	writer := first.NewWriter("stream")
	for i := 0; i < 3; i++ {
		require.NoError(t, writer.Append(record(0, fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, writer.Flush(ctx))

	// A new transport over the same storage continues the offset sequence.
	second := repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs})
	writer = second.NewWriter("stream")
	for i := 3; i < 5; i++ {
		require.NoError(t, writer.Append(record(0, fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, writer.Flush(ctx))

	reader, err := second.NewReader("stream", 0, 0)
	require.NoError(t, err)
	batch, err := reader.Read(ctx)
	require.NoError(t, err)

	require.Len(t, batch, 5)
	for i, rec := range batch {
		assert.Equal(t, fmt.Appendf(nil, "v%d", i), rec.Value)
	}
}

func TestEndOffsetCountsPublishedRecords(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemoryFilesystem()
	transport := repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs})

	end, err := transport.EndOffset(ctx, "stream", 0)
	require.NoError(t, err)
	assert.Zero(t, end, "an empty partition ends at zero")

	writer := transport.NewWriter("stream")
	for i := 0; i < 4; i++ {
		require.NoError(t, writer.Append(record(0, fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, writer.Flush(ctx))

	end, err = transport.EndOffset(ctx, "stream", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), end)

	// A fresh transport recovers the end offset from storage alone.
	restarted := repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs})
	end, err = restarted.EndOffset(ctx, "stream", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), end)
}

func TestPurgeRemovesConsumedSegments(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemoryFilesystem()
	transport := repartition.NewFileTransport(repartition.FileTransportOptions{FileSystem: fs})
	writer := transport.NewWriter("stream")

	// One flush per record makes one segment per record.
	for i := 0; i < 3; i++ {
		require.NoError(t, writer.Append(record(0, fmt.Sprintf("v%d", i))))
		require.NoError(t, writer.Flush(ctx))
	}

	reader, err := transport.NewReader("stream", 0, 2)
	require.NoError(t, err)
	require.NoError(t, reader.Purge(ctx, 2))

	remaining, errs := iteru.Collect2(fs.List("stream/0/"))
	require.NoError(t, errors.Join(errs...))
	assert.Len(t, remaining, 1, "segments below the purge offset are deleted")

	batch, err := reader.Read(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte("v2"), batch[0].Value)
}

func TestReadFailsWhenPurgedPastPosition(t *testing.T) {
	ctx := context.Background()
	transport := repartition.NewFileTransport(repartition.FileTransportOptions{
		FileSystem: storage.NewMemoryFilesystem(),
	})
	writer := transport.NewWriter("stream")

	for i := 0; i < 3; i++ {
		require.NoError(t, writer.Append(record(0, fmt.Sprintf("v%d", i))))
		require.NoError(t, writer.Flush(ctx))
	}

	purger, err := transport.NewReader("stream", 0, 0)
	require.NoError(t, err)
	require.NoError(t, purger.Purge(ctx, 2))

	// A reader behind the purge offset can no longer be satisfied.
	stale, err := transport.NewReader("stream", 0, 0)
	require.NoError(t, err)
	_, err = stale.Read(ctx)
	assert.ErrorContains(t, err, "purged past offset 0")
}

func TestTombstonesRideThrough(t *testing.T) {
	ctx := context.Background()
	transport := repartition.NewFileTransport(repartition.FileTransportOptions{
		FileSystem: storage.NewMemoryFilesystem(),
	})
	writer := transport.NewWriter("stream")

	require.NoError(t, writer.Append(streams.Record{Key: []byte("gone"), Value: nil, Timestamp: time.UnixMilli(5)}))
	require.NoError(t, writer.Append(streams.Record{Key: []byte("empty"), Value: []byte{}, Timestamp: time.UnixMilli(6)}))
	require.NoError(t, writer.Flush(ctx))

	reader, err := transport.NewReader("stream", 0, 0)
	require.NoError(t, err)
	batch, err := reader.Read(ctx)
	require.NoError(t, err)

	require.Len(t, batch, 2)
	assert.Nil(t, batch[0].Value, "a tombstone stays distinguishable")
	assert.NotNil(t, batch[1].Value, "from an empty value")
}

func TestSegmentsSealEarlyWhenOversized(t *testing.T) {
	ctx := context.Background()
	fs := storage.NewMemoryFilesystem()
	transport := repartition.NewFileTransport(repartition.FileTransportOptions{
		FileSystem:     fs,
		MaxSegmentSize: 64,
	})
	writer := transport.NewWriter("stream")

	for i := 0; i < 10; i++ {
		require.NoError(t, writer.Append(record(0, fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, writer.Flush(ctx))

	segments, errs := iteru.Collect2(fs.List("stream/0/"))
	require.NoError(t, errors.Join(errs...))
	assert.Greater(t, len(segments), 1)

	reader, err := transport.NewReader("stream", 0, 0)
	require.NoError(t, err)
	batch, err := reader.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 10)
}

func TestCursorRoundTrip(t *testing.T) {
	offset, err := repartition.DecodeCursor(repartition.EncodeCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), offset)

	offset, err = repartition.DecodeCursor(nil)
	require.NoError(t, err)
	assert.Zero(t, offset, "an absent cursor starts at the beginning")

	_, err = repartition.DecodeCursor([]byte("not-a-number"))
	assert.Error(t, err)
}

func record(partition int32, value string) streams.Record {
	return streams.Record{
		Key:       []byte("k"),
		Value:     []byte(value),
		Timestamp: time.UnixMilli(100),
		Partition: partition,
	}
}
