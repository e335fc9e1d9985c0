package kinesis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/kinesis"
	"tributary.dev/tributary/connectors/kinesis/kinesisfake"
	"tributary.dev/tributary/util/ptr"
)

func TestSourceConfig_Validate(t *testing.T) {
	assert.ErrorContains(t, kinesis.SourceConfig{}.Validate(), "StreamARN")
	assert.NoError(t, kinesis.SourceConfig{StreamARN: "arn:aws:kinesis:local:000000000000:stream/s"}.Validate())
}

func TestReadBatch_OrderedWithinShard(t *testing.T) {
	server, _ := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)
	arn := createTestStream(t, client, 1)

	ctx := context.Background()
	records := make([]kinesis.Record, 5)
	for i := range records {
		records[i] = kinesis.Record{Key: fmt.Sprintf("k-%d", i), Data: fmt.Appendf(nil, "v-%d", i)}
	}
	require.NoError(t, client.PutRecordBatch(ctx, arn, records))

	reader := newReader(t, client, arn, 0)
	batch, err := reader.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 5)
	for i, rec := range batch {
		assert.Equal(t, fmt.Sprintf("k-%d", i), string(rec.Key))
		assert.Equal(t, fmt.Sprintf("v-%d", i), string(rec.Value))
		assert.Equal(t, int32(0), rec.Partition)
		assert.WithinDuration(t, time.Now(), rec.Timestamp, time.Minute)
	}

	batch, err = reader.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch, "a drained shard returns empty batches")
}

func TestReadBatch_EveryShardHasAReader(t *testing.T) {
	server, _ := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)
	arn := createTestStream(t, client, 2)

	ctx := context.Background()
	records := make([]kinesis.Record, 10)
	want := make([]string, 10)
	for i := range records {
		records[i] = kinesis.Record{Key: fmt.Sprintf("k-%d", i), Data: fmt.Appendf(nil, "v-%d", i)}
		want[i] = fmt.Sprintf("v-%d", i)
	}
	require.NoError(t, client.PutRecordBatch(ctx, arn, records))

	var got []string
	for partition := int32(0); partition < 2; partition++ {
		batch, err := newReader(t, client, arn, partition).ReadBatch(ctx)
		require.NoError(t, err)
		for _, rec := range batch {
			assert.Equal(t, partition, rec.Partition)
			got = append(got, string(rec.Value))
		}
	}
	assert.ElementsMatch(t, want, got, "the two shards partition the record set")
}

func TestReadBatch_MissingShardIsTerminal(t *testing.T) {
	server, _ := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)
	arn := createTestStream(t, client, 1)

	_, err := newReader(t, client, arn, 1).ReadBatch(context.Background())
	assert.ErrorContains(t, err, "no shard for partition 1")
	assert.False(t, connectors.IsRetryable(err))
}

func TestReadBatch_CursorResumes(t *testing.T) {
	server, _ := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)
	arn := createTestStream(t, client, 1)

	ctx := context.Background()
	require.NoError(t, client.PutRecordBatch(ctx, arn, []kinesis.Record{
		{Key: "k", Data: []byte("v-0")},
		{Key: "k", Data: []byte("v-1")},
		{Key: "k", Data: []byte("v-2")},
	}))

	reader := newReader(t, client, arn, 0)
	_, err := reader.ReadBatch(ctx)
	require.NoError(t, err)
	cursor := reader.Cursor()
	require.NotEmpty(t, cursor)

	require.NoError(t, client.PutRecordBatch(ctx, arn, []kinesis.Record{
		{Key: "k", Data: []byte("v-3")},
		{Key: "k", Data: []byte("v-4")},
	}))

	restored := newReader(t, client, arn, 0)
	require.NoError(t, restored.Restore(cursor))
	batch, err := restored.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2, "resuming skips everything up to the cursor")
	assert.Equal(t, "v-3", string(batch[0].Value))
	assert.Equal(t, "v-4", string(batch[1].Value))

	fresh := newReader(t, client, arn, 0)
	require.NoError(t, fresh.Restore(nil))
	batch, err = fresh.ReadBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 5, "an empty cursor starts from the trim horizon")
}

func TestReadBatch_RefreshesExpiredIterators(t *testing.T) {
	server, fake := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)
	arn := createTestStream(t, client, 1)

	ctx := context.Background()
	require.NoError(t, client.PutRecordBatch(ctx, arn, []kinesis.Record{{Key: "k", Data: []byte("v-0")}}))

	reader := newReader(t, client, arn, 0)
	batch, err := reader.ReadBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	fake.ExpireShardIterators()
	require.NoError(t, client.PutRecordBatch(ctx, arn, []kinesis.Record{{Key: "k", Data: []byte("v-1")}}))

	batch, err = reader.ReadBatch(ctx)
	require.NoError(t, err, "an expired iterator is refreshed transparently")
	require.Len(t, batch, 1)
	assert.Equal(t, "v-1", string(batch[0].Value))
}

func TestReadBatch_ThroughputExceededIsRetryable(t *testing.T) {
	server, fake := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)
	arn := createTestStream(t, client, 1)

	ctx := context.Background()
	reader := newReader(t, client, arn, 0)

	fake.SetGetRecordsError(&kinesistypes.ProvisionedThroughputExceededException{})
	_, err := reader.ReadBatch(ctx)
	throughputErr := &kinesistypes.ProvisionedThroughputExceededException{}
	assert.ErrorAs(t, err, &throughputErr)
	assert.True(t, connectors.IsRetryable(err))

	fake.SetGetRecordsError(nil)
	require.NoError(t, client.PutRecordBatch(ctx, arn, []kinesis.Record{{Key: "k", Data: []byte("v-0")}}))
	batch, err := reader.ReadBatch(ctx)
	require.NoError(t, err, "reading succeeds once the error clears")
	assert.Len(t, batch, 1)
}

func TestReadBatch_AccessDeniedIsTerminal(t *testing.T) {
	server, fake := kinesisfake.StartFake()
	defer server.Close()
	client := kinesis.NewLocalClient(server.URL)
	arn := createTestStream(t, client, 1)

	fake.SetGetRecordsError(&kinesistypes.AccessDeniedException{Message: ptr.New("no access to the stream")})
	_, err := newReader(t, client, arn, 0).ReadBatch(context.Background())
	deniedErr := &kinesistypes.AccessDeniedException{}
	assert.ErrorAs(t, err, &deniedErr)
	assert.False(t, connectors.IsRetryable(err))
}

func createTestStream(t *testing.T, client *kinesis.Client, shardCount int) string {
	t.Helper()
	arn, err := client.CreateStream(context.Background(), &kinesis.CreateStreamParams{
		StreamName:      "test-stream",
		ShardCount:      shardCount,
		MaxWaitDuration: 5 * time.Second,
	})
	require.NoError(t, err)
	return arn
}

func newReader(t *testing.T, client *kinesis.Client, arn string, partition int32) connectors.SourceReader {
	t.Helper()
	reader, err := kinesis.SourceConfig{StreamARN: arn, Client: client}.NewReader(partition)
	require.NoError(t, err)
	return reader
}
