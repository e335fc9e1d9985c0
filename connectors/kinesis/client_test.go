package kinesis_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	awskinesis "github.com/aws/aws-sdk-go-v2/service/kinesis"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tributary.dev/tributary/connectors/kinesis"
	"tributary.dev/tributary/connectors/kinesis/kinesisfake"
)

// Uses the fully configured client, credentials and signing included, rather
// than NewLocalClient's unsigned shortcut.
func TestClientAgainstFake(t *testing.T) {
	server, _ := kinesisfake.StartFake()
	defer server.Close()

	client, err := kinesis.NewClient(&kinesis.NewClientParams{
		Endpoint:    server.URL,
		Region:      "us-east-2",
		Credentials: credentials.NewStaticCredentialsProvider("key", "secret", "session"),
	})
	require.NoError(t, err)
	ctx := context.Background()

	arn, err := client.CreateStream(ctx, &kinesis.CreateStreamParams{
		StreamName:      "orders",
		ShardCount:      2,
		MaxWaitDuration: time.Minute,
	})
	require.NoError(t, err)

	records := make([]kinesis.Record, 10)
	for i := range records {
		records[i] = kinesis.Record{
			Key:  fmt.Sprintf("key-%d", i),
			Data: fmt.Appendf(nil, "data-%d", i),
		}
	}
	require.NoError(t, client.PutRecordBatch(ctx, arn, records))

	shardIDs, err := client.ListShards(ctx, arn)
	require.NoError(t, err)
	assert.Equal(t, []string{"shardId-000000000000", "shardId-000000000001"}, shardIDs)

	var got []string
	for _, shardID := range shardIDs {
		iterator, err := client.GetShardIterator(ctx, &awskinesis.GetShardIteratorInput{
			StreamARN:         &arn,
			ShardId:           &shardID,
			ShardIteratorType: kinesistypes.ShardIteratorTypeTrimHorizon,
		})
		require.NoError(t, err)

		out, err := client.GetRecords(ctx, &awskinesis.GetRecordsInput{
			StreamARN:     &arn,
			ShardIterator: &iterator,
		})
		require.NoError(t, err)
		for _, r := range out.Records {
			got = append(got, string(r.Data))
		}
	}

	expected := make([]string, 10)
	for i := range expected {
		expected[i] = fmt.Sprintf("data-%d", i)
	}
	assert.ElementsMatch(t, expected, got, "every record lands in exactly one shard")
}
