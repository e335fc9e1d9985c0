package kinesis

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"tributary.dev/tributary/telemetry"
	"tributary.dev/tributary/util/ptr"
	"tributary.dev/tributary/util/sliceu"
)

// Client wraps the AWS SDK Kinesis client with the handful of calls the
// source reader needs.
type Client struct {
	svc *kinesis.Client
}

type NewClientParams struct {
	// Endpoint overrides the AWS endpoint. Normally blank, set when running
	// against a local fake.
	Endpoint string
	Region   string
	// Profile selects an AWS credentials profile when credentials come from
	// the shared config file.
	Profile     string
	Credentials aws.CredentialsProvider
}

func NewClient(params *NewClientParams) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		func(lo *config.LoadOptions) error {
			if params.Region != "" {
				lo.Region = params.Region
			}
			if params.Profile != "" {
				lo.SharedConfigProfile = params.Profile
			}
			if params.Credentials != nil {
				lo.Credentials = params.Credentials
			}
			lo.HTTPClient = &http.Client{Transport: telemetry.NewMetricsTransport("kinesis", nil)}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("kinesis load config: %w", err)
	}

	svc := kinesis.NewFromConfig(cfg, func(opts *kinesis.Options) {
		if params.Endpoint != "" {
			opts.BaseEndpoint = ptr.New(params.Endpoint)
		}
	})

	return &Client{svc: svc}, nil
}

// NewLocalClient makes a client for a local endpoint that skips signing and
// never retries. Tests use it against kinesisfake.
func NewLocalClient(endpoint string) *Client {
	svc := kinesis.New(kinesis.Options{
		BaseEndpoint: ptr.New(endpoint),
		Region:       "local",
		Credentials:  aws.AnonymousCredentials{},
		Retryer:      aws.NopRetryer{},
	})
	return &Client{svc: svc}
}

type Record struct {
	Key  string
	Data []byte
}

func (c *Client) PutRecordBatch(ctx context.Context, streamARN string, records []Record) error {
	entries := make([]kinesistypes.PutRecordsRequestEntry, len(records))
	for i, r := range records {
		entries[i] = kinesistypes.PutRecordsRequestEntry{Data: r.Data, PartitionKey: ptr.New(r.Key)}
	}

	_, err := c.svc.PutRecords(ctx, &kinesis.PutRecordsInput{
		Records:   entries,
		StreamARN: ptr.New(streamARN),
	})
	if err != nil {
		return fmt.Errorf("kinesis put records: %w", err)
	}
	return nil
}

type CreateStreamParams struct {
	StreamName      string
	ShardCount      int
	MaxWaitDuration time.Duration
}

// CreateStream creates a stream, waits until it is active, and returns its
// ARN.
func (c *Client) CreateStream(ctx context.Context, params *CreateStreamParams) (string, error) {
	_, err := c.svc.CreateStream(ctx, &kinesis.CreateStreamInput{
		StreamName: ptr.New(params.StreamName),
		ShardCount: ptr.New(int32(params.ShardCount)),
	})
	if err != nil {
		return "", fmt.Errorf("kinesis create stream: %w", err)
	}

	describeInput := &kinesis.DescribeStreamInput{StreamName: ptr.New(params.StreamName)}
	w := kinesis.NewStreamExistsWaiter(c.svc)
	if err := w.Wait(ctx, describeInput, params.MaxWaitDuration); err != nil {
		return "", fmt.Errorf("kinesis create stream waiting: %w", err)
	}

	out, err := c.svc.DescribeStream(ctx, describeInput)
	if err != nil {
		return "", fmt.Errorf("kinesis create stream describe: %w", err)
	}
	if out.StreamDescription.StreamARN == nil {
		return "", fmt.Errorf("invalid stream description output: %+v", out.StreamDescription)
	}
	return *out.StreamDescription.StreamARN, nil
}

// ListShards returns every shard ID of the stream. IDs are zero-padded, so
// sorting puts them in creation order.
func (c *Client) ListShards(ctx context.Context, streamARN string) ([]string, error) {
	var shardIDs []string

	var lastSeenShardID *string
	for {
		out, err := c.svc.ListShards(ctx, &kinesis.ListShardsInput{
			ExclusiveStartShardId: lastSeenShardID,
			StreamARN:             ptr.New(streamARN),
		})
		if err != nil {
			return nil, err
		}

		for _, s := range out.Shards {
			shardIDs = append(shardIDs, *s.ShardId)
		}

		if out.NextToken == nil {
			break
		}
		lastSeenShardID = ptr.New(sliceu.Last(shardIDs))
	}

	slices.Sort(shardIDs)
	return shardIDs, nil
}

func (c *Client) GetRecords(ctx context.Context, params *kinesis.GetRecordsInput) (*kinesis.GetRecordsOutput, error) {
	return c.svc.GetRecords(ctx, params)
}

func (c *Client) GetShardIterator(ctx context.Context, params *kinesis.GetShardIteratorInput) (string, error) {
	out, err := c.svc.GetShardIterator(ctx, params)
	if err != nil {
		return "", err
	}
	return *out.ShardIterator, nil
}
