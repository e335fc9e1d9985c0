// Package kinesis reads AWS Kinesis streams. Shards map one to one onto
// partitions: the reader for partition p consumes the stream's p-th shard in
// shard ID order. Streams are expected to keep a fixed shard count for the
// life of a job; resharding closes shards, which readers treat as end of
// input.
package kinesis

import (
	"fmt"

	"tributary.dev/tributary/connectors"
)

type SourceConfig struct {
	StreamARN string
	// Endpoint overrides the AWS endpoint. Normally blank, set when running
	// against a local fake.
	Endpoint string
	Region   string
	// Client overrides the default client, for tests.
	Client *Client
}

func (c SourceConfig) Validate() error {
	if c.StreamARN == "" {
		return fmt.Errorf("kinesis source StreamARN is required")
	}
	return nil
}

func (c SourceConfig) NewReader(partition int32) (connectors.SourceReader, error) {
	client := c.Client
	if client == nil {
		var err error
		client, err = NewClient(&NewClientParams{Endpoint: c.Endpoint, Region: c.Region})
		if err != nil {
			return nil, err
		}
	}
	return &SourceReader{
		client:    client,
		streamARN: c.StreamARN,
		partition: partition,
	}, nil
}

var _ connectors.SourceConfig = SourceConfig{}
