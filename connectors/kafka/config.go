// Package kafka connects topologies to Kafka topics. A source reader
// consumes one partition directly, without a consumer group: the engine owns
// partition assignment and offsets live in checkpoint manifests, not on the
// broker.
package kafka

import (
	"fmt"
	"slices"

	"github.com/twmb/franz-go/pkg/kgo"
	"tributary.dev/tributary/connectors"
)

type SourceConfig struct {
	Brokers []string
	Topic   string
	// Client overrides the default client, for tests.
	Client *kgo.Client
}

func (c SourceConfig) Validate() error {
	if len(c.Brokers) == 0 && c.Client == nil {
		return fmt.Errorf("at least one broker is required for a kafka source")
	}
	if slices.Contains(c.Brokers, "") {
		return fmt.Errorf("broker address cannot be empty")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka source topic is required")
	}
	return nil
}

func (c SourceConfig) NewReader(partition int32) (connectors.SourceReader, error) {
	client, owned := c.Client, false
	if client == nil {
		var err error
		client, err = kgo.NewClient(kgo.SeedBrokers(c.Brokers...))
		if err != nil {
			return nil, fmt.Errorf("creating kafka client: %w", err)
		}
		owned = true
	}
	return &SourceReader{
		client:    client,
		owned:     owned,
		topic:     c.Topic,
		partition: partition,
	}, nil
}

var _ connectors.SourceConfig = SourceConfig{}

type SinkConfig struct {
	Brokers []string
	Topic   string
	// Client overrides the default client, for tests.
	Client *kgo.Client
}

func (c SinkConfig) Validate() error {
	if len(c.Brokers) == 0 && c.Client == nil {
		return fmt.Errorf("at least one broker is required for a kafka sink")
	}
	if slices.Contains(c.Brokers, "") {
		return fmt.Errorf("broker address cannot be empty")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka sink topic is required")
	}
	return nil
}

func (c SinkConfig) NewWriter() (connectors.SinkWriter, error) {
	client, owned := c.Client, false
	if client == nil {
		var err error
		// The default partitioner hashes keys the same way the Java client
		// does, so output topics stay co-partitionable downstream.
		client, err = kgo.NewClient(kgo.SeedBrokers(c.Brokers...))
		if err != nil {
			return nil, fmt.Errorf("creating kafka client: %w", err)
		}
		owned = true
	}
	return &SinkWriter{client: client, owned: owned, topic: c.Topic}, nil
}

var _ connectors.SinkConfig = SinkConfig{}
