package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"tributary.dev/tributary/config/jsontemplate"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/connectors/kafka"
	"tributary.dev/tributary/connectors/kinesis"
	"tributary.dev/tributary/connectors/stdio"
)

// Unmarshal parses a JSON configuration document, resolving $param
// references against params first. Unknown fields are rejected so typos
// surface at load time rather than as silently-defaulted options.
func Unmarshal(data []byte, params jsontemplate.Params) (*Config, error) {
	resolved, err := jsontemplate.Resolve(data, params)
	if err != nil {
		return nil, err
	}

	var doc configDoc
	dec := json.NewDecoder(bytes.NewReader(resolved))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid config document: %w", err)
	}

	config := &Config{
		StorageLocation: doc.StorageLocation,
		QueueLimit:      doc.QueueLimit,
	}
	if doc.CheckpointInterval != "" {
		interval, err := time.ParseDuration(doc.CheckpointInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid checkpointInterval: %w", err)
		}
		config.CheckpointInterval = interval
	}

	if len(doc.Sources) > 0 {
		config.Sources = make(map[string]connectors.SourceConfig, len(doc.Sources))
		for topic, source := range doc.Sources {
			built, err := source.build(topic)
			if err != nil {
				return nil, err
			}
			config.Sources[topic] = built
		}
	}
	if len(doc.Sinks) > 0 {
		config.Sinks = make(map[string]connectors.SinkConfig, len(doc.Sinks))
		for topic, sink := range doc.Sinks {
			built, err := sink.build(topic)
			if err != nil {
				return nil, err
			}
			config.Sinks[topic] = built
		}
	}

	if doc.Transport != nil {
		config.Transport = TransportConfig{Kind: doc.Transport.Kind, Brokers: doc.Transport.Brokers}
	}
	if doc.Stores != nil {
		config.Stores = StoreConfig{Engine: doc.Stores.Engine, Dir: doc.Stores.Dir}
	}

	return config, nil
}

type configDoc struct {
	StorageLocation    string               `json:"storageLocation"`
	CheckpointInterval string               `json:"checkpointInterval,omitempty"`
	QueueLimit         int                  `json:"queueLimit,omitempty"`
	Sources            map[string]sourceDoc `json:"sources,omitempty"`
	Sinks              map[string]sinkDoc   `json:"sinks,omitempty"`
	Transport          *transportDoc        `json:"transport,omitempty"`
	Stores             *storesDoc           `json:"stores,omitempty"`
}

type sourceDoc struct {
	Kinesis *kinesisSourceDoc `json:"kinesis,omitempty"`
	Kafka   *kafkaTopicDoc    `json:"kafka,omitempty"`
	Stdio   *struct{}         `json:"stdio,omitempty"`
}

type sinkDoc struct {
	Kafka *kafkaTopicDoc `json:"kafka,omitempty"`
	Stdio *struct{}      `json:"stdio,omitempty"`
}

type kinesisSourceDoc struct {
	StreamARN string `json:"streamARN"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// kafkaTopicDoc omits the broker-side topic to reuse the topology's topic
// name by default.
type kafkaTopicDoc struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic,omitempty"`
}

type transportDoc struct {
	Kind    string   `json:"kind"`
	Brokers []string `json:"brokers,omitempty"`
}

type storesDoc struct {
	Engine string `json:"engine"`
	Dir    string `json:"dir,omitempty"`
}

func (d sourceDoc) build(topic string) (connectors.SourceConfig, error) {
	var built []connectors.SourceConfig
	if d.Kinesis != nil {
		built = append(built, kinesis.SourceConfig{
			StreamARN: d.Kinesis.StreamARN,
			Region:    d.Kinesis.Region,
			Endpoint:  d.Kinesis.Endpoint,
		})
	}
	if d.Kafka != nil {
		built = append(built, kafka.SourceConfig{
			Brokers: d.Kafka.Brokers,
			Topic:   d.Kafka.topicOr(topic),
		})
	}
	if d.Stdio != nil {
		built = append(built, stdio.SourceConfig{})
	}
	if len(built) != 1 {
		return nil, fmt.Errorf("source %s must set exactly one connector type", topic)
	}
	return built[0], nil
}

func (d sinkDoc) build(topic string) (connectors.SinkConfig, error) {
	var built []connectors.SinkConfig
	if d.Kafka != nil {
		built = append(built, kafka.SinkConfig{
			Brokers: d.Kafka.Brokers,
			Topic:   d.Kafka.topicOr(topic),
		})
	}
	if d.Stdio != nil {
		built = append(built, stdio.SinkConfig{})
	}
	if len(built) != 1 {
		return nil, fmt.Errorf("sink %s must set exactly one connector type", topic)
	}
	return built[0], nil
}

func (d kafkaTopicDoc) topicOr(fallback string) string {
	if d.Topic != "" {
		return d.Topic
	}
	return fallback
}
