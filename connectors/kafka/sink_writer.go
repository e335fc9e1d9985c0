package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/streams"
)

// SinkWriter writes records to a Kafka topic.
type SinkWriter struct {
	client *kgo.Client
	owned  bool
	topic  string
}

func (s *SinkWriter) Write(ctx context.Context, rec streams.Record) error {
	record := &kgo.Record{
		Topic:     s.topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("writing to kafka topic %s: %w", s.topic, err)
	}
	return nil
}

func (s *SinkWriter) Close() error {
	if s.owned {
		s.client.Close()
	}
	return nil
}

var _ connectors.SinkWriter = (*SinkWriter)(nil)
