package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/streams"
)

const pollTimeout = 250 * time.Millisecond

// SourceReader consumes one partition of a Kafka topic. Its cursor is the
// next unread offset.
type SourceReader struct {
	client    *kgo.Client
	owned     bool
	topic     string
	partition int32
	pos       int64
	assigned  bool
}

func (s *SourceReader) ReadBatch(ctx context.Context) ([]streams.Record, error) {
	if !s.assigned {
		s.assign(kgo.NewOffset().AtStart())
	}

	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	fetches := s.client.PollFetches(pollCtx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fetches.Err(); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		if errors.Is(err, kgo.ErrClientClosed) {
			return nil, fmt.Errorf("kafka source %s: %w", s.topic, connectors.NewTerminalError(err))
		}
		return nil, fmt.Errorf("kafka source %s: %w", s.topic, connectors.NewRetryableError(err))
	}

	var batch []streams.Record
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		batch = append(batch, streams.Record{
			Key:       record.Key,
			Value:     record.Value,
			Timestamp: record.Timestamp,
			Partition: record.Partition,
		})
		s.pos = record.Offset + 1
	}
	return batch, nil
}

func (s *SourceReader) Cursor() []byte {
	return strconv.AppendInt(nil, s.pos, 10)
}

func (s *SourceReader) Restore(cursor []byte) error {
	if len(cursor) == 0 {
		s.assign(kgo.NewOffset().AtStart())
		return nil
	}
	pos, err := strconv.ParseInt(string(cursor), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid kafka cursor %q: %w", cursor, err)
	}
	s.pos = pos
	s.assign(kgo.NewOffset().At(pos))
	return nil
}

func (s *SourceReader) assign(at kgo.Offset) {
	s.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
		s.topic: {s.partition: at},
	})
	s.assigned = true
}

func (s *SourceReader) Close() error {
	if s.owned {
		s.client.Close()
	}
	return nil
}

var _ connectors.SourceReader = (*SourceReader)(nil)
