package kinesis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/streams"
	"tributary.dev/tributary/util/ptr"
)

// SourceReader consumes one shard of a Kinesis stream. The cursor is the
// sequence number of the last delivered record, so a restored reader resumes
// with an AFTER_SEQUENCE_NUMBER iterator.
type SourceReader struct {
	client    *Client
	streamARN string
	partition int32

	shardID        string
	sequenceNumber string
	iterator       string
	finished       bool
}

func (s *SourceReader) ReadBatch(ctx context.Context) ([]streams.Record, error) {
	if s.finished {
		return nil, connectors.ErrEndOfInput
	}
	if s.shardID == "" {
		if err := s.resolveShard(ctx); err != nil {
			return nil, err
		}
	}
	if s.iterator == "" {
		if err := s.refreshIterator(ctx); err != nil {
			return nil, sourceErrorFrom(err)
		}
	}

	out, err := s.client.GetRecords(ctx, &kinesis.GetRecordsInput{
		ShardIterator: ptr.New(s.iterator),
		StreamARN:     ptr.New(s.streamARN),
	})
	if errors.As(err, new(*kinesistypes.ExpiredIteratorException)) {
		if err = s.refreshIterator(ctx); err != nil {
			return nil, sourceErrorFrom(err)
		}
		out, err = s.client.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: ptr.New(s.iterator),
			StreamARN:     ptr.New(s.streamARN),
		})
	}
	if err != nil {
		return nil, sourceErrorFrom(err)
	}

	batch := make([]streams.Record, len(out.Records))
	for i, r := range out.Records {
		ts := time.Now()
		if r.ApproximateArrivalTimestamp != nil {
			ts = *r.ApproximateArrivalTimestamp
		}
		batch[i] = streams.Record{
			Key:       []byte(aws.ToString(r.PartitionKey)),
			Value:     r.Data,
			Timestamp: ts,
			Partition: s.partition,
		}
		s.sequenceNumber = aws.ToString(r.SequenceNumber)
	}

	if out.NextShardIterator == nil {
		// The shard was closed by a reshard. Its records are drained, so
		// this input is done.
		s.finished = true
	} else {
		s.iterator = *out.NextShardIterator
	}
	return batch, nil
}

func (s *SourceReader) resolveShard(ctx context.Context) error {
	shardIDs, err := s.client.ListShards(ctx, s.streamARN)
	if err != nil {
		return sourceErrorFrom(err)
	}
	if int(s.partition) >= len(shardIDs) {
		return connectors.NewTerminalError(fmt.Errorf(
			"kinesis stream %s has %d shards, no shard for partition %d",
			s.streamARN, len(shardIDs), s.partition))
	}
	s.shardID = shardIDs[s.partition]
	return nil
}

func (s *SourceReader) refreshIterator(ctx context.Context) error {
	input := &kinesis.GetShardIteratorInput{
		StreamARN:         ptr.New(s.streamARN),
		ShardId:           ptr.New(s.shardID),
		ShardIteratorType: kinesistypes.ShardIteratorTypeTrimHorizon,
	}
	if s.sequenceNumber != "" {
		input.ShardIteratorType = kinesistypes.ShardIteratorTypeAfterSequenceNumber
		input.StartingSequenceNumber = ptr.New(s.sequenceNumber)
	}

	iterator, err := s.client.GetShardIterator(ctx, input)
	if err != nil {
		return err
	}
	s.iterator = iterator
	return nil
}

func (s *SourceReader) Cursor() []byte {
	if s.sequenceNumber == "" {
		return nil
	}
	return []byte(s.sequenceNumber)
}

func (s *SourceReader) Restore(cursor []byte) error {
	s.sequenceNumber = string(cursor)
	s.iterator = ""
	s.finished = false
	return nil
}

func (s *SourceReader) Close() error {
	return nil
}

func sourceErrorFrom(err error) *connectors.SourceError {
	switch {
	case errors.As(err, new(*kinesistypes.AccessDeniedException)):
		return connectors.NewTerminalError(err)
	case errors.As(err, new(*kinesistypes.InvalidArgumentException)):
		return connectors.NewTerminalError(err)
	default:
		// Everything else, throttling included, is worth retrying.
		return connectors.NewRetryableError(err)
	}
}

var _ connectors.SourceReader = (*SourceReader)(nil)
