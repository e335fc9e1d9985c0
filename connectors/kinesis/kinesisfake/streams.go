package kinesisfake

import (
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"strings"

	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"tributary.dev/tributary/util/ptr"
)

type CreateStreamRequest struct {
	StreamName string
	ShardCount int32
}

type CreateStreamResponse struct{}

func (f *Fake) createStream(body []byte) (*CreateStreamResponse, error) {
	var request CreateStreamRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("decode CreateStreamRequest: %w", err)
	}

	if f.db.streams[request.StreamName] != nil {
		return nil, &kinesistypes.ResourceInUseException{
			Message: ptr.New("stream " + request.StreamName + " already exists"),
		}
	}

	count := max(request.ShardCount, 1)

	// Split the 128-bit hash key space into equal contiguous ranges, the way
	// Kinesis lays out a freshly created stream.
	keySpace := new(big.Int).Lsh(big.NewInt(1), 128)
	step := new(big.Int).Div(keySpace, big.NewInt(int64(count)))

	shards := make([]*shard, count)
	for i := range shards {
		start := new(big.Int).Mul(step, big.NewInt(int64(i)))
		var end *big.Int
		if i == int(count)-1 {
			end = new(big.Int).Sub(keySpace, big.NewInt(1))
		} else {
			next := new(big.Int).Mul(step, big.NewInt(int64(i)+1))
			end = next.Sub(next, big.NewInt(1))
		}
		shards[i] = &shard{
			id:           fmt.Sprintf("shardId-%012d", i),
			hashKeyRange: hashKeyRange{startingHashKey: start, endingHashKey: end},
		}
	}

	f.db.streams[request.StreamName] = &stream{shards: shards}
	return &CreateStreamResponse{}, nil
}

type DescribeStreamRequest struct {
	StreamName string
}

type DescribeStreamResponse struct {
	StreamDescription StreamDescription
}

type StreamDescription struct {
	HasMoreShards bool
	StreamARN     string
	StreamName    string
	StreamStatus  string
}

func (f *Fake) describeStream(body []byte) (*DescribeStreamResponse, error) {
	var request DescribeStreamRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("decode DescribeStreamRequest: %w", err)
	}

	if f.db.streams[request.StreamName] == nil {
		return nil, &kinesistypes.ResourceNotFoundException{
			Message: ptr.New("stream " + request.StreamName + " not found"),
		}
	}
	return &DescribeStreamResponse{
		StreamDescription: StreamDescription{
			StreamName:   request.StreamName,
			StreamStatus: "ACTIVE",
			StreamARN:    arnFromStreamName(request.StreamName),
		},
	}, nil
}

type ListShardsRequest struct {
	ExclusiveStartShardId string
	StreamARN             string
	StreamName            string
}

type ListShardsResponse struct {
	NextToken *string
	Shards    []Shard
}

type Shard struct {
	ShardId             string
	HashKeyRange        HashKeyRange
	SequenceNumberRange SequenceNumberRange
}

type HashKeyRange struct {
	StartingHashKey string
	EndingHashKey   string
}

type SequenceNumberRange struct {
	StartingSequenceNumber string
	EndingSequenceNumber   string
}

func (f *Fake) listShards(body []byte) (*ListShardsResponse, error) {
	var request ListShardsRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("decode ListShardsRequest: %w", err)
	}

	streamName := request.StreamName
	if streamName == "" && request.StreamARN != "" {
		streamName = streamNameFromARN(request.StreamARN)
	}
	stream := f.db.streams[streamName]
	if stream == nil {
		return nil, &kinesistypes.ResourceNotFoundException{
			Message: ptr.New("stream " + streamName + " not found"),
		}
	}

	startIdx := 0
	if request.ExclusiveStartShardId != "" {
		found := slices.IndexFunc(stream.shards, func(s *shard) bool {
			return s.id == request.ExclusiveStartShardId
		})
		if found == -1 {
			return nil, &kinesistypes.InvalidArgumentException{
				Message: ptr.New("exclusive start shard " + request.ExclusiveStartShardId + " not found"),
			}
		}
		startIdx = found + 1
	}

	responseShards := make([]Shard, len(stream.shards)-startIdx)
	for i, s := range stream.shards[startIdx:] {
		responseShards[i] = Shard{
			ShardId: s.id,
			HashKeyRange: HashKeyRange{
				StartingHashKey: s.hashKeyRange.startingHashKey.String(),
				EndingHashKey:   s.hashKeyRange.endingHashKey.String(),
			},
			SequenceNumberRange: SequenceNumberRange{StartingSequenceNumber: "0"},
		}
	}
	return &ListShardsResponse{Shards: responseShards}, nil
}

func arnFromStreamName(streamName string) string {
	return fmt.Sprintf("arn:aws:kinesis:local:000000000000:stream/%s", streamName)
}

func streamNameFromARN(arn string) string {
	parts := strings.Split(arn, "/")
	return parts[len(parts)-1]
}
