package kinesisfake

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"

	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"tributary.dev/tributary/util/ptr"
)

type PutRecordsRequest struct {
	Records   []*PutRecordsRequestEntry
	StreamARN string
}

type PutRecordsRequestEntry struct {
	Data         string
	PartitionKey string
}

type PutRecordsResponse struct {
	FailedRecordCount int
	Records           []PutRecordsResponseEntry
}

type PutRecordsResponseEntry struct {
	SequenceNumber string
	ShardId        string
}

func (f *Fake) putRecords(body []byte) (*PutRecordsResponse, error) {
	var request PutRecordsRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("decode PutRecordsRequest: %w", err)
	}

	stream, err := f.streamByARN(request.StreamARN)
	if err != nil {
		return nil, err
	}

	entries := make([]PutRecordsResponseEntry, len(request.Records))
	for i, r := range request.Records {
		data, err := base64.StdEncoding.DecodeString(r.Data)
		if err != nil {
			return nil, &kinesistypes.InvalidArgumentException{
				Message: ptr.New("record data is not base64: " + err.Error()),
			}
		}

		shard := pickShard(r.PartitionKey, stream.shards)
		// Sequence numbers count up per shard, so a record's sequence number
		// is also its index in the shard.
		seq := strconv.Itoa(len(shard.records))
		shard.records = append(shard.records, Record{
			ApproximateArrivalTimestamp: float64(time.Now().UnixMilli()) / 1e3,
			Data:                        data,
			PartitionKey:                r.PartitionKey,
			SequenceNumber:              seq,
		})
		entries[i] = PutRecordsResponseEntry{SequenceNumber: seq, ShardId: shard.id}
	}

	return &PutRecordsResponse{Records: entries}, nil
}

func pickShard(partitionKey string, shards []*shard) *shard {
	hash := md5.Sum([]byte(partitionKey))
	rangeKey := new(big.Int).SetBytes(hash[:])

	for _, s := range shards {
		if s.hashKeyRange.includes(rangeKey) {
			return s
		}
	}
	panic(fmt.Sprintf("BUG: no shard range includes hash key %s", rangeKey))
}

type GetShardIteratorRequest struct {
	ShardId                string
	ShardIteratorType      string
	StartingSequenceNumber string
	StreamARN              string
}

type GetShardIteratorResponse struct {
	ShardIterator string
}

func (f *Fake) getShardIterator(body []byte) (*GetShardIteratorResponse, error) {
	var request GetShardIteratorRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("decode GetShardIteratorRequest: %w", err)
	}

	stream, err := f.streamByARN(request.StreamARN)
	if err != nil {
		return nil, err
	}
	shard, err := shardByID(stream, request.ShardId)
	if err != nil {
		return nil, err
	}

	var pos int
	switch request.ShardIteratorType {
	case "TRIM_HORIZON":
		pos = 0
	case "LATEST":
		pos = len(shard.records)
	case "AT_SEQUENCE_NUMBER", "AFTER_SEQUENCE_NUMBER":
		seq, err := strconv.Atoi(request.StartingSequenceNumber)
		if err != nil {
			return nil, &kinesistypes.InvalidArgumentException{
				Message: ptr.New("invalid sequence number " + request.StartingSequenceNumber),
			}
		}
		pos = seq
		if request.ShardIteratorType == "AFTER_SEQUENCE_NUMBER" {
			pos++
		}
	default:
		return nil, &kinesistypes.InvalidArgumentException{
			Message: ptr.New("unsupported iterator type " + request.ShardIteratorType),
		}
	}

	return &GetShardIteratorResponse{ShardIterator: f.issueIterator(shard.id, pos)}, nil
}

type GetRecordsRequest struct {
	ShardIterator string
	StreamARN     string
}

type GetRecordsResponse struct {
	MillisBehindLatest int
	NextShardIterator  string
	Records            []Record
}

func (f *Fake) getRecords(body []byte) (*GetRecordsResponse, error) {
	if f.getRecordsError != nil {
		return nil, f.getRecordsError
	}

	var request GetRecordsRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("decode GetRecordsRequest: %w", err)
	}

	stream, err := f.streamByARN(request.StreamARN)
	if err != nil {
		return nil, err
	}

	shardID, pos, gen, err := splitShardIterator(request.ShardIterator)
	if err != nil {
		return nil, err
	}
	if gen < f.iteratorGen.Load() {
		return nil, &kinesistypes.ExpiredIteratorException{
			Message: ptr.New("iterator " + request.ShardIterator + " has expired"),
		}
	}

	shard, err := shardByID(stream, shardID)
	if err != nil {
		return nil, err
	}

	pos = min(pos, len(shard.records))
	records := shard.records[pos:]

	return &GetRecordsResponse{
		NextShardIterator: f.issueIterator(shardID, pos+len(records)),
		Records:           records,
	}, nil
}

func shardByID(st *stream, shardID string) (*shard, error) {
	idx := slices.IndexFunc(st.shards, func(s *shard) bool { return s.id == shardID })
	if idx == -1 {
		return nil, &kinesistypes.ResourceNotFoundException{
			Message: ptr.New("no shard " + shardID),
		}
	}
	return st.shards[idx], nil
}

// Iterators encode shard, position and generation. The generation lets
// ExpireShardIterators invalidate everything issued before the bump.
func (f *Fake) issueIterator(shardID string, pos int) string {
	return fmt.Sprintf("%s:%d:%d", shardID, pos, f.iteratorGen.Load())
}

func splitShardIterator(iterator string) (shardID string, pos int, gen int64, err error) {
	parts := strings.Split(iterator, ":")
	if len(parts) != 3 {
		return "", 0, 0, &kinesistypes.InvalidArgumentException{
			Message: ptr.New("invalid shard iterator " + iterator),
		}
	}
	pos, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, &kinesistypes.InvalidArgumentException{
			Message: ptr.New("invalid shard iterator " + iterator),
		}
	}
	gen, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, &kinesistypes.InvalidArgumentException{
			Message: ptr.New("invalid shard iterator " + iterator),
		}
	}
	return parts[0], pos, gen, nil
}
