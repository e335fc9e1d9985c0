// Package kinesisfake is an in-memory Kinesis backend for tests. It speaks
// just enough of the AWS JSON protocol for the source reader: CreateStream,
// DescribeStream, PutRecords, ListShards, GetShardIterator and GetRecords.
package kinesisfake

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"

	kinesistypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"tributary.dev/tributary/util/ptr"
)

func StartFake() (*httptest.Server, *Fake) {
	fk := &Fake{db: &db{streams: make(map[string]*stream)}}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		route(fk, w, r)
	})

	return httptest.NewServer(mux), fk
}

type Fake struct {
	db *db
	// iteratorGen stamps issued shard iterators. Bumping it invalidates
	// every iterator issued before the bump.
	iteratorGen     atomic.Int64
	getRecordsError error
}

// ExpireShardIterators invalidates every shard iterator issued so far. The
// next GetRecords call with an old iterator gets an ExpiredIteratorException.
func (f *Fake) ExpireShardIterators() {
	f.iteratorGen.Add(1)
}

// SetGetRecordsError makes GetRecords calls fail with err until cleared with
// nil.
func (f *Fake) SetGetRecordsError(err error) {
	f.getRecordsError = err
}

func route(f *Fake, w http.ResponseWriter, r *http.Request) {
	operation := strings.Split(r.Header.Get("x-amz-target"), ".")[1]
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		handleError(w, err)
		return
	}
	slog.Debug("kinesisfake request", "op", operation, "body", string(body))

	var resp any
	switch operation {
	case "CreateStream":
		resp, err = f.createStream(body)
	case "DescribeStream":
		resp, err = f.describeStream(body)
	case "PutRecords":
		resp, err = f.putRecords(body)
	case "ListShards":
		resp, err = f.listShards(body)
	case "GetShardIterator":
		resp, err = f.getShardIterator(body)
	case "GetRecords":
		resp, err = f.getRecords(body)
	default:
		err = &kinesistypes.InvalidArgumentException{Message: ptr.New("unsupported operation " + operation)}
	}

	if err != nil {
		handleError(w, err)
		return
	}
	json.NewEncoder(w).Encode(resp)
}

type db struct {
	streams map[string]*stream
}

type stream struct {
	shards []*shard
}

type shard struct {
	id           string
	records      []Record
	hashKeyRange hashKeyRange
}

type hashKeyRange struct {
	startingHashKey *big.Int
	endingHashKey   *big.Int
}

func (r hashKeyRange) includes(key *big.Int) bool {
	return r.startingHashKey.Cmp(key) <= 0 && r.endingHashKey.Cmp(key) >= 0
}

// Record is the wire shape of a stored record. Data marshals as base64 and
// the arrival timestamp as epoch seconds, matching the AWS JSON protocol.
type Record struct {
	ApproximateArrivalTimestamp float64
	Data                        []byte
	PartitionKey                string
	SequenceNumber              string
}

func (f *Fake) streamByARN(arn string) (*stream, error) {
	name := streamNameFromARN(arn)
	stream := f.db.streams[name]
	if stream == nil {
		return nil, &kinesistypes.ResourceNotFoundException{
			Message: ptr.New("stream " + name + " not found"),
		}
	}
	return stream, nil
}
