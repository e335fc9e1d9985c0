// Package repartition moves records between partitioning boundaries through
// intermediate partitioned streams. When a topology rekeys records or joins
// streams whose partitioning disagrees, the upstream tasks route records
// through one of these streams so that every key reaches the partition that
// owns it.
//
// Streams are durable: readers resume from checkpointed offsets after a
// restart, and consumed records are purged only once a checkpoint covers
// them.
package repartition

import (
	"context"
	"fmt"
	"strconv"

	"github.com/VictoriaMetrics/metrics"
	"tributary.dev/tributary/partitioning"
	"tributary.dev/tributary/streams"
)

var routedRecords = metrics.NewCounter("repartition_routed_records")

// TopicName returns the backing topic for a repartition stream, namespaced by
// the application ID.
func TopicName(appID, shortName string) string {
	return fmt.Sprintf("%s-%s-repartition", appID, shortName)
}

// Writer appends records to a repartition stream. Append buffers; Flush
// publishes everything appended so far. Readers never observe unflushed
// records.
type Writer interface {
	Append(rec streams.Record) error
	Flush(ctx context.Context) error
}

// Reader consumes one partition of a repartition stream starting at a fixed
// offset.
type Reader interface {
	// Read returns the records available at the reader's position and
	// advances past them. An empty batch means nothing new is published.
	Read(ctx context.Context) ([]streams.Record, error)

	// Position is the offset of the next unread record.
	Position() int64

	// Purge reclaims records below upTo, at the transport's granularity.
	// Callers purge only offsets covered by a completed checkpoint.
	Purge(ctx context.Context, upTo int64) error

	Close() error
}

// Transport creates and connects to repartition streams. A stream has a
// single writing process; tasks within that process share one Transport.
type Transport interface {
	// CreateStream ensures the stream exists with the partition count.
	CreateStream(ctx context.Context, topic string, partitions int32) error
	NewWriter(topic string) Writer
	NewReader(topic string, partition int32, offset int64) (Reader, error)

	// EndOffset is the offset one past the last published record of a
	// partition. Once a stream's writers have flushed and stopped, a reader
	// reaching this offset has consumed the whole stream.
	EndOffset(ctx context.Context, topic string, partition int32) (int64, error)

	Close() error
}

// Router assigns each record the partition that owns its key and appends it
// to the stream.
type Router struct {
	partitioning partitioning.Partitioning
	writer       Writer
}

func NewRouter(p partitioning.Partitioning, writer Writer) *Router {
	return &Router{partitioning: p, writer: writer}
}

func (r *Router) Route(rec streams.Record) error {
	rec.Partition = r.partitioning.PartitionFor(rec.Key)
	routedRecords.Inc()
	return r.writer.Append(rec)
}

func (r *Router) Flush(ctx context.Context) error {
	return r.writer.Flush(ctx)
}

// EncodeCursor serializes a reader position for a checkpoint manifest.
func EncodeCursor(offset int64) []byte {
	return strconv.AppendInt(nil, offset, 10)
}

// DecodeCursor parses a checkpointed reader position. An empty cursor means
// the start of the stream.
func DecodeCursor(cursor []byte) (int64, error) {
	if len(cursor) == 0 {
		return 0, nil
	}
	offset, err := strconv.ParseInt(string(cursor), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid repartition cursor %q: %w", cursor, err)
	}
	return offset, nil
}
