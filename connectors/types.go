// Package connectors defines how records enter and leave a topology. A
// SourceReader feeds one partition of an input topic to the task that owns
// it; a SinkWriter publishes the topology's output records.
package connectors

import (
	"context"

	"tributary.dev/tributary/streams"
)

// SourceReader reads one partition of an input topic. Readers are owned by a
// single task and never shared.
type SourceReader interface {
	// ReadBatch returns the records now available, or an empty batch when
	// the partition has nothing new.
	ReadBatch(ctx context.Context) ([]streams.Record, error)

	// Cursor identifies the next unread position for a checkpoint manifest.
	Cursor() []byte

	// Restore repositions the reader at a checkpointed cursor. The engine
	// calls it once before the first ReadBatch, with nil when no checkpoint
	// exists.
	Restore(cursor []byte) error

	Close() error
}

type SinkWriter interface {
	Write(ctx context.Context, rec streams.Record) error
	Close() error
}

// SourceConfig describes an input topic and opens readers for its
// partitions.
type SourceConfig interface {
	Validate() error
	NewReader(partition int32) (SourceReader, error)
}

type SinkConfig interface {
	Validate() error
	NewWriter() (SinkWriter, error)
}
