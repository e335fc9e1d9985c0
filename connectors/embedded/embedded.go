// Package embedded provides in-process connectors: a Source the program
// feeds directly and a sink that records what the topology emits. They back
// tests, the demo command, and topologies embedded in a larger program.
package embedded

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/partitioning"
	"tributary.dev/tributary/streams"
)

// Source is an in-memory partitioned topic. Append routes records by key the
// same way the engine's repartition streams do, so a key always lands on the
// partition that will join it.
type Source struct {
	mu         sync.Mutex
	scheme     partitioning.Partitioning
	partitions [][]streams.Record
	finished   bool
}

func NewSource(partitions int32) *Source {
	if partitions <= 0 {
		partitions = 1
	}
	return &Source{
		scheme:     partitioning.NewPartitioning(partitions),
		partitions: make([][]streams.Record, partitions),
	}
}

// Append routes a record to the partition owning its key.
func (s *Source) Append(rec streams.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.scheme.PartitionFor(rec.Key)
	rec.Partition = p
	s.partitions[p] = append(s.partitions[p], rec)
}

// Finish marks the end of input. Drained readers report ErrEndOfInput
// afterward.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
}

func (s *Source) Validate() error {
	return nil
}

func (s *Source) NewReader(partition int32) (connectors.SourceReader, error) {
	if partition < 0 || int(partition) >= len(s.partitions) {
		return nil, fmt.Errorf("embedded source has no partition %d", partition)
	}
	return &sourceReader{source: s, partition: partition}, nil
}

var _ connectors.SourceConfig = (*Source)(nil)

type sourceReader struct {
	source    *Source
	partition int32
	pos       int
}

func (r *sourceReader) ReadBatch(ctx context.Context) ([]streams.Record, error) {
	r.source.mu.Lock()
	defer r.source.mu.Unlock()

	records := r.source.partitions[r.partition]
	if r.pos >= len(records) {
		if r.source.finished {
			return nil, connectors.ErrEndOfInput
		}
		return nil, nil
	}

	batch := slices.Clone(records[r.pos:])
	r.pos = len(records)
	return batch, nil
}

func (r *sourceReader) Cursor() []byte {
	return strconv.AppendInt(nil, int64(r.pos), 10)
}

func (r *sourceReader) Restore(cursor []byte) error {
	if len(cursor) == 0 {
		r.pos = 0
		return nil
	}
	pos, err := strconv.ParseInt(string(cursor), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid embedded source cursor %q: %w", cursor, err)
	}
	r.pos = int(pos)
	return nil
}

func (r *sourceReader) Close() error {
	return nil
}

var _ connectors.SourceReader = (*sourceReader)(nil)
