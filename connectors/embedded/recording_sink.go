package embedded

import (
	"context"
	"slices"
	"sync"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/streams"
)

// RecordingSink collects everything written to it. It is its own SinkConfig,
// so tests hand it straight to the engine and inspect Records afterward.
type RecordingSink struct {
	mu      sync.Mutex
	records []streams.Record
}

func (s *RecordingSink) Validate() error {
	return nil
}

func (s *RecordingSink) NewWriter() (connectors.SinkWriter, error) {
	return s, nil
}

func (s *RecordingSink) Write(ctx context.Context, rec streams.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *RecordingSink) Records() []streams.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

func (s *RecordingSink) Close() error {
	return nil
}

var (
	_ connectors.SinkConfig = (*RecordingSink)(nil)
	_ connectors.SinkWriter = (*RecordingSink)(nil)
)
