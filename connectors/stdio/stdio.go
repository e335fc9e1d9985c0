// Package stdio reads records from standard input and writes records to
// standard output as JSON lines, one record per line:
//
//	{"key":"user-1","value":"clicked","timestamp":1719849600000}
//
// A missing value field is a tombstone and a missing timestamp takes the
// wall clock, the way a producer without an event time would stamp it. The
// pipe is a single partition.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"tributary.dev/tributary/connectors"
	"tributary.dev/tributary/streams"
)

// maxRecordSize is the largest JSON line a single record may occupy.
const maxRecordSize = 64 << 10

type wireRecord struct {
	Key       string  `json:"key"`
	Value     *string `json:"value,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"` // unix milliseconds
}

type SourceConfig struct {
	// Input defaults to os.Stdin.
	Input io.Reader
}

func (c SourceConfig) Validate() error {
	return nil
}

func (c SourceConfig) NewReader(partition int32) (connectors.SourceReader, error) {
	if partition != 0 {
		return nil, fmt.Errorf("a pipe is a single partition, got partition %d", partition)
	}
	in := c.Input
	if in == nil {
		in = os.Stdin
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, maxRecordSize), maxRecordSize)
	return &sourceReader{scanner: scanner}, nil
}

var _ connectors.SourceConfig = SourceConfig{}

type sourceReader struct {
	scanner *bufio.Scanner
	eof     bool
}

func (r *sourceReader) ReadBatch(ctx context.Context) ([]streams.Record, error) {
	if r.eof {
		return nil, connectors.ErrEndOfInput
	}

	var batch []streams.Record
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var wire wireRecord
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, fmt.Errorf("stdio record %q: %w", line, connectors.NewTerminalError(err))
		}

		rec := streams.Record{Key: []byte(wire.Key)}
		if wire.Value != nil {
			rec.Value = []byte(*wire.Value)
		}
		if wire.Timestamp != 0 {
			rec.Timestamp = time.UnixMilli(wire.Timestamp)
		} else {
			rec.Timestamp = time.Now()
		}
		batch = append(batch, rec)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stdin: %w", connectors.NewTerminalError(err))
	}

	r.eof = true
	return batch, nil
}

// Cursor is always empty: a pipe cannot be repositioned, so a restarted
// pipeline re-reads whatever the pipe replays.
func (r *sourceReader) Cursor() []byte {
	return nil
}

func (r *sourceReader) Restore(cursor []byte) error {
	return nil
}

func (r *sourceReader) Close() error {
	return nil
}

var _ connectors.SourceReader = (*sourceReader)(nil)

type SinkConfig struct {
	// Output defaults to os.Stdout.
	Output io.Writer
}

func (c SinkConfig) Validate() error {
	return nil
}

func (c SinkConfig) NewWriter() (connectors.SinkWriter, error) {
	out := c.Output
	if out == nil {
		out = os.Stdout
	}
	return &sinkWriter{out: out}, nil
}

var _ connectors.SinkConfig = SinkConfig{}

type sinkWriter struct {
	out io.Writer
}

func (w *sinkWriter) Write(ctx context.Context, rec streams.Record) error {
	wire := wireRecord{Key: string(rec.Key), Timestamp: rec.Timestamp.UnixMilli()}
	if rec.Value != nil {
		value := string(rec.Value)
		wire.Value = &value
	}

	line, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encoding stdio record: %w", err)
	}
	// One write per line keeps lines whole when tasks share the output.
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing stdio record: %w", err)
	}
	return nil
}

func (w *sinkWriter) Close() error {
	return nil
}

var _ connectors.SinkWriter = (*sinkWriter)(nil)
