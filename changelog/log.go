package changelog

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"tributary.dev/tributary/state"
	"tributary.dev/tributary/storage"
)

var appendedEntries = metrics.NewCounter("changelog_appended_entries")

// DefaultMaxSegmentSize caps a segment file at 4MB before rotation.
const DefaultMaxSegmentSize = 4 << 20

// Log is the changelog for one store. It assigns sequence numbers, frames
// mutations into the active segment, and rotates to a new segment file once
// the active one reaches its size limit. Log implements state.Mirror, so a
// store wired to it mirrors every mutation here before applying it locally.
//
// Saved segments stay in the segment list until a checkpoint manifest no
// longer references them. Replaying the full list from an empty store
// reproduces the mirrored store exactly.
type Log struct {
	fs       storage.FileSystem
	topic    string
	writer   *Writer
	segments []Handle
	seq      uint64
	maxSize  uint64
}

type LogOptions struct {
	FileSystem storage.FileSystem
	// Topic is the directory prefix for the log's segment files, usually a
	// TopicName.
	Topic string
	// MaxSegmentSize is the rotation threshold in bytes. Defaults to
	// DefaultMaxSegmentSize.
	MaxSegmentSize uint64
}

func NewLog(opts LogOptions) *Log {
	if opts.FileSystem == nil {
		panic("BUG: changelog requires a filesystem")
	}
	if opts.Topic == "" {
		panic("BUG: changelog requires a topic")
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}

	return &Log{
		fs:      opts.FileSystem,
		topic:   opts.Topic,
		writer:  NewWriter(opts.FileSystem, opts.Topic, 0, opts.MaxSegmentSize),
		maxSize: opts.MaxSegmentSize,
	}
}

// ResumeLog continues a log recovered from a checkpoint manifest. New frames
// continue the recorded sequence and go to a fresh segment numbered past any
// recorded segment.
func ResumeLog(opts LogOptions, doc StoreDocument) *Log {
	log := NewLog(opts)
	log.seq = doc.LastSeq

	nextID := 0
	log.segments = make([]Handle, len(doc.Segments))
	for i, uri := range doc.Segments {
		handle := NewHandle(opts.FileSystem, uri)
		log.segments[i] = handle
		nextID = max(nextID, handle.ID+1)
	}
	log.writer = NewWriter(opts.FileSystem, log.topic, nextID, log.maxSize)

	return log
}

// Put mirrors a store put.
func (l *Log) Put(key, value []byte) error {
	l.seq++
	appendedEntries.Inc()
	if full := l.writer.Put(key, value, l.seq); full {
		return l.roll()
	}
	return nil
}

// Delete mirrors a store delete.
func (l *Log) Delete(key []byte) error {
	l.seq++
	appendedEntries.Inc()
	if full := l.writer.Delete(key, l.seq); full {
		return l.roll()
	}
	return nil
}

// LastSeq returns the sequence number of the most recent append.
func (l *Log) LastSeq() uint64 {
	return l.seq
}

// Checkpoint saves the active segment and returns the document to record in
// the checkpoint manifest. Every frame appended before the call is durable
// once Checkpoint returns.
func (l *Log) Checkpoint() (StoreDocument, error) {
	if l.writer.Size() > 0 {
		if err := l.roll(); err != nil {
			return StoreDocument{}, err
		}
	}

	uris := make([]string, len(l.segments))
	for i, handle := range l.segments {
		uris[i] = handle.URI()
	}
	return StoreDocument{Segments: uris, LastSeq: l.seq}, nil
}

func (l *Log) roll() error {
	if err := l.writer.Save(); err != nil {
		return fmt.Errorf("saving changelog segment %s: %w", l.writer.file.Name(), err)
	}
	l.segments = append(l.segments, l.writer.Handle())
	l.writer = l.writer.Rotate(l.fs)
	return nil
}

var _ state.Mirror = (*Log)(nil)
