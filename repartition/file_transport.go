package repartition

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"

	"tributary.dev/tributary/storage"
	"tributary.dev/tributary/streams"
)

const DefaultMaxSegmentSize = 4 << 20

// FileTransport backs repartition streams with segment files on a
// storage.FileSystem. Each partition is a directory of segments named by
// their base offset, so a listing reads back in offset order. Flush seals
// the open segment of every partition, publishing its records to readers.
type FileTransport struct {
	fs             storage.FileSystem
	maxSegmentSize uint64

	mu        sync.Mutex
	appenders map[appenderKey]*appender
}

type FileTransportOptions struct {
	FileSystem storage.FileSystem
	// MaxSegmentSize seals a partition's open segment early when a batch
	// exceeds it. Defaults to 4 MiB.
	MaxSegmentSize uint64
}

func NewFileTransport(opts FileTransportOptions) *FileTransport {
	if opts.FileSystem == nil {
		panic("BUG: file transport requires a filesystem")
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	return &FileTransport{
		fs:             opts.FileSystem,
		maxSegmentSize: opts.MaxSegmentSize,
		appenders:      make(map[appenderKey]*appender),
	}
}

// CreateStream is a no-op: partition directories materialize with their
// first segment.
func (t *FileTransport) CreateStream(ctx context.Context, topic string, partitions int32) error {
	return nil
}

func (t *FileTransport) NewWriter(topic string) Writer {
	return &fileWriter{transport: t, topic: topic}
}

func (t *FileTransport) NewReader(topic string, partition int32, offset int64) (Reader, error) {
	return &fileReader{
		fs:        t.fs,
		dir:       partitionDir(topic, partition),
		partition: partition,
		pos:       offset,
	}, nil
}

func (t *FileTransport) EndOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := appenderKey{topic: topic, partition: partition}
	a, ok := t.appenders[key]
	if !ok {
		a = &appender{dir: partitionDir(topic, partition)}
		t.appenders[key] = a
	}
	if !a.loaded {
		if err := t.loadNextOffset(a); err != nil {
			return 0, err
		}
	}
	return a.next + int64(a.buffered), nil
}

func (t *FileTransport) Close() error {
	return nil
}

type appenderKey struct {
	topic     string
	partition int32
}

type appender struct {
	dir      string
	buf      bytes.Buffer
	buffered int   // records in buf
	next     int64 // base offset of the open segment
	loaded   bool
}

func (t *FileTransport) append(topic string, rec streams.Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := appenderKey{topic: topic, partition: rec.Partition}
	a, ok := t.appenders[key]
	if !ok {
		a = &appender{dir: partitionDir(topic, rec.Partition)}
		t.appenders[key] = a
	}
	if !a.loaded {
		if err := t.loadNextOffset(a); err != nil {
			return err
		}
	}

	writeFrame(&a.buf, rec)
	a.buffered++
	if uint64(a.buf.Len()) >= t.maxSegmentSize {
		return t.seal(a)
	}
	return nil
}

func (t *FileTransport) flush(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, a := range t.appenders {
		if key.topic != topic {
			continue
		}
		if err := t.seal(a); err != nil {
			return err
		}
	}
	return nil
}

// loadNextOffset resumes a partition's offset sequence after the segments
// already on storage.
func (t *FileTransport) loadNextOffset(a *appender) error {
	segments, err := listSegments(t.fs, a.dir)
	if err != nil {
		return err
	}
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		data, err := storage.ReadAll(t.fs.Open(last.uri))
		if err != nil {
			return fmt.Errorf("reading repartition segment %s: %w", last.uri, err)
		}
		records, err := decodeFrames(data)
		if err != nil {
			return fmt.Errorf("repartition segment %s: %w", last.uri, err)
		}
		a.next = last.base + int64(len(records))
	}
	a.loaded = true
	return nil
}

func (t *FileTransport) seal(a *appender) error {
	if a.buffered == 0 {
		return nil
	}

	file := t.fs.New(path.Join(a.dir, segmentName(a.next)))
	if _, err := io.Copy(file, &a.buf); err != nil {
		return fmt.Errorf("writing repartition segment %s: %w", file.Name(), err)
	}
	if err := file.Save(); err != nil {
		return fmt.Errorf("saving repartition segment %s: %w", file.Name(), err)
	}

	a.next += int64(a.buffered)
	a.buffered = 0
	a.buf.Reset()
	return nil
}

type fileWriter struct {
	transport *FileTransport
	topic     string
}

func (w *fileWriter) Append(rec streams.Record) error {
	return w.transport.append(w.topic, rec)
}

func (w *fileWriter) Flush(ctx context.Context) error {
	return w.transport.flush(w.topic)
}

type fileReader struct {
	fs        storage.FileSystem
	dir       string
	partition int32
	pos       int64
}

func (r *fileReader) Read(ctx context.Context) ([]streams.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	segments, err := listSegments(r.fs, r.dir)
	if err != nil {
		return nil, err
	}

	var batch []streams.Record
	for i, seg := range segments {
		// A later segment's base tells us this one is fully consumed.
		if i+1 < len(segments) && segments[i+1].base <= r.pos {
			continue
		}
		if seg.base > r.pos {
			return nil, fmt.Errorf("repartition partition %s was purged past offset %d", r.dir, r.pos)
		}

		data, err := storage.ReadAll(r.fs.Open(seg.uri))
		if err != nil {
			return nil, fmt.Errorf("reading repartition segment %s: %w", seg.uri, err)
		}
		records, err := decodeFrames(data)
		if err != nil {
			return nil, fmt.Errorf("repartition segment %s: %w", seg.uri, err)
		}
		for j, rec := range records {
			offset := seg.base + int64(j)
			if offset < r.pos {
				continue
			}
			rec.Partition = r.partition
			batch = append(batch, rec)
			r.pos = offset + 1
		}
	}
	return batch, nil
}

func (r *fileReader) Position() int64 {
	return r.pos
}

// Purge deletes segments wholly below upTo. The newest segment always stays
// because its end offset is unknown without parsing it.
func (r *fileReader) Purge(ctx context.Context, upTo int64) error {
	segments, err := listSegments(r.fs, r.dir)
	if err != nil {
		return err
	}
	for i := 0; i+1 < len(segments); i++ {
		if segments[i+1].base <= upTo {
			if err := r.fs.Open(segments[i].uri).Delete(); err != nil {
				return fmt.Errorf("purging repartition segment %s: %w", segments[i].uri, err)
			}
		}
	}
	return nil
}

func (r *fileReader) Close() error {
	return nil
}

type segmentRef struct {
	uri  string
	base int64
}

func listSegments(fs storage.FileSystem, dir string) ([]segmentRef, error) {
	var segments []segmentRef
	for uri, err := range fs.List(dir + "/") {
		if err != nil {
			return nil, fmt.Errorf("listing repartition segments in %s: %w", dir, err)
		}
		if path.Ext(uri) != ".seg" {
			continue
		}
		base, err := parseSegmentBase(uri)
		if err != nil {
			return nil, err
		}
		segments = append(segments, segmentRef{uri: uri, base: base})
	}
	return segments, nil
}

func partitionDir(topic string, partition int32) string {
	return path.Join(topic, strconv.Itoa(int(partition)))
}

// segmentName encodes the base offset in fixed-width hex so listings come
// back in offset order.
func segmentName(base int64) string {
	return fmt.Sprintf("%016x.seg", base)
}

func parseSegmentBase(uri string) (int64, error) {
	name := strings.TrimSuffix(path.Base(uri), ".seg")
	base, err := strconv.ParseInt(name, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("segment %s has no parseable base offset: %w", uri, err)
	}
	return base, nil
}

var _ Transport = (*FileTransport)(nil)
