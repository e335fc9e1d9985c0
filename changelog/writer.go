package changelog

import (
	"fmt"
	"io"
	"path"

	"tributary.dev/tributary/storage"
)

// Writer appends frames to one segment file. Frames accumulate in memory
// until Save publishes the file; a saved segment is immutable.
type Writer struct {
	file    storage.File
	dir     string
	id      int // The segment number, increasing by 1 each rotation
	buffer  *bufferSegment
	maxSize uint64
}

func NewWriter(fs storage.FileSystem, dir string, id int, maxSize uint64) *Writer {
	return &Writer{
		file:    fs.New(path.Join(dir, FileName(id))),
		dir:     dir,
		id:      id,
		buffer:  &bufferSegment{},
		maxSize: maxSize,
	}
}

func (w *Writer) Put(key, value []byte, seqNum uint64) (full bool) {
	buf := w.buffer
	mustWriteUint64(buf, seqNum)
	mustWriteVarBytes(buf, key)
	mustWriteTombstone(buf, false)
	mustWriteVarBytes(buf, value)

	return uint64(len(buf.buf)) >= w.maxSize
}

func (w *Writer) Delete(key []byte, seqNum uint64) (full bool) {
	buf := w.buffer
	mustWriteUint64(buf, seqNum)
	mustWriteVarBytes(buf, key)
	mustWriteTombstone(buf, true)

	return uint64(len(buf.buf)) >= w.maxSize
}

// Size returns the number of buffered bytes. A writer with size 0 has nothing
// worth saving.
func (w *Writer) Size() int {
	return len(w.buffer.buf)
}

// Rotate starts the next segment. The previous segment's data stays in its
// own saved file, so unlike a WAL rotation nothing carries over.
func (w *Writer) Rotate(fs storage.FileSystem) *Writer {
	return NewWriter(fs, w.dir, w.id+1, w.maxSize)
}

// Save publishes the segment to durable storage.
func (w *Writer) Save() error {
	if _, err := io.Copy(w.file, w.buffer); err != nil {
		return err
	}
	return w.file.Save()
}

func (w *Writer) Handle() Handle {
	return Handle{ID: w.id, file: w.file}
}

func FileName(id int) string {
	return fmt.Sprintf("%06d.seg", id)
}

// bufferSegment implements io.Reader and io.Writer over a plain []byte so
// that Save can io.Copy the buffered frames into the segment file.
type bufferSegment struct {
	buf        []byte
	readOffset int // Keep track of read offset for io.Reader.Read.
}

// Write implements io.Writer
func (b *bufferSegment) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Read implements io.Reader
func (b *bufferSegment) Read(p []byte) (n int, err error) {
	if len(b.buf) <= b.readOffset {
		return 0, io.EOF
	}
	n = copy(p, b.buf[b.readOffset:])
	b.readOffset += n
	return n, nil
}
