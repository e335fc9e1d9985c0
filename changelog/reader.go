package changelog

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"tributary.dev/tributary/storage"
)

// Reader iterates the frames of one saved segment.
type Reader struct {
	file storage.File
}

func NewReader(fs storage.FileSystem, handle Handle) *Reader {
	return &Reader{file: fs.Open(handle.URI())}
}

// All yields the segment's entries in append order. Within a segment the
// sequence numbers must run contiguously; a gap or a frame cut short by the
// end of the file yields an error wrapping ErrCorruptSegment. An empty
// segment file is allowed.
func (r *Reader) All() iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		cursor := &storage.Cursor{File: r.file}

		var expect uint64
		for {
			seqNum, err := readUint64(cursor)
			if errors.Is(err, io.EOF) {
				return // Clean end of segment
			} else if errors.Is(err, io.ErrUnexpectedEOF) {
				yield(Entry{}, fmt.Errorf("%w: %s ends mid frame", ErrCorruptSegment, r.file.URI()))
				return
			} else if err != nil {
				yield(Entry{}, fmt.Errorf("reading %s: %w", r.file.URI(), err))
				return
			}

			if expect != 0 && seqNum != expect {
				yield(Entry{}, fmt.Errorf("%w: %s skips from seq %d to %d", ErrCorruptSegment, r.file.URI(), expect-1, seqNum))
				return
			}
			expect = seqNum + 1

			key, err := readVarBytes(cursor)
			if err != nil {
				yield(Entry{}, truncatedFrameErr(r.file, err))
				return
			}

			deleted, err := readTombstone(cursor)
			if err != nil {
				yield(Entry{}, truncatedFrameErr(r.file, err))
				return
			}
			if deleted {
				if !yield(Entry{SeqNum: seqNum, Key: key, Deleted: true}, nil) {
					return
				}
				continue
			}

			value, err := readVarBytes(cursor)
			if err != nil {
				yield(Entry{}, truncatedFrameErr(r.file, err))
				return
			}
			if !yield(Entry{SeqNum: seqNum, Key: key, Value: value}, nil) {
				return
			}
		}
	}
}

// A frame that starts but cannot finish means the segment was cut short.
func truncatedFrameErr(file storage.File, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s ends mid frame", ErrCorruptSegment, file.URI())
	}
	return fmt.Errorf("reading %s: %w", file.URI(), err)
}

// Entry is one mirrored store mutation.
type Entry struct {
	SeqNum  uint64
	Key     []byte
	Value   []byte
	Deleted bool
}
