package repartition

// Stream frames are laid out as timestamp(8) keyLen(4) key tombstone(1) and,
// for records with a value, valueLen(4) value. Integers are little-endian.
// Offsets are implicit: a segment's first frame has the segment's base
// offset.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"tributary.dev/tributary/streams"
)

func writeFrame(buf *bytes.Buffer, rec streams.Record) {
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], uint64(rec.Timestamp.UnixNano()))
	buf.Write(scratch[:])

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(rec.Key)))
	buf.Write(scratch[:4])
	buf.Write(rec.Key)

	if rec.Value == nil {
		buf.WriteByte(1)
		return
	}
	buf.WriteByte(0)
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(rec.Value)))
	buf.Write(scratch[:4])
	buf.Write(rec.Value)
}

func decodeFrames(data []byte) ([]streams.Record, error) {
	var records []streams.Record
	rd := bytes.NewReader(data)
	for rd.Len() > 0 {
		rec, err := readFrame(rd)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func readFrame(rd *bytes.Reader) (streams.Record, error) {
	var rec streams.Record

	nanos, err := readUint64(rd)
	if err != nil {
		return rec, fmt.Errorf("reading frame timestamp: %w", err)
	}
	rec.Timestamp = time.Unix(0, int64(nanos))

	rec.Key, err = readVarBytes(rd)
	if err != nil {
		return rec, fmt.Errorf("reading frame key: %w", err)
	}

	var tombstone [1]byte
	if _, err := io.ReadFull(rd, tombstone[:]); err != nil {
		return rec, fmt.Errorf("reading frame tombstone flag: %w", err)
	}
	if tombstone[0] == 1 {
		return rec, nil
	}

	rec.Value, err = readVarBytes(rd)
	if err != nil {
		return rec, fmt.Errorf("reading frame value: %w", err)
	}
	return rec, nil
}

func readUint64(rd io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readVarBytes(rd io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(rd, data); err != nil {
		return nil, err
	}
	return data, nil
}
