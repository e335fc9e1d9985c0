package changelog

import (
	"encoding/binary"
	"io"
)

// Segment frames are laid out as seqNum(8) keyLen(4) key tombstone(1) and,
// for puts, valueLen(4) value. Integers are little-endian.

func writeUint64(w io.Writer, v uint64) (int, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return w.Write(b)
}

func mustWriteUint64(w io.Writer, v uint64) int {
	n, err := writeUint64(w, v)
	if err != nil {
		panic(err)
	}
	return n
}

func readUint64(r io.Reader) (uint64, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func writeVarBytes(w io.Writer, data []byte) (n int, err error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(len(data)))
	if n, err = w.Write(b); err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	n += n2
	return
}

func mustWriteVarBytes(w io.Writer, data []byte) int {
	n, err := writeVarBytes(w, data)
	if err != nil {
		panic(err)
	}
	return n
}

func readVarBytes(r io.Reader) ([]byte, error) {
	lenData := make([]byte, 4)
	if _, err := io.ReadFull(r, lenData); err != nil {
		return nil, err
	}

	valueData := make([]byte, binary.LittleEndian.Uint32(lenData))
	if _, err := io.ReadFull(r, valueData); err != nil {
		return nil, err
	}

	return valueData, nil
}

func writeTombstone(w io.Writer, deleted bool) (int, error) {
	b := make([]byte, 1)
	if deleted {
		b[0] = 1
	}
	return w.Write(b)
}

func mustWriteTombstone(w io.Writer, deleted bool) int {
	n, err := writeTombstone(w, deleted)
	if err != nil {
		panic(err)
	}
	return n
}

func readTombstone(r io.Reader) (bool, error) {
	marker := make([]byte, 1)
	if _, err := io.ReadFull(r, marker); err != nil {
		return false, err
	}
	return marker[0] == byte(1), nil
}
