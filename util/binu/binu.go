// Package binu has helpers for the big-endian time encodings used in store
// and changelog keys.
package binu

import (
	"encoding/binary"
	"time"
)

// AppendTimeBytes appends t as 8 bytes of big-endian unix nanoseconds so that
// encoded times sort chronologically.
func AppendTimeBytes(b []byte, t time.Time) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(t.UnixNano()))
}

// TimeFromBytes reads a time written by AppendTimeBytes from the first 8
// bytes of b.
func TimeFromBytes(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}
