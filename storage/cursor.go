package storage

import "io"

// Cursor adapts a file's positioned reads to sequential io.Reader calls,
// which is how segment frames are decoded.
type Cursor struct {
	File   io.ReaderAt
	offset int64
}

func (c *Cursor) Read(p []byte) (n int, err error) {
	n, err = c.File.ReadAt(p, c.offset)
	if err != nil {
		return n, err
	}
	c.offset += int64(n)
	return n, nil
}

var _ io.Reader = (*Cursor)(nil)
