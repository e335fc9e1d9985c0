// Package storage provides the filesystem abstraction behind changelog
// segments and checkpoint manifests. Implementations exist for memory://
// (tests), local disk, and s3:// locations.
package storage

import (
	"errors"
	"io"
	"iter"
	"strings"
)

type FileSystem interface {
	// New creates a writable file. The file becomes visible to Open and List
	// only after Save.
	New(path string) File
	// Open references an existing file for reading.
	Open(path string) File
	// Copy duplicates the file at a source URI to a destination path within
	// this filesystem.
	Copy(source string, destination string) error
	// List yields the paths under prefix in ascending order.
	List(prefix string) iter.Seq2[string, error]
}

type File interface {
	io.ReaderAt
	io.Writer
	// Save atomically publishes the written content and makes the file
	// read-only.
	Save() error
	Name() string
	Delete() error
	URI() string
	Size() int64
	CreateDeleteFunc() func() error
}

type FileMode int

const FILE_MODE_READ = 0
const FILE_MODE_WRITE = 1

var ErrNotFound = errors.New("file not found")

// NewFileSystemFromLocation returns the FileSystem for a location string:
// memory://<dir>, s3://<bucket>/<prefix>, or a local directory path.
func NewFileSystemFromLocation(location string) (FileSystem, error) {
	if strings.HasPrefix(location, memoryProtocol) {
		workingDir := strings.TrimPrefix(location, memoryProtocol)
		return NewMemoryFilesystem().WithWorkingDir(workingDir), nil
	}
	if strings.HasPrefix(location, s3Protocol) {
		return NewS3FileSystemFromURI(location)
	}

	return NewLocalFilesystem(location), nil
}
