package storage

import (
	"bytes"
	"fmt"
	"iter"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// fileTable is the path index shared by a MemoryFilesystem and every scoped
// view created with WithWorkingDir.
type fileTable struct {
	mu    sync.RWMutex
	files map[string]*MemoryFile
}

func newFileTable() *fileTable {
	return &fileTable{files: make(map[string]*MemoryFile)}
}

func (t *fileTable) get(path string) (*MemoryFile, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	f, ok := t.files[path]
	return f, ok
}

func (t *fileTable) put(path string, f *MemoryFile) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files[path] = f
}

func (t *fileTable) delete(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.files, path)
}

// pathsUnder returns a sorted snapshot of the stored paths that begin with
// scope, so files saved while a caller iterates don't appear mid-listing.
func (t *fileTable) pathsUnder(scope string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var paths []string
	for path := range t.files {
		if strings.HasPrefix(path, scope) {
			paths = append(paths, path)
		}
	}
	slices.Sort(paths)
	return paths
}

type MemoryFilesystem struct {
	files      *fileTable
	workingDir string
}

const memoryProtocol = "memory://"

func NewMemoryFilesystem() *MemoryFilesystem {
	return &MemoryFilesystem{
		files:      newFileTable(),
		workingDir: "/",
	}
}

func (fs *MemoryFilesystem) New(path string) File {
	return &MemoryFile{
		path:     fs.normalizePath(path),
		fs:       fs,
		writer:   &bytes.Buffer{},
		fileMode: FILE_MODE_WRITE,
		mu:       &sync.RWMutex{},
	}
}

func (fs *MemoryFilesystem) Open(path string) File {
	return &MemoryFile{
		path:     fs.normalizePath(path),
		fs:       fs,
		fileMode: FILE_MODE_READ,
		mu:       &sync.RWMutex{},
	}
}

func (fs *MemoryFilesystem) Copy(source string, destination string) error {
	source = fs.normalizePath(source)
	f, ok := fs.files.get(source)
	if !ok {
		return fmt.Errorf("missing source file %s", source)
	}

	destination = fs.normalizePath(destination)
	fs.files.put(destination, f)
	return nil
}

func (fs *MemoryFilesystem) List(prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scope := fs.normalizePath(prefix)
		// normalizePath drops a trailing separator but "segments/" must not
		// match "segments-old/".
		if strings.HasSuffix(prefix, "/") {
			scope += "/"
		}

		for _, path := range fs.files.pathsUnder(scope) {
			relativePath, err := filepath.Rel(fs.workingDir, path)
			if err != nil {
				panic(err)
			}
			if !yield(relativePath, nil) {
				return
			}
		}
	}
}

func (fs *MemoryFilesystem) Exists(path string) bool {
	_, ok := fs.files.get(fs.normalizePath(path))
	return ok
}

func (fs *MemoryFilesystem) normalizePath(path string) string {
	path = strings.TrimPrefix(path, memoryProtocol)
	if !filepath.IsAbs(path) {
		path = filepath.Join(fs.workingDir, path)
	}
	return path
}

// WithWorkingDir returns a filesystem sharing this one's files but resolving
// relative paths against the given directory.
func (fs *MemoryFilesystem) WithWorkingDir(path string) *MemoryFilesystem {
	newFS := NewMemoryFilesystem()
	newFS.files = fs.files
	if filepath.IsAbs(path) {
		newFS.workingDir = path
	} else {
		newFS.workingDir = filepath.Join(fs.workingDir, path)
	}
	return newFS
}

var _ FileSystem = (*MemoryFilesystem)(nil)

type MemoryFile struct {
	path     string
	fs       *MemoryFilesystem
	buf      []byte
	mu       *sync.RWMutex
	writer   *bytes.Buffer
	reader   *bytes.Reader
	size     int64
	fileMode FileMode
	didLoad  bool
}

func (m *MemoryFile) ReadAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	if !m.didLoad {
		file, ok := m.fs.files.get(m.path)
		if !ok {
			m.mu.Unlock()
			return 0, fmt.Errorf("no memory file named %s: %w", m.path, ErrNotFound)
		}
		m.buf = file.buf
		m.reader = bytes.NewReader(m.buf)
		m.didLoad = true
	}
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reader.ReadAt(p, off)
}

func (m *MemoryFile) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fileMode == FILE_MODE_READ {
		panic("tried to write to a read only file")
	}
	n, err = m.writer.Write(p)
	m.size += int64(n)
	return n, err
}

func (m *MemoryFile) Delete() error {
	if m.fileMode == FILE_MODE_WRITE {
		panic("tried to delete a file being written")
	}
	m.fs.files.delete(m.path)
	return nil
}

func (m *MemoryFile) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileMode == FILE_MODE_READ {
		panic("tried to save a read only file")
	}
	m.fileMode = FILE_MODE_READ
	m.buf = m.writer.Bytes()
	m.fs.files.put(m.path, m)
	m.reader = bytes.NewReader(m.buf)
	return nil
}

func (m *MemoryFile) Size() int64 {
	return m.size
}

func (m *MemoryFile) Name() string {
	return filepath.Base(m.path)
}

func (m *MemoryFile) URI() string {
	return memoryProtocol + m.path
}

func (m *MemoryFile) CreateDeleteFunc() func() error {
	fs := m.fs
	path := m.path
	return func() error {
		fs.files.delete(path)
		return nil
	}
}

var _ File = (*MemoryFile)(nil)
