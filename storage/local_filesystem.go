package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

type LocalFilesystem struct {
	Dir string
}

func NewLocalFilesystem(dir string) *LocalFilesystem {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(fmt.Sprintf("creating local filesystem: %v", err))
	}

	return &LocalFilesystem{dir}
}

func (lfs *LocalFilesystem) New(path string) File {
	if filepath.IsAbs(path) {
		panic(fmt.Sprintf("creating a file with absolute path (%s) not supported", path))
	}
	pathDir := filepath.Dir(path)
	return &DiskFile{
		name:     filepath.Base(path),
		dir:      filepath.Join(lfs.Dir, pathDir),
		fileMode: FILE_MODE_WRITE,
	}
}

func (lfs *LocalFilesystem) Open(path string) File {
	var dir string
	if filepath.IsAbs(path) {
		dir = filepath.Dir(path)
	} else {
		dir = filepath.Join(lfs.Dir, filepath.Dir(path))
	}

	return &DiskFile{
		name:     filepath.Base(path),
		dir:      dir,
		fileMode: FILE_MODE_READ,
	}
}

func (lfs *LocalFilesystem) List(prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scope := filepath.Join(lfs.Dir, prefix)
		// filepath.Join drops a trailing separator but "segments/" must not
		// match "segments-old/".
		if strings.HasSuffix(prefix, "/") {
			scope += "/"
		}

		err := filepath.WalkDir(lfs.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			if strings.HasPrefix(path, scope) {
				relativePath, err := filepath.Rel(lfs.Dir, path)
				if err != nil {
					return err
				}
				if !yield(relativePath, nil) {
					return filepath.SkipAll
				}
			}
			return nil
		})
		if err != nil {
			yield("", err)
		}
	}
}

func (lfs *LocalFilesystem) Copy(sourceURI string, destination string) error {
	destinationPath := filepath.Join(lfs.Dir, destination)
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0o755); err != nil {
		return err
	}

	source, err := os.Open(sourceURI)
	if err != nil {
		return fmt.Errorf("copy source %s: %w", sourceURI, err)
	}
	defer source.Close()

	dest, err := os.Create(destinationPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	if _, err := io.Copy(dest, source); err != nil {
		return fmt.Errorf("copying %s to %s: %w", sourceURI, destinationPath, err)
	}
	return dest.Sync()
}

var _ FileSystem = (*LocalFilesystem)(nil)

type DiskFile struct {
	osFile   *os.File
	name     string
	dir      string
	fileMode FileMode
	size     int64
}

func (d *DiskFile) ReadAt(b []byte, off int64) (n int, err error) {
	file, err := d.openFile()
	if err != nil {
		return 0, err
	}
	return file.ReadAt(b, off)
}

// Save syncs the temp file and renames it into place so readers never see a
// partially written file.
func (d *DiskFile) Save() error {
	if d.fileMode == FILE_MODE_READ {
		panic("tried to save a read only file")
	}
	file, err := d.tmpFile()
	if err != nil {
		return err
	}
	file.Sync()
	if err := os.Rename(file.Name(), filepath.Join(d.dir, d.name)); err != nil {
		return err
	}
	d.fileMode = FILE_MODE_READ
	d.osFile = nil // Reopen lazily from the renamed path
	return nil
}

// Lazily open the file
func (d *DiskFile) openFile() (*os.File, error) {
	if d.osFile != nil {
		return d.osFile, nil
	}
	f, err := os.Open(filepath.Join(d.dir, d.name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	d.osFile = f
	return f, err
}

// Lazily create the tmp file
func (d *DiskFile) tmpFile() (*os.File, error) {
	if d.osFile != nil {
		return d.osFile, nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(d.dir, d.name)
	if err != nil {
		return nil, err
	}
	d.osFile = f
	return f, nil
}

func (d *DiskFile) Write(b []byte) (n int, err error) {
	if d.fileMode == FILE_MODE_READ {
		panic("tried to write to a read only file")
	}
	file, err := d.tmpFile()
	if err != nil {
		return 0, err
	}
	n, err = file.Write(b)
	d.size += int64(n)
	return n, err
}

func (d *DiskFile) Delete() error {
	if d.fileMode == FILE_MODE_WRITE {
		panic("tried to delete a file being written")
	}
	return os.Remove(filepath.Join(d.dir, d.name))
}

func (d *DiskFile) Size() int64 {
	return d.size
}

func (d *DiskFile) Name() string {
	return d.name
}

func (d *DiskFile) URI() string {
	localPath := filepath.Join(d.dir, d.name)
	absPath, err := filepath.Abs(localPath)
	if err != nil {
		panic(fmt.Sprintf("failed to get absolute path to %s: %v", localPath, err))
	}
	return absPath
}

func (d *DiskFile) CreateDeleteFunc() func() error {
	path := filepath.Join(d.dir, d.name)
	return func() error {
		return os.Remove(path)
	}
}

var _ File = (*DiskFile)(nil)
