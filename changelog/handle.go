package changelog

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"tributary.dev/tributary/storage"
)

// A Handle references a saved segment file so that it can be read back or
// deleted. Handles are created when a segment is saved or by resolving a URI
// recorded in a checkpoint manifest.
type Handle struct {
	ID   int
	file storage.File
}

func (h Handle) Delete() error {
	return h.file.Delete()
}

func (h Handle) Name() string {
	return h.file.Name()
}

func (h Handle) URI() string {
	return h.file.URI()
}

func NewHandle(fs storage.FileSystem, uri string) Handle {
	// Get ID from URI
	idString := strings.TrimSuffix(path.Base(uri), ".seg")
	id, err := strconv.Atoi(idString)
	if err != nil {
		panic(fmt.Sprintf("BUG: failed to get segment ID from URI %s: %v", uri, err))
	}

	return Handle{
		ID:   id,
		file: fs.Open(uri),
	}
}
