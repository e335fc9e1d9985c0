package changelog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"path"

	"tributary.dev/tributary/storage"
)

// Manifest records one completed checkpoint: the changelog position of every
// store in the task and the restart cursor of every source.
type Manifest struct {
	ID uint64 `json:"id"`
	// Stores maps changelog topic names to their segment documents.
	Stores map[string]StoreDocument `json:"stores"`
	// Sources maps source IDs to opaque restart cursors.
	Sources map[string][]byte `json:"sources"`
}

// StoreDocument is one store's changelog position: the segment files to
// replay in order and the sequence number the replay must end on.
type StoreDocument struct {
	Segments []string `json:"segments"`
	LastSeq  uint64   `json:"last_seq"`
}

// CheckpointStore reads and writes checkpoint manifests. Only the latest
// manifest matters; writing a new one deletes those it obsoletes.
type CheckpointStore struct {
	fs  storage.FileSystem
	dir string
	log *slog.Logger
}

func NewCheckpointStore(fs storage.FileSystem, dir string) *CheckpointStore {
	return &CheckpointStore{
		fs:  fs,
		dir: dir,
		log: slog.With("component", "checkpoints"),
	}
}

// Write publishes the manifest and prunes older manifest files. A crash
// between the two steps leaves an extra manifest behind, which LoadLatest
// shadows.
func (s *CheckpointStore) Write(manifest Manifest) (uri string, err error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshaling checkpoint manifest %d: %w", manifest.ID, err)
	}

	name := manifestFileName(manifest.ID)
	file := s.fs.New(path.Join(s.dir, name))
	if _, err := file.Write(data); err != nil {
		return "", err
	}
	if err := file.Save(); err != nil {
		return "", fmt.Errorf("saving checkpoint manifest %d: %w", manifest.ID, err)
	}

	for filePath, err := range s.fs.List(s.dir + "/") {
		if err != nil {
			s.log.Error("listing obsolete checkpoint manifests", "err", err)
			break
		}
		if path.Ext(filePath) != ".manifest" || path.Base(filePath) == name {
			continue
		}
		if err := s.fs.Open(filePath).Delete(); err != nil {
			s.log.Error("failed to remove obsolete checkpoint manifest", "path", filePath, "err", err)
		}
	}

	s.log.Info("wrote checkpoint manifest", "id", manifest.ID, "uri", file.URI())
	return file.URI(), nil
}

// LoadLatest returns the most recent manifest, or nil when no checkpoint has
// completed yet.
func (s *CheckpointStore) LoadLatest() (*Manifest, error) {
	// Manifest IDs are encoded so that files list in reverse chronological
	// order. The first manifest file is the latest.
	var latest string
	for filePath, err := range s.fs.List(s.dir + "/") {
		if err != nil {
			return nil, err
		}
		if path.Ext(filePath) == ".manifest" {
			latest = filePath
			break
		}
	}
	if latest == "" {
		return nil, nil
	}

	data, err := storage.ReadAll(s.fs.Open(latest))
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint manifest %s: %w", latest, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing checkpoint manifest %s: %w", latest, err)
	}
	return &manifest, nil
}

func manifestFileName(id uint64) string {
	return "ckpt-" + pathSegment(id) + ".manifest"
}

// Encode the ID so that lexicographic order is descending and later
// checkpoints appear first in a file list.
func pathSegment(id uint64) string {
	return fmt.Sprintf("%016x", math.MaxUint64-id)
}
