package changelog

import (
	"errors"
	"fmt"
	"path"

	"github.com/VictoriaMetrics/metrics"
	"tributary.dev/tributary/state"
	"tributary.dev/tributary/storage"
)

var replayedEntries = metrics.NewCounter("changelog_replayed_entries")

// Replay feeds every mutation recorded in a store's manifest document to the
// restorer, in append order across segments. Sequence numbers must run
// contiguously from 1 through doc.LastSeq; any gap, truncation, or missing
// segment returns an error wrapping ErrCorruptSegment and the store must not
// serve reads.
func Replay(fs storage.FileSystem, doc StoreDocument, restorer state.Restorer) error {
	expect := uint64(1)
	for _, uri := range doc.Segments {
		handle := NewHandle(fs, uri)
		for entry, err := range NewReader(fs, handle).All() {
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: segment %s is missing", ErrCorruptSegment, uri)
				}
				return err
			}
			if entry.SeqNum != expect {
				return fmt.Errorf("%w: %s skips from seq %d to %d", ErrCorruptSegment, handle.Name(), expect-1, entry.SeqNum)
			}
			expect++
			replayedEntries.Inc()

			if entry.Deleted {
				if err := restorer.RestoreDelete(entry.Key); err != nil {
					return fmt.Errorf("replaying delete into store: %w", err)
				}
				continue
			}
			if err := restorer.RestorePut(entry.Key, entry.Value); err != nil {
				return fmt.Errorf("replaying put into store: %w", err)
			}
		}
	}

	if expect != doc.LastSeq+1 {
		return fmt.Errorf("%w: replay ended at seq %d but the checkpoint recorded %d", ErrCorruptSegment, expect-1, doc.LastSeq)
	}
	return nil
}

// RemoveStraySegments deletes segment files under the log's topic prefix that
// the recovered document does not reference. Strays are segments saved after
// the last completed checkpoint; their frames were never durable.
func RemoveStraySegments(fs storage.FileSystem, topic string, doc StoreDocument) error {
	referenced := make(map[string]bool, len(doc.Segments))
	for _, uri := range doc.Segments {
		referenced[path.Base(uri)] = true
	}

	var strays []string
	for filePath, err := range fs.List(topic + "/") {
		if err != nil {
			return err
		}
		if !referenced[path.Base(filePath)] {
			strays = append(strays, filePath)
		}
	}

	for _, filePath := range strays {
		if err := fs.Open(filePath).Delete(); err != nil {
			return fmt.Errorf("removing stray segment %s: %w", filePath, err)
		}
	}
	return nil
}
