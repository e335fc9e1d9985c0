// Package changelog mirrors store mutations to an append-only segment log so
// that a task can rebuild its stores after a crash. Each logical store owns a
// Log of numbered segment files on a storage.FileSystem. A checkpoint seals
// the open segment and records the full segment list in a JSON manifest;
// recovery loads the latest manifest and replays its segments in order into
// fresh stores. Mutations appended after the last completed checkpoint are
// not durable.
package changelog

import (
	"errors"
	"fmt"
)

// ErrCorruptSegment reports a changelog that cannot reconstruct the store it
// mirrors: a sequence number gap, a truncated frame, or a missing segment
// file. Recovery fails the owning task rather than serve partial state.
var ErrCorruptSegment = errors.New("corrupt changelog segment")

// TopicName returns the changelog stream name for a store. Segment files for
// the store live under this prefix on the changelog filesystem.
func TopicName(appID, storeName string) string {
	return fmt.Sprintf("%s-%s-changelog", appID, storeName)
}
