// Package streams declares processing topologies: sources, stateless
// transforms, joins against streams, tables, and global tables, and sinks.
// Building a topology resolves partitioning: key-changing transforms upstream
// of a join force records through an intermediate repartition stream so that
// both join inputs place identical keys on identical partition indexes.
// Irreconcilable partitioning is a build error, never a runtime surprise.
package streams

import "time"

// Record is one keyed event. A nil Key means absent; a nil-key or nil-value
// record reaching a join is dropped and counted, never an error.
type Record struct {
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Partition int32
}

// ValueJoiner computes the join output value for a pair of matching records.
// For left and outer joins the unmatched side is nil.
type ValueJoiner func(left, right []byte) []byte

// KeySelector maps a stream record to the key used for a global table lookup.
// Returning nil means the record has no lookup key.
type KeySelector func(rec Record) []byte
