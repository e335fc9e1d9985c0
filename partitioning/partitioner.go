// Package partitioning decides which partition owns a record key and whether
// two keyed entities place identical keys on the same partition index.
package partitioning

import (
	"tributary.dev/tributary/util/murmur"
)

// Partitioner maps a record key to a partition index. Implementations must be
// deterministic: the assignment of keys to partitions is part of the durable
// layout of repartition streams.
type Partitioner interface {
	// Name identifies the partitioning scheme. Two entities agree on
	// partitioning only if their partitioner names are equal.
	Name() string

	// Partition returns the partition index for a key, in [0, count).
	Partition(key []byte, count int32) int32
}

// HashPartitioner routes keys by murmur3 hash of the key bytes. This is the
// default for every keyed stream and table.
type HashPartitioner struct {
	Seed int
}

func (p HashPartitioner) Name() string {
	return "hash"
}

func (p HashPartitioner) Partition(key []byte, count int32) int32 {
	return int32(murmur.Hash(key, p.Seed) % uint32(count))
}

var _ Partitioner = HashPartitioner{}
