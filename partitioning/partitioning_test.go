package partitioning_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"tributary.dev/tributary/partitioning"
	"tributary.dev/tributary/util/iteru"
)

func TestHashPartitioner_Deterministic(t *testing.T) {
	p := partitioning.HashPartitioner{}

	for i := range iteru.Times(100) {
		key := fmt.Appendf(nil, "key-%d", i)
		first := p.Partition(key, 8)
		assert.Equal(t, first, p.Partition(key, 8), "same key must always map to the same partition")
		assert.GreaterOrEqual(t, first, int32(0))
		assert.Less(t, first, int32(8))
	}
}

func TestHashPartitioner_SpreadsKeys(t *testing.T) {
	p := partitioning.HashPartitioner{}

	seen := make(map[int32]int)
	for i := range iteru.Times(1_000) {
		key := fmt.Appendf(nil, "key-%d", i)
		seen[p.Partition(key, 4)]++
	}

	// Every partition should own a meaningful share of 1,000 keys
	for partition, count := range seen {
		assert.Greater(t, count, 100, "partition %d starved", partition)
	}
	assert.Len(t, seen, 4)
}

func TestPartitioning_CoPartitionedWith(t *testing.T) {
	base := partitioning.NewPartitioning(4)

	assert.True(t, base.CoPartitionedWith(partitioning.NewPartitioning(4)))
	assert.False(t, base.CoPartitionedWith(partitioning.NewPartitioning(8)),
		"different partition counts are not co-partitioned")
	assert.False(t, base.CoPartitionedWith(partitioning.Partitioning{
		Count:       4,
		Partitioner: constantPartitioner{},
	}), "different partitioner schemes are not co-partitioned")
}

type constantPartitioner struct{}

func (constantPartitioner) Name() string { return "constant" }

func (constantPartitioner) Partition(key []byte, count int32) int32 { return 0 }
