package partitioning

import "fmt"

// Partitioning describes how a keyed entity spreads keys across partitions:
// a partition count plus the partitioner that assigns keys.
type Partitioning struct {
	Count       int32
	Partitioner Partitioner
}

func NewPartitioning(count int32) Partitioning {
	return Partitioning{Count: count, Partitioner: HashPartitioner{}}
}

// PartitionFor returns the partition index owning the given key.
func (p Partitioning) PartitionFor(key []byte) int32 {
	return p.Partitioner.Partition(key, p.Count)
}

// CoPartitionedWith reports whether identical keys land on identical partition
// indexes for both entities: equal counts and agreeing partitioners. Joining
// two streams locally is only correct when this holds.
func (p Partitioning) CoPartitionedWith(other Partitioning) bool {
	return p.Count == other.Count && p.Partitioner.Name() == other.Partitioner.Name()
}

func (p Partitioning) String() string {
	return fmt.Sprintf("%s/%d", p.Partitioner.Name(), p.Count)
}
