package producer

import (
	"math/rand"
)

// Partitioner assigns partitions to messages. Explicit partitions pass
// through untouched. Keyed messages hash with Kafka's murmur2 variant, the
// same placement the Java client computes, so keyed records co-partition
// with records produced by other clients. Unkeyed messages round robin
// through a producer-local counter seeded randomly.
type Partitioner struct {
	counter int32
}

func NewPartitioner() *Partitioner {
	return &Partitioner{counter: rand.Int31()}
}

// Assign sets m.Partition to a value in [0, partitionCount). The hash key is
// PartitionKey when set, Key otherwise.
func (p *Partitioner) Assign(m *Message, partitionCount int32) {
	if m.Partition != NoPartition {
		return
	}
	key := m.PartitionKey
	if key == nil {
		key = m.Key
	}
	if key != nil {
		m.Partition = int32(toPositive(murmur2(key))) % partitionCount
		return
	}
	p.counter++
	m.Partition = toPositive(uint32(p.counter)) % partitionCount
}

func toPositive(v uint32) int32 {
	return int32(v) & 0x7fffffff
}

// murmur2 is the 32-bit murmur2 variant the Kafka Java client uses for
// partitioning, seed 0x9747b28c.
func murmur2(data []byte) uint32 {
	const (
		seed uint32 = 0x9747b28c
		m    uint32 = 0x5bd1e995
		r           = 24
	)
	h := seed ^ uint32(len(data))
	i := 0
	for n := len(data) - (len(data) % 4); i < n; i += 4 {
		k := uint32(data[i]) | uint32(data[i+1])<<8 | uint32(data[i+2])<<16 | uint32(data[i+3])<<24
		k *= m
		k ^= k >> r
		k *= m
		h *= m
		h ^= k
	}
	switch len(data) % 4 {
	case 3:
		h ^= uint32(data[i+2]) << 16
		fallthrough
	case 2:
		h ^= uint32(data[i+1]) << 8
		fallthrough
	case 1:
		h ^= uint32(data[i])
		h *= m
	}
	h ^= h >> 13
	h *= m
	h ^= h >> 15
	return h
}
