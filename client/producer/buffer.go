package producer

import "sort"

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Buffer holds partition-assigned messages awaiting delivery, in insertion
// order per partition. Order is preserved through encoding and across
// retries: messages leave the buffer only when acknowledged or failed
// fatally. Not safe for concurrent use; the owning producer serializes
// access.
type Buffer struct {
	buckets map[string]map[int32][]*Message
	count   int
	bytes   int
}

func NewBuffer() *Buffer {
	return &Buffer{buckets: make(map[string]map[int32][]*Message)}
}

func (b *Buffer) Append(m *Message) {
	partitions, ok := b.buckets[m.Topic]
	if !ok {
		partitions = make(map[int32][]*Message)
		b.buckets[m.Topic] = partitions
	}
	partitions[m.Partition] = append(partitions[m.Partition], m)
	b.count++
	b.bytes += m.ByteSize()
}

// Messages buffered for the topic partition, in insertion order.
func (b *Buffer) Messages(topic string, partition int32) []*Message {
	return b.buckets[topic][partition]
}

// Partitions returns every topic partition holding buffered messages,
// sorted for deterministic iteration.
func (b *Buffer) Partitions() []TopicPartition {
	var tps []TopicPartition
	for topic, partitions := range b.buckets {
		for partition := range partitions {
			tps = append(tps, TopicPartition{topic, partition})
		}
	}
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
	return tps
}

// Clear removes the topic partition's messages (they were acknowledged or
// failed fatally).
func (b *Buffer) Clear(topic string, partition int32) {
	partitions, ok := b.buckets[topic]
	if !ok {
		return
	}
	msgs, ok := partitions[partition]
	if !ok {
		return
	}
	for _, m := range msgs {
		b.count--
		b.bytes -= m.ByteSize()
	}
	delete(partitions, partition)
	if len(partitions) == 0 {
		delete(b.buckets, topic)
	}
}

func (b *Buffer) MessageCount() int { return b.count }
func (b *Buffer) ByteSize() int     { return b.bytes }
func (b *Buffer) Empty() bool       { return b.count == 0 }
