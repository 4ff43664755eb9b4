package ListOffsets

import (
	"github.com/andrewjamesbrown/kafkaclient/api"
)

// Symbolic offset resolution targets.
const (
	Latest   int64 = -1
	Earliest int64 = -2
)

// NewRequest resolves the offset for a single topic partition. timestamp is
// milliseconds since epoch, or one of Latest and Earliest.
func NewRequest(topic string, partition int32, timestamp int64) *api.Request {
	p := []RequestPartition{{Partition: partition, Timestamp: timestamp}}
	t := []RequestTopic{{Topic: topic, Partitions: p}}
	return &api.Request{
		ApiKey:     api.ListOffsets,
		ApiVersion: 2,
		Body: RequestBody{
			ReplicaId:      -1,
			IsolationLevel: 0,
			Topics:         t,
		},
	}
}

type RequestBody struct {
	ReplicaId      int32
	IsolationLevel int8
	Topics         []RequestTopic
}

type RequestTopic struct {
	Topic      string
	Partitions []RequestPartition
}

type RequestPartition struct {
	Partition int32
	Timestamp int64
}
