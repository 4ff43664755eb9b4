package Fetch

import (
	"github.com/andrewjamesbrown/kafkaclient/api"
)

type Args struct {
	MaxWaitTimeMs int32
	MinBytes      int32
	MaxBytes      int32
}

// NewRequest builds a Fetch request for any number of topic partitions (all
// led by the same broker).
func NewRequest(args *Args, topics []Topic) *api.Request {
	return &api.Request{
		ApiKey:     api.Fetch,
		ApiVersion: 6,
		Body: Request{
			ReplicaId:     -1,
			MaxWaitTimeMs: args.MaxWaitTimeMs,
			MinBytes:      args.MinBytes,
			MaxBytes:      args.MaxBytes,
			Topics:        topics,
		},
	}
}

type Request struct {
	ReplicaId      int32
	MaxWaitTimeMs  int32
	MinBytes       int32
	MaxBytes       int32
	IsolationLevel int8
	Topics         []Topic
}

type Topic struct {
	Topic      string
	Partitions []Partition
}

type Partition struct {
	Partition         int32
	FetchOffset       int64
	LogStartOffset    int64
	PartitionMaxBytes int32
}
