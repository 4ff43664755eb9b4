package OffsetCommit

import (
	"github.com/andrewjamesbrown/kafkaclient/api"
)

type Args struct {
	GroupId         string
	GenerationId    int32 // -1 outside a consumer group
	MemberId        string
	RetentionTimeMs int64
	// Offsets to commit, keyed by topic then partition. The committed
	// value is the offset of the next record to be processed.
	Offsets map[string]map[int32]int64
}

func NewRequest(args *Args) *api.Request {
	var topics []RequestTopic
	for topic, partitions := range args.Offsets {
		t := RequestTopic{Name: topic}
		for partition, offset := range partitions {
			t.Partitions = append(t.Partitions, RequestPartition{
				PartitionIndex:  partition,
				CommittedOffset: offset,
			})
		}
		topics = append(topics, t)
	}
	return &api.Request{
		ApiKey:     api.OffsetCommit,
		ApiVersion: 2,
		Body: Request{
			GroupId:         args.GroupId,
			GenerationId:    args.GenerationId,
			MemberId:        args.MemberId,
			RetentionTimeMs: args.RetentionTimeMs,
			Topics:          topics,
		},
	}
}

type Request struct {
	GroupId         string
	GenerationId    int32
	MemberId        string
	RetentionTimeMs int64
	Topics          []RequestTopic
}

type RequestTopic struct {
	Name       string
	Partitions []RequestPartition
}

type RequestPartition struct {
	PartitionIndex    int32
	CommittedOffset   int64
	CommittedMetadata string `wire:"nullable"`
}
