package OffsetFetch

import (
	"github.com/andrewjamesbrown/kafkaclient/api"
)

func NewRequest(group string, topics map[string][]int32) *api.Request {
	var t []RequestTopic
	for name, partitions := range topics {
		t = append(t, RequestTopic{Name: name, PartitionIndexes: partitions})
	}
	return &api.Request{
		ApiKey:     api.OffsetFetch,
		ApiVersion: 3,
		Body: Request{
			GroupId: group,
			Topics:  t,
		},
	}
}

type Request struct {
	GroupId string
	Topics  []RequestTopic
}

type RequestTopic struct {
	Name             string
	PartitionIndexes []int32
}
