package Produce

import (
	"github.com/andrewjamesbrown/kafkaclient/api"
)

type Args struct {
	Acks      int16 // 0: none, 1: leader only, -1: all ISRs
	TimeoutMs int32
}

// NewRequest builds a Produce request carrying record sets for any number of
// topic partitions (grouped-by-leader dispatch puts all of one broker's
// partitions in a single request).
func NewRequest(args *Args, topicData []TopicData) *api.Request {
	return &api.Request{
		ApiKey:     api.Produce,
		ApiVersion: 7,
		Body: Request{
			TransactionalId: "",
			Acks:            args.Acks,
			TimeoutMs:       args.TimeoutMs,
			TopicData:       topicData,
		},
	}
}

type Request struct {
	TransactionalId string `wire:"nullable"`
	Acks            int16
	TimeoutMs       int32
	TopicData       []TopicData
}

type TopicData struct {
	Topic string
	Data  []Data
}

type Data struct {
	Partition int32
	RecordSet []byte
}
