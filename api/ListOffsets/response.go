package ListOffsets

type Response struct {
	ThrottleTimeMs int32
	Responses      []TopicResponse
}

type TopicResponse struct {
	Topic      string
	Partitions []PartitionResponse
}

type PartitionResponse struct {
	Partition int32
	ErrorCode int16
	Timestamp int64
	Offset    int64
}

func (r *Response) Partition(topic string, partition int32) *PartitionResponse {
	for _, t := range r.Responses {
		if t.Topic != topic {
			continue
		}
		for i := range t.Partitions {
			if t.Partitions[i].Partition == partition {
				return &t.Partitions[i]
			}
		}
	}
	return nil
}
