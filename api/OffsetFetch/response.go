package OffsetFetch

type Response struct {
	ThrottleTimeMs int32
	Topics         []Topic
	ErrorCode      int16
}

type Topic struct {
	Name       string
	Partitions []Partition
}

type Partition struct {
	PartitionIndex  int32
	CommittedOffset int64
	Metadata        string `wire:"nullable"`
	ErrorCode       int16
}

func (r *Response) Partition(topic string, partition int32) *Partition {
	for _, t := range r.Topics {
		if t.Name != topic {
			continue
		}
		for i := range t.Partitions {
			if t.Partitions[i].PartitionIndex == partition {
				return &t.Partitions[i]
			}
		}
	}
	return nil
}
