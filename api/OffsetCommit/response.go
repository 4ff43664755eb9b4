package OffsetCommit

type Response struct {
	ThrottleTimeMs int32
	Topics         []Topic
}

type Topic struct {
	Name       string
	Partitions []Partition
}

type Partition struct {
	PartitionIndex int32
	ErrorCode      int16
}
