// Package api defines Kafka protocol requests and responses. Each API has
// its own subpackage with a NewRequest constructor and typed request and
// response structs marshaled by the wire package.
package api

const (
	Produce         int16 = 0
	Fetch           int16 = 1
	ListOffsets     int16 = 2
	Metadata        int16 = 3
	OffsetCommit    int16 = 8
	OffsetFetch     int16 = 9
	FindCoordinator int16 = 10
	JoinGroup       int16 = 11
	Heartbeat       int16 = 12
	LeaveGroup      int16 = 13
	SyncGroup       int16 = 14
	ApiVersions     int16 = 18
)

var Keys = map[int16]string{
	0:  "Produce",
	1:  "Fetch",
	2:  "ListOffsets",
	3:  "Metadata",
	8:  "OffsetCommit",
	9:  "OffsetFetch",
	10: "FindCoordinator",
	11: "JoinGroup",
	12: "Heartbeat",
	13: "LeaveGroup",
	14: "SyncGroup",
	18: "ApiVersions",
}
