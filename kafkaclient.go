/*
Package kafkaclient is a client library for Kafka 2.3+ clusters. It has no
broker-side components: it speaks the documented wire protocol to publish
records to topics and to consume them, individually or as a member of a
coordinated consumer group.


Project Scope

The library focuses on non transactional production and consumption. The
cluster-facing engine (metadata discovery, connection pooling, the produce and
fetch pipelines, group membership, offset management) lives in the "client"
package and its subpackages. Building and parsing of record batches is
separate from producing and fetching; see the "batch" package.


Design Decisions

1. Focus on record batches. Kafka Produce and Fetch API calls operate on sets
of record batches. The record batch is the unit at which data is partitioned
and compressed. Producers buffer individual records but everything on the
wire moves as batches.

2. Synchronous calls, one request in flight per connection. The wire protocol
allows pipelining; this library does not use it. Every connection completes a
request-response round trip before the next request is written, which keeps
failure handling simple and makes response ordering trivially correct. The
correlation id bookkeeping is strict, so a pipelining layer can be added
later without changing the framing.

3. Wide use of reflection for API calls. Requests and responses are defined
as structs and marshaled using reflection. API calls are not frequent, so
this is not a performance problem. Marshaling of individual records within
record batches, which is hot, is done inline.

4. Limited use of data hiding. Most internal structures are exposed to make
debugging and metrics collection easier. The library is not child proof.
*/
package kafkaclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/andrewjamesbrown/kafkaclient/batch"
	"github.com/andrewjamesbrown/kafkaclient/record"
)

func NewRecord(key, value []byte) *Record {
	return record.New(key, value)
}

type Record = record.Record

type Batch = batch.Batch

var (
	// DialTimeout applies to opening broker connections, including the
	// TLS handshake when TLS is configured.
	DialTimeout = 5 * time.Second
	// SocketTimeout bounds a single request-response round trip on a
	// broker connection. When exceeded the in-flight call fails and the
	// connection is discarded.
	SocketTimeout = 30 * time.Second
	// ConnectionTTL, when >0, closes (and transparently re-opens) broker
	// connections older than this. Zero means connections live until an
	// error or an explicit close.
	ConnectionTTL time.Duration
)

// User facing errors. Broker side errors are returned as *Error.
var (
	// ErrBufferOverflow is returned by Produce when the producer buffer
	// has reached MaxBufferSize messages or MaxBufferBytes bytes, and by
	// the async producer when its queue is full.
	ErrBufferOverflow = errors.New("buffer overflow")
	// ErrDeliveryFailed is returned by Deliver when records remain
	// unacknowledged after the retry envelope is exhausted.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrPartialTLSConfig is returned when exactly one of the client
	// certificate and key is configured.
	ErrPartialTLSConfig = errors.New("both client cert and client cert key must be set")
	// ErrNoTopics is returned on an attempt to request metadata for an
	// empty topic set.
	ErrNoTopics = errors.New("no topics specified")
)

// Error codes returned by brokers in API responses.
// https://kafka.apache.org/protocol#protocol_error_codes
const (
	ERR_UNKNOWN_SERVER_ERROR         int16 = -1
	ERR_NONE                         int16 = 0
	ERR_OFFSET_OUT_OF_RANGE          int16 = 1
	ERR_CORRUPT_MESSAGE              int16 = 2
	ERR_UNKNOWN_TOPIC_OR_PARTITION   int16 = 3
	ERR_INVALID_MESSAGE_SIZE         int16 = 4
	ERR_LEADER_NOT_AVAILABLE         int16 = 5
	ERR_NOT_LEADER_FOR_PARTITION     int16 = 6
	ERR_REQUEST_TIMED_OUT            int16 = 7
	ERR_MESSAGE_TOO_LARGE            int16 = 10
	ERR_COORDINATOR_LOAD_IN_PROGRESS int16 = 14
	ERR_COORDINATOR_NOT_AVAILABLE    int16 = 15
	ERR_NOT_COORDINATOR              int16 = 16
	ERR_INVALID_TOPIC_EXCEPTION      int16 = 17
	ERR_ILLEGAL_GENERATION           int16 = 22
	ERR_INCONSISTENT_GROUP_PROTOCOL  int16 = 23
	ERR_INVALID_GROUP_ID             int16 = 24
	ERR_UNKNOWN_MEMBER_ID            int16 = 25
	ERR_INVALID_SESSION_TIMEOUT      int16 = 26
	ERR_REBALANCE_IN_PROGRESS        int16 = 27
	ERR_INVALID_COMMIT_OFFSET_SIZE   int16 = 28
	ERR_TOPIC_AUTHORIZATION_FAILED   int16 = 29
	ERR_GROUP_AUTHORIZATION_FAILED   int16 = 30
	ERR_UNSUPPORTED_VERSION          int16 = 35
)

var errorCodeNames = map[int16]string{
	-1: "UnknownServerError",
	0:  "None",
	1:  "OffsetOutOfRange",
	2:  "CorruptMessage",
	3:  "UnknownTopicOrPartition",
	4:  "InvalidMessageSize",
	5:  "LeaderNotAvailable",
	6:  "NotLeaderForPartition",
	7:  "RequestTimedOut",
	10: "MessageTooLarge",
	14: "CoordinatorLoadInProgress",
	15: "CoordinatorNotAvailable",
	16: "NotCoordinator",
	17: "InvalidTopicException",
	22: "IllegalGeneration",
	23: "InconsistentGroupProtocol",
	24: "InvalidGroupId",
	25: "UnknownMemberId",
	26: "InvalidSessionTimeout",
	27: "RebalanceInProgress",
	28: "InvalidCommitOffsetSize",
	29: "TopicAuthorizationFailed",
	30: "GroupAuthorizationFailed",
	35: "UnsupportedVersion",
}

// Error is a broker side error: an error code carried in an API response.
type Error struct {
	Code int16
}

func (e *Error) Error() string {
	name, ok := errorCodeNames[e.Code]
	if !ok {
		name = "Unknown"
	}
	return fmt.Sprintf("kafka error %d (%s)", e.Code, name)
}

// Retriable reports whether the error is transient: the request may succeed
// if repeated after a metadata refresh (stale leader, coordinator move) or a
// backoff (load in progress, timeout).
func (e *Error) Retriable() bool {
	switch e.Code {
	case ERR_LEADER_NOT_AVAILABLE,
		ERR_NOT_LEADER_FOR_PARTITION,
		ERR_REQUEST_TIMED_OUT,
		ERR_UNKNOWN_TOPIC_OR_PARTITION,
		ERR_COORDINATOR_LOAD_IN_PROGRESS,
		ERR_COORDINATOR_NOT_AVAILABLE,
		ERR_NOT_COORDINATOR:
		return true
	}
	return false
}

// Membership reports whether the error invalidates consumer group
// membership. The group client responds by rejoining, clearing its member
// id first except on ERR_REBALANCE_IN_PROGRESS; these never surface to the
// user as failures.
func (e *Error) Membership() bool {
	switch e.Code {
	case ERR_ILLEGAL_GENERATION, ERR_UNKNOWN_MEMBER_ID, ERR_REBALANCE_IN_PROGRESS:
		return true
	}
	return false
}

// ErrorFromCode returns nil for ERR_NONE, *Error otherwise.
func ErrorFromCode(code int16) error {
	if code == ERR_NONE {
		return nil
	}
	return &Error{Code: code}
}
