package consumer

// The consumer group protocol embeds two opaque payloads in JoinGroup and
// SyncGroup: each member's subscription metadata, and the per member
// assignment computed by the group leader. Both use the standard consumer
// protocol encoding so members written with other clients interoperate.
// https://cwiki.apache.org/confluence/display/KAFKA/Kafka+Client-side+Assignment+Proposal

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"

	"github.com/andrewjamesbrown/kafkaclient/wire"
)

// protocolName identifies the assignment strategy carried in JoinGroup.
const protocolName = "roundrobin"

// protocolType is fixed for consumer groups.
const protocolType = "consumer"

type subscription struct {
	Version  int16
	Topics   []string
	UserData []byte
}

type assignmentTopic struct {
	Topic      string
	Partitions []int32
}

type memberAssignment struct {
	Version  int16
	Topics   []assignmentTopic
	UserData []byte
}

func marshalSubscription(topics []string) []byte {
	s := &subscription{Topics: topics}
	buf := new(bytes.Buffer)
	if err := wire.Write(buf, reflect.ValueOf(s)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func unmarshalSubscription(b []byte) (*subscription, error) {
	s := &subscription{}
	if err := wire.Read(bytes.NewReader(b), reflect.ValueOf(s)); err != nil {
		return nil, fmt.Errorf("error parsing subscription metadata: %w", err)
	}
	return s, nil
}

func marshalAssignment(assignment map[string][]int32) []byte {
	m := &memberAssignment{}
	topics := make([]string, 0, len(assignment))
	for t := range assignment {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		partitions := append([]int32(nil), assignment[t]...)
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		m.Topics = append(m.Topics, assignmentTopic{Topic: t, Partitions: partitions})
	}
	buf := new(bytes.Buffer)
	if err := wire.Write(buf, reflect.ValueOf(m)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func unmarshalAssignment(b []byte) (map[string][]int32, error) {
	assignment := make(map[string][]int32)
	if len(b) == 0 {
		return assignment, nil
	}
	m := &memberAssignment{}
	if err := wire.Read(bytes.NewReader(b), reflect.ValueOf(m)); err != nil {
		return nil, fmt.Errorf("error parsing member assignment: %w", err)
	}
	for _, t := range m.Topics {
		assignment[t.Topic] = t.Partitions
	}
	return assignment, nil
}
