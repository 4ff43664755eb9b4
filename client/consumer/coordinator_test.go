package consumer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api"
	"github.com/andrewjamesbrown/kafkaclient/api/FindCoordinator"
	HeartbeatAPI "github.com/andrewjamesbrown/kafkaclient/api/Heartbeat"
	"github.com/andrewjamesbrown/kafkaclient/api/JoinGroup"
	"github.com/andrewjamesbrown/kafkaclient/api/LeaveGroup"
	"github.com/andrewjamesbrown/kafkaclient/api/Metadata"
	"github.com/andrewjamesbrown/kafkaclient/api/OffsetCommit"
	"github.com/andrewjamesbrown/kafkaclient/api/OffsetFetch"
	"github.com/andrewjamesbrown/kafkaclient/api/SyncGroup"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/mockbroker"
)

// coordinator scripts a group coordinator on a mock broker: it assigns
// member ids, advances the generation on every join round, relays the
// leader's computed assignments, and stores committed offsets. The real
// client under test is always elected leader; extraMembers appear in its
// join response so leader side assignment logic sees a populated group.
type coordinator struct {
	mu            sync.Mutex
	nextMember    int
	generation    int32
	assignments   map[string][]byte
	heartbeatCode int16
	offsets       map[string]map[int32]int64
	extraMembers  []JoinGroup.Member
	joins         int
	leaves        int
}

func installCoordinator(t *testing.T, b *mockbroker.Broker, topic string, partitions int32) *coordinator {
	t.Helper()
	c := &coordinator{
		assignments: make(map[string][]byte),
		offsets:     make(map[string]map[int32]int64),
	}
	b.Handle(api.Metadata, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		resp := &Metadata.Response{
			Brokers: []Metadata.Broker{{NodeId: 1, Host: b.Host(), Port: b.Port()}},
		}
		tm := Metadata.TopicMetadata{Topic: topic}
		for p := int32(0); p < partitions; p++ {
			tm.PartitionMetadata = append(tm.PartitionMetadata, Metadata.PartitionMetadata{
				Partition: p, Leader: 1, Replicas: []int32{1}, Isr: []int32{1},
			})
		}
		resp.TopicMetadata = []Metadata.TopicMetadata{tm}
		return resp
	})
	b.Handle(api.FindCoordinator, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		return &FindCoordinator.Response{NodeId: 1, Host: b.Host(), Port: b.Port()}
	})
	b.Handle(api.JoinGroup, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &JoinGroup.Request{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.joins++
		memberID := req.MemberId
		if memberID == "" {
			c.nextMember++
			memberID = fmt.Sprintf("member-%d", c.nextMember)
		}
		c.generation++
		members := append([]JoinGroup.Member{{
			MemberId: memberID,
			Metadata: req.Protocols[0].Metadata,
		}}, c.extraMembers...)
		return &JoinGroup.Response{
			GenerationId:  c.generation,
			GroupProtocol: req.Protocols[0].Name,
			LeaderId:      memberID,
			MemberId:      memberID,
			Members:       members,
		}
	})
	b.Handle(api.SyncGroup, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &SyncGroup.Request{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if req.GenerationId != c.generation {
			return &SyncGroup.Response{ErrorCode: kafkaclient.ERR_ILLEGAL_GENERATION}
		}
		for _, a := range req.Assignments {
			c.assignments[a.MemberId] = a.Assignment
		}
		return &SyncGroup.Response{Assignment: c.assignments[req.MemberId]}
	})
	b.Handle(api.Heartbeat, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &HeartbeatAPI.Request{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if req.GenerationId != c.generation {
			return &HeartbeatAPI.Response{ErrorCode: kafkaclient.ERR_ILLEGAL_GENERATION}
		}
		return &HeartbeatAPI.Response{ErrorCode: c.heartbeatCode}
	})
	b.Handle(api.LeaveGroup, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.leaves++
		return &LeaveGroup.Response{}
	})
	b.Handle(api.OffsetCommit, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &OffsetCommit.Request{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		resp := &OffsetCommit.Response{}
		for _, rt := range req.Topics {
			tr := OffsetCommit.Topic{Name: rt.Name}
			if _, ok := c.offsets[rt.Name]; !ok {
				c.offsets[rt.Name] = make(map[int32]int64)
			}
			for _, p := range rt.Partitions {
				c.offsets[rt.Name][p.PartitionIndex] = p.CommittedOffset
				tr.Partitions = append(tr.Partitions, OffsetCommit.Partition{
					PartitionIndex: p.PartitionIndex,
				})
			}
			resp.Topics = append(resp.Topics, tr)
		}
		return resp
	})
	b.Handle(api.OffsetFetch, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &OffsetFetch.Request{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		resp := &OffsetFetch.Response{}
		for _, rt := range req.Topics {
			tr := OffsetFetch.Topic{Name: rt.Name}
			for _, p := range rt.PartitionIndexes {
				offset, ok := c.offsets[rt.Name][p]
				if !ok {
					offset = -1
				}
				tr.Partitions = append(tr.Partitions, OffsetFetch.Partition{
					PartitionIndex: p, CommittedOffset: offset,
				})
			}
			resp.Topics = append(resp.Topics, tr)
		}
		return resp
	})
	return c
}

func (c *coordinator) setHeartbeatCode(code int16) {
	c.mu.Lock()
	c.heartbeatCode = code
	c.mu.Unlock()
}

func (c *coordinator) setExtraMembers(members ...JoinGroup.Member) {
	c.mu.Lock()
	c.extraMembers = members
	c.mu.Unlock()
}

func startBroker(t *testing.T) *mockbroker.Broker {
	t.Helper()
	b, err := mockbroker.Start()
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func newCluster(t *testing.T, b *mockbroker.Broker) *client.Cluster {
	t.Helper()
	c, err := client.NewCluster(&client.ClusterConfig{
		SeedBrokers: []string{b.Addr()},
		ClientID:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(c.Disconnect)
	return c
}
