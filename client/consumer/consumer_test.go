package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api"
	"github.com/andrewjamesbrown/kafkaclient/api/Fetch"
	"github.com/andrewjamesbrown/kafkaclient/api/ListOffsets"
	"github.com/andrewjamesbrown/kafkaclient/batch"
	"github.com/andrewjamesbrown/kafkaclient/mockbroker"
	"github.com/andrewjamesbrown/kafkaclient/record"
)

// installLog serves ListOffsets and Fetch for a single partition log whose
// records start at startOffset.
func installLog(t *testing.T, b *mockbroker.Broker, topic string, startOffset int64, values ...string) {
	t.Helper()
	now := time.Now()
	builder := batch.NewBuilder(now)
	for _, v := range values {
		builder.Add(record.New(nil, []byte(v)))
	}
	built, err := builder.Build(now)
	require.NoError(t, err)
	built.BaseOffset = startOffset
	recordSet := built.Marshal()
	end := startOffset + int64(len(values))

	b.Handle(api.ListOffsets, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &ListOffsets.RequestBody{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		offset := end
		if req.Topics[0].Partitions[0].Timestamp == ListOffsets.Earliest {
			offset = startOffset
		}
		return &ListOffsets.Response{Responses: []ListOffsets.TopicResponse{{
			Topic: topic,
			Partitions: []ListOffsets.PartitionResponse{{
				Partition: 0, Offset: offset,
			}},
		}}}
	})
	b.Handle(api.Fetch, func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &Fetch.Request{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		pr := Fetch.PartitionResponse{Partition: 0, HighWatermark: end}
		if req.Topics[0].Partitions[0].FetchOffset < end {
			pr.RecordSet = recordSet
		}
		return &Fetch.Response{TopicResponses: []Fetch.TopicResponse{{
			Topic:              topic,
			PartitionResponses: []Fetch.PartitionResponse{pr},
		}}}
	})
}

func TestConsumerPollDeliversMessages(t *testing.T) {
	b := startBroker(t)
	installCoordinator(t, b, "t", 1)
	installLog(t, b, "t", 0, "m1", "m2", "m3")
	cluster := newCluster(t, b)

	c, err := New(cluster, Config{GroupID: "g"})
	require.NoError(t, err)
	c.Subscribe("t")

	batches, err := c.Poll()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	fb := batches[0]
	require.NoError(t, fb.Err)
	require.Len(t, fb.Messages, 3)
	require.Equal(t, "m1", string(fb.Messages[0].Value))
	require.Equal(t, int64(0), fb.Messages[0].Offset)

	// position advanced: the next poll returns nothing new
	batches, err = c.Poll()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Empty(t, batches[0].Messages)
	c.Close()
}

func TestConsumerResumesFromCommittedOffset(t *testing.T) {
	b := startBroker(t)
	installCoordinator(t, b, "t", 1)
	installLog(t, b, "t", 0, "m1", "m2", "m3")
	cluster := newCluster(t, b)

	c, err := New(cluster, Config{GroupID: "g"})
	require.NoError(t, err)
	c.Subscribe("t")
	batches, err := c.Poll()
	require.NoError(t, err)
	for _, fb := range batches {
		for _, m := range fb.Messages {
			c.MarkProcessed(m.Topic, m.Partition, m.Offset)
		}
	}
	require.NoError(t, c.CommitOffsets())
	c.Close()

	// a new consumer in the same group starts after the committed offset
	c2, err := New(cluster, Config{GroupID: "g"})
	require.NoError(t, err)
	c2.Subscribe("t")
	batches, err = c2.Poll()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Empty(t, batches[0].Messages)
	c2.Close()
}

func TestConsumerStartFromLatest(t *testing.T) {
	b := startBroker(t)
	installCoordinator(t, b, "t", 1)
	installLog(t, b, "t", 0, "m1", "m2")
	cluster := newCluster(t, b)

	c, err := New(cluster, Config{GroupID: "g", StartFromLatest: true})
	require.NoError(t, err)
	c.Subscribe("t")
	batches, err := c.Poll()
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Empty(t, batches[0].Messages) // nothing past the end yet
	c.Close()
}

func TestConsumerRebalanceRejoins(t *testing.T) {
	b := startBroker(t)
	coord := installCoordinator(t, b, "t", 1)
	installLog(t, b, "t", 0, "m1")
	cluster := newCluster(t, b)

	c, err := New(cluster, Config{GroupID: "g", HeartbeatInterval: time.Nanosecond})
	require.NoError(t, err)
	c.Subscribe("t")
	_, err = c.Poll()
	require.NoError(t, err)
	gen1 := c.Group().Generation()

	coord.setHeartbeatCode(kafkaclient.ERR_REBALANCE_IN_PROGRESS)
	batches, err := c.Poll()
	require.NoError(t, err)
	require.Nil(t, batches) // rebalance signal: no fetch this cycle
	require.False(t, c.Group().Stable())

	coord.setHeartbeatCode(0)
	_, err = c.Poll()
	require.NoError(t, err)
	require.Equal(t, gen1+1, c.Group().Generation())
	c.Close()
}

func TestConsumerPollWithoutSubscription(t *testing.T) {
	b := startBroker(t)
	installCoordinator(t, b, "t", 1)
	cluster := newCluster(t, b)
	c, err := New(cluster, Config{GroupID: "g"})
	require.NoError(t, err)
	_, err = c.Poll()
	require.Error(t, err)
}
