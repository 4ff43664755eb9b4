package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api"
	"github.com/andrewjamesbrown/kafkaclient/api/Fetch"
	"github.com/andrewjamesbrown/kafkaclient/api/Metadata"
	"github.com/andrewjamesbrown/kafkaclient/batch"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/compression"
	"github.com/andrewjamesbrown/kafkaclient/mockbroker"
	"github.com/andrewjamesbrown/kafkaclient/record"
)

func startBroker(t *testing.T, topic string, partitions int32) *mockbroker.Broker {
	t.Helper()
	b, err := mockbroker.Start()
	require.NoError(t, err)
	t.Cleanup(b.Close)
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

// buildRecordSet marshals values into a single record batch starting at
// baseOffset, optionally compressed.
func buildRecordSet(t *testing.T, baseOffset int64, codec batch.Compressor, values ...string) []byte {
	t.Helper()
	now := time.Now()
	builder := batch.NewBuilder(now)
	for _, v := range values {
		builder.Add(record.New(nil, []byte(v)))
	}
	b, err := builder.Build(now)
	require.NoError(t, err)
	b.BaseOffset = baseOffset
	if codec != nil {
		require.NoError(t, b.Compress(codec))
	}
	return b.Marshal()
}

func fetchHandler(recordSets map[int32][]byte, errorCodes map[int32]int16) mockbroker.Handler {
	return func(h *mockbroker.RequestHeader, body []byte) interface{} {
		req := &Fetch.Request{}
		if err := mockbroker.Unmarshal(body, req); err != nil {
			return nil
		}
		resp := &Fetch.Response{}
		for _, rt := range req.Topics {
			tr := Fetch.TopicResponse{Topic: rt.Topic}
			for _, rp := range rt.Partitions {
				pr := Fetch.PartitionResponse{
					Partition:     rp.Partition,
					HighWatermark: 1000,
					RecordSet:     recordSets[rp.Partition],
				}
				if code, ok := errorCodes[rp.Partition]; ok {
					pr.ErrorCode = code
					pr.RecordSet = nil
				}
				tr.PartitionResponses = append(tr.PartitionResponses, pr)
			}
			resp.TopicResponses = append(resp.TopicResponses, tr)
		}
		return resp
	}
}

func TestFetchSinglePartition(t *testing.T) {
	b := startBroker(t, "t", 1)
	b.Handle(api.Fetch, fetchHandler(map[int32][]byte{
		0: buildRecordSet(t, 100, nil, "m1", "m2", "m3"),
	}, nil))

	c := newCluster(t, b)
	op := NewOperation(c, Config{})
	op.FetchFromPartition("t", 0, 100, 0)
	results := op.Execute()

	require.Len(t, results, 1)
	fb := results[0]
	require.NoError(t, fb.Err)
	require.Equal(t, "t", fb.Topic)
	require.Equal(t, int64(1000), fb.HighWatermark)
	require.Len(t, fb.Messages, 3)
	require.Equal(t, int64(100), fb.Messages[0].Offset)
	require.Equal(t, "m1", string(fb.Messages[0].Value))
	require.Equal(t, int64(102), fb.LastOffset)
	// offsets strictly ascending
	for i := 1; i < len(fb.Messages); i++ {
		require.Greater(t, fb.Messages[i].Offset, fb.Messages[i-1].Offset)
	}
}

func TestFetchSkipsRecordsBelowRequestedOffset(t *testing.T) {
	b := startBroker(t, "t", 1)
	// compressed batches are returned whole, starting before the
	// requested offset; the fetcher drops the leading records
	b.Handle(api.Fetch, fetchHandler(map[int32][]byte{
		0: buildRecordSet(t, 100, &compression.GzipCodec{}, "m1", "m2", "m3"),
	}, nil))

	c := newCluster(t, b)
	op := NewOperation(c, Config{})
	op.FetchFromPartition("t", 0, 102, 0)
	results := op.Execute()

	fb := results[0]
	require.NoError(t, fb.Err)
	require.Len(t, fb.Messages, 1)
	require.Equal(t, int64(102), fb.Messages[0].Offset)
	require.Equal(t, "m3", string(fb.Messages[0].Value))
}

func TestFetchMultiplePartitionsInputOrder(t *testing.T) {
	b := startBroker(t, "t", 3)
	b.Handle(api.Fetch, fetchHandler(map[int32][]byte{
		0: buildRecordSet(t, 0, nil, "p0"),
		1: buildRecordSet(t, 0, nil, "p1"),
		2: buildRecordSet(t, 0, nil, "p2"),
	}, nil))

	c := newCluster(t, b)
	op := NewOperation(c, Config{})
	op.FetchFromPartition("t", 2, 0, 0)
	op.FetchFromPartition("t", 0, 0, 0)
	op.FetchFromPartition("t", 1, 0, 0)
	results := op.Execute()

	require.Len(t, results, 3)
	require.Equal(t, int32(2), results[0].Partition)
	require.Equal(t, int32(0), results[1].Partition)
	require.Equal(t, int32(1), results[2].Partition)
	for _, fb := range results {
		require.NoError(t, fb.Err)
		require.Len(t, fb.Messages, 1)
	}
}

func TestFetchEmptyBatchIsLegal(t *testing.T) {
	b := startBroker(t, "t", 1)
	b.Handle(api.Fetch, fetchHandler(map[int32][]byte{0: nil}, nil))

	c := newCluster(t, b)
	op := NewOperation(c, Config{})
	op.FetchFromPartition("t", 0, 0, 0)
	results := op.Execute()

	fb := results[0]
	require.NoError(t, fb.Err)
	require.Empty(t, fb.Messages)
	require.Equal(t, int64(-1), fb.LastOffset)
}

func TestFetchPartitionErrorDoesNotFailSiblings(t *testing.T) {
	b := startBroker(t, "t", 2)
	b.Handle(api.Fetch, fetchHandler(
		map[int32][]byte{0: buildRecordSet(t, 0, nil, "ok")},
		map[int32]int16{1: kafkaclient.ERR_OFFSET_OUT_OF_RANGE},
	))

	c := newCluster(t, b)
	op := NewOperation(c, Config{})
	op.FetchFromPartition("t", 0, 0, 0)
	op.FetchFromPartition("t", 1, 0, 0)
	results := op.Execute()

	require.NoError(t, results[0].Err)
	require.Len(t, results[0].Messages, 1)

	var kerr *kafkaclient.Error
	require.ErrorAs(t, results[1].Err, &kerr)
	require.Equal(t, kafkaclient.ERR_OFFSET_OUT_OF_RANGE, kerr.Code)
}

func TestFetchCorruptBatch(t *testing.T) {
	b := startBroker(t, "t", 1)
	rs := buildRecordSet(t, 0, nil, "m1")
	rs[len(rs)-1] ^= 0xff // flip a bit in the record bodies
	b.Handle(api.Fetch, fetchHandler(map[int32][]byte{0: rs}, nil))

	c := newCluster(t, b)
	op := NewOperation(c, Config{})
	op.FetchFromPartition("t", 0, 0, 0)
	results := op.Execute()
	require.ErrorIs(t, results[0].Err, batch.ErrCorrupt)
}
