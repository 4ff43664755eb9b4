// Package fetcher implements the multi partition fetch engine. An Operation
// accumulates per partition request slots, groups them by leader broker,
// executes one Fetch request per leader in parallel, and returns decoded
// batches in slot order. The fetcher does no offset management of its own:
// there are many nuanced error scenarios (a fetch response can succeed while
// its third of five batches is corrupt), so advancing and storing offsets is
// pushed to the consumer layer.
package fetcher

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api/Fetch"
	"github.com/andrewjamesbrown/kafkaclient/batch"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/compression"
	"github.com/andrewjamesbrown/kafkaclient/instrument"
	"github.com/andrewjamesbrown/kafkaclient/record"
)

type Config struct {
	// MaxWaitTime is how long the broker may hold the request waiting
	// for MinBytes to accumulate.
	MaxWaitTime time.Duration
	MinBytes    int32
	// MaxBytes caps the whole response; PerPartitionBytes caps each
	// partition's slice of it (overridable per slot).
	MaxBytes          int32
	PerPartitionBytes int32

	Logger   *zap.Logger
	Notifier instrument.Notifier
}

func (c *Config) applyDefaults() {
	if c.MaxWaitTime == 0 {
		c.MaxWaitTime = 5 * time.Second
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.PerPartitionBytes == 0 {
		c.PerPartitionBytes = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notifier == nil {
		c.Notifier = instrument.Nop{}
	}
}

// Message is a single fetched record.
type Message struct {
	Topic      string
	Partition  int32
	Offset     int64
	Key        []byte
	Value      []byte
	CreateTime time.Time
}

// FetchedBatch is everything fetched for one partition in one operation.
// LastOffset is the offset of the last message, or -1 when the batch is
// empty (empty batches are legal). Err carries a partition level failure;
// sibling batches are unaffected.
type FetchedBatch struct {
	Topic         string
	Partition     int32
	HighWatermark int64
	LastOffset    int64
	Messages      []*Message
	Err           error
}

type slot struct {
	topic     string
	partition int32
	offset    int64
	maxBytes  int32
}

// Operation is one multi partition fetch. Record request slots with
// FetchFromPartition, then Execute. Not safe for concurrent use; Execute at
// most once.
type Operation struct {
	cluster *client.Cluster
	cfg     Config
	slots   []slot
}

func NewOperation(cluster *client.Cluster, cfg Config) *Operation {
	cfg.applyDefaults()
	return &Operation{cluster: cluster, cfg: cfg}
}

// FetchFromPartition records a request slot. maxBytes 0 uses the configured
// per partition default.
func (o *Operation) FetchFromPartition(topic string, partition int32, offset int64, maxBytes int32) {
	if maxBytes == 0 {
		maxBytes = o.cfg.PerPartitionBytes
	}
	o.slots = append(o.slots, slot{topic: topic, partition: partition, offset: offset, maxBytes: maxBytes})
}

// Execute runs the recorded slots: one Fetch request per leader broker, in
// parallel, and returns one FetchedBatch per slot in input order. Partition
// level failures (including CRC mismatches) are reported on the batch Err
// field and do not fail siblings.
func (o *Operation) Execute() []*FetchedBatch {
	results := make([]*FetchedBatch, len(o.slots))
	byLeader := make(map[string][]int)
	for i, s := range o.slots {
		results[i] = &FetchedBatch{
			Topic: s.topic, Partition: s.partition, LastOffset: -1,
		}
		leader, err := o.cluster.Leader(s.topic, s.partition)
		if err != nil {
			results[i].Err = err
			continue
		}
		byLeader[leader.Addr()] = append(byLeader[leader.Addr()], i)
	}

	var wg sync.WaitGroup
	for addr, idxs := range byLeader {
		wg.Add(1)
		go func(addr string, idxs []int) {
			defer wg.Done()
			o.fetchFrom(addr, idxs, results)
		}(addr, idxs)
	}
	wg.Wait()
	return results
}

func (o *Operation) fetchFrom(addr string, idxs []int, results []*FetchedBatch) {
	byTopic := make(map[string][]Fetch.Partition)
	var order []string
	for _, i := range idxs {
		s := o.slots[i]
		if _, ok := byTopic[s.topic]; !ok {
			order = append(order, s.topic)
		}
		byTopic[s.topic] = append(byTopic[s.topic], Fetch.Partition{
			Partition:         s.partition,
			FetchOffset:       s.offset,
			PartitionMaxBytes: s.maxBytes,
		})
	}
	var topics []Fetch.Topic
	for _, t := range order {
		topics = append(topics, Fetch.Topic{Topic: t, Partitions: byTopic[t]})
	}
	req := Fetch.NewRequest(&Fetch.Args{
		MaxWaitTimeMs: int32(o.cfg.MaxWaitTime / time.Millisecond),
		MinBytes:      o.cfg.MinBytes,
		MaxBytes:      o.cfg.MaxBytes,
	}, topics)

	resp := &Fetch.Response{}
	if err := o.cluster.Pool().Call(addr, req, resp); err != nil {
		o.cluster.MarkStale()
		for _, i := range idxs {
			results[i].Err = err
		}
		return
	}
	for _, i := range idxs {
		s := o.slots[i]
		pr := findPartition(resp, s.topic, s.partition)
		if pr == nil {
			results[i].Err = fmt.Errorf("partition %s/%d missing from fetch response", s.topic, s.partition)
			continue
		}
		o.decode(s, pr, results[i])
	}
}

func findPartition(resp *Fetch.Response, topic string, partition int32) *Fetch.PartitionResponse {
	for _, tr := range resp.TopicResponses {
		if tr.Topic != topic {
			continue
		}
		for i := range tr.PartitionResponses {
			if tr.PartitionResponses[i].Partition == partition {
				return &tr.PartitionResponses[i]
			}
		}
	}
	return nil
}

// decode unmarshals every record batch in the partition's record set,
// verifying CRCs, decompressing when the attribute bits name a codec, and
// rebasing record offsets against each batch's base offset. Records below
// the requested offset (compressed batches may start earlier) are dropped.
func (o *Operation) decode(s slot, pr *Fetch.PartitionResponse, out *FetchedBatch) {
	out.HighWatermark = pr.HighWatermark
	if err := kafkaclient.ErrorFromCode(pr.ErrorCode); err != nil {
		if e, ok := err.(*kafkaclient.Error); ok && e.Retriable() {
			o.cluster.MarkStale()
		}
		out.Err = err
		return
	}
	for _, raw := range batch.RecordSet(pr.RecordSet).Batches() {
		b, err := batch.Unmarshal(raw)
		if err != nil {
			out.Err = fmt.Errorf("batch at %s/%d: %w", s.topic, s.partition, err)
			return
		}
		if codec := b.CompressionType(); codec != batch.None {
			d, err := compression.ForCodec(codec)
			if err != nil {
				out.Err = err
				return
			}
			if err := b.Decompress(d); err != nil {
				out.Err = fmt.Errorf("batch at %s/%d: %w", s.topic, s.partition, err)
				return
			}
		}
		for _, rb := range b.Records() {
			r, err := record.Unmarshal(rb)
			if err != nil {
				out.Err = fmt.Errorf("record at %s/%d: %w", s.topic, s.partition, err)
				return
			}
			offset := b.BaseOffset + r.OffsetDelta
			if offset < s.offset {
				continue
			}
			out.Messages = append(out.Messages, &Message{
				Topic:      s.topic,
				Partition:  s.partition,
				Offset:     offset,
				Key:        r.Key,
				Value:      r.Value,
				CreateTime: time.UnixMilli(b.FirstTimestamp + r.TimestampDelta),
			})
			out.LastOffset = offset
		}
	}
	o.cfg.Notifier.Emit(instrument.EventFetchBatch, map[string]interface{}{
		"topic":          s.topic,
		"partition":      s.partition,
		"messages":       len(out.Messages),
		"highwater_mark": out.HighWatermark,
	})
}
