package producer

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api/Produce"
	"github.com/andrewjamesbrown/kafkaclient/batch"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/record"
)

// operation is a single produce round: it groups buffered partitions by
// leader broker, sends one Produce request per leader, and settles each
// partition from the per-partition response codes. Acknowledged and fatally
// failed partitions leave the buffer; partitions that failed retriably stay
// for the next attempt.
type operation struct {
	cluster   *client.Cluster
	buffer    *Buffer
	acks      int16
	timeoutMs int32
	codec     batch.Compressor
	threshold int
	log       *zap.Logger

	acked int // messages acknowledged by this operation
	fatal []error
}

func (op *operation) execute() {
	byLeader := make(map[string][]TopicPartition)
	for _, tp := range op.buffer.Partitions() {
		leader, err := op.cluster.Leader(tp.Topic, tp.Partition)
		if err != nil {
			// records stay buffered; the retry envelope refreshes
			// metadata before the next attempt
			op.log.Warn("no leader for partition",
				zap.String("topic", tp.Topic),
				zap.Int32("partition", tp.Partition),
				zap.Error(err))
			continue
		}
		byLeader[leader.Addr()] = append(byLeader[leader.Addr()], tp)
	}
	for addr, tps := range byLeader {
		op.produceTo(addr, tps)
	}
}

func (op *operation) produceTo(addr string, tps []TopicPartition) {
	topicData, err := op.marshalBuckets(tps)
	if err != nil {
		op.fatal = append(op.fatal, err)
		return
	}
	req := Produce.NewRequest(&Produce.Args{Acks: op.acks, TimeoutMs: op.timeoutMs}, topicData)

	if op.acks == 0 {
		// fire and forget: the broker sends no response, so there is
		// nothing to settle; clear everything that was sent
		if err := op.cluster.Pool().CallOneWay(addr, req); err != nil {
			op.cluster.MarkStale()
			return
		}
		for _, tp := range tps {
			op.acked += len(op.buffer.Messages(tp.Topic, tp.Partition))
			op.buffer.Clear(tp.Topic, tp.Partition)
		}
		return
	}

	resp := &Produce.Response{}
	if err := op.cluster.Pool().Call(addr, req, resp); err != nil {
		// connection level failure: all partitions sent to this leader
		// stay buffered
		op.cluster.MarkStale()
		op.log.Warn("produce request failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	for _, tr := range resp.TopicResponses {
		for _, pr := range tr.PartitionResponses {
			op.settle(tr.Topic, pr)
		}
	}
}

func (op *operation) settle(topic string, pr Produce.PartitionResponse) {
	if pr.ErrorCode == kafkaclient.ERR_NONE {
		op.acked += len(op.buffer.Messages(topic, pr.Partition))
		op.buffer.Clear(topic, pr.Partition)
		return
	}
	kerr := &kafkaclient.Error{Code: pr.ErrorCode}
	if kerr.Retriable() {
		op.cluster.MarkStale()
		op.log.Warn("retriable produce error",
			zap.String("topic", topic),
			zap.Int32("partition", pr.Partition),
			zap.Error(kerr))
		return
	}
	// fatal: drop the records and surface the error
	op.buffer.Clear(topic, pr.Partition)
	op.fatal = append(op.fatal, fmt.Errorf("produce to %s/%d: %w", topic, pr.Partition, kerr))
}

// marshalBuckets builds one record set per buffered partition, compressing
// sets that meet the compression threshold.
func (op *operation) marshalBuckets(tps []TopicPartition) ([]Produce.TopicData, error) {
	byTopic := make(map[string][]Produce.Data)
	var order []string
	for _, tp := range tps {
		msgs := op.buffer.Messages(tp.Topic, tp.Partition)
		if len(msgs) == 0 {
			continue
		}
		recordSet, err := op.marshalMessages(msgs)
		if err != nil {
			return nil, fmt.Errorf("error building batch for %s/%d: %w", tp.Topic, tp.Partition, err)
		}
		if _, ok := byTopic[tp.Topic]; !ok {
			order = append(order, tp.Topic)
		}
		byTopic[tp.Topic] = append(byTopic[tp.Topic], Produce.Data{
			Partition: tp.Partition,
			RecordSet: recordSet,
		})
	}
	var topicData []Produce.TopicData
	for _, topic := range order {
		topicData = append(topicData, Produce.TopicData{Topic: topic, Data: byTopic[topic]})
	}
	return topicData, nil
}

func (op *operation) marshalMessages(msgs []*Message) ([]byte, error) {
	first := msgs[0].CreateTime
	builder := batch.NewBuilder(first)
	var last time.Time
	for _, m := range msgs {
		r := record.New(m.Key, m.Value)
		r.TimestampDelta = m.CreateTime.Sub(first).Milliseconds()
		builder.Add(r)
		last = m.CreateTime
	}
	b, err := builder.Build(last)
	if err != nil {
		return nil, err
	}
	if op.codec != nil && len(msgs) >= op.threshold {
		if err := b.Compress(op.codec); err != nil {
			return nil, err
		}
	}
	return b.Marshal(), nil
}
