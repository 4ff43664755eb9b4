// Package producer implements the multi partition producer: an in-memory
// buffer partitioned by topic and partition, a murmur2 partitioner, and a
// delivery loop that groups requests by leader broker and retries
// recoverable failures without reordering records.
package producer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/batch"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/compression"
	"github.com/andrewjamesbrown/kafkaclient/instrument"
)

// AcksAll waits for all in-sync replicas to acknowledge.
const AcksAll int16 = -1

type Config struct {
	// RequiredAcks: 0 none, 1 leader only, AcksAll all ISRs. The zero
	// value means AcksAll; use the explicit 0 through NoAcks below.
	RequiredAcks int16
	// NoAcks set to true selects acks=0 (fire and forget).
	NoAcks bool
	// AckTimeout is how long the broker may wait for replica
	// acknowledgement before answering RequestTimedOut.
	AckTimeout time.Duration
	// MaxRetries is the number of additional delivery attempts after the
	// first.
	MaxRetries int
	// RetryBackoff is slept between attempts; metadata refreshes in
	// between.
	RetryBackoff time.Duration
	// MaxBufferSize caps buffered message count; MaxBufferBytes caps the
	// summed key+value bytes. Produce fails with ErrBufferOverflow past
	// either.
	MaxBufferSize  int
	MaxBufferBytes int
	// CompressionCodec is one of "", "none", "gzip", "snappy", "lz4",
	// "zstd". Record sets with at least CompressionThreshold messages
	// are compressed.
	CompressionCodec     string
	CompressionThreshold int

	Logger   *zap.Logger
	Notifier instrument.Notifier

	codec batch.Compressor
}

func (c *Config) applyDefaults() error {
	if c.RequiredAcks == 0 && !c.NoAcks {
		c.RequiredAcks = AcksAll
	}
	if c.NoAcks {
		c.RequiredAcks = 0
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = 1000
	}
	if c.MaxBufferBytes == 0 {
		c.MaxBufferBytes = 10 << 20
	}
	if c.CompressionThreshold == 0 {
		c.CompressionThreshold = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notifier == nil {
		c.Notifier = instrument.Nop{}
	}
	codec, err := compression.ByName(c.CompressionCodec)
	if err != nil {
		return err
	}
	c.codec = codec
	return nil
}

// Producer buffers messages and delivers them to partition leaders. All
// methods are safe for concurrent use; delivery serializes. The producer
// shares the cluster (and its connection pool) with its creator and does
// not close it.
type Producer struct {
	cluster     *client.Cluster
	cfg         Config
	log         *zap.Logger
	notifier    instrument.Notifier
	partitioner *Partitioner

	mu      sync.Mutex
	pending []*Message // produced but not yet partition-assigned
	buffer  *Buffer
}

func New(cluster *client.Cluster, cfg Config) (*Producer, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Producer{
		cluster:     cluster,
		cfg:         cfg,
		log:         cfg.Logger,
		notifier:    cfg.Notifier,
		partitioner: NewPartitioner(),
		buffer:      NewBuffer(),
	}, nil
}

// Produce appends a message to the buffer. It does no I/O: partition
// assignment and delivery happen in Deliver. Fails with ErrBufferOverflow
// when the buffer is at capacity.
func (p *Producer) Produce(m *Message) error {
	if m.Topic == "" {
		return errors.New("message topic must be set")
	}
	if m.CreateTime.IsZero() {
		m.CreateTime = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bufferedCountLocked() >= p.cfg.MaxBufferSize {
		return fmt.Errorf("%d messages buffered: %w", p.bufferedCountLocked(), kafkaclient.ErrBufferOverflow)
	}
	if p.bufferedBytesLocked()+m.ByteSize() > p.cfg.MaxBufferBytes {
		return fmt.Errorf("%d bytes buffered: %w", p.bufferedBytesLocked(), kafkaclient.ErrBufferOverflow)
	}
	p.pending = append(p.pending, m)
	p.notifier.Emit(instrument.EventProduceMessage, map[string]interface{}{
		"topic":     m.Topic,
		"partition": m.Partition,
		"size":      m.ByteSize(),
	})
	return nil
}

func (p *Producer) bufferedCountLocked() int {
	return len(p.pending) + p.buffer.MessageCount()
}

func (p *Producer) bufferedBytesLocked() int {
	bytes := p.buffer.ByteSize()
	for _, m := range p.pending {
		bytes += m.ByteSize()
	}
	return bytes
}

// BufferedCount is the number of messages awaiting delivery.
func (p *Producer) BufferedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufferedCountLocked()
}

// assignPartitions drains the pending queue through the partitioner into
// the partition buckets. Messages whose topic metadata cannot be resolved
// stay pending for the next attempt.
func (p *Producer) assignPartitions() {
	var unassigned []*Message
	for _, m := range p.pending {
		if m.Partition < 0 {
			count, err := p.cluster.PartitionCount(m.Topic)
			if err != nil || count == 0 {
				p.log.Warn("cannot resolve partition count",
					zap.String("topic", m.Topic), zap.Error(err))
				unassigned = append(unassigned, m)
				continue
			}
			p.partitioner.Assign(m, count)
		}
		p.buffer.Append(m)
	}
	p.pending = unassigned
}

// Deliver drives buffered messages to their partition leaders, repeating up
// to MaxRetries additional attempts with RetryBackoff sleeps and metadata
// refreshes in between. Per partition, acknowledged records appear on the
// broker in produce order; partial failures keep unacknowledged records
// buffered, in order, for the next attempt. Returns all fatal
// (non-retriable) broker errors encountered, joined with errors.Join, if
// there were any; otherwise ErrDeliveryFailed if records remain after the
// envelope is spent.
func (p *Producer) Deliver() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deliverLocked()
}

func (p *Producer) deliverLocked() error {
	var fatal []error
	delivered := 0
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		p.assignPartitions()
		op := &operation{
			cluster:   p.cluster,
			buffer:    p.buffer,
			acks:      p.cfg.RequiredAcks,
			timeoutMs: int32(p.cfg.AckTimeout / time.Millisecond),
			codec:     p.cfg.codec,
			threshold: p.cfg.CompressionThreshold,
			log:       p.log,
		}
		op.execute()
		delivered += op.acked
		fatal = append(fatal, op.fatal...)
		if p.buffer.Empty() && len(p.pending) == 0 {
			break
		}
		if attempt >= p.cfg.MaxRetries {
			break
		}
		p.log.Info("retrying delivery",
			zap.Int("attempt", attempt+1),
			zap.Int("remaining", p.bufferedCountLocked()))
		time.Sleep(p.cfg.RetryBackoff)
		if err := p.cluster.Refresh(); err != nil {
			p.log.Warn("metadata refresh between delivery attempts failed", zap.Error(err))
		}
	}
	p.notifier.Emit(instrument.EventDeliverMessages, map[string]interface{}{
		"delivered": delivered,
		"attempts":  attempts,
		"remaining": p.bufferedCountLocked(),
	})
	if len(fatal) > 0 {
		return errors.Join(fatal...)
	}
	if !p.buffer.Empty() || len(p.pending) > 0 {
		return fmt.Errorf("%d messages undelivered after %d attempts: %w",
			p.bufferedCountLocked(), attempts, kafkaclient.ErrDeliveryFailed)
	}
	return nil
}

// Close flushes pending messages. The shared cluster is left open for other
// users; disconnect it separately.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bufferedCountLocked() == 0 {
		return nil
	}
	return p.deliverLocked()
}

// DeliverMessage is the one-shot convenience path: it produces and delivers
// a single message with acks=1 and a 10 second ack timeout, regardless of
// any configured defaults.
func DeliverMessage(cluster *client.Cluster, value, key []byte, topic string, partition int32) error {
	p, err := New(cluster, Config{
		RequiredAcks: 1,
		AckTimeout:   10 * time.Second,
	})
	if err != nil {
		return err
	}
	if err := p.Produce(&Message{Value: value, Key: key, Topic: topic, Partition: partition}); err != nil {
		return err
	}
	return p.Deliver()
}
