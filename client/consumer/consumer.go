package consumer

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/client/fetcher"
	"github.com/andrewjamesbrown/kafkaclient/instrument"
)

type Config struct {
	GroupID string
	// Group membership timing.
	SessionTimeout    time.Duration
	RebalanceTimeout  time.Duration
	HeartbeatInterval time.Duration
	// Offset commit policy.
	OffsetCommitInterval  time.Duration
	OffsetCommitThreshold int
	OffsetRetentionTime   time.Duration
	// StartFromLatest begins at the newest offset for partitions with no
	// committed offset. The default starts from the beginning.
	StartFromLatest bool
	// Fetch tuning.
	MaxWaitTime time.Duration
	MinBytes    int32
	MaxBytes    int32

	Logger   *zap.Logger
	Notifier instrument.Notifier
}

// Consumer is a group consumer: it joins the group, fetches from its
// assigned partitions, tracks per partition positions, heartbeats between
// fetch cycles, and commits processed offsets through the offset manager.
// One logical thread of control: Poll, MarkProcessed, and Close are meant
// to be called from a single loop (they are still mutex guarded).
type Consumer struct {
	cluster   *client.Cluster
	cfg       Config
	log       *zap.Logger
	notifier  instrument.Notifier
	group     *Group
	offsets   *OffsetManager
	heartbeat *Heartbeat

	mu        sync.Mutex
	topics    []string
	positions map[string]map[int32]int64
	closed    bool
}

func New(cluster *client.Cluster, cfg Config) (*Consumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = instrument.Nop{}
	}
	group, err := NewGroup(cluster, GroupConfig{
		GroupID:          cfg.GroupID,
		SessionTimeout:   cfg.SessionTimeout,
		RebalanceTimeout: cfg.RebalanceTimeout,
		Logger:           cfg.Logger,
		Notifier:         cfg.Notifier,
	})
	if err != nil {
		return nil, err
	}
	offsets := NewOffsetManager(cluster, group, OffsetManagerConfig{
		CommitInterval:  cfg.OffsetCommitInterval,
		CommitThreshold: cfg.OffsetCommitThreshold,
		RetentionTime:   cfg.OffsetRetentionTime,
		Logger:          cfg.Logger,
		Notifier:        cfg.Notifier,
	})
	return &Consumer{
		cluster:   cluster,
		cfg:       cfg,
		log:       cfg.Logger,
		notifier:  cfg.Notifier,
		group:     group,
		offsets:   offsets,
		heartbeat: NewHeartbeat(group, cfg.HeartbeatInterval),
	}, nil
}

// Subscribe adds topics to consume. Takes effect on the next (re)join.
func (c *Consumer) Subscribe(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topics...)
	c.cluster.AddTargetTopics(topics...)
}

// Group exposes membership state (member id, generation, assignment).
func (c *Consumer) Group() *Group { return c.group }

// ensureActive joins the group if membership is not stable and
// (re)initializes partition positions from committed offsets.
func (c *Consumer) ensureActive() error {
	if c.group.Stable() {
		return nil
	}
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()
	if len(topics) == 0 {
		return errors.New("no topics subscribed")
	}
	if err := c.group.Join(topics); err != nil {
		return err
	}
	c.offsets.Reset()
	positions := make(map[string]map[int32]int64)
	for topic, partitions := range c.group.Assignment() {
		positions[topic] = make(map[int32]int64)
		for _, partition := range partitions {
			offset, err := c.offsets.NextOffset(topic, partition)
			if err != nil {
				return err
			}
			if offset < 0 {
				target := client.OffsetEarliest
				if c.cfg.StartFromLatest {
					target = client.OffsetLatest
				}
				offset, err = c.cluster.ResolveOffset(topic, partition, target)
				if err != nil {
					return err
				}
			}
			positions[topic][partition] = offset
		}
	}
	c.mu.Lock()
	c.positions = positions
	c.mu.Unlock()
	return nil
}

// Poll runs one consume cycle: ensure membership, heartbeat if due, fetch
// from every assigned partition at its current position, advance positions
// past returned messages, and commit offsets per policy. Returns the
// fetched batches; a batch level error (on FetchedBatch.Err) does not fail
// the poll. A rebalance signal surfaces as a nil batch set with no error;
// the next Poll rejoins.
func (c *Consumer) Poll() ([]*fetcher.FetchedBatch, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("consumer is closed")
	}
	c.mu.Unlock()

	if err := c.ensureActive(); err != nil {
		return nil, err
	}
	if err := c.heartbeat.Trigger(); err != nil {
		var kerr *kafkaclient.Error
		if errors.As(err, &kerr) && kerr.Membership() {
			c.log.Info("rebalance signaled; rejoining on next poll", zap.Error(kerr))
			return nil, nil
		}
		return nil, err
	}

	op := fetcher.NewOperation(c.cluster, fetcher.Config{
		MaxWaitTime: c.cfg.MaxWaitTime,
		MinBytes:    c.cfg.MinBytes,
		MaxBytes:    c.cfg.MaxBytes,
		Logger:      c.log,
		Notifier:    c.notifier,
	})
	c.mu.Lock()
	for topic, partitions := range c.positions {
		for partition, offset := range partitions {
			op.FetchFromPartition(topic, partition, offset, 0)
		}
	}
	c.mu.Unlock()

	batches := op.Execute()
	c.mu.Lock()
	for _, b := range batches {
		if b.Err != nil || b.LastOffset < 0 {
			continue
		}
		c.positions[b.Topic][b.Partition] = b.LastOffset + 1
	}
	c.mu.Unlock()
	for _, b := range batches {
		if b.Err == nil && len(b.Messages) > 0 {
			c.notifier.Emit(instrument.EventProcessBatch, map[string]interface{}{
				"topic":     b.Topic,
				"partition": b.Partition,
				"messages":  len(b.Messages),
			})
		}
	}
	if err := c.offsets.CommitIfNeeded(); err != nil {
		c.log.Warn("offset commit failed", zap.Error(err))
	}
	return batches, nil
}

// Each polls in a loop, invoking fn for every message and marking it
// processed. Returns on the first non-batch error or after Close.
func (c *Consumer) Each(fn func(*fetcher.Message) error) error {
	for {
		batches, err := c.Poll()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		for _, b := range batches {
			if b.Err != nil {
				c.log.Warn("skipping failed batch",
					zap.String("topic", b.Topic),
					zap.Int32("partition", b.Partition),
					zap.Error(b.Err))
				continue
			}
			for _, m := range b.Messages {
				if err := fn(m); err != nil {
					return err
				}
				c.MarkProcessed(m.Topic, m.Partition, m.Offset)
			}
		}
	}
}

// MarkProcessed records a handled message for the offset manager.
func (c *Consumer) MarkProcessed(topic string, partition int32, offset int64) {
	c.offsets.MarkProcessed(topic, partition, offset)
}

// CommitOffsets commits processed offsets immediately.
func (c *Consumer) CommitOffsets() error {
	return c.offsets.Commit()
}

// Offsets exposes the offset manager.
func (c *Consumer) Offsets() *OffsetManager { return c.offsets }

// Close commits outstanding offsets and leaves the group. Best effort:
// never returns an error; failures are logged. The shared cluster stays
// open.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if err := c.offsets.Commit(); err != nil {
		c.log.Warn("final offset commit failed", zap.Error(err))
	}
	if err := c.group.Leave(); err != nil {
		c.log.Warn("leave group failed", zap.Error(err))
	}
}
