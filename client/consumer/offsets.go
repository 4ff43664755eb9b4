package consumer

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api/OffsetCommit"
	"github.com/andrewjamesbrown/kafkaclient/api/OffsetFetch"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/instrument"
)

type OffsetManagerConfig struct {
	// CommitInterval triggers CommitIfNeeded this long after the last
	// commit.
	CommitInterval time.Duration
	// CommitThreshold triggers CommitIfNeeded once this many processed
	// messages are uncommitted. Zero disables the count trigger.
	CommitThreshold int
	// RetentionTime asks the broker to keep the committed offsets this
	// long. Zero means the broker's default.
	RetentionTime time.Duration

	Logger   *zap.Logger
	Notifier instrument.Notifier
}

func (c *OffsetManagerConfig) applyDefaults() {
	if c.CommitInterval == 0 {
		c.CommitInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notifier == nil {
		c.Notifier = instrument.Nop{}
	}
}

// OffsetManager tracks processed offsets per partition and commits them to
// the group coordinator on demand, on a processed-count threshold, or on a
// time interval. Commits serialize through the manager. Invariants: the
// committed offset never exceeds the processed offset, and a successful
// Commit zeroes the uncommitted count.
type OffsetManager struct {
	cluster  *client.Cluster
	group    *Group
	cfg      OffsetManagerConfig
	log      *zap.Logger
	notifier instrument.Notifier

	mu          sync.Mutex
	processed   map[string]map[int32]int64 // next offset to process
	committed   map[string]map[int32]int64
	uncommitted int
	lastCommit  time.Time
	now         func() time.Time // test hook
}

func NewOffsetManager(cluster *client.Cluster, group *Group, cfg OffsetManagerConfig) *OffsetManager {
	cfg.applyDefaults()
	return &OffsetManager{
		cluster:    cluster,
		group:      group,
		cfg:        cfg,
		log:        cfg.Logger,
		notifier:   cfg.Notifier,
		processed:  make(map[string]map[int32]int64),
		committed:  make(map[string]map[int32]int64),
		lastCommit: time.Now(),
		now:        time.Now,
	}
}

// MarkProcessed records that the message at offset has been handled; the
// next offset for the partition becomes offset+1.
func (om *OffsetManager) MarkProcessed(topic string, partition int32, offset int64) {
	om.mu.Lock()
	defer om.mu.Unlock()
	partitions, ok := om.processed[topic]
	if !ok {
		partitions = make(map[int32]int64)
		om.processed[topic] = partitions
	}
	partitions[partition] = offset + 1
	om.uncommitted++
}

// UncommittedCount is the number of MarkProcessed calls since the last
// successful commit.
func (om *OffsetManager) UncommittedCount() int {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.uncommitted
}

// dirtyLocked collects partitions whose processed offset is ahead of the
// committed one.
func (om *OffsetManager) dirtyLocked() map[string]map[int32]int64 {
	dirty := make(map[string]map[int32]int64)
	for topic, partitions := range om.processed {
		for partition, offset := range partitions {
			if om.committed[topic][partition] == offset {
				continue
			}
			if _, ok := dirty[topic]; !ok {
				dirty[topic] = make(map[int32]int64)
			}
			dirty[topic][partition] = offset
		}
	}
	return dirty
}

// Commit sends an OffsetCommit for every partition with uncommitted
// progress. Nop when there is none.
func (om *OffsetManager) Commit() error {
	om.mu.Lock()
	dirty := om.dirtyLocked()
	generation := om.group.Generation()
	memberID := om.group.MemberID()
	om.mu.Unlock()

	if len(dirty) == 0 {
		om.mu.Lock()
		om.lastCommit = om.now()
		om.mu.Unlock()
		return nil
	}
	coordinator := om.group.CoordinatorAddr()
	if coordinator == "" {
		return fmt.Errorf("no group coordinator; join the group first")
	}
	var retention int64
	if om.cfg.RetentionTime > 0 {
		retention = om.cfg.RetentionTime.Milliseconds()
	} else {
		retention = -1
	}
	req := OffsetCommit.NewRequest(&OffsetCommit.Args{
		GroupId:         om.group.cfg.GroupID,
		GenerationId:    generation,
		MemberId:        memberID,
		RetentionTimeMs: retention,
		Offsets:         dirty,
	})
	resp := &OffsetCommit.Response{}
	if err := om.cluster.Pool().Call(coordinator, req, resp); err != nil {
		return fmt.Errorf("error making OffsetCommit call: %w", err)
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.ErrorCode == kafkaclient.ERR_NONE {
				continue
			}
			kerr := &kafkaclient.Error{Code: p.ErrorCode}
			if p.ErrorCode == kafkaclient.ERR_NOT_COORDINATOR {
				om.cluster.InvalidateCoordinator(om.group.cfg.GroupID)
			}
			return fmt.Errorf("offset commit for %s/%d: %w", t.Name, p.PartitionIndex, kerr)
		}
	}
	om.mu.Lock()
	for topic, partitions := range dirty {
		if _, ok := om.committed[topic]; !ok {
			om.committed[topic] = make(map[int32]int64)
		}
		for partition, offset := range partitions {
			om.committed[topic][partition] = offset
		}
	}
	om.uncommitted = 0
	om.lastCommit = om.now()
	om.mu.Unlock()
	om.notifier.Emit(instrument.EventCommitOffsets, map[string]interface{}{
		"group":   om.group.cfg.GroupID,
		"offsets": dirty,
	})
	om.log.Debug("offsets committed", zap.Any("offsets", dirty))
	return nil
}

// CommitIfNeeded commits when the uncommitted count reaches the threshold
// or the commit interval has elapsed.
func (om *OffsetManager) CommitIfNeeded() error {
	om.mu.Lock()
	count := om.uncommitted
	due := om.now().Sub(om.lastCommit) >= om.cfg.CommitInterval
	om.mu.Unlock()
	if om.cfg.CommitThreshold > 0 && count >= om.cfg.CommitThreshold {
		return om.Commit()
	}
	if due {
		return om.Commit()
	}
	return nil
}

// NextOffset fetches the committed offset for the partition from the
// coordinator. Returns -1 when no offset has been committed; the caller
// applies its start-from-beginning policy.
func (om *OffsetManager) NextOffset(topic string, partition int32) (int64, error) {
	coordinator := om.group.CoordinatorAddr()
	if coordinator == "" {
		return -1, fmt.Errorf("no group coordinator; join the group first")
	}
	req := OffsetFetch.NewRequest(om.group.cfg.GroupID, map[string][]int32{topic: {partition}})
	resp := &OffsetFetch.Response{}
	if err := om.cluster.Pool().Call(coordinator, req, resp); err != nil {
		return -1, fmt.Errorf("error making OffsetFetch call: %w", err)
	}
	if err := kafkaclient.ErrorFromCode(resp.ErrorCode); err != nil {
		return -1, err
	}
	p := resp.Partition(topic, partition)
	if p == nil {
		return -1, fmt.Errorf("partition %s/%d missing from OffsetFetch response", topic, partition)
	}
	if err := kafkaclient.ErrorFromCode(p.ErrorCode); err != nil {
		return -1, err
	}
	return p.CommittedOffset, nil
}

// Reset drops all tracked offsets. Called when a rebalance hands this
// member a new assignment.
func (om *OffsetManager) Reset() {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.processed = make(map[string]map[int32]int64)
	om.committed = make(map[string]map[int32]int64)
	om.uncommitted = 0
}
