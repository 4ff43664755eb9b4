package client

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	"github.com/andrewjamesbrown/kafkaclient/api/FindCoordinator"
	"github.com/andrewjamesbrown/kafkaclient/api/ListOffsets"
	"github.com/andrewjamesbrown/kafkaclient/api/Metadata"
)

// Offset resolution targets, re-exported for callers that do not want to
// import the api packages.
const (
	OffsetLatest   = ListOffsets.Latest
	OffsetEarliest = ListOffsets.Earliest
)

type ClusterConfig struct {
	// SeedBrokers entries are "host", "host:port", or
	// "scheme://host[:port]". Entries without a port are first looked up
	// as DNS SRV names and otherwise default to port 9092.
	SeedBrokers []string
	ClientID    string
	// TLS enables encrypted connections when set. Build one with
	// TLSConfig.Build.
	TLS    *TLSConfig
	Logger *zap.Logger
}

// snapshot is an immutable view of cluster metadata. Refreshes build a new
// snapshot and swap it in whole, so concurrent readers never observe a
// half-updated cache.
type snapshot struct {
	brokers    map[int32]Metadata.Broker
	partitions map[string][]Metadata.PartitionMetadata
	// leaders maps topic then partition to broker node id.
	leaders map[string]map[int32]int32
}

// Cluster owns the broker pool and the topic and group metadata caches. It
// bootstraps from the seed brokers, tracks the set of target topics whose
// metadata must be kept fresh, maps partitions to leader brokers, and
// resolves group coordinators. Safe for concurrent use; at most one
// metadata refresh proceeds at a time.
type Cluster struct {
	seeds []string
	pool  *Pool
	log   *zap.Logger

	mu           sync.Mutex
	targets      map[string]struct{}
	stale        bool
	meta         *snapshot
	coordinators map[string]Metadata.Broker
}

func NewCluster(cfg *ClusterConfig) (*Cluster, error) {
	// entries are kept raw and expanded on every use so SRV backed seeds
	// re-resolve; validation still fails fast here
	if _, err := NormalizeSeeds(cfg.SeedBrokers); err != nil {
		return nil, err
	}
	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	dialer := &Dialer{
		ClientID: cfg.ClientID,
		TLS:      tlsConfig,
		Logger:   log,
	}
	return &Cluster{
		seeds:        append([]string(nil), cfg.SeedBrokers...),
		pool:         NewPool(dialer),
		log:          log,
		targets:      make(map[string]struct{}),
		stale:        true,
		coordinators: make(map[string]Metadata.Broker),
	}, nil
}

// Pool returns the broker pool. Producers and fetchers use it to talk to
// partition leaders resolved through this cluster.
func (c *Cluster) Pool() *Pool { return c.pool }

// AddTargetTopics extends the set of topics whose metadata is kept fresh.
// New topics mark the cache stale; the next read refreshes.
func (c *Cluster) AddTargetTopics(topics ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if _, ok := c.targets[t]; !ok {
			c.targets[t] = struct{}{}
			c.stale = true
		}
	}
}

// Topics returns the current target topic set, sorted.
func (c *Cluster) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetsLocked()
}

func (c *Cluster) targetsLocked() []string {
	topics := make([]string, 0, len(c.targets))
	for t := range c.targets {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// MarkStale forces a metadata refresh before the next cache read. Producers
// call this when a response indicates the cached leader is wrong.
func (c *Cluster) MarkStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Refresh fetches topic metadata from the first seed broker that answers
// and swaps in a new cache snapshot. An empty target topic set is rejected.
func (c *Cluster) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked()
}

func (c *Cluster) refreshLocked() error {
	topics := c.targetsLocked()
	if len(topics) == 0 {
		return kafkaclient.ErrNoTopics
	}
	var lastErr error
	for _, seed := range c.seedAddrs() {
		resp := &Metadata.Response{}
		if err := c.pool.Call(seed, Metadata.NewRequest(topics), resp); err != nil {
			c.log.Warn("metadata request failed",
				zap.String("seed", seed), zap.Error(err))
			lastErr = err
			continue
		}
		c.applyLocked(resp)
		return nil
	}
	return fmt.Errorf("metadata refresh failed against all seed brokers: %w", lastErr)
}

func (c *Cluster) applyLocked(resp *Metadata.Response) {
	next := &snapshot{
		brokers:    make(map[int32]Metadata.Broker, len(resp.Brokers)),
		partitions: make(map[string][]Metadata.PartitionMetadata),
		leaders:    make(map[string]map[int32]int32),
	}
	for _, b := range resp.Brokers {
		next.brokers[b.NodeId] = b
	}
	stale := false
	for _, t := range resp.TopicMetadata {
		if retriableCode(t.ErrorCode) {
			stale = true
		}
		partitions := append([]Metadata.PartitionMetadata(nil), t.PartitionMetadata...)
		sort.Slice(partitions, func(i, j int) bool {
			return partitions[i].Partition < partitions[j].Partition
		})
		next.partitions[t.Topic] = partitions
		leaders := make(map[int32]int32, len(partitions))
		for _, p := range partitions {
			if retriableCode(p.ErrorCode) {
				stale = true
			}
			if p.ErrorCode == kafkaclient.ERR_NONE && p.Leader >= 0 {
				leaders[p.Partition] = p.Leader
			}
		}
		next.leaders[t.Topic] = leaders
	}
	c.meta = next
	c.stale = stale
	c.log.Debug("metadata refreshed",
		zap.Int("brokers", len(next.brokers)),
		zap.Int("topics", len(next.partitions)),
		zap.Bool("stale", stale))
}

func retriableCode(code int16) bool {
	switch code {
	case kafkaclient.ERR_LEADER_NOT_AVAILABLE,
		kafkaclient.ERR_NOT_LEADER_FOR_PARTITION,
		kafkaclient.ERR_UNKNOWN_TOPIC_OR_PARTITION:
		return true
	}
	return false
}

func (c *Cluster) snapshotFor(topic string) (*snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.targets[topic]; !ok {
		c.targets[topic] = struct{}{}
		c.stale = true
	}
	if c.stale || c.meta == nil {
		if err := c.refreshLocked(); err != nil {
			return nil, err
		}
	}
	return c.meta, nil
}

// Partitions returns cached partition metadata for the topic, refreshing if
// the topic is new or the cache is marked stale.
func (c *Cluster) Partitions(topic string) ([]Metadata.PartitionMetadata, error) {
	meta, err := c.snapshotFor(topic)
	if err != nil {
		return nil, err
	}
	partitions, ok := meta.partitions[topic]
	if !ok {
		return nil, &kafkaclient.Error{Code: kafkaclient.ERR_UNKNOWN_TOPIC_OR_PARTITION}
	}
	return partitions, nil
}

// PartitionCount for the topic.
func (c *Cluster) PartitionCount(topic string) (int32, error) {
	partitions, err := c.Partitions(topic)
	if err != nil {
		return 0, err
	}
	return int32(len(partitions)), nil
}

// Leader returns the broker leading the topic partition. Returns a
// LeaderNotAvailable error (marking the cache stale) when the leader is
// unknown; callers retry after Refresh.
func (c *Cluster) Leader(topic string, partition int32) (*Metadata.Broker, error) {
	meta, err := c.snapshotFor(topic)
	if err != nil {
		return nil, err
	}
	leaders, ok := meta.leaders[topic]
	if !ok {
		return nil, &kafkaclient.Error{Code: kafkaclient.ERR_UNKNOWN_TOPIC_OR_PARTITION}
	}
	nodeId, ok := leaders[partition]
	if !ok {
		c.MarkStale()
		return nil, &kafkaclient.Error{Code: kafkaclient.ERR_LEADER_NOT_AVAILABLE}
	}
	broker, ok := meta.brokers[nodeId]
	if !ok {
		c.MarkStale()
		return nil, &kafkaclient.Error{Code: kafkaclient.ERR_LEADER_NOT_AVAILABLE}
	}
	return &broker, nil
}

// ResolveOffset translates a symbolic target (OffsetEarliest, OffsetLatest,
// or a millisecond timestamp) into a concrete offset by asking the
// partition leader.
func (c *Cluster) ResolveOffset(topic string, partition int32, target int64) (int64, error) {
	leader, err := c.Leader(topic, partition)
	if err != nil {
		return -1, err
	}
	resp := &ListOffsets.Response{}
	if err := c.pool.Call(leader.Addr(), ListOffsets.NewRequest(topic, partition, target), resp); err != nil {
		return -1, fmt.Errorf("error making ListOffsets call: %w", err)
	}
	p := resp.Partition(topic, partition)
	if p == nil {
		return -1, fmt.Errorf("partition %s/%d missing from ListOffsets response", topic, partition)
	}
	if err := kafkaclient.ErrorFromCode(p.ErrorCode); err != nil {
		if e, ok := err.(*kafkaclient.Error); ok && e.Retriable() {
			c.MarkStale()
		}
		return -1, err
	}
	return p.Offset, nil
}

// Coordinator returns the broker coordinating the consumer group, asking
// the cluster on first use and caching the answer. Invalidate with
// InvalidateCoordinator on a NotCoordinator error.
func (c *Cluster) Coordinator(groupID string) (*Metadata.Broker, error) {
	c.mu.Lock()
	if b, ok := c.coordinators[groupID]; ok {
		c.mu.Unlock()
		return &b, nil
	}
	c.mu.Unlock()

	var lastErr error
	for _, addr := range c.candidateAddrs() {
		resp := &FindCoordinator.Response{}
		if err := c.pool.Call(addr, FindCoordinator.NewRequest(groupID), resp); err != nil {
			lastErr = err
			continue
		}
		if err := kafkaclient.ErrorFromCode(resp.ErrorCode); err != nil {
			lastErr = fmt.Errorf("error response from FindCoordinator call: %w", err)
			continue
		}
		broker := Metadata.Broker{NodeId: resp.NodeId, Host: resp.Host, Port: resp.Port}
		c.mu.Lock()
		c.coordinators[groupID] = broker
		c.mu.Unlock()
		return &broker, nil
	}
	return nil, fmt.Errorf("coordinator lookup for group %q failed: %w", groupID, lastErr)
}

// InvalidateCoordinator drops the cached coordinator for the group.
func (c *Cluster) InvalidateCoordinator(groupID string) {
	c.mu.Lock()
	delete(c.coordinators, groupID)
	c.mu.Unlock()
}

// candidateAddrs lists known broker addresses, falling back to seeds.
func (c *Cluster) candidateAddrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addrs []string
	if c.meta != nil {
		ids := make([]int32, 0, len(c.meta.brokers))
		for id := range c.meta.brokers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			b := c.meta.brokers[id]
			addrs = append(addrs, b.Addr())
		}
	}
	return append(addrs, c.seedAddrs()...)
}

// seedAddrs expands the configured seed entries, re-resolving SRV backed
// names each time. Entries were validated at construction; one failing to
// expand here (a lookup error) is skipped rather than fatal.
func (c *Cluster) seedAddrs() []string {
	var addrs []string
	for _, entry := range c.seeds {
		expanded, err := ExpandSeed(entry)
		if err != nil {
			continue
		}
		addrs = append(addrs, expanded...)
	}
	return addrs
}

// Disconnect closes all pooled connections. Best effort; the cluster
// remains usable and re-connects on the next call.
func (c *Cluster) Disconnect() {
	c.pool.CloseAll()
}
