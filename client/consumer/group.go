// Package consumer implements coordinated consumption: the consumer group
// membership state machine, the offset manager, the heartbeat clock, and
// the group consumer loop tying them to the fetch engine.
package consumer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andrewjamesbrown/kafkaclient"
	HeartbeatAPI "github.com/andrewjamesbrown/kafkaclient/api/Heartbeat"
	"github.com/andrewjamesbrown/kafkaclient/api/JoinGroup"
	"github.com/andrewjamesbrown/kafkaclient/api/LeaveGroup"
	"github.com/andrewjamesbrown/kafkaclient/api/SyncGroup"
	"github.com/andrewjamesbrown/kafkaclient/client"
	"github.com/andrewjamesbrown/kafkaclient/instrument"
)

// State of the group member.
//
//	INITIAL → DISCOVERING_COORDINATOR → JOINING → SYNCING → STABLE
//	STABLE → JOINING  (heartbeat answered REBALANCE_IN_PROGRESS, or
//	                   membership errors cleared the member id)
//	any → FAILED      (unrecoverable)
//	any → LEFT        (clean close)
type State int32

const (
	StateInitial State = iota
	StateDiscoveringCoordinator
	StateJoining
	StateSyncing
	StateStable
	StateFailed
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateDiscoveringCoordinator:
		return "discovering-coordinator"
	case StateJoining:
		return "joining"
	case StateSyncing:
		return "syncing"
	case StateStable:
		return "stable"
	case StateFailed:
		return "failed"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

type GroupConfig struct {
	GroupID string
	// SessionTimeout is how long the coordinator waits between
	// heartbeats before expelling the member.
	SessionTimeout time.Duration
	// RebalanceTimeout is how long the coordinator waits for members to
	// rejoin during a rebalance.
	RebalanceTimeout time.Duration
	// JoinRetries bounds coordinator discovery and join attempts before
	// Join gives up.
	JoinRetries  int
	RetryBackoff time.Duration

	Logger   *zap.Logger
	Notifier instrument.Notifier
}

func (c *GroupConfig) applyDefaults() error {
	if c.GroupID == "" {
		return errors.New("group id must be set")
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.RebalanceTimeout == 0 {
		c.RebalanceTimeout = 60 * time.Second
	}
	if c.JoinRetries == 0 {
		c.JoinRetries = 10
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notifier == nil {
		c.Notifier = instrument.Nop{}
	}
	return nil
}

// Group is one member of a consumer group. Every request targeting the
// group carries the current (member id, generation id) pair; responses
// indicating a stale generation clear the member id and force a rejoin.
// Safe for concurrent use.
type Group struct {
	cluster  *client.Cluster
	cfg      GroupConfig
	log      *zap.Logger
	notifier instrument.Notifier

	mu           sync.Mutex
	state        State
	coordinator  string // addr, empty when undiscovered
	memberID     string
	generationID int32
	leader       bool
	topics       []string
	assignment   map[string][]int32
}

func NewGroup(cluster *client.Cluster, cfg GroupConfig) (*Group, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Group{
		cluster:  cluster,
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("group", cfg.GroupID)),
		notifier: cfg.Notifier,
		state:    StateInitial,
	}, nil
}

func (g *Group) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Group) Stable() bool { return g.State() == StateStable }

func (g *Group) MemberID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.memberID
}

func (g *Group) Generation() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generationID
}

// Assignment returns this member's current partition assignment.
func (g *Group) Assignment() map[string][]int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string][]int32, len(g.assignment))
	for t, ps := range g.assignment {
		out[t] = append([]int32(nil), ps...)
	}
	return out
}

// CoordinatorAddr of the group, once discovered.
func (g *Group) CoordinatorAddr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coordinator
}

// Join drives the member to STABLE: discover the coordinator, join, and
// sync. Safe to call when already stable (rejoins, picking up subscription
// changes). Membership errors along the way are triggers to retry, not
// failures; only exhausting JoinRetries or a fatal response fails.
func (g *Group) Join(topics []string) error {
	g.mu.Lock()
	if g.state == StateLeft {
		g.mu.Unlock()
		return errors.New("group was left; create a new one")
	}
	g.topics = append([]string(nil), topics...)
	sort.Strings(g.topics)
	g.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < g.cfg.JoinRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(g.cfg.RetryBackoff)
		}
		if err := g.discoverCoordinator(); err != nil {
			lastErr = err
			continue
		}
		joinResp, err := g.join()
		if err != nil {
			lastErr = err
			if g.State() == StateFailed {
				return err
			}
			continue
		}
		if err := g.sync(joinResp); err != nil {
			lastErr = err
			if g.State() == StateFailed {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("could not join group after %d attempts: %w", g.cfg.JoinRetries, lastErr)
}

func (g *Group) discoverCoordinator() error {
	g.mu.Lock()
	if g.coordinator != "" {
		g.mu.Unlock()
		return nil
	}
	g.state = StateDiscoveringCoordinator
	g.mu.Unlock()

	broker, err := g.cluster.Coordinator(g.cfg.GroupID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.coordinator = broker.Addr()
	g.mu.Unlock()
	g.log.Debug("group coordinator resolved", zap.String("addr", broker.Addr()))
	return nil
}

// dropCoordinator forgets the cached coordinator after errors that indicate
// it moved.
func (g *Group) dropCoordinator() {
	g.cluster.InvalidateCoordinator(g.cfg.GroupID)
	g.mu.Lock()
	g.coordinator = ""
	g.mu.Unlock()
}

func (g *Group) join() (*JoinGroup.Response, error) {
	g.mu.Lock()
	g.state = StateJoining
	memberID := g.memberID
	topics := g.topics
	coordinator := g.coordinator
	g.mu.Unlock()

	req := JoinGroup.NewRequest(&JoinGroup.Args{
		GroupId:            g.cfg.GroupID,
		SessionTimeoutMs:   int32(g.cfg.SessionTimeout / time.Millisecond),
		RebalanceTimeoutMs: int32(g.cfg.RebalanceTimeout / time.Millisecond),
		MemberId:           memberID,
		ProtocolType:       protocolType,
		Protocols: []JoinGroup.Protocol{{
			Name:     protocolName,
			Metadata: marshalSubscription(topics),
		}},
	})
	resp := &JoinGroup.Response{}
	if err := g.cluster.Pool().Call(coordinator, req, resp); err != nil {
		g.dropCoordinator()
		return nil, err
	}
	if resp.ErrorCode != kafkaclient.ERR_NONE {
		return nil, g.handleGroupError(resp.ErrorCode, "JoinGroup")
	}
	g.mu.Lock()
	g.memberID = resp.MemberId
	g.generationID = resp.GenerationId
	g.leader = resp.Leader()
	g.mu.Unlock()
	g.notifier.Emit(instrument.EventJoinGroup, map[string]interface{}{
		"group":      g.cfg.GroupID,
		"member_id":  resp.MemberId,
		"generation": resp.GenerationId,
		"leader":     resp.Leader(),
	})
	g.log.Info("joined group",
		zap.String("member_id", resp.MemberId),
		zap.Int32("generation", resp.GenerationId),
		zap.Bool("leader", resp.Leader()))
	return resp, nil
}

func (g *Group) sync(joinResp *JoinGroup.Response) error {
	g.mu.Lock()
	g.state = StateSyncing
	memberID := g.memberID
	generation := g.generationID
	coordinator := g.coordinator
	g.mu.Unlock()

	var assignments []SyncGroup.Assignment
	if joinResp.Leader() {
		computed, err := g.computeAssignments(joinResp.Members)
		if err != nil {
			return err
		}
		assignments = computed
	}
	req := SyncGroup.NewRequest(g.cfg.GroupID, memberID, generation, assignments)
	resp := &SyncGroup.Response{}
	if err := g.cluster.Pool().Call(coordinator, req, resp); err != nil {
		g.dropCoordinator()
		return err
	}
	if resp.ErrorCode != kafkaclient.ERR_NONE {
		return g.handleGroupError(resp.ErrorCode, "SyncGroup")
	}
	assignment, err := unmarshalAssignment(resp.Assignment)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.assignment = assignment
	g.state = StateStable
	g.mu.Unlock()
	g.notifier.Emit(instrument.EventSyncGroup, map[string]interface{}{
		"group":      g.cfg.GroupID,
		"partitions": assignment,
	})
	g.log.Info("group synced", zap.Any("assignment", assignment))
	return nil
}

// computeAssignments runs on the elected leader: decode every member's
// subscription, resolve partition counts, and deal partitions round robin.
func (g *Group) computeAssignments(members []JoinGroup.Member) ([]SyncGroup.Assignment, error) {
	subscriptions := make(map[string][]string, len(members))
	topicSet := make(map[string]bool)
	for _, m := range members {
		sub, err := unmarshalSubscription(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", m.MemberId, err)
		}
		subscriptions[m.MemberId] = sub.Topics
		for _, t := range sub.Topics {
			topicSet[t] = true
		}
	}
	partitionsByTopic := make(map[string][]int32, len(topicSet))
	for topic := range topicSet {
		partitions, err := g.cluster.Partitions(topic)
		if err != nil {
			return nil, fmt.Errorf("resolving partitions for %s: %w", topic, err)
		}
		ids := make([]int32, 0, len(partitions))
		for _, p := range partitions {
			ids = append(ids, p.Partition)
		}
		partitionsByTopic[topic] = ids
	}
	assigned := assignRoundRobin(subscriptions, partitionsByTopic)
	out := make([]SyncGroup.Assignment, 0, len(assigned))
	for memberID, assignment := range assigned {
		out = append(out, SyncGroup.Assignment{
			MemberId:   memberID,
			Assignment: marshalAssignment(assignment),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberId < out[j].MemberId })
	return out, nil
}

// handleGroupError folds a broker error code into the state machine:
// membership errors request a rejoin (clearing the member id unless a
// rebalance is in progress), coordinator
// errors drop the cached coordinator, anything else is fatal.
func (g *Group) handleGroupError(code int16, call string) error {
	kerr := &kafkaclient.Error{Code: code}
	switch {
	case kerr.Membership():
		g.mu.Lock()
		// a stale generation or unknown member means our membership is
		// gone; start over with a fresh member id. A rebalance in
		// progress keeps the id through the rejoin.
		if code != kafkaclient.ERR_REBALANCE_IN_PROGRESS {
			g.memberID = ""
		}
		g.state = StateJoining
		g.mu.Unlock()
		g.log.Warn("group membership invalidated",
			zap.String("call", call), zap.Error(kerr))
	case kerr.Retriable():
		g.dropCoordinator()
		g.mu.Lock()
		g.state = StateDiscoveringCoordinator
		g.mu.Unlock()
		g.log.Warn("group coordinator error",
			zap.String("call", call), zap.Error(kerr))
	default:
		g.mu.Lock()
		g.state = StateFailed
		g.mu.Unlock()
	}
	return fmt.Errorf("%s: %w", call, kerr)
}

// SendHeartbeat issues a single heartbeat carrying the current member id
// and generation. A REBALANCE_IN_PROGRESS answer moves the member back to
// JOINING; the caller rejoins before the next fetch.
func (g *Group) SendHeartbeat() error {
	g.mu.Lock()
	if g.state != StateStable {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("cannot heartbeat in state %s", state)
	}
	memberID := g.memberID
	generation := g.generationID
	coordinator := g.coordinator
	g.mu.Unlock()

	req := HeartbeatAPI.NewRequest(g.cfg.GroupID, memberID, generation)
	resp := &HeartbeatAPI.Response{}
	if err := g.cluster.Pool().Call(coordinator, req, resp); err != nil {
		g.dropCoordinator()
		return err
	}
	g.notifier.Emit(instrument.EventHeartbeat, map[string]interface{}{
		"group":      g.cfg.GroupID,
		"generation": generation,
	})
	if resp.ErrorCode != kafkaclient.ERR_NONE {
		return g.handleGroupError(resp.ErrorCode, "Heartbeat")
	}
	return nil
}

// Leave sends LeaveGroup on clean close. Best effort: errors are returned
// but the member is LEFT regardless.
func (g *Group) Leave() error {
	g.mu.Lock()
	memberID := g.memberID
	coordinator := g.coordinator
	g.state = StateLeft
	g.memberID = ""
	g.assignment = nil
	g.mu.Unlock()

	if memberID == "" || coordinator == "" {
		return nil
	}
	req := LeaveGroup.NewRequest(g.cfg.GroupID, memberID)
	resp := &LeaveGroup.Response{}
	if err := g.cluster.Pool().Call(coordinator, req, resp); err != nil {
		return err
	}
	g.notifier.Emit(instrument.EventLeaveGroup, map[string]interface{}{
		"group": g.cfg.GroupID,
	})
	return kafkaclient.ErrorFromCode(resp.ErrorCode)
}
