package consumer

import (
	"sync"
	"time"
)

// Heartbeat is a lightweight clock around Group.SendHeartbeat: Trigger is
// cheap to call on every fetch cycle and only sends when the interval has
// elapsed. The interval must be comfortably shorter than the group's
// session timeout or the coordinator expels the member.
type Heartbeat struct {
	group    *Group
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	now  func() time.Time // test hook
}

func NewHeartbeat(group *Group, interval time.Duration) *Heartbeat {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Heartbeat{
		group:    group,
		interval: interval,
		now:      time.Now,
	}
}

// Trigger sends a heartbeat if one is due. Errors are the group's
// membership signals (rebalance in progress, expelled); the caller rejoins
// before the next fetch.
func (h *Heartbeat) Trigger() error {
	h.mu.Lock()
	if h.now().Sub(h.last) < h.interval {
		h.mu.Unlock()
		return nil
	}
	h.last = h.now()
	h.mu.Unlock()
	return h.group.SendHeartbeat()
}
