package hub

import (
	"sync/atomic"
	"time"
)

// idleThreshold marks a consumer as idle when it has not consumed for this
// long. Preview consumers at ~30fps should never trip it; a tripped
// recorder consumer means its writer goroutine is stuck.
const idleThreshold = 30 * time.Second

// ConsumerStats is a point-in-time snapshot of one consumer.
type ConsumerStats struct {
	Name             string
	Kind             Kind
	LastConsumedAt   time.Time
	LastConsumedSeq  uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
	QueueLen         int
	IsIdle           bool
}

// Stats is a snapshot of hub health.
type Stats struct {
	Distributed uint64
	InboxDrops  uint64
	Consumers   map[string]ConsumerStats
}

// Stats returns a snapshot of drop counters and per-consumer state. Values
// may be slightly stale; that's fine for monitoring.
func (h *Hub) Stats() Stats {
	out := Stats{
		Distributed: atomic.LoadUint64(&h.deliverSeq),
		InboxDrops:  atomic.LoadUint64(&h.inboxDrops),
		Consumers:   make(map[string]ConsumerStats),
	}

	h.consumers.Range(func(key, value interface{}) bool {
		id := key.(string)
		c := value.(*Consumer)

		c.mu.Lock()
		stat := ConsumerStats{
			Name:             c.Name,
			Kind:             c.Kind,
			LastConsumedAt:   c.lastConsumedAt,
			LastConsumedSeq:  c.lastConsumedSeq,
			ConsecutiveDrops: c.consecutiveDrops,
			TotalDrops:       c.totalDrops,
			IsIdle:           time.Since(c.lastConsumedAt) > idleThreshold,
		}
		if c.queue != nil {
			stat.QueueLen = len(c.queue)
		}
		c.mu.Unlock()

		out.Consumers[id] = stat
		return true
	})
	return out
}
