package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
)

// Kind selects a consumer's delivery mode.
type Kind int

const (
	// KindLatest is a single-slot mailbox: a new frame overwrites an
	// unconsumed one. For consumers that only ever want the freshest frame.
	KindLatest Kind = iota
	// KindQueued is a bounded FIFO: frames queue up to the depth, then the
	// newest is dropped. For consumers that must not miss short bursts.
	KindQueued
)

func (k Kind) String() string {
	switch k {
	case KindLatest:
		return "latest"
	case KindQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// defaultQueueDepth bounds KindQueued consumers that don't ask for a
// specific depth. At 30fps this absorbs a ~250ms consumer stall.
const defaultQueueDepth = 8

// Consumer is one attached frame sink. Next must be called from a single
// goroutine; everything else is safe for concurrent use.
type Consumer struct {
	ID   string
	Name string
	Kind Kind

	// latest-only mailbox
	mu     sync.Mutex
	cond   *sync.Cond
	slot   *frame.Frame
	closed bool

	// queued delivery
	queue chan *frame.Frame

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64
}

// Attach registers a consumer and returns it. depth only applies to
// KindQueued; depth <= 0 selects the default. During shutdown the returned
// consumer is already closed and Next returns nil immediately.
func (h *Hub) Attach(name string, kind Kind, depth int) *Consumer {
	c := &Consumer{
		ID:   uuid.NewString(),
		Name: name,
		Kind: kind,

		lastConsumedAt: time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)
	if kind == KindQueued {
		if depth <= 0 {
			depth = defaultQueueDepth
		}
		c.queue = make(chan *frame.Frame, depth)
	}

	if h.stopping.Load() {
		c.close()
		return c
	}

	h.consumers.Store(c.ID, c)
	h.logger.Debug("consumer attached",
		zap.String("consumer", name),
		zap.String("id", c.ID),
		zap.Stringer("kind", kind),
	)
	return c
}

// Detach removes the consumer and wakes its Next with nil. Idempotent.
func (h *Hub) Detach(c *Consumer) {
	if _, ok := h.consumers.Load(c.ID); !ok {
		return
	}
	h.consumers.Delete(c.ID)
	c.close()
	h.logger.Debug("consumer detached", zap.String("consumer", c.Name), zap.String("id", c.ID))
}

// Next blocks until a frame is delivered and returns it, or returns nil
// once the consumer is detached or the hub stops.
func (c *Consumer) Next() *frame.Frame {
	if c.Kind == KindQueued {
		f, ok := <-c.queue
		if !ok {
			return nil
		}
		c.mu.Lock()
		c.noteConsumedLocked(f)
		c.mu.Unlock()
		return f
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.slot == nil && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return nil
	}
	f := c.slot
	c.slot = nil
	c.noteConsumedLocked(f)
	return f
}

// TryNext returns a pending frame without blocking, or (nil, false) when
// none is queued. Same single-goroutine contract as Next.
func (c *Consumer) TryNext() (*frame.Frame, bool) {
	if c.Kind == KindQueued {
		select {
		case f, ok := <-c.queue:
			if !ok {
				return nil, false
			}
			c.mu.Lock()
			c.noteConsumedLocked(f)
			c.mu.Unlock()
			return f, true
		default:
			return nil, false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.slot == nil {
		return nil, false
	}
	f := c.slot
	c.slot = nil
	c.noteConsumedLocked(f)
	return f, true
}

func (c *Consumer) noteConsumedLocked(f *frame.Frame) {
	c.lastConsumedAt = time.Now()
	c.lastConsumedSeq = f.Seq
	c.consecutiveDrops = 0
}

func (c *Consumer) deliver(f *frame.Frame) {
	if c.Kind == KindQueued {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		select {
		case c.queue <- f:
		default:
			c.consecutiveDrops++
			c.totalDrops++
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.slot != nil {
		c.consecutiveDrops++
		c.totalDrops++
	}
	c.slot = f
	c.cond.Signal()
	c.mu.Unlock()
}

func (c *Consumer) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slot = nil
	if c.queue != nil && !c.closed {
		for {
			select {
			case <-c.queue:
			default:
				return
			}
		}
	}
}

func (c *Consumer) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.slot = nil
	if c.queue != nil {
		close(c.queue)
	}
	c.cond.Broadcast()
}
