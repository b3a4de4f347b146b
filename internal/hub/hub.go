// Package hub fans frames out from the single capture loop to an arbitrary
// set of consumers without ever blocking the producer.
//
// Two delivery modes exist. Latest-only consumers (preview encoders) get a
// single-slot mailbox: an unconsumed frame is overwritten by the next one,
// so a slow consumer sees fresh frames, never a backlog. Queued consumers
// (recorders, samplers) get a bounded channel: frames accumulate up to the
// depth, then the newest is dropped.
package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
)

// Hub is the distribution core: one inbox mailbox fed by Publish, one
// distribution goroutine draining it into consumer slots.
//
// The inbox is itself latest-only. If the distribution goroutine falls
// behind the producer, intermediate frames are dropped there rather than
// queued, keeping Publish O(1) regardless of consumer count or speed.
type Hub struct {
	logger *zap.Logger

	inboxMu    sync.Mutex
	inboxCond  *sync.Cond
	inboxFrame *frame.Frame
	inboxDrops uint64

	consumers sync.Map // id (string) → *Consumer

	deliverSeq uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedMu sync.Mutex
	started   bool
	stopping  atomic.Bool
}

// New creates a stopped Hub. Call Start before publishing.
func New(logger *zap.Logger) *Hub {
	h := &Hub{logger: logger.With(zap.String("component", "hub"))}
	h.inboxCond = sync.NewCond(&h.inboxMu)
	return h
}

// Start spawns the distribution goroutine. A second Start is a no-op.
func (h *Hub) Start(ctx context.Context) {
	h.startedMu.Lock()
	defer h.startedMu.Unlock()
	if h.started {
		return
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.started = true
	h.stopping.Store(false)

	h.wg.Add(1)
	go h.distributionLoop()
}

// Stop shuts down distribution and wakes every blocked consumer with a nil
// frame. Idempotent.
func (h *Hub) Stop() {
	h.startedMu.Lock()
	if !h.started {
		h.startedMu.Unlock()
		return
	}
	h.started = false
	h.startedMu.Unlock()

	h.stopping.Store(true)
	h.cancel()
	h.inboxCond.Broadcast()
	h.wg.Wait()

	h.consumers.Range(func(key, value interface{}) bool {
		value.(*Consumer).close()
		h.consumers.Delete(key)
		return true
	})
}

// Publish hands a frame to the distribution loop. Never blocks; if the
// previous frame is still unconsumed it is overwritten and counted as a
// drop. The frame's Data must not be mutated after this call.
func (h *Hub) Publish(f *frame.Frame) {
	h.inboxMu.Lock()
	if h.inboxFrame != nil {
		atomic.AddUint64(&h.inboxDrops, 1)
	}
	h.inboxFrame = f
	h.inboxCond.Signal()
	h.inboxMu.Unlock()
}

// Drain discards the pending inbox frame and every consumer's undelivered
// frames. Used around resolution changes so no consumer observes a frame
// with stale geometry.
func (h *Hub) Drain() {
	h.inboxMu.Lock()
	h.inboxFrame = nil
	h.inboxMu.Unlock()

	h.consumers.Range(func(_, value interface{}) bool {
		value.(*Consumer).drain()
		return true
	})
}

func (h *Hub) distributionLoop() {
	defer h.wg.Done()

	for {
		h.inboxMu.Lock()
		for h.inboxFrame == nil {
			if h.ctx.Err() != nil {
				h.inboxMu.Unlock()
				return
			}
			h.inboxCond.Wait()
			if h.ctx.Err() != nil {
				h.inboxMu.Unlock()
				return
			}
		}
		f := h.inboxFrame
		h.inboxFrame = nil
		h.inboxMu.Unlock()

		h.distribute(f)
	}
}

func (h *Hub) distribute(f *frame.Frame) {
	f.Seq = atomic.AddUint64(&h.deliverSeq, 1)

	h.consumers.Range(func(_, value interface{}) bool {
		value.(*Consumer).deliver(f)
		return true
	})
}
