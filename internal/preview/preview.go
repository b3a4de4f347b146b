// Package preview keeps one JPEG-encoded copy of the newest frame for the
// HTTP streaming paths. Encoding happens once per frame regardless of how
// many viewers are connected.
package preview

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/hub"
)

var (
	// ErrTimeout means no newer frame arrived within the wait deadline.
	ErrTimeout = errors.New("preview: wait timed out")
	// ErrStopped means the encoder was stopped while waiting.
	ErrStopped = errors.New("preview: encoder stopped")
)

// DefaultQuality matches the service's preview encoding quality.
const DefaultQuality = 70

// Encoder consumes frames latest-only from the hub and holds the newest
// JPEG. Current never blocks and returns the same bytes until a newer frame
// has been encoded; WaitNext blocks for a strictly newer one.
type Encoder struct {
	logger  *zap.Logger
	hub     *hub.Hub
	quality int

	mu   sync.Mutex
	cond *sync.Cond
	jpeg []byte
	seq  uint64

	consumer *hub.Consumer
	done     chan struct{}
	started  bool
}

// New creates a stopped Encoder. quality <= 0 selects DefaultQuality.
func New(h *hub.Hub, quality int, logger *zap.Logger) *Encoder {
	if quality <= 0 {
		quality = DefaultQuality
	}
	e := &Encoder{
		logger:  logger.With(zap.String("component", "preview")),
		hub:     h,
		quality: quality,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start attaches to the hub and begins encoding. A second Start is a no-op.
func (e *Encoder) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.consumer = e.hub.Attach("preview", hub.KindLatest, 0)
	e.done = make(chan struct{})
	go e.loop()
}

// Stop detaches from the hub and wakes all waiters. Idempotent.
func (e *Encoder) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	e.hub.Detach(e.consumer)
	<-e.done

	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Encoder) loop() {
	defer close(e.done)

	for {
		f := e.consumer.Next()
		if f == nil {
			return
		}
		data, err := f.EncodeJPEG(e.quality)
		if err != nil {
			e.logger.Warn("frame encode failed", zap.Uint64("seq", f.Seq), zap.Error(err))
			continue
		}

		e.mu.Lock()
		e.jpeg = data
		e.seq = f.Seq
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

// Current returns the newest encoded frame and its sequence number, without
// blocking. ok is false until the first frame has been encoded. Callers
// must not modify the returned bytes.
func (e *Encoder) Current() (data []byte, seq uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jpeg, e.seq, e.jpeg != nil
}

// WaitNext blocks until a frame newer than afterSeq is available, the
// timeout passes, or the encoder stops. Pass the seq from the previous
// frame to pace a streaming loop at the capture rate.
func (e *Encoder) WaitNext(afterSeq uint64, timeout time.Duration) ([]byte, uint64, error) {
	deadline := time.AfterFunc(timeout, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer deadline.Stop()

	expire := time.Now().Add(timeout)

	e.mu.Lock()
	defer e.mu.Unlock()
	for e.seq <= afterSeq {
		if !e.started {
			return nil, 0, ErrStopped
		}
		if !time.Now().Before(expire) {
			return nil, 0, ErrTimeout
		}
		e.cond.Wait()
	}
	return e.jpeg, e.seq, nil
}
