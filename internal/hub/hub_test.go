package hub_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
	"github.com/EliBukin/camera-server/internal/hub"
)

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Start(ctx)
	t.Cleanup(h.Stop)
	return h
}

func testFrame(data string) *frame.Frame {
	return &frame.Frame{
		Data:      []byte(data),
		Width:     640,
		Height:    480,
		Format:    frame.FormatMJPG,
		Timestamp: time.Now(),
	}
}

// publishSettled publishes and waits long enough for the distribution
// goroutine to move the frame out of the inbox into consumer slots.
func publishSettled(h *hub.Hub, f *frame.Frame) {
	h.Publish(f)
	time.Sleep(10 * time.Millisecond)
}

// TestPublishNonBlocking validates that Publish returns immediately even
// with no consumers attached.
func TestPublishNonBlocking(t *testing.T) {
	h := startHub(t)

	start := time.Now()
	for i := 0; i < 100; i++ {
		h.Publish(testFrame("x"))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Publish blocked: 100 frames took %v", elapsed)
	}
}

// TestLatestConsumerOverwrite validates mailbox semantics: a consumer that
// never reads sees only the newest frame, and the overwrites are counted.
func TestLatestConsumerOverwrite(t *testing.T) {
	h := startHub(t)
	c := h.Attach("preview", hub.KindLatest, 0)
	defer h.Detach(c)

	publishSettled(h, testFrame("A"))
	publishSettled(h, testFrame("B"))
	publishSettled(h, testFrame("C"))

	got := c.Next()
	if got == nil {
		t.Fatal("Next returned nil")
	}
	if string(got.Data) != "C" {
		t.Errorf("got frame %q, want C", got.Data)
	}

	stats := h.Stats().Consumers[c.ID]
	if stats.TotalDrops != 2 {
		t.Errorf("TotalDrops = %d, want 2 (A and B overwritten)", stats.TotalDrops)
	}
}

// TestQueuedConsumerBounded validates FIFO delivery up to the depth, with
// newest-frame drops once full.
func TestQueuedConsumerBounded(t *testing.T) {
	h := startHub(t)
	c := h.Attach("recorder", hub.KindQueued, 2)
	defer h.Detach(c)

	for _, data := range []string{"1", "2", "3", "4"} {
		publishSettled(h, testFrame(data))
	}

	if got := c.Next(); got == nil || string(got.Data) != "1" {
		t.Fatalf("first Next = %v, want frame 1", got)
	}
	if got := c.Next(); got == nil || string(got.Data) != "2" {
		t.Fatalf("second Next = %v, want frame 2", got)
	}

	stats := h.Stats().Consumers[c.ID]
	if stats.TotalDrops != 2 {
		t.Errorf("TotalDrops = %d, want 2 (frames 3 and 4 dropped)", stats.TotalDrops)
	}
}

// TestSeqMonotonic validates that delivery sequence numbers increase
// strictly in consume order.
func TestSeqMonotonic(t *testing.T) {
	h := startHub(t)
	c := h.Attach("sampler", hub.KindQueued, 16)
	defer h.Detach(c)

	const n = 10
	for i := 0; i < n; i++ {
		publishSettled(h, testFrame("f"))
	}

	var last uint64
	for i := 0; i < n; i++ {
		f := c.Next()
		if f == nil {
			t.Fatalf("Next returned nil at frame %d", i)
		}
		if f.Seq <= last {
			t.Fatalf("seq went backwards: %d after %d", f.Seq, last)
		}
		last = f.Seq
	}
}

// TestDetachWakesBlockedNext validates that Detach unblocks a waiting
// consumer with nil, for both delivery modes.
func TestDetachWakesBlockedNext(t *testing.T) {
	h := startHub(t)

	for _, kind := range []hub.Kind{hub.KindLatest, hub.KindQueued} {
		c := h.Attach("worker", kind, 0)

		done := make(chan *frame.Frame, 1)
		go func() { done <- c.Next() }()

		time.Sleep(20 * time.Millisecond)
		h.Detach(c)

		select {
		case f := <-done:
			if f != nil {
				t.Errorf("%v: Next after Detach = %v, want nil", kind, f)
			}
		case <-time.After(time.Second):
			t.Fatalf("%v: Next did not return after Detach", kind)
		}

		// Second Detach is a no-op.
		h.Detach(c)
	}
}

// TestStopWakesConsumers validates the shutdown path: Stop closes every
// consumer and Next returns nil.
func TestStopWakesConsumers(t *testing.T) {
	h := hub.New(zap.NewNop())
	h.Start(context.Background())

	c := h.Attach("preview", hub.KindLatest, 0)
	done := make(chan *frame.Frame, 1)
	go func() { done <- c.Next() }()

	time.Sleep(20 * time.Millisecond)
	h.Stop()

	select {
	case f := <-done:
		if f != nil {
			t.Errorf("Next after Stop = %v, want nil", f)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Stop")
	}

	// Attach after Stop yields a dead consumer, not a hang.
	dead := h.Attach("late", hub.KindQueued, 4)
	if f := dead.Next(); f != nil {
		t.Errorf("Next on post-Stop consumer = %v, want nil", f)
	}
}

// TestDrainDiscardsPending validates that Drain removes undelivered frames
// everywhere, and delivery resumes afterwards.
func TestDrainDiscardsPending(t *testing.T) {
	h := startHub(t)
	latest := h.Attach("preview", hub.KindLatest, 0)
	queued := h.Attach("recorder", hub.KindQueued, 4)
	defer h.Detach(latest)
	defer h.Detach(queued)

	publishSettled(h, testFrame("stale"))
	publishSettled(h, testFrame("stale"))
	h.Drain()

	got := make(chan *frame.Frame, 2)
	go func() { got <- latest.Next() }()
	go func() { got <- queued.Next() }()

	select {
	case f := <-got:
		t.Fatalf("consumer received stale frame %q after Drain", f.Data)
	case <-time.After(50 * time.Millisecond):
	}

	publishSettled(h, testFrame("fresh"))
	publishSettled(h, testFrame("fresh"))

	for i := 0; i < 2; i++ {
		select {
		case f := <-got:
			if f == nil || string(f.Data) != "fresh" {
				t.Errorf("post-Drain frame = %v, want fresh", f)
			}
		case <-time.After(time.Second):
			t.Fatal("delivery did not resume after Drain")
		}
	}
}

// TestSlowConsumerIsolation validates that a consumer which never reads
// cannot stall delivery to the others.
func TestSlowConsumerIsolation(t *testing.T) {
	h := startHub(t)
	stuck := h.Attach("stuck-preview", hub.KindLatest, 0)
	live := h.Attach("recorder", hub.KindQueued, 8)
	defer h.Detach(stuck)
	defer h.Detach(live)

	for i := 0; i < 5; i++ {
		publishSettled(h, testFrame("f"))
	}

	for i := 0; i < 5; i++ {
		if f := live.Next(); f == nil {
			t.Fatalf("live consumer starved at frame %d", i)
		}
	}
}
