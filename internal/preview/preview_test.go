package preview_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
	"github.com/EliBukin/camera-server/internal/hub"
	"github.com/EliBukin/camera-server/internal/preview"
)

func startPreview(t *testing.T) (*hub.Hub, *preview.Encoder) {
	t.Helper()
	h := hub.New(zap.NewNop())
	h.Start(context.Background())
	t.Cleanup(h.Stop)

	e := preview.New(h, 0, zap.NewNop())
	e.Start()
	t.Cleanup(e.Stop)
	return h, e
}

func publish(h *hub.Hub, data string) {
	h.Publish(&frame.Frame{
		Data:      []byte(data),
		Width:     640,
		Height:    480,
		Format:    frame.FormatMJPG,
		Timestamp: time.Now(),
	})
	time.Sleep(20 * time.Millisecond)
}

func TestCurrentBeforeFirstFrame(t *testing.T) {
	_, e := startPreview(t)
	if _, _, ok := e.Current(); ok {
		t.Error("Current reported a frame before any was published")
	}
}

// TestCurrentIdempotent validates the peek contract: repeated calls return
// the same frame until a newer one is encoded.
func TestCurrentIdempotent(t *testing.T) {
	h, e := startPreview(t)
	publish(h, "frame-a")

	a1, seq1, ok := e.Current()
	if !ok {
		t.Fatal("no frame after publish")
	}
	a2, seq2, _ := e.Current()
	if !bytes.Equal(a1, a2) || seq1 != seq2 {
		t.Error("two peeks of the same frame differ")
	}

	publish(h, "frame-b")
	b, seq3, _ := e.Current()
	if string(b) != "frame-b" {
		t.Errorf("Current = %q after newer frame, want frame-b", b)
	}
	if seq3 <= seq1 {
		t.Errorf("seq did not advance: %d then %d", seq1, seq3)
	}
}

func TestWaitNext(t *testing.T) {
	h, e := startPreview(t)
	publish(h, "frame-a")
	_, seq, _ := e.Current()

	go func() {
		time.Sleep(30 * time.Millisecond)
		publish(h, "frame-b")
	}()

	data, newSeq, err := e.WaitNext(seq, time.Second)
	if err != nil {
		t.Fatalf("WaitNext: %v", err)
	}
	if string(data) != "frame-b" {
		t.Errorf("WaitNext = %q, want frame-b", data)
	}
	if newSeq <= seq {
		t.Errorf("WaitNext seq %d not newer than %d", newSeq, seq)
	}
}

func TestWaitNextTimeout(t *testing.T) {
	h, e := startPreview(t)
	publish(h, "frame-a")
	_, seq, _ := e.Current()

	start := time.Now()
	_, _, err := e.WaitNext(seq, 50*time.Millisecond)
	if !errors.Is(err, preview.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("WaitNext blocked far past its deadline")
	}
}

func TestStopWakesWaiters(t *testing.T) {
	h, e := startPreview(t)
	publish(h, "frame-a")
	_, seq, _ := e.Current()

	done := make(chan error, 1)
	go func() {
		_, _, err := e.WaitNext(seq, 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	e.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, preview.ErrStopped) {
			t.Errorf("WaitNext after Stop = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitNext did not return after Stop")
	}
}

// TestEncodesOncePerFrame validates that a slow consumer only ever sees the
// newest frame, not a backlog.
func TestLatestOnly(t *testing.T) {
	h, e := startPreview(t)
	for _, d := range []string{"1", "2", "3"} {
		publish(h, d)
	}
	data, _, ok := e.Current()
	if !ok || string(data) != "3" {
		t.Errorf("Current = %q, want newest frame 3", data)
	}
}
