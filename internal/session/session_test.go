package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/backend"
	"github.com/EliBukin/camera-server/internal/capture"
	"github.com/EliBukin/camera-server/internal/controls"
	"github.com/EliBukin/camera-server/internal/hub"
	"github.com/EliBukin/camera-server/internal/session"
)

// sourceSeq hands out a fresh fake per open call, so reinitialization tests
// can verify the old handle was discarded.
type sourceSeq struct {
	mu    sync.Mutex
	fakes []*capture.Fake
	opens int
}

func (q *sourceSeq) open() (capture.Source, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.opens >= len(q.fakes) {
		return nil, errors.New("no more fake sources")
	}
	f := q.fakes[q.opens]
	q.opens++
	return f, nil
}

func startedHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(zap.NewNop())
	h.Start(context.Background())
	t.Cleanup(h.Stop)
	return h
}

func openSession(t *testing.T, cfg session.Config, h *hub.Hub) *session.Session {
	t.Helper()
	s, err := session.Open(context.Background(), cfg, backend.NewMock(), h, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func baseConfig(fakes ...*capture.Fake) (session.Config, *sourceSeq) {
	for _, f := range fakes {
		if f.ReadDelay == 0 {
			f.ReadDelay = 5 * time.Millisecond
		}
	}
	seq := &sourceSeq{fakes: fakes}
	return session.Config{
		DevicePath:      "/dev/video0",
		SourceKind:      "v4l2",
		MaxReadFailures: 3,
		ReadTimeout:     time.Second,
		OpenSource:      seq.open,
	}, seq
}

func TestOpenPublishesFrames(t *testing.T) {
	h := startedHub(t)
	c := h.Attach("test", hub.KindQueued, 4)
	defer h.Detach(c)

	cfg, _ := baseConfig(capture.NewFake())
	s := openSession(t, cfg, h)

	f := c.Next()
	if f == nil {
		t.Fatal("no frame delivered")
	}
	if f.Width != 640 || f.Height != 480 {
		t.Errorf("frame geometry %dx%d, want 640x480 default", f.Width, f.Height)
	}
	if s.Stats().FramesRead == 0 {
		t.Error("FramesRead not counted")
	}
}

func TestOpenPicksLowestResolution(t *testing.T) {
	h := startedHub(t)
	fake := capture.NewFake()
	fake.FormatsList[0].Sizes = []capture.Size{{Width: 320, Height: 240}, {Width: 640, Height: 480}, {Width: 1280, Height: 720}}
	cfg, _ := baseConfig(fake)

	s := openSession(t, cfg, h)

	if w, hgt := s.Resolution(); w != 320 || hgt != 240 {
		t.Errorf("resolution = %dx%d, want the lowest offered (320x240)", w, hgt)
	}
}

func TestControlDefaultsAppliedOnOpen(t *testing.T) {
	h := startedHub(t)
	mock := backend.NewMock()
	fake := capture.NewFake()
	fake.ReadDelay = 5 * time.Millisecond
	seq := &sourceSeq{fakes: []*capture.Fake{fake}}

	cfg := session.Config{
		DevicePath:  "/dev/video0",
		ReadTimeout: time.Second,
		OpenSource:  seq.open,
	}
	s, err := session.Open(context.Background(), cfg, mock, h, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var sawManualExposure bool
	for _, a := range mock.Applied {
		if a.Name == "auto_exposure" && a.Value == 1 {
			sawManualExposure = true
		}
	}
	if !sawManualExposure {
		t.Errorf("auto_exposure not driven to manual on open: %v", mock.Applied)
	}
}

func TestReinitializeAfterThreshold(t *testing.T) {
	h := startedHub(t)
	c := h.Attach("test", hub.KindQueued, 4)
	defer h.Detach(c)

	bad := capture.NewFake()
	good := capture.NewFake()
	cfg, seq := baseConfig(bad, good)

	for i := 0; i < cfg.MaxReadFailures; i++ {
		bad.PushReadErr(capture.ErrTimeout)
	}

	s := openSession(t, cfg, h)

	// Frames must flow again from the replacement source.
	if f := c.Next(); f == nil {
		t.Fatal("no frame after reinitialization")
	}

	if got := s.Stats().Reinits; got != 1 {
		t.Errorf("Reinits = %d, want 1", got)
	}
	if seq.opens != 2 {
		t.Errorf("source opened %d times, want 2", seq.opens)
	}
	if bad.Closes != 1 {
		t.Errorf("failed source closed %d times, want 1", bad.Closes)
	}
}

func TestReinitializeOncePerThreshold(t *testing.T) {
	h := startedHub(t)
	c := h.Attach("test", hub.KindQueued, 4)
	defer h.Detach(c)

	first := capture.NewFake()
	second := capture.NewFake()
	third := capture.NewFake()
	cfg, seq := baseConfig(first, second, third)

	for i := 0; i < cfg.MaxReadFailures; i++ {
		first.PushReadErr(capture.ErrTimeout)
		second.PushReadErr(capture.ErrTimeout)
	}

	s := openSession(t, cfg, h)

	if f := c.Next(); f == nil {
		t.Fatal("no frame after second reinitialization")
	}
	if got := s.Stats().Reinits; got != 2 {
		t.Errorf("Reinits = %d, want 2", got)
	}
	if seq.opens != 3 {
		t.Errorf("source opened %d times, want 3", seq.opens)
	}
}

func TestReinitializeRestoresControlDefaults(t *testing.T) {
	h := startedHub(t)
	c := h.Attach("test", hub.KindQueued, 4)
	defer h.Detach(c)

	bad := capture.NewFake()
	good := capture.NewFake()
	cfg, _ := baseConfig(bad, good)
	for i := 0; i < cfg.MaxReadFailures; i++ {
		bad.PushReadErr(capture.ErrTimeout)
	}

	mock := backend.NewMock()
	s, err := session.Open(context.Background(), cfg, mock, h, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	writesAtOpen := len(mock.Applied)

	// Frames flowing again means the reinitialization completed.
	if f := c.Next(); f == nil {
		t.Fatal("no frame after reinitialization")
	}

	if got := len(mock.Applied); got <= writesAtOpen {
		t.Fatalf("no control writes after reinitialize (open=%d, now=%d)", writesAtOpen, got)
	}
	var sawManualExposure bool
	for _, a := range mock.Applied[writesAtOpen:] {
		if a.Name == "auto_exposure" && a.Value == 1 {
			sawManualExposure = true
		}
	}
	if !sawManualExposure {
		t.Errorf("auto_exposure not restored after reinitialize: %v", mock.Applied[writesAtOpen:])
	}
}

func TestSetResolution(t *testing.T) {
	h := startedHub(t)
	fake := capture.NewFake()
	cfg, _ := baseConfig(fake)
	s := openSession(t, cfg, h)

	if err := s.SetResolution(context.Background(), 1280, 720); err != nil {
		t.Fatalf("SetResolution: %v", err)
	}
	if w, hgt := s.Resolution(); w != 1280 || hgt != 720 {
		t.Errorf("resolution = %dx%d, want 1280x720", w, hgt)
	}

	// New frames carry the new geometry.
	c := h.Attach("test", hub.KindQueued, 4)
	defer h.Detach(c)
	f := c.Next()
	if f == nil {
		t.Fatal("no frame after resolution change")
	}
	if f.Width != 1280 || f.Height != 720 {
		t.Errorf("frame geometry %dx%d, want 1280x720", f.Width, f.Height)
	}

	var saw bool
	for _, sz := range fake.Configures {
		if sz.Width == 1280 && sz.Height == 720 {
			saw = true
		}
	}
	if !saw {
		t.Errorf("device never reconfigured: %v", fake.Configures)
	}
}

func TestSetResolutionUnsupported(t *testing.T) {
	h := startedHub(t)
	cfg, _ := baseConfig(capture.NewFake())
	s := openSession(t, cfg, h)

	err := s.SetResolution(context.Background(), 123, 45)
	if !errors.Is(err, session.ErrUnsupportedResolution) {
		t.Fatalf("got %v, want ErrUnsupportedResolution", err)
	}
}

func TestSetResolutionRejectedWhileHeld(t *testing.T) {
	h := startedHub(t)
	cfg, _ := baseConfig(capture.NewFake())
	s := openSession(t, cfg, h)

	if err := s.HoldResolution(); err != nil {
		t.Fatalf("HoldResolution: %v", err)
	}
	if err := s.HoldResolution(); !errors.Is(err, session.ErrResolutionLocked) {
		t.Errorf("second hold: got %v, want ErrResolutionLocked", err)
	}

	err := s.SetResolution(context.Background(), 1280, 720)
	if !errors.Is(err, session.ErrResolutionLocked) {
		t.Fatalf("got %v, want ErrResolutionLocked", err)
	}

	s.ReleaseResolution()
	if err := s.SetResolution(context.Background(), 1280, 720); err != nil {
		t.Fatalf("SetResolution after release: %v", err)
	}
}

func TestOpenNoSupportedFormats(t *testing.T) {
	h := startedHub(t)
	fake := capture.NewFake()
	fake.FormatsList = nil
	cfg, _ := baseConfig(fake)

	_, err := session.Open(context.Background(), cfg, backend.NewMock(), h, zap.NewNop())
	if !errors.Is(err, session.ErrNoSupportedFormats) {
		t.Fatalf("got %v, want ErrNoSupportedFormats", err)
	}
	if fake.Closes != 1 {
		t.Errorf("source closed %d times after failed open, want 1", fake.Closes)
	}
}

func TestOpenNoControls(t *testing.T) {
	h := startedHub(t)
	fake := capture.NewFake()
	cfg, _ := baseConfig(fake)

	mock := backend.NewMock()
	mock.Controls = nil

	_, err := session.Open(context.Background(), cfg, mock, h, zap.NewNop())
	if !errors.Is(err, controls.ErrNoControls) {
		t.Fatalf("got %v, want ErrNoControls", err)
	}
	if fake.Closes != 1 {
		t.Errorf("source closed %d times after failed open, want 1", fake.Closes)
	}
}

func TestCloseIdempotent(t *testing.T) {
	h := startedHub(t)
	fake := capture.NewFake()
	cfg, _ := baseConfig(fake)
	s := openSession(t, cfg, h)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if fake.Closes != 1 {
		t.Errorf("source closed %d times, want 1", fake.Closes)
	}
}

func TestSetControlValue(t *testing.T) {
	h := startedHub(t)
	cfg, _ := baseConfig(capture.NewFake())
	s := openSession(t, cfg, h)

	if err := s.SetControlValue(context.Background(), "brightness", 42); err != nil {
		t.Fatalf("SetControlValue: %v", err)
	}
	if got := s.Controls().CurrentValues()["brightness"]; got != 42 {
		t.Errorf("brightness = %d, want 42", got)
	}
}
