package timelapse_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/backend"
	"github.com/EliBukin/camera-server/internal/capture"
	"github.com/EliBukin/camera-server/internal/frame"
	"github.com/EliBukin/camera-server/internal/hub"
	"github.com/EliBukin/camera-server/internal/session"
	"github.com/EliBukin/camera-server/internal/timelapse"
)

// yuyvFake returns a fake source producing raw YUYV frames large enough for
// any geometry the tests switch to, so stills always decode.
func yuyvFake() *capture.Fake {
	f := capture.NewFake()
	f.FormatsList = []capture.FormatInfo{{
		FourCC:      frame.FormatYUYV,
		Description: "YUYV 4:2:2",
		Sizes:       []capture.Size{{Width: 640, Height: 480}, {Width: 1280, Height: 720}},
	}}
	f.FrameData = make([]byte, 2*1280*720)
	f.ReadDelay = 5 * time.Millisecond
	return f
}

func fixture(t *testing.T) (*session.Session, *hub.Hub, *timelapse.Sampler, string) {
	t.Helper()

	h := hub.New(zap.NewNop())
	h.Start(context.Background())
	t.Cleanup(h.Stop)

	fake := yuyvFake()
	cfg := session.Config{
		DevicePath:  "/dev/video0",
		ReadTimeout: time.Second,
		OpenSource:  func() (capture.Source, error) { return fake, nil },
	}
	s, err := session.Open(context.Background(), cfg, backend.NewMock(), h, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	sampler := timelapse.New(s, h, dir, "jpg", zap.NewNop())
	return s, h, sampler, dir
}

func waitIdle(t *testing.T, s *timelapse.Sampler, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.Status().Running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sampler did not return to idle")
}

func TestRunSavesSequentialStills(t *testing.T) {
	_, _, sampler, _ := fixture(t)

	err := sampler.Start(context.Background(), timelapse.Options{
		Interval: 30 * time.Millisecond,
		Count:    3,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitIdle(t, sampler, 5*time.Second)

	st := sampler.Status()
	if st.FramesSaved != 3 {
		t.Errorf("FramesSaved = %d, want 3", st.FramesSaved)
	}
	for i := 0; i < 3; i++ {
		p := filepath.Join(st.RunDir, fmt.Sprintf("frame_%05d.jpg", i))
		if _, err := os.Stat(p); err != nil {
			t.Errorf("still %d missing: %v", i, err)
		}
	}
}

func TestStartWhileRunning(t *testing.T) {
	_, _, sampler, _ := fixture(t)

	if err := sampler.Start(context.Background(), timelapse.Options{Interval: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sampler.Stop()

	err := sampler.Start(context.Background(), timelapse.Options{Interval: 50 * time.Millisecond})
	if !errors.Is(err, timelapse.ErrAlreadyRunning) {
		t.Fatalf("second Start: got %v, want ErrAlreadyRunning", err)
	}
}

func TestStopWhenIdle(t *testing.T) {
	_, _, sampler, _ := fixture(t)
	if err := sampler.Stop(); err != nil {
		t.Fatalf("idle Stop: got %v, want nil", err)
	}
}

func TestRunAppliesAndRestoresSettings(t *testing.T) {
	s, _, sampler, _ := fixture(t)
	ctx := context.Background()

	// Defaults from session open: brightness mid-range.
	before := s.Controls().CurrentValues()["brightness"]
	bw, bh := s.Resolution()

	err := sampler.Start(ctx, timelapse.Options{
		Interval: 50 * time.Millisecond,
		Width:    1280,
		Height:   720,
		Controls: map[string]int32{"brightness": 5},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if w, h := s.Resolution(); w != 1280 || h != 720 {
		t.Errorf("resolution during run = %dx%d, want 1280x720", w, h)
	}
	if got := s.Controls().CurrentValues()["brightness"]; got != 5 {
		t.Errorf("brightness during run = %d, want 5", got)
	}

	if err := sampler.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitIdle(t, sampler, 5*time.Second)

	if w, h := s.Resolution(); w != bw || h != bh {
		t.Errorf("resolution after run = %dx%d, want %dx%d restored", w, h, bw, bh)
	}
	if got := s.Controls().CurrentValues()["brightness"]; got != before {
		t.Errorf("brightness after run = %d, want %d restored", got, before)
	}
}

func TestRunDefaultsUsedWhenOptionsOmitThem(t *testing.T) {
	s, _, sampler, _ := fixture(t)
	sampler.SetRunDefaults(1280, 720, map[string]int32{"brightness": 7})

	if err := sampler.Start(context.Background(), timelapse.Options{Interval: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sampler.Stop()

	if w, h := s.Resolution(); w != 1280 || h != 720 {
		t.Errorf("resolution during run = %dx%d, want 1280x720", w, h)
	}
	if got := s.Controls().CurrentValues()["brightness"]; got != 7 {
		t.Errorf("brightness during run = %d, want 7", got)
	}
}

func TestInvalidInterval(t *testing.T) {
	_, _, sampler, _ := fixture(t)
	if err := sampler.Start(context.Background(), timelapse.Options{}); err == nil {
		t.Fatal("Start with zero interval succeeded")
	}
}
