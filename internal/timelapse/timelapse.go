// Package timelapse captures stills at a fixed wall-clock interval,
// optionally under its own resolution and control settings. The session's
// live settings are snapshotted before a run and restored when it ends, so
// a timelapse never leaves the camera in a different state than it found it.
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
	"github.com/EliBukin/camera-server/internal/hub"
	"github.com/EliBukin/camera-server/internal/session"
)

// ErrAlreadyRunning means Start was called while a run is active.
var ErrAlreadyRunning = errors.New("timelapse: already running")

// stillQuality is the JPEG quality for saved stills.
const stillQuality = 85

// Options configures one timelapse run.
type Options struct {
	// Interval between stills. Must be positive.
	Interval time.Duration
	// Count limits the run to this many stills; 0 runs until Stop.
	Count int
	// Width/Height switch the capture geometry for the run; 0 keeps the
	// session's current geometry.
	Width  uint32
	Height uint32
	// Controls are applied for the run and reverted afterwards.
	Controls map[string]int32
}

// Status reports the sampler's current state.
type Status struct {
	Running     bool
	FramesSaved int
	RunDir      string
}

// snapshot holds the session settings to restore after a run.
type snapshot struct {
	width    uint32
	height   uint32
	controls map[string]int32
}

// Sampler runs at most one timelapse at a time.
type Sampler struct {
	logger    *zap.Logger
	sess      *session.Session
	hub       *hub.Hub
	outputDir string
	format    string // still extension: "jpg" or "png"

	defaults Options

	mu          sync.Mutex
	running     bool
	framesSaved int
	runDir      string
	cancel      context.CancelFunc
	done        chan struct{}
	consumer    *hub.Consumer
}

// New creates an idle Sampler writing runs under outputDir. format selects
// the still encoding by extension; empty means jpg.
func New(sess *session.Session, h *hub.Hub, outputDir, format string, logger *zap.Logger) *Sampler {
	if format == "" {
		format = "jpg"
	}
	return &Sampler{
		logger:    logger.With(zap.String("component", "timelapse")),
		sess:      sess,
		hub:       h,
		outputDir: outputDir,
		format:    format,
	}
}

// SetRunDefaults supplies configured fallbacks for run options: geometry and
// controls a Start call leaves unset are taken from here. Call before the
// sampler is exposed to requests.
func (s *Sampler) SetRunDefaults(width, height uint32, controls map[string]int32) {
	s.defaults = Options{Width: width, Height: height, Controls: controls}
}

func (s *Sampler) mergeDefaults(opts Options) Options {
	if opts.Width == 0 && opts.Height == 0 {
		opts.Width, opts.Height = s.defaults.Width, s.defaults.Height
	}
	if opts.Controls == nil {
		opts.Controls = s.defaults.Controls
	}
	return opts
}

// Start transitions idle → running: snapshots the session settings, applies
// the run's settings, creates the run directory and spawns the capture
// goroutine. Fails with ErrAlreadyRunning while a run is active.
func (s *Sampler) Start(ctx context.Context, opts Options) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("timelapse: interval must be positive, got %v", opts.Interval)
	}
	opts = s.mergeDefaults(opts)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.framesSaved = 0
	s.mu.Unlock()

	snap := s.takeSnapshot()
	if err := s.applySettings(ctx, opts); err != nil {
		s.restore(ctx, snap)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	runDir := filepath.Join(s.outputDir, time.Now().Format("20060102_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		s.restore(ctx, snap)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("timelapse: create run dir: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.runDir = runDir
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("timelapse started",
		zap.Duration("interval", opts.Interval),
		zap.Int("count", opts.Count),
		zap.String("dir", runDir),
	)
	go s.run(runCtx, opts, snap, runDir, done)
	return nil
}

// Stop ends the active run and blocks until the session settings are
// restored. A no-op when idle, including a second Stop in a row.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel, done, consumer := s.cancel, s.done, s.consumer
	s.mu.Unlock()

	cancel()
	// Wake the capture goroutine if it is blocked waiting for a frame.
	if consumer != nil {
		s.hub.Detach(consumer)
	}
	<-done
	return nil
}

// Status implements the status surface.
func (s *Sampler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Running: s.running, FramesSaved: s.framesSaved, RunDir: s.runDir}
}

func (s *Sampler) takeSnapshot() snapshot {
	w, h := s.sess.Resolution()
	return snapshot{width: w, height: h, controls: s.sess.Controls().CurrentValues()}
}

func (s *Sampler) applySettings(ctx context.Context, opts Options) error {
	if opts.Width != 0 && opts.Height != 0 {
		if err := s.sess.SetResolution(ctx, opts.Width, opts.Height); err != nil {
			return fmt.Errorf("timelapse: set resolution: %w", err)
		}
	}
	for name, value := range opts.Controls {
		if err := s.sess.SetControlValue(ctx, name, value); err != nil {
			s.logger.Warn("timelapse control not applied", zap.String("control", name), zap.Error(err))
		}
	}
	return nil
}

func (s *Sampler) restore(ctx context.Context, snap snapshot) {
	w, h := s.sess.Resolution()
	if w != snap.width || h != snap.height {
		if err := s.sess.SetResolution(ctx, snap.width, snap.height); err != nil {
			s.logger.Warn("restore resolution failed", zap.Error(err))
		}
	}
	for name, value := range snap.controls {
		if err := s.sess.SetControlValue(ctx, name, value); err != nil {
			s.logger.Warn("restore control failed", zap.String("control", name), zap.Error(err))
		}
	}
}

// run captures stills at wall-clock deadlines anchored to the run start, so
// interval drift does not accumulate: still n is due at start + n*interval.
func (s *Sampler) run(ctx context.Context, opts Options, snap snapshot, runDir string, done chan struct{}) {
	defer close(done)
	defer func() {
		s.restore(context.Background(), snap)
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.done = nil
		s.mu.Unlock()
		s.logger.Info("timelapse stopped", zap.Int("frames", s.Status().FramesSaved))
	}()

	consumer := s.hub.Attach("timelapse", hub.KindQueued, 4)
	s.mu.Lock()
	s.consumer = consumer
	s.mu.Unlock()
	defer func() {
		s.hub.Detach(consumer)
		s.mu.Lock()
		s.consumer = nil
		s.mu.Unlock()
	}()

	start := time.Now()
	for n := 0; ; n++ {
		if opts.Count > 0 && n >= opts.Count {
			return
		}

		deadline := start.Add(time.Duration(n) * opts.Interval)
		if wait := time.Until(deadline); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}

		f := s.freshestFrame(ctx, consumer)
		if f == nil {
			return
		}
		if err := s.saveStill(f, runDir, n); err != nil {
			s.logger.Warn("still not saved", zap.Int("index", n), zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.framesSaved++
		s.mu.Unlock()
	}
}

// freshestFrame drains the consumer's backlog and returns the newest frame,
// blocking for one if the queue is empty. Returns nil on shutdown.
func (s *Sampler) freshestFrame(ctx context.Context, c *hub.Consumer) *frame.Frame {
	var newest *frame.Frame
	for {
		f, ok := c.TryNext()
		if !ok {
			break
		}
		newest = f
	}
	if newest != nil {
		return newest
	}
	if ctx.Err() != nil {
		return nil
	}
	return c.Next()
}

func (s *Sampler) saveStill(f *frame.Frame, runDir string, index int) error {
	img, err := f.Image()
	if err != nil {
		return err
	}
	name := fmt.Sprintf("frame_%05d.%s", index, s.format)
	return imaging.Save(img, filepath.Join(runDir, name), imaging.JPEGQuality(stillQuality))
}
