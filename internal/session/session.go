// Package session owns the exclusive device handle and the single read
// loop feeding the distribution hub. All state-changing device operations
// (resolution, controls, reinitialization) funnel through here so they
// serialize against the loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/backend"
	"github.com/EliBukin/camera-server/internal/capture"
	"github.com/EliBukin/camera-server/internal/controls"
	"github.com/EliBukin/camera-server/internal/frame"
	"github.com/EliBukin/camera-server/internal/hub"
)

var (
	// ErrDeviceUnavailable means the device could not be opened or initialized.
	ErrDeviceUnavailable = errors.New("session: device unavailable")
	// ErrNoSupportedFormats means the device offers no format we can decode.
	ErrNoSupportedFormats = errors.New("session: no supported formats")
	// ErrUnsupportedResolution means the requested geometry is not offered
	// by the negotiated format.
	ErrUnsupportedResolution = errors.New("session: unsupported resolution")
	// ErrResolutionLocked means a recording holds the geometry fixed.
	ErrResolutionLocked = errors.New("session: resolution locked while recording")
	// ErrClosed means the session has been shut down.
	ErrClosed = errors.New("session: closed")
)

// readFailureDelay paces the loop after a non-timeout read error, so a
// wedged device does not spin the CPU between reinitialization attempts.
const readFailureDelay = 100 * time.Millisecond

// Config carries the session's device parameters.
type Config struct {
	DevicePath      string
	SourceKind      string // "v4l2" or "gstreamer"
	Width           uint32 // 0 selects the default geometry
	Height          uint32
	MaxReadFailures int
	ReadTimeout     time.Duration

	// OpenSource overrides device opening, for tests. Nil uses capture.Open.
	OpenSource func() (capture.Source, error)
}

// Session is the exclusive owner of one camera device.
type Session struct {
	logger *zap.Logger
	cfg    Config
	hub    *hub.Hub
	reg    *controls.Registry
	open   func() (capture.Source, error)

	// opMu serializes loop-restarting operations (SetResolution, Close).
	opMu sync.Mutex

	mu     sync.Mutex
	source capture.Source
	format frame.FourCC
	width  uint32
	height uint32
	closed bool

	resolutionHeld atomic.Bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	framesRead uint64
	readErrors uint64
	reinits    uint64
}

// Stats is a snapshot of session health counters.
type Stats struct {
	FramesRead uint64
	ReadErrors uint64
	Reinits    uint64
	Width      uint32
	Height     uint32
	Format     frame.FourCC
	Recording  bool
}

// Open claims the device, negotiates a format, applies control defaults and
// starts the read loop. The hub must already be started; frames begin
// arriving before Open returns.
func Open(ctx context.Context, cfg Config, b backend.Backend, h *hub.Hub, logger *zap.Logger) (*Session, error) {
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	s := &Session{
		logger: logger.With(zap.String("component", "session"), zap.String("device", cfg.DevicePath)),
		cfg:    cfg,
		hub:    h,
		reg:    controls.NewRegistry(b, cfg.DevicePath, logger),
	}
	s.open = cfg.OpenSource
	if s.open == nil {
		s.open = func() (capture.Source, error) {
			return capture.Open(cfg.SourceKind, cfg.DevicePath, logger)
		}
	}

	src, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	s.source = src

	if err := s.negotiate(cfg.Width, cfg.Height); err != nil {
		src.Close()
		return nil, err
	}

	if err := s.reg.Reload(ctx); err != nil {
		src.Close()
		return nil, fmt.Errorf("session: control introspection: %w", err)
	}
	s.reg.ApplyDefaults(ctx)

	if err := src.Start(); err != nil {
		src.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.startLoop()
	s.logger.Info("session opened",
		zap.String("format", string(s.format)),
		zap.Uint32("width", s.width),
		zap.Uint32("height", s.height),
	)
	return s, nil
}

func (s *Session) src() capture.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// negotiate picks a format and geometry and configures the source.
// Caller must ensure the source is stopped.
func (s *Session) negotiate(width, height uint32) error {
	source := s.src()
	formats := source.Formats()
	if len(formats) == 0 {
		return ErrNoSupportedFormats
	}
	chosen := formats[0]
	if len(chosen.Sizes) == 0 {
		return ErrNoSupportedFormats
	}

	if width == 0 || height == 0 {
		// Sizes are ordered smallest first; start at the lowest geometry.
		width, height = chosen.Sizes[0].Width, chosen.Sizes[0].Height
	}

	f, w, h, err := source.Configure(chosen.FourCC, width, height)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	s.format, s.width, s.height = f, w, h
	s.mu.Unlock()
	return nil
}

func hasSize(info capture.FormatInfo, w, h uint32) bool {
	for _, sz := range info.Sizes {
		if sz.Width == w && sz.Height == h {
			return true
		}
	}
	return false
}

func (s *Session) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(ctx)
}

func (s *Session) stopLoop() {
	if s.loopCancel == nil {
		return
	}
	s.loopCancel()
	<-s.loopDone
	s.loopCancel = nil
}

// loop is the only caller of ReadFrame. Consecutive failures are counted;
// crossing the threshold triggers exactly one reinitialization attempt and
// resets the counter whether or not the attempt succeeded.
func (s *Session) loop(ctx context.Context) {
	defer close(s.loopDone)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		src := s.source
		s.mu.Unlock()

		f, err := src.ReadFrame(s.cfg.ReadTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			atomic.AddUint64(&s.readErrors, 1)
			s.logger.Warn("frame read failed",
				zap.Int("consecutive", failures),
				zap.Int("threshold", s.cfg.MaxReadFailures),
				zap.Error(err),
			)
			if failures >= s.cfg.MaxReadFailures {
				if rerr := s.reinitialize(ctx); rerr != nil {
					s.logger.Error("reinitialization failed", zap.Error(rerr))
				}
				failures = 0
			}
			if !errors.Is(err, capture.ErrTimeout) {
				sleepCtx(ctx, readFailureDelay)
			}
			continue
		}

		failures = 0
		atomic.AddUint64(&s.framesRead, 1)
		s.hub.Publish(f)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// reinitialize replaces the device handle: close the wedged one, reopen,
// renegotiate the same geometry, restart streaming and refresh the control
// registry. Called only from the loop goroutine.
func (s *Session) reinitialize(ctx context.Context) error {
	atomic.AddUint64(&s.reinits, 1)
	s.logger.Warn("read failure threshold reached, reinitializing device")

	s.mu.Lock()
	old := s.source
	width, height := s.width, s.height
	s.mu.Unlock()

	old.Stop()
	old.Close()

	src, err := s.open()
	if err != nil {
		// The old handle stays in place; its reads fail instantly and the
		// loop will retry reinitialization after another threshold's worth.
		return fmt.Errorf("%w: reopen: %v", ErrDeviceUnavailable, err)
	}

	s.mu.Lock()
	s.source = src
	s.mu.Unlock()

	if err := s.negotiate(width, height); err != nil {
		// The reopened device may no longer offer the old geometry
		// (different sensor mode after a reset); pick a supported one.
		s.logger.Warn("previous geometry rejected after reinit, renegotiating", zap.Error(err))
		if err := s.negotiate(0, 0); err != nil {
			return err
		}
	}
	if err := src.Start(); err != nil {
		return fmt.Errorf("%w: restart streaming: %v", ErrDeviceUnavailable, err)
	}
	if err := s.reg.Reload(ctx); err != nil {
		s.logger.Warn("control re-introspection failed after reinit", zap.Error(err))
	} else if failed := s.reg.ApplyDefaults(ctx); len(failed) > 0 {
		s.logger.Warn("some defaults not restored after reinit", zap.Strings("controls", failed))
	}

	s.logger.Info("device reinitialized")
	return nil
}

// SetResolution changes the capture geometry. The read loop is stopped, the
// hub drained of stale-geometry frames, the device reconfigured and the
// loop restarted. Rejected while a recording holds the resolution.
func (s *Session) SetResolution(ctx context.Context, width, height uint32) error {
	if s.resolutionHeld.Load() {
		return ErrResolutionLocked
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	// Stop the loop first so a concurrent reinitialization cannot swap the
	// handle underneath the reconfiguration.
	s.stopLoop()
	defer s.startLoop()

	source := s.src()
	formats := source.Formats()
	if len(formats) == 0 {
		return ErrNoSupportedFormats
	}
	if !hasSize(formats[0], width, height) {
		return fmt.Errorf("%w: %dx%d", ErrUnsupportedResolution, width, height)
	}

	if err := source.Stop(); err != nil {
		s.logger.Warn("stopping stream for resolution change", zap.Error(err))
	}
	s.hub.Drain()

	if err := s.negotiate(width, height); err != nil {
		return err
	}
	if err := source.Start(); err != nil {
		return fmt.Errorf("%w: restart streaming: %v", ErrDeviceUnavailable, err)
	}

	s.logger.Info("resolution changed", zap.Uint32("width", width), zap.Uint32("height", height))
	return nil
}

// HoldResolution pins the current geometry, failing if someone already
// holds it. Release with ReleaseResolution.
func (s *Session) HoldResolution() error {
	if !s.resolutionHeld.CompareAndSwap(false, true) {
		return ErrResolutionLocked
	}
	return nil
}

// ReleaseResolution drops the geometry pin. Safe to call when not held.
func (s *Session) ReleaseResolution() {
	s.resolutionHeld.Store(false)
}

// SetControlValue validates and applies one control write.
func (s *Session) SetControlValue(ctx context.Context, name string, value int32) error {
	return s.reg.SetValue(ctx, name, value)
}

// ResetControls drives every control back to its stored default.
func (s *Session) ResetControls(ctx context.Context) {
	s.reg.ResetToStored(ctx)
}

// Controls exposes the control registry.
func (s *Session) Controls() *controls.Registry { return s.reg }

// Resolution returns the current capture geometry.
func (s *Session) Resolution() (uint32, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Format returns the negotiated pixel format.
func (s *Session) Format() frame.FourCC {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Resolutions lists the geometries offered by the negotiated format.
func (s *Session) Resolutions() []capture.Size {
	formats := s.src().Formats()
	if len(formats) == 0 {
		return nil
	}
	return formats[0].Sizes
}

// Stats returns a snapshot of loop counters and geometry.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	w, h, f := s.width, s.height, s.format
	s.mu.Unlock()
	return Stats{
		FramesRead: atomic.LoadUint64(&s.framesRead),
		ReadErrors: atomic.LoadUint64(&s.readErrors),
		Reinits:    atomic.LoadUint64(&s.reinits),
		Width:      w,
		Height:     h,
		Format:     f,
		Recording:  s.resolutionHeld.Load(),
	}
}

// Close stops the read loop and releases the device. Consumers should be
// detached before calling; the hub itself is stopped by the owner after.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.stopLoop()
	source := s.src()
	if err := source.Stop(); err != nil {
		s.logger.Warn("stopping stream during close", zap.Error(err))
	}
	err := source.Close()
	s.logger.Info("session closed")
	return err
}
