// Package capture abstracts raw frame acquisition from a camera device.
//
// Two implementations exist: V4L2 talks to the device directly through the
// kernel streaming API, GStreamer runs a v4l2src pipeline and emits encoded
// JPEG frames from an appsink. Both deliver frames one at a time through
// the same Source interface, so the session's read loop does not care which
// one is underneath.
package capture

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
)

var (
	// ErrTimeout means no frame arrived within the read deadline. The
	// device may still recover; callers count these toward the failure
	// threshold rather than treating them as fatal.
	ErrTimeout = errors.New("capture: frame read timed out")
	// ErrNotConfigured means ReadFrame or Start was called before Configure.
	ErrNotConfigured = errors.New("capture: source not configured")
	// ErrClosed means the source was closed and cannot be used again.
	ErrClosed = errors.New("capture: source closed")
)

// Size is one supported frame geometry.
type Size struct {
	Width  uint32
	Height uint32
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// FormatInfo describes one pixel format the device can produce, with its
// supported discrete sizes sorted by ascending area.
type FormatInfo struct {
	FourCC      frame.FourCC
	Description string
	Sizes       []Size
}

// Source is an exclusive handle on a camera device.
//
// Lifecycle: Configure → Start → ReadFrame (repeatedly) → Stop → Close,
// with Configure/Start/Stop cycles allowed in between for resolution
// changes. ReadFrame must be called from a single goroutine.
type Source interface {
	// Formats enumerates the usable pixel formats and their sizes.
	Formats() []FormatInfo
	// Configure negotiates format and geometry with the device and returns
	// what the device actually granted, which may differ from the request.
	Configure(f frame.FourCC, width, height uint32) (frame.FourCC, uint32, uint32, error)
	// Start begins streaming. Configure must have succeeded first.
	Start() error
	// ReadFrame blocks up to timeout for the next frame. The returned
	// frame's Data is owned by the caller.
	ReadFrame(timeout time.Duration) (*frame.Frame, error)
	// Stop halts streaming but keeps the device open for reconfiguration.
	Stop() error
	// Close releases the device handle. The source is unusable afterwards.
	Close() error
}

// Open opens a Source of the named kind ("v4l2" or "gstreamer") on the
// device path.
func Open(kind, devicePath string, logger *zap.Logger) (Source, error) {
	switch kind {
	case "v4l2":
		return OpenV4L2(devicePath, logger)
	case "gstreamer":
		return OpenGStreamer(devicePath, logger)
	default:
		return nil, fmt.Errorf("capture: unknown source kind %q", kind)
	}
}
