package capture

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
)

const (
	pixFmtYUYV webcam.PixelFormat = 0x56595559
	pixFmtMJPG webcam.PixelFormat = 0x47504a4d
)

// usableFormats limits enumeration to the formats the rest of the service
// knows how to decode.
var usableFormats = map[webcam.PixelFormat]bool{
	pixFmtYUYV: true,
	pixFmtMJPG: true,
}

// V4L2 reads frames straight from the kernel streaming API.
type V4L2 struct {
	logger *zap.Logger
	device string

	mu        sync.Mutex
	cam       *webcam.Webcam
	format    frame.FourCC
	width     uint32
	height    uint32
	streaming bool
	closed    bool

	seq uint64
}

// OpenV4L2 opens the device node exclusively. The handle stays open across
// Configure/Start/Stop cycles until Close.
func OpenV4L2(devicePath string, logger *zap.Logger) (*V4L2, error) {
	cam, err := webcam.Open(devicePath)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", devicePath, err)
	}
	return &V4L2{
		logger: logger.With(zap.String("component", "capture"), zap.String("device", devicePath)),
		device: devicePath,
		cam:    cam,
	}, nil
}

// Formats implements Source.
func (s *V4L2) Formats() []FormatInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam == nil {
		return nil
	}

	var out []FormatInfo
	for pf, desc := range s.cam.GetSupportedFormats() {
		if !usableFormats[pf] {
			continue
		}
		sizes := s.cam.GetSupportedFrameSizes(pf)
		info := FormatInfo{
			FourCC:      frame.PixelFormatToFourCC(uint32(pf)),
			Description: desc,
			Sizes:       make([]Size, 0, len(sizes)),
		}
		for _, fs := range sizes {
			info.Sizes = append(info.Sizes, Size{Width: fs.MaxWidth, Height: fs.MaxHeight})
		}
		sort.Slice(info.Sizes, func(i, j int) bool {
			return info.Sizes[i].Width*info.Sizes[i].Height < info.Sizes[j].Width*info.Sizes[j].Height
		})
		out = append(out, info)
	}

	// MJPG first: cheaper downstream than YUYV conversion.
	sort.Slice(out, func(i, j int) bool {
		return out[i].FourCC == frame.FormatMJPG && out[j].FourCC != frame.FormatMJPG
	})
	return out
}

// Configure implements Source. Streaming must be stopped first.
func (s *V4L2) Configure(f frame.FourCC, width, height uint32) (frame.FourCC, uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, 0, ErrClosed
	}
	if s.streaming {
		return "", 0, 0, fmt.Errorf("capture: configure while streaming on %s", s.device)
	}

	pf, err := frame.FourCCToPixelFormat(f)
	if err != nil {
		return "", 0, 0, err
	}
	gotF, gotW, gotH, err := s.cam.SetImageFormat(webcam.PixelFormat(pf), width, height)
	if err != nil {
		return "", 0, 0, fmt.Errorf("capture: set format %s %dx%d on %s: %w", f, width, height, s.device, err)
	}

	s.format = frame.PixelFormatToFourCC(uint32(gotF))
	s.width = gotW
	s.height = gotH
	s.logger.Info("device format negotiated",
		zap.String("format", string(s.format)),
		zap.Uint32("width", gotW),
		zap.Uint32("height", gotH),
	)
	return s.format, gotW, gotH, nil
}

// Start implements Source.
func (s *V4L2) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.format == "" {
		return ErrNotConfigured
	}
	if s.streaming {
		return nil
	}
	if err := s.cam.StartStreaming(); err != nil {
		return fmt.Errorf("capture: start streaming on %s: %w", s.device, err)
	}
	s.streaming = true
	return nil
}

// ReadFrame implements Source. The kernel wait granularity is one second,
// so sub-second timeouts round up.
func (s *V4L2) ReadFrame(timeout time.Duration) (*frame.Frame, error) {
	s.mu.Lock()
	cam := s.cam
	streaming := s.streaming
	f, w, h := s.format, s.width, s.height
	s.mu.Unlock()

	if cam == nil {
		return nil, ErrClosed
	}
	if !streaming {
		return nil, ErrNotConfigured
	}

	secs := uint32(timeout / time.Second)
	if secs == 0 {
		secs = 1
	}
	err := cam.WaitForFrame(secs)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, ErrTimeout
	default:
		return nil, fmt.Errorf("capture: wait for frame on %s: %w", s.device, err)
	}

	raw, err := cam.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("capture: read frame on %s: %w", s.device, err)
	}
	if len(raw) == 0 {
		return nil, ErrTimeout
	}

	// The kernel reuses the mmap'd buffer; copy before handing out.
	data := make([]byte, len(raw))
	copy(data, raw)

	s.seq++
	return &frame.Frame{
		Data:      data,
		Width:     int(w),
		Height:    int(h),
		Format:    f,
		Seq:       s.seq,
		Timestamp: time.Now(),
	}, nil
}

// Stop implements Source.
func (s *V4L2) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.streaming {
		return nil
	}
	s.streaming = false
	if err := s.cam.StopStreaming(); err != nil {
		return fmt.Errorf("capture: stop streaming on %s: %w", s.device, err)
	}
	return nil
}

// Close implements Source.
func (s *V4L2) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.streaming = false
	err := s.cam.Close()
	s.cam = nil
	if err != nil {
		return fmt.Errorf("capture: close %s: %w", s.device, err)
	}
	s.logger.Info("device closed")
	return nil
}
