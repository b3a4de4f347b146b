package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/frame"
)

// jpegQuality for the jpegenc element. Frames leave this source already
// JPEG-compressed, so downstream treats them like device MJPG.
const jpegQuality = 85

// gstSizes is the geometry ladder offered when running through GStreamer.
// The pipeline scales, so any of these work regardless of the sensor's
// native modes.
var gstSizes = []Size{
	{320, 240},
	{640, 480},
	{800, 600},
	{1280, 720},
	{1920, 1080},
}

// GStreamer produces JPEG frames from a v4l2src pipeline:
//
//	v4l2src → videoconvert → videoscale → capsfilter → jpegenc → appsink
//
// The appsink runs with max-buffers=1 and drop=true so the pipeline itself
// is latest-only; the Go side adds a small channel to bridge callback
// delivery to the blocking ReadFrame call.
type GStreamer struct {
	logger *zap.Logger
	device string

	mu       sync.Mutex
	pipeline *gst.Pipeline
	sink     *app.Sink
	width    uint32
	height   uint32
	playing  bool
	closed   bool

	frames  chan *frame.Frame
	seq     uint64
	dropped uint64
}

// OpenGStreamer prepares a GStreamer-backed source for the device. The
// pipeline is built on Configure, not here.
func OpenGStreamer(devicePath string, logger *zap.Logger) (*GStreamer, error) {
	gst.Init(nil)
	return &GStreamer{
		logger: logger.With(zap.String("component", "capture"), zap.String("device", devicePath)),
		device: devicePath,
		frames: make(chan *frame.Frame, 1),
	}, nil
}

// Formats implements Source. GStreamer scales to any requested geometry,
// so a fixed ladder is offered rather than the sensor's native modes.
func (s *GStreamer) Formats() []FormatInfo {
	sizes := make([]Size, len(gstSizes))
	copy(sizes, gstSizes)
	return []FormatInfo{{
		FourCC:      frame.FormatMJPG,
		Description: "Motion-JPEG (jpegenc)",
		Sizes:       sizes,
	}}
}

// Configure implements Source. Rebuilds the pipeline at the new geometry.
func (s *GStreamer) Configure(f frame.FourCC, width, height uint32) (frame.FourCC, uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, 0, ErrClosed
	}
	if s.playing {
		return "", 0, 0, fmt.Errorf("capture: configure while streaming on %s", s.device)
	}
	if f != frame.FormatMJPG {
		return "", 0, 0, fmt.Errorf("capture: gstreamer source only produces %s, asked for %s", frame.FormatMJPG, f)
	}

	if s.pipeline != nil {
		s.pipeline.SetState(gst.StateNull)
		s.pipeline = nil
		s.sink = nil
	}
	if err := s.buildPipelineLocked(width, height); err != nil {
		return "", 0, 0, err
	}

	s.width = width
	s.height = height
	s.logger.Info("pipeline configured", zap.Uint32("width", width), zap.Uint32("height", height))
	return frame.FormatMJPG, width, height, nil
}

func (s *GStreamer) buildPipelineLocked(width, height uint32) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("capture: create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("capture: create v4l2src: %w", err)
	}
	src.SetProperty("device", s.device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("capture: create videoconvert: %w", err)
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("capture: create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("capture: create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,width=%d,height=%d", width, height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	encoder, err := gst.NewElement("jpegenc")
	if err != nil {
		return fmt.Errorf("capture: create jpegenc: %w", err)
	}
	encoder.SetProperty("quality", jpegQuality)

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("capture: create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, capsfilter, encoder, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, encoder, appsink.Element); err != nil {
		return fmt.Errorf("capture: link pipeline: %w", err)
	}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	s.pipeline = pipeline
	s.sink = appsink
	return nil
}

// onNewSample copies the sample out of GStreamer's buffer and forwards it
// without blocking; if ReadFrame is behind, the frame is dropped here.
func (s *GStreamer) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	out := make([]byte, len(data))
	copy(out, data)
	buffer.Unmap()

	f := &frame.Frame{
		Data:      out,
		Width:     int(s.width),
		Height:    int(s.height),
		Format:    frame.FormatMJPG,
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: time.Now(),
	}

	select {
	case s.frames <- f:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
	return gst.FlowOK
}

// Start implements Source.
func (s *GStreamer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.pipeline == nil {
		return ErrNotConfigured
	}
	if s.playing {
		return nil
	}
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("capture: start pipeline on %s: %w", s.device, err)
	}
	s.playing = true
	return nil
}

// ReadFrame implements Source.
func (s *GStreamer) ReadFrame(timeout time.Duration) (*frame.Frame, error) {
	s.mu.Lock()
	playing := s.playing
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !playing {
		return nil, ErrNotConfigured
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-s.frames:
		return f, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Stop implements Source.
func (s *GStreamer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.playing {
		return nil
	}
	s.playing = false
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("capture: stop pipeline on %s: %w", s.device, err)
	}
	// Flush whatever the callback delivered after the last read.
	for {
		select {
		case <-s.frames:
		default:
			return nil
		}
	}
}

// Close implements Source.
func (s *GStreamer) Close() error {
	if err := s.Stop(); err != nil {
		s.logger.Warn("stopping pipeline during close", zap.Error(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pipeline = nil
	s.sink = nil
	return nil
}
