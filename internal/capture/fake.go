package capture

import (
	"sync"
	"time"

	"github.com/EliBukin/camera-server/internal/frame"
)

// Fake is a scriptable in-memory Source for tests. ReadFrame consumes
// queued errors first, then synthesizes frames at the configured geometry.
type Fake struct {
	mu sync.Mutex

	FormatsList  []FormatInfo
	ConfigureErr error
	StartErr     error

	// ReadErrs is consumed one per ReadFrame call before any frame is
	// produced. Push ErrTimeout here to simulate a stalling device.
	ReadErrs []error

	// ReadDelay is slept before each synthesized frame, simulating the
	// device's frame interval.
	ReadDelay time.Duration

	// FrameData is the payload of synthesized frames.
	FrameData []byte

	format frame.FourCC
	width  uint32
	height uint32
	seq    uint64

	Configures []Size
	Starts     int
	Stops      int
	Closes     int
	streaming  bool
	closed     bool
}

// NewFake returns a Fake advertising MJPG at two common sizes.
func NewFake() *Fake {
	return &Fake{
		FormatsList: []FormatInfo{{
			FourCC:      frame.FormatMJPG,
			Description: "Motion-JPEG",
			Sizes:       []Size{{640, 480}, {1280, 720}},
		}},
		FrameData: []byte("fake-frame"),
	}
}

// PushReadErr queues an error for a future ReadFrame call.
func (s *Fake) PushReadErr(err error) {
	s.mu.Lock()
	s.ReadErrs = append(s.ReadErrs, err)
	s.mu.Unlock()
}

func (s *Fake) Formats() []FormatInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatsList
}

func (s *Fake) Configure(f frame.FourCC, width, height uint32) (frame.FourCC, uint32, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConfigureErr != nil {
		return "", 0, 0, s.ConfigureErr
	}
	s.format = f
	s.width = width
	s.height = height
	s.Configures = append(s.Configures, Size{width, height})
	return f, width, height, nil
}

func (s *Fake) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.Starts++
	s.streaming = true
	return nil
}

func (s *Fake) ReadFrame(timeout time.Duration) (*frame.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if !s.streaming {
		s.mu.Unlock()
		return nil, ErrNotConfigured
	}
	if len(s.ReadErrs) > 0 {
		err := s.ReadErrs[0]
		s.ReadErrs = s.ReadErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.seq++
	f := &frame.Frame{
		Data:      s.FrameData,
		Width:     int(s.width),
		Height:    int(s.height),
		Format:    s.format,
		Seq:       s.seq,
		Timestamp: time.Now(),
	}
	delay := s.ReadDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return f, nil
}

func (s *Fake) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stops++
	s.streaming = false
	return nil
}

func (s *Fake) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	s.closed = true
	s.streaming = false
	return nil
}
