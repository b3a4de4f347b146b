// Package recorder writes the live frame stream into motion-JPEG AVI files.
// The container geometry is fixed when the file is created, so an active
// recording holds the session's resolution for its whole duration.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/icza/mjpeg"
	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/hub"
	"github.com/EliBukin/camera-server/internal/session"
)

// ErrAlreadyRecording means Start was called with a recording active.
var ErrAlreadyRecording = errors.New("recorder: already recording")

// encodeQuality is used when the stream delivers raw frames that need
// JPEG encoding before they can enter the container.
const encodeQuality = 85

// queueDepth absorbs about one second of frames at 30fps while the writer
// catches up on disk stalls.
const queueDepth = 30

// maxWriteBackoff caps the delay after consecutive failed writes.
const maxWriteBackoff = 2 * time.Second

// aviWriter is the subset of mjpeg.AviWriter the recorder uses. Tests
// substitute an in-memory implementation.
type aviWriter interface {
	AddFrame(jpeg []byte) error
	Close() error
}

// newWriterFunc creates the container file. The default wraps mjpeg.New.
type newWriterFunc func(path string, width, height, fps int32) (aviWriter, error)

func defaultNewWriter(path string, width, height, fps int32) (aviWriter, error) {
	return mjpeg.New(path, width, height, fps)
}

// Recorder runs at most one recording at a time.
type Recorder struct {
	logger    *zap.Logger
	sess      *session.Session
	hub       *hub.Hub
	outputDir string
	fps       int32
	newWriter newWriterFunc

	mu            sync.Mutex
	recording     bool
	path          string
	framesWritten int
	writer        aviWriter
	consumer      *hub.Consumer
	stop          chan struct{}
	done          chan struct{}
}

// Status reports the recorder's current state.
type Status struct {
	Recording     bool
	Path          string
	FramesWritten int
}

// New creates an idle Recorder writing files under outputDir at the given
// nominal frame rate.
func New(sess *session.Session, h *hub.Hub, outputDir string, fps int, logger *zap.Logger) *Recorder {
	if fps <= 0 {
		fps = 30
	}
	return &Recorder{
		logger:    logger.With(zap.String("component", "recorder")),
		sess:      sess,
		hub:       h,
		outputDir: outputDir,
		fps:       int32(fps),
		newWriter: defaultNewWriter,
	}
}

// Start opens a new AVI sized at the session's current resolution, pins
// that resolution and begins consuming frames. An empty filename derives
// one from the start timestamp; fps <= 0 uses the configured rate.
func (r *Recorder) Start(filename string, fps int32) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.mu.Unlock()

	if err := r.sess.HoldResolution(); err != nil {
		return ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		r.sess.ReleaseResolution()
		return fmt.Errorf("recorder: create output dir: %w", err)
	}

	if filename == "" {
		filename = time.Now().Format("recording_20060102_150405.avi")
	}
	if fps <= 0 {
		fps = r.fps
	}

	width, height := r.sess.Resolution()
	path := filepath.Join(r.outputDir, filepath.Base(filename))

	writer, err := r.newWriter(path, int32(width), int32(height), fps)
	if err != nil {
		r.sess.ReleaseResolution()
		return fmt.Errorf("recorder: create %s: %w", path, err)
	}

	consumer := r.hub.Attach("recorder", hub.KindQueued, queueDepth)
	stop := make(chan struct{})
	done := make(chan struct{})

	r.mu.Lock()
	r.recording = true
	r.path = path
	r.framesWritten = 0
	r.writer = writer
	r.consumer = consumer
	r.stop = stop
	r.done = done
	r.mu.Unlock()

	r.logger.Info("recording started",
		zap.String("path", path),
		zap.Uint32("width", width),
		zap.Uint32("height", height),
		zap.Int32("fps", fps),
	)
	go r.loop(writer, consumer, stop, done)
	return nil
}

// loop writes frames until stopped. Individual write failures are
// tolerated: the frame is dropped, a growing backoff keeps a failing disk
// from burning CPU, and the recording continues. Once stop is signalled
// the remaining backlog is discarded so Stop returns promptly.
func (r *Recorder) loop(writer aviWriter, consumer *hub.Consumer, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		f := consumer.Next()
		if f == nil {
			return
		}

		data, err := f.EncodeJPEG(encodeQuality)
		if err != nil {
			r.logger.Warn("frame not encodable, skipped", zap.Uint64("seq", f.Seq), zap.Error(err))
			continue
		}

		if err := writer.AddFrame(data); err != nil {
			failures++
			r.logger.Warn("frame write failed",
				zap.Uint64("seq", f.Seq),
				zap.Int("consecutive", failures),
				zap.Error(err),
			)
			backoff := time.Duration(failures) * 100 * time.Millisecond
			if backoff > maxWriteBackoff {
				backoff = maxWriteBackoff
			}
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-stop:
				t.Stop()
				return
			}
			continue
		}

		failures = 0
		r.mu.Lock()
		r.framesWritten++
		r.mu.Unlock()
	}
}

// Stop finalizes the file and returns its path once everything is on disk.
// When idle (including a second Stop in a row) it is a no-op returning an
// empty path.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return "", nil
	}
	r.recording = false
	consumer, stop, done, writer, path := r.consumer, r.stop, r.done, r.writer, r.path
	r.consumer = nil
	r.stop = nil
	r.writer = nil
	r.mu.Unlock()

	close(stop)
	r.hub.Detach(consumer)
	<-done

	err := writer.Close()
	r.sess.ReleaseResolution()

	r.mu.Lock()
	frames := r.framesWritten
	r.mu.Unlock()
	r.logger.Info("recording stopped", zap.String("path", path), zap.Int("frames", frames))

	if err != nil {
		return path, fmt.Errorf("recorder: finalize %s: %w", path, err)
	}
	return path, nil
}

// Status implements the status surface.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Recording: r.recording, Path: r.path, FramesWritten: r.framesWritten}
}
