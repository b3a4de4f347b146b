// Package server exposes the camera service over HTTP: a browser UI, an
// MJPEG preview stream, a websocket frame push and a JSON API for device
// control, resolution, timelapse and recording.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/backend"
	"github.com/EliBukin/camera-server/internal/preview"
	"github.com/EliBukin/camera-server/internal/recorder"
	"github.com/EliBukin/camera-server/internal/session"
	"github.com/EliBukin/camera-server/internal/timelapse"
)

// Deps wires the server to the rest of the service. Session and the
// consumers hanging off it are nil when no camera was found; the API then
// answers 503 on camera routes while /api/devices keeps working.
type Deps struct {
	Logger   *zap.Logger
	Backend  backend.Backend
	Session  *session.Session
	Preview  *preview.Encoder
	Sampler  *timelapse.Sampler
	Recorder *recorder.Recorder

	// FrameInterval throttles the streaming endpoints to at most one frame
	// per interval. Zero streams at the capture rate.
	FrameInterval time.Duration
}

// Server is the HTTP layer. Construct with New, serve via Handler.
type Server struct {
	logger   *zap.Logger
	backend  backend.Backend
	sess     *session.Session
	preview  *preview.Encoder
	sampler  *timelapse.Sampler
	rec      *recorder.Recorder
	interval time.Duration
	upgrader websocket.Upgrader
}

// New builds the server around its dependencies.
func New(d Deps) *Server {
	return &Server{
		logger:   d.Logger.With(zap.String("component", "server")),
		backend:  d.Backend,
		sess:     d.Session,
		preview:  d.Preview,
		sampler:  d.Sampler,
		rec:      d.Recorder,
		interval: d.FrameInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleIndex)
	r.Get("/api/devices", s.handleDevices)
	r.Get("/api/status", s.handleStatus)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/video_feed", s.handleVideoFeed)
		r.Get("/ws", s.handleWS)
		r.Get("/snapshot", s.handleSnapshot)

		r.Get("/api/controls", s.handleListControls)
		r.Post("/api/control", s.handleSetControl)
		r.Post("/api/controls/reset", s.handleResetControls)

		r.Get("/api/resolution", s.handleGetResolution)
		r.Post("/api/resolution", s.handleSetResolution)

		r.Get("/api/timelapse", s.handleTimelapseStatus)
		r.Post("/api/timelapse/start", s.handleTimelapseStart)
		r.Post("/api/timelapse/stop", s.handleTimelapseStop)

		r.Get("/api/recording", s.handleRecordingStatus)
		r.Post("/api/recording/start", s.handleRecordingStart)
		r.Post("/api/recording/stop", s.handleRecordingStop)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
		)
	})
}

// requireSession gates camera-dependent routes when no device is attached.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sess == nil {
			writeError(w, http.StatusServiceUnavailable, "no camera session")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
