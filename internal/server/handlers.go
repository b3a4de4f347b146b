package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/controls"
	"github.com/EliBukin/camera-server/internal/recorder"
	"github.com/EliBukin/camera-server/internal/session"
	"github.com/EliBukin/camera-server/internal/timelapse"
)

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.backend.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("device enumeration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "device enumeration failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"session": nil,
	}
	if s.sess != nil {
		st := s.sess.Stats()
		out["session"] = map[string]interface{}{
			"frames_read": st.FramesRead,
			"read_errors": st.ReadErrors,
			"reinits":     st.Reinits,
			"width":       st.Width,
			"height":      st.Height,
			"format":      string(st.Format),
		}
		out["timelapse"] = s.sampler.Status()
		out["recording"] = s.rec.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListControls(w http.ResponseWriter, r *http.Request) {
	reg := s.sess.Controls()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"controls":          reg.Controls(),
		"original_defaults": reg.OriginalDefaults(),
		"stored_defaults":   reg.StoredDefaults(),
	})
}

type setControlRequest struct {
	Name  string `json:"name"`
	Value int32  `json:"value"`
}

func (s *Server) handleSetControl(w http.ResponseWriter, r *http.Request) {
	var req setControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "expected {\"name\": ..., \"value\": ...}")
		return
	}

	err := s.sess.SetControlValue(r.Context(), req.Name, req.Value)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"name": req.Name, "value": req.Value})
	case errors.Is(err, controls.ErrUnknownControl):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, controls.ErrOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleResetControls(w http.ResponseWriter, r *http.Request) {
	s.sess.ResetControls(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"values": s.sess.Controls().CurrentValues()})
}

func (s *Server) handleGetResolution(w http.ResponseWriter, r *http.Request) {
	width, height := s.sess.Resolution()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"width":     width,
		"height":    height,
		"available": s.sess.Resolutions(),
	})
}

type setResolutionRequest struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (s *Server) handleSetResolution(w http.ResponseWriter, r *http.Request) {
	var req setResolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Width == 0 || req.Height == 0 {
		writeError(w, http.StatusBadRequest, "expected {\"width\": ..., \"height\": ...}")
		return
	}

	err := s.sess.SetResolution(r.Context(), req.Width, req.Height)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]uint32{"width": req.Width, "height": req.Height})
	case errors.Is(err, session.ErrResolutionLocked):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrUnsupportedResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleTimelapseStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sampler.Status())
}

type timelapseStartRequest struct {
	IntervalS float64          `json:"interval_s"`
	Count     int              `json:"count"`
	Width     uint32           `json:"width"`
	Height    uint32           `json:"height"`
	Controls  map[string]int32 `json:"controls"`
}

func (s *Server) handleTimelapseStart(w http.ResponseWriter, r *http.Request) {
	var req timelapseStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IntervalS <= 0 {
		writeError(w, http.StatusBadRequest, "expected {\"interval_s\": ...}")
		return
	}

	err := s.sampler.Start(r.Context(), timelapse.Options{
		Interval: time.Duration(req.IntervalS * float64(time.Second)),
		Count:    req.Count,
		Width:    req.Width,
		Height:   req.Height,
		Controls: req.Controls,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.sampler.Status())
	case errors.Is(err, timelapse.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleTimelapseStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sampler.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.sampler.Status())
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Status())
}

type recordingStartRequest struct {
	Filename string `json:"filename"`
	FPS      int32  `json:"fps"`
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	// The body is optional; absent fields fall back to configured values.
	var req recordingStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed recording options")
		return
	}

	err := s.rec.Start(req.Filename, req.FPS)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.rec.Status())
	case errors.Is(err, recorder.ErrAlreadyRecording):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	path, err := s.rec.Stop()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}
