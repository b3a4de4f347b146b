package server

import (
	_ "embed"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EliBukin/camera-server/internal/preview"
)

//go:embed index.html
var indexPage []byte

// frameWait bounds each wait for the next preview frame so disconnected
// clients are noticed even when the camera stalls.
const frameWait = time.Second

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexPage)
}

// handleSnapshot serves the newest preview frame as a single JPEG.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, _, ok := s.preview.Current()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleVideoFeed streams multipart/x-mixed-replace JPEG parts, one per
// preview frame, until the client goes away.
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary="+mw.Boundary())

	ctx := r.Context()
	var seq uint64
	for {
		if ctx.Err() != nil {
			return
		}
		data, newSeq, err := s.preview.WaitNext(seq, frameWait)
		if err != nil {
			if errors.Is(err, preview.ErrTimeout) {
				continue
			}
			return
		}
		seq = newSeq

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   []string{"image/jpeg"},
			"Content-Length": []string{strconv.Itoa(len(data))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(data); err != nil {
			return
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if s.interval > 0 {
			time.Sleep(s.interval)
		}
	}
}

// handleWS pushes preview frames as binary websocket messages.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reader goroutine: surfaces client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var seq uint64
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		default:
		}

		data, newSeq, err := s.preview.WaitNext(seq, frameWait)
		if err != nil {
			if errors.Is(err, preview.ErrTimeout) {
				continue
			}
			return
		}
		seq = newSeq

		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
		if s.interval > 0 {
			time.Sleep(s.interval)
		}
	}
}
