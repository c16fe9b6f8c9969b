package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/notification"
)

const eventBuffer = 64

// events streams hub events to the client as server-sent events until the
// client goes away. The stream opens with the current capture status.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	ch, cancel := s.deps.Hub.Subscribe(eventBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st := s.deps.Session.Status()
	initial := notification.NewEvent(model.EventCaptureStatus, model.CaptureStatus{
		IsCapturing:  st.Capturing,
		BufferSize:   st.BufferSize,
		TotalPackets: st.TotalPackets,
	})
	if err := s.writeEvent(w, flusher, initial); err != nil {
		return
	}

	s.logger.Debug("Event stream opened", zap.String("remote", r.RemoteAddr))
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("Event stream closed", zap.String("remote", r.RemoteAddr))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeEvent(w, flusher, ev); err != nil {
				return
			}
		}
	}
}

// writeEvent writes one frame. Events that fail to encode are skipped;
// only write errors are returned.
func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("Failed to encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return nil
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
