// Package api exposes the capture and model controls over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/chunk"
	"Go2NetSentry/internal/dispatcher"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/notification"
	"Go2NetSentry/internal/registry"
)

// Session is the capture session surface used by the handlers.
type Session interface {
	Start(ctx context.Context) error
	Stop() error
	Status() capture.Status
}

// Models is the model selection surface used by the handlers.
type Models interface {
	Select(name model.ModelName) error
	Current() model.ModelName
	Available() []model.ModelName
}

// Deps are the components served by the API. Assembler, Dispatcher, Hub
// and Loaded are optional.
type Deps struct {
	Session    Session
	Models     Models
	Assembler  interface{ Snapshot() chunk.Stats }
	Dispatcher interface{ Stats() dispatcher.Stats }
	Hub        *notification.Hub
	Loaded     func() []model.ModelName
}

// Server holds the HTTP handlers.
type Server struct {
	deps   Deps
	router *mux.Router
	logger *zap.Logger
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{deps: deps, router: mux.NewRouter(), logger: logger.Named("api")}

	r := s.router.PathPrefix("/api").Subrouter()
	r.HandleFunc("/capture/start", s.startCapture).Methods(http.MethodPost)
	r.HandleFunc("/capture/stop", s.stopCapture).Methods(http.MethodPost)
	r.HandleFunc("/capture/status", s.captureStatus).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/model/select", s.selectModel).Methods(http.MethodPost)
	r.HandleFunc("/model/current", s.currentModel).Methods(http.MethodGet)
	if deps.Hub != nil {
		r.HandleFunc("/events", s.events).Methods(http.MethodGet)
	}
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) startCapture(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Session.Start(r.Context())
	switch {
	case errors.Is(err, capture.ErrAlreadyCapturing):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.logger.Error("Failed to start capture", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, s.deps.Session.Status())
	}
}

func (s *Server) stopCapture(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Session.Stop()
	switch {
	case errors.Is(err, capture.ErrNotCapturing):
		s.writeError(w, http.StatusConflict, err)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, s.deps.Session.Status())
	}
}

func (s *Server) captureStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Session.Status())
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Capture    capture.Status    `json:"capture"`
	Chunks     *chunk.Stats      `json:"chunks,omitempty"`
	Dispatcher *dispatcher.Stats `json:"dispatcher,omitempty"`
	Model      model.ModelName   `json:"model"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Capture: s.deps.Session.Status(),
		Model:   s.deps.Models.Current(),
	}
	if s.deps.Assembler != nil {
		st := s.deps.Assembler.Snapshot()
		resp.Chunks = &st
	}
	if s.deps.Dispatcher != nil {
		st := s.deps.Dispatcher.Stats()
		resp.Dispatcher = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type selectRequest struct {
	Model string `json:"model"`
}

// ModelResponse is the body of the model endpoints.
type ModelResponse struct {
	Model     model.ModelName   `json:"model"`
	Available []model.ModelName `json:"available"`
	Loaded    []model.ModelName `json:"loaded,omitempty"`
}

func (s *Server) selectModel(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	name := model.ModelName(req.Model)
	if err := s.deps.Models.Select(name); err != nil {
		if errors.Is(err, registry.ErrUnknownModel) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := s.modelResponse()
	if resp.Loaded != nil && !slices.Contains(resp.Loaded, name) {
		s.logger.Warn("Selected model has no artifact loaded", zap.String("model", string(name)))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) currentModel(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.modelResponse())
}

func (s *Server) modelResponse() ModelResponse {
	resp := ModelResponse{
		Model:     s.deps.Models.Current(),
		Available: s.deps.Models.Available(),
	}
	if s.deps.Loaded != nil {
		resp.Loaded = s.deps.Loaded()
	}
	return resp
}
