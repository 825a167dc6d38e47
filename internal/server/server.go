package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kagent-dev/sage/internal/executor"
	apperrors "github.com/kagent-dev/sage/pkg/errors"
	"github.com/kagent-dev/sage/pkg/events"
	"github.com/kagent-dev/sage/pkg/tools"
)

const (
	defaultListLimit  = 20
	maxListLimit      = 500
	maxBodyBytes      = 1 << 20
	heartbeatInterval = 15 * time.Second
)

// Sessions is the session API served over HTTP. *executor.Service implements it.
type Sessions interface {
	Start(req executor.Request) (*executor.Session, error)
	Get(ctx context.Context, id string) (*executor.Session, error)
	Cancel(id string) error
	List(ctx context.Context, limit int) ([]executor.Session, error)
	Running() int
}

// Tools exposes direct tool invocation. *tools.Dispatcher implements it.
type Tools interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, name string, args map[string]interface{}) *tools.Result
}

// Subscriber streams session events. *events.Bus implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, error)
}

// Options wires the server's dependencies.
type Options struct {
	Sessions Sessions
	Tools    Tools
	Events   Subscriber
	Gatherer prometheus.Gatherer
	Logger   logr.Logger
}

// Server serves the research HTTP API.
type Server struct {
	sessions Sessions
	tools    Tools
	events   Subscriber
	log      logr.Logger
	router   *mux.Router
}

// New creates a Server and registers its routes.
func New(opts Options) *Server {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		sessions: opts.Sessions,
		tools:    opts.Tools,
		events:   opts.Events,
		log:      opts.Logger.WithName("server"),
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/cancel", s.handleCancelSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/events", s.handleSessionEvents).Methods(http.MethodGet)
	api.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
	api.HandleFunc("/tools/{name}/invoke", s.handleInvokeTool).Methods(http.MethodPost)

	return s
}

// Handler returns the traced HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "sage-api")
}

// HTTPServer returns an http.Server for addr. There is no write timeout
// because event streams stay open for the life of a session.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(err, "Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error(err, "Request failed", "code", code)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func statusFor(code string) int {
	switch code {
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeInvalidArguments:
		return http.StatusBadRequest
	case apperrors.ErrCodeSessionNotFound, apperrors.ErrCodeUnknownTool:
		return http.StatusNotFound
	case apperrors.ErrCodeInvalidTransition:
		return http.StatusConflict
	case apperrors.ErrCodeSessionAborted, apperrors.ErrCodeCacheUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeToolTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeToolExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "failed to read request body", err)
	}
	defer r.Body.Close()

	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "invalid JSON body", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"running": s.sessions.Running(),
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	session, err := s.sessions.Start(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+session.ID)
	s.writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			s.writeError(w, apperrors.Newf(apperrors.ErrCodeInvalidInput, "limit must be between 1 and %d", maxListLimit))
			return
		}
		limit = n
	}

	sessions, err := s.sessions.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "cancelling"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.tools.Definitions()})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	args := map[string]interface{}{}
	if err := decodeBody(r, &args); err != nil {
		s.writeError(w, err)
		return
	}

	result := s.tools.Invoke(r.Context(), mux.Vars(r)["name"], args)
	status := http.StatusOK
	if result.Failed() {
		status = statusFor(result.ErrorCode)
	}
	s.writeJSON(w, status, result)
}

// handleSessionEvents streams session events as server-sent events. A
// finished session gets a single snapshot event.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("streaming is not supported"))
		return
	}

	session, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var stream <-chan events.Event
	if session.EndTime == nil && s.events != nil {
		stream, err = s.events.Subscribe(r.Context(), id)
		if err != nil {
			s.writeError(w, fmt.Errorf("failed to subscribe to session events: %w", err))
			return
		}
		// The session may have finished between Get and Subscribe.
		if session, err = s.sessions.Get(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", session); err != nil {
		return
	}
	flusher.Flush()
	if session.EndTime != nil || stream == nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-stream:
			if !ok {
				return
			}
			if err := writeEvent(w, string(event.Type), event); err != nil {
				s.log.V(1).Info("Event stream closed by client", "session", id)
				return
			}
			flusher.Flush()
			if event.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
