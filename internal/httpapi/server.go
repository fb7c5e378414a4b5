package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/screenpilot/internal/config"
	"github.com/ent0n29/screenpilot/internal/history"
	"github.com/ent0n29/screenpilot/internal/observability"
	"github.com/ent0n29/screenpilot/internal/session"
)

// Controller is the session surface the API drives.
type Controller interface {
	StartSession(ctx context.Context, permissionGranted bool) (session.Snapshot, error)
	StopRecording(ctx context.Context) (session.Snapshot, error)
	Cancel(ctx context.Context) (session.Snapshot, error)
	Toggle(ctx context.Context, permissionGranted bool) (session.Snapshot, error)
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

type Server struct {
	cfg      config.Config
	ctrl     Controller
	bus      *session.Bus
	history  history.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	// streams is cancelled by CloseStreams to end every live events socket.
	streams      context.Context
	closeStreams context.CancelFunc
}

func New(cfg config.Config, ctrl Controller, bus *session.Bus, store history.Store, metrics *observability.Metrics) *Server {
	streams, closeStreams := context.WithCancel(context.Background())
	return &Server{
		streams:      streams,
		closeStreams: closeStreams,
		cfg:          cfg,
		ctrl:         ctrl,
		bus:          bus,
		history:      store,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// CloseStreams ends all events sockets. http.Server.Shutdown does not track
// hijacked connections, so callers invoke this alongside it.
func (s *Server) CloseStreams() {
	s.closeStreams()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/setup/status", s.handleSetupStatus)

	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/cancel", s.handleCancel)
		r.Post("/toggle", s.handleToggle)
		r.Get("/events", s.handleEventsWS)
	})
	r.Get("/v1/history", s.handleHistory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"agent_mode":    s.cfg.AgentMode,
		"history_store": s.historyMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ctrl.Snapshot(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "controller_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"agent_mode":    s.cfg.AgentMode,
		"history_store": s.historyMode(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{"records": []history.Record{}})
		return
	}
	limit := s.cfg.HistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) historyMode() string {
	switch s.history.(type) {
	case *history.PostgresStore:
		return "postgres"
	case *history.RedisStore:
		return "redis"
	case *history.InMemoryStore:
		return "in-memory"
	default:
		return "disabled"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
