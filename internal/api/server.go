// Package api exposes the HTTP control surface for the crawl pipeline:
// run management, progress, and queue statistics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/config"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
	"github.com/pricepulse/catalog-crawler/internal/queue"
	"github.com/pricepulse/catalog-crawler/internal/run"
)

// QueueInspector reads queue statistics. Implemented by asynq.Inspector.
type QueueInspector interface {
	GetQueueInfo(qname string) (*asynq.QueueInfo, error)
}

// ReadyChecker reports whether a downstream dependency is reachable.
type ReadyChecker func(r *http.Request) error

// Server wires HTTP handlers to the run service.
type Server struct {
	router    chi.Router
	runs      *run.Service
	inspector QueueInspector
	ready     ReadyChecker
	logger    *zap.Logger
	cfg       config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runs *run.Service, inspector QueueInspector, ready ReadyChecker, logger *zap.Logger, cfg config.Config) *Server {
	s := &Server{
		runs:      runs,
		inspector: inspector,
		ready:     ready,
		logger:    logger,
		cfg:       cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.createRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/start", s.startRun)
				r.Get("/progress", s.getRunProgress)
			})
		})
		r.Get("/contexts/{context_id}/runs", s.listContextRuns)
		r.Get("/queues/stats", s.queueStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createRunRequest struct {
	ContextID int64          `json:"context_id"`
	RunType   string         `json:"run_type"`
	Params    map[string]any `json:"params,omitempty"`
	Start     bool           `json:"start,omitempty"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ContextID <= 0 {
		writeError(w, http.StatusBadRequest, "context_id is required")
		return
	}
	runType := catalog.RunType(req.RunType)
	if runType == "" {
		runType = catalog.RunTypeCatalog
	}
	if runType != catalog.RunTypeCatalog && runType != catalog.RunTypePrice {
		writeError(w, http.StatusBadRequest, "run_type must be catalog or price")
		return
	}

	var (
		created catalog.CrawlRun
		err     error
	)
	if req.Start {
		created, err = s.runs.CreateAndStart(r.Context(), req.ContextID, runType, req.Params)
	} else {
		created, err = s.runs.Create(r.Context(), req.ContextID, runType, req.Params)
	}
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrRunConflict):
			writeError(w, http.StatusConflict, "context already has a running crawl of this type")
		case errors.Is(err, catalog.ErrNotFound):
			writeError(w, http.StatusNotFound, "context not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "run_id")
	if !ok {
		return
	}
	started, err := s.runs.Start(r.Context(), runID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "run_id")
	if !ok {
		return
	}
	got, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) getRunProgress(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r, "run_id")
	if !ok {
		return
	}
	progress, err := s.runs.Progress(r.Context(), runID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) listContextRuns(w http.ResponseWriter, r *http.Request) {
	contextID, ok := pathID(w, r, "context_id")
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = parsed
	}
	runs, err := s.runs.ListRecent(r.Context(), contextID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type queueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	if s.inspector == nil {
		writeError(w, http.StatusServiceUnavailable, "queue inspector not configured")
		return
	}
	var stats []queueStats
	for _, def := range queue.Definitions() {
		info, err := s.inspector.GetQueueInfo(def.Name)
		if err != nil {
			// A queue with no traffic yet has no stats; report zeros.
			stats = append(stats, queueStats{Queue: def.Name})
			continue
		}
		stats = append(stats, queueStats{
			Queue:     info.Queue,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Completed: info.Completed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

// pathID parses an int64 id path parameter, writing a 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
