// Package api exposes the operator HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shelfwatch/harvester/internal/harvester"
	"github.com/shelfwatch/harvester/internal/orchestrator"
)

// Controller is the narrow orchestrator surface the server drives. It is an
// interface so handler tests run against a fake.
type Controller interface {
	Start(ctx context.Context, source harvester.Source, opts harvester.MassCrawlOptions) (string, error)
	Stop(sourceID string) bool
	Stats() map[string]harvester.SourceStats
}

// Config carries the server-level knobs.
type Config struct {
	Timeout    time.Duration
	APIKey     string
	AuthOn     bool
	DefaultOps harvester.MassCrawlOptions
}

// Server wires HTTP handlers to the orchestrator and run history.
type Server struct {
	router     chi.Router
	controller Controller
	history    harvester.RunHistory
	sources    *orchestrator.SourceSet
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. sources is the
// configured source set shared with the orchestrator.
func NewServer(
	controller Controller,
	history harvester.RunHistory,
	sources *orchestrator.SourceSet,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		controller: controller,
		history:    history,
		sources:    sources,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.Timeout))
	if cfg.AuthOn {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/stats", s.sourceStats)
			r.Route("/{source_id}", func(r chi.Router) {
				r.Post("/start", s.startSource)
				r.Post("/stop", s.stopSource)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{run_id}", s.getRun)
		})
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
	// The history store is the only hard dependency for serving traffic.
	if _, err := s.history.ListRuns(r.Context(), "", 1, 0); err != nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	FreshnessHours *int     `json:"freshness_hours"`
	MaxPages       *int     `json:"max_pages"`
	Keywords       []string `json:"keywords"`
}

func (s *Server) startSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	source, ok := s.sources.Get(sourceID)
	if !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}

	opts := s.cfg.DefaultOps
	if r.Body != nil && r.ContentLength != 0 {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.FreshnessHours != nil {
			opts.FreshnessHours = *req.FreshnessHours
		}
		if req.MaxPages != nil {
			opts.MaxPages = *req.MaxPages
		}
		if len(req.Keywords) > 0 {
			opts.Keywords = req.Keywords
		}
	}

	runID, err := s.controller.Start(r.Context(), source, opts)
	switch {
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "source crawl already running")
		return
	case errors.Is(err, orchestrator.ErrUnknownSource):
		writeError(w, http.StatusUnprocessableEntity, "no adapter registered for source")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"source_id": sourceID,
		"run_id":    runID,
	})
}

func (s *Server) stopSource(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "source_id")
	if _, ok := s.sources.Get(sourceID); !ok {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	stopped := s.controller.Stop(sourceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"source_id": sourceID,
		"stopping":  stopped,
	})
}

func (s *Server) sourceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.controller.Stats()})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	runs, err := s.history.ListRuns(r.Context(), r.URL.Query().Get("source_id"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []harvester.CrawlRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if errors.Is(err, harvester.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
