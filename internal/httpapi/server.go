// Package httpapi exposes cases over HTTP and streams their progress over
// websockets.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/riskcase/internal/metrics"
	"github.com/Kocoro-lab/riskcase/internal/models"
	"github.com/Kocoro-lab/riskcase/internal/store"
	"github.com/Kocoro-lab/riskcase/internal/streaming"
)

// Runner starts and cancels cases. The in-process manager and the Temporal
// starter both satisfy it.
type Runner interface {
	Submit(ctx context.Context, req models.CaseRequest) (models.Case, error)
	Cancel(caseID string) error
}

// Reader looks up persisted cases.
type Reader interface {
	GetCase(ctx context.Context, id string) (models.Case, error)
	GetResponse(ctx context.Context, id string) (*models.RiskAnalysisResponse, error)
}

// Events is the subscription side of the event hub.
type Events interface {
	Subscribe(caseID string, buffer int) chan streaming.Event
	Unsubscribe(caseID string, ch chan streaming.Event)
	ReplaySince(caseID string, since uint64) []streaming.Event
}

// Server serves the case API.
type Server struct {
	runner Runner
	reader Reader
	events Events
	auth   *AuthMiddleware
	logger *zap.Logger

	// heartbeat is the websocket ping interval.
	heartbeat time.Duration
}

// NewServer creates the API server. auth may be nil to disable
// authentication.
func NewServer(runner Runner, reader Reader, events Events, auth *AuthMiddleware, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		runner:    runner,
		reader:    reader,
		events:    events,
		auth:      auth,
		logger:    logger,
		heartbeat: 20 * time.Second,
	}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1/cases", func(r chi.Router) {
		scope := func(string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
		if s.auth != nil {
			r.Use(s.auth.Handler)
			scope = RequireScope
		}
		r.With(scope(ScopeCasesWrite)).Post("/", s.handleCreate)
		r.With(scope(ScopeCasesRead)).Get("/{id}", s.handleGet)
		r.With(scope(ScopeCasesWrite)).Delete("/{id}", s.handleCancel)
		r.With(scope(ScopeCasesRead)).Get("/{id}/events", s.handleEvents)
	})
	return r
}

// instrument counts requests by route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req models.CaseRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+sanitizeErr(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.runner.Submit(r.Context(), req)
	if err != nil {
		s.logger.Error("Failed to submit case", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start case")
		return
	}
	s.logger.Info("Case submitted", zap.String("case_id", c.ID))
	w.Header().Set("Location", "/v1/cases/"+c.ID)
	writeJSON(w, http.StatusAccepted, c)
}

// handleGet returns the final response once the case is terminal and the
// case record while it is still running.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, err := s.reader.GetResponse(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("Failed to read response", zap.String("case_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read case")
		return
	}
	c, err := s.reader.GetCase(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "case not found")
	case err != nil:
		s.logger.Error("Failed to read case", zap.String("case_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read case")
	default:
		writeJSON(w, http.StatusAccepted, c)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runner.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, sanitizeErr(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"case_id": id, "status": "cancelling"})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
