package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// statusResponse is the body of the summary, readiness and liveness checks.
type statusResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Duration  string `json:"duration,omitempty"`
	Degraded  *bool  `json:"degraded,omitempty"`
	Ready     *bool  `json:"ready,omitempty"`
	Live      *bool  `json:"live,omitempty"`
}

// HTTPHandler serves the admin health checks.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// Routes mounts /health, /health/ready, /health/live and /health/detailed.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.summary)
		r.Get("/ready", h.ready)
		r.Get("/live", h.live)
		r.Get("/detailed", h.detailed)
	})
}

func (h *HTTPHandler) summary(w http.ResponseWriter, r *http.Request) {
	o := h.manager.GetOverallHealth(r.Context())
	code := http.StatusOK
	if o.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.respond(w, code, statusResponse{
		Status:    o.Status.String(),
		Message:   o.Message,
		Timestamp: o.Timestamp.Unix(),
		Duration:  o.Duration.String(),
		Degraded:  &o.Degraded,
		Ready:     &o.Ready,
		Live:      &o.Live,
	})
}

func (h *HTTPHandler) ready(w http.ResponseWriter, r *http.Request) {
	ok := h.manager.IsReady(r.Context())
	resp := statusResponse{Status: "ready", Ready: &ok, Timestamp: time.Now().Unix()}
	code := http.StatusOK
	if !ok {
		resp.Status, code = "not ready", http.StatusServiceUnavailable
	}
	h.respond(w, code, resp)
}

func (h *HTTPHandler) live(w http.ResponseWriter, r *http.Request) {
	ok := h.manager.IsLive(r.Context())
	h.respond(w, http.StatusOK, statusResponse{Status: "alive", Live: &ok, Timestamp: time.Now().Unix()})
}

func (h *HTTPHandler) detailed(w http.ResponseWriter, r *http.Request) {
	d := h.manager.GetDetailedHealth(r.Context())
	code := http.StatusOK
	if !d.Overall.Ready {
		code = http.StatusServiceUnavailable
	}
	h.respond(w, code, d)
}

func (h *HTTPHandler) respond(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write health response", zap.Error(err))
	}
}

// StartHealthServer serves the health checks on the admin port, plus
// /metrics when a metrics handler is given. The returned server is already
// listening in the background.
func StartHealthServer(manager *Manager, port int, metrics http.Handler, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	NewHTTPHandler(manager, logger).Routes(r)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	go func() {
		logger.Info("Admin server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server stopped", zap.Error(err))
		}
	}()
	return srv
}
