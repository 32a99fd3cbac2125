package api

import (
	"net/http"
	"time"

	"github.com/RepGraphics/panel-sub000/pkg/metrics"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func metricsHandler() http.Handler { return metrics.Handler() }

// handleHealth reports liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleReady reports readiness: the store answers queries.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok"}
	status := http.StatusOK
	ready := "ready"
	if _, err := s.deps.Store.ListNodes(); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
		ready = "not_ready"
	}
	s.respond(w, status, &ReadyResponse{
		Status:    ready,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}
