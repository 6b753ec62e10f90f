package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/foldersync/syncd/pkg/metrics"
)

// HealthResponse is the /health liveness response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /ready readiness response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a simple liveness check: 200 if the process is alive.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

// readyHandler checks that the store is reachable (a List call succeeds)
// before declaring the service ready to accept sync requests.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if _, err := s.engine.ListTasks(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		ready = false
		message = "store not accessible"
	} else {
		checks["store"] = "ok"
	}
	checks["scheduler"] = "ok"

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks, Message: message})
}

func metricsHandler() http.Handler {
	return metrics.Handler()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
