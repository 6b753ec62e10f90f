// Package api exposes syncd's management surface over HTTP+JSON: task
// CRUD, manual sync triggers, connection testing, log retrieval, plus
// /health, /ready, and /metrics for operators. It replaces a gRPC+mTLS
// transport with plain JSON since there is exactly one trusted local
// caller (the desktop UI/CLI), not a fleet of mutually-distrusting nodes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldersync/syncd/pkg/engine"
	"github.com/foldersync/syncd/pkg/engineerr"
	"github.com/foldersync/syncd/pkg/log"
	"github.com/foldersync/syncd/pkg/store"
)

// Engine is the subset of engine.Engine the API surface needs.
type Engine interface {
	ListTasks(ctx context.Context) ([]*engine.Task, error)
	GetTask(ctx context.Context, id int64) (*engine.Task, error)
	CreateTask(ctx context.Context, in engine.TaskInput) (int64, error)
	UpdateTask(ctx context.Context, id int64, in engine.TaskInput) error
	DeleteTask(ctx context.Context, id int64) error
	ToggleTask(ctx context.Context, id int64, enabled bool) error
	SyncTask(ctx context.Context, id int64) (*engine.SyncResult, error)
	TestConnection(ctx context.Context, host string, port int, user, password string) error
	GetLogs(ctx context.Context, taskID int64, limit int) ([]*store.Log, error)
}

// Server serves syncd's management surface.
type Server struct {
	engine  Engine
	mux     *http.ServeMux
	version string
	logger  zerolog.Logger
}

// NewServer builds a Server backed by eng.
func NewServer(eng Engine, version string) *Server {
	s := &Server{engine: eng, version: version, logger: log.WithComponent("api")}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.Handle("/metrics", metricsHandler())
	mux.HandleFunc("/api/tasks", s.tasksHandler)
	mux.HandleFunc("/api/tasks/", s.taskHandler)
	mux.HandleFunc("/api/test-connection", s.testConnectionHandler)
	s.mux = mux
	return s
}

// Start blocks serving addr until the listener fails.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return srv.ListenAndServe()
}

// Handler returns the underlying mux, for embedding or testing.
func (s *Server) Handler() http.Handler { return s.mux }

type taskRequest struct {
	Name            string `json:"name"`
	RemoteHost      string `json:"remote_host"`
	RemotePort      int    `json:"remote_port"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	LocalDir        string `json:"local_dir"`
	RemoteDir       string `json:"remote_dir"`
	IntervalMinutes int    `json:"interval_minutes"`
	VersionEnabled  bool   `json:"version_enabled"`
	TrashEnabled    bool   `json:"trash_enabled"`
	Enabled         bool   `json:"enabled"`
}

func (r taskRequest) toInput() engine.TaskInput {
	return engine.TaskInput{
		Name: r.Name, RemoteHost: r.RemoteHost, RemotePort: r.RemotePort,
		Username: r.Username, Password: r.Password, LocalDir: r.LocalDir,
		RemoteDir: r.RemoteDir, IntervalMinutes: r.IntervalMinutes,
		VersionEnabled: r.VersionEnabled, TrashEnabled: r.TrashEnabled, Enabled: r.Enabled,
	}
}

// tasksHandler serves GET /api/tasks (list) and POST /api/tasks (create).
func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.engine.ListTasks(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	case http.MethodPost:
		var req taskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody(err))
			return
		}
		id, err := s.engine.CreateTask(r.Context(), req.toInput())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// taskHandler serves /api/tasks/{id}, /api/tasks/{id}/enabled,
// /api/tasks/{id}/sync, and /api/tasks/{id}/logs.
func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := parseTaskPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case rest == "" && r.Method == http.MethodGet:
		t, err := s.engine.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)

	case rest == "" && r.Method == http.MethodPut:
		var req taskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody(err))
			return
		}
		if err := s.engine.UpdateTask(r.Context(), id, req.toInput()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case rest == "" && r.Method == http.MethodDelete:
		if err := s.engine.DeleteTask(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case rest == "enabled" && r.Method == http.MethodPut:
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errBody(err))
			return
		}
		if err := s.engine.ToggleTask(r.Context(), id, body.Enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case rest == "sync" && r.Method == http.MethodPost:
		res, err := s.engine.SyncTask(r.Context(), id)
		if err != nil && res == nil {
			writeError(w, err)
			return
		}
		code := http.StatusOK
		if !res.Success {
			code = http.StatusConflict
		}
		writeJSON(w, code, res)

	case rest == "logs" && r.Method == http.MethodGet:
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		logs, err := s.engine.GetLogs(r.Context(), id, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) testConnectionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err))
		return
	}
	if err := s.engine.TestConnection(r.Context(), req.Host, req.Port, req.User, req.Password); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engineerr.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, engineerr.ErrInputInvalid):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, errBody(err))
}

// parseTaskPath splits "/api/tasks/{id}[/{rest}]" into id and rest.
func parseTaskPath(path string) (id int64, rest string, ok bool) {
	const prefix = "/api/tasks/"
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return 0, "", false
	}
	tail := path[len(prefix):]
	idStr := tail
	for i := 0; i < len(tail); i++ {
		if tail[i] == '/' {
			idStr = tail[:i]
			rest = tail[i+1:]
			break
		}
	}
	n, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, rest, true
}
