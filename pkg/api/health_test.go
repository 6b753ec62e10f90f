package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldersync/syncd/pkg/engine"
	"github.com/foldersync/syncd/pkg/store"
)

type fakeEngine struct {
	tasks    []*engine.Task
	listErr  error
	syncRes  *engine.SyncResult
	syncErr  error
	testErr  error
	logs     []*store.Log
	created  engine.TaskInput
	toggled  map[int64]bool
	deleted  []int64
}

func (f *fakeEngine) ListTasks(ctx context.Context) ([]*engine.Task, error) {
	return f.tasks, f.listErr
}
func (f *fakeEngine) GetTask(ctx context.Context, id int64) (*engine.Task, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}
func (f *fakeEngine) CreateTask(ctx context.Context, in engine.TaskInput) (int64, error) {
	f.created = in
	return 99, nil
}
func (f *fakeEngine) UpdateTask(ctx context.Context, id int64, in engine.TaskInput) error {
	return nil
}
func (f *fakeEngine) DeleteTask(ctx context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeEngine) ToggleTask(ctx context.Context, id int64, enabled bool) error {
	if f.toggled == nil {
		f.toggled = make(map[int64]bool)
	}
	f.toggled[id] = enabled
	return nil
}
func (f *fakeEngine) SyncTask(ctx context.Context, id int64) (*engine.SyncResult, error) {
	return f.syncRes, f.syncErr
}
func (f *fakeEngine) TestConnection(ctx context.Context, host string, port int, user, password string) error {
	return f.testErr
}
func (f *fakeEngine) GetLogs(ctx context.Context, taskID int64, limit int) ([]*store.Log, error) {
	return f.logs, nil
}

func TestHealthHandlerReturnsHealthy(t *testing.T) {
	s := NewServer(&fakeEngine{}, "test")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestReadyHandlerReportsStoreFailure(t *testing.T) {
	s := NewServer(&fakeEngine{listErr: assert.AnError}, "test")
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not ready", resp.Status)
}

func TestListTasksHandler(t *testing.T) {
	fe := &fakeEngine{tasks: []*engine.Task{{ID: 1, Name: "docs"}}}
	s := NewServer(fe, "test")
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var tasks []*engine.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "docs", tasks[0].Name)
}

func TestGetTaskHandlerNotFound(t *testing.T) {
	s := NewServer(&fakeEngine{}, "test")
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/42", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestToggleTaskHandler(t *testing.T) {
	fe := &fakeEngine{tasks: []*engine.Task{{ID: 1}}}
	s := NewServer(fe, "test")
	req := httptest.NewRequest(http.MethodPut, "/api/tasks/1/enabled", strings.NewReader(`{"enabled":true}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, fe.toggled[1])
}

func TestSyncTaskHandlerConflictOnFailure(t *testing.T) {
	fe := &fakeEngine{syncRes: &engine.SyncResult{Success: false, Error: "boom"}}
	s := NewServer(fe, "test")
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/1/sync", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}
