package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldersync/syncd/pkg/config"
	"github.com/foldersync/syncd/pkg/secretbox"
	"github.com/foldersync/syncd/pkg/store"
)

// setupEngine builds an Engine against a temp-file sqlite database and a
// fixed secret box key.
func setupEngine(t *testing.T) *Engine {
	t.Helper()
	box, err := secretbox.New(make([]byte, 32))
	require.NoError(t, err)

	cfg := config.Load()
	dbPath := filepath.Join(t.TempDir(), "syncd.db")
	e, err := New(dbPath, box, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func validTaskDir(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}

func TestCreateTaskRejectsMissingLocalDir(t *testing.T) {
	e := setupEngine(t)
	_, err := e.CreateTask(context.Background(), TaskInput{
		Name:            "docs",
		RemoteHost:      "example.com",
		Username:        "alice",
		Password:        "secret",
		LocalDir:        "/nonexistent/does/not/exist",
		RemoteDir:       "/remote/dst",
		IntervalMinutes: 60,
	})
	assert.Error(t, err)
}

func TestCreateTaskRejectsZeroInterval(t *testing.T) {
	e := setupEngine(t)
	_, err := e.CreateTask(context.Background(), TaskInput{
		Name:            "docs",
		RemoteHost:      "example.com",
		Username:        "alice",
		LocalDir:        validTaskDir(t),
		RemoteDir:       "/remote/dst",
		IntervalMinutes: 0,
	})
	assert.Error(t, err)
}

func TestCreateGetListRoundTripStripsPassword(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id, err := e.CreateTask(ctx, TaskInput{
		Name:            "docs",
		RemoteHost:      "example.com",
		RemotePort:      22,
		Username:        "alice",
		Password:        "hunter2",
		LocalDir:        validTaskDir(t),
		RemoteDir:       "/remote/dst",
		IntervalMinutes: 60,
		Enabled:         false,
	})
	require.NoError(t, err)

	got, err := e.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "docs", got.Name)

	all, err := e.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].ID)
}

func TestUpdateTaskPreservesPasswordWhenNotSupplied(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	dir := validTaskDir(t)
	id, err := e.CreateTask(ctx, TaskInput{
		Name: "docs", RemoteHost: "example.com", Username: "alice",
		Password: "hunter2", LocalDir: dir, RemoteDir: "/remote/dst", IntervalMinutes: 60,
	})
	require.NoError(t, err)

	err = e.UpdateTask(ctx, id, TaskInput{
		Name: "docs-renamed", RemoteHost: "example.com", Username: "alice",
		LocalDir: dir, RemoteDir: "/remote/dst", IntervalMinutes: 30,
	})
	require.NoError(t, err)

	got, err := e.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "docs-renamed", got.Name)
	assert.Equal(t, 30, got.IntervalMinutes)
}

func TestToggleTaskStartsAndStopsScheduler(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id, err := e.CreateTask(ctx, TaskInput{
		Name: "docs", RemoteHost: "example.com", Username: "alice",
		LocalDir: validTaskDir(t), RemoteDir: "/remote/dst", IntervalMinutes: 60, Enabled: false,
	})
	require.NoError(t, err)

	require.NoError(t, e.ToggleTask(ctx, id, true))
	assert.Equal(t, 1, e.sched.ActiveTaskCount())

	require.NoError(t, e.ToggleTask(ctx, id, false))
	assert.Equal(t, 0, e.sched.ActiveTaskCount())
}

func TestDeleteTaskRemovesItAndStopsScheduler(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id, err := e.CreateTask(ctx, TaskInput{
		Name: "docs", RemoteHost: "example.com", Username: "alice",
		LocalDir: validTaskDir(t), RemoteDir: "/remote/dst", IntervalMinutes: 60, Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, e.sched.ActiveTaskCount())

	require.NoError(t, e.DeleteTask(ctx, id))
	assert.Equal(t, 0, e.sched.ActiveTaskCount())

	_, err = e.GetTask(ctx, id)
	assert.Error(t, err)
}

func TestGetTaskSurfacesLastErrorAfterFailedRun(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id, err := e.CreateTask(ctx, TaskInput{
		Name: "docs", RemoteHost: "example.com", Username: "alice",
		LocalDir: validTaskDir(t), RemoteDir: "/remote/dst", IntervalMinutes: 60,
	})
	require.NoError(t, err)

	require.NoError(t, e.store.RecordRun(ctx, id, store.RunOutcome{
		Status: store.StatusFail, Output: "ssh: connection refused", Mode: store.ModeRsync,
	}))

	got, err := e.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ssh: connection refused", got.LastError)
}

func TestGetLogsClampsLimitToMaxLogs(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id, err := e.CreateTask(ctx, TaskInput{
		Name: "docs", RemoteHost: "example.com", Username: "alice",
		LocalDir: validTaskDir(t), RemoteDir: "/remote/dst", IntervalMinutes: 60,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.store.RecordRun(ctx, id, store.RunOutcome{
			Status: store.StatusSuccess, Mode: store.ModeRsync,
		}))
	}

	logs, err := e.GetLogs(ctx, id, 2)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = e.GetLogs(ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}
