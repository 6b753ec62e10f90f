// Package engine wires together the store, secret box, scheduler,
// orchestrator, and event bus into the single value the outer CLI/API
// surface holds, and exposes the management operations that surface
// consumes. This mirrors the "process-wide singletons become one value
// built at startup" guidance: every other package takes narrow
// interfaces and is wired here, once.
package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foldersync/syncd/pkg/config"
	"github.com/foldersync/syncd/pkg/engineerr"
	"github.com/foldersync/syncd/pkg/events"
	"github.com/foldersync/syncd/pkg/log"
	"github.com/foldersync/syncd/pkg/orchestrator"
	"github.com/foldersync/syncd/pkg/procrunner"
	"github.com/foldersync/syncd/pkg/remote"
	"github.com/foldersync/syncd/pkg/scheduler"
	"github.com/foldersync/syncd/pkg/secretbox"
	"github.com/foldersync/syncd/pkg/store"
)

// Task is the management-surface projection of store.Task: password_ct is
// stripped so it never round-trips to an outer caller.
type Task struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	RemoteHost          string `json:"remote_host"`
	RemotePort          int    `json:"remote_port"`
	Username            string `json:"username"`
	LocalDir            string `json:"local_dir"`
	RemoteDir           string `json:"remote_dir"`
	IntervalMinutes     int    `json:"interval_minutes"`
	VersionEnabled      bool   `json:"version_enabled"`
	TrashEnabled        bool   `json:"trash_enabled"`
	Enabled             bool   `json:"enabled"`
	IsRunning           bool   `json:"is_running"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastSyncTime        int64  `json:"last_sync_time,omitempty"`
	LastSyncStatus      string `json:"last_sync_status,omitempty"`
	LastError           string `json:"last_error,omitempty"`
}

// lastErrorOutput returns the output of the most recent failed run, for
// display alongside a task's last_sync_status. Truncated to keep list
// responses small; callers wanting the full output use GetLogs.
func lastErrorOutput(logs []*store.Log) string {
	const maxLen = 500
	for _, l := range logs {
		if l.Status == store.StatusFail {
			if len(l.Output) > maxLen {
				return l.Output[:maxLen] + "..."
			}
			return l.Output
		}
	}
	return ""
}

func projectTask(t *store.Task) *Task {
	out := &Task{
		ID:                  t.ID,
		Name:                t.Name,
		RemoteHost:          t.RemoteHost,
		RemotePort:          t.RemotePort,
		Username:            t.Username,
		LocalDir:            t.LocalDir,
		RemoteDir:           t.RemoteDir,
		IntervalMinutes:     t.IntervalMinutes,
		VersionEnabled:      t.VersionEnabled,
		TrashEnabled:        t.TrashEnabled,
		Enabled:             t.Enabled,
		IsRunning:           t.IsRunning,
		ConsecutiveFailures: t.ConsecutiveFailures,
	}
	if t.LastSyncTime.Valid {
		out.LastSyncTime = t.LastSyncTime.Int64
	}
	if t.LastSyncStatus.Valid {
		out.LastSyncStatus = t.LastSyncStatus.String
	}
	return out
}

// TaskInput is the create/update payload: a plaintext password in, never
// persisted or echoed back.
type TaskInput struct {
	Name            string
	RemoteHost      string
	RemotePort      int
	Username        string
	Password        string
	LocalDir        string
	RemoteDir       string
	IntervalMinutes int
	VersionEnabled  bool
	TrashEnabled    bool
	Enabled         bool
}

// SyncResult is returned by SyncTask.
type SyncResult struct {
	Success  bool
	Output   string
	SyncMode string
	Error    string
}

// Engine is the single wiring point for syncd's core: store, secret box,
// scheduler, orchestrator, and event bus.
type Engine struct {
	store   *store.Store
	secrets *secretbox.Box
	bus     *events.Bus
	cfg     *config.Config
	sched   *scheduler.Scheduler
	orch    *orchestrator.Orchestrator
	remote  *remote.Runner
	logger  zerolog.Logger
}

// New opens the store at dbPath, applies the password-encryption
// migration, and wires the scheduler and orchestrator. It does not start
// the scheduler; call Start for that.
func New(dbPath string, secrets *secretbox.Box, cfg *config.Config) (*Engine, error) {
	bus := events.NewBus()

	st, err := store.Open(dbPath, store.Options{
		MaxLogs:                cfg.MaxLogs,
		StaleThreshold:         cfg.StaleTaskThreshold,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	if err := st.MigratePasswords(secrets.Encrypt, secretbox.LooksEncrypted); err != nil {
		return nil, fmt.Errorf("engine: migrate passwords: %w", err)
	}

	proc := procrunner.New()
	rem := remote.New(proc)
	orch := orchestrator.New(st, secrets, rem, proc, bus, cfg)
	sched := scheduler.New(st, orch, rem, secrets, bus, cfg)

	return &Engine{
		store:   st,
		secrets: secrets,
		bus:     bus,
		cfg:     cfg,
		sched:   sched,
		orch:    orch,
		remote:  rem,
		logger:  log.WithComponent("engine"),
	}, nil
}

// Start begins scheduling every enabled task and the daily trash sweep.
func (e *Engine) Start(ctx context.Context) error {
	return e.sched.Start(ctx)
}

// Stop cancels every scheduled timer and the trash-sweep cron.
func (e *Engine) Stop() {
	e.sched.Stop()
}

// Close releases the underlying store handle. Call after Stop.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Bus returns the shared event bus, for observers (e.g. an API's SSE
// endpoint) to subscribe to.
func (e *Engine) Bus() *events.Bus { return e.bus }

// ListTasks returns every task with password_ct stripped.
func (e *Engine) ListTasks(ctx context.Context) ([]*Task, error) {
	tasks, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list tasks: %w", err)
	}
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		out[i] = projectTask(t)
		if t.LastSyncStatus.Valid && t.LastSyncStatus.String == string(store.StatusFail) {
			if logs, err := e.store.Logs(ctx, t.ID, 1); err == nil {
				out[i].LastError = lastErrorOutput(logs)
			}
		}
	}
	return out, nil
}

// GetTask returns one task with password_ct stripped.
func (e *Engine) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := projectTask(t)
	if t.LastSyncStatus.Valid && t.LastSyncStatus.String == string(store.StatusFail) {
		if logs, err := e.store.Logs(ctx, id, 1); err == nil {
			out.LastError = lastErrorOutput(logs)
		}
	}
	return out, nil
}

// CreateTask validates the input, encrypts the password, and persists a
// new task. local_dir must exist on this host.
func (e *Engine) CreateTask(ctx context.Context, in TaskInput) (int64, error) {
	if err := validateInput(in); err != nil {
		return 0, err
	}
	ct, err := e.secrets.Encrypt(in.Password)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", engineerr.ErrSecretBoxError, err)
	}
	id, err := e.store.Create(ctx, &store.Task{
		Name:            in.Name,
		RemoteHost:      in.RemoteHost,
		RemotePort:      portOrDefault(in.RemotePort),
		Username:        in.Username,
		PasswordCT:      ct,
		LocalDir:        in.LocalDir,
		RemoteDir:       in.RemoteDir,
		IntervalMinutes: in.IntervalMinutes,
		VersionEnabled:  in.VersionEnabled,
		TrashEnabled:    in.TrashEnabled,
		Enabled:         in.Enabled,
	})
	if err != nil {
		return 0, fmt.Errorf("engine: create task: %w", err)
	}
	if in.Enabled {
		t, err := e.store.Get(ctx, id)
		if err == nil {
			e.sched.StartTaskScheduler(ctx, t)
		}
	}
	return id, nil
}

// UpdateTask validates the input, re-encrypts the password if supplied,
// persists the change, and restarts the task's timer to pick up a
// possibly-new interval or enabled flag.
func (e *Engine) UpdateTask(ctx context.Context, id int64, in TaskInput) error {
	if err := validateInput(in); err != nil {
		return err
	}
	existing, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	ct := existing.PasswordCT
	if in.Password != "" {
		ct, err = e.secrets.Encrypt(in.Password)
		if err != nil {
			return fmt.Errorf("%w: %v", engineerr.ErrSecretBoxError, err)
		}
	}
	existing.Name = in.Name
	existing.RemoteHost = in.RemoteHost
	existing.RemotePort = portOrDefault(in.RemotePort)
	existing.Username = in.Username
	existing.PasswordCT = ct
	existing.LocalDir = in.LocalDir
	existing.RemoteDir = in.RemoteDir
	existing.IntervalMinutes = in.IntervalMinutes
	existing.VersionEnabled = in.VersionEnabled
	existing.TrashEnabled = in.TrashEnabled
	existing.Enabled = in.Enabled

	if err := e.store.Update(ctx, existing); err != nil {
		return fmt.Errorf("engine: update task: %w", err)
	}
	return e.sched.RestartTaskScheduler(ctx, id)
}

// DeleteTask stops the task's timer, then deletes it (cascading its logs).
func (e *Engine) DeleteTask(ctx context.Context, id int64) error {
	e.sched.StopTaskScheduler(id)
	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("engine: delete task: %w", err)
	}
	return nil
}

// ToggleTask flips enabled, resets consecutive_failures when enabling, and
// starts or stops the task's timer accordingly.
func (e *Engine) ToggleTask(ctx context.Context, id int64, enabled bool) error {
	if err := e.store.SetEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("engine: toggle task: %w", err)
	}
	if enabled {
		t, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		e.sched.StartTaskScheduler(ctx, t)
	} else {
		e.sched.StopTaskScheduler(id)
	}
	return nil
}

// SyncTask runs one sync immediately, outside the scheduler's timer, under
// the same single-flight lock a scheduled tick would use.
func (e *Engine) SyncTask(ctx context.Context, id int64) (*SyncResult, error) {
	runID := uuid.NewString()
	logger := log.WithRunID(id, runID)
	logger.Info().Msg("manual sync requested")

	res, err := e.orch.ExecuteSync(ctx, id)
	if err != nil {
		if res == nil {
			return &SyncResult{Success: false, Error: err.Error()}, err
		}
		return &SyncResult{Success: false, Output: res.Output, SyncMode: string(res.SyncMode), Error: err.Error()}, err
	}
	return &SyncResult{Success: res.Success, Output: res.Output, SyncMode: string(res.SyncMode)}, nil
}

// TestConnection issues a round-trip echo over SSH to validate credentials
// before a task is saved.
func (e *Engine) TestConnection(ctx context.Context, host string, port int, user, password string) error {
	cfg := remote.Config{Host: host, Port: port, User: user, Password: password}
	return e.remote.TestConnection(ctx, cfg, e.cfg.SSHTestConnectionTimeout)
}

// GetLogs returns up to limit most recent log rows for taskID, newest
// first. limit <= 0 defaults to MaxLogs.
func (e *Engine) GetLogs(ctx context.Context, taskID int64, limit int) ([]*store.Log, error) {
	if limit <= 0 || limit > e.cfg.MaxLogs {
		limit = e.cfg.MaxLogs
	}
	return e.store.Logs(ctx, taskID, limit)
}

func validateInput(in TaskInput) error {
	if in.Name == "" || in.RemoteHost == "" || in.Username == "" || in.LocalDir == "" || in.RemoteDir == "" {
		return fmt.Errorf("%w: name, remote_host, username, local_dir, and remote_dir are required", engineerr.ErrInputInvalid)
	}
	if in.IntervalMinutes <= 0 {
		return fmt.Errorf("%w: interval_minutes must be > 0", engineerr.ErrInputInvalid)
	}
	if in.RemotePort < 0 || in.RemotePort > 65535 {
		return fmt.Errorf("%w: remote_port out of range", engineerr.ErrInputInvalid)
	}
	info, err := os.Stat(in.LocalDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: local_dir %q does not exist", engineerr.ErrInputInvalid, in.LocalDir)
	}
	return nil
}

func portOrDefault(port int) int {
	if port <= 0 {
		return 22
	}
	return port
}
