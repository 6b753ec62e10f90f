// Package scheduler maintains one periodic timer per enabled task and
// dispatches ticks to the transfer orchestrator under a single-flight
// guarantee enforced by the store's lock, plus a separate daily
// trash-retention sweep.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/foldersync/syncd/pkg/config"
	"github.com/foldersync/syncd/pkg/events"
	"github.com/foldersync/syncd/pkg/log"
	"github.com/foldersync/syncd/pkg/metrics"
	"github.com/foldersync/syncd/pkg/orchestrator"
	"github.com/foldersync/syncd/pkg/procrunner"
	"github.com/foldersync/syncd/pkg/remote"
	"github.com/foldersync/syncd/pkg/store"
)

// Runner is the subset of orchestrator.Orchestrator the scheduler needs to
// dispatch a tick. The dependency runs one way only — orchestrator never
// imports scheduler — so the inverted-callback shape the design notes
// describe falls out naturally from a plain interface here.
type Runner interface {
	ExecuteSync(ctx context.Context, taskID int64) (*orchestrator.Result, error)
}

// TaskStore is the subset of store.Store the scheduler needs.
type TaskStore interface {
	List(ctx context.Context) ([]*store.Task, error)
	Get(ctx context.Context, id int64) (*store.Task, error)
	ReleaseLock(ctx context.Context, id int64) error
}

// RemoteRunner is the subset of remote.Runner the daily sweep needs.
type RemoteRunner interface {
	Run(ctx context.Context, cfg remote.Config, cmd, purpose string, timeout time.Duration) (*procrunner.Result, error)
}

// Secrets is the subset of secretbox.Box the sweep needs to reach the
// remote host.
type Secrets interface {
	Decrypt(ciphertext string) (string, error)
}

// Scheduler owns one time.Timer per enabled task plus one cron job for the
// trash-retention sweep.
type Scheduler struct {
	store  TaskStore
	runner Runner
	remote RemoteRunner
	secret Secrets
	bus    *events.Bus
	cfg    *config.Config
	logger zerolog.Logger

	mu      sync.Mutex
	timers  map[int64]*time.Timer
	stopped bool

	cron *cron.Cron
}

// New creates a Scheduler. Call Start to load enabled tasks and begin
// ticking.
func New(st TaskStore, runner Runner, rem RemoteRunner, secret Secrets, bus *events.Bus, cfg *config.Config) *Scheduler {
	return &Scheduler{
		store:  st,
		runner: runner,
		remote: rem,
		secret: secret,
		bus:    bus,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		timers: make(map[int64]*time.Timer),
		cron:   cron.New(),
	}
}

// Start loads all enabled tasks and starts one timer per task, plus the
// daily trash sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: start: %w", err)
	}
	for _, t := range tasks {
		if t.Enabled {
			s.StartTaskScheduler(ctx, t)
		}
	}

	if _, err := s.cron.AddFunc("@daily", func() { s.runTrashSweep(context.Background()) }); err != nil {
		return fmt.Errorf("scheduler: register trash sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop cancels every task timer and the trash-sweep cron job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.cron.Stop()
}

// StartTaskScheduler starts a timer for t if one does not already exist.
// Idempotent per spec §4.6.
func (s *Scheduler) StartTaskScheduler(ctx context.Context, t *store.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, exists := s.timers[t.ID]; exists {
		return
	}
	period := time.Duration(t.IntervalMinutes) * time.Minute
	s.timers[t.ID] = time.AfterFunc(period, func() { s.tick(t.ID) })
	metrics.TasksEnabled.Inc()
}

// StopTaskScheduler cancels the timer for id, if any.
func (s *Scheduler) StopTaskScheduler(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
		metrics.TasksEnabled.Dec()
	}
}

// ActiveTaskCount returns the number of tasks currently holding a timer.
// Exposed for tests and health reporting.
func (s *Scheduler) ActiveTaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// RestartTaskScheduler stops then starts the timer for the given task,
// reading its current enabled/interval fields from the store.
func (s *Scheduler) RestartTaskScheduler(ctx context.Context, id int64) error {
	s.StopTaskScheduler(id)
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: restart task %d: %w", id, err)
	}
	if t.Enabled {
		s.StartTaskScheduler(ctx, t)
	}
	return nil
}

// tick is invoked when a task's timer fires. It re-reads the task,
// handles stale-lock recovery, dispatches to the orchestrator, and
// reschedules the next tick regardless of outcome.
func (s *Scheduler) tick(id int64) {
	ctx := context.Background()
	logger := log.WithTaskID(id)

	t, err := s.store.Get(ctx, id)
	if err != nil {
		logger.Info().Err(err).Msg("task no longer exists, dropping timer")
		s.StopTaskScheduler(id)
		return
	}
	if !t.Enabled {
		logger.Info().Msg("task disabled, dropping timer")
		s.StopTaskScheduler(id)
		return
	}

	if t.IsRunning && t.StartedAt.Valid {
		started := time.Unix(t.StartedAt.Int64, 0)
		if time.Since(started) > s.cfg.StaleTaskThreshold {
			logger.Warn().Time("started_at", started).Msg("force-releasing stale lock on tick")
			if err := s.store.ReleaseLock(ctx, id); err != nil {
				logger.Error().Err(err).Msg("failed to release stale lock")
			}
			metrics.StaleLocksClearedTotal.Inc()
			s.bus.PublishTaskUpdate(id)
		} else {
			s.rescheduleTick(id, t.IntervalMinutes)
			return
		}
	}

	metrics.TasksRunning.Inc()
	if _, err := s.runner.ExecuteSync(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("scheduled sync run failed")
	}
	metrics.TasksRunning.Dec()

	s.rescheduleTick(id, t.IntervalMinutes)
}

func (s *Scheduler) rescheduleTick(id int64, intervalMinutes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, exists := s.timers[id]; !exists {
		return // stopped concurrently (e.g. task deleted mid-run)
	}
	period := time.Duration(intervalMinutes) * time.Minute
	s.timers[id] = time.AfterFunc(period, func() { s.tick(id) })
}

// runTrashSweep runs the daily retention cleanup for every task with
// trash enabled.
func (s *Scheduler) runTrashSweep(ctx context.Context) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("trash sweep: list tasks failed")
		return
	}
	for _, t := range tasks {
		if !t.TrashEnabled {
			continue
		}
		password, err := s.secret.Decrypt(t.PasswordCT)
		if err != nil {
			s.logger.Error().Err(err).Int64("task_id", t.ID).Msg("trash sweep: decrypt password failed")
			continue
		}
		cfg := remote.Config{Host: t.RemoteHost, Port: t.RemotePort, User: t.Username, Password: password}
		cmd := fmt.Sprintf(`find %s/%s -mindepth 1 -maxdepth 1 -type d -mtime +%d -exec rm -rf {} \;`,
			procrunner.ShellEscapePOSIX(t.RemoteDir), s.cfg.TrashDir, s.cfg.TrashRetentionDays)
		if _, err := s.remote.Run(ctx, cfg, cmd, "trash_sweep", s.cfg.SSHTrashCleanupTimeout); err != nil {
			s.logger.Warn().Err(err).Int64("task_id", t.ID).Msg("trash sweep failed for task")
		}
	}
	metrics.TrashSweepCyclesTotal.Inc()
}
