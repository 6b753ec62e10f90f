// Package store is syncd's single-writer SQL persistence layer: tasks and
// their run logs, atomic single-flight lock transitions, and retention
// trimming. It is backed by database/sql over modernc.org/sqlite, a
// pure-Go driver that needs no cgo toolchain on the desktop host.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foldersync/syncd/pkg/log"
	"github.com/foldersync/syncd/pkg/metrics"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a task lookup by id finds no row.
var ErrNotFound = errors.New("store: task not found")

// TaskStatus is the outcome of the most recent run, or empty if the task
// has never run.
type TaskStatus string

const (
	StatusSuccess TaskStatus = "success"
	StatusFail    TaskStatus = "fail"
)

// SyncMode identifies which tool performed a run.
type SyncMode string

const (
	ModeRsync SyncMode = "rsync"
	ModeSFTP  SyncMode = "sftp"
)

// Task is one sync job, §3 of the task/log data model.
type Task struct {
	ID                   int64
	Name                 string
	RemoteHost           string
	RemotePort           int
	Username             string
	PasswordCT           string
	LocalDir             string
	RemoteDir            string
	IntervalMinutes      int
	VersionEnabled       bool
	TrashEnabled         bool
	Enabled              bool
	IsRunning            bool
	StartedAt            sql.NullInt64
	ConsecutiveFailures  int
	LastSyncTime         sql.NullInt64
	LastSyncStatus       sql.NullString
	CreatedAt            int64
	UpdatedAt            int64
}

// Log is one run outcome.
type Log struct {
	ID        int64
	TaskID    int64
	Timestamp int64
	Status    TaskStatus
	Output    string
	DurationS float64
	SyncMode  SyncMode
}

// LockResult is the outcome of acquireLock.
type LockResult struct {
	Task   *Task
	Locked bool
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	name                  TEXT NOT NULL,
	remote_host           TEXT NOT NULL,
	remote_port           INTEGER NOT NULL DEFAULT 22,
	username              TEXT NOT NULL,
	password_ct           TEXT NOT NULL DEFAULT '',
	local_dir             TEXT NOT NULL,
	remote_dir            TEXT NOT NULL,
	interval_minutes      INTEGER NOT NULL,
	version_enabled       INTEGER NOT NULL DEFAULT 0,
	trash_enabled         INTEGER NOT NULL DEFAULT 0,
	enabled               INTEGER NOT NULL DEFAULT 1,
	is_running            INTEGER NOT NULL DEFAULT 0,
	started_at            INTEGER,
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	last_sync_time        INTEGER,
	last_sync_status      TEXT,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	timestamp   INTEGER NOT NULL,
	status      TEXT NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	duration_s  REAL NOT NULL DEFAULT 0,
	sync_mode   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_logs_task_id ON logs(task_id);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp DESC);
`

// Clock abstracts time.Now so staleness and timestamp behavior can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Store is the task/log persistence layer.
type Store struct {
	db     *sql.DB
	clock  Clock
	logger zerolog.Logger

	maxLogs            int
	staleThreshold      time.Duration
	maxConsecutiveFails int
}

// Options configures a Store.
type Options struct {
	MaxLogs                int
	StaleThreshold         time.Duration
	MaxConsecutiveFailures int
	Clock                  Clock
}

// Open opens (creating if absent) the sqlite database at path and applies
// the forward-only schema migrations.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer: sqlite serializes writers anyway

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	maxLogs := opts.MaxLogs
	if maxLogs <= 0 {
		maxLogs = 100
	}
	staleThreshold := opts.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = 24 * time.Hour
	}
	maxFails := opts.MaxConsecutiveFailures
	if maxFails <= 0 {
		maxFails = 3
	}

	return &Store{
		db:                  db,
		clock:               clock,
		logger:              log.WithComponent("store"),
		maxLogs:             maxLogs,
		staleThreshold:      staleThreshold,
		maxConsecutiveFails: maxFails,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// List returns every task, ordered by id.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns("SELECT")+" FROM tasks ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get returns one task by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskColumns("SELECT")+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task %d: %w", id, err)
	}
	return t, nil
}

// Create inserts a new task and returns its assigned id.
func (s *Store) Create(ctx context.Context, t *Task) (int64, error) {
	now := s.clock.Now().Unix()
	t.CreatedAt, t.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (name, remote_host, remote_port, username, password_ct,
			local_dir, remote_dir, interval_minutes, version_enabled, trash_enabled,
			enabled, is_running, consecutive_failures, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,0,0,?,?)`,
		t.Name, t.RemoteHost, t.RemotePort, t.Username, t.PasswordCT,
		t.LocalDir, t.RemoteDir, t.IntervalMinutes, boolToInt(t.VersionEnabled), boolToInt(t.TrashEnabled),
		boolToInt(t.Enabled), now, now)
	if err != nil {
		return 0, fmt.Errorf("store: create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create task: %w", err)
	}
	return id, nil
}

// Update overwrites the mutable fields of an existing task.
func (s *Store) Update(ctx context.Context, t *Task) error {
	now := s.clock.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET name=?, remote_host=?, remote_port=?, username=?, password_ct=?,
			local_dir=?, remote_dir=?, interval_minutes=?, version_enabled=?, trash_enabled=?,
			enabled=?, updated_at=?
		WHERE id=?`,
		t.Name, t.RemoteHost, t.RemotePort, t.Username, t.PasswordCT,
		t.LocalDir, t.RemoteDir, t.IntervalMinutes, boolToInt(t.VersionEnabled), boolToInt(t.TrashEnabled),
		boolToInt(t.Enabled), now, t.ID)
	if err != nil {
		return fmt.Errorf("store: update task %d: %w", t.ID, err)
	}
	return mustAffectOneRow(res, t.ID)
}

// Delete removes a task; its logs cascade via the foreign key.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete task %d: %w", id, err)
	}
	return mustAffectOneRow(res, id)
}

// SetEnabled flips enabled and, when enabling, resets consecutive_failures
// so a manually re-enabled task starts its failure count fresh.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	now := s.clock.Now().Unix()
	var res sql.Result
	var err error
	if enabled {
		res, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET enabled=1, consecutive_failures=0, updated_at=? WHERE id=?", now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE tasks SET enabled=0, updated_at=? WHERE id=?", now, id)
	}
	if err != nil {
		return fmt.Errorf("store: set enabled task %d: %w", id, err)
	}
	return mustAffectOneRow(res, id)
}

// AcquireLock runs the lock protocol of spec §4.1 as a serializable
// transaction, retrying up to 5 times on transient contention with linear
// backoff of 50ms per attempt.
func (s *Store) AcquireLock(ctx context.Context, id int64) (*LockResult, error) {
	const maxAttempts = 5
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := s.tryAcquireLock(ctx, id)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn().Err(err).Int64("task_id", id).Int("attempt", attempt).Msg("lock acquire contention, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("store: acquire lock task %d: %w", id, lastErr)
}

func (s *Store) tryAcquireLock(ctx context.Context, id int64) (*LockResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, taskColumns("SELECT")+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}

	now := s.clock.Now()
	if t.IsRunning && t.StartedAt.Valid {
		started := time.Unix(t.StartedAt.Int64, 0)
		if now.Sub(started) > s.staleThreshold {
			s.logger.Warn().Int64("task_id", id).Time("started_at", started).Msg("clearing stale lock")
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET is_running=0 WHERE id=?", id); err != nil {
				return nil, fmt.Errorf("clear stale lock: %w", err)
			}
			t.IsRunning = false
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE tasks SET is_running=1, started_at=? WHERE id=? AND is_running=0", now.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("conditional lock update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("conditional lock update: %w", err)
	}
	if affected == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &LockResult{Task: t, Locked: false}, nil
	}

	row = tx.QueryRowContext(ctx, taskColumns("SELECT")+" FROM tasks WHERE id = ?", id)
	locked, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("reread locked task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &LockResult{Task: locked, Locked: true}, nil
}

// ReleaseLock forcibly clears is_running without recording a run, used by
// the scheduler's stale-lock recovery path on tick.
func (s *Store) ReleaseLock(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE tasks SET is_running=0, started_at=NULL WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("store: release lock task %d: %w", id, err)
	}
	return mustAffectOneRow(res, id)
}

// RunOutcome is the input to RecordRun.
type RunOutcome struct {
	Status    TaskStatus
	Output    string
	DurationS float64
	Mode      SyncMode
}

// RecordRun performs the §4.1 recordRun transaction: insert the log row,
// trim logs beyond maxLogs, and finalize the task's run state (unlock,
// last-sync fields, failure accounting, auto-disable).
func (s *Store) RecordRun(ctx context.Context, taskID int64, outcome RunOutcome) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("store: record run: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO logs (task_id, timestamp, status, output, duration_s, sync_mode) VALUES (?,?,?,?,?,?)",
		taskID, now.Unix(), string(outcome.Status), outcome.Output, outcome.DurationS, string(outcome.Mode)); err != nil {
		return fmt.Errorf("store: record run: insert log: %w", err)
	}

	if err := trimLogsTx(ctx, tx, taskID, s.maxLogs); err != nil {
		return fmt.Errorf("store: record run: trim logs: %w", err)
	}

	row := tx.QueryRowContext(ctx, "SELECT consecutive_failures, enabled FROM tasks WHERE id=?", taskID)
	var failures int
	var enabledInt int
	if err := row.Scan(&failures, &enabledInt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: record run: read task: %w", err)
	}

	newFailures := 0
	disable := false
	if outcome.Status == StatusFail {
		newFailures = failures + 1
		if enabledInt == 1 && newFailures >= s.maxConsecutiveFails {
			disable = true
		}
	}

	enabledExpr := "enabled"
	if disable {
		enabledExpr = "0"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks SET is_running=0, started_at=NULL, last_sync_time=?, last_sync_status=?,
			consecutive_failures=?, enabled=%s, updated_at=?
		WHERE id=?`, enabledExpr),
		now.Unix(), string(outcome.Status), newFailures, now.Unix(), taskID); err != nil {
		return fmt.Errorf("store: record run: update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: record run: commit: %w", err)
	}

	if disable {
		s.logger.Warn().Int64("task_id", taskID).Int("consecutive_failures", newFailures).
			Msg("task auto-disabled after consecutive failures")
		metrics.TasksAutoDisabledTotal.Inc()
	}
	return nil
}

func trimLogsTx(ctx context.Context, tx *sql.Tx, taskID int64, keep int) error {
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM logs WHERE task_id=?", taskID).Scan(&count); err != nil {
		return err
	}
	if count <= keep {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM logs WHERE id IN (
			SELECT id FROM logs WHERE task_id = ? ORDER BY timestamp ASC, id ASC LIMIT ?
		)`, taskID, count-keep)
	return err
}

// AppendLog inserts a log row outside of RecordRun's transaction, used
// sparingly (e.g. by tests seeding history).
func (s *Store) AppendLog(ctx context.Context, l *Log) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO logs (task_id, timestamp, status, output, duration_s, sync_mode) VALUES (?,?,?,?,?,?)",
		l.TaskID, l.Timestamp, string(l.Status), l.Output, l.DurationS, string(l.SyncMode))
	if err != nil {
		return fmt.Errorf("store: append log: %w", err)
	}
	return nil
}

// TrimLogs deletes the oldest rows for taskID beyond keep.
func (s *Store) TrimLogs(ctx context.Context, taskID int64, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: trim logs: %w", err)
	}
	defer tx.Rollback()
	if err := trimLogsTx(ctx, tx, taskID, keep); err != nil {
		return fmt.Errorf("store: trim logs: %w", err)
	}
	return tx.Commit()
}

// Logs returns up to limit most-recent log rows for taskID, newest first.
// limit<=0 means unbounded.
func (s *Store) Logs(ctx context.Context, taskID int64, limit int) ([]*Log, error) {
	query := "SELECT id, task_id, timestamp, status, output, duration_s, sync_mode FROM logs WHERE task_id = ? ORDER BY timestamp DESC, id DESC"
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: logs for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var logs []*Log
	for rows.Next() {
		var l Log
		var status, mode string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Timestamp, &status, &l.Output, &l.DurationS, &mode); err != nil {
			return nil, fmt.Errorf("store: scan log: %w", err)
		}
		l.Status, l.SyncMode = TaskStatus(status), SyncMode(mode)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func mustAffectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func taskColumns(verb string) string {
	return verb + ` id, name, remote_host, remote_port, username, password_ct,
		local_dir, remote_dir, interval_minutes, version_enabled, trash_enabled,
		enabled, is_running, started_at, consecutive_failures, last_sync_time,
		last_sync_status, created_at, updated_at`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var versionEnabled, trashEnabled, enabled, isRunning int
	if err := row.Scan(&t.ID, &t.Name, &t.RemoteHost, &t.RemotePort, &t.Username, &t.PasswordCT,
		&t.LocalDir, &t.RemoteDir, &t.IntervalMinutes, &versionEnabled, &trashEnabled,
		&enabled, &isRunning, &t.StartedAt, &t.ConsecutiveFailures, &t.LastSyncTime,
		&t.LastSyncStatus, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.VersionEnabled = versionEnabled == 1
	t.TrashEnabled = trashEnabled == 1
	t.Enabled = enabled == 1
	t.IsRunning = isRunning == 1
	return &t, nil
}
