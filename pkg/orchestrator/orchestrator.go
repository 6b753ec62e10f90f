// Package orchestrator drives one sync run for one task: lock acquisition,
// remote preparation, trash pre-computation, primary transfer with
// fallback, version cleanup, log write, and event emission. It is the
// component every scheduler tick and every manual syncTask call funnels
// through.
package orchestrator

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldersync/syncd/pkg/config"
	"github.com/foldersync/syncd/pkg/engineerr"
	"github.com/foldersync/syncd/pkg/events"
	"github.com/foldersync/syncd/pkg/log"
	"github.com/foldersync/syncd/pkg/metrics"
	"github.com/foldersync/syncd/pkg/procrunner"
	"github.com/foldersync/syncd/pkg/remote"
	"github.com/foldersync/syncd/pkg/store"
)

// Secrets is the subset of secretbox.Box the orchestrator needs.
type Secrets interface {
	Decrypt(ciphertext string) (string, error)
}

// RemoteRunner is the subset of remote.Runner the orchestrator needs.
type RemoteRunner interface {
	Run(ctx context.Context, cfg remote.Config, remoteCommand, purpose string, timeout time.Duration) (*procrunner.Result, error)
}

// ProcessRunner is the subset of procrunner.Runner the orchestrator needs
// to spawn rsync/sftp directly (not through ssh wrapping — rsync/sftp
// invoke ssh themselves via -e/-oProxyCommand-style flags).
type ProcessRunner interface {
	Run(ctx context.Context, name string, args []string, opts procrunner.Options) (*procrunner.Result, error)
}

// TaskStore is the subset of store.Store the orchestrator needs.
type TaskStore interface {
	AcquireLock(ctx context.Context, id int64) (*store.LockResult, error)
	RecordRun(ctx context.Context, taskID int64, outcome store.RunOutcome) error
}

// Result is the outcome of one ExecuteSync call.
type Result struct {
	Success  bool
	Output   string
	SyncMode store.SyncMode
}

// Orchestrator executes sync runs.
type Orchestrator struct {
	store   TaskStore
	secrets Secrets
	remote  RemoteRunner
	proc    ProcessRunner
	bus     *events.Bus
	cfg     *config.Config
	clock   Clock
	logger  zerolog.Logger
}

// New creates an Orchestrator.
func New(st TaskStore, secrets Secrets, rem RemoteRunner, proc ProcessRunner, bus *events.Bus, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:   st,
		secrets: secrets,
		remote:  rem,
		proc:    proc,
		bus:     bus,
		cfg:     cfg,
		clock:   realClock{},
		logger:  log.WithComponent("orchestrator"),
	}
}

// SetClock overrides the orchestrator's time source, for tests.
func (o *Orchestrator) SetClock(c Clock) { o.clock = c }

var progressRe = regexp.MustCompile(`(\d{1,3})%\s+([0-9.]+\w+/s)`)

// ExecuteSync runs one sync for taskID: lock, prepare, (pre-trash),
// primary transfer (rsync) with fallback (sftp), version cleanup, and
// finalization. It always calls RecordRun before returning, except when
// the task could not be locked at all.
func (o *Orchestrator) ExecuteSync(ctx context.Context, taskID int64) (*Result, error) {
	lockRes, err := o.store.AcquireLock(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	if !lockRes.Locked {
		metrics.LockRejectionsTotal.Inc()
		return nil, fmt.Errorf("task %d: %w", taskID, engineerr.ErrAlreadyRunning)
	}
	t := lockRes.Task
	logger := log.WithTaskID(taskID)

	start := o.clock.Now()
	var out strings.Builder
	mode := store.ModeRsync
	success := false

	defer func() {
		duration := o.clock.Now().Sub(start).Seconds()
		status := store.StatusFail
		if success {
			status = store.StatusSuccess
		}
		output := truncate(out.String(), o.cfg.MaxOutputBytes)
		if recErr := o.store.RecordRun(ctx, taskID, store.RunOutcome{
			Status: status, Output: output, DurationS: duration, Mode: mode,
		}); recErr != nil {
			logger.Error().Err(recErr).Msg("failed to record run outcome")
		}
		o.bus.PublishTaskUpdate(taskID)
		metrics.RunsTotal.WithLabelValues(string(status), string(mode)).Inc()
		metrics.RunDuration.WithLabelValues(string(status)).Observe(duration)
	}()

	password, err := o.secrets.Decrypt(t.PasswordCT)
	if err != nil {
		out.WriteString(fmt.Sprintf("secret box error: %v\n", err))
		return &Result{Output: out.String()}, fmt.Errorf("%w: %v", engineerr.ErrSecretBoxError, err)
	}
	defer func() { password = "" }()

	cfg := remote.Config{Host: t.RemoteHost, Port: t.RemotePort, User: t.Username, Password: password}

	if err := o.prepareRemote(ctx, cfg, t, &out); err != nil {
		return &Result{Output: out.String()}, err
	}

	ts := runTimestamp(o.clock.Now())

	if t.TrashEnabled {
		if err := o.preTrash(ctx, cfg, t, ts, &out, logger); err != nil {
			return &Result{Output: out.String()}, err
		}
	}

	code, rsyncErr := o.primaryTransfer(ctx, cfg, t, ts, password, taskID, &out)
	if rsyncErr == nil {
		mode = store.ModeRsync
		success = true
		o.cleanupVersions(ctx, cfg, t, &out, logger)
		return &Result{Success: true, Output: out.String(), SyncMode: mode}, nil
	}

	out.WriteString(fmt.Sprintf("warning: primary transfer failed (exit %d), falling back to sftp; deletions and versioning are NOT applied in this mode\n", code))
	mode = store.ModeSFTP
	if fbErr := o.fallbackTransfer(ctx, cfg, t, password, &out); fbErr != nil {
		return &Result{Output: out.String(), SyncMode: mode}, fbErr
	}
	success = true
	return &Result{Success: true, Output: out.String(), SyncMode: mode}, nil
}

// prepareRemote issues the one mkdir -p command that creates the remote
// directory and its .versions/.trash siblings.
func (o *Orchestrator) prepareRemote(ctx context.Context, cfg remote.Config, t *store.Task, out *strings.Builder) error {
	cmd := fmt.Sprintf("mkdir -p %s %s/%s %s/%s",
		procrunner.ShellEscapePOSIX(t.RemoteDir),
		procrunner.ShellEscapePOSIX(t.RemoteDir), o.cfg.VersionsDir,
		procrunner.ShellEscapePOSIX(t.RemoteDir), o.cfg.TrashDir)
	res, err := o.remote.Run(ctx, cfg, cmd, "mkdir", o.cfg.SSHMkdirTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrRemotePrepFailed, err)
	}
	out.WriteString(res.Output)
	if !res.Success {
		return fmt.Errorf("%w: mkdir exited %d", engineerr.ErrRemotePrepFailed, res.Code)
	}
	return nil
}

// preTrash moves remote files absent from the local tree aside into
// .trash/<ts>/ in batches of 100, before the primary transfer runs.
func (o *Orchestrator) preTrash(ctx context.Context, cfg remote.Config, t *store.Task, ts string, out *strings.Builder, logger zerolog.Logger) error {
	localFiles, err := walkLocalFiles(t.LocalDir, logger)
	if err != nil {
		return fmt.Errorf("%w: walk local dir: %v", engineerr.ErrPreTrashFailed, err)
	}

	findCmd := fmt.Sprintf(`cd %s && find . -type f ! -path "./%s/*" ! -path "./%s/*" | sed 's|^./||'`,
		procrunner.ShellEscapePOSIX(t.RemoteDir), o.cfg.VersionsDir, o.cfg.TrashDir)
	res, err := o.remote.Run(ctx, cfg, findCmd, "find", o.cfg.SSHFindTimeout)
	if err != nil || !res.Success {
		return fmt.Errorf("%w: list remote files: %v", engineerr.ErrPreTrashFailed, err)
	}
	var remoteFiles []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			remoteFiles = append(remoteFiles, line)
		}
	}

	extras := extraRemoteFiles(remoteFiles, localFiles)
	if len(extras) == 0 {
		return nil
	}

	trashDir := fmt.Sprintf("%s/%s/%s", t.RemoteDir, o.cfg.TrashDir, ts)
	for _, batch := range batchOf(extras, 100) {
		var cmds []string
		for _, rel := range batch {
			dir := path.Dir(rel)
			cmds = append(cmds, fmt.Sprintf("mkdir -p %s && mv %s %s",
				procrunner.ShellEscapePOSIX(trashDir+"/"+dir),
				procrunner.ShellEscapePOSIX(t.RemoteDir+"/"+rel),
				procrunner.ShellEscapePOSIX(trashDir+"/"+rel)))
		}
		batchCmd := strings.Join(cmds, " && ")
		res, err := o.remote.Run(ctx, cfg, batchCmd, "trash_move", o.cfg.SSHTrashMoveTimeout)
		if err != nil || !res.Success {
			return fmt.Errorf("%w: trash batch: %v", engineerr.ErrPreTrashFailed, err)
		}
		out.WriteString(res.Output)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func parsePercent(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
