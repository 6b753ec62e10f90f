package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/foldersync/syncd/pkg/engineerr"
	"github.com/foldersync/syncd/pkg/procrunner"
	"github.com/foldersync/syncd/pkg/remote"
	"github.com/foldersync/syncd/pkg/store"
)

// rsyncVanishedCode 24 means "some source files vanished during transfer",
// treated as success per spec §4.5.
const rsyncVanishedCode = 24

// primaryTransfer invokes rsync against the remote host. It returns the
// exit code and, on any code other than 0 or 24, a wrapped ErrPrimaryFailed
// (ErrTimeout if rsync was killed on timeout) so the caller knows to fall
// back to sftp.
func (o *Orchestrator) primaryTransfer(ctx context.Context, cfg remote.Config, t *store.Task, ts, password string, taskID int64, out *strings.Builder) (int, error) {
	args := []string{"-avz", "--delete", "--force", "--exclude=.versions", "--exclude=.trash", "--progress"}
	if t.VersionEnabled {
		args = append(args, "--backup", fmt.Sprintf("--backup-dir=%s/%s/%s", t.RemoteDir, o.cfg.VersionsDir, ts))
	}
	rsh := fmt.Sprintf("sshpass -e ssh -p %d -o StrictHostKeyChecking=accept-new", portOrDefault(t.RemotePort))
	args = append(args, "-e", rsh)
	args = append(args, strings.TrimRight(t.LocalDir, "/")+"/", fmt.Sprintf("%s@%s:%s", t.Username, t.RemoteHost, t.RemoteDir))

	opts := procrunner.Options{
		Timeout: o.cfg.RsyncTimeout,
		Env:     map[string]string{"SSHPASS": password},
		OnOutput: func(chunk string) {
			o.emitProgress(taskID, chunk)
		},
	}
	res, err := o.proc.Run(ctx, "rsync", args, opts)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", engineerr.ErrPrimaryFailed, err)
	}
	out.WriteString(res.Output)
	if res.Code == 0 || res.Code == rsyncVanishedCode {
		return res.Code, nil
	}
	kind := engineerr.ErrPrimaryFailed
	if res.Killed {
		kind = engineerr.ErrTimeout
	}
	return res.Code, fmt.Errorf("%w: rsync exited %d", kind, res.Code)
}

func (o *Orchestrator) emitProgress(taskID int64, chunk string) {
	for _, line := range strings.Split(chunk, "\r") {
		m := progressRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		o.bus.PublishTaskProgress(taskID, parsePercent(m[1]), m[2])
	}
}

// fallbackTransfer invokes sftp in batch mode. It does not delete remote
// files or version anything; sync_mode becomes "sftp".
func (o *Orchestrator) fallbackTransfer(ctx context.Context, cfg remote.Config, t *store.Task, password string, out *strings.Builder) error {
	batchFile, err := os.CreateTemp("", "syncd-sftp-batch-*.txt")
	if err != nil {
		return fmt.Errorf("%w: create batch file: %v", engineerr.ErrFallbackFailed, err)
	}
	defer os.Remove(batchFile.Name())

	line := fmt.Sprintf("put -r %s/* %s/\n", strings.TrimRight(t.LocalDir, "/"), t.RemoteDir)
	if _, err := batchFile.WriteString(line); err != nil {
		batchFile.Close()
		return fmt.Errorf("%w: write batch file: %v", engineerr.ErrFallbackFailed, err)
	}
	batchFile.Close()

	args := []string{
		"-b", batchFile.Name(),
		"-P", fmt.Sprintf("%d", portOrDefault(t.RemotePort)),
		"-o", "StrictHostKeyChecking=accept-new",
		fmt.Sprintf("%s@%s", t.Username, t.RemoteHost),
	}
	opts := procrunner.Options{
		Timeout: o.cfg.SFTPTimeout,
		Env:     map[string]string{"SSHPASS": password},
	}
	res, err := o.proc.Run(ctx, "sftp", args, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", engineerr.ErrFallbackFailed, err)
	}
	out.WriteString(res.Output)
	if !res.Success {
		return fmt.Errorf("%w: sftp exited %d", engineerr.ErrFallbackFailed, res.Code)
	}
	return nil
}

// cleanupVersions removes all but the newest MaxVersions directories
// under .versions. Failures here are non-fatal: they are logged and
// appended to the run output but never flip the run's status.
func (o *Orchestrator) cleanupVersions(ctx context.Context, cfg remote.Config, t *store.Task, out *strings.Builder, logger zerolog.Logger) {
	if !t.VersionEnabled {
		return
	}
	cmd := fmt.Sprintf(`cd %s/%s && ls -td */ 2>/dev/null | tail -n +%d | while read d; do rm -rf "$d"; done`,
		procrunner.ShellEscapePOSIX(t.RemoteDir), o.cfg.VersionsDir, o.cfg.MaxVersions+1)
	res, err := o.remote.Run(ctx, cfg, cmd, "version_cleanup", o.cfg.SSHVersionCleanupTimeout)
	if err != nil || !res.Success {
		logger.Warn().Err(err).Msg("version cleanup failed, continuing")
		out.WriteString(fmt.Sprintf("warning: %v\n", engineerr.ErrCleanupFailed))
		return
	}
}

func portOrDefault(port int) int {
	if port <= 0 {
		return 22
	}
	return port
}
