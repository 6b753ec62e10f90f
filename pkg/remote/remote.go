// Package remote runs commands on a remote host over password-based SSH,
// shelling out to the real ssh/sshpass binaries through pkg/procrunner. It
// never puts the password on an argv.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/foldersync/syncd/pkg/metrics"
	"github.com/foldersync/syncd/pkg/procrunner"
)

// Config identifies an SSH endpoint and its credential.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (c Config) port() int {
	if c.Port <= 0 {
		return 22
	}
	return c.Port
}

// ProcessRunner is the subset of *procrunner.Runner that remote needs. It is
// an interface so tests can substitute a fake that never spawns a real
// ssh/sshpass binary.
type ProcessRunner interface {
	Run(ctx context.Context, name string, args []string, opts procrunner.Options) (*procrunner.Result, error)
}

// Runner executes remote shell commands via ssh/sshpass.
type Runner struct {
	proc ProcessRunner
}

// New creates a Runner backed by the given process runner.
func New(proc ProcessRunner) *Runner {
	return &Runner{proc: proc}
}

// Run executes remoteCommand on the host described by cfg, within timeout.
// remoteCommand is passed verbatim as a single argv element to ssh, which
// hands it to the remote shell; callers must shell-escape any interpolated
// values themselves before composing it. purpose labels the command for
// the syncd_remote_command_duration_seconds histogram (e.g. "mkdir",
// "find", "trash_move", "version_cleanup", "trash_sweep", "test_connection").
func (r *Runner) Run(ctx context.Context, cfg Config, remoteCommand, purpose string, timeout time.Duration) (*procrunner.Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RemoteCommandDuration, purpose)

	args := []string{
		"-e", "ssh",
		"-p", strconv.Itoa(cfg.port()),
		"-o", "StrictHostKeyChecking=accept-new",
		fmt.Sprintf("%s@%s", cfg.User, cfg.Host),
		remoteCommand,
	}
	opts := procrunner.Options{
		Timeout: timeout,
		Env:     map[string]string{"SSHPASS": cfg.Password},
	}
	return r.proc.Run(ctx, "sshpass", args, opts)
}

// TestConnection issues a trivial echo over SSH to verify the endpoint and
// credential are reachable.
func (r *Runner) TestConnection(ctx context.Context, cfg Config, timeout time.Duration) error {
	res, err := r.Run(ctx, cfg, "echo ok", "test_connection", timeout)
	if err != nil {
		return fmt.Errorf("remote: test connection: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("remote: test connection failed: %s", res.Output)
	}
	return nil
}
