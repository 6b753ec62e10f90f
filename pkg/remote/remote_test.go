package remote

import (
	"context"
	"testing"
	"time"

	"github.com/foldersync/syncd/internal/synctest"
	"github.com/foldersync/syncd/pkg/procrunner"
)

func TestRunBuildsSSHPASSArgv(t *testing.T) {
	fake := synctest.NewFakeProcessRunner()
	r := New(fake)

	cfg := Config{Host: "example.com", Port: 2222, User: "alice", Password: "hunter2"}
	_, err := r.Run(context.Background(), cfg, "echo hi", "test", 5*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	inv := fake.LastInvocation()
	if inv.Name != "sshpass" {
		t.Fatalf("binary = %q, want sshpass", inv.Name)
	}
	want := []string{"-e", "ssh", "-p", "2222", "-o", "StrictHostKeyChecking=accept-new", "alice@example.com", "echo hi"}
	if len(inv.Args) != len(want) {
		t.Fatalf("args = %v, want %v", inv.Args, want)
	}
	for i := range want {
		if inv.Args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, inv.Args[i], want[i])
		}
	}
	if inv.Opts.Env["SSHPASS"] != "hunter2" {
		t.Fatalf("SSHPASS env = %q, want hunter2", inv.Opts.Env["SSHPASS"])
	}
	for _, a := range inv.Args {
		if a == "hunter2" {
			t.Fatal("password leaked onto argv")
		}
	}
}

func TestRunDefaultsPortTo22(t *testing.T) {
	fake := synctest.NewFakeProcessRunner()
	r := New(fake)

	cfg := Config{Host: "example.com", User: "alice", Password: "x"}
	_, _ = r.Run(context.Background(), cfg, "echo hi", "test", time.Second)

	inv := fake.LastInvocation()
	if inv.Args[3] != "22" {
		t.Fatalf("port = %q, want 22", inv.Args[3])
	}
}

func TestTestConnectionSuccess(t *testing.T) {
	fake := synctest.NewFakeProcessRunner()
	r := New(fake)

	cfg := Config{Host: "example.com", User: "alice", Password: "x"}
	if err := r.TestConnection(context.Background(), cfg, time.Second); err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
}

func TestTestConnectionFailure(t *testing.T) {
	fake := synctest.NewFakeProcessRunner()
	fake.Default = &procrunner.Result{Code: 255, Success: false, Output: "Connection refused"}
	r := New(fake)

	cfg := Config{Host: "example.com", User: "alice", Password: "x"}
	if err := r.TestConnection(context.Background(), cfg, time.Second); err == nil {
		t.Fatal("TestConnection() expected error, got nil")
	}
}
