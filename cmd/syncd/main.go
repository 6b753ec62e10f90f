package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foldersync/syncd/pkg/api"
	"github.com/foldersync/syncd/pkg/config"
	"github.com/foldersync/syncd/pkg/engine"
	"github.com/foldersync/syncd/pkg/log"
	"github.com/foldersync/syncd/pkg/secretbox"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "syncd",
	Short:   "syncd schedules and runs SSH-based directory sync tasks",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("syncd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")
	rootCmd.PersistentFlags().String("data-dir", "", "override the data directory (default: per-user config dir)")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("listen", "127.0.0.1:8787", "address for the management API and /metrics")
	rootCmd.AddCommand(serveCmd, runCmd, listCmd, logsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func buildEngine(cmd *cobra.Command) (*engine.Engine, error) {
	cfg := config.Load()
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	box, err := loadOrCreateSecretBox(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load secret box key: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "syncd.db")
	return engine.New(dbPath, box, cfg)
}

// loadOrCreateSecretBox reads the AES-256 key from <dataDir>/secret.key,
// generating one on first run. Key bootstrap is out of the engine's
// contract per spec — this is the minimal desktop-local equivalent.
func loadOrCreateSecretBox(dataDir string) (*secretbox.Box, error) {
	keyPath := filepath.Join(dataDir, "secret.key")
	raw, err := os.ReadFile(keyPath)
	if err == nil {
		key, decErr := base64.StdEncoding.DecodeString(string(raw))
		if decErr != nil {
			return nil, fmt.Errorf("decode key file: %w", decErr)
		}
		return secretbox.New(key)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return secretbox.New(key)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and management API in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := eng.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer eng.Stop()

		addr, _ := cmd.Flags().GetString("listen")
		srv := api.NewServer(eng, Version)
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		fmt.Printf("syncd serving on %s (tasks, /health, /ready, /metrics)\n", addr)

		select {
		case <-ctx.Done():
			fmt.Println("shutting down")
		case err := <-errCh:
			return err
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run one sync task immediately and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		res, err := eng.SyncTask(context.Background(), id)
		if res != nil {
			fmt.Printf("success=%v mode=%s\n%s\n", res.Success, res.SyncMode, res.Output)
		}
		return err
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sync tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close()

		tasks, err := eng.ListTasks(context.Background())
		if err != nil {
			return err
		}
		for _, t := range tasks {
			status := "disabled"
			if t.Enabled {
				status = "enabled"
			}
			if t.IsRunning {
				status += ",running"
			}
			fmt.Printf("%d\t%s\t%s -> %s@%s:%s\t%s\n", t.ID, t.Name, t.LocalDir, t.Username, t.RemoteHost, t.RemoteDir, status)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Show recent run logs for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.Close()

		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		logs, err := eng.GetLogs(context.Background(), id, 0)
		if err != nil {
			return err
		}
		for _, l := range logs {
			ts := time.Unix(l.Timestamp, 0).Format(time.RFC3339)
			fmt.Printf("%s\t%s\t%s\t%.1fs\n", ts, l.Status, l.SyncMode, l.DurationS)
		}
		return nil
	},
}

func parseID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}
