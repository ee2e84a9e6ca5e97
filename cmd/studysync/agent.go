package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studykit/studysync/internal/client/agent"
	"github.com/studykit/studysync/internal/client/capture"
	"github.com/studykit/studysync/internal/client/conn"
	"github.com/studykit/studysync/internal/client/coordinator"
	"github.com/studykit/studysync/internal/client/queue"
)

var tokenFile string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the client sync agent",
	Long: `Run the client sync agent: maintains the WebSocket session to the
server, debounces and pushes locally captured changes, and applies remote
changes from the user's other devices.

The bearer token is read from the token file on connect and re-read when
the server reports it expired, so an external login flow can refresh it
in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenFile == "" {
			return fmt.Errorf("--token-file is required")
		}

		if err := os.MkdirAll(filepath.Dir(cfg.Agent.StorePath), 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		agentCfg := agent.Config{
			ServerURL: cfg.Agent.ServerURL,
			StorePath: cfg.Agent.StorePath,
			Queue: queue.Config{
				Debounce:      time.Duration(cfg.Agent.DebounceMS) * time.Millisecond,
				MaxBatchDelay: time.Duration(cfg.Agent.MaxBatchDelayMS) * time.Millisecond,
				SweepInterval: 250 * time.Millisecond,
			},
			Coordinator: coordinator.Config{
				OperationDeadline: time.Duration(cfg.Agent.OperationDeadlineSeconds) * time.Second,
				MaxAttempts:       cfg.Agent.MaxOperationAttempts,
				SweepInterval:     time.Second,
			},
			Conn: conn.Config{
				HeartbeatInterval:    time.Duration(cfg.Agent.HeartbeatSeconds) * time.Second,
				BackoffBase:          time.Duration(cfg.Agent.BackoffBaseMS) * time.Millisecond,
				BackoffCap:           time.Duration(cfg.Agent.BackoffCapSeconds) * time.Second,
				MaxReconnectAttempts: cfg.Agent.MaxReconnectAttempts,
			},
		}

		a, err := agent.New(agentCfg, &fileTokenSource{path: tokenFile})
		if err != nil {
			return err
		}

		if cfg.Agent.SettingsFile != "" {
			watcher, err := capture.NewSettingsWatcher(a.Capture(), cfg.Agent.SettingsFile,
				"settings", func() int64 { return 0 }, nil)
			if err != nil {
				return err
			}
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return a.Stop()
	},
}

func init() {
	agentCmd.Flags().StringVar(&tokenFile, "token-file", "", "file holding the bearer token")
}

// fileTokenSource reads the bearer token from a file. Refresh re-reads it,
// picking up tokens rotated by an external login flow.
type fileTokenSource struct {
	path string
}

func (f *fileTokenSource) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (f *fileTokenSource) Refresh(ctx context.Context) (string, error) {
	return f.Token(ctx)
}
