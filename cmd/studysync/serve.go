package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studykit/studysync/internal/server/auth"
	"github.com/studykit/studysync/internal/server/hub"
	"github.com/studykit/studysync/internal/server/reconcile"
	"github.com/studykit/studysync/internal/server/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the sync server: accepts authenticated WebSocket sessions,
reconciles change batches against the versioned store, and fans applied
changes out to the user's other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Server.JWTKey == "" {
			return fmt.Errorf("server.jwt_key must be configured (or STUDYSYNC_SERVER_JWT_KEY set)")
		}

		if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		st, err := store.Open(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.InitSchema(cmd.Context()); err != nil {
			return err
		}

		ttl, err := cfg.ParsedTokenTTL()
		if err != nil {
			return err
		}

		hubConfig := hub.DefaultConfig()
		hubConfig.Addr = cfg.Server.Addr
		server := hub.NewServer(hubConfig,
			auth.NewService(cfg.Server.JWTKey, ttl),
			reconcile.New(st, slog.Default()))

		if err := server.Start(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		return server.Stop()
	},
}
