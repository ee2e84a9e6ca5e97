// Command studysync runs the study-data sync engine.
//
// The same binary serves both roles: "studysync serve" runs the sync server,
// "studysync agent" runs the client-side agent, and "studysync status" /
// "studysync resolve" inspect and resolve escalated conflicts against the
// server database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/studykit/studysync/internal/config"
	"github.com/studykit/studysync/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "studysync",
	Short: "Real-time study data synchronization",
	Long: `studysync keeps study data (settings, progress, statistics, notes,
and AI conversations) consistent across a user's devices.

Changes are captured locally, debounced into batches, and pushed over a
persistent WebSocket session. The server applies them with optimistic
concurrency: stale writes are merged automatically where the data type
allows it and escalated as conflicts where it does not.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogLevel, cfg.LogFile)
		return nil
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
