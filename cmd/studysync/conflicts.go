package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/studykit/studysync/internal/resolve"
	"github.com/studykit/studysync/internal/server/reconcile"
	"github.com/studykit/studysync/internal/server/store"
)

var (
	statusUser string

	resolveUser        string
	resolveStrategy    string
	resolvePayload     string
	resolveBaseVersion int64
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state and open conflicts for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusUser == "" {
			return fmt.Errorf("--user is required")
		}

		st, err := store.Open(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := cmd.Context()
		version, err := st.CurrentUserVersion(ctx, statusUser)
		if err != nil {
			return err
		}
		stats, err := st.GetStats(ctx, statusUser)
		if err != nil {
			return err
		}
		conflicts, err := st.ListUnresolvedConflicts(ctx, statusUser)
		if err != nil {
			return err
		}

		fmt.Printf("User:            %s\n", statusUser)
		fmt.Printf("Sync version:    %d\n", version)
		fmt.Printf("Applied changes: %d\n", stats.Applied)
		fmt.Printf("Conflicts:       %d total, %d resolved\n", stats.Conflicts, stats.Resolved)

		if len(conflicts) == 0 {
			fmt.Println("\nNo open conflicts.")
			return nil
		}

		fmt.Printf("\nOpen conflicts (%d):\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("  %s  %-12s  %s  (since %s)\n",
				c.ConflictID, c.DataType, c.AggregateID,
				time.UnixMilli(c.CreatedAt).Format(time.RFC3339))
		}
		fmt.Println("\nResolve with: studysync resolve <conflict-id> --user <user> --strategy use_local|use_remote|merge")
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve an escalated sync conflict",
	Long: `Resolve an escalated sync conflict.

Strategies:
  use_local   apply the client operation's payload
  use_remote  keep the server state as it stands
  merge       apply the payload given via --payload

use_local and merge write through the version-checked update path against
--base-version; if the aggregate moved on in the meantime the resolution
fails with a version conflict instead of overwriting newer data.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if resolveUser == "" {
			return fmt.Errorf("--user is required")
		}

		var payload json.RawMessage
		if resolvePayload != "" {
			if !json.Valid([]byte(resolvePayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			payload = json.RawMessage(resolvePayload)
		}

		st, err := store.Open(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		reconciler := reconcile.New(st, nil)
		applied, err := reconciler.ResolveConflict(cmd.Context(), resolveUser, args[0],
			resolve.Strategy(resolveStrategy), payload, resolveBaseVersion)
		if err != nil {
			return err
		}

		fmt.Printf("Conflict %s resolved (%s), sync version %d\n",
			args[0], resolveStrategy, applied.UserVersion)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "user id to inspect")

	resolveCmd.Flags().StringVar(&resolveUser, "user", "", "user id the conflict belongs to")
	resolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "", "use_local, use_remote, or merge")
	resolveCmd.Flags().StringVar(&resolvePayload, "payload", "", "merged payload JSON (for --strategy merge)")
	resolveCmd.Flags().Int64Var(&resolveBaseVersion, "base-version", 0, "aggregate version the resolution is made against")
}
