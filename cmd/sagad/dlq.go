package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/model"
)

var dlqCmd = &cobra.Command{
	Use:     "dlq",
	Short:   "Inspect and resolve dead-letter entries",
	GroupID: "records",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	Long: `List dead-letter entries. Without --tenant only unresolved entries are
shown, oldest first; with --tenant all of the tenant's entries are shown,
newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				entries []*model.DeadLetterEntry
				err     error
			)
			if tenant != "" {
				entries, err = a.sink.GetEntriesByTenant(ctx, tenant, limit)
			} else {
				entries, err = a.sink.GetUnresolvedEntries(ctx, limit)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			printDeadLetterList(cmd.OutOrStdout(), entries)
			return nil
		})
	},
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a dead-letter entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			e, err := a.sink.GetEntry(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), e)
			}
			printDeadLetter(cmd.OutOrStdout(), e)
			return nil
		})
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a dead-letter entry as handled",
	Long: `Mark a dead-letter entry as handled. Resolving an entry twice keeps the
first resolution time and notes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			e, err := a.sink.ResolveEntry(ctx, args[0], notes)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s at %s\n", e.ID, formatTime(e.ResolvedAt))
			return nil
		})
	},
}

func init() {
	dlqListCmd.Flags().String("tenant", "", "show all entries of this tenant")
	dlqListCmd.Flags().Int("limit", 0, "maximum number of entries (default 100)")

	dlqResolveCmd.Flags().String("notes", "", "resolution notes")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqResolveCmd)
}
