package cmd

import (
	"errors"
	"log/slog"

	"github.com/MeKo-Tech/leafy/internal/history"
	"github.com/spf13/cobra"
)

// historyCmd prints stored detection records.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded detections",
	Long: `Open the configured detection history and print records as JSON,
newest first. Select one user with --user or the anonymous submissions
with --anonymous.

Examples:
  leafy history --user alice --limit 10
  leafy history --anonymous`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		anonymous, _ := cmd.Flags().GetBool("anonymous")
		limit, _ := cmd.Flags().GetInt("limit")
		if (user == "") == !anonymous {
			return errors.New("exactly one of --user or --anonymous is required")
		}

		ctx := contextOf(cmd)
		store, _, err := history.Open(ctx, GetConfig().ToHistoryConfig(), slog.Default())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		var records []history.Record
		if anonymous {
			records, err = store.ListAnonymous(ctx, limit)
		} else {
			records, err = store.ListByUser(ctx, user, limit)
		}
		if err != nil {
			return err
		}
		if records == nil {
			records = []history.Record{}
		}
		return printJSON(cmd.OutOrStdout(), records)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().String("user", "", "list the records of this user")
	historyCmd.Flags().Bool("anonymous", false, "list anonymous records")
	historyCmd.Flags().Int("limit", 20, "maximum number of records (0 for all)")
}
