package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/history"
	"github.com/spf13/cobra"
)

// newHistoryCmd creates the `chatrelay history` command.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the stored history of a conversation",
		Long: `Print the most recent records of a conversation, oldest first.

Examples:
  chatrelay history 123456789
  chatrelay history console --limit 50
  chatrelay history 123456789 --json`,
		Args: cobra.ExactArgs(1),
		RunE: runHistory,
	}
	cmd.Flags().IntP("limit", "n", 0, "number of records (default: history_window)")
	cmd.Flags().Bool("json", false, "print records as JSON")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Logging.Format = "text"
	if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cmd, cfg, os.Stderr)

	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		limit = cfg.HistoryWindow
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := history.Open(ctx, cfg.History, logger)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer store.Close()

	records, err := store.Recent(ctx, args[0], limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(records) == 0 {
		fmt.Fprintf(out, "No history for %s.\n", args[0])
		return nil
	}
	for _, r := range records {
		ts := "-"
		if !r.CreatedAt.IsZero() {
			ts = r.CreatedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(out, "[%s] %s\n", ts, r.Content)
	}
	return nil
}
