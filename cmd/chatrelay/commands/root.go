// Package commands implements the chatrelay CLI with cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay - chat bot relaying Telegram and Discord messages to an LLM",
		Long: `chatrelay relays text and voice messages from Telegram and Discord to an
OpenAI-compatible chat completion service and keeps the conversation history
in Notion, SQLite or PostgreSQL.

Examples:
  chatrelay serve
  chatrelay serve --channel telegram
  chatrelay chat "What time is it?"
  chatrelay history 123456789 --limit 20`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newChatCmd(),
		newHistoryCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
