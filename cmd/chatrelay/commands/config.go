package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newConfigCmd creates the `chatrelay config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file and stored secrets",
		Long: `Manage the configuration.

Examples:
  chatrelay config init
  chatrelay config show
  chatrelay config set-key OPENAI_API_KEY`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configTarget(cmd)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}

			cfg := config.DefaultConfig()
			cfg.LLM.APIKey = "${OPENAI_API_KEY}"
			cfg.Channels.Telegram.Token = "${TELEGRAM_TOKEN}"
			cfg.History.Notion.Token = "${NOTION_TOKEN}"
			cfg.History.Notion.DatabaseID = "${NOTION_DATABASE_ID}"
			cfg.BotUsername = "${TG_BOT_USERNAME}"
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			masked := *cfg
			masked.LLM.APIKey = maskSecret(cfg.LLM.APIKey)
			masked.Channels.Telegram.Token = maskSecret(cfg.Channels.Telegram.Token)
			masked.Channels.Discord.Token = maskSecret(cfg.Channels.Discord.Token)
			masked.History.Notion.Token = maskSecret(cfg.History.Notion.Token)
			masked.History.PostgreSQL.URL = maskSecret(cfg.History.PostgreSQL.URL)
			masked.History.PostgreSQL.Password = maskSecret(cfg.History.PostgreSQL.Password)
			masked.Gateway.AuthToken = maskSecret(cfg.Gateway.AuthToken)

			data, err := yaml.Marshal(&masked)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path == "" {
				path = "environment"
			}
			fmt.Fprintf(out, "# source: %s\n", path)
			_, err = out.Write(data)
			return err
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <NAME>",
		Short: "Store a secret in the OS keyring",
		Long: "Store a secret in the OS keyring. Accepted names: " + strings.Join(config.SecretNames, ", ") + `.

The value is read from the terminal without echo.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.ToUpper(args[0])
			if !config.IsSecretName(name) {
				return fmt.Errorf("unknown secret %q (accepted: %s)", name, strings.Join(config.SecretNames, ", "))
			}
			if !config.KeyringAvailable() {
				return errors.New("OS keyring unavailable; export the value as an environment variable instead")
			}
			value, err := config.ReadPassword(name + ": ")
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("empty value, nothing stored")
			}
			if err := config.StoreKeyring(name, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stored in keyring\n", name)
			return nil
		},
	}
}

// configTarget is the path config-writing commands use.
func configTarget(cmd *cobra.Command) string {
	if p, _ := cmd.Root().PersistentFlags().GetString("config"); p != "" {
		return p
	}
	return "config.yaml"
}

// maskSecret keeps env references readable and hides literal values.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case config.IsEnvReference(s):
		return s
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****"
	}
}
