package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/discord"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/telegram"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/gateway"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `chatrelay serve` command that runs the bot.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot on the enabled channels",
		Long: `Connect to the enabled channels (Telegram, Discord) and answer messages.

Without a config file the bot is configured entirely from the environment
(TELEGRAM_TOKEN, TG_BOT_USERNAME, OPENAI_API_KEY, NOTION_TOKEN, ...).

Examples:
  chatrelay serve
  chatrelay serve --channel telegram
  chatrelay serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (telegram, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg, os.Stdout)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	} else {
		logger.Info("no config file found, using environment")
	}
	config.AuditSecrets(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Backends ──
	store, llmClient, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── Register channels ──
	manager := channels.NewManager(logger)
	channelFilter, _ := cmd.Flags().GetStringSlice("channel")

	if shouldEnable("telegram", channelFilter, true) && cfg.Channels.Telegram.Token != "" {
		if err := manager.Register(telegram.New(cfg.Channels.Telegram, logger)); err != nil {
			logger.Error("failed to register Telegram", "error", err)
		}
	}
	if shouldEnable("discord", channelFilter, true) && cfg.Channels.Discord.Token != "" {
		if err := manager.Register(discord.New(cfg.Channels.Discord, logger)); err != nil {
			logger.Error("failed to register Discord", "error", err)
		}
	}
	if !manager.HasChannels() {
		return errors.New("no channel enabled: set TELEGRAM_TOKEN or DISCORD_TOKEN")
	}
	if cfg.BotUsername == "" {
		logger.Warn("no bot username configured, group messages are answered only when they reply to the bot",
			"hint", "set TG_BOT_USERNAME or bot_username")
	}

	// ── Router ──
	metrics := router.NewMetrics(prometheus.DefaultRegisterer)
	rt := router.New(router.Config{
		BotUsername:   cfg.BotUsername,
		HistoryWindow: cfg.HistoryWindow,
		Greeting:      cfg.Greeting,
	}, store, llmClient, manager, logger,
		router.WithTranscriber(llmClient),
		router.WithMetrics(metrics),
	)

	if err := manager.Start(ctx); err != nil {
		return err
	}

	routerDone := make(chan struct{})
	go func() {
		rt.Run(ctx, manager.Messages())
		close(routerDone)
	}()

	// ── Gateway ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, manager, gateway.Options{
			Version:      version,
			History:      store,
			DefaultLimit: cfg.HistoryWindow,
		}, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
			gw = nil
		}
	}

	// ── Wait for shutdown ──
	logger.Info("chatrelay running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", llmClient.Model(),
		"history", cfg.History.Backend,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		<-routerDone
		if gw != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancelShutdown()
		}
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// shouldEnable reports whether a channel is selected by the --channel
// filter.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
