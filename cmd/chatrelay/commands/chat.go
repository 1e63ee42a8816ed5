package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/console"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/format"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/router"
	"github.com/spf13/cobra"
)

// newChatCmd creates the `chatrelay chat` command for local conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the bot from the terminal",
		Long: `Send a single message, or start an interactive session when no message
is given. Messages go through the same history store and completion model
as the bot, under the conversation id "console" (see --conversation).

Examples:
  chatrelay chat "Summarize our last talk"
  chatrelay chat`,
		RunE: runChat,
	}
	cmd.Flags().String("conversation", "console", "conversation id to store the messages under")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	// Logs would interleave with the conversation; keep them quiet.
	if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = "text"
	logger := newLogger(cmd, cfg, os.Stderr)

	conversation, _ := cmd.Flags().GetString("conversation")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, llmClient, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	routerCfg := router.Config{
		BotUsername:   cfg.BotUsername,
		HistoryWindow: cfg.HistoryWindow,
		Greeting:      cfg.Greeting,
		MaxConcurrent: 1,
	}

	// ── One-shot ──
	if len(args) > 0 {
		out := &writerOutbound{w: cmd.OutOrStdout()}
		rt := router.New(routerCfg, store, llmClient, out, logger)
		con := console.New(console.Config{ConversationID: conversation}, logger)
		return rt.Handle(ctx, con.NewMessage(strings.Join(args, " ")))
	}

	// ── Interactive ──
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyFile = filepath.Join(home, ".chatrelay_history")
	}
	con := console.New(console.Config{ConversationID: conversation, HistoryFile: historyFile}, logger)

	manager := channels.NewManager(logger)
	if err := manager.Register(con); err != nil {
		return err
	}
	rt := router.New(routerCfg, store, llmClient, manager, logger)

	fmt.Fprintf(cmd.OutOrStdout(), "chatrelay %s (%s). Type /exit to quit.\n\n", cfg.Name, llmClient.Model())
	if err := manager.Start(ctx); err != nil {
		return err
	}

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stopSignals()
	runUntil(sigCtx, func(ctx context.Context) { rt.Run(ctx, manager.Messages()) }, con.Done())

	manager.Stop()
	return nil
}

// runUntil runs run in the background until stop is closed or ctx is done,
// then cancels it and waits for it to return.
func runUntil(ctx context.Context, run func(context.Context), stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		run(ctx)
	}()

	select {
	case <-stop:
	case <-ctx.Done():
	}
	cancel()
	<-done
}

// writerOutbound prints replies to a writer; used for one-shot chat.
type writerOutbound struct {
	w io.Writer
}

func (o *writerOutbound) Send(_ context.Context, _, _ string, msg *channels.OutgoingMessage) error {
	_, err := fmt.Fprintln(o.w, format.Plain(msg.Content))
	return err
}

func (o *writerOutbound) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	return nil, "", channels.ErrMediaNotSupported
}

var _ router.Outbound = (*writerOutbound)(nil)
