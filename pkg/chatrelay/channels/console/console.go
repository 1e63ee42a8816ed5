// Package console implements a local terminal channel on top of readline,
// used by `chatrelay chat` to talk to the bot without a messaging platform.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/format"
)

// Config configures the console channel.
type Config struct {
	// ConversationID is the chat ID every console message is stored under.
	ConversationID string

	// User is the sender name attached to messages.
	User string

	// Prompt is the readline prompt.
	Prompt string

	// HistoryFile persists readline history between sessions ("" disables).
	HistoryFile string

	// Stdin and Stdout default to the process streams.
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Console implements channels.Channel and channels.Formatter.
type Console struct {
	cfg    Config
	logger *slog.Logger

	rl  *readline.Instance
	out io.Writer

	messages chan *channels.IncomingMessage
	done     chan struct{}
	seq      atomic.Int64

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time
	closeOnce sync.Once
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = "console"
	}
	if cfg.User == "" {
		cfg.User = "you"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		out:      cfg.Stdout,
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the readline instance and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           c.cfg.Stdin,
		Stdout:          c.cfg.Stdout,
	})
	if err != nil {
		return fmt.Errorf("console: opening readline: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()
	c.connected.Store(true)

	go c.readLoop(ctx)
	return nil
}

// Disconnect closes readline and ends the session.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	if c.rl != nil {
		return c.rl.Close()
	}
	return nil
}

// Done is closed when the user ends the session (EOF, /exit or Ctrl+C on
// an empty line).
func (c *Console) Done() <-chan struct{} { return c.done }

// Send prints a reply.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	_, err := fmt.Fprintf(c.out, "bot> %s\n\n", message.Content)
	return err
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected returns true while the session is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

// FormatText strips Markdown for terminal output.
func (c *Console) FormatText(text string) string { return format.Plain(text) }

// NewMessage builds the IncomingMessage for a line typed by the user.
func (c *Console) NewMessage(line string) *channels.IncomingMessage {
	id := c.seq.Add(1)
	return &channels.IncomingMessage{
		ID:        strconv.FormatInt(id, 10),
		Channel:   "console",
		From:      c.cfg.User,
		FromName:  c.cfg.User,
		ChatID:    c.cfg.ConversationID,
		Type:      channels.MessageText,
		Content:   line,
		Timestamp: time.Now(),
	}
}

func (c *Console) readLoop(ctx context.Context) {
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return
		}

		c.lastMsg.Store(time.Now())
		select {
		case c.messages <- c.NewMessage(line):
		case <-ctx.Done():
			return
		}
	}
}

// Compile-time interface verification.
var (
	_ channels.Channel   = (*Console)(nil)
	_ channels.Formatter = (*Console)(nil)
)
