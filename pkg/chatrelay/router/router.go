// Package router decides, for every inbound channel event, whether the bot
// answers it, and runs the answer through history, completion and the
// outbound channel.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/history"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/llm"
)

// DefaultGreeting is the /start reply.
const DefaultGreeting = "Hello! I'm your AI assistant. Send a text or voice message."

// voiceReplyFormat wraps a voice answer with the transcript it answers.
const voiceReplyFormat = "🗣️ **You said:** %s\n\n🤖 **Assistant says:** %s"

// ErrNoTranscriber is returned for voice events when no transcriber is set.
var ErrNoTranscriber = errors.New("router: voice message received but transcription is not configured")

// HistoryStore is the part of history.Store the router uses.
type HistoryStore interface {
	Append(ctx context.Context, conversationID, text string, raw any) error
	Recent(ctx context.Context, conversationID string, limit int) ([]history.Record, error)
}

// Completer produces a reply from an ordered list of turns.
type Completer interface {
	Complete(ctx context.Context, turns []llm.Turn) (string, error)
}

// Transcriber turns a voice clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Outbound delivers replies and fetches media. channels.Manager implements
// it.
type Outbound interface {
	Send(ctx context.Context, channelName, to string, msg *channels.OutgoingMessage) error
	DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error)
}

// typingNotifier is implemented by outbounds that can show "typing...".
type typingNotifier interface {
	SendTyping(ctx context.Context, channelName, to string) error
}

// Config holds the router policy settings.
type Config struct {
	// BotUsername is matched as a substring of group messages. Empty means
	// group messages are only answered when they reply to the bot.
	BotUsername string

	// HistoryWindow is the number of past records replayed as context.
	HistoryWindow int

	// Greeting answers /start. Empty uses DefaultGreeting.
	Greeting string

	// MaxConcurrent bounds events handled at once by Run (default 16).
	MaxConcurrent int
}

type outcome string

const (
	outcomeIgnored outcome = "ignored"
	outcomeGreeted outcome = "greeted"
	outcomeReplied outcome = "replied"
	outcomeFailed  outcome = "failed"
)

// Router applies the response policy to inbound events.
type Router struct {
	cfg         Config
	store       HistoryStore
	completer   Completer
	transcriber Transcriber
	out         Outbound
	metrics     *Metrics
	logger      *slog.Logger

	queuesMu sync.Mutex
	queues   map[string]*conversationQueue
}

// conversationQueue holds events of one conversation awaiting its worker.
type conversationQueue struct {
	pending []*channels.IncomingMessage
}

// Option customizes a Router.
type Option func(*Router)

// WithTranscriber enables voice messages.
func WithTranscriber(t Transcriber) Option {
	return func(r *Router) { r.transcriber = t }
}

// WithMetrics records event outcomes and latencies.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router.
func New(cfg Config, store HistoryStore, completer Completer, out Outbound, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	r := &Router{
		cfg:       cfg,
		store:     store,
		completer: completer,
		out:       out,
		logger:    logger.With("component", "router"),
		queues:    make(map[string]*conversationQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run handles messages from in until it is closed or ctx is done, then
// waits for in-flight events. Events of one conversation are handled in
// arrival order; different conversations proceed concurrently.
func (r *Router) Run(ctx context.Context, in <-chan *channels.IncomingMessage) {
	sem := make(chan struct{}, r.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg != nil {
				r.enqueue(ctx, &wg, sem, msg)
			}
		}
	}
}

// enqueue appends msg to its conversation queue, starting a worker for the
// conversation when none is running.
func (r *Router) enqueue(ctx context.Context, wg *sync.WaitGroup, sem chan struct{}, msg *channels.IncomingMessage) {
	key := msg.Channel + ":" + msg.ChatID

	r.queuesMu.Lock()
	if q, ok := r.queues[key]; ok {
		q.pending = append(q.pending, msg)
		r.queuesMu.Unlock()
		return
	}
	q := &conversationQueue{pending: []*channels.IncomingMessage{msg}}
	r.queues[key] = q
	r.queuesMu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			r.queuesMu.Lock()
			if len(q.pending) == 0 || ctx.Err() != nil {
				delete(r.queues, key)
				r.queuesMu.Unlock()
				return
			}
			next := q.pending[0]
			q.pending = q.pending[1:]
			r.queuesMu.Unlock()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				continue
			}
			if err := r.Handle(ctx, next); err != nil {
				r.logger.Error("failed to handle message",
					"channel", next.Channel, "chat", next.ChatID, "msg_id", next.ID, "error", err)
			}
			<-sem
		}
	}()
}

// Handle processes one inbound event: it answers, or returns nil without
// touching the store, the completion service or the channel.
func (r *Router) Handle(ctx context.Context, msg *channels.IncomingMessage) error {
	if msg == nil {
		return nil
	}

	var (
		o   outcome
		err error
	)
	switch msg.Type {
	case channels.MessageText:
		o, err = r.handleText(ctx, msg)
	case channels.MessageVoice:
		o, err = r.handleVoice(ctx, msg)
	default:
		o = outcomeIgnored
	}
	if err != nil {
		o = outcomeFailed
	}
	r.metrics.observeEvent(msg.Channel, string(msg.Type), o)
	return err
}

func (r *Router) handleText(ctx context.Context, msg *channels.IncomingMessage) (outcome, error) {
	text := msg.Content

	if cmd, ok := command(text); ok {
		if cmd != "start" {
			return outcomeIgnored, nil
		}
		r.logger.Info("/start command", "channel", msg.Channel, "chat", msg.ChatID, "from", msg.From)
		if err := r.send(ctx, msg, r.cfg.Greeting); err != nil {
			return outcomeFailed, err
		}
		return outcomeGreeted, nil
	}

	if msg.IsGroup && !r.addressed(msg) {
		return outcomeIgnored, nil
	}

	r.logger.Info("text message", "channel", msg.Channel, "chat", msg.ChatID, "from", msg.From, "chars", len(text))
	r.typing(ctx, msg)

	reply, err := r.respond(ctx, msg, text)
	if err != nil {
		return outcomeFailed, err
	}
	if err := r.send(ctx, msg, reply); err != nil {
		return outcomeFailed, err
	}
	return outcomeReplied, nil
}

func (r *Router) handleVoice(ctx context.Context, msg *channels.IncomingMessage) (outcome, error) {
	if r.transcriber == nil {
		return outcomeFailed, ErrNoTranscriber
	}
	r.typing(ctx, msg)

	audio, _, err := r.out.DownloadMedia(ctx, msg)
	if err != nil {
		r.metrics.observeFailure("download")
		return outcomeFailed, fmt.Errorf("router: downloading voice: %w", err)
	}

	start := time.Now()
	transcript, err := r.transcriber.Transcribe(ctx, audio)
	r.metrics.observeTranscription(time.Since(start).Seconds())
	if err != nil {
		r.metrics.observeFailure("transcription")
		return outcomeFailed, fmt.Errorf("router: transcribing voice: %w", err)
	}
	r.logger.Info("voice message transcribed", "channel", msg.Channel, "chat", msg.ChatID, "chars", len(transcript))

	reply, err := r.respond(ctx, msg, transcript)
	if err != nil {
		return outcomeFailed, err
	}
	if err := r.send(ctx, msg, fmt.Sprintf(voiceReplyFormat, transcript, reply)); err != nil {
		return outcomeFailed, err
	}
	return outcomeReplied, nil
}

// respond reads the history window, stores the input, asks for a completion
// and stores the reply. The window is read before the input is written so
// the input appears once, as the last turn.
func (r *Router) respond(ctx context.Context, msg *channels.IncomingMessage, input string) (string, error) {
	window, err := r.store.Recent(ctx, msg.ChatID, r.cfg.HistoryWindow)
	if err != nil {
		r.metrics.observeFailure("history_read")
		return "", fmt.Errorf("router: reading history: %w", err)
	}

	turns := make([]llm.Turn, 0, len(window)+1)
	for _, rec := range window {
		turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: rec.Content})
	}
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Content: input})

	if err := r.store.Append(ctx, msg.ChatID, input, msg); err != nil {
		r.metrics.observeFailure("history_write")
		return "", fmt.Errorf("router: storing input: %w", err)
	}

	start := time.Now()
	reply, err := r.completer.Complete(ctx, turns)
	r.metrics.observeCompletion(time.Since(start).Seconds())
	if err != nil {
		r.metrics.observeFailure("completion")
		return "", fmt.Errorf("router: completion: %w", err)
	}

	raw := map[string]string{"reply_to": input, "reply": reply}
	if err := r.store.Append(ctx, msg.ChatID, reply, raw); err != nil {
		r.metrics.observeFailure("history_write")
		return "", fmt.Errorf("router: storing reply: %w", err)
	}
	return reply, nil
}

func (r *Router) send(ctx context.Context, msg *channels.IncomingMessage, content string) error {
	err := r.out.Send(ctx, msg.Channel, msg.ChatID, &channels.OutgoingMessage{
		Content: content,
		ReplyTo: msg.ID,
	})
	if err != nil {
		r.metrics.observeFailure("send")
		return fmt.Errorf("router: sending reply: %w", err)
	}
	return nil
}

// addressed reports whether a group message is meant for the bot.
func (r *Router) addressed(msg *channels.IncomingMessage) bool {
	if r.cfg.BotUsername != "" && strings.Contains(msg.Content, r.cfg.BotUsername) {
		return true
	}
	return msg.IsReplyToBot(r.cfg.BotUsername)
}

func (r *Router) typing(ctx context.Context, msg *channels.IncomingMessage) {
	tn, ok := r.out.(typingNotifier)
	if !ok {
		return
	}
	if err := tn.SendTyping(ctx, msg.Channel, msg.ChatID); err != nil {
		r.logger.Debug("typing indicator failed", "chat", msg.ChatID, "error", err)
	}
}

// command returns the command name of a slash command ("/start@bot x" ->
// "start").
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.TrimPrefix(strings.Fields(text + " ")[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), true
}
