// Package telegram implements the Telegram channel using the Bot API over
// plain HTTP.
//
// Features:
//   - Long polling for updates (getUpdates)
//   - Text and voice note messages, private and group chats
//   - Reply-to-bot detection using the identity returned by getMe
//   - Voice download via getFile
//   - Typing indicators (sendChatAction)
//   - HTML formatting for outgoing messages, with a plain-text retry
//   - Splitting of replies longer than 4096 characters
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/format"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// maxMessageLen is the Bot API limit on message text, in characters.
const maxMessageLen = 4096

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts which chat IDs the bot listens to.
	// Empty means all chats.
	AllowedChats []int64 `yaml:"allowed_chats"`

	// RespondToGroups forwards group and supergroup messages.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RespondToDMs forwards private chat messages.
	RespondToDMs bool `yaml:"respond_to_dms"`

	// SendTyping shows "typing..." while a reply is being prepared.
	SendTyping bool `yaml:"send_typing"`

	// ParseMode for outgoing messages ("HTML", "Markdown" or "" for none).
	ParseMode string `yaml:"parse_mode"`

	// APIBase overrides DefaultAPIBase.
	APIBase string `yaml:"api_base,omitempty"`

	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RespondToGroups: true,
		RespondToDMs:    true,
		SendTyping:      true,
		ParseMode:       "HTML",
		PollTimeout:     30,
	}
}

// Telegram implements channels.Channel, channels.MediaChannel,
// channels.PresenceChannel and channels.Formatter.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// baseURL is <api>/bot<token>; fileURL is <api>/file/bot<token>.
	baseURL string
	fileURL string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update ID + 1.
	offset int64

	// bot identity from getMe.
	botID       int64
	botUsername string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.RWMutex
}

// New creates a new Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		baseURL:  base + "/bot" + cfg.Token,
		fileURL:  base + "/file/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token with getMe and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	me, err := t.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}

	t.mu.Lock()
	t.botID = me.ID
	t.botUsername = me.Username
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	go t.pollLoop()
	return nil
}

// Disconnect stops the polling loop and waits for it to exit.
func (t *Telegram) Disconnect() error {
	t.mu.RLock()
	cancel, done := t.cancel, t.done
	t.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send sends a text message to the specified chat.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	for i, chunk := range splitMessage(message.Content, maxMessageLen) {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if t.cfg.ParseMode != "" {
			payload["parse_mode"] = t.cfg.ParseMode
		}
		// Only the first chunk quotes the original message.
		if i == 0 && message.ReplyTo != "" {
			if msgID, e := strconv.ParseInt(message.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{
					"message_id":                  msgID,
					"allow_sending_without_reply": true,
				}
			}
		}
		if err := t.sendText(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// sendText calls sendMessage. When Telegram rejects the markup it retries
// once as plain text.
func (t *Telegram) sendText(ctx context.Context, payload map[string]any) error {
	_, err := t.apiCall(ctx, "sendMessage", payload)
	if err == nil || payload["parse_mode"] == nil || !isParseError(err) {
		return err
	}
	t.logger.Warn("telegram: formatted message rejected, sending as plain text", "error", err)

	delete(payload, "parse_mode")
	payload["text"] = stripHTML(payload["text"].(string))
	_, err = t.apiCall(ctx, "sendMessage", payload)
	return err
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// IsConnected returns true if the bot is connected.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// BotUsername returns the username reported by getMe, without "@".
func (t *Telegram) BotUsername() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.botUsername
}

// FormatText converts Markdown to the configured parse mode.
func (t *Telegram) FormatText(text string) string {
	if strings.EqualFold(t.cfg.ParseMode, "HTML") {
		return format.Telegram(text)
	}
	return text
}

// ---------- MediaChannel Interface ----------

// DownloadMedia downloads the voice note or audio of an incoming message.
func (t *Telegram) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.URL == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}

	// Media.URL holds the file_id; getFile resolves it to a path.
	fileInfo, err := t.getFile(ctx, msg.Media.URL)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: getFile failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileURL+"/"+fileInfo.FilePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download status %d: %w", resp.StatusCode, channels.ErrMediaDownloadFailed)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: reading media: %w", err)
	}
	return data, msg.Media.MimeType, nil
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a "typing..." chat action. Disabled or invalid targets
// are ignored.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	if !t.connected.Load() || !t.cfg.SendTyping {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// ---------- Internal Methods ----------

// pollLoop runs the getUpdates long-polling loop.
func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.ctx, t.offset, 100, t.cfg.PollTimeout)
		if err != nil {
			if t.ctx.Err() != nil {
				t.logger.Info("telegram: polling stopped")
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if incoming := t.processUpdate(u); incoming != nil {
				t.lastMsg.Store(time.Now())
				select {
				case t.messages <- incoming:
				default:
					t.logger.Warn("telegram: message buffer full, dropping message", "msg_id", incoming.ID)
				}
			}
		}
	}
}

// processUpdate converts an update into an IncomingMessage, or nil when the
// update carries nothing to relay.
func (t *Telegram) processUpdate(u tgUpdate) *channels.IncomingMessage {
	msg := u.Message
	if msg == nil {
		return nil
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"

	if len(t.cfg.AllowedChats) > 0 {
		allowed := false
		for _, id := range t.cfg.AllowedChats {
			if id == msg.Chat.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}
	}
	if isGroup && !t.cfg.RespondToGroups {
		return nil
	}
	if !isGroup && !t.cfg.RespondToDMs {
		return nil
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:   isGroup,
		Type:      channels.MessageText,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
		Metadata: map[string]any{
			"chat_type":  msg.Chat.Type,
			"chat_title": msg.Chat.Title,
		},
	}

	if msg.From != nil {
		incoming.From = strconv.FormatInt(msg.From.ID, 10)
		incoming.FromUsername = msg.From.Username
		incoming.FromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if incoming.FromName == "" {
			incoming.FromName = msg.From.Username
		}
	}

	if r := msg.ReplyToMessage; r != nil {
		reply := &channels.ReplyInfo{
			MessageID: strconv.Itoa(r.MessageID),
			Content:   r.Text,
		}
		if r.From != nil {
			reply.FromID = strconv.FormatInt(r.From.ID, 10)
			reply.FromUsername = r.From.Username
			t.mu.RLock()
			reply.FromBot = t.botID != 0 && r.From.ID == t.botID
			t.mu.RUnlock()
		}
		incoming.ReplyTo = reply
	}

	switch {
	case msg.Voice != nil:
		incoming.Type = channels.MessageVoice
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageVoice,
			URL:      msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			FileSize: uint64(msg.Voice.FileSize),
			Duration: uint32(msg.Voice.Duration),
		}
	case msg.Audio != nil:
		incoming.Type = channels.MessageAudio
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			URL:      msg.Audio.FileID,
			MimeType: msg.Audio.MimeType,
			FileSize: uint64(msg.Audio.FileSize),
			Duration: uint32(msg.Audio.Duration),
			Filename: msg.Audio.FileName,
		}
	case len(msg.Photo) > 0:
		incoming.Type = channels.MessageImage
		incoming.Content = msg.Caption
	case msg.Document != nil:
		incoming.Type = channels.MessageDocument
		incoming.Content = msg.Caption
	case msg.Sticker != nil:
		incoming.Type = channels.MessageSticker
	case msg.Text == "":
		return nil
	}

	return incoming
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID      int         `json:"message_id"`
	From           *tgUser     `json:"from"`
	Chat           tgChat      `json:"chat"`
	Date           int         `json:"date"`
	Text           string      `json:"text"`
	Caption        string      `json:"caption"`
	ReplyToMessage *tgMessage  `json:"reply_to_message"`
	Voice          *tgVoice    `json:"voice"`
	Audio          *tgAudio    `json:"audio"`
	Photo          []tgPhoto   `json:"photo"`
	Document       *tgDocument `json:"document"`
	Sticker        *tgSticker  `json:"sticker"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"` // "private", "group", "supergroup", "channel"
	Title string `json:"title"`
}

type tgVoice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgAudio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
	FileSize int    `json:"file_size"`
}

type tgPhoto struct {
	FileID string `json:"file_id"`
}

type tgDocument struct {
	FileID string `json:"file_id"`
}

type tgSticker struct {
	FileID string `json:"file_id"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
	FileSize int    `json:"file_size"`
}

// ---------- API Helpers ----------

// apiCall POSTs a JSON payload to a Bot API method and returns the result
// field of the response envelope.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func isParseError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

var htmlTagRe = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

// stripHTML turns Telegram HTML back into the text it displays.
func stripHTML(s string) string {
	return html.UnescapeString(htmlTagRe.ReplaceAllString(s, ""))
}

// splitMessage cuts text into chunks of at most maxRunes runes, preferring
// a newline in the second half of each chunk.
func splitMessage(text string, maxRunes int) []string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxRunes {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxRunes
		for i := maxRunes - 1; i > maxRunes/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func (t *Telegram) getMe(ctx context.Context) (*tgUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	return &file, nil
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*Telegram)(nil)
	_ channels.MediaChannel    = (*Telegram)(nil)
	_ channels.PresenceChannel = (*Telegram)(nil)
	_ channels.Formatter       = (*Telegram)(nil)
)
