// Package channels defines the interfaces and types shared by chatrelay's
// messaging channels. Each channel (Telegram, Discord, console) implements
// Channel so the router can receive events and send replies uniformly.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageVoice    MessageType = "voice"
	MessageAudio    MessageType = "audio"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
)

// Channel defines the interface every messaging channel implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a message to the given chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with media download, needed for voice.
type MediaChannel interface {
	Channel

	// DownloadMedia downloads media from an incoming message.
	// Returns the raw bytes and MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// PresenceChannel extends Channel with a typing indicator.
type PresenceChannel interface {
	Channel

	// SendTyping sends a "typing..." indicator to the chat.
	SendTyping(ctx context.Context, to string) error
}

// Formatter is implemented by channels that need outgoing text rewritten
// for their markup (e.g. Markdown to Telegram HTML).
type Formatter interface {
	FormatText(text string) string
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string `json:"id"`

	// Channel identifies the source channel (e.g. "telegram").
	Channel string `json:"channel"`

	// From is the sender identifier on the platform.
	From string `json:"from"`

	// FromName is the sender display name (if available).
	FromName string `json:"from_name,omitempty"`

	// FromUsername is the sender handle (if available).
	FromUsername string `json:"from_username,omitempty"`

	// ChatID identifies the conversation.
	ChatID string `json:"chat_id"`

	// IsGroup indicates a multi-party conversation.
	IsGroup bool `json:"is_group"`

	// Type is the message content type.
	Type MessageType `json:"type"`

	// Content is the text of the message.
	Content string `json:"content,omitempty"`

	// Timestamp is when the message was sent.
	Timestamp time.Time `json:"timestamp"`

	// ReplyTo is the ID of the message being replied to, if any.
	ReplyTo *ReplyInfo `json:"reply_to,omitempty"`

	// Media describes an attachment (voice notes included).
	Media *MediaInfo `json:"media,omitempty"`

	// Metadata carries channel-specific extras.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReplyInfo describes the message an incoming message replies to.
type ReplyInfo struct {
	MessageID    string `json:"message_id"`
	FromID       string `json:"from_id,omitempty"`
	FromUsername string `json:"from_username,omitempty"`
	Content      string `json:"content,omitempty"`

	// FromBot is set when the channel knows the quoted message was authored
	// by this bot.
	FromBot bool `json:"from_bot"`
}

// IsReplyToBot reports whether msg replies to a message from the bot. The
// channel's own flag wins; otherwise the quoted author's handle is compared
// to botUsername, ignoring a leading "@".
func (m *IncomingMessage) IsReplyToBot(botUsername string) bool {
	if m.ReplyTo == nil {
		return false
	}
	if m.ReplyTo.FromBot {
		return true
	}
	name := trimAt(botUsername)
	return name != "" && trimAt(m.ReplyTo.FromUsername) == name
}

func trimAt(s string) string {
	if len(s) > 0 && s[0] == '@' {
		return s[1:]
	}
	return s
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text of the message.
	Content string

	// ReplyTo is the ID of the message to reply to.
	ReplyTo string

	// Metadata carries channel-specific extras.
	Metadata map[string]any
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type     MessageType `json:"type"`
	MimeType string      `json:"mime_type,omitempty"`
	Filename string      `json:"filename,omitempty"`
	FileSize uint64      `json:"file_size,omitempty"`
	Duration uint32      `json:"duration,omitempty"`

	// URL is a download URL or a platform file reference (Telegram file_id).
	URL string `json:"url,omitempty"`
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	ErrorCount    int       `json:"error_count"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrChannelNotFound     = errors.New("channel not found")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
	ErrMediaDownloadFailed = errors.New("failed to download media")
)
