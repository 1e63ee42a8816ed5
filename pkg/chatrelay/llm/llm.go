// Package llm wraps the OpenAI-compatible chat completion and audio
// transcription endpoints. Both clients are stateless: every call carries
// its full input.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
	openai "github.com/sashabaranov/go-openai"
)

// Defaults used when the config leaves the fields empty.
const (
	DefaultModel              = "gpt-5"
	DefaultTranscriptionModel = openai.Whisper1
)

// RoleUser is the only role the router submits.
const RoleUser = openai.ChatMessageRoleUser

// ErrNoAPIKey is returned by New without an API key.
var ErrNoAPIKey = errors.New("llm: api key is required")

// Turn is one role-tagged unit of text in a completion request.
type Turn struct {
	Role    string
	Content string
}

// Client talks to the completion and transcription endpoints.
type Client struct {
	api                *openai.Client
	model              string
	transcriptionModel string
	converter          Converter
	logger             *slog.Logger
}

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	converter  Converter
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithConverter replaces the ffmpeg audio converter. A nil converter sends
// voice clips unconverted.
func WithConverter(c Converter) Option {
	return func(o *clientOptions) { o.converter = c }
}

// New creates a Client from the llm config section.
func New(cfg config.LLMConfig, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := clientOptions{
		converter: &FFmpegConverter{Path: cfg.FFmpegPath, OutputFormat: cfg.AudioFormat},
	}
	for _, opt := range opts {
		opt(&o)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	if o.httpClient != nil {
		apiCfg.HTTPClient = o.httpClient
	} else {
		apiCfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}

	c := &Client{
		api:                openai.NewClientWithConfig(apiCfg),
		model:              cfg.Model,
		transcriptionModel: cfg.TranscriptionModel,
		converter:          o.converter,
		logger:             logger.With("component", "llm"),
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.transcriptionModel == "" {
		c.transcriptionModel = DefaultTranscriptionModel
	}
	return c, nil
}

// Model returns the chat completion model name.
func (c *Client) Model() string { return c.model }

// Complete submits turns in order and returns the first choice's text. A
// response without choices or content yields "" and no error.
func (c *Client) Complete(ctx context.Context, turns []Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		role := t.Role
		if role == "" {
			role = RoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}

	c.logger.Debug("completion received",
		"model", c.model,
		"turns", len(turns),
		"choices", len(resp.Choices),
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if len(resp.Choices) == 0 {
		c.logger.Warn("completion returned no choices", "model", c.model)
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe converts a voice clip once and returns its transcript.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("llm: empty audio")
	}

	filename := "voice.ogg"
	if c.converter != nil {
		converted, err := c.converter.Convert(ctx, audio)
		if err != nil {
			return "", fmt.Errorf("llm: converting audio: %w", err)
		}
		audio = converted
		filename = "voice." + c.converter.Format()
	}

	start := time.Now()
	resp, err := c.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.transcriptionModel,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", fmt.Errorf("llm: transcription: %w", err)
	}

	c.logger.Debug("transcription received",
		"model", c.transcriptionModel,
		"size_bytes", len(audio),
		"chars", len(resp.Text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp.Text, nil
}
