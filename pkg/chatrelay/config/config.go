// Package config holds the chatrelay configuration model and the loaders
// that build it from YAML files, .env files, the environment and the OS
// keyring.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/discord"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels/telegram"
)

// DefaultHistoryWindow is the number of past records replayed as context.
const DefaultHistoryWindow = 10

// ErrMissingSetting is returned by Validate when a required value is empty.
var ErrMissingSetting = errors.New("missing required setting")

// Config is the top-level chatrelay configuration.
type Config struct {
	// Name is the display name of the bot (used in logs and the console).
	Name string `yaml:"name"`

	// BotUsername identifies the bot inside group messages. A group message
	// is answered only when it contains this string or replies to the bot.
	BotUsername string `yaml:"bot_username"`

	// HistoryWindow is how many stored records are replayed per request.
	HistoryWindow int `yaml:"history_window"`

	// Greeting is the reply to the /start command.
	Greeting string `yaml:"greeting"`

	Logging  LoggingConfig  `yaml:"logging"`
	Channels ChannelsConfig `yaml:"channels"`
	LLM      LLMConfig      `yaml:"llm"`
	History  HistoryConfig  `yaml:"history"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// ChannelsConfig groups the messaging channel settings.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
}

// LLMConfig configures the chat completion and transcription clients.
type LLMConfig struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	Model              string `yaml:"model"`
	TranscriptionModel string `yaml:"transcription_model"`

	// AudioFormat is the container voice clips are converted to before
	// transcription.
	AudioFormat string `yaml:"audio_format"`

	// FFmpegPath overrides the ffmpeg binary lookup.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// HistoryConfig selects and configures the history store backend.
type HistoryConfig struct {
	// Backend is "notion", "sqlite" or "postgresql".
	Backend    string           `yaml:"backend"`
	Notion     NotionConfig     `yaml:"notion"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// NotionConfig points at the Notion database that stores messages.
type NotionConfig struct {
	Token      string `yaml:"token"`
	DatabaseID string `yaml:"database_id"`
	APIBase    string `yaml:"api_base"`
	Version    string `yaml:"version"`

	// OrderProperty optionally names a number property used for ordering.
	OrderProperty string `yaml:"order_property"`
}

// SQLiteConfig configures the local SQLite history file.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// PostgreSQLConfig configures the PostgreSQL history backend. URL takes
// precedence over the discrete connection fields.
type PostgreSQLConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// GatewayConfig configures the health/metrics HTTP endpoint.
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Name:          "chatrelay",
		HistoryWindow: DefaultHistoryWindow,
		Greeting:      "Hello! I'm your AI assistant. Send a text or voice message.",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
		},
		LLM: LLMConfig{
			Model:              "gpt-5",
			TranscriptionModel: "whisper-1",
			AudioFormat:        "wav",
		},
		History: HistoryConfig{
			Backend: "notion",
			Notion: NotionConfig{
				APIBase: "https://api.notion.com/v1",
				Version: "2022-06-28",
			},
			SQLite: SQLiteConfig{
				Path:        "./data/chatrelay.db",
				JournalMode: "WAL",
				BusyTimeout: 5000,
			},
			PostgreSQL: PostgreSQLConfig{
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Gateway: GatewayConfig{
			Address: "127.0.0.1:8085",
		},
	}
}

// Validate reports the first missing setting needed to serve. Channel
// tokens are not checked here since serve enables channels selectively.
func (c *Config) Validate() error {
	if c.HistoryWindow < 0 {
		return fmt.Errorf("history_window must be >= 0, got %d", c.HistoryWindow)
	}
	if c.LLM.APIKey == "" || IsEnvReference(c.LLM.APIKey) {
		return fmt.Errorf("%w: llm.api_key (OPENAI_API_KEY)", ErrMissingSetting)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("%w: llm.model (OPENAI_MODEL)", ErrMissingSetting)
	}

	switch strings.ToLower(c.History.Backend) {
	case "", "notion":
		if c.History.Notion.Token == "" || IsEnvReference(c.History.Notion.Token) {
			return fmt.Errorf("%w: history.notion.token (NOTION_TOKEN)", ErrMissingSetting)
		}
		if c.History.Notion.DatabaseID == "" || IsEnvReference(c.History.Notion.DatabaseID) {
			return fmt.Errorf("%w: history.notion.database_id (NOTION_DATABASE_ID)", ErrMissingSetting)
		}
	case "sqlite":
		if c.History.SQLite.Path == "" {
			return fmt.Errorf("%w: history.sqlite.path", ErrMissingSetting)
		}
	case "postgresql", "postgres":
		if c.History.PostgreSQL.URL == "" && c.History.PostgreSQL.Database == "" {
			return fmt.Errorf("%w: history.postgresql.url or history.postgresql.database", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	return nil
}
