package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HistoryWindow != 10 {
		t.Errorf("HistoryWindow = %d, want 10", cfg.HistoryWindow)
	}
	if cfg.LLM.Model != "gpt-5" {
		t.Errorf("LLM.Model = %q, want gpt-5", cfg.LLM.Model)
	}
	if cfg.LLM.TranscriptionModel != "whisper-1" {
		t.Errorf("LLM.TranscriptionModel = %q, want whisper-1", cfg.LLM.TranscriptionModel)
	}
	if cfg.History.Backend != "notion" {
		t.Errorf("History.Backend = %q, want notion", cfg.History.Backend)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("CR_TEST_SET", "value")

	tests := []struct {
		input string
		want  string
	}{
		{"${CR_TEST_SET}", "value"},
		{"$CR_TEST_SET", "value"},
		{"${CR_TEST_UNSET}", "${CR_TEST_UNSET}"},
		{"${CR_TEST_UNSET:-fallback}", "fallback"},
		{"${CR_TEST_SET:-fallback}", "value"},
		{"key: ${CR_TEST_SET}/x", "key: value/x"},
		{"no refs here", "no refs here"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVarsWithValidation_RequiredMissing(t *testing.T) {
	_, err := expandEnvVarsWithValidation("token: ${CR_TEST_REQUIRED:?set the token}\nother: x")
	if err == nil {
		t.Fatal("expected error for missing required variable")
	}
	if !strings.Contains(err.Error(), "CR_TEST_REQUIRED") || !strings.Contains(err.Error(), "set the token") {
		t.Errorf("error = %q, want variable name and message", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	keyring.MockInit()
	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("NOTION_TOKEN", "")
	t.Setenv("OPENAI_MODEL", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
bot_username: relaybot
history_window: 5
llm:
  api_key: ${OPENAI_API_KEY}
history:
  backend: sqlite
  sqlite:
    path: data/history.db
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.BotUsername != "relaybot" {
		t.Errorf("BotUsername = %q, want relaybot", cfg.BotUsername)
	}
	if cfg.HistoryWindow != 5 {
		t.Errorf("HistoryWindow = %d, want 5", cfg.HistoryWindow)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("LLM.APIKey = %q, want sk-from-env", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-5" {
		t.Errorf("LLM.Model = %q, want default gpt-5", cfg.LLM.Model)
	}
	wantPath := filepath.Join(dir, "data", "history.db")
	if cfg.History.SQLite.Path != wantPath {
		t.Errorf("SQLite.Path = %q, want %q", cfg.History.SQLite.Path, wantPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestResolveSecrets_KeyringFallback(t *testing.T) {
	keyring.MockInit()
	t.Setenv("NOTION_TOKEN", "")
	if err := StoreKeyring("NOTION_TOKEN", "secret_from_keyring"); err != nil {
		t.Fatalf("StoreKeyring: %v", err)
	}
	defer DeleteKeyring("NOTION_TOKEN")

	cfg := DefaultConfig()
	resolveSecrets(cfg)

	if cfg.History.Notion.Token != "secret_from_keyring" {
		t.Errorf("Notion.Token = %q, want keyring value", cfg.History.Notion.Token)
	}
}

func TestResolveSecrets_ExplicitValueWins(t *testing.T) {
	keyring.MockInit()
	t.Setenv("TELEGRAM_TOKEN", "from-env")

	cfg := DefaultConfig()
	cfg.Channels.Telegram.Token = "from-file"
	resolveSecrets(cfg)

	if cfg.Channels.Telegram.Token != "from-file" {
		t.Errorf("Telegram.Token = %q, want from-file", cfg.Channels.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "sk-test"
		cfg.History.Notion.Token = "secret_x"
		cfg.History.Notion.DatabaseID = "db"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid notion", func(*Config) {}, false},
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }, true},
		{"unexpanded api key", func(c *Config) { c.LLM.APIKey = "${OPENAI_API_KEY}" }, true},
		{"missing notion database", func(c *Config) { c.History.Notion.DatabaseID = "" }, true},
		{"sqlite needs no notion", func(c *Config) {
			c.History.Backend = "sqlite"
			c.History.Notion = NotionConfig{}
		}, false},
		{"postgres without target", func(c *Config) { c.History.Backend = "postgresql" }, true},
		{"unknown backend", func(c *Config) { c.History.Backend = "mongo" }, true},
		{"negative window", func(c *Config) { c.HistoryWindow = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_MissingSettingSentinel(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrMissingSetting) {
		t.Errorf("Validate() = %v, want ErrMissingSetting", err)
	}
}

func TestSave_WritesEnvReferences(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-saved")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-saved"
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-saved") {
		t.Error("saved config contains the raw API key")
	}
	if !strings.Contains(string(data), "${OPENAI_API_KEY}") {
		t.Error("saved config should reference ${OPENAI_API_KEY}")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %04o, want 0600", perm)
	}
}
