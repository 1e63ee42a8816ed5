package commands

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/channels"
	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
	"github.com/joho/godotenv"
)

func TestShouldEnable(t *testing.T) {
	tests := []struct {
		name   string
		filter []string
		want   bool
	}{
		{"telegram", nil, true},
		{"telegram", []string{"telegram"}, true},
		{"discord", []string{"telegram"}, false},
		{"discord", []string{"telegram", "discord"}, true},
	}
	for _, tt := range tests {
		if got := shouldEnable(tt.name, tt.filter, true); got != tt.want {
			t.Errorf("shouldEnable(%q, %v) = %v, want %v", tt.name, tt.filter, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                  "",
		"${OPENAI_API_KEY}": "${OPENAI_API_KEY}",
		"short":             "****",
		"sk-1234567890":     "sk-1****",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFetchHealth(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(`{"status":"ok"}`))
		}))
		defer srv.Close()

		body, err := fetchHealth(context.Background(), strings.TrimPrefix(srv.URL, "http://"), time.Second)
		if err != nil {
			t.Fatalf("fetchHealth: %v", err)
		}
		if body != `{"status":"ok"}` {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := fetchHealth(context.Background(), strings.TrimPrefix(srv.URL, "http://"), time.Second)
		if err == nil || !strings.Contains(err.Error(), "503") {
			t.Errorf("err = %v, want status 503", err)
		}
	})
}

func TestSetupAnswers(t *testing.T) {
	a := setupAnswers{
		name:          "relay",
		botUsername:   "@relay_bot",
		telegramToken: "tg-token",
		apiKey:        " sk-key ",
		model:         "gpt-5",
		backend:       "notion",
		notionToken:   "secret_x",
		notionDB:      "db1",
		gateway:       true,
	}

	secrets := a.secrets()
	want := map[string]string{
		"OPENAI_API_KEY":     "sk-key",
		"TELEGRAM_TOKEN":     "tg-token",
		"NOTION_TOKEN":       "secret_x",
		"NOTION_DATABASE_ID": "db1",
	}
	if len(secrets) != len(want) {
		t.Fatalf("secrets = %v", secrets)
	}
	for k, v := range want {
		if secrets[k] != v {
			t.Errorf("secrets[%s] = %q, want %q", k, secrets[k], v)
		}
	}

	cfg := config.DefaultConfig()
	applyAnswers(cfg, a)
	if cfg.BotUsername != "relay_bot" {
		t.Errorf("BotUsername = %q", cfg.BotUsername)
	}
	if cfg.LLM.APIKey != "${OPENAI_API_KEY}" || cfg.History.Notion.Token != "${NOTION_TOKEN}" {
		t.Errorf("secrets not referenced: %+v", cfg.LLM)
	}
	if cfg.Channels.Discord.Token != "" {
		t.Errorf("discord token = %q, want empty", cfg.Channels.Discord.Token)
	}
	if !cfg.Gateway.Enabled {
		t.Error("gateway not enabled")
	}
}

func TestStoreSecrets_EnvFileKeepsExisting(t *testing.T) {
	if config.KeyringAvailable() {
		t.Skip("keyring available; env file fallback not used")
	}
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("KEEP=1\nOPENAI_API_KEY=old\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	where, err := storeSecrets(map[string]string{"OPENAI_API_KEY": "new"}, envFile)
	if err != nil {
		t.Fatalf("storeSecrets: %v", err)
	}
	if where != envFile {
		t.Errorf("where = %q", where)
	}
	env, err := godotenv.Read(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if env["KEEP"] != "1" || env["OPENAI_API_KEY"] != "new" {
		t.Errorf("env = %v", env)
	}
}

func TestWriterOutbound(t *testing.T) {
	var buf bytes.Buffer
	out := &writerOutbound{w: &buf}

	if err := out.Send(context.Background(), "console", "me", &channels.OutgoingMessage{Content: "**hi**"}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "hi\n" {
		t.Errorf("output = %q, want plain text", got)
	}
	if _, _, err := out.DownloadMedia(context.Background(), &channels.IncomingMessage{}); !errors.Is(err, channels.ErrMediaNotSupported) {
		t.Errorf("DownloadMedia err = %v", err)
	}
}

func TestRunUntil_WaitsForRun(t *testing.T) {
	tests := []struct {
		name    string
		trigger func(stop chan struct{}, cancel context.CancelFunc)
	}{
		{"stop closed", func(stop chan struct{}, _ context.CancelFunc) { close(stop) }},
		{"context cancelled", func(_ chan struct{}, cancel context.CancelFunc) { cancel() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stop := make(chan struct{})

			var finished atomic.Bool
			run := func(ctx context.Context) {
				<-ctx.Done()
				// An in-flight handler still finishing after cancellation.
				time.Sleep(50 * time.Millisecond)
				finished.Store(true)
			}

			go func() {
				time.Sleep(10 * time.Millisecond)
				tt.trigger(stop, cancel)
			}()
			runUntil(ctx, run, stop)

			if !finished.Load() {
				t.Error("runUntil returned before run finished")
			}
		})
	}
}
