package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
)

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.HistoryConfig{Backend: "sqlite3"}
		cfg.SQLite.Path = filepath.Join(t.TempDir(), "h.db")
		store, err := Open(ctx, cfg, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		defer store.Close()
		if _, ok := store.(*SQLiteStore); !ok {
			t.Errorf("store = %T, want *SQLiteStore", store)
		}
	})

	t.Run("notion default", func(t *testing.T) {
		cfg := config.HistoryConfig{}
		cfg.Notion.Token = "t"
		cfg.Notion.DatabaseID = "db"
		store, err := Open(ctx, cfg, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, ok := store.(*NotionStore); !ok {
			t.Errorf("store = %T, want *NotionStore", store)
		}
	})

	t.Run("notion missing token", func(t *testing.T) {
		store, err := Open(ctx, config.HistoryConfig{Backend: "notion"}, nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if store != nil {
			t.Errorf("store = %v, want nil interface", store)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := Open(ctx, config.HistoryConfig{Backend: "mongo"}, nil)
		if !errors.Is(err, ErrUnknownBackend) {
			t.Errorf("err = %v, want ErrUnknownBackend", err)
		}
	})
}

func TestTail(t *testing.T) {
	recs := []Record{{Content: "a"}, {Content: "b"}, {Content: "c"}}

	tests := []struct {
		limit int
		want  []string
	}{
		{2, []string{"b", "c"}},
		{3, []string{"a", "b", "c"}},
		{10, []string{"a", "b", "c"}},
		{0, nil},
		{-1, nil},
	}
	for _, tt := range tests {
		got := tail(recs, tt.limit)
		if len(got) != len(tt.want) {
			t.Errorf("tail(%d) len = %d, want %d", tt.limit, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if got[i].Content != tt.want[i] {
				t.Errorf("tail(%d)[%d] = %q, want %q", tt.limit, i, got[i].Content, tt.want[i])
			}
		}
	}
}

func TestBuildPostgreSQLDSN(t *testing.T) {
	cfg := PostgreSQLConfig{User: "u", Password: "p", Database: "d"}.withDefaults()
	want := "host=localhost port=5432 user=u password=p dbname=d sslmode=disable"
	if got := buildPostgreSQLDSN(cfg); got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}

	url := "postgres://u:p@db:5432/d"
	if got := buildPostgreSQLDSN(PostgreSQLConfig{URL: url}); got != url {
		t.Errorf("dsn = %q, want URL unchanged", got)
	}
}
