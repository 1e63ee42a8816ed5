// Package history stores the per-conversation message log. Records are
// append-only: each inbound message and each reply is written once and
// never updated or deleted.
//
// Backends: Notion (default), SQLite and PostgreSQL.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/config"
)

// BackendType identifies a history backend.
type BackendType string

const (
	BackendNotion     BackendType = "notion"
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown history backend")

// Record is one stored message.
type Record struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Content        string          `json:"content"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store is an append-only, per-conversation message log.
type Store interface {
	// Append creates exactly one record. raw is an optional diagnostic
	// payload stored as JSON; nil stores nothing. CreatedAt is assigned by
	// the store.
	Append(ctx context.Context, conversationID, text string, raw any) error

	// Recent returns at most limit records of the conversation, oldest
	// first, keeping the most recent ones. limit <= 0 yields no records.
	Recent(ctx context.Context, conversationID string, limit int) ([]Record, error)

	// Close releases the backend's resources.
	Close() error
}

// Open creates the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.HistoryConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store Store
		err   error
	)
	switch normalizeBackend(cfg.Backend) {
	case BackendNotion:
		var s *NotionStore
		s, err = NewNotionStore(NotionConfig{
			Token:      cfg.Notion.Token,
			DatabaseID: cfg.Notion.DatabaseID,
			APIBase:    cfg.Notion.APIBase,
			Version:    cfg.Notion.Version,

			OrderProperty: cfg.Notion.OrderProperty,
		}, logger)
		store = s
	case BackendSQLite:
		var s *SQLiteStore
		s, err = OpenSQLite(ctx, SQLiteConfig{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		}, logger)
		store = s
	case BackendPostgreSQL:
		var s *PostgreSQLStore
		s, err = OpenPostgreSQL(ctx, PostgreSQLConfig{
			URL:             cfg.PostgreSQL.URL,
			Host:            cfg.PostgreSQL.Host,
			Port:            cfg.PostgreSQL.Port,
			Database:        cfg.PostgreSQL.Database,
			User:            cfg.PostgreSQL.User,
			Password:        cfg.PostgreSQL.Password,
			SSLMode:         cfg.PostgreSQL.SSLMode,
			MaxOpenConns:    cfg.PostgreSQL.MaxOpenConns,
			MaxIdleConns:    cfg.PostgreSQL.MaxIdleConns,
			ConnMaxLifetime: cfg.PostgreSQL.ConnMaxLifetime,
		}, logger)
		store = s
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("history store opened", "backend", normalizeBackend(cfg.Backend))
	return store, nil
}

func normalizeBackend(name string) BackendType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "notion":
		return BackendNotion
	case "sqlite", "sqlite3":
		return BackendSQLite
	case "postgresql", "postgres", "pg":
		return BackendPostgreSQL
	default:
		return BackendType(name)
	}
}

// encodeRaw marshals an optional raw payload. nil stays nil.
func encodeRaw(raw any) (json.RawMessage, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return v, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding raw payload: %w", err)
	}
	return data, nil
}

// tail keeps the last limit records.
func tail(records []Record, limit int) []Record {
	if limit <= 0 {
		return []Record{}
	}
	if len(records) > limit {
		return records[len(records)-limit:]
	}
	return records
}
