package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteSchemaVersion is the schema version written by migrate.
const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL,
    content         TEXT NOT NULL,
    raw             TEXT,
    created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

// SQLiteConfig configures the SQLite history backend.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
}

// SQLiteStore keeps history in a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	cfg    SQLiteConfig
	logger *slog.Logger
}

// OpenSQLite opens or creates the database file and applies the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "./data/chatrelay.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", cfg.Path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "history", "backend", "sqlite"),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("history database ready", "path", cfg.Path)
	return s, nil
}

// migrate creates the schema and records its version.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("sqlite: create schema_version table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("sqlite: record migration: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied schema version.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	return version, err
}

// Append inserts one row.
func (s *SQLiteStore) Append(ctx context.Context, conversationID, text string, raw any) error {
	rawJSON, err := encodeRaw(raw)
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	var rawCol sql.NullString
	if rawJSON != nil {
		rawCol = sql.NullString{String: string(rawJSON), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, content, raw) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), conversationID, text, rawCol)
	if err != nil {
		return fmt.Errorf("sqlite: append: %w", err)
	}
	return nil
}

// Recent returns the newest limit rows of the conversation, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, content, raw, created_at FROM (
			SELECT seq, id, conversation_id, content, raw, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query recent: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec     Record
			raw     sql.NullString
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Content, &raw, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		if raw.Valid {
			rec.Raw = json.RawMessage(raw.String)
		}
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("sqlite: record %s: bad created_at %q: %w", rec.ID, created, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
