package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chatrelay_messages (
    seq             BIGSERIAL PRIMARY KEY,
    id              UUID NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL,
    content         TEXT NOT NULL,
    raw             JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chatrelay_messages_conversation
    ON chatrelay_messages(conversation_id, seq);
`

// PostgreSQLConfig configures the PostgreSQL history backend. URL, when
// set, is passed to the driver as is.
type PostgreSQLConfig struct {
	URL             string
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgreSQLStore keeps history in a PostgreSQL table.
type PostgreSQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgreSQL connects, verifies connectivity and applies the schema.
func OpenPostgreSQL(ctx context.Context, cfg PostgreSQLConfig, logger *slog.Logger) (*PostgreSQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	db, err := sql.Open("pgx", buildPostgreSQLDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgresql: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql: apply schema: %w", err)
	}

	return &PostgreSQLStore{
		db:     db,
		logger: logger.With("component", "history", "backend", "postgresql"),
	}, nil
}

func (c PostgreSQLConfig) withDefaults() PostgreSQLConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// buildPostgreSQLDSN builds the connection string.
func buildPostgreSQLDSN(c PostgreSQLConfig) string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Append inserts one row.
func (s *PostgreSQLStore) Append(ctx context.Context, conversationID, text string, raw any) error {
	rawJSON, err := encodeRaw(raw)
	if err != nil {
		return fmt.Errorf("postgresql: %w", err)
	}
	var rawCol any
	if rawJSON != nil {
		rawCol = string(rawJSON)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chatrelay_messages (id, conversation_id, content, raw) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), conversationID, text, rawCol)
	if err != nil {
		return fmt.Errorf("postgresql: append: %w", err)
	}
	return nil
}

// Recent returns the newest limit rows of the conversation, oldest first.
func (s *PostgreSQLStore) Recent(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, conversation_id, content, raw::text, created_at FROM (
			SELECT seq, id, conversation_id, content, raw, created_at
			FROM chatrelay_messages WHERE conversation_id = $1
			ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgresql: query recent: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			rec Record
			raw sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Content, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgresql: scan: %w", err)
		}
		if raw.Valid {
			rec.Raw = json.RawMessage(raw.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgresql: iterate: %w", err)
	}
	return records, nil
}

// Close closes the connection pool.
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgreSQLStore)(nil)
