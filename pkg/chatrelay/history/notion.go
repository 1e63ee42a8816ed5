package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Notion property names of the history database.
const (
	notionPropChatID  = "Chat ID"
	notionPropMessage = "Message"
	notionPropRaw     = "Raw"

	// notionTextLimit is the maximum length of one rich_text element.
	notionTextLimit = 2000

	// notionMaxPageSize is the largest page_size the query endpoint accepts.
	notionMaxPageSize = 100
)

// NotionConfig configures the Notion history backend.
type NotionConfig struct {
	Token      string
	DatabaseID string

	// APIBase defaults to https://api.notion.com/v1.
	APIBase string

	// Version is the Notion-Version header, default 2022-06-28.
	Version string

	// OrderProperty, when set, names a number property that receives the
	// append time in Unix milliseconds and orders queries. Without it the
	// page created_time is used, which Notion rounds to the minute.
	OrderProperty string
}

// NotionStore keeps history as pages of a Notion database with the
// properties "Chat ID" (title), "Message" (rich text) and "Raw" (rich text).
type NotionStore struct {
	cfg    NotionConfig
	client *http.Client
	logger *slog.Logger
}

// NewNotionStore creates a Notion-backed store.
func NewNotionStore(cfg NotionConfig, logger *slog.Logger) (*NotionStore, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("notion: token is required")
	}
	if cfg.DatabaseID == "" {
		return nil, fmt.Errorf("notion: database id is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.notion.com/v1"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.Version == "" {
		cfg.Version = "2022-06-28"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NotionStore{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With("component", "history", "backend", "notion"),
	}, nil
}

// Append creates one page in the database.
func (s *NotionStore) Append(ctx context.Context, conversationID, text string, raw any) error {
	rawJSON, err := encodeRaw(raw)
	if err != nil {
		return fmt.Errorf("notion: %w", err)
	}

	properties := map[string]any{
		notionPropChatID:  map[string]any{"title": richText(conversationID)},
		notionPropMessage: map[string]any{"rich_text": richText(text)},
	}
	if rawJSON != nil {
		properties[notionPropRaw] = map[string]any{"rich_text": richText(string(rawJSON))}
	}
	if s.cfg.OrderProperty != "" {
		properties[s.cfg.OrderProperty] = map[string]any{"number": time.Now().UnixMilli()}
	}

	payload := map[string]any{
		"parent":     map[string]any{"database_id": s.cfg.DatabaseID},
		"properties": properties,
	}
	if _, err := s.apiCall(ctx, http.MethodPost, "/pages", payload); err != nil {
		return err
	}
	s.logger.Debug("record appended", "conversation", conversationID, "chars", len(text))
	return nil
}

// Recent queries the newest pages of the conversation and returns them
// oldest first.
func (s *NotionStore) Recent(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}

	sort := map[string]any{"timestamp": "created_time", "direction": "descending"}
	if s.cfg.OrderProperty != "" {
		sort = map[string]any{"property": s.cfg.OrderProperty, "direction": "descending"}
	}

	var (
		records []Record
		cursor  string
	)
	for len(records) < limit {
		pageSize := limit - len(records)
		if pageSize > notionMaxPageSize {
			pageSize = notionMaxPageSize
		}
		query := map[string]any{
			"filter": map[string]any{
				"property": notionPropChatID,
				"title":    map[string]any{"equals": conversationID},
			},
			"sorts":     []any{sort},
			"page_size": pageSize,
		}
		if cursor != "" {
			query["start_cursor"] = cursor
		}

		data, err := s.apiCall(ctx, http.MethodPost, "/databases/"+s.cfg.DatabaseID+"/query", query)
		if err != nil {
			return nil, err
		}
		var resp notionQueryResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("notion: parsing query response: %w", err)
		}

		for _, page := range resp.Results {
			records = append(records, page.toRecord(conversationID))
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	// Newest first from the API; callers want oldest first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return tail(records, limit), nil
}

// Close is a no-op; the store holds no connections.
func (s *NotionStore) Close() error { return nil }

// ---------- Notion API Types ----------

type notionRichText struct {
	PlainText string `json:"plain_text"`
}

type notionProperty struct {
	Title    []notionRichText `json:"title"`
	RichText []notionRichText `json:"rich_text"`
}

type notionPage struct {
	ID          string                    `json:"id"`
	CreatedTime time.Time                 `json:"created_time"`
	Properties  map[string]notionProperty `json:"properties"`
}

type notionQueryResponse struct {
	Results    []notionPage `json:"results"`
	HasMore    bool         `json:"has_more"`
	NextCursor string       `json:"next_cursor"`
}

type notionError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p notionPage) toRecord(conversationID string) Record {
	rec := Record{
		ID:             p.ID,
		ConversationID: conversationID,
		Content:        joinText(p.Properties[notionPropMessage].RichText),
		CreatedAt:      p.CreatedTime,
	}
	if title := joinText(p.Properties[notionPropChatID].Title); title != "" {
		rec.ConversationID = title
	}
	if raw := joinText(p.Properties[notionPropRaw].RichText); raw != "" && json.Valid([]byte(raw)) {
		rec.Raw = json.RawMessage(raw)
	}
	return rec
}

// ---------- Helpers ----------

// richText splits s into rich_text elements of at most notionTextLimit
// runes each.
func richText(s string) []map[string]any {
	runes := []rune(s)
	if len(runes) == 0 {
		return []map[string]any{{"text": map[string]any{"content": ""}}}
	}
	var parts []map[string]any
	for len(runes) > 0 {
		n := notionTextLimit
		if len(runes) < n {
			n = len(runes)
		}
		parts = append(parts, map[string]any{"text": map[string]any{"content": string(runes[:n])}})
		runes = runes[n:]
	}
	return parts
}

func joinText(parts []notionRichText) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.PlainText)
	}
	return b.String()
}

// apiCall sends a JSON request to the Notion API and returns the body.
func (s *NotionStore) apiCall(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("notion: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.APIBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("notion: creating request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Notion-Version", s.cfg.Version)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notion: %s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	var data json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("notion: decoding %s response (status %d): %w", path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 {
		var apiErr notionError
		_ = json.Unmarshal(data, &apiErr)
		return nil, fmt.Errorf("notion: %s: status %d %s: %s", path, resp.StatusCode, apiErr.Code, apiErr.Message)
	}
	return data, nil
}

var _ Store = (*NotionStore)(nil)
