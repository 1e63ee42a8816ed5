package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jholhewres/chatrelay/pkg/chatrelay/history"
)

// maxHistoryLimit caps ?limit on history requests.
const maxHistoryLimit = 500

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Uptime   string            `json:"uptime"`
	Channels map[string]string `json:"channels"`
}

// HistoryResponse is the /api/history/{conversation} body.
type HistoryResponse struct {
	ConversationID string           `json:"conversation_id"`
	Records        []history.Record `json:"records"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements GET /health. Status is "degraded" when any
// registered channel is disconnected.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}

	resp := HealthResponse{
		Status:   "ok",
		Version:  g.opts.Version,
		Uptime:   uptime,
		Channels: map[string]string{},
	}
	if g.health != nil {
		for name, st := range g.health.HealthAll() {
			if st.Connected {
				resp.Channels[name] = "connected"
			} else {
				resp.Channels[name] = "disconnected"
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHistory implements GET /api/history/{conversation}?limit=N.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversation := r.PathValue("conversation")
	limit := g.opts.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := g.opts.History.Recent(r.Context(), conversation, limit)
	if err != nil {
		g.logger.Error("history request failed", "conversation", conversation, "error", err)
		writeError(w, "history unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: conversation, Records: records})
}
