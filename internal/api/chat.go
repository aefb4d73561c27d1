package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kalambet/memoir/internal/cascade"
)

type chatRequest struct {
	Text              string `json:"text"`
	Debug             bool   `json:"debug"`
	PreferredProvider string `json:"preferred_provider"`
	ForceCloud        bool   `json:"force_cloud"`
	ForceLocal        bool   `json:"force_local"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		text := strings.TrimSpace(req.Text)
		if text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}
		if req.ForceCloud && req.ForceLocal {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "force_cloud and force_local are exclusive")
			return
		}

		reply := deps.Chat.Chat(r.Context(), text, cascade.Options{
			Debug:             req.Debug,
			PreferredProvider: req.PreferredProvider,
			ForceCloud:        req.ForceCloud,
			ForceLocal:        req.ForceLocal,
		})
		writeJSON(w, http.StatusOK, reply)
	}
}

type turnView struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	UserText  string `json:"user_text"`
	Reply     string `json:"reply"`
	Engine    string `json:"engine"`
	Status    string `json:"status"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func handleListTurns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		turns, err := deps.Store.ListChatTurns(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list chat turns: %v", err)
			return
		}
		out := make([]turnView, len(turns))
		for i, t := range turns {
			out[i] = turnView{
				ID:        t.ID,
				CreatedAt: formatTime(t.CreatedAt),
				UserText:  t.UserText,
				Reply:     t.Reply,
				Engine:    t.Engine,
				Status:    t.Status,
				ElapsedMs: t.ElapsedMs,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
