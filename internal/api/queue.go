package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kalambet/memoir/internal/fault"
)

type briefView struct {
	EntryID   int64           `json:"entry_id"`
	CreatedAt string          `json:"created_at"`
	Rank      float64         `json:"rank"`
	Analysis  json.RawMessage `json:"analysis"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 10, 50)

		briefs, err := deps.Store.SearchEntries(q, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, briefViews(briefs))
	}
}

func handleQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Store.QueueSummary(deps.MaxAttempts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to summarize queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleWorkerRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Worker == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "worker not configured")
			return
		}
		limit := parseIntParam(r, "limit", deps.BatchLimit, 200)

		res, err := deps.Worker.RunBatch(r.Context(), limit)
		if err != nil {
			code := http.StatusInternalServerError
			if fault.Cancelled(err) {
				code = http.StatusServiceUnavailable
			}
			httpError(w, code, "api_error", "worker batch failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type memCardView struct {
	CardID     string          `json:"card_id"`
	Type       string          `json:"type"`
	Content    json.RawMessage `json:"content"`
	Confidence float64         `json:"confidence"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

func handleListMemCards(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)

		cards, err := deps.Store.ListMemCards(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list memory cards: %v", err)
			return
		}
		out := make([]memCardView, len(cards))
		for i, c := range cards {
			out[i] = memCardView{
				CardID:     c.CardID,
				Type:       c.Type,
				Content:    rawJSON(c.ContentJSON),
				Confidence: c.Confidence,
				CreatedAt:  formatTime(c.CreatedAt),
				UpdatedAt:  formatTime(c.UpdatedAt),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type callView struct {
	CallID           string `json:"call_id"`
	CreatedAt        string `json:"created_at"`
	Task             string `json:"task"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	PromptVersion    string `json:"prompt_version,omitempty"`
	Status           string `json:"status"`
	LatencyMs        int64  `json:"latency_ms"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	CacheHit         bool   `json:"cache_hit"`
	ErrorCode        string `json:"error_code,omitempty"`
	Error            string `json:"error,omitempty"`
}

func handleListCalls(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)

		calls, err := deps.Store.ListLLMCalls(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list calls: %v", err)
			return
		}
		out := make([]callView, len(calls))
		for i, c := range calls {
			out[i] = callView{
				CallID:           c.CallID,
				CreatedAt:        formatTime(c.CreatedAt),
				Task:             c.Task,
				Provider:         c.Provider,
				Model:            c.Model,
				PromptVersion:    c.PromptVersion,
				Status:           c.Status,
				LatencyMs:        c.LatencyMs,
				PromptTokens:     c.PromptTokens,
				CompletionTokens: c.CompletionTokens,
				CacheHit:         c.CacheHit,
				ErrorCode:        c.ErrorCode,
				Error:            c.Error,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
