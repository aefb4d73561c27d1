package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/privacy"
)

func handleBuildContract(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Privacy == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "privacy gate not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req privacy.BuildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		c, err := deps.Privacy.Build(req)
		switch {
		case fault.Is(err, fault.KindInput):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "building contract: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

// handleApplyContract accepts the result contract either bare or wrapped
// as {"payload": {...}}.
func handleApplyContract(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Contracts == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "contract store not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		var wrapped struct {
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(body, &wrapped) == nil && len(wrapped.Payload) > 0 && string(wrapped.Payload) != "null" {
			body = wrapped.Payload
		}

		batchID, err := deps.Contracts.Apply(body)
		switch {
		case fault.Is(err, fault.KindValidation):
			httpError(w, http.StatusBadRequest, "contract_invalid", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "applying contract: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "batch_id": batchID})
	}
}
