// Package api serves the local HTTP API and the MCP tools.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/memoir/internal/cascade"
	"github.com/kalambet/memoir/internal/ingest"
	"github.com/kalambet/memoir/internal/privacy"
	"github.com/kalambet/memoir/internal/profile"
	"github.com/kalambet/memoir/internal/storage"
	"github.com/kalambet/memoir/internal/worker"
)

// BatchRunner runs one worker batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, limit int) (worker.BatchResult, error)
}

type AppDeps struct {
	Store   *storage.Store
	Profile *profile.Manager
	Ingest  *ingest.Service
	Chat    cascade.ChatEngine
	// Worker is optional; without it POST /worker/run answers 503.
	Worker BatchRunner
	// Privacy and Contracts are optional; without them the contract
	// routes answer 503.
	Privacy     *privacy.Gate
	Contracts   *privacy.Applier
	BatchLimit  int
	MaxAttempts int
	Token       string
}

// NewAppHandler returns the bearer-authenticated application API.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.BatchLimit <= 0 {
		deps.BatchLimit = 20
	}
	if deps.MaxAttempts <= 0 {
		deps.MaxAttempts = 3
	}

	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/entries", handleCreateEntry(deps))
	r.Post("/entries/file", handleUploadEntry(deps))
	r.Get("/entries", handleListEntries(deps))
	r.Get("/entries/{id}", handleGetEntry(deps))

	r.Post("/chat", handleChat(deps))
	r.Get("/chat/turns", handleListTurns(deps))

	r.Get("/search", handleSearch(deps))
	r.Get("/queue", handleQueue(deps))
	r.Post("/worker/run", handleWorkerRun(deps))
	r.Get("/memcards", handleListMemCards(deps))
	r.Get("/calls", handleListCalls(deps))

	r.Get("/profile", handleGetProfile(deps))
	r.Patch("/profile", handlePatchProfile(deps))
	r.Get("/profile/policies", handleListPolicies(deps))
	r.Post("/profile/policies", handleSavePolicy(deps))
	r.Get("/profile/policies/active", handleActivePolicy(deps))

	r.Post("/privacy/contract", handleBuildContract(deps))
	r.Post("/contract/apply", handleApplyContract(deps))

	return r
}

// HealthChecker reports whether the local model server answers.
type HealthChecker interface {
	IsRunning(ctx context.Context) bool
}

// NewHealthHandler serves the unauthenticated /health endpoint. ollama may
// be nil.
func NewHealthHandler(store *storage.Store, ollama HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if store != nil {
			resp["fts"] = store.FTSEnabled()
		}
		if ollama != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			resp["ollama"] = ollama.IsRunning(ctx)
		}
		writeJSON(w, http.StatusOK, resp)
	})
	return r
}

// rawJSON embeds a stored JSON document, or null when it is not valid JSON.
func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
