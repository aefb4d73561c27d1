// Package cascade answers chat turns. The Cascade engine classifies the
// question, grounds the answer in a context pack and fails closed; the
// Legacy engine is a persona chat over recent entry summaries. The engine
// is chosen once at startup.
package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/memoir/internal/contextpack"
	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
)

// Engine names.
const (
	EngineCascade = "cascade"
	EngineLegacy  = "legacy"
)

// Options are per-turn caller overrides.
type Options struct {
	Debug             bool
	PreferredProvider string
	ForceCloud        bool
	ForceLocal        bool
}

// Reply is a chat turn outcome. Text is never empty.
type Reply struct {
	Text    string `json:"reply"`
	TraceID string `json:"trace_id"`
	Status  string `json:"-"`
	Debug   *Debug `json:"debug,omitempty"`
}

// ChatEngine answers one chat turn. Chat never fails: internal errors
// degrade to a sentinel reply.
type ChatEngine interface {
	Name() string
	Chat(ctx context.Context, text string, opts Options) Reply
}

// Generator is the routed generation call.
type Generator interface {
	Generate(ctx context.Context, task string, p router.Payload, msgs []provider.Message, params router.Params) (router.Result, error)
}

// PackBuilder builds context packs.
type PackBuilder interface {
	Build(ctx context.Context, query string, lim contextpack.Limits) (*contextpack.Pack, error)
}

// RecentSource lists recent entry analyses.
type RecentSource interface {
	RecentAnalyses(limit int) ([]storage.EntryBrief, error)
}

// TurnStore records answered turns.
type TurnStore interface {
	SaveChatTurn(t storage.ChatTurn) error
}

// Config is the chat configuration.
type Config struct {
	Engine string

	RouteModel  string
	AnswerModel string

	TotalTimeout  time.Duration
	RouteTimeout  time.Duration
	AnswerTimeout time.Duration
	// RouteReserve is the budget that must remain for the answer before a
	// routing call is attempted.
	RouteReserve time.Duration
	// Margin is subtracted from the remaining budget when sizing a call.
	Margin time.Duration

	RouteNumPredict  int
	AnswerNumPredict int

	Limits contextpack.Limits

	ForceCloud        bool
	PreferredProvider string

	// PersonaSamples and PersonaChars bound the legacy engine's prompt.
	PersonaSamples int
	PersonaChars   int
}

// DefaultConfig mirrors the config defaults.
func DefaultConfig() Config {
	return Config{
		Engine:           EngineCascade,
		RouteModel:       "phi3.5:3.8b",
		AnswerModel:      "qwen2.5:7b",
		TotalTimeout:     70 * time.Second,
		RouteTimeout:     12 * time.Second,
		AnswerTimeout:    45 * time.Second,
		RouteReserve:     3 * time.Second,
		Margin:           time.Second,
		RouteNumPredict:  350,
		AnswerNumPredict: 420,
		Limits:           contextpack.Limits{TopK: 5, RecentN: 8, MemPool: 30, MemTopM: 8, CharBudget: 3000},
		PersonaSamples:   5,
		PersonaChars:     3000,
	}
}

// Deps are the collaborators an engine may use. Turns may be nil.
type Deps struct {
	Generator Generator
	Packs     PackBuilder
	Recent    RecentSource
	Turns     TurnStore
}

// New returns the engine named by cfg.Engine.
func New(cfg Config, deps Deps) (ChatEngine, error) {
	switch cfg.Engine {
	case "", EngineCascade:
		return NewCascade(cfg, deps), nil
	case EngineLegacy:
		return NewLegacy(cfg, deps), nil
	}
	return nil, fault.Errorf(fault.KindConfig, "chat engine", "unknown chat engine %q", cfg.Engine)
}

// callTimeout is min(limit, remaining-margin). ok is false when nothing
// useful is left.
func callTimeout(deadline time.Time, limit, margin time.Duration) (time.Duration, bool) {
	remain := time.Until(deadline) - margin
	if remain <= 0 {
		return 0, false
	}
	if limit > 0 && limit < remain {
		return limit, true
	}
	return remain, true
}

func saveTurn(store TurnStore, t storage.ChatTurn) {
	if store == nil {
		return
	}
	if err := store.SaveChatTurn(t); err != nil {
		slog.Warn("saving chat turn failed", "turn_id", t.ID, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func panicErr(v any) error { return fmt.Errorf("panic: %v", v) }
