// Package intent decides how a chat turn retrieves context: a heuristic
// topic tagger for the common cases and a model-backed routing classifier
// for the rest.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
)

const (
	DiaryQA = "diary_qa"
	General = "general"
)

// Ranges the classifier output is clamped into.
const (
	maxTopK       = 8
	maxRecentN    = 12
	minCharBudget = 1200
	maxCharBudget = 6000
)

// Route is the retrieval plan for one chat turn.
type Route struct {
	Intent     string `json:"intent"`
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	RecentN    int    `json:"recent_n"`
	CharBudget int    `json:"char_budget"`
	Lang       string `json:"lang"`
}

// Generator is the routed generation call.
type Generator interface {
	Generate(ctx context.Context, task string, p router.Payload, msgs []provider.Message, params router.Params) (router.Result, error)
}

// Classifier asks a small model to fill in a Route.
type Classifier struct {
	gen        Generator
	model      string
	numPredict int
}

// NewClassifier creates a Classifier that runs model through gen.
func NewClassifier(gen Generator, model string, numPredict int) *Classifier {
	return &Classifier{gen: gen, model: model, numPredict: numPredict}
}

// Classify overlays the model's route onto def. On error def is returned
// unchanged so callers can proceed with the heuristic plan.
func (c *Classifier) Classify(ctx context.Context, text string, def Route) (Route, error) {
	res, err := c.gen.Generate(ctx, router.TaskClassifyRoute, router.Payload{
		Intent:          router.TaskClassifyRoute,
		PromptVersion:   PromptVersion,
		LocalModel:      c.model,
		FallbackBackend: router.BackendLocal,
	}, BuildPrompt(text), router.Params{
		Temperature:    0,
		TopP:           0.1,
		MaxTokens:      c.numPredict,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return def, fmt.Errorf("classifying route: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(analyzer.ExtractJSON(res.Content)), &obj); err != nil {
		slog.Warn("route classifier returned non-JSON", "error", err)
		return def, fmt.Errorf("parsing route: %w", err)
	}
	return Merge(def, obj), nil
}

// Merge applies a decoded classifier object over def, clamping numbers.
func Merge(def Route, obj map[string]any) Route {
	r := def
	if s := str(obj["intent"]); s != "" {
		r.Intent = s
	}
	r.Query = str(obj["query"])
	if s := str(obj["lang"]); s != "" {
		r.Lang = s
	}
	r.TopK = clampInt(obj["top_k"], 0, maxTopK, def.TopK)
	r.RecentN = clampInt(obj["recent_n"], 0, maxRecentN, def.RecentN)
	r.CharBudget = clampInt(obj["char_budget"], minCharBudget, maxCharBudget, def.CharBudget)
	return r
}

// Finalize applies the intent rules: a diary question without a query uses
// the heuristic query, and a general question retrieves nothing.
func (r Route) Finalize(text string) Route {
	if r.Intent == "" {
		r.Intent = DiaryQA
	}
	switch r.Intent {
	case DiaryQA:
		if r.Query == "" {
			r.Query = FallbackQuery(text)
		}
	case General:
		r.Query, r.TopK, r.RecentN = "", 0, 0
	}
	return r
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func clampInt(v any, lo, hi, def int) int {
	var n int
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return def
		}
		n = int(t)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		n = i
	case bool:
		if t {
			n = 1
		}
	default:
		return def
	}
	return max(lo, min(hi, n))
}
