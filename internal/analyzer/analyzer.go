// Package analyzer turns one diary block into a validated Analysis. The model
// is asked for a single JSON object; malformed output goes through a
// deterministic repair ladder and then at most one model repair round-trip.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
)

var (
	ErrTooShort = errors.New("block too short")
	ErrTooLong  = errors.New("block too long")
)

const (
	systemPrompt = "You are a strict JSON extraction engine. Return ONE single JSON object ONLY. " +
		"No markdown, no code fences, no commentary. Output must be valid JSON and must keep keys exactly as in TEMPLATE. " +
		"No extra keys. facts/todos/topics/evidence_spans are arrays of strings. " +
		"signal scores are int 0-10 or null. reflection_depth is int 0-3 or null."

	fixSystemPrompt = "You are a JSON repair engine. Rewrite into ONE valid JSON object ONLY. " +
		"No markdown, no commentary, no extra keys. Keep the required keys and types."

	template = `{"summary_1_3": "", "signals": {"mood": null, "stress": null, "sleep": null, "exercise": null, "social": null, "work": null}, "facts": [], "todos": [], "topics": [], "evidence_spans": [], "reflection_depth": null}`

	placeholderSummary = "Summary not provided"
)

// Config bounds block size and model output.
type Config struct {
	Model         string
	MinChars      int
	MaxChars      int
	NumPredict    int
	PromptVersion string
}

func (c Config) withDefaults() Config {
	if c.MinChars <= 0 {
		c.MinChars = 80
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 6000
	}
	if c.NumPredict <= 0 {
		c.NumPredict = 350
	}
	if c.PromptVersion == "" {
		c.PromptVersion = "phi_block_extract_v1"
	}
	return c
}

// Result is one analyzed block.
type Result struct {
	Analysis  Analysis
	Model     string
	Provider  string
	Elapsed   time.Duration
	RawOutput string
	// Repaired is set when the model repair round-trip was needed.
	Repaired bool
}

// BlockAnalyzer is what the worker depends on.
type BlockAnalyzer interface {
	Analyze(ctx context.Context, title, text string) (Result, error)
	PromptVersion() string
}

// Generator is the router surface the cloud analyzer uses.
type Generator interface {
	Generate(ctx context.Context, task string, p router.Payload, msgs []provider.Message, params router.Params) (router.Result, error)
}

// CheckInput enforces the configured bounds on the trimmed text, in runes.
func (c Config) CheckInput(text string) (string, error) {
	c = c.withDefaults()
	t := strings.TrimSpace(text)
	n := utf8.RuneCountInString(t)
	if n < c.MinChars {
		return "", fault.New(fault.KindInput, "analyze block", fmt.Errorf("%w: %d chars", ErrTooShort, n))
	}
	if n > c.MaxChars {
		return "", fault.New(fault.KindInput, "analyze block", fmt.Errorf("%w: %d chars (max %d)", ErrTooLong, n, c.MaxChars))
	}
	return t, nil
}

// Messages builds the extraction prompt for one block.
func Messages(title, text string) []provider.Message {
	var b strings.Builder
	b.WriteString("Fill TEMPLATE using ONLY the DIARY BLOCK.\nTEMPLATE: ")
	b.WriteString(template)
	b.WriteString("\n\nDIARY BLOCK:\n")
	if t := strings.TrimSpace(title); t != "" {
		b.WriteString("TITLE: " + t + "\n")
	}
	b.WriteString(strings.TrimSpace(text))
	b.WriteString("\n")
	return []provider.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func fixMessages(bad string) []provider.Message {
	return []provider.Message{
		{Role: "system", Content: fixSystemPrompt},
		{Role: "user", Content: "BAD OUTPUT:\n" + bad},
	}
}

// IsPlaceholder reports whether s is the summary used when none was given.
func IsPlaceholder(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), placeholderSummary)
}

// Analyzer runs block extraction through the router, so every call is
// routed and audited like any other generation.
type Analyzer struct {
	cfg     Config
	gen     Generator
	payload router.Payload
	op      string
}

// NewLocal analyzes on the local engine. Block analysis stays local unless
// forced to the cloud.
func NewLocal(cfg Config, gen Generator) *Analyzer {
	cfg = cfg.withDefaults()
	return &Analyzer{
		cfg: cfg,
		gen: gen,
		payload: router.Payload{
			PromptVersion:   cfg.PromptVersion,
			LocalModel:      cfg.Model,
			FallbackBackend: router.FallbackNone,
		},
		op: "local analyze",
	}
}

// NewCloud analyzes on a cloud provider with no local fallback.
func NewCloud(cfg Config, gen Generator, preferredProvider string) *Analyzer {
	cfg = cfg.withDefaults()
	return &Analyzer{
		cfg: cfg,
		gen: gen,
		payload: router.Payload{
			Intent:            "long_write",
			PromptVersion:     cfg.PromptVersion,
			ForceCloud:        true,
			FallbackBackend:   router.FallbackNone,
			PreferredProvider: preferredProvider,
			CloudModel:        cfg.Model,
		},
		op: "cloud analyze",
	}
}

func (a *Analyzer) PromptVersion() string { return a.cfg.PromptVersion }

func (a *Analyzer) generate(ctx context.Context, msgs []provider.Message) (router.Result, error) {
	res, err := a.gen.Generate(ctx, router.TaskBlockAnalyze, a.payload, msgs, router.Params{
		Temperature:    0,
		TopP:           0.1,
		MaxTokens:      a.cfg.NumPredict,
		ResponseFormat: "json_object",
	})
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", a.op, ctx.Err())
	}
	if fault.KindOf(err) == fault.KindUnknown {
		return res, fault.New(fault.KindTransient, a.op, err)
	}
	return res, fmt.Errorf("%s: %w", a.op, err)
}

// Analyze runs the extraction prompt and, if the output does not validate,
// one repair prompt. A second failure is a validation error.
func (a *Analyzer) Analyze(ctx context.Context, title, text string) (Result, error) {
	t, err := a.cfg.CheckInput(text)
	if err != nil {
		return Result{}, err
	}

	first, err := a.generate(ctx, Messages(title, t))
	if err != nil {
		return Result{}, err
	}
	res := Result{Model: first.Model, Provider: first.Provider, Elapsed: first.Elapsed, RawOutput: first.Content}
	if an, perr := Parse(first.Content); perr == nil {
		res.Analysis = an
		return res, nil
	}

	fixed, err := a.generate(ctx, fixMessages(first.Content))
	if err != nil {
		return Result{}, err
	}
	res.Elapsed += fixed.Elapsed
	res.RawOutput = fixed.Content
	res.Repaired = true
	an, err := Parse(fixed.Content)
	if err != nil {
		return Result{}, fault.New(fault.KindValidation, a.op, err)
	}
	res.Analysis = an
	return res, nil
}
