package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/redact"
	"github.com/kalambet/memoir/internal/storage"
)

const localProvider = "ollama"

// Store is the audit, cache and breaker state the router needs.
type Store interface {
	InsertLLMCall(c storage.LLMCall) (int64, error)
	CountRecentFailures(provider string, since time.Time) (int, error)
	GetCache(key string, ttl time.Duration) (storage.CacheEntry, error)
	PutCache(e storage.CacheEntry) error
}

// Params are the sampling parameters of one generation.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	// ResponseFormat is "json_object" or empty.
	ResponseFormat string
}

// Result is a generation outcome with the decision that produced it.
type Result struct {
	Content      string
	Provider     string
	Model        string
	Elapsed      time.Duration
	Usage        provider.Usage
	CacheHit     bool
	Decision     Decision
	FallbackFrom string
}

// Router routes and executes generations.
type Router struct {
	policy    Policy
	providers *provider.Registry
	local     engine.Engine
	store     Store
	log       *slog.Logger
	now       func() time.Time
}

func New(policy Policy, providers *provider.Registry, local engine.Engine, store Store) *Router {
	return &Router{
		policy:    policy,
		providers: providers,
		local:     local,
		store:     store,
		log:       slog.Default(),
		now:       time.Now,
	}
}

// Policy returns the router's configuration.
func (r *Router) Policy() Policy { return r.policy }

// Generate routes the call and runs it. Cloud calls are redacted, cached by
// request hash and retried by the provider; a failed cloud call falls back to
// the local engine when the decision allows it. Every attempt is audited,
// and audit failures are only logged.
func (r *Router) Generate(ctx context.Context, task string, p Payload, msgs []provider.Message, params Params) (Result, error) {
	d := r.Route(task, p, msgs)
	if d.Backend == BackendLocal {
		res, err := r.runLocal(ctx, task, d.Model, d, msgs, params, "")
		if err != nil {
			return Result{}, err
		}
		res.Decision = d
		return res, nil
	}

	view := p.CloudView(r.policy.AllowStyleProfile)
	cloudMsgs := redact.Messages(msgs)
	hashParams := map[string]any{
		"temperature":     params.Temperature,
		"max_tokens":      params.MaxTokens,
		"task":            task,
		"response_format": params.ResponseFormat,
	}
	hash := RequestHash(d.Provider, d.Model, d.PromptVersion, cloudMsgs, hashParams)
	key := cacheKey(d.Provider, d.Model, hash)

	if r.policy.CacheEnabled {
		if hit, err := r.store.GetCache(key, r.policy.CacheTTL); err == nil {
			var u provider.Usage
			if hit.UsageJSON != "" {
				json.Unmarshal([]byte(hit.UsageJSON), &u)
			}
			r.audit(storage.LLMCall{
				Task: task, Provider: d.Provider, Model: d.Model, PromptVersion: d.PromptVersion,
				RequestHash: hash, Status: "ok", CacheHit: true,
				PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens,
			}, d, view, "")
			return Result{Content: hit.ResponseText, Provider: d.Provider, Model: d.Model, Usage: u, CacheHit: true, Decision: d}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("cache read failed", "provider", d.Provider, "error", err)
		}
	}

	start := time.Now()
	res, err := r.callProvider(ctx, d, cloudMsgs, params)
	elapsed := time.Since(start)
	if err == nil {
		if r.policy.CacheEnabled {
			usage, _ := json.Marshal(res.Usage)
			if perr := r.store.PutCache(storage.CacheEntry{
				Key: key, Provider: d.Provider, Model: d.Model, RequestHash: hash,
				ResponseText: res.Content, UsageJSON: string(usage),
			}); perr != nil {
				r.log.Warn("cache write failed", "provider", d.Provider, "error", perr)
			}
		}
		r.audit(storage.LLMCall{
			Task: task, Provider: d.Provider, Model: d.Model, PromptVersion: d.PromptVersion,
			RequestHash: hash, Status: "ok", LatencyMs: elapsed.Milliseconds(),
			PromptTokens: res.Usage.PromptTokens, CompletionTokens: res.Usage.CompletionTokens, TotalTokens: res.Usage.TotalTokens,
		}, d, view, "")
		return Result{Content: res.Content, Provider: d.Provider, Model: d.Model, Elapsed: elapsed, Usage: res.Usage, Decision: d}, nil
	}

	code := ""
	var pe *provider.Error
	if errors.As(err, &pe) {
		code = pe.Code
	}
	r.audit(storage.LLMCall{
		Task: task, Provider: d.Provider, Model: d.Model, PromptVersion: d.PromptVersion,
		RequestHash: hash, Status: "failed", LatencyMs: elapsed.Milliseconds(),
		ErrorCode: code, Error: err.Error(),
	}, d, view, "")

	if d.FallbackBackend != BackendLocal || r.local == nil {
		return Result{}, fmt.Errorf("generate %s via %s: %w", task, d.Provider, err)
	}

	r.log.Info("cloud call failed, falling back to local", "task", task, "provider", d.Provider, "error", err)
	model := p.LocalModel
	if model == "" {
		model = r.policy.LocalModel
	}
	local, lerr := r.runLocal(ctx, task, model, d, msgs, params, d.Provider)
	if lerr != nil {
		return Result{}, fmt.Errorf("local fallback after %s failure (%v): %w", d.Provider, err, lerr)
	}
	local.Decision = d
	local.FallbackFrom = d.Provider
	return local, nil
}

func (r *Router) callProvider(ctx context.Context, d Decision, msgs []provider.Message, params Params) (provider.Result, error) {
	prov, ok := r.providers.Get(d.Provider)
	if !ok {
		return provider.Result{}, &provider.Error{Provider: d.Provider, Code: "unknown_provider", Detail: "provider is not registered"}
	}
	return prov.Chat(ctx, provider.Request{
		Messages:       msgs,
		Model:          d.Model,
		Temperature:    params.Temperature,
		MaxTokens:      params.MaxTokens,
		ResponseFormat: params.ResponseFormat,
	})
}

// runLocal calls the local engine with the caller's unredacted messages.
func (r *Router) runLocal(ctx context.Context, task, model string, d Decision, msgs []provider.Message, params Params, fallbackFrom string) (Result, error) {
	if r.local == nil {
		return Result{}, fault.Errorf(fault.KindConfig, "local chat", "no local engine configured")
	}
	em := make([]engine.Message, len(msgs))
	for i, m := range msgs {
		em[i] = engine.Message{Role: m.Role, Content: m.Content}
	}
	resp, err := r.local.Chat(ctx, engine.ChatRequest{
		Model:    model,
		Messages: em,
		Options:  engine.Options{Temperature: params.Temperature, TopP: params.TopP, NumPredict: params.MaxTokens},
		JSON:     params.ResponseFormat == "json_object",
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("local chat %s: %w", model, ctx.Err())
		}
		return Result{}, fault.New(fault.KindTransient, "local chat "+model, err)
	}

	auditModel := model
	if auditModel == "" {
		auditModel = "local"
	}
	usage := provider.Usage{
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
	}
	r.audit(storage.LLMCall{
		Task: task, Provider: localProvider, Model: auditModel, PromptVersion: d.PromptVersion,
		Status: "ok", LatencyMs: resp.Elapsed.Milliseconds(),
		PromptTokens: usage.PromptTokens, CompletionTokens: usage.CompletionTokens, TotalTokens: usage.TotalTokens,
	}, d, Payload{}, fallbackFrom)

	return Result{Content: resp.Text, Provider: localProvider, Model: auditModel, Elapsed: resp.Elapsed, Usage: usage}, nil
}

type auditMeta struct {
	Backend      string `json:"backend"`
	Reason       string `json:"reason"`
	Intent       string `json:"intent,omitempty"`
	FallbackFrom string `json:"fallback_from,omitempty"`
	StyleProfile bool   `json:"style_profile,omitempty"`
}

func (r *Router) audit(c storage.LLMCall, d Decision, view Payload, fallbackFrom string) {
	meta, _ := json.Marshal(auditMeta{
		Backend:      d.Backend,
		Reason:       d.Reason,
		Intent:       view.Intent,
		FallbackFrom: fallbackFrom,
		StyleProfile: view.StyleProfile != "",
	})
	c.CallID = uuid.NewString()
	c.MetaJSON = string(meta)
	if _, err := r.store.InsertLLMCall(c); err != nil {
		r.log.Warn("audit write failed", "provider", c.Provider, "status", c.Status, "error", err)
	}
}

func cacheKey(provider, model, hash string) string {
	return provider + ":" + model + ":" + hash
}

// RequestHash is a stable digest of a cloud request: sorted-key compact JSON
// over provider, model, prompt version, messages and params, with values
// under credential-like keys replaced before hashing.
func RequestHash(providerName, model, promptVersion string, msgs []provider.Message, params map[string]any) string {
	ms := make([]any, len(msgs))
	for i, m := range msgs {
		ms[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	obj := redact.Scrub(map[string]any{
		"provider":       providerName,
		"model":          model,
		"prompt_version": promptVersion,
		"messages":       ms,
		"params":         params,
	})

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(obj)
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])
}
