// Package router decides, per generation call, whether the local engine or a
// cloud provider serves it, and wraps the call with redaction, caching and
// audit logging.
package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/memoir/internal/provider"
)

// Tasks with routing significance.
const (
	TaskBlockAnalyze  = "block_analyze"
	TaskMemUpdate     = "mem_update"
	TaskClassifyRoute = "classify_route"
	TaskAnswer        = "answer"
	TaskLegacyChat    = "legacy_chat"
)

// Backends and fallback values.
const (
	BackendLocal = "local"
	BackendCloud = "cloud"
	FallbackNone = "none"
)

const defaultPromptVersion = "v1"

var privacyRank = map[string]int{"L0": 0, "L1": 1, "L2": 2}

// Policy is the routing configuration. It is fixed for the router's lifetime.
type Policy struct {
	CloudEnabled      bool
	DefaultProvider   string
	MaxPrivacyLevel   string
	CharThreshold     int
	CloudIntents      []string
	AllowInference    bool
	AllowTraining     bool
	BlockRawText      bool
	OnlyWhenIdle      bool
	AllowStyleProfile bool

	FailWindow    time.Duration
	FailThreshold int

	CacheEnabled bool
	CacheTTL     time.Duration

	// LocalModel is used when the payload names none.
	LocalModel string
}

// Payload carries per-call routing hints. Zero values mean "not set".
type Payload struct {
	Intent            string
	PromptVersion     string
	IsIdle            *bool
	PrivacyLevel      string
	UseForTraining    bool
	PreferredProvider string
	ForceCloud        bool
	ForceLocal        bool
	FallbackBackend   string
	CloudModel        string
	LocalModel        string

	// RawText and Text mark a payload that still carries entry text.
	RawText      string
	Text         string
	StyleProfile string
}

// CloudView is the subset of the payload that may travel with a cloud call.
// Entry text is always dropped; the style profile only when allowed.
func (p Payload) CloudView(allowStyleProfile bool) Payload {
	v := p
	v.RawText, v.Text = "", ""
	if !allowStyleProfile {
		v.StyleProfile = ""
	}
	return v
}

// Decision is the routing outcome. Every branch sets Reason.
type Decision struct {
	Backend         string `json:"backend"`
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model"`
	PromptVersion   string `json:"prompt_version"`
	Reason          string `json:"reason"`
	FallbackBackend string `json:"fallback_backend"`
}

func normPrivacy(level string) string {
	v := strings.ToUpper(strings.TrimSpace(level))
	if _, ok := privacyRank[v]; ok {
		return v
	}
	return "L1"
}

func (p Payload) privacyLevel() string {
	if p.PrivacyLevel != "" {
		return normPrivacy(p.PrivacyLevel)
	}
	if p.RawText != "" || p.Text != "" {
		return "L0"
	}
	return "L1"
}

func charLen(msgs []provider.Message) int {
	n := 0
	for _, m := range msgs {
		n += len([]rune(m.Role)) + len([]rune(m.Content))
	}
	return n
}

// Route applies the routing ladder in fixed order: local override, task
// defaults, cloud switches, raw-text block, privacy ceiling, idle gate,
// size/intent threshold, circuit breaker.
func (r *Router) Route(task string, p Payload, msgs []provider.Message) Decision {
	pv := p.PromptVersion
	if pv == "" {
		pv = defaultPromptVersion
	}
	intent := p.Intent
	if intent == "" {
		intent = task
	}
	local := func(reason string) Decision {
		model := p.LocalModel
		if model == "" {
			model = r.policy.LocalModel
		}
		return Decision{Backend: BackendLocal, Model: model, PromptVersion: pv, Reason: reason, FallbackBackend: FallbackNone}
	}

	if p.ForceLocal {
		return r.logDecision(task, local("force_local"))
	}
	if !p.ForceCloud && (task == TaskBlockAnalyze || task == TaskMemUpdate) {
		return r.logDecision(task, local("task="+task+" default_local"))
	}
	if !r.policy.CloudEnabled && !p.ForceCloud {
		return r.logDecision(task, local("cloud_disabled"))
	}
	if p.UseForTraining && !r.policy.AllowTraining {
		return r.logDecision(task, local("cloud_training_disabled"))
	}
	if !p.UseForTraining && !r.policy.AllowInference {
		return r.logDecision(task, local("cloud_inference_disabled"))
	}
	if r.policy.BlockRawText && p.RawText != "" {
		return r.logDecision(task, local("raw_text_upload_blocked"))
	}

	req, ceiling := p.privacyLevel(), normPrivacy(r.policy.MaxPrivacyLevel)
	if privacyRank[req] > privacyRank[ceiling] {
		return r.logDecision(task, local(fmt.Sprintf("privacy_blocked req=%s max=%s", req, ceiling)))
	}

	idle := p.IsIdle == nil || *p.IsIdle
	if r.policy.OnlyWhenIdle && !idle && !p.ForceCloud {
		return r.logDecision(task, local("cloud_only_when_idle"))
	}

	n := charLen(msgs)
	if !p.ForceCloud && !r.cloudIntent(intent) && n < r.policy.CharThreshold {
		return r.logDecision(task, local(fmt.Sprintf("below_threshold len=%d", n)))
	}

	name := r.pickProvider(p.PreferredProvider)
	if !p.ForceCloud && r.circuitOpen(name) {
		return r.logDecision(task, local("circuit_open provider="+name))
	}

	model := p.CloudModel
	if model == "" {
		if prov, ok := r.providers.Get(name); ok {
			model = prov.DefaultModel()
		}
	}
	fallback := p.FallbackBackend
	if fallback == "" {
		fallback = BackendLocal
	}
	return r.logDecision(task, Decision{
		Backend:         BackendCloud,
		Provider:        name,
		Model:           model,
		PromptVersion:   pv,
		Reason:          fmt.Sprintf("cloud len=%d intent=%s", n, intent),
		FallbackBackend: fallback,
	})
}

func (r *Router) cloudIntent(intent string) bool {
	for _, i := range r.policy.CloudIntents {
		if i == intent {
			return true
		}
	}
	return false
}

func (r *Router) pickProvider(preferred string) string {
	for _, name := range []string{preferred, r.policy.DefaultProvider} {
		if name == "" {
			continue
		}
		if _, ok := r.providers.Get(name); ok {
			return name
		}
	}
	if r.policy.DefaultProvider != "" {
		return r.policy.DefaultProvider
	}
	return "deepseek"
}

// circuitOpen counts failed audit rows for the provider inside the window.
// A store error leaves the circuit closed.
func (r *Router) circuitOpen(name string) bool {
	if r.policy.FailThreshold <= 0 || r.policy.FailWindow <= 0 {
		return false
	}
	n, err := r.store.CountRecentFailures(name, r.now().Add(-r.policy.FailWindow))
	if err != nil {
		r.log.Warn("circuit breaker check failed", "provider", name, "error", err)
		return false
	}
	return n >= r.policy.FailThreshold
}

func (r *Router) logDecision(task string, d Decision) Decision {
	r.log.Debug("route decision", "task", task, "backend", d.Backend, "provider", d.Provider, "model", d.Model, "reason", d.Reason)
	return d
}
