// Package memory keeps long-lived memory cards up to date from entry
// rollups. A model proposes at most two update or create operations against
// a handful of candidate cards; without a usable model answer a
// deterministic topic-card update is applied instead.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
)

const (
	maxOps            = 2
	defaultConfidence = 0.5
	fallbackNote      = "fallback_topic_card"
)

// Config selects which generation paths the updater tries.
type Config struct {
	Model         string
	PromptVersion string
	// UseCloud enables the cloud-first path through the router.
	UseCloud bool
	// UseLocalLLM enables the local model path when the cloud produced no ops.
	UseLocalLLM bool
	Provider    string
	CloudModel  string
	TopN        int
	Pool        int
}

func (c Config) withDefaults() Config {
	if c.PromptVersion == "" {
		c.PromptVersion = "phi_mem_update_v1"
	}
	if c.TopN <= 0 {
		c.TopN = 5
	}
	if c.Pool <= 0 {
		c.Pool = 30
	}
	switch c.Provider {
	case "deepseek", "qwen", "gemini":
	default:
		c.Provider = "deepseek"
	}
	return c
}

// Store is the card persistence the updater needs.
type Store interface {
	ListMemCards(limit int) ([]storage.MemCard, error)
	GetMemCard(cardID string) (storage.MemCard, error)
	ApplyMemCardChange(card storage.MemCard, change storage.MemCardChange) error
}

// Generator is the router surface used for the cloud path.
type Generator interface {
	Generate(ctx context.Context, task string, p router.Payload, msgs []provider.Message, params router.Params) (router.Result, error)
}

// Op is one proposed card change.
type Op struct {
	Op          string         `json:"op"`
	CardID      string         `json:"card_id,omitempty"`
	Type        string         `json:"type,omitempty"`
	MergePatch  map[string]any `json:"merge_patch,omitempty"`
	ContentJSON map[string]any `json:"content_json,omitempty"`
	Confidence  float64        `json:"confidence"`
	Note        string         `json:"note,omitempty"`
}

// Candidate is a card offered to the model for update.
type Candidate struct {
	CardID     string         `json:"card_id"`
	Type       string         `json:"type"`
	Content    map[string]any `json:"content"`
	Confidence float64        `json:"-"`
	Score      int            `json:"-"`
	UpdatedAt  time.Time      `json:"-"`
}

// Report summarizes one update attempt.
type Report struct {
	EntryID       int64    `json:"entry_id"`
	Attempted     bool     `json:"attempted"`
	SkippedReason string   `json:"skipped_reason,omitempty"`
	OK            bool     `json:"ok"`
	Updated       int      `json:"updated"`
	Changes       int      `json:"changes"`
	CardIDs       []string `json:"card_ids"`
	Candidates    int      `json:"candidates"`
	Source        string   `json:"source,omitempty"`
	PromptVersion string   `json:"prompt_version,omitempty"`
	ElapsedMs     int64    `json:"ms"`
	Error         string   `json:"error,omitempty"`
}

// Updater applies model-proposed or fallback card changes.
type Updater struct {
	cfg   Config
	store Store
	gen   Generator
	log   *slog.Logger
}

// New returns an updater. With a nil gen only the deterministic fallback
// runs.
func New(cfg Config, store Store, gen Generator) *Updater {
	return &Updater{cfg: cfg.withDefaults(), store: store, gen: gen, log: slog.Default()}
}

// Meaningful reports whether an entry analysis has anything worth
// remembering.
func Meaningful(a analyzer.Analysis) bool {
	if len(a.Topics) > 0 || len(a.Facts) > 0 || len(a.Todos) > 0 {
		return true
	}
	if s := strings.TrimSpace(a.Summary); s != "" && !analyzer.IsPlaceholder(s) {
		return true
	}
	return a.Signals.Any()
}

// MaybeUpdate gates Update on at least one ok block and meaningful content.
// Update failures are reported, not returned.
func (u *Updater) MaybeUpdate(ctx context.Context, entryID int64, a analyzer.Analysis, blocksOK int) Report {
	if blocksOK <= 0 {
		return Report{EntryID: entryID, SkippedReason: "no_ok_blocks"}
	}
	if !Meaningful(a) {
		return Report{EntryID: entryID, SkippedReason: "not_meaningful"}
	}
	rep, err := u.Update(ctx, entryID, a)
	if err != nil {
		u.log.Warn("memory update failed", "entry_id", entryID, "error", err)
		rep.OK = false
		rep.Error = fmt.Sprintf("memory_update_failed: %v", err)
	}
	rep.Attempted = true
	return rep
}

// PickCandidates scores cards by topic overlap and keeps the best topN.
// Ties keep the input order, which is most recently updated first.
func PickCandidates(cards []storage.MemCard, topics []string, topN int) []Candidate {
	want := make(map[string]bool)
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			want[t] = true
		}
	}

	out := make([]Candidate, 0, len(cards))
	for _, c := range cards {
		content := map[string]any{}
		json.Unmarshal([]byte(c.ContentJSON), &content)
		if content == nil {
			content = map[string]any{}
		}
		out = append(out, Candidate{
			CardID:     c.CardID,
			Type:       c.Type,
			Content:    content,
			Confidence: c.Confidence,
			Score:      overlap(want, content),
			UpdatedAt:  c.UpdatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// CardTopics returns the string topics stored in card content.
func CardTopics(content map[string]any) []string {
	raw, _ := content["topics"].([]any)
	var out []string
	seen := make(map[string]bool)
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if s = strings.TrimSpace(s); s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func overlap(want map[string]bool, content map[string]any) int {
	n := 0
	for _, t := range CardTopics(content) {
		if want[t] {
			n++
		}
	}
	return n
}

type promptEntry struct {
	Summary string           `json:"summary_1_3"`
	Topics  []string         `json:"topics"`
	Facts   []string         `json:"facts"`
	Todos   []string         `json:"todos"`
	Signals analyzer.Signals `json:"signals"`
}

type promptPayload struct {
	Entry         promptEntry `json:"entry"`
	Candidates    []Candidate `json:"candidates"`
	Rules         []string    `json:"rules"`
	PromptVersion string      `json:"prompt_version"`
}

var updateRules = []string{
	"Return ONLY valid JSON.",
	`Output schema: {"ops": [...]}`,
	"Each op: {op: update|create, card_id?, type, merge_patch?, content_json?, confidence, note}",
	"Only update cards from candidates (card_id must be one of candidates).",
	"At most 2 ops.",
	"Prefer update over create.",
	"Keep merge_patch minimal.",
}

func encodeJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
	return strings.TrimRight(buf.String(), "\n")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (u *Updater) updateMessages(a analyzer.Analysis, cands []Candidate) []provider.Message {
	user := encodeJSON(promptPayload{
		Entry: promptEntry{
			Summary: a.Summary,
			Topics:  nonNil(a.Topics),
			Facts:   nonNil(a.Facts),
			Todos:   nonNil(a.Todos),
			Signals: a.Signals,
		},
		Candidates:    cands,
		Rules:         updateRules,
		PromptVersion: u.cfg.PromptVersion,
	})
	return []provider.Message{
		{Role: "system", Content: "You are a strict JSON engine for long-term memory updates. Return a single JSON object and nothing else."},
		{Role: "user", Content: user},
	}
}

func (u *Updater) repairMessages(bad string) []provider.Message {
	user := encodeJSON(map[string]any{
		"task": "repair_json",
		"rules": []string{
			"Return ONLY valid JSON.",
			"Top-level must be an object with key 'ops' (list).",
			`If you cannot recover, return {"ops": []}.`,
		},
		"input":          bad,
		"prompt_version": u.cfg.PromptVersion,
	})
	return []provider.Message{
		{Role: "system", Content: "You are a strict JSON repair engine. Output ONLY a single valid JSON object and nothing else. No explanations."},
		{Role: "user", Content: user},
	}
}

var errNoOps = errors.New("no ops object")

// parseOps decodes {"ops": [...]}, with one deterministic repair pass.
func parseOps(raw string) ([]Op, error) {
	cand := analyzer.ExtractJSON(raw)
	var doc struct {
		Ops []json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal([]byte(cand), &doc); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(cand)
		if rerr != nil {
			return nil, fmt.Errorf("decoding ops: %w", err)
		}
		if err := json.Unmarshal([]byte(fixed), &doc); err != nil {
			return nil, fmt.Errorf("decoding repaired ops: %w", err)
		}
	}
	if doc.Ops == nil {
		return nil, errNoOps
	}
	ops := make([]Op, 0, len(doc.Ops))
	for _, r := range doc.Ops {
		var m map[string]any
		if json.Unmarshal(r, &m) != nil {
			continue
		}
		ops = append(ops, opFromMap(m))
	}
	return ops, nil
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

func opFromMap(m map[string]any) Op {
	op := Op{
		Op:     str(m["op"]),
		CardID: str(m["card_id"]),
		Type:   str(m["type"]),
		Note:   str(m["note"]),
	}
	op.MergePatch, _ = m["merge_patch"].(map[string]any)
	op.ContentJSON, _ = m["content_json"].(map[string]any)
	switch c := m["confidence"].(type) {
	case float64:
		op.Confidence = c
	case string:
		fmt.Sscan(c, &op.Confidence)
	}
	return op
}

// FallbackOps is the deterministic update of the entry's primary topic card.
func FallbackOps(entryID int64, a analyzer.Analysis) []Op {
	primary := "general"
	if len(a.Topics) > 0 {
		primary = a.Topics[0]
	}
	topics := a.Topics
	if len(topics) == 0 {
		topics = []string{primary}
	}
	return []Op{{
		Op:     "update",
		CardID: "topic:" + Slug(primary),
		Type:   "topic",
		MergePatch: map[string]any{
			"topics":        toAny(topics),
			"last_entry_id": entryID,
			"last_summary":  a.Summary,
			"facts_latest":  toAny(nonNil(a.Facts)),
			"todos_latest":  toAny(nonNil(a.Todos)),
		},
		Confidence: 0.6,
		Note:       fallbackNote,
	}}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (u *Updater) cloudOps(ctx context.Context, msgs []provider.Message) ([]Op, error) {
	idle := true
	res, err := u.gen.Generate(ctx, router.TaskMemUpdate, router.Payload{
		Intent:            "long_write",
		PromptVersion:     u.cfg.PromptVersion,
		ForceCloud:        true,
		FallbackBackend:   router.FallbackNone,
		PreferredProvider: u.cfg.Provider,
		PrivacyLevel:      "L1",
		IsIdle:            &idle,
		LocalModel:        u.cfg.Model,
		CloudModel:        u.cfg.CloudModel,
	}, msgs, router.Params{Temperature: 0, MaxTokens: 500, ResponseFormat: "json_object"})
	if err != nil {
		return nil, err
	}
	return parseOps(res.Content)
}

func (u *Updater) localChat(ctx context.Context, msgs []provider.Message, numPredict int) (string, error) {
	res, err := u.gen.Generate(ctx, router.TaskMemUpdate, router.Payload{
		PromptVersion:   u.cfg.PromptVersion,
		ForceLocal:      true,
		FallbackBackend: router.FallbackNone,
		LocalModel:      u.cfg.Model,
	}, msgs, router.Params{Temperature: 0, TopP: 0.1, MaxTokens: numPredict, ResponseFormat: "json_object"})
	return res.Content, err
}

func (u *Updater) localOps(ctx context.Context, msgs []provider.Message) ([]Op, error) {
	text, err := u.localChat(ctx, msgs, 500)
	if err != nil {
		return nil, err
	}
	ops, err := parseOps(text)
	if err == nil {
		return ops, nil
	}
	fixed, err := u.localChat(ctx, u.repairMessages(analyzer.ExtractJSON(text)), 400)
	if err != nil {
		return nil, err
	}
	return parseOps(fixed)
}

// Update proposes and applies at most two card changes for one entry.
func (u *Updater) Update(ctx context.Context, entryID int64, a analyzer.Analysis) (Report, error) {
	start := time.Now()
	rep := Report{EntryID: entryID, PromptVersion: u.cfg.PromptVersion, CardIDs: []string{}}

	cards, err := u.store.ListMemCards(u.cfg.Pool)
	if err != nil {
		return rep, fmt.Errorf("listing mem cards: %w", err)
	}
	cands := PickCandidates(cards, a.Topics, u.cfg.TopN)
	rep.Candidates = len(cands)
	allowed := make(map[string]bool, len(cands))
	for _, c := range cands {
		allowed[c.CardID] = true
	}

	msgs := u.updateMessages(a, cands)
	var ops []Op
	var errs []string

	if u.cfg.UseCloud && u.gen != nil {
		if ops, err = u.cloudOps(ctx, msgs); err != nil {
			errs = append(errs, "cloud_failed: "+err.Error())
			ops = nil
		} else {
			rep.Source = "cloud"
		}
	}
	if len(ops) == 0 && u.cfg.UseLocalLLM && u.gen != nil {
		if ops, err = u.localOps(ctx, msgs); err != nil {
			errs = append(errs, "local_failed: "+err.Error())
			ops = nil
		} else {
			rep.Source = "local"
		}
	}
	if len(ops) == 0 {
		ops = FallbackOps(entryID, a)
		rep.Source = "fallback"
	}
	rep.Error = strings.Join(errs, "; ")

	if len(ops) > maxOps {
		ops = ops[:maxOps]
	}
	for _, op := range ops {
		applied, err := u.apply(entryID, op, allowed)
		if err != nil {
			return rep, err
		}
		if applied {
			rep.Updated++
			rep.Changes++
			rep.CardIDs = append(rep.CardIDs, op.CardID)
		}
	}
	rep.OK = true
	rep.ElapsedMs = time.Since(start).Milliseconds()
	u.log.Info("memory updated", "entry_id", entryID, "source", rep.Source, "updated", rep.Updated)
	return rep, nil
}

func (u *Updater) apply(entryID int64, op Op, allowed map[string]bool) (bool, error) {
	if op.CardID == "" {
		return false, nil
	}
	ctype := op.Type
	if ctype == "" {
		ctype = "general"
	}
	conf := op.Confidence
	if conf == 0 {
		conf = defaultConfidence
	}
	meta := map[string]any{"op": op.Op, "note": op.Note, "prompt_version": u.cfg.PromptVersion}

	var after map[string]any
	var diff map[string]any
	switch op.Op {
	case "create":
		after = op.ContentJSON
		if after == nil {
			after = map[string]any{}
		}
		diff = map[string]any{"before": nil, "after": after, "meta": meta}
	case "update":
		if !allowed[op.CardID] && !strings.HasPrefix(op.Note, "fallback") {
			return false, nil
		}
		before := map[string]any{}
		existing, err := u.store.GetMemCard(op.CardID)
		switch {
		case err == nil:
			json.Unmarshal([]byte(existing.ContentJSON), &before)
			if before == nil {
				before = map[string]any{}
			}
		case !errors.Is(err, storage.ErrNotFound):
			return false, fmt.Errorf("loading mem card %s: %w", op.CardID, err)
		}
		patch := op.MergePatch
		if patch == nil {
			patch = map[string]any{}
		}
		after = ApplyMergePatch(before, patch)
		diff = map[string]any{"before": before, "patch": patch, "after": after, "meta": meta}
	default:
		return false, nil
	}

	err := u.store.ApplyMemCardChange(
		storage.MemCard{CardID: op.CardID, Type: ctype, ContentJSON: encodeJSON(after), Confidence: conf},
		storage.MemCardChange{EntryID: entryID, Op: op.Op, DiffJSON: encodeJSON(diff), Note: op.Note, PromptVersion: u.cfg.PromptVersion},
	)
	if err != nil {
		return false, err
	}
	return true, nil
}
