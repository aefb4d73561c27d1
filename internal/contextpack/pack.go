// Package contextpack assembles the bounded retrieval payload that grounds
// an answer: recent entry summaries, keyword-matched entries and related
// memory cards. Only analysis fields are ever included, never entry text.
package contextpack

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/profile"
)

const (
	Schema    = "context_pack_v1"
	MinBudget = 512
)

// Limits bound one pack.
type Limits struct {
	TopK       int `json:"top_k"`
	RecentN    int `json:"recent_n"`
	MemPool    int `json:"mem_pool"`
	MemTopM    int `json:"mem_top_m"`
	CharBudget int `json:"char_budget"`
}

// DefaultLimits match the config defaults.
var DefaultLimits = Limits{TopK: 6, RecentN: 8, MemPool: 30, MemTopM: 8, CharBudget: 5000}

// Clamp raises the budget to MinBudget and zeroes negative counts.
func (l Limits) Clamp() Limits {
	if l.CharBudget < MinBudget {
		l.CharBudget = MinBudget
	}
	for _, n := range []*int{&l.TopK, &l.RecentN, &l.MemPool, &l.MemTopM} {
		if *n < 0 {
			*n = 0
		}
	}
	return l
}

// Recent is a recent entry in compact form.
type Recent struct {
	EntryID   int64            `json:"entry_id"`
	CreatedAt string           `json:"created_at"`
	Summary   string           `json:"summary_1_3"`
	Topics    []string         `json:"topics"`
	Signals   analyzer.Signals `json:"signals"`
}

// Match is a keyword-matched entry.
type Match struct {
	EntryID   int64            `json:"entry_id"`
	CreatedAt string           `json:"created_at"`
	Summary   string           `json:"summary_1_3"`
	Topics    []string         `json:"topics"`
	Facts     []string         `json:"facts"`
	Todos     []string         `json:"todos"`
	Signals   analyzer.Signals `json:"signals"`
}

// Card is a related memory card.
type Card struct {
	CardID     string         `json:"card_id"`
	Type       string         `json:"type"`
	UpdatedAt  string         `json:"updated_at"`
	Confidence float64        `json:"confidence"`
	Score      int            `json:"score"`
	Content    map[string]any `json:"content"`
}

type Counts struct {
	Recent   int `json:"recent"`
	TopK     int `json:"topk"`
	MemCards int `json:"mem_cards"`
}

// Meta is debug information. It is not part of the model payload and does
// not count against the budget.
type Meta struct {
	BuildMs         int64    `json:"build_ms"`
	Truncated       bool     `json:"truncated"`
	Steps           []string `json:"steps"`
	InitialCounts   Counts   `json:"initial_counts"`
	InitialChars    int      `json:"initial_chars"`
	FinalCharsModel int      `json:"final_chars_model"`
	FinalCharsTotal int      `json:"final_chars_total"`
}

// Pack is one built context pack.
type Pack struct {
	Schema       string               `json:"schema"`
	CreatedAt    string               `json:"created_at"`
	Query        string               `json:"query"`
	Limits       Limits               `json:"limits"`
	Recent       []Recent             `json:"recent"`
	TopK         []Match              `json:"topk"`
	MemCards     []Card               `json:"mem_cards"`
	StyleProfile profile.StyleProfile `json:"style_profile"`
	Meta         Meta                 `json:"meta"`
}

type modelView struct {
	Schema       string               `json:"schema"`
	CreatedAt    string               `json:"created_at"`
	Query        string               `json:"query"`
	Limits       Limits               `json:"limits"`
	Recent       []Recent             `json:"recent"`
	TopK         []Match              `json:"topk"`
	MemCards     []Card               `json:"mem_cards"`
	StyleProfile profile.StyleProfile `json:"style_profile"`
}

func encode(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

func (p *Pack) view() modelView {
	v := modelView{
		Schema: p.Schema, CreatedAt: p.CreatedAt, Query: p.Query, Limits: p.Limits,
		Recent: p.Recent, TopK: p.TopK, MemCards: p.MemCards, StyleProfile: p.StyleProfile,
	}
	if v.Recent == nil {
		v.Recent = []Recent{}
	}
	if v.TopK == nil {
		v.TopK = []Match{}
	}
	if v.MemCards == nil {
		v.MemCards = []Card{}
	}
	if v.StyleProfile.Examples == nil {
		v.StyleProfile.Examples = []string{}
	}
	return v
}

// ModelJSON is the payload handed to the answer model. Its length in
// characters never exceeds Limits.CharBudget.
func (p *Pack) ModelJSON() string { return encode(p.view()) }

// DebugJSON includes Meta.
func (p *Pack) DebugJSON() string { return encode(p) }

func (p *Pack) modelChars() int { return utf8.RuneCountInString(p.ModelJSON()) }

// Topics returns the distinct topics of the matched entries, in order.
func (p *Pack) Topics() []string {
	return topicSet(p.TopK)
}

func topicSet(ms []Match) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range ms {
		for _, t := range m.Topics {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
