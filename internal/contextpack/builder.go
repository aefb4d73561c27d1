package contextpack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/memory"
	"github.com/kalambet/memoir/internal/profile"
	"github.com/kalambet/memoir/internal/storage"
)

// Store is the retrieval surface the builder reads.
type Store interface {
	RecentAnalyses(limit int) ([]storage.EntryBrief, error)
	SearchEntries(query string, limit int) ([]storage.EntryBrief, error)
	ListMemCards(limit int) ([]storage.MemCard, error)
}

// StyleSource provides the style section; profile.Manager implements it.
type StyleSource interface {
	StyleProfile() (profile.StyleProfile, error)
}

// Builder builds context packs.
type Builder struct {
	store Store
	style StyleSource
	log   *slog.Logger
	now   func() time.Time
}

// NewBuilder returns a builder. style may be nil.
func NewBuilder(store Store, style StyleSource) *Builder {
	return &Builder{store: store, style: style, log: slog.Default(), now: time.Now}
}

func decode(b storage.EntryBrief) analyzer.Analysis {
	var a analyzer.Analysis
	json.Unmarshal([]byte(b.AnalysisJSON), &a)
	return a
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// Build fetches recent and matching entries in parallel, selects related
// memory cards and degrades the pack until it fits the budget.
func (b *Builder) Build(ctx context.Context, query string, lim Limits) (*Pack, error) {
	start := time.Now()
	lim = lim.Clamp()
	q := strings.TrimSpace(query)

	var recent, matched []storage.EntryBrief
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if recent, err = b.store.RecentAnalyses(lim.RecentN); err != nil {
			return fmt.Errorf("recent entries: %w", err)
		}
		return nil
	})
	if q != "" && lim.TopK > 0 {
		g.Go(func() error {
			var err error
			if matched, err = b.store.SearchEntries(q, lim.TopK); err != nil {
				return fmt.Errorf("searching entries: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &Pack{
		Schema:    Schema,
		CreatedAt: stamp(b.now()),
		Query:     q,
		Limits:    lim,
		Recent:    []Recent{},
		TopK:      []Match{},
		MemCards:  []Card{},
		Meta:      Meta{Steps: []string{}},
	}
	for _, e := range recent {
		a := decode(e)
		p.Recent = append(p.Recent, Recent{
			EntryID: e.EntryID, CreatedAt: stamp(e.CreatedAt),
			Summary: a.Summary, Topics: nonNil(a.Topics), Signals: a.Signals,
		})
	}
	for _, e := range matched {
		a := decode(e)
		p.TopK = append(p.TopK, Match{
			EntryID: e.EntryID, CreatedAt: stamp(e.CreatedAt),
			Summary: a.Summary, Topics: nonNil(a.Topics), Facts: nonNil(a.Facts), Todos: nonNil(a.Todos), Signals: a.Signals,
		})
	}

	if topics := p.Topics(); len(topics) > 0 && lim.MemTopM > 0 && lim.MemPool > 0 {
		cards, err := b.store.ListMemCards(lim.MemPool)
		if err != nil {
			return nil, fmt.Errorf("listing mem cards: %w", err)
		}
		p.MemCards = SelectCards(cards, topics, lim.MemTopM)
	}

	if b.style != nil {
		sp, err := b.style.StyleProfile()
		if err != nil {
			b.log.Warn("style profile unavailable", "error", err)
		}
		p.StyleProfile = sp
	}
	if p.StyleProfile.Examples == nil {
		p.StyleProfile.Examples = []string{}
	}

	p.Meta.InitialCounts = Counts{Recent: len(p.Recent), TopK: len(p.TopK), MemCards: len(p.MemCards)}
	p.Meta.InitialChars = p.modelChars()
	p.fit()
	p.Meta.BuildMs = time.Since(start).Milliseconds()
	p.Meta.FinalCharsModel = p.modelChars()
	p.Meta.FinalCharsTotal = len([]rune(p.DebugJSON()))
	return p, nil
}

// SelectCards keeps cards sharing at least one topic, ordered by overlap
// desc, updated_at desc, card_id asc, and returns at most topM.
func SelectCards(cards []storage.MemCard, topics []string, topM int) []Card {
	want := make(map[string]bool, len(topics))
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			want[t] = true
		}
	}

	type scored struct {
		card    storage.MemCard
		content map[string]any
		score   int
	}
	var pool []scored
	for _, c := range cards {
		content := map[string]any{}
		json.Unmarshal([]byte(c.ContentJSON), &content)
		if content == nil {
			content = map[string]any{}
		}
		n := 0
		for _, t := range memory.CardTopics(content) {
			if want[t] {
				n++
			}
		}
		if n > 0 {
			pool = append(pool, scored{card: c, content: content, score: n})
		}
	}
	sort.Slice(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.card.UpdatedAt.Equal(b.card.UpdatedAt) {
			return a.card.UpdatedAt.After(b.card.UpdatedAt)
		}
		return a.card.CardID < b.card.CardID
	})

	out := []Card{}
	for _, s := range pool {
		if len(out) >= topM {
			break
		}
		out = append(out, Card{
			CardID:     s.card.CardID,
			Type:       s.card.Type,
			UpdatedAt:  stamp(s.card.UpdatedAt),
			Confidence: s.card.Confidence,
			Score:      s.score,
			Content:    s.content,
		})
	}
	return out
}

// fit applies the degradation ladder until the model payload fits.
func (p *Pack) fit() {
	budget := p.Limits.CharBudget
	over := func() bool { return p.modelChars() > budget }
	step := func(name string) { p.Meta.Steps = append(p.Meta.Steps, name) }

	if over() && len(p.TopK) > 0 {
		for i := range p.TopK {
			p.TopK[i].Facts = []string{}
			p.TopK[i].Todos = []string{}
		}
		step("drop_topk_facts_todos")
	}
	if over() && len(p.Recent) > 1 {
		for over() && len(p.Recent) > 1 {
			p.Recent = p.Recent[:len(p.Recent)-1]
		}
		step("shrink_recent")
	}
	if over() && len(p.TopK) > 1 {
		for over() && len(p.TopK) > 1 {
			p.TopK = p.TopK[:len(p.TopK)-1]
		}
		step("shrink_topk")
	}
	if over() && len(p.MemCards) > 1 {
		for over() && len(p.MemCards) > 1 {
			p.MemCards = p.MemCards[:len(p.MemCards)-1]
		}
		step("shrink_mem_cards")
	}
	if over() && len(p.MemCards) > 0 {
		p.MemCards = []Card{}
		step("drop_mem_cards")
	}
	if over() && len(p.TopK) > 0 {
		p.TopK = []Match{}
		step("drop_topk")
	}
	if over() && len(p.Recent) > 0 {
		p.Recent = []Recent{}
		step("drop_recent")
	}
	if over() && !styleEmpty(p.StyleProfile) {
		p.StyleProfile = profile.StyleProfile{Examples: []string{}}
		step("drop_style_profile")
	}
	if over() && p.Query != "" {
		q := []rune(p.Query)
		excess := p.modelChars() - budget
		if excess >= len(q) {
			p.Query = ""
		} else {
			p.Query = string(q[:len(q)-excess])
		}
		// JSON escaping can make the cut uneven; finish rune by rune.
		for over() && p.Query != "" {
			r := []rune(p.Query)
			p.Query = string(r[:len(r)-1])
		}
		step("truncate_query")
	}
	p.Meta.Truncated = len(p.Meta.Steps) > 0
}

func styleEmpty(sp profile.StyleProfile) bool {
	return !sp.Enabled && sp.Tone == "" && sp.Language == "" && sp.DetailLevel == "" && len(sp.Examples) == 0
}
