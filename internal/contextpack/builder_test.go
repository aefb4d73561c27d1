package contextpack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/memoir/internal/profile"
	"github.com/kalambet/memoir/internal/storage"
)

type mockStore struct {
	mu       sync.Mutex
	recent   []storage.EntryBrief
	matched  []storage.EntryBrief
	cards    []storage.MemCard
	queries  []string
	recentFn func(int) ([]storage.EntryBrief, error)
}

func (m *mockStore) RecentAnalyses(limit int) ([]storage.EntryBrief, error) {
	if m.recentFn != nil {
		return m.recentFn(limit)
	}
	return head(m.recent, limit), nil
}

func (m *mockStore) SearchEntries(q string, limit int) ([]storage.EntryBrief, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	m.mu.Unlock()
	return head(m.matched, limit), nil
}

func (m *mockStore) ListMemCards(limit int) ([]storage.MemCard, error) {
	if limit < len(m.cards) {
		return m.cards[:limit], nil
	}
	return m.cards, nil
}

func head(b []storage.EntryBrief, n int) []storage.EntryBrief {
	if n < len(b) {
		return b[:n]
	}
	return b
}

type styleFunc func() (profile.StyleProfile, error)

func (f styleFunc) StyleProfile() (profile.StyleProfile, error) { return f() }

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func brief(id int64, summary string, topics []string, facts ...string) storage.EntryBrief {
	a := map[string]any{
		"summary_1_3": summary,
		"topics":      topics,
		"facts":       facts,
		"todos":       []string{},
		"signals":     map[string]any{"mood": 6},
	}
	b, _ := json.Marshal(a)
	return storage.EntryBrief{EntryID: id, CreatedAt: base.Add(time.Duration(id) * time.Hour), AnalysisJSON: string(b)}
}

func card(id string, updated time.Time, topics ...string) storage.MemCard {
	b, _ := json.Marshal(map[string]any{"topics": topics, "note": "about " + id})
	return storage.MemCard{CardID: id, Type: "topic", ContentJSON: string(b), Confidence: 0.6, UpdatedAt: updated}
}

func newTestBuilder(s Store, style StyleSource) *Builder {
	b := NewBuilder(s, style)
	b.now = func() time.Time { return base }
	return b
}

func TestBuild_Basic(t *testing.T) {
	s := &mockStore{
		recent:  []storage.EntryBrief{brief(2, "Studied English.", []string{"english"}), brief(1, "Work was tiring.", []string{"work"})},
		matched: []storage.EntryBrief{brief(1, "Work was tiring.", []string{"work", "fatigue"}, "long meeting")},
		cards: []storage.MemCard{
			card("topic:sleep", base, "sleep"),
			card("topic:work", base, "work"),
		},
	}
	p, err := newTestBuilder(s, nil).Build(context.Background(), "  work  ", DefaultLimits)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Query != "work" || p.Schema != Schema {
		t.Errorf("Query/Schema = %q/%q", p.Query, p.Schema)
	}
	if len(p.Recent) != 2 || len(p.TopK) != 1 {
		t.Fatalf("recent=%d topk=%d, want 2/1", len(p.Recent), len(p.TopK))
	}
	if diff := cmp.Diff([]string{"long meeting"}, p.TopK[0].Facts); diff != "" {
		t.Errorf("facts mismatch (-want +got):\n%s", diff)
	}
	if len(p.MemCards) != 1 || p.MemCards[0].CardID != "topic:work" || p.MemCards[0].Score != 1 {
		t.Errorf("MemCards = %+v", p.MemCards)
	}
	if p.Meta.Truncated || len(p.Meta.Steps) != 0 {
		t.Errorf("Meta = %+v", p.Meta)
	}
	if diff := cmp.Diff([]string{"work"}, s.queries); diff != "" {
		t.Errorf("search queries mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_EmptyQuerySkipsSearchAndCards(t *testing.T) {
	s := &mockStore{
		recent:  []storage.EntryBrief{brief(1, "Walked.", []string{"walk"})},
		matched: []storage.EntryBrief{brief(1, "Walked.", []string{"walk"})},
		cards:   []storage.MemCard{card("topic:walk", base, "walk")},
	}
	p, err := newTestBuilder(s, nil).Build(context.Background(), "   ", DefaultLimits)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(p.TopK) != 0 || len(p.MemCards) != 0 || len(s.queries) != 0 {
		t.Errorf("topk=%d cards=%d queries=%v", len(p.TopK), len(p.MemCards), s.queries)
	}
	if !strings.Contains(p.ModelJSON(), `"topk":[]`) {
		t.Errorf("ModelJSON = %s", p.ModelJSON())
	}
}

func TestBuild_StoreError(t *testing.T) {
	boom := errors.New("disk gone")
	s := &mockStore{recentFn: func(int) ([]storage.EntryBrief, error) { return nil, boom }}
	if _, err := newTestBuilder(s, nil).Build(context.Background(), "x", DefaultLimits); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestBuild_StyleProfile(t *testing.T) {
	style := styleFunc(func() (profile.StyleProfile, error) {
		return profile.StyleProfile{Enabled: true, Tone: "warm", Examples: []string{"hi"}}, nil
	})
	p, err := newTestBuilder(&mockStore{}, style).Build(context.Background(), "", DefaultLimits)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !p.StyleProfile.Enabled || p.StyleProfile.Tone != "warm" {
		t.Errorf("StyleProfile = %+v", p.StyleProfile)
	}
}

func TestSelectCards_Ordering(t *testing.T) {
	older := base.Add(-time.Hour)
	cards := []storage.MemCard{
		card("c", older, "work"),
		card("b", base, "work"),
		card("a", base, "work"),
		card("d", older, "work", "sleep"),
		card("e", base, "cooking"),
	}
	got := SelectCards(cards, []string{"work", "sleep"}, 3)

	var ids []string
	for _, c := range got {
		ids = append(ids, c.CardID)
	}
	if diff := cmp.Diff([]string{"d", "a", "b"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if got[0].Score != 2 {
		t.Errorf("score = %d, want 2", got[0].Score)
	}
}

func TestSelectCards_ZeroOverlapExcluded(t *testing.T) {
	got := SelectCards([]storage.MemCard{card("x", base, "other")}, []string{"work"}, 5)
	if len(got) != 0 {
		t.Errorf("got %+v, want none", got)
	}
}

func TestLimits_Clamp(t *testing.T) {
	got := Limits{TopK: -1, RecentN: 3, CharBudget: 10}.Clamp()
	want := Limits{TopK: 0, RecentN: 3, CharBudget: MinBudget}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Clamp mismatch (-want +got):\n%s", diff)
	}
}

const rawMarker = "RAW-ENTRY-TEXT-SHOULD-NEVER-LEAK"

func bigStore(n int) *mockStore {
	s := &mockStore{}
	for i := 1; i <= n; i++ {
		summary := fmt.Sprintf("Entry %d summary about work and study habits over the week.", i)
		b := brief(int64(i), summary, []string{"work", fmt.Sprintf("t%d", i)},
			strings.Repeat("fact ", 20), strings.Repeat("detail ", 15))
		s.recent = append(s.recent, b)
		s.matched = append(s.matched, b)
		s.cards = append(s.cards, card(fmt.Sprintf("topic:%d", i), base, "work", fmt.Sprintf("t%d", i)))
	}
	return s
}

func TestBuild_BudgetAlwaysHolds(t *testing.T) {
	queries := []string{"", "work", strings.Repeat("很长的问题", 200), strings.Repeat(`"quoted\" `, 120)}
	budgets := []int{0, 100, 512, 700, 1500, 3000, 20000}
	for _, q := range queries {
		for _, budget := range budgets {
			for _, n := range []int{0, 1, 4, 12} {
				lim := Limits{TopK: n, RecentN: n, MemPool: 30, MemTopM: n, CharBudget: budget}
				p, err := newTestBuilder(bigStore(12), nil).Build(context.Background(), q, lim)
				if err != nil {
					t.Fatalf("Build: %v", err)
				}
				model := p.ModelJSON()
				if got := utf8.RuneCountInString(model); got > p.Limits.CharBudget {
					t.Errorf("q=%.10q budget=%d n=%d: model payload %d chars > %d (steps %v)",
						q, budget, n, got, p.Limits.CharBudget, p.Meta.Steps)
				}
				if p.Meta.FinalCharsModel != utf8.RuneCountInString(model) {
					t.Errorf("FinalCharsModel = %d, want %d", p.Meta.FinalCharsModel, utf8.RuneCountInString(model))
				}
				if strings.Contains(model, `"meta"`) {
					t.Errorf("model payload carries meta")
				}
			}
		}
	}
}

func TestBuild_LadderOrder(t *testing.T) {
	lim := Limits{TopK: 8, RecentN: 8, MemPool: 30, MemTopM: 8, CharBudget: 2500}
	p, err := newTestBuilder(bigStore(8), nil).Build(context.Background(), "work", lim)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !p.Meta.Truncated || len(p.Meta.Steps) == 0 {
		t.Fatalf("expected truncation, meta = %+v", p.Meta)
	}
	if p.Meta.Steps[0] != "drop_topk_facts_todos" {
		t.Errorf("first step = %q", p.Meta.Steps[0])
	}
	for _, m := range p.TopK {
		if len(m.Facts) != 0 || len(m.Todos) != 0 {
			t.Errorf("topk entry %d kept facts/todos", m.EntryID)
		}
	}
	order := map[string]int{
		"drop_topk_facts_todos": 0, "shrink_recent": 1, "shrink_topk": 2, "shrink_mem_cards": 3,
		"drop_mem_cards": 4, "drop_topk": 5, "drop_recent": 6, "drop_style_profile": 7, "truncate_query": 8,
	}
	for i := 1; i < len(p.Meta.Steps); i++ {
		if order[p.Meta.Steps[i-1]] >= order[p.Meta.Steps[i]] {
			t.Errorf("steps out of order: %v", p.Meta.Steps)
		}
	}
	if p.Meta.InitialCounts.Recent != 8 || p.Meta.InitialChars <= lim.CharBudget {
		t.Errorf("InitialCounts/Chars = %+v/%d", p.Meta.InitialCounts, p.Meta.InitialChars)
	}
}

func TestBuild_KeepsOneCardBeforeDropping(t *testing.T) {
	p := &Pack{
		Schema: Schema, Limits: Limits{CharBudget: 100000},
		Recent:   []Recent{},
		TopK:     []Match{},
		MemCards: []Card{{CardID: "a", Content: map[string]any{}}, {CardID: "b", Content: map[string]any{}}},
		Meta:     Meta{Steps: []string{}},
	}
	p.Meta.InitialCounts.MemCards = 2
	small := p.modelChars() - 10
	p.Limits.CharBudget = small
	p.fit()
	if len(p.MemCards) != 1 {
		t.Errorf("MemCards = %d, want 1 (steps %v)", len(p.MemCards), p.Meta.Steps)
	}
}

func TestBuild_NeverIncludesRawText(t *testing.T) {
	s := &mockStore{}
	// Analysis rows carry only analysis fields; a stray raw-text key must not pass through.
	row := map[string]any{"summary_1_3": "ok", "topics": []string{"work"}, "raw_text": rawMarker, "text": rawMarker}
	b, _ := json.Marshal(row)
	s.recent = []storage.EntryBrief{{EntryID: 1, CreatedAt: base, AnalysisJSON: string(b)}}
	s.matched = s.recent

	p, err := newTestBuilder(s, nil).Build(context.Background(), "work", DefaultLimits)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(p.ModelJSON(), rawMarker) || strings.Contains(p.DebugJSON(), rawMarker) {
		t.Errorf("raw text leaked: %s", p.DebugJSON())
	}
}
