package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeGenerator answers cloud calls with content or err, and local calls
// from the scripted local replies.
type fakeGenerator struct {
	mu      sync.Mutex
	content string
	err     error
	local   []string
	tasks   []string
	payload router.Payload

	localPayloads []router.Payload
	localParams   []router.Params
}

func (f *fakeGenerator) Generate(_ context.Context, task string, p router.Payload, _ []provider.Message, params router.Params) (router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	if p.ForceLocal {
		f.localPayloads = append(f.localPayloads, p)
		f.localParams = append(f.localParams, params)
		if len(f.local) == 0 {
			return router.Result{}, errors.New("no reply")
		}
		r := f.local[0]
		f.local = f.local[1:]
		return router.Result{Content: r, Provider: "ollama"}, nil
	}
	f.payload = p
	if f.err != nil {
		return router.Result{}, f.err
	}
	return router.Result{Content: f.content}, nil
}

func seedCard(t *testing.T, s *storage.Store, id string, content map[string]any) {
	t.Helper()
	b, _ := json.Marshal(content)
	if err := s.ApplyMemCardChange(storage.MemCard{CardID: id, Type: "topic", ContentJSON: string(b), Confidence: 0.7},
		storage.MemCardChange{Op: "create", DiffJSON: "{}"}); err != nil {
		t.Fatalf("seeding card %s: %v", id, err)
	}
}

func cardContent(t *testing.T, s *storage.Store, id string) map[string]any {
	t.Helper()
	c, err := s.GetMemCard(id)
	if err != nil {
		t.Fatalf("GetMemCard(%s): %v", id, err)
	}
	var m map[string]any
	json.Unmarshal([]byte(c.ContentJSON), &m)
	return m
}

var workEntry = analyzer.Analysis{
	Summary: "Work was tiring.",
	Topics:  []string{"Work Life", "english"},
	Facts:   []string{"long meeting"},
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Work Life":   "work-life",
		"  ":          "general",
		"!!!":         "general",
		"学习 English": "学习-english",
		"C++ & Go":    "c--go",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Slug(strings.Repeat("a", 100)); len(got) != 80 {
		t.Errorf("Slug(long) len = %d, want 80", len(got))
	}
}

func TestApplyMergePatch(t *testing.T) {
	base := map[string]any{"a": 1.0, "nested": map[string]any{"x": "keep", "y": "drop"}, "gone": true}
	patch := map[string]any{"b": "new", "nested": map[string]any{"y": nil, "z": 2.0}, "gone": nil}

	got := ApplyMergePatch(base, patch)
	want := map[string]any{"a": 1.0, "b": "new", "nested": map[string]any{"x": "keep", "z": 2.0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ApplyMergePatch mismatch (-want +got):\n%s", diff)
	}
	if _, ok := base["b"]; ok {
		t.Error("base was modified")
	}
}

func TestMeaningful(t *testing.T) {
	seven := 7
	tests := []struct {
		name string
		a    analyzer.Analysis
		want bool
	}{
		{"empty", analyzer.Analysis{}, false},
		{"placeholder", analyzer.Analysis{Summary: "Summary not provided"}, false},
		{"summary", analyzer.Analysis{Summary: "Walked."}, true},
		{"topics", analyzer.Analysis{Topics: []string{"x"}}, true},
		{"signal", analyzer.Analysis{Signals: analyzer.Signals{Mood: &seven}}, true},
	}
	for _, tt := range tests {
		if got := Meaningful(tt.a); got != tt.want {
			t.Errorf("Meaningful(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPickCandidates(t *testing.T) {
	cards := []storage.MemCard{
		{CardID: "a", ContentJSON: `{"topics":["music"]}`},
		{CardID: "b", ContentJSON: `{"topics":["work","english"]}`},
		{CardID: "c", ContentJSON: `not json`},
		{CardID: "d", ContentJSON: `{"topics":["english"]}`},
	}
	got := PickCandidates(cards, []string{"work", "english"}, 3)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.CardID)
	}
	if diff := cmp.Diff([]string{"b", "d", "a"}, ids); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdate_FallbackCreatesTopicCard(t *testing.T) {
	s := openTestStore(t)
	u := New(Config{}, s, nil)

	rep, err := u.Update(context.Background(), 7, workEntry)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rep.Source != "fallback" || rep.Updated != 1 || rep.CardIDs[0] != "topic:work-life" {
		t.Errorf("report = %+v", rep)
	}

	content := cardContent(t, s, "topic:work-life")
	if content["last_summary"] != "Work was tiring." || content["last_entry_id"] != 7.0 {
		t.Errorf("content = %v", content)
	}

	changes, err := s.ListMemCardChanges("topic:work-life")
	if err != nil || len(changes) != 1 {
		t.Fatalf("changes = %v, %v", changes, err)
	}
	var diff map[string]any
	json.Unmarshal([]byte(changes[0].DiffJSON), &diff)
	for _, k := range []string{"before", "patch", "after", "meta"} {
		if _, ok := diff[k]; !ok {
			t.Errorf("diff missing %q: %s", k, changes[0].DiffJSON)
		}
	}
	if changes[0].EntryID != 7 || changes[0].Op != "update" {
		t.Errorf("change = %+v", changes[0])
	}
}

func TestUpdate_CloudOpsRespectCandidates(t *testing.T) {
	s := openTestStore(t)
	seedCard(t, s, "topic:english", map[string]any{"topics": []any{"english"}, "level": "B1", "old": "x"})

	g := &fakeGenerator{content: `{"ops":[
		{"op":"update","card_id":"topic:english","type":"topic","merge_patch":{"level":"B2","old":null},"confidence":0.8,"note":"progress"},
		{"op":"update","card_id":"topic:unknown","merge_patch":{"a":1}},
		{"op":"create","card_id":"goal:ielts","type":"goal","content_json":{"target":7}}
	]}`}
	u := New(Config{UseCloud: true, Provider: "qwen"}, s, g)

	rep, err := u.Update(context.Background(), 1, workEntry)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rep.Source != "cloud" || rep.Updated != 1 {
		t.Errorf("report = %+v", rep)
	}
	if g.tasks[0] != router.TaskMemUpdate || g.payload.PreferredProvider != "qwen" || !g.payload.ForceCloud {
		t.Errorf("generate call = %v %+v", g.tasks, g.payload)
	}

	want := map[string]any{"topics": []any{"english"}, "level": "B2"}
	if diff := cmp.Diff(want, cardContent(t, s, "topic:english")); diff != "" {
		t.Errorf("card mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.GetMemCard("goal:ielts"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("third op applied: err = %v", err)
	}
}

func TestUpdate_CloudFailureFallsThroughToLocal(t *testing.T) {
	s := openTestStore(t)
	g := &fakeGenerator{err: errors.New("provider down"), local: []string{
		"not json at all",
		`{"ops":[{"op":"create","card_id":"habit:run","type":"habit","content_json":{"freq":"daily"},"confidence":0.9}]}`,
	}}
	u := New(Config{UseCloud: true, UseLocalLLM: true, Model: "phi"}, s, g)

	rep, err := u.Update(context.Background(), 2, workEntry)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if rep.Source != "local" || len(g.localPayloads) != 2 {
		t.Errorf("report = %+v, local calls = %d", rep, len(g.localPayloads))
	}
	for i, p := range g.localPayloads {
		if !p.ForceLocal || p.LocalModel != "phi" || p.FallbackBackend != router.FallbackNone {
			t.Errorf("local payload %d = %+v", i, p)
		}
	}
	if g.localParams[0].MaxTokens != 500 || g.localParams[1].MaxTokens != 400 || g.localParams[0].ResponseFormat != "json_object" {
		t.Errorf("local params = %+v", g.localParams)
	}
	if diff := cmp.Diff([]string{router.TaskMemUpdate, router.TaskMemUpdate, router.TaskMemUpdate}, g.tasks); diff != "" {
		t.Errorf("tasks mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(rep.Error, "cloud_failed: provider down") {
		t.Errorf("Error = %q", rep.Error)
	}
	c, err := s.GetMemCard("habit:run")
	if err != nil || c.Type != "habit" || c.Confidence != 0.9 {
		t.Errorf("card = %+v, %v", c, err)
	}
}

func TestMaybeUpdate_Gates(t *testing.T) {
	u := New(Config{}, openTestStore(t), nil)
	if rep := u.MaybeUpdate(context.Background(), 1, workEntry, 0); rep.Attempted || rep.SkippedReason != "no_ok_blocks" {
		t.Errorf("report = %+v", rep)
	}
	if rep := u.MaybeUpdate(context.Background(), 1, analyzer.Analysis{Summary: "Summary not provided"}, 1); rep.Attempted || rep.SkippedReason != "not_meaningful" {
		t.Errorf("report = %+v", rep)
	}
	if rep := u.MaybeUpdate(context.Background(), 1, workEntry, 1); !rep.Attempted || !rep.OK {
		t.Errorf("report = %+v", rep)
	}
}

func TestParseOps(t *testing.T) {
	ops, err := parseOps("```json\n{\"ops\": [{\"op\": \"update\", \"card_id\": \"x\", \"confidence\": \"0.4\",}]}\n```")
	if err != nil {
		t.Fatalf("parseOps: %v", err)
	}
	if len(ops) != 1 || ops[0].CardID != "x" || ops[0].Confidence != 0.4 {
		t.Errorf("ops = %+v", ops)
	}
	if _, err := parseOps(`{"other": 1}`); !errors.Is(err, errNoOps) {
		t.Errorf("err = %v, want errNoOps", err)
	}
}
