package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/memoir/internal/contextpack"
	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	task    string
	payload router.Payload
	msgs    []provider.Message
	params  router.Params
}

type mockGenerator struct {
	mu    sync.Mutex
	calls []call
	fn    func(ctx context.Context, task string) (router.Result, error)
}

func (m *mockGenerator) Generate(ctx context.Context, task string, p router.Payload, msgs []provider.Message, params router.Params) (router.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call{task: task, payload: p, msgs: msgs, params: params})
	m.mu.Unlock()
	return m.fn(ctx, task)
}

func (m *mockGenerator) tasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, c.task)
	}
	return out
}

func (m *mockGenerator) last() call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type mockPacks struct {
	mu      sync.Mutex
	queries []string
	limits  []contextpack.Limits
	err     error
}

func (m *mockPacks) Build(_ context.Context, q string, lim contextpack.Limits) (*contextpack.Pack, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	m.limits = append(m.limits, lim)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &contextpack.Pack{
		Schema: contextpack.Schema, Query: q, Limits: lim,
		Recent: []contextpack.Recent{{EntryID: 1, Summary: "Work was tiring today.", Topics: []string{"work"}}},
	}, nil
}

type mockTurns struct {
	mu    sync.Mutex
	turns []storage.ChatTurn
	err   error
}

func (m *mockTurns) SaveChatTurn(t storage.ChatTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TotalTimeout = 5 * time.Second
	cfg.RouteTimeout = time.Second
	cfg.AnswerTimeout = 2 * time.Second
	cfg.RouteReserve = 100 * time.Millisecond
	cfg.Margin = 10 * time.Millisecond
	return cfg
}

func answerOK(content string) func(context.Context, string) (router.Result, error) {
	return func(_ context.Context, task string) (router.Result, error) {
		return router.Result{Content: content, Provider: "ollama", Decision: router.Decision{Backend: router.BackendLocal}}, nil
	}
}

func TestCascade_FastTagSkipsClassifier(t *testing.T) {
	gen := &mockGenerator{fn: answerOK(`{"answer":"You had a long meeting.","status":"ok","evidence":{"entry_ids":[1]}}`)}
	packs := &mockPacks{}
	turns := &mockTurns{}
	c := NewCascade(testConfig(), Deps{Generator: gen, Packs: packs, Turns: turns})

	reply := c.Chat(context.Background(), "What did I do at work?", Options{})
	if reply.Text != "You had a long meeting." {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.TraceID == "" || reply.Debug != nil {
		t.Errorf("reply = %+v", reply)
	}
	if got := gen.tasks(); len(got) != 1 || got[0] != router.TaskAnswer {
		t.Errorf("tasks = %v, want [answer]", got)
	}
	if len(packs.queries) != 1 || packs.queries[0] != "work" {
		t.Errorf("pack queries = %v", packs.queries)
	}
	if lim := packs.limits[0]; lim.TopK != 5 || lim.RecentN != 8 || lim.CharBudget != 3000 || lim.MemTopM != 8 {
		t.Errorf("pack limits = %+v", lim)
	}

	ans := gen.last()
	if !strings.Contains(ans.msgs[1].Content, "Work was tiring today.") {
		t.Errorf("answer prompt lacks context pack: %s", ans.msgs[1].Content)
	}
	if ans.payload.LocalModel != "qwen2.5:7b" || ans.payload.FallbackBackend != router.BackendLocal || ans.payload.IsIdle == nil || *ans.payload.IsIdle {
		t.Errorf("payload = %+v", ans.payload)
	}
	if ans.params.ResponseFormat != "json_object" || ans.params.MaxTokens != 420 {
		t.Errorf("params = %+v", ans.params)
	}

	if len(turns.turns) != 1 || turns.turns[0].ID != reply.TraceID || turns.turns[0].Engine != EngineCascade || turns.turns[0].Status != "ok" {
		t.Errorf("turns = %+v", turns.turns)
	}
}

func TestCascade_GeneralIntentSkipsPack(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, task string) (router.Result, error) {
		if task == router.TaskClassifyRoute {
			return router.Result{Content: `{"intent":"general","query":"france","top_k":5,"recent_n":5,"char_budget":2000,"lang":"en"}`}, nil
		}
		return router.Result{Content: "Paris is the capital of France."}, nil
	}}
	packs := &mockPacks{}
	c := NewCascade(testConfig(), Deps{Generator: gen, Packs: packs})

	reply := c.Chat(context.Background(), "What is the capital of France?", Options{Debug: true})
	if reply.Text != "Paris is the capital of France." {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(packs.queries) != 0 {
		t.Errorf("pack built for general intent: %v", packs.queries)
	}
	if got := gen.tasks(); len(got) != 2 || got[0] != router.TaskClassifyRoute {
		t.Errorf("tasks = %v", got)
	}
	if !strings.HasSuffix(gen.last().msgs[1].Content, "CONTEXT_PACK_JSON:\n{}") {
		t.Errorf("answer prompt = %q", gen.last().msgs[1].Content)
	}

	d := reply.Debug
	if d == nil || d.Route == nil {
		t.Fatalf("Debug = %+v", d)
	}
	if d.Route.Intent != "general" || d.Route.TopK != 0 || d.Route.Query != "" {
		t.Errorf("route = %+v", d.Route)
	}
	if d.ParseErr == "" {
		t.Error("ParseErr empty for plain-text answer")
	}
}

func TestCascade_ClassifierFailureUsesHeuristic(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, task string) (router.Result, error) {
		if task == router.TaskClassifyRoute {
			return router.Result{}, errors.New("model not loaded")
		}
		return router.Result{Content: `{"answer":"Not recorded","status":"not_recorded"}`}, nil
	}}
	packs := &mockPacks{}
	c := NewCascade(testConfig(), Deps{Generator: gen, Packs: packs})

	reply := c.Chat(context.Background(), "Tell me about the trip to Paris", Options{Debug: true})
	if reply.Text != "Not recorded" {
		t.Errorf("Text = %q", reply.Text)
	}
	if len(packs.queries) != 1 || packs.queries[0] != "tell me about trip" {
		t.Errorf("pack queries = %v", packs.queries)
	}
	if !strings.HasPrefix(reply.Debug.RouteErr, "route_failed") {
		t.Errorf("RouteErr = %q", reply.Debug.RouteErr)
	}
}

func TestCascade_FailClosedOnTimeout(t *testing.T) {
	gen := &mockGenerator{fn: func(ctx context.Context, _ string) (router.Result, error) {
		<-ctx.Done()
		return router.Result{}, ctx.Err()
	}}
	cfg := testConfig()
	cfg.TotalTimeout = 300 * time.Millisecond
	cfg.RouteReserve = 50 * time.Millisecond
	c := NewCascade(cfg, Deps{Generator: gen, Packs: &mockPacks{}})

	start := time.Now()
	reply := c.Chat(context.Background(), "What did I do yesterday?", Options{Debug: true})
	elapsed := time.Since(start)

	if reply.Text != "Not recorded" {
		t.Errorf("Text = %q, want sentinel", reply.Text)
	}
	if elapsed > cfg.TotalTimeout+time.Second {
		t.Errorf("Chat took %v, budget %v", elapsed, cfg.TotalTimeout)
	}
	if reply.Debug.AnswerErr == "" {
		t.Error("AnswerErr empty")
	}
}

func TestCascade_ProviderErrorSentinelZH(t *testing.T) {
	gen := &mockGenerator{fn: func(context.Context, string) (router.Result, error) {
		return router.Result{}, &provider.Error{Provider: "deepseek", Code: provider.CodeMissingAPIKey}
	}}
	c := NewCascade(testConfig(), Deps{Generator: gen, Packs: &mockPacks{}})
	if reply := c.Chat(context.Background(), "我昨天睡得怎么样", Options{}); reply.Text != "未记录" {
		t.Errorf("Text = %q, want 未记录", reply.Text)
	}
}

func TestCascade_PackErrorStillAnswers(t *testing.T) {
	gen := &mockGenerator{fn: answerOK(`{"answer":"Not recorded","status":"not_recorded"}`)}
	c := NewCascade(testConfig(), Deps{Generator: gen, Packs: &mockPacks{err: errors.New("db locked")}})
	reply := c.Chat(context.Background(), "how did I sleep", Options{Debug: true})
	if reply.Text != "Not recorded" || reply.Debug.PackErr == "" {
		t.Errorf("reply = %+v, debug = %+v", reply, reply.Debug)
	}
}

func TestCascade_OptionsReachPayload(t *testing.T) {
	gen := &mockGenerator{fn: answerOK(`{"answer":"ok then","status":"ok"}`)}
	cfg := testConfig()
	cfg.PreferredProvider = "deepseek"
	c := NewCascade(cfg, Deps{Generator: gen, Packs: &mockPacks{}})

	c.Chat(context.Background(), "work?", Options{PreferredProvider: "qwen", ForceCloud: true})
	p := gen.last().payload
	if p.PreferredProvider != "qwen" || !p.ForceCloud || p.ForceLocal {
		t.Errorf("payload = %+v", p)
	}
}

func TestCascade_TurnStoreErrorIgnored(t *testing.T) {
	gen := &mockGenerator{fn: answerOK(`{"answer":"A walk.","status":"ok"}`)}
	c := NewCascade(testConfig(), Deps{Generator: gen, Packs: &mockPacks{}, Turns: &mockTurns{err: errors.New("disk full")}})
	if reply := c.Chat(context.Background(), "exercise?", Options{}); reply.Text != "A walk." {
		t.Errorf("Text = %q", reply.Text)
	}
}

func TestDebug_JSONShape(t *testing.T) {
	gen := &mockGenerator{fn: answerOK(`{"answer":"Yes.","status":"ok"}`)}
	c := NewCascade(testConfig(), Deps{Generator: gen, Packs: &mockPacks{}})
	reply := c.Chat(context.Background(), "did I sleep well", Options{Debug: true})

	b, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	json.Unmarshal(b, &m)
	if m["reply"] != "Yes." || m["trace_id"] == "" {
		t.Errorf("reply json = %s", b)
	}
	dbg, _ := m["debug"].(map[string]any)
	if dbg["route_err"] != "route_skipped_fast_tag" || dbg["engine"] != EngineCascade {
		t.Errorf("debug = %v", dbg)
	}
}

func TestNew(t *testing.T) {
	deps := Deps{Generator: &mockGenerator{}, Packs: &mockPacks{}}
	for name, want := range map[string]string{"": EngineCascade, "cascade": EngineCascade, "legacy": EngineLegacy} {
		cfg := testConfig()
		cfg.Engine = name
		e, err := New(cfg, deps)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if e.Name() != want {
			t.Errorf("New(%q).Name() = %q, want %q", name, e.Name(), want)
		}
	}

	cfg := testConfig()
	cfg.Engine = "magic"
	if _, err := New(cfg, deps); fault.KindOf(err) != fault.KindConfig {
		t.Errorf("err = %v, want config error", err)
	}
}
