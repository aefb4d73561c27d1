package analyzer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
)

const validJSON = `{"summary_1_3":"Worked late on the report.","signals":{"mood":4,"stress":7,"sleep":null,"exercise":null,"social":null,"work":8},"facts":["worked late"],"todos":[],"topics":["work"],"evidence_spans":["worked late"],"reflection_depth":1}`

var blockText = strings.Repeat("Worked late on the quarterly report and felt drained afterwards. ", 2)

type fakeGenerator struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	provider string
	tasks    []string
	payloads []router.Payload
	params   []router.Params
	msgs     [][]provider.Message
}

func (f *fakeGenerator) Generate(_ context.Context, task string, p router.Payload, msgs []provider.Message, params router.Params) (router.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	f.payloads = append(f.payloads, p)
	f.params = append(f.params, params)
	f.msgs = append(f.msgs, msgs)
	i := len(f.payloads) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return router.Result{}, f.errs[i]
	}
	if i >= len(f.replies) {
		return router.Result{}, errors.New("no reply scripted")
	}
	name, model := f.provider, "deepseek-chat"
	if name == "" {
		name = "deepseek"
	}
	if p.LocalModel != "" && !p.ForceCloud {
		model = p.LocalModel
	}
	return router.Result{Content: f.replies[i], Provider: name, Model: model}, nil
}

func TestCheckInput(t *testing.T) {
	cfg := Config{MinChars: 10, MaxChars: 20}
	tests := []struct {
		in      string
		wantErr error
	}{
		{"  short  ", ErrTooShort},
		{"exactly ten", nil},
		{strings.Repeat("字", 20), nil},
		{strings.Repeat("字", 21), ErrTooLong},
	}
	for _, tt := range tests {
		_, err := cfg.CheckInput(tt.in)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("CheckInput(%q) err = %v, want %v", tt.in, err, tt.wantErr)
		}
		if tt.wantErr != nil && fault.KindOf(err) != fault.KindInput {
			t.Errorf("CheckInput(%q) kind = %v, want input", tt.in, fault.KindOf(err))
		}
	}
}

func TestCheckInput_Message(t *testing.T) {
	_, err := Config{MinChars: 80}.CheckInput("tiny")
	if err == nil || !strings.Contains(err.Error(), "block too short: 4 chars") {
		t.Errorf("err = %v", err)
	}
}

func TestMessages(t *testing.T) {
	msgs := Messages("Evening", "  read a book  ")
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if !strings.HasSuffix(msgs[1].Content, "DIARY BLOCK:\nTITLE: Evening\nread a book\n") {
		t.Errorf("user prompt = %q", msgs[1].Content)
	}
	if strings.Contains(Messages("", "x")[1].Content, "TITLE:") {
		t.Error("empty title rendered")
	}
}

func TestLocal_Analyze(t *testing.T) {
	g := &fakeGenerator{provider: "ollama", replies: []string{"Sure! Here it is:\n```json\n" + validJSON + "\n```"}}
	a := NewLocal(Config{Model: "phi3.5:3.8b"}, g)

	res, err := a.Analyze(context.Background(), "Work", blockText)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Analysis.Summary != "Worked late on the report." || res.Repaired {
		t.Errorf("res = %+v", res)
	}
	if res.Provider != "ollama" || res.Model != "phi3.5:3.8b" {
		t.Errorf("provider/model = %s/%s", res.Provider, res.Model)
	}
	if got := res.Analysis.Signals.Work; got == nil || *got != 8 {
		t.Errorf("work signal = %v, want 8", got)
	}

	if g.tasks[0] != router.TaskBlockAnalyze {
		t.Errorf("task = %q, want %q", g.tasks[0], router.TaskBlockAnalyze)
	}
	want := router.Payload{
		PromptVersion:   "phi_block_extract_v1",
		LocalModel:      "phi3.5:3.8b",
		FallbackBackend: router.FallbackNone,
	}
	if diff := cmp.Diff(want, g.payloads[0]); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	wantParams := router.Params{Temperature: 0, TopP: 0.1, MaxTokens: 350, ResponseFormat: "json_object"}
	if diff := cmp.Diff(wantParams, g.params[0]); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

type scriptedEngine struct {
	mu      sync.Mutex
	replies []string
	reqs    []engine.ChatRequest
}

func (e *scriptedEngine) Chat(_ context.Context, req engine.ChatRequest) (engine.ChatResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	if len(e.replies) == 0 {
		return engine.ChatResponse{}, errors.New("no reply scripted")
	}
	r := e.replies[0]
	e.replies = e.replies[1:]
	return engine.ChatResponse{Text: r, PromptTokens: 40, CompletionTokens: 20}, nil
}
func (e *scriptedEngine) IsRunning(context.Context) bool              { return true }
func (e *scriptedEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (e *scriptedEngine) HasModel(context.Context, string) bool        { return true }
func (e *scriptedEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

func TestLocal_AnalyzeThroughRouterIsAudited(t *testing.T) {
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	eng := &scriptedEngine{replies: []string{"no json", validJSON}}
	rt := router.New(router.Policy{CloudEnabled: true, DefaultProvider: "deepseek", AllowInference: true}, provider.NewRegistry(), eng, s)

	res, err := NewLocal(Config{Model: "phi3.5:3.8b"}, rt).Analyze(context.Background(), "", blockText)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Repaired || res.Provider != "ollama" {
		t.Errorf("res = %+v", res)
	}
	if len(eng.reqs) != 2 || !eng.reqs[0].JSON || eng.reqs[0].Model != "phi3.5:3.8b" || eng.reqs[0].Options.TopP != 0.1 {
		t.Fatalf("engine requests = %+v", eng.reqs)
	}

	calls, err := s.ListLLMCalls(10)
	if err != nil {
		t.Fatalf("ListLLMCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(calls))
	}
	for _, c := range calls {
		if c.Task != router.TaskBlockAnalyze || c.Provider != "ollama" || c.Status != "ok" || c.PromptVersion != "phi_block_extract_v1" {
			t.Errorf("audit row = %+v", c)
		}
	}
}

func TestLocal_RepairRoundTrip(t *testing.T) {
	g := &fakeGenerator{replies: []string{`{"summary_1_3": ""}`, validJSON}}
	a := NewLocal(Config{Model: "m"}, g)

	res, err := a.Analyze(context.Background(), "", blockText)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Repaired || len(g.msgs) != 2 {
		t.Errorf("Repaired = %v, calls = %d", res.Repaired, len(g.msgs))
	}
	if !strings.HasPrefix(g.msgs[1][1].Content, "BAD OUTPUT:\n") {
		t.Errorf("repair prompt = %q", g.msgs[1][1].Content)
	}
}

func TestLocal_RepairFailureIsValidation(t *testing.T) {
	g := &fakeGenerator{replies: []string{"no json", "still no json"}}
	_, err := NewLocal(Config{Model: "m"}, g).Analyze(context.Background(), "", blockText)
	if fault.KindOf(err) != fault.KindValidation {
		t.Errorf("kind = %v, want validation (err %v)", fault.KindOf(err), err)
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestLocal_InputErrorSkipsModel(t *testing.T) {
	g := &fakeGenerator{}
	_, err := NewLocal(Config{}, g).Analyze(context.Background(), "", "too short")
	if !errors.Is(err, ErrTooShort) {
		t.Errorf("err = %v", err)
	}
	if len(g.msgs) != 0 {
		t.Errorf("model called %d times", len(g.msgs))
	}
}

func TestLocal_UnclassifiedErrorIsTransient(t *testing.T) {
	g := &fakeGenerator{errs: []error{errors.New("connection refused")}}
	_, err := NewLocal(Config{}, g).Analyze(context.Background(), "", blockText)
	if fault.KindOf(err) != fault.KindTransient {
		t.Errorf("kind = %v, want transient", fault.KindOf(err))
	}
}

func TestLocal_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := &fakeGenerator{errs: []error{context.Canceled}}
	_, err := NewLocal(Config{}, g).Analyze(ctx, "", blockText)
	if !fault.Cancelled(err) {
		t.Errorf("err = %v, want cancellation", err)
	}
}

func TestCloud_Analyze(t *testing.T) {
	g := &fakeGenerator{replies: []string{validJSON}}
	a := NewCloud(Config{}, g, "qwen")

	res, err := a.Analyze(context.Background(), "", blockText)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Provider != "deepseek" || res.Model != "deepseek-chat" {
		t.Errorf("res = %+v", res)
	}
	want := router.Payload{
		Intent:            "long_write",
		PromptVersion:     "phi_block_extract_v1",
		ForceCloud:        true,
		FallbackBackend:   router.FallbackNone,
		PreferredProvider: "qwen",
	}
	if diff := cmp.Diff(want, g.payloads[0]); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if g.params[0].ResponseFormat != "json_object" || g.params[0].MaxTokens != 350 {
		t.Errorf("params = %+v", g.params[0])
	}
}

func TestCloud_RepairFailureIsValidation(t *testing.T) {
	text := "Met Alice at 5 Elm Street; my passport number is 123456789. " + blockText
	g := &fakeGenerator{replies: []string{"not json at all", "not json at all"}}
	res, err := NewCloud(Config{}, g, "").Analyze(context.Background(), "", text)
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %v, want validation (err %v)", fault.KindOf(err), err)
	}
	if len(g.msgs) != 2 {
		t.Errorf("calls = %d, want 2", len(g.msgs))
	}
	if strings.Contains(res.Analysis.Summary, "passport") || len(res.Analysis.Facts) != 0 {
		t.Errorf("analysis carries block text: %+v", res.Analysis)
	}
}

func TestCloud_RepairCallErrorPropagates(t *testing.T) {
	boom := &provider.Error{Provider: "deepseek", Code: "http_error", Status: 503, Retryable: true}
	g := &fakeGenerator{replies: []string{"garbage"}, errs: []error{nil, boom}}
	_, err := NewCloud(Config{}, g, "").Analyze(context.Background(), "", blockText)
	if err == nil {
		t.Fatal("Analyze succeeded after a failed repair call")
	}
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Status != 503 {
		t.Errorf("err = %v, want the provider error", err)
	}
}

func TestCloud_FirstCallErrorPropagates(t *testing.T) {
	boom := &provider.Error{Provider: "deepseek", Code: provider.CodeMissingAPIKey}
	g := &fakeGenerator{errs: []error{boom}}
	_, err := NewCloud(Config{}, g, "").Analyze(context.Background(), "", blockText)
	if fault.KindOf(err) != fault.KindConfig {
		t.Errorf("kind = %v, want config (err %v)", fault.KindOf(err), err)
	}
}

func TestIsPlaceholder(t *testing.T) {
	if !IsPlaceholder("summary NOT provided ") {
		t.Error("IsPlaceholder case-insensitive match failed")
	}
	if IsPlaceholder("Worked late") {
		t.Error("IsPlaceholder matched a real summary")
	}
}
