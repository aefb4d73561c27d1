package cascade

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/composer"
	"github.com/kalambet/memoir/internal/contextpack"
	"github.com/kalambet/memoir/internal/intent"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
)

// Debug is the per-turn trace returned when Options.Debug is set.
type Debug struct {
	Engine       string             `json:"engine"`
	Route        *intent.Route      `json:"route,omitempty"`
	RouteMs      int64              `json:"route_ms"`
	RouteErr     string             `json:"route_err,omitempty"`
	PackMeta     *contextpack.Meta  `json:"context_pack_meta,omitempty"`
	PackLen      int                `json:"context_pack_len"`
	PackErr      string             `json:"context_pack_err,omitempty"`
	Models       map[string]string  `json:"models"`
	Decision     *router.Decision   `json:"decision,omitempty"`
	Provider     string             `json:"provider,omitempty"`
	CacheHit     bool               `json:"cache_hit,omitempty"`
	FallbackFrom string             `json:"fallback_from,omitempty"`
	AnswerMs     int64              `json:"answer_ms"`
	AnswerErr    string             `json:"answer_err,omitempty"`
	Status       string             `json:"status"`
	ParseErr     string             `json:"parse_err,omitempty"`
	Evidence     *composer.Evidence `json:"evidence,omitempty"`
	ElapsedMs    int64              `json:"elapsed_ms"`
	TotalTimeout float64            `json:"total_timeout_s"`
	RemainingS   float64            `json:"remaining_s"`
}

// Cascade routes, retrieves and answers under one wall-clock budget.
type Cascade struct {
	cfg        Config
	gen        Generator
	packs      PackBuilder
	turns      TurnStore
	classifier *intent.Classifier
	log        *slog.Logger
}

func NewCascade(cfg Config, deps Deps) *Cascade {
	return &Cascade{
		cfg:        cfg,
		gen:        deps.Generator,
		packs:      deps.Packs,
		turns:      deps.Turns,
		classifier: intent.NewClassifier(deps.Generator, cfg.RouteModel, cfg.RouteNumPredict),
		log:        slog.Default(),
	}
}

func (c *Cascade) Name() string { return EngineCascade }

// Chat runs one turn: heuristic tag or routing classifier, context pack,
// grounded answer. A personal-history question whose answer call fails or
// times out gets the sentinel.
func (c *Cascade) Chat(ctx context.Context, text string, opts Options) (reply Reply) {
	start := time.Now()
	traceID := uuid.NewString()
	lang := intent.DetectLang(text)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TotalTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	dbg := &Debug{
		Engine:       EngineCascade,
		Models:       map[string]string{"route": c.cfg.RouteModel, "answer": c.cfg.AnswerModel},
		TotalTimeout: c.cfg.TotalTimeout.Seconds(),
	}
	defer func() {
		if v := recover(); v != nil {
			c.log.Error("chat turn panicked", "trace_id", traceID, "error", panicErr(v))
			reply = Reply{Text: composer.Sentinel(lang), TraceID: traceID, Status: composer.StatusNotRecorded}
		}
		dbg.Status = reply.Status
		dbg.ElapsedMs = time.Since(start).Milliseconds()
		dbg.RemainingS = max(0, time.Until(deadline).Seconds())
		if opts.Debug {
			reply.Debug = dbg
		}
		saveTurn(c.turns, storage.ChatTurn{
			ID: traceID, UserText: text, Reply: reply.Text, Engine: EngineCascade,
			Status: reply.Status, ElapsedMs: dbg.ElapsedMs,
		})
		c.log.Info("chat turn done", "trace_id", traceID, "status", reply.Status, "elapsed_ms", dbg.ElapsedMs)
	}()

	route := c.route(ctx, text, lang, deadline, dbg)
	dbg.Route = &route
	lang = route.Lang

	packJSON := "{}"
	if route.Intent != intent.General {
		pack, err := c.packs.Build(ctx, route.Query, contextpack.Limits{
			TopK:       route.TopK,
			RecentN:    route.RecentN,
			MemPool:    c.cfg.Limits.MemPool,
			MemTopM:    c.cfg.Limits.MemTopM,
			CharBudget: route.CharBudget,
		})
		if err != nil {
			c.log.Warn("context pack failed", "trace_id", traceID, "error", err)
			dbg.PackErr = err.Error()
		} else {
			packJSON = pack.ModelJSON()
			dbg.PackMeta = &pack.Meta
		}
	}
	dbg.PackLen = utf8.RuneCountInString(packJSON)

	res, err := c.answer(ctx, text, packJSON, lang, route.Intent, deadline, opts)
	dbg.AnswerMs = res.Elapsed.Milliseconds()
	dbg.AnswerErr = errString(err)
	if err == nil {
		dbg.Decision = &res.Decision
		dbg.Provider, dbg.CacheHit, dbg.FallbackFrom = res.Provider, res.CacheHit, res.FallbackFrom
	}

	r := composer.Resolve(route.Intent, lang, res.Content, err)
	dbg.ParseErr = r.ParseErr
	dbg.Evidence = &r.Evidence
	return Reply{Text: r.Text, TraceID: traceID, Status: r.Status}
}

func (c *Cascade) route(ctx context.Context, text, lang string, deadline time.Time, dbg *Debug) intent.Route {
	def := intent.Route{
		Intent:     intent.DiaryQA,
		TopK:       c.cfg.Limits.TopK,
		RecentN:    c.cfg.Limits.RecentN,
		CharBudget: c.cfg.Limits.CharBudget,
		Lang:       lang,
	}

	if tag, ok := intent.FastTag(text); ok {
		def.Query = tag
		dbg.RouteErr = "route_skipped_fast_tag"
		return def.Finalize(text)
	}

	timeout, ok := callTimeout(deadline, c.cfg.RouteTimeout, c.cfg.RouteReserve)
	if !ok {
		dbg.RouteErr = "route_skipped_budget"
		return def.Finalize(text)
	}
	timeout = max(timeout, time.Second)
	if remain := time.Until(deadline); timeout > remain {
		timeout = remain
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	r, err := c.classifier.Classify(rctx, text, def)
	dbg.RouteMs = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			dbg.RouteErr = "route_timeout>" + timeout.String()
		} else {
			dbg.RouteErr = "route_failed: " + err.Error()
		}
	}
	return r.Finalize(text)
}

func (c *Cascade) answer(ctx context.Context, text, packJSON, lang, in string, deadline time.Time, opts Options) (router.Result, error) {
	timeout, ok := callTimeout(deadline, c.cfg.AnswerTimeout, c.cfg.Margin)
	if !ok {
		return router.Result{}, context.DeadlineExceeded
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	idle := false
	p := router.Payload{
		Intent:            in,
		PromptVersion:     composer.AnswerPromptVersion,
		LocalModel:        c.cfg.AnswerModel,
		IsIdle:            &idle,
		FallbackBackend:   router.BackendLocal,
		PreferredProvider: c.cfg.PreferredProvider,
		ForceCloud:        c.cfg.ForceCloud || opts.ForceCloud,
		ForceLocal:        opts.ForceLocal,
	}
	if opts.PreferredProvider != "" {
		p.PreferredProvider = opts.PreferredProvider
	}
	return c.gen.Generate(actx, router.TaskAnswer, p, composer.AnswerMessages(text, packJSON, lang, in), router.Params{
		Temperature:    0,
		TopP:           0.1,
		MaxTokens:      c.cfg.AnswerNumPredict,
		ResponseFormat: "json_object",
	})
}
