package cascade

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/composer"
	"github.com/kalambet/memoir/internal/intent"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
)

// Legacy is a persona chat. Its only grounding is recent entry summaries,
// which set tone and background; it does not retrieve or fail closed.
type Legacy struct {
	cfg    Config
	gen    Generator
	recent RecentSource
	turns  TurnStore
	log    *slog.Logger
}

func NewLegacy(cfg Config, deps Deps) *Legacy {
	return &Legacy{cfg: cfg, gen: deps.Generator, recent: deps.Recent, turns: deps.Turns, log: slog.Default()}
}

func (l *Legacy) Name() string { return EngineLegacy }

func (l *Legacy) Chat(ctx context.Context, text string, opts Options) (reply Reply) {
	start := time.Now()
	traceID := uuid.NewString()
	lang := intent.DetectLang(text)

	ctx, cancel := context.WithTimeout(ctx, l.cfg.TotalTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	dbg := &Debug{
		Engine:       EngineLegacy,
		Models:       map[string]string{"answer": l.cfg.AnswerModel},
		TotalTimeout: l.cfg.TotalTimeout.Seconds(),
	}
	defer func() {
		if v := recover(); v != nil {
			l.log.Error("chat turn panicked", "trace_id", traceID, "error", panicErr(v))
			reply = Reply{Text: composer.Sentinel(lang), TraceID: traceID, Status: "error"}
		}
		dbg.Status = reply.Status
		dbg.ElapsedMs = time.Since(start).Milliseconds()
		dbg.RemainingS = max(0, time.Until(deadline).Seconds())
		if opts.Debug {
			reply.Debug = dbg
		}
		saveTurn(l.turns, storage.ChatTurn{
			ID: traceID, UserText: text, Reply: reply.Text, Engine: EngineLegacy,
			Status: reply.Status, ElapsedMs: dbg.ElapsedMs,
		})
	}()

	msgs := composer.PersonaMessages(l.samples(), text, lang, l.cfg.PersonaChars)

	timeout, ok := callTimeout(deadline, l.cfg.AnswerTimeout, l.cfg.Margin)
	if !ok {
		dbg.AnswerErr = context.DeadlineExceeded.Error()
		return Reply{Text: composer.Sentinel(lang), TraceID: traceID, Status: "error"}
	}
	actx, acancel := context.WithTimeout(ctx, timeout)
	defer acancel()

	p := router.Payload{
		Intent:            router.TaskLegacyChat,
		PromptVersion:     composer.PersonaPromptVersion,
		LocalModel:        l.cfg.AnswerModel,
		FallbackBackend:   router.BackendLocal,
		PreferredProvider: l.cfg.PreferredProvider,
		ForceCloud:        l.cfg.ForceCloud || opts.ForceCloud,
		ForceLocal:        opts.ForceLocal,
	}
	if opts.PreferredProvider != "" {
		p.PreferredProvider = opts.PreferredProvider
	}
	res, err := l.gen.Generate(actx, router.TaskLegacyChat, p, msgs, router.Params{
		Temperature: 0.7,
		TopP:        0.9,
		MaxTokens:   l.cfg.AnswerNumPredict,
	})
	dbg.AnswerMs = res.Elapsed.Milliseconds()
	if err != nil {
		l.log.Warn("legacy chat failed", "trace_id", traceID, "error", err)
		dbg.AnswerErr = err.Error()
		return Reply{Text: composer.Sentinel(lang), TraceID: traceID, Status: "error"}
	}
	dbg.Decision = &res.Decision
	dbg.Provider, dbg.CacheHit, dbg.FallbackFrom = res.Provider, res.CacheHit, res.FallbackFrom

	out := strings.TrimSpace(res.Content)
	if out == "" {
		return Reply{Text: composer.Sentinel(lang), TraceID: traceID, Status: "empty"}
	}
	return Reply{Text: out, TraceID: traceID, Status: composer.StatusOK}
}

// samples returns recent summaries oldest first. Store errors are logged
// and yield no samples.
func (l *Legacy) samples() []composer.Sample {
	if l.recent == nil || l.cfg.PersonaSamples <= 0 {
		return nil
	}
	briefs, err := l.recent.RecentAnalyses(l.cfg.PersonaSamples)
	if err != nil {
		l.log.Warn("listing recent entries failed", "error", err)
		return nil
	}
	out := make([]composer.Sample, 0, len(briefs))
	for i := len(briefs) - 1; i >= 0; i-- {
		var a struct {
			Summary string `json:"summary_1_3"`
		}
		if json.Unmarshal([]byte(briefs[i].AnalysisJSON), &a) != nil {
			continue
		}
		out = append(out, composer.Sample{Date: briefs[i].CreatedAt, Summary: a.Summary})
	}
	return out
}
