package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/cascade"
	"github.com/kalambet/memoir/internal/config"
	"github.com/kalambet/memoir/internal/contextpack"
	"github.com/kalambet/memoir/internal/engine"
	"github.com/kalambet/memoir/internal/ingest"
	"github.com/kalambet/memoir/internal/memory"
	"github.com/kalambet/memoir/internal/ollama"
	"github.com/kalambet/memoir/internal/privacy"
	"github.com/kalambet/memoir/internal/profile"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/rollup"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/storage"
	"github.com/kalambet/memoir/internal/worker"
)

// app holds the wired components shared by the server and the offline
// commands.
type app struct {
	cfg     config.Config
	store   *storage.Store
	engine  *engine.OllamaEngine
	router  *router.Router
	profile *profile.Manager
	ingest  *ingest.Service
	chat    cascade.ChatEngine
	worker  *worker.Worker
	gate    *privacy.Gate
	apply   *privacy.Applier
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func newProviders(ctx context.Context, cfg config.Config) (*provider.Registry, error) {
	gemini, err := provider.NewGemini(ctx, cfg.ProviderSettings("gemini"))
	if err != nil {
		return nil, fmt.Errorf("creating gemini provider: %w", err)
	}
	return provider.NewRegistry(
		provider.NewOpenAICompatible(cfg.ProviderSettings("deepseek")),
		provider.NewOpenAICompatible(cfg.ProviderSettings("qwen")),
		gemini,
	), nil
}

// newApp opens storage and wires every component from cfg. The caller owns
// a.close.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL,
		ollama.WithMaxRetries(cfg.Ollama.MaxRetries),
		ollama.WithKeepAlive(cfg.Ollama.KeepAlive),
		ollama.WithConnectTimeout(seconds(cfg.Ollama.ConnectTimeoutS)),
	)

	providers, err := newProviders(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	rt := router.New(cfg.RouterPolicy(), providers, eng, store)

	gate, err := privacy.New(cfg.PrivacySettings())
	if err != nil {
		store.Close()
		return nil, err
	}

	profileMgr := profile.NewManager(store)
	packs := contextpack.NewBuilder(store, profileMgr)

	chat, err := cascade.New(cfg.ChatSettings(), cascade.Deps{
		Generator: rt,
		Packs:     packs,
		Recent:    store,
		Turns:     store,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	var blocks analyzer.BlockAnalyzer
	if cfg.Worker.Backend == "cloud" {
		ac := cfg.AnalyzerSettings()
		ac.Model = "" // provider default
		blocks = analyzer.NewCloud(ac, rt, cfg.Worker.Provider)
	} else {
		blocks = analyzer.NewLocal(cfg.AnalyzerSettings(), rt)
	}
	mem := memory.New(cfg.MemorySettings(), store, rt)
	rollups := rollup.NewRunner(store, cfg.Worker.MaxAttempts)
	w := worker.New(cfg.WorkerSettings(), store, blocks, rollups, mem)

	return &app{
		cfg:     cfg,
		store:   store,
		engine:  eng,
		router:  rt,
		profile: profileMgr,
		ingest:  ingest.NewService(store, cfg.IngestSettings(), ingest.WithRollups(rollups)),
		chat:    chat,
		worker:  w,
		gate:    gate,
		apply:   privacy.NewApplier(store),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}
