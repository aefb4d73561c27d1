package config

import (
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/memoir/internal/analyzer"
	"github.com/kalambet/memoir/internal/cascade"
	"github.com/kalambet/memoir/internal/contextpack"
	"github.com/kalambet/memoir/internal/ingest"
	"github.com/kalambet/memoir/internal/memory"
	"github.com/kalambet/memoir/internal/privacy"
	"github.com/kalambet/memoir/internal/provider"
	"github.com/kalambet/memoir/internal/router"
	"github.com/kalambet/memoir/internal/worker"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// SlogLevel maps log.level to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// RouterPolicy is the cloud routing policy.
func (c Config) RouterPolicy() router.Policy {
	var intents []string
	for _, s := range strings.Split(c.Cloud.Intents, ",") {
		if s = strings.TrimSpace(s); s != "" {
			intents = append(intents, s)
		}
	}
	return router.Policy{
		CloudEnabled:      c.Cloud.Enabled,
		DefaultProvider:   c.Cloud.DefaultProvider,
		MaxPrivacyLevel:   c.Cloud.MaxPrivacyLevel,
		CharThreshold:     c.Cloud.CharThreshold,
		CloudIntents:      intents,
		AllowInference:    c.Cloud.AllowInference,
		AllowTraining:     c.Cloud.AllowTraining,
		BlockRawText:      c.Cloud.BlockRawText,
		OnlyWhenIdle:      c.Cloud.OnlyWhenIdle,
		AllowStyleProfile: c.Cloud.AllowStyleProfile,
		FailWindow:        seconds(c.Cloud.FailWindowS),
		FailThreshold:     c.Cloud.FailThreshold,
		CacheEnabled:      c.Cache.Enabled,
		CacheTTL:          seconds(c.Cache.TTLS),
		LocalModel:        c.Ollama.QwenModel,
	}
}

// ProviderSettings returns the connection settings of a cloud provider.
func (c Config) ProviderSettings(name string) provider.Settings {
	p := c.Provider(name)
	return provider.Settings{
		Name:              name,
		BaseURL:           p.BaseURL,
		APIKey:            p.APIKey,
		Model:             p.Model,
		Retries:           c.Cloud.Retries,
		ConnectTimeout:    seconds(c.Cloud.TimeoutConnectS),
		ReadTimeout:       seconds(c.Cloud.TimeoutReadS),
		RequestsPerMinute: c.Cloud.RequestsPerMinute,
	}
}

func (c Config) AnalyzerSettings() analyzer.Config {
	return analyzer.Config{
		Model:         c.Ollama.PhiModel,
		MinChars:      c.Analyzer.MinBlockChars,
		MaxChars:      c.Analyzer.MaxBlockChars,
		NumPredict:    c.Analyzer.NumPredict,
		PromptVersion: c.Analyzer.PromptVersion,
	}
}

// MemorySettings maps the memory keys. force_local wins over force_cloud and
// disables the cloud path even when cloud is enabled.
func (c Config) MemorySettings() memory.Config {
	return memory.Config{
		Model:         c.Memory.Model,
		PromptVersion: c.Memory.PromptVersion,
		UseCloud:      (c.Cloud.Enabled || c.Memory.ForceCloud) && !c.Memory.ForceLocal,
		UseLocalLLM:   c.Memory.UseLocalLLM || c.Memory.ForceLocal,
		Provider:      c.Memory.Provider,
		CloudModel:    c.Provider(c.Memory.Provider).Model,
		Pool:          c.ContextPack.MemPool,
	}
}

func (c Config) Limits() contextpack.Limits {
	return contextpack.Limits{
		TopK:       c.ContextPack.TopK,
		RecentN:    c.ContextPack.RecentN,
		MemPool:    c.ContextPack.MemPool,
		MemTopM:    c.ContextPack.MemTopM,
		CharBudget: c.ContextPack.CharBudget,
	}
}

func (c Config) ChatSettings() cascade.Config {
	cc := cascade.DefaultConfig()
	cc.Engine = c.Chat.Engine
	cc.RouteModel = c.Ollama.PhiModel
	cc.AnswerModel = c.Ollama.QwenModel
	cc.TotalTimeout = seconds(c.Chat.TotalTimeoutS)
	cc.RouteTimeout = seconds(c.Chat.RouteTimeoutS)
	cc.AnswerTimeout = seconds(c.Chat.AnswerTimeoutS)
	cc.AnswerNumPredict = c.Chat.AnswerNumPredict
	cc.ForceCloud = c.Chat.ForceCloud
	cc.PreferredProvider = c.Chat.PreferredProvider
	cc.Limits = c.Limits()
	return cc
}

func (c Config) WorkerSettings() worker.Config {
	return worker.Config{
		BatchLimit:  c.Worker.BatchLimit,
		MaxAttempts: c.Worker.MaxAttempts,
		RetryFailed: c.Worker.RetryFailed,
		Stale:       seconds(c.Worker.StaleS),
		JobTimeout:  seconds(c.Worker.JobTimeoutS),
		Poll:        time.Duration(c.Worker.PollMs) * time.Millisecond,
		Concurrency: c.Worker.Concurrency,
		Backend:     c.Worker.Backend,
		Provider:    c.Worker.Provider,
	}
}

func (c Config) IngestSettings() ingest.Config {
	return ingest.Config{MaxChars: c.Ingest.MaxChars, SegmentMaxChars: c.Segment.MaxChars}
}

// PrivacySettings decodes the pseudonym salt. Load has already validated it.
func (c Config) PrivacySettings() privacy.Config {
	salt, _ := hex.DecodeString(c.Privacy.SaltHex)
	return privacy.Config{Salt: salt, NER: c.Privacy.NERBackend}
}
