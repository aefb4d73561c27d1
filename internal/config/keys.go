package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// altEnv lists conventional variable names consulted after env.
	altEnv  []string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MEMOIR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "MEMOIR_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "log.level", typ: kString, env: "MEMOIR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEMOIR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MEMOIR_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.phi_model", typ: kString, env: "MEMOIR_OLLAMA_PHI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.PhiModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.PhiModel },
	},
	{
		key: "ollama.qwen_model", typ: kString, env: "MEMOIR_OLLAMA_QWEN_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.QwenModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.QwenModel },
	},
	{
		key: "ollama.max_retries", typ: kInt, env: "MEMOIR_OLLAMA_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Ollama.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.MaxRetries },
	},
	{
		key: "ollama.connect_timeout_s", typ: kInt, env: "MEMOIR_OLLAMA_CONNECT_TIMEOUT_S",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ConnectTimeoutS = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.ConnectTimeoutS },
	},
	{
		key: "ollama.keep_alive", typ: kString, env: "MEMOIR_OLLAMA_KEEP_ALIVE",
		apply:   func(cfg *Config, v any) { cfg.Ollama.KeepAlive = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.KeepAlive },
	},
	{
		key: "analyzer.min_block_chars", typ: kInt, env: "MEMOIR_ANALYZER_MIN_BLOCK_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.MinBlockChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Analyzer.MinBlockChars },
	},
	{
		key: "analyzer.max_block_chars", typ: kInt, env: "MEMOIR_ANALYZER_MAX_BLOCK_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.MaxBlockChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Analyzer.MaxBlockChars },
	},
	{
		key: "analyzer.num_predict", typ: kInt, env: "MEMOIR_ANALYZER_NUM_PREDICT",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.NumPredict = v.(int) },
		extract: func(cfg Config) any { return cfg.Analyzer.NumPredict },
	},
	{
		key: "analyzer.prompt_version", typ: kString, env: "MEMOIR_ANALYZER_PROMPT_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Analyzer.PromptVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Analyzer.PromptVersion },
	},
	{
		key: "ingest.max_chars", typ: kInt, env: "MEMOIR_INGEST_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxChars },
	},
	{
		key: "segment.max_chars", typ: kInt, env: "MEMOIR_SEGMENT_MAX_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Segment.MaxChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Segment.MaxChars },
	},
	{
		key: "cloud.enabled", typ: kBool, env: "MEMOIR_CLOUD_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cloud.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cloud.Enabled },
	},
	{
		key: "cloud.default_provider", typ: kString, env: "MEMOIR_CLOUD_DEFAULT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Cloud.DefaultProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.DefaultProvider },
	},
	{
		key: "cloud.max_privacy_level", typ: kString, env: "MEMOIR_CLOUD_MAX_PRIVACY_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Cloud.MaxPrivacyLevel = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.MaxPrivacyLevel },
	},
	{
		key: "cloud.char_threshold", typ: kInt, env: "MEMOIR_CLOUD_CHAR_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cloud.CharThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Cloud.CharThreshold },
	},
	{
		key: "cloud.intents", typ: kString, env: "MEMOIR_CLOUD_INTENTS",
		apply:   func(cfg *Config, v any) { cfg.Cloud.Intents = v.(string) },
		extract: func(cfg Config) any { return cfg.Cloud.Intents },
	},
	{
		key: "cloud.allow_inference", typ: kBool, env: "MEMOIR_CLOUD_ALLOW_INFERENCE",
		apply:   func(cfg *Config, v any) { cfg.Cloud.AllowInference = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cloud.AllowInference },
	},
	{
		key: "cloud.allow_training", typ: kBool, env: "MEMOIR_CLOUD_ALLOW_TRAINING",
		apply:   func(cfg *Config, v any) { cfg.Cloud.AllowTraining = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cloud.AllowTraining },
	},
	{
		key: "cloud.block_raw_text", typ: kBool, env: "MEMOIR_CLOUD_BLOCK_RAW_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Cloud.BlockRawText = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cloud.BlockRawText },
	},
	{
		key: "cloud.only_when_idle", typ: kBool, env: "MEMOIR_CLOUD_ONLY_WHEN_IDLE",
		apply:   func(cfg *Config, v any) { cfg.Cloud.OnlyWhenIdle = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cloud.OnlyWhenIdle },
	},
	{
		key: "cloud.allow_style_profile", typ: kBool, env: "MEMOIR_CLOUD_ALLOW_STYLE_PROFILE",
		apply:   func(cfg *Config, v any) { cfg.Cloud.AllowStyleProfile = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cloud.AllowStyleProfile },
	},
	{
		key: "cloud.fail_window_s", typ: kInt, env: "MEMOIR_CLOUD_FAIL_WINDOW_S",
		apply:   func(cfg *Config, v any) { cfg.Cloud.FailWindowS = v.(int) },
		extract: func(cfg Config) any { return cfg.Cloud.FailWindowS },
	},
	{
		key: "cloud.fail_threshold", typ: kInt, env: "MEMOIR_CLOUD_FAIL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cloud.FailThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.Cloud.FailThreshold },
	},
	{
		key: "cloud.retries", typ: kInt, env: "MEMOIR_CLOUD_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Cloud.Retries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cloud.Retries },
	},
	{
		key: "cloud.timeout_connect_s", typ: kInt, env: "MEMOIR_CLOUD_TIMEOUT_CONNECT_S",
		apply:   func(cfg *Config, v any) { cfg.Cloud.TimeoutConnectS = v.(int) },
		extract: func(cfg Config) any { return cfg.Cloud.TimeoutConnectS },
	},
	{
		key: "cloud.timeout_read_s", typ: kInt, env: "MEMOIR_CLOUD_TIMEOUT_READ_S",
		apply:   func(cfg *Config, v any) { cfg.Cloud.TimeoutReadS = v.(int) },
		extract: func(cfg Config) any { return cfg.Cloud.TimeoutReadS },
	},
	{
		key: "cloud.requests_per_minute", typ: kInt, env: "MEMOIR_CLOUD_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Cloud.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Cloud.RequestsPerMinute },
	},
	{
		key: "cache.enabled", typ: kBool, env: "MEMOIR_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Cache.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.Enabled },
	},
	{
		key: "cache.ttl_s", typ: kInt, env: "MEMOIR_CACHE_TTL_S",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTLS = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.TTLS },
	},
	{
		key: "deepseek.base_url", typ: kString, env: "MEMOIR_DEEPSEEK_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.DeepSeek.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.DeepSeek.BaseURL },
	},
	{
		key: "deepseek.model", typ: kString, env: "MEMOIR_DEEPSEEK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.DeepSeek.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.DeepSeek.Model },
	},
	{
		key: "deepseek.api_key", typ: kString, env: "MEMOIR_DEEPSEEK_API_KEY",
		secret: true, altEnv: []string{"DEEPSEEK_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.DeepSeek.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.DeepSeek.APIKey },
	},
	{
		key: "qwen.base_url", typ: kString, env: "MEMOIR_QWEN_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Qwen.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qwen.BaseURL },
	},
	{
		key: "qwen.model", typ: kString, env: "MEMOIR_QWEN_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Qwen.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Qwen.Model },
	},
	{
		key: "qwen.api_key", typ: kString, env: "MEMOIR_QWEN_API_KEY",
		secret: true, altEnv: []string{"DASHSCOPE_API_KEY", "QWEN_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.Qwen.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qwen.APIKey },
	},
	{
		key: "gemini.model", typ: kString, env: "MEMOIR_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "gemini.api_key", typ: kString, env: "MEMOIR_GEMINI_API_KEY",
		secret: true, altEnv: []string{"GEMINI_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "server.api_token", typ: kString, env: "MEMOIR_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.APIToken },
	},
	{
		key: "privacy.salt_hex", typ: kString, env: "MEMOIR_PRIVACY_SALT_HEX",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Privacy.SaltHex = v.(string) },
		extract: func(cfg Config) any { return cfg.Privacy.SaltHex },
	},
	{
		key: "privacy.ner_backend", typ: kString, env: "MEMOIR_PRIVACY_NER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Privacy.NERBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Privacy.NERBackend },
	},
	{
		key: "worker.batch_limit", typ: kInt, env: "MEMOIR_WORKER_BATCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Worker.BatchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.BatchLimit },
	},
	{
		key: "worker.max_attempts", typ: kInt, env: "MEMOIR_WORKER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxAttempts },
	},
	{
		key: "worker.retry_failed", typ: kBool, env: "MEMOIR_WORKER_RETRY_FAILED",
		apply:   func(cfg *Config, v any) { cfg.Worker.RetryFailed = v.(bool) },
		extract: func(cfg Config) any { return cfg.Worker.RetryFailed },
	},
	{
		key: "worker.stale_s", typ: kInt, env: "MEMOIR_WORKER_STALE_S",
		apply:   func(cfg *Config, v any) { cfg.Worker.StaleS = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.StaleS },
	},
	{
		key: "worker.job_timeout_s", typ: kInt, env: "MEMOIR_WORKER_JOB_TIMEOUT_S",
		apply:   func(cfg *Config, v any) { cfg.Worker.JobTimeoutS = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.JobTimeoutS },
	},
	{
		key: "worker.backend", typ: kString, env: "MEMOIR_WORKER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Worker.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.Backend },
	},
	{
		key: "worker.provider", typ: kString, env: "MEMOIR_WORKER_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Worker.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.Provider },
	},
	{
		key: "worker.poll_ms", typ: kInt, env: "MEMOIR_WORKER_POLL_MS",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.PollMs },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "MEMOIR_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "chat.engine", typ: kString, env: "MEMOIR_CHAT_ENGINE",
		apply:   func(cfg *Config, v any) { cfg.Chat.Engine = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Engine },
	},
	{
		key: "chat.total_timeout_s", typ: kInt, env: "MEMOIR_CHAT_TOTAL_TIMEOUT_S",
		apply:   func(cfg *Config, v any) { cfg.Chat.TotalTimeoutS = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TotalTimeoutS },
	},
	{
		key: "chat.route_timeout_s", typ: kInt, env: "MEMOIR_CHAT_ROUTE_TIMEOUT_S",
		apply:   func(cfg *Config, v any) { cfg.Chat.RouteTimeoutS = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.RouteTimeoutS },
	},
	{
		key: "chat.answer_timeout_s", typ: kInt, env: "MEMOIR_CHAT_ANSWER_TIMEOUT_S",
		apply:   func(cfg *Config, v any) { cfg.Chat.AnswerTimeoutS = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.AnswerTimeoutS },
	},
	{
		key: "chat.answer_num_predict", typ: kInt, env: "MEMOIR_CHAT_ANSWER_NUM_PREDICT",
		apply:   func(cfg *Config, v any) { cfg.Chat.AnswerNumPredict = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.AnswerNumPredict },
	},
	{
		key: "chat.force_cloud", typ: kBool, env: "MEMOIR_CHAT_FORCE_CLOUD",
		apply:   func(cfg *Config, v any) { cfg.Chat.ForceCloud = v.(bool) },
		extract: func(cfg Config) any { return cfg.Chat.ForceCloud },
	},
	{
		key: "chat.preferred_provider", typ: kString, env: "MEMOIR_CHAT_PREFERRED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Chat.PreferredProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.PreferredProvider },
	},
	{
		key: "memory.model", typ: kString, env: "MEMOIR_MEMORY_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Memory.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.Model },
	},
	{
		key: "memory.prompt_version", typ: kString, env: "MEMOIR_MEMORY_PROMPT_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Memory.PromptVersion = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.PromptVersion },
	},
	{
		key: "memory.force_cloud", typ: kBool, env: "MEMOIR_MEMORY_FORCE_CLOUD",
		apply:   func(cfg *Config, v any) { cfg.Memory.ForceCloud = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.ForceCloud },
	},
	{
		key: "memory.force_local", typ: kBool, env: "MEMOIR_MEMORY_FORCE_LOCAL",
		apply:   func(cfg *Config, v any) { cfg.Memory.ForceLocal = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.ForceLocal },
	},
	{
		key: "memory.use_local_llm", typ: kBool, env: "MEMOIR_MEMORY_USE_LOCAL_LLM",
		apply:   func(cfg *Config, v any) { cfg.Memory.UseLocalLLM = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.UseLocalLLM },
	},
	{
		key: "memory.provider", typ: kString, env: "MEMOIR_MEMORY_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Memory.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Memory.Provider },
	},
	{
		key: "contextpack.top_k", typ: kInt, env: "MEMOIR_CONTEXTPACK_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.ContextPack.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.ContextPack.TopK },
	},
	{
		key: "contextpack.recent_n", typ: kInt, env: "MEMOIR_CONTEXTPACK_RECENT_N",
		apply:   func(cfg *Config, v any) { cfg.ContextPack.RecentN = v.(int) },
		extract: func(cfg Config) any { return cfg.ContextPack.RecentN },
	},
	{
		key: "contextpack.mem_pool", typ: kInt, env: "MEMOIR_CONTEXTPACK_MEM_POOL",
		apply:   func(cfg *Config, v any) { cfg.ContextPack.MemPool = v.(int) },
		extract: func(cfg Config) any { return cfg.ContextPack.MemPool },
	},
	{
		key: "contextpack.mem_top_m", typ: kInt, env: "MEMOIR_CONTEXTPACK_MEM_TOP_M",
		apply:   func(cfg *Config, v any) { cfg.ContextPack.MemTopM = v.(int) },
		extract: func(cfg Config) any { return cfg.ContextPack.MemTopM },
	},
	{
		key: "contextpack.char_budget", typ: kInt, env: "MEMOIR_CONTEXTPACK_CHAR_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.ContextPack.CharBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.ContextPack.CharBudget },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not read integer config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

// envValue returns the first non-empty value among the spec's variables.
func envValue(s keySpec) (name, raw string) {
	for _, n := range append([]string{s.env}, s.altEnv...) {
		if n == "" {
			continue
		}
		if v := os.Getenv(n); v != "" {
			return n, v
		}
	}
	return "", ""
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := envValue(s)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
