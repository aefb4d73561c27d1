package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/memoir/internal/fault"
	"github.com/kalambet/memoir/internal/privacy"
)

// secretService is the secret store service name for every secret key.
const secretService = "memoir"

// Config is the fully resolved configuration. Load returns it by value and
// components receive their sub-structs by value; nothing reads the
// environment after startup.
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Storage     StorageConfig
	Ollama      OllamaConfig
	Analyzer    AnalyzerConfig
	Ingest      IngestConfig
	Segment     SegmentConfig
	Cloud       CloudConfig
	Cache       CacheConfig
	DeepSeek    ProviderConfig
	Qwen        ProviderConfig
	Gemini      ProviderConfig
	Worker      WorkerConfig
	Chat        ChatConfig
	Memory      MemoryConfig
	ContextPack ContextPackConfig
	Privacy     PrivacyConfig

	// APIToken authenticates the local HTTP API.
	APIToken string
}

type ServerConfig struct {
	Port       int
	MCPEnabled bool
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	BaseURL         string
	PhiModel        string
	QwenModel       string
	MaxRetries      int
	ConnectTimeoutS int
	KeepAlive       string
}

type AnalyzerConfig struct {
	MinBlockChars int
	MaxBlockChars int
	NumPredict    int
	PromptVersion string
}

type IngestConfig struct {
	MaxChars int
}

type SegmentConfig struct {
	MaxChars int
}

type CloudConfig struct {
	Enabled           bool
	DefaultProvider   string
	MaxPrivacyLevel   string
	CharThreshold     int
	Intents           string
	AllowInference    bool
	AllowTraining     bool
	BlockRawText      bool
	OnlyWhenIdle      bool
	AllowStyleProfile bool
	FailWindowS       int
	FailThreshold     int
	Retries           int
	TimeoutConnectS   int
	TimeoutReadS      int
	RequestsPerMinute int
}

type CacheConfig struct {
	Enabled bool
	TTLS    int
}

type ProviderConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type WorkerConfig struct {
	BatchLimit  int
	MaxAttempts int
	RetryFailed bool
	StaleS      int
	JobTimeoutS int
	Backend     string
	Provider    string
	PollMs      int
	Concurrency int
}

type ChatConfig struct {
	Engine            string
	TotalTimeoutS     int
	RouteTimeoutS     int
	AnswerTimeoutS    int
	AnswerNumPredict  int
	ForceCloud        bool
	PreferredProvider string
}

type MemoryConfig struct {
	// Model defaults to the phi model when empty.
	Model         string
	PromptVersion string
	ForceCloud    bool
	ForceLocal    bool
	UseLocalLLM   bool
	Provider      string
}

type ContextPackConfig struct {
	TopK       int
	RecentN    int
	MemPool    int
	MemTopM    int
	CharBudget int
}

type PrivacyConfig struct {
	// SaltHex keys the entity pseudonyms. It is generated and stored on
	// first use; changing it changes every pseudo id.
	SaltHex    string
	NERBackend string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 4100},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Ollama: OllamaConfig{
			BaseURL:         "http://127.0.0.1:11434",
			PhiModel:        "phi3.5:3.8b",
			QwenModel:       "qwen2.5:7b",
			MaxRetries:      2,
			ConnectTimeoutS: 10,
			KeepAlive:       "30m",
		},
		Analyzer: AnalyzerConfig{
			MinBlockChars: 80,
			MaxBlockChars: 6000,
			NumPredict:    350,
			PromptVersion: "phi_block_extract_v1",
		},
		Ingest:  IngestConfig{MaxChars: 8000},
		Segment: SegmentConfig{MaxChars: 800},
		Cloud: CloudConfig{
			DefaultProvider:   "deepseek",
			MaxPrivacyLevel:   "L1",
			CharThreshold:     6000,
			Intents:           "weekly_review,persona_summary,long_write",
			AllowInference:    true,
			BlockRawText:      true,
			AllowStyleProfile: true,
			FailWindowS:       600,
			FailThreshold:     3,
			Retries:           2,
			TimeoutConnectS:   10,
			TimeoutReadS:      120,
			RequestsPerMinute: 60,
		},
		Cache:    CacheConfig{Enabled: true},
		DeepSeek: ProviderConfig{BaseURL: "https://api.deepseek.com", Model: "deepseek-chat"},
		Qwen:     ProviderConfig{BaseURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1", Model: "qwen-plus"},
		Gemini:   ProviderConfig{Model: "gemini-2.0-flash"},
		Worker: WorkerConfig{
			BatchLimit:  20,
			MaxAttempts: 3,
			RetryFailed: true,
			StaleS:      1800,
			Backend:     "local",
			Provider:    "deepseek",
			PollMs:      2000,
			Concurrency: 1,
		},
		Chat: ChatConfig{
			Engine:           "cascade",
			TotalTimeoutS:    70,
			RouteTimeoutS:    12,
			AnswerTimeoutS:   45,
			AnswerNumPredict: 420,
		},
		Memory: MemoryConfig{
			PromptVersion: "phi_mem_update_v1",
			Provider:      "deepseek",
		},
		ContextPack: ContextPackConfig{TopK: 6, RecentN: 8, MemPool: 30, MemTopM: 8, CharBudget: 5000},
		Privacy:     PrivacyConfig{NERBackend: "none"},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.memoir.app) and secrets
// fall back to the macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/memoir/config.json
// and secrets fall back to $XDG_DATA_HOME/memoir/secrets.json.
//
// Environment variables (MEMOIR_*) override backend values on all platforms.
// An API token is generated and stored on first use.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretStore{})
}

// keychain abstracts the secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if cfg.Memory.Model == "" {
		cfg.Memory.Model = cfg.Ollama.PhiModel
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	if cfg.APIToken == "" {
		cfg.APIToken = uuid.NewString()
		if err := kc.Set(secretService, "server.api_token", cfg.APIToken); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not store generated API token: %v\n", err)
		}
	}

	if cfg.Privacy.SaltHex == "" {
		salt := make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return Config{}, fault.New(fault.KindConfig, "config", fmt.Errorf("generating privacy salt: %w", err))
		}
		cfg.Privacy.SaltHex = hex.EncodeToString(salt)
		if err := kc.Set(secretService, "privacy.salt_hex", cfg.Privacy.SaltHex); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not store generated privacy salt: %v\n", err)
		}
	}
	cfg.Privacy.NERBackend = strings.ToLower(strings.TrimSpace(cfg.Privacy.NERBackend))

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secret keys still empty after env overrides from the
// secret store. The store account is the key name.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(secretService, s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

var providers = map[string]bool{"deepseek": true, "qwen": true, "gemini": true}

func validate(cfg Config) error {
	if !providers[cfg.Cloud.DefaultProvider] {
		return fault.Errorf(fault.KindConfig, "config", "cloud.default_provider %q: want deepseek, qwen or gemini", cfg.Cloud.DefaultProvider)
	}
	switch cfg.Worker.Backend {
	case "local", "cloud":
	default:
		return fault.Errorf(fault.KindConfig, "config", "worker.backend %q: want local or cloud", cfg.Worker.Backend)
	}
	switch cfg.Chat.Engine {
	case "cascade", "legacy":
	default:
		return fault.Errorf(fault.KindConfig, "config", "chat.engine %q: want cascade or legacy", cfg.Chat.Engine)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fault.Errorf(fault.KindConfig, "config", "log.level %q: want debug, info, warn or error", cfg.Log.Level)
	}

	if !privacy.ValidNER(cfg.Privacy.NERBackend) {
		return fault.Errorf(fault.KindConfig, "config", "privacy.ner_backend %q: want none, lexicon or simple", cfg.Privacy.NERBackend)
	}
	if salt, err := hex.DecodeString(cfg.Privacy.SaltHex); err != nil || len(salt) < privacy.MinSaltLen {
		return fault.Errorf(fault.KindConfig, "config", "privacy.salt_hex: want at least %d hex-encoded bytes", privacy.MinSaltLen)
	}

	if cfg.Cloud.Enabled && cfg.Provider(cfg.Cloud.DefaultProvider).APIKey == "" {
		s, _ := lookupSpec(cfg.Cloud.DefaultProvider + ".api_key")
		return fault.Errorf(fault.KindConfig, "config",
			"missing required config: %s API key (cloud.enabled=true). Set it via environment variable %s%s",
			cfg.Cloud.DefaultProvider, s.env, apiKeyHint(s.key))
	}
	return nil
}

// Provider returns the settings block of a cloud provider by name.
func (c Config) Provider(name string) ProviderConfig {
	switch name {
	case "deepseek":
		return c.DeepSeek
	case "qwen":
		return c.Qwen
	case "gemini":
		return c.Gemini
	}
	return ProviderConfig{}
}

// secretStore reads and writes the platform secret store.
type secretStore struct{}

func (secretStore) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (secretStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
