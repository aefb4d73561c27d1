package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/memoir/internal/fault"
)

// mockKeychain is a test double for the secret store.
type mockKeychain struct {
	values map[string]string
	setErr error
}

func (m *mockKeychain) Get(service, account string) (string, error) {
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *mockKeychain) Set(service, account, value string) error {
	if m.setErr != nil {
		return m.setErr
	}
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[service+"/"+account] = value
	return nil
}

// mapBackend is an in-memory ConfigBackend.
type mapBackend map[string]any

func (m mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, errors.New("not a string")
	}
	return s, true, nil
}

func (m mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	i, ok := v.(int)
	if !ok {
		return 0, true, errors.New("not an int")
	}
	return i, true, nil
}

func (m mapBackend) SetString(key, val string) error { m[key] = val; return nil }
func (m mapBackend) SetInt(key string, val int) error { m[key] = val; return nil }
func (m mapBackend) Delete(key string) error { delete(m, key); return nil }

// clearEnv blanks every variable the loader reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
		for _, alt := range s.altEnv {
			t.Setenv(alt, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(mapBackend{}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Ollama.BaseURL != "http://127.0.0.1:11434" {
		t.Errorf("Ollama.BaseURL = %q", cfg.Ollama.BaseURL)
	}
	if cfg.Ollama.PhiModel != "phi3.5:3.8b" || cfg.Ollama.QwenModel != "qwen2.5:7b" {
		t.Errorf("models = %q/%q", cfg.Ollama.PhiModel, cfg.Ollama.QwenModel)
	}
	if cfg.Ingest.MaxChars != 8000 {
		t.Errorf("Ingest.MaxChars = %d, want 8000", cfg.Ingest.MaxChars)
	}
	if cfg.Cloud.Enabled || cfg.Cloud.MaxPrivacyLevel != "L1" || !cfg.Cloud.BlockRawText {
		t.Errorf("Cloud = %+v", cfg.Cloud)
	}
	if cfg.Worker.MaxAttempts != 3 || cfg.Worker.StaleS != 1800 || !cfg.Worker.RetryFailed {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.Chat.Engine != "cascade" || cfg.Chat.TotalTimeoutS != 70 {
		t.Errorf("Chat = %+v", cfg.Chat)
	}
	if cfg.Memory.Model != "phi3.5:3.8b" {
		t.Errorf("Memory.Model = %q, want the phi model", cfg.Memory.Model)
	}
	if cfg.ContextPack.CharBudget != 5000 {
		t.Errorf("ContextPack.CharBudget = %d, want 5000", cfg.ContextPack.CharBudget)
	}
}

func TestBackendThenEnv(t *testing.T) {
	clearEnv(t)
	b := mapBackend{
		"server.port":          5000,
		"ollama.phi_model":     "phi-custom",
		"cloud.allow_training": "true",
		"worker.concurrency":   4,
	}
	t.Setenv("MEMOIR_SERVER_PORT", "6000")
	t.Setenv("MEMOIR_CHAT_ENGINE", "legacy")

	cfg, err := loadWith(b, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want env 6000", cfg.Server.Port)
	}
	if cfg.Ollama.PhiModel != "phi-custom" || cfg.Memory.Model != "phi-custom" {
		t.Errorf("PhiModel = %q, Memory.Model = %q", cfg.Ollama.PhiModel, cfg.Memory.Model)
	}
	if !cfg.Cloud.AllowTraining {
		t.Error("Cloud.AllowTraining = false, want true from backend")
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Worker.Concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if cfg.Chat.Engine != "legacy" {
		t.Errorf("Chat.Engine = %q, want legacy", cfg.Chat.Engine)
	}
}

func TestBadValuesKeepDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMOIR_WORKER_BATCH_LIMIT", "many")
	t.Setenv("MEMOIR_CLOUD_ENABLED", "maybe")

	cfg, err := loadWith(mapBackend{"worker.max_attempts": "three"}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Worker.BatchLimit != 20 || cfg.Worker.MaxAttempts != 3 || cfg.Cloud.Enabled {
		t.Errorf("defaults not kept: worker=%+v cloud.enabled=%v", cfg.Worker, cfg.Cloud.Enabled)
	}
}

func TestMissingProviderKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("MEMOIR_CLOUD_ENABLED", "true")

	_, err := loadWith(mapBackend{}, &mockKeychain{})
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
	if !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("error = %q", err)
	}
	if fault.KindOf(err) != fault.KindConfig {
		t.Errorf("KindOf = %v, want config", fault.KindOf(err))
	}
}

func TestSecretSources(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		kc   map[string]string
		want string
	}{
		{"memoir env", map[string]string{"MEMOIR_QWEN_API_KEY": "a", "DASHSCOPE_API_KEY": "b"}, nil, "a"},
		{"conventional env", map[string]string{"DASHSCOPE_API_KEY": "b"}, nil, "b"},
		{"second conventional env", map[string]string{"QWEN_API_KEY": "c"}, nil, "c"},
		{"secret store", nil, map[string]string{"memoir/qwen.api_key": "d"}, "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("MEMOIR_CLOUD_ENABLED", "true")
			t.Setenv("MEMOIR_CLOUD_DEFAULT_PROVIDER", "qwen")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := loadWith(mapBackend{}, &mockKeychain{values: tt.kc})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Qwen.APIKey != tt.want {
				t.Errorf("Qwen.APIKey = %q, want %q", cfg.Qwen.APIKey, tt.want)
			}
		})
	}
}

func TestSecretsNeverReadFromBackend(t *testing.T) {
	clearEnv(t)
	cfg, err := loadWith(mapBackend{"deepseek.api_key": "leaked"}, &mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DeepSeek.APIKey != "" {
		t.Errorf("DeepSeek.APIKey = %q, want empty", cfg.DeepSeek.APIKey)
	}
}

func TestAPITokenGeneratedOnce(t *testing.T) {
	clearEnv(t)
	kc := &mockKeychain{}

	first, err := loadWith(mapBackend{}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.APIToken) != 36 {
		t.Errorf("APIToken = %q, want a uuid", first.APIToken)
	}
	second, err := loadWith(mapBackend{}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.APIToken != first.APIToken {
		t.Errorf("token changed between loads: %q != %q", second.APIToken, first.APIToken)
	}
}

func TestPrivacySaltGeneratedOnce(t *testing.T) {
	clearEnv(t)
	kc := &mockKeychain{}

	first, err := loadWith(mapBackend{}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first.Privacy.SaltHex) != 64 {
		t.Errorf("SaltHex = %q, want 32 hex-encoded bytes", first.Privacy.SaltHex)
	}
	if kc.values["memoir/privacy.salt_hex"] != first.Privacy.SaltHex {
		t.Error("generated salt not stored in the secret store")
	}
	second, err := loadWith(mapBackend{}, kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Privacy.SaltHex != first.Privacy.SaltHex {
		t.Error("salt changed between loads")
	}
	if got := second.PrivacySettings(); len(got.Salt) != 32 || got.NER != "none" {
		t.Errorf("PrivacySettings = %d-byte salt, ner %q", len(got.Salt), got.NER)
	}
}

func TestValidate(t *testing.T) {
	for _, env := range []string{"MEMOIR_WORKER_BACKEND", "MEMOIR_CHAT_ENGINE", "MEMOIR_CLOUD_DEFAULT_PROVIDER", "MEMOIR_LOG_LEVEL",
		"MEMOIR_PRIVACY_NER_BACKEND", "MEMOIR_PRIVACY_SALT_HEX"} {
		t.Run(env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(env, "bogus")
			_, err := loadWith(mapBackend{}, &mockKeychain{})
			if fault.KindOf(err) != fault.KindConfig {
				t.Errorf("err = %v, want a config error", err)
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := mapBackend{}
	if err := setKeyWith(b, "worker.batch_limit", "7"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "cloud.enabled", "1"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "chat.engine", "legacy"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	want := mapBackend{"worker.batch_limit": 7, "cloud.enabled": "true", "chat.engine": "legacy"}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("backend mismatch (-want +got):\n%s", diff)
	}

	if err := setKeyWith(b, "worker.batch_limit", "x"); err == nil {
		t.Error("non-integer accepted")
	}
	if err := setKeyWith(b, "gemini.api_key", "k"); err == nil {
		t.Error("secret accepted")
	}
	if err := setKeyWith(b, "no.such_key", "v"); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.DeepSeek.APIKey = "sk-secret"
	cfg.APIToken = "token"
	for _, k := range ShowAll(cfg) {
		if strings.HasSuffix(k.Key, "api_key") || k.Key == "server.api_token" {
			t.Errorf("secret key listed: %s", k.Key)
		}
		if k.Value == "sk-secret" || k.Value == "token" {
			t.Errorf("secret value listed under %s", k.Key)
		}
	}
	if n := len(ValidKeys()); n != len(ShowAll(cfg)) {
		t.Errorf("ValidKeys = %d keys, ShowAll = %d", n, len(ShowAll(cfg)))
	}
}

func TestDerived(t *testing.T) {
	cfg := defaults()
	cfg.Memory.Model = "phi"
	cfg.Cloud.Intents = " weekly_review, ,long_write"

	p := cfg.RouterPolicy()
	if diff := cmp.Diff([]string{"weekly_review", "long_write"}, p.CloudIntents); diff != "" {
		t.Errorf("CloudIntents mismatch (-want +got):\n%s", diff)
	}
	if p.FailWindow != 10*time.Minute || p.LocalModel != "qwen2.5:7b" {
		t.Errorf("policy = %+v", p)
	}

	w := cfg.WorkerSettings()
	if w.Stale != 30*time.Minute || w.Poll != 2*time.Second || w.JobTimeout != 0 {
		t.Errorf("worker = %+v", w)
	}

	cfg.Memory.ForceLocal = true
	cfg.Cloud.Enabled = true
	m := cfg.MemorySettings()
	if m.UseCloud || !m.UseLocalLLM {
		t.Errorf("force_local: UseCloud=%v UseLocalLLM=%v", m.UseCloud, m.UseLocalLLM)
	}

	s := cfg.ProviderSettings("qwen")
	if s.Name != "qwen" || s.Model != "qwen-plus" || s.ReadTimeout != 2*time.Minute {
		t.Errorf("settings = %+v", s)
	}
}
