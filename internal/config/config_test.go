package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/inbox-labeler/internal/config"
)

// isolateEnv clears variables Load reads so the host environment cannot leak
// into a test.
func isolateEnv(t *testing.T) string {
	t.Helper()
	home := filepath.Join(t.TempDir(), "labeler")
	t.Setenv("LABELER_HOME", home)
	for _, key := range []string{
		"LABELER_POLL_INTERVAL_SECONDS", "LABELER_RETRY_SCHEDULE", "LABELER_MAX_ERROR_LOG_ROWS",
		"LABELER_ERROR_RETENTION_DAYS", "LABELER_DB_PATH", "LABELER_LOG_LEVEL", "LABELER_BIND_ADDR",
		"LABELER_MAX_LABELS", "LABELER_INBOX_PROJECT_ID", "LABELER_LLM_PROVIDER", "LABELER_LLM_MODEL",
		"LABELER_VOCABULARY", "LABELER_GATEWAY_TOKEN", "TODOIST_API_TOKEN", "TODOIST_BASE_URL",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return home
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	home := isolateEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FileFound {
		t.Fatalf("expected FileFound=false without config.yaml")
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q, got %q", home, cfg.HomeDir)
	}
	if cfg.PollIntervalSeconds != 60 || cfg.MaxErrorLogRows != 1000 || cfg.MaxLabels != 3 {
		t.Fatalf("unexpected defaults: poll=%d rows=%d max=%d", cfg.PollIntervalSeconds, cfg.MaxErrorLogRows, cfg.MaxLabels)
	}
	if cfg.RetrySchedule != "*/10 * * * *" {
		t.Fatalf("unexpected retry schedule %q", cfg.RetrySchedule)
	}
	if cfg.DBPath != filepath.Join(home, "labeler.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("unexpected bind addr %q", cfg.BindAddr)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("expected default provider google, got %q", cfg.LLM.Provider)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "vocabulary") {
		t.Fatalf("expected vocabulary validation error, got %v", err)
	}
}

func TestLoad_FromYAML(t *testing.T) {
	home := isolateEnv(t)
	writeConfig(t, home, `
poll_interval_seconds: 30
max_error_log_rows: 50
vocabulary: [work, " home ", Work, "", errand]
max_labels: 2
inbox_project_id: "6Jf8VQXxpwv56VQ7"
todoist:
  api_token: yaml-token
llm:
  provider: claude
providers:
  anthropic:
    api_key: yaml-anthropic
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FileFound {
		t.Fatalf("expected FileFound=true")
	}
	if cfg.PollIntervalSeconds != 30 || cfg.MaxErrorLogRows != 50 || cfg.MaxLabels != 2 {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if got := strings.Join(cfg.Vocabulary, ","); got != "work,home,errand" {
		t.Fatalf("expected normalized vocabulary, got %q", got)
	}
	if cfg.InboxProjectID != "6Jf8VQXxpwv56VQ7" || cfg.Todoist.APIToken != "yaml-token" {
		t.Fatalf("unexpected inbox/token: %q %q", cfg.InboxProjectID, cfg.Todoist.APIToken)
	}
	provider, model, key, _ := cfg.ResolveLLM()
	if provider != "anthropic" || model != "claude-haiku-4-5" || key != "yaml-anthropic" {
		t.Fatalf("unexpected llm resolution: %s %s %s", provider, model, key)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := isolateEnv(t)
	writeConfig(t, home, "poll_interval_seconds: 30\nvocabulary: [work]\n")
	t.Setenv("LABELER_POLL_INTERVAL_SECONDS", "15")
	t.Setenv("LABELER_VOCABULARY", "errand, shopping")
	t.Setenv("TODOIST_API_TOKEN", "env-token")
	t.Setenv("LABELER_MAX_LABELS", "not-a-number")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PollIntervalSeconds != 15 {
		t.Fatalf("expected env poll interval 15, got %d", cfg.PollIntervalSeconds)
	}
	if got := strings.Join(cfg.Vocabulary, ","); got != "errand,shopping" {
		t.Fatalf("expected env vocabulary, got %q", got)
	}
	if cfg.Todoist.APIToken != "env-token" {
		t.Fatalf("expected env token, got %q", cfg.Todoist.APIToken)
	}
	if cfg.MaxLabels != 3 {
		t.Fatalf("invalid int override must be ignored, got %d", cfg.MaxLabels)
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	home := isolateEnv(t)
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dotenv := "TODOIST_API_TOKEN=dotenv-token\nANTHROPIC_API_KEY=dotenv-anthropic\n"
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "shell-anthropic")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Todoist.APIToken != "dotenv-token" {
		t.Fatalf("expected token from .env, got %q", cfg.Todoist.APIToken)
	}
	if got := cfg.ProviderAPIKey("anthropic"); got != "shell-anthropic" {
		t.Fatalf("shell variable must win over .env, got %q", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := isolateEnv(t)
	writeConfig(t, home, "vocabulary: [work\n")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestProviderAPIKey_EnvOverridesYAML(t *testing.T) {
	isolateEnv(t)
	cfg := config.Config{Providers: map[string]config.ProviderConfig{"google": {APIKey: "yaml-key"}}}
	if got := cfg.ProviderAPIKey("google"); got != "yaml-key" {
		t.Fatalf("expected yaml key, got %q", got)
	}
	t.Setenv("GOOGLE_API_KEY", "google-env")
	if got := cfg.ProviderAPIKey("google"); got != "google-env" {
		t.Fatalf("expected GOOGLE_API_KEY, got %q", got)
	}
	t.Setenv("GEMINI_API_KEY", "gemini-env")
	if got := cfg.ProviderAPIKey("google"); got != "gemini-env" {
		t.Fatalf("GEMINI_API_KEY must take priority, got %q", got)
	}
	if got := cfg.ProviderAPIKey("unknown"); got != "" {
		t.Fatalf("expected empty key for unknown provider, got %q", got)
	}
}

func TestResolveLLM_CompatibleBaseURL(t *testing.T) {
	isolateEnv(t)
	cfg := config.Config{
		LLM: config.LLMConfig{Provider: "openai_compatible", Model: "llama3", CompatibleBaseURL: "http://localhost:11434/v1"},
	}
	provider, model, _, baseURL := cfg.ResolveLLM()
	if provider != "openai_compatible" || model != "llama3" || baseURL != "http://localhost:11434/v1" {
		t.Fatalf("unexpected resolution: %s %s %s", provider, model, baseURL)
	}
}

func TestValidate(t *testing.T) {
	base := config.Config{
		PollIntervalSeconds: 60,
		MaxErrorLogRows:     10,
		MaxLabels:           3,
		RetrySchedule:       "*/10 * * * *",
		Vocabulary:          []string{"work"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := base
	bad.RetrySchedule = "every ten minutes"
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "retry_schedule") {
		t.Fatalf("expected retry_schedule error, got %v", err)
	}

	bad = base
	bad.PollIntervalSeconds = 0
	bad.MaxErrorLogRows = -1
	err := bad.Validate()
	if err == nil || !strings.Contains(err.Error(), "poll_interval_seconds") || !strings.Contains(err.Error(), "max_error_log_rows") {
		t.Fatalf("expected both errors joined, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	a := config.Config{Vocabulary: []string{"work"}, MaxLabels: 3}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical configs must share a fingerprint")
	}
	b.Vocabulary = []string{"work", "home"}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("vocabulary change must alter the fingerprint")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}

func TestNormalizeProvider(t *testing.T) {
	tests := map[string]string{
		"":           "google",
		"Gemini":     "google",
		"claude":     "anthropic",
		" OpenAI ":   "openai",
		"openrouter": "openrouter",
	}
	for in, want := range tests {
		if got := config.NormalizeProvider(in); got != want {
			t.Errorf("NormalizeProvider(%q) = %q, want %q", in, got, want)
		}
	}
}
