package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/basket/inbox-labeler/internal/otel"
)

const (
	defaultPollIntervalSeconds = 60
	defaultRetrySchedule       = "*/10 * * * *"
	defaultMaxErrorLogRows     = 1000
	defaultErrorRetentionDays  = 30
	defaultMaxLabels           = 3
	defaultBindAddr            = "127.0.0.1:18790"
	defaultLabelDelayMS        = 200
	defaultHTTPTimeoutSeconds  = 30
	defaultLLMTimeoutSeconds   = 60
)

// ProviderConfig holds per-LLM-provider credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type TodoistConfig struct {
	APIToken           string `yaml:"api_token"`
	BaseURL            string `yaml:"base_url"`
	LabelDelayMS       int    `yaml:"label_delay_ms"`
	HTTPTimeoutSeconds int    `yaml:"http_timeout_seconds"`
}

type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Used when Provider is openai_compatible.
	CompatibleProvider string `yaml:"compatible_provider"`
	CompatibleBaseURL  string `yaml:"compatible_base_url"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig secures the local HTTP surface. An empty AuthToken leaves the
// API open, which is only reasonable on a loopback bind address.
type GatewayConfig struct {
	AuthToken    string          `yaml:"auth_token"`
	AllowOrigins []string        `yaml:"allow_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	// FileFound is false when config.yaml did not exist.
	FileFound bool `yaml:"-"`

	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	RetrySchedule       string `yaml:"retry_schedule"`
	MaxErrorLogRows     int    `yaml:"max_error_log_rows"`
	// ErrorRetentionDays purges error rows older than this; 0 keeps them.
	ErrorRetentionDays int    `yaml:"error_retention_days"`
	DBPath             string `yaml:"db_path"`
	LogLevel           string `yaml:"log_level"`
	BindAddr           string `yaml:"bind_addr"`

	Vocabulary []string `yaml:"vocabulary"`
	MaxLabels  int      `yaml:"max_labels"`
	// InboxProjectID skips inbox discovery when set.
	InboxProjectID string `yaml:"inbox_project_id"`

	Todoist   TodoistConfig             `yaml:"todoist"`
	LLM       LLMConfig                 `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Gateway   GatewayConfig             `yaml:"gateway"`
	Telemetry otel.Config               `yaml:"telemetry"`
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c Config) LabelDelay() time.Duration {
	return time.Duration(c.Todoist.LabelDelayMS) * time.Millisecond
}

func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Todoist.HTTPTimeoutSeconds) * time.Second
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

// ProviderAPIKey returns the key for an LLM provider. Environment variables
// win over config.yaml.
func (c Config) ProviderAPIKey(provider string) string {
	for _, envVar := range APIKeyEnvVars(provider) {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if p, ok := c.Providers[provider]; ok {
		return p.APIKey
	}
	return ""
}

// ResolveLLM returns the effective provider, model, API key and base URL.
func (c Config) ResolveLLM() (provider, model, apiKey, baseURL string) {
	provider = NormalizeProvider(c.LLM.Provider)
	model = strings.TrimSpace(c.LLM.Model)
	if model == "" {
		model = DefaultModel(provider)
	}
	apiKey = c.ProviderAPIKey(provider)
	if p, ok := c.Providers[provider]; ok {
		baseURL = p.BaseURL
	}
	if provider == "openai_compatible" && c.LLM.CompatibleBaseURL != "" {
		baseURL = c.LLM.CompatibleBaseURL
	}
	return provider, model, apiKey, baseURL
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Vocabulary) == 0 {
		errs = append(errs, errors.New("vocabulary must list at least one label"))
	}
	if c.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds must be positive, got %d", c.PollIntervalSeconds))
	}
	if c.MaxErrorLogRows <= 0 {
		errs = append(errs, fmt.Errorf("max_error_log_rows must be positive, got %d", c.MaxErrorLogRows))
	}
	if c.MaxLabels <= 0 {
		errs = append(errs, fmt.Errorf("max_labels must be positive, got %d", c.MaxLabels))
	}
	if c.RetrySchedule != "" {
		if _, err := cron.ParseStandard(c.RetrySchedule); err != nil {
			errs = append(errs, fmt.Errorf("retry_schedule %q: %w", c.RetrySchedule, err))
		}
	}
	if c.ErrorRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("error_retention_days must not be negative, got %d", c.ErrorRetentionDays))
	}
	return errors.Join(errs...)
}

// Fingerprint returns a stable hash of the settings that shape behavior.
func (c Config) Fingerprint() string {
	provider, model, _, _ := c.ResolveLLM()
	h := fnv.New64a()
	fmt.Fprintf(h, "poll=%d|retry=%s|errors=%d|db=%s|bind=%s|log=%s|vocab=%s|max=%d|inbox=%s|llm=%s/%s",
		c.PollIntervalSeconds, c.RetrySchedule, c.MaxErrorLogRows, c.DBPath, c.BindAddr, c.LogLevel,
		strings.Join(c.Vocabulary, ","), c.MaxLabels, c.InboxProjectID, provider, model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("LABELER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".labeler")
}

func defaultConfig() Config {
	return Config{
		PollIntervalSeconds: defaultPollIntervalSeconds,
		RetrySchedule:       defaultRetrySchedule,
		MaxErrorLogRows:     defaultMaxErrorLogRows,
		ErrorRetentionDays:  defaultErrorRetentionDays,
		LogLevel:            "info",
		BindAddr:            defaultBindAddr,
		MaxLabels:           defaultMaxLabels,
		Todoist: TodoistConfig{
			LabelDelayMS:       defaultLabelDelayMS,
			HTTPTimeoutSeconds: defaultHTTPTimeoutSeconds,
		},
		LLM: LLMConfig{
			Provider:       "google",
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
	}
}

// Load reads <home>/config.yaml over defaults, then .env files, then
// environment overrides.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create labeler home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	switch {
	case err == nil:
		cfg.FileFound = true
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.yaml: %w", err)
			}
		}
	case !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}

	if err := loadDotEnv(cfg.HomeDir); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// loadDotEnv loads <home>/.env and ./.env. Variables already set in the
// environment are left untouched.
func loadDotEnv(homeDir string) error {
	for _, path := range []string{filepath.Join(homeDir, ".env"), ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = defaultPollIntervalSeconds
	}
	if cfg.MaxErrorLogRows == 0 {
		cfg.MaxErrorLogRows = defaultMaxErrorLogRows
	}
	if cfg.MaxLabels == 0 {
		cfg.MaxLabels = defaultMaxLabels
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "labeler.db")
	}
	if cfg.Todoist.LabelDelayMS <= 0 {
		cfg.Todoist.LabelDelayMS = defaultLabelDelayMS
	}
	if cfg.Todoist.HTTPTimeoutSeconds <= 0 {
		cfg.Todoist.HTTPTimeoutSeconds = defaultHTTPTimeoutSeconds
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = 60
	}
	if cfg.Gateway.RateLimit.BurstSize <= 0 {
		cfg.Gateway.RateLimit.BurstSize = 10
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	cfg.LLM.Provider = NormalizeProvider(cfg.LLM.Provider)
	cfg.Vocabulary = normalizeVocabulary(cfg.Vocabulary)
}

// normalizeVocabulary trims entries and drops blanks and case-insensitive
// duplicates, keeping the first spelling.
func normalizeVocabulary(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	setInt := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	setString := func(name string, dst *string) {
		if raw := os.Getenv(name); raw != "" {
			*dst = raw
		}
	}

	setInt("LABELER_POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds)
	setString("LABELER_RETRY_SCHEDULE", &cfg.RetrySchedule)
	setInt("LABELER_MAX_ERROR_LOG_ROWS", &cfg.MaxErrorLogRows)
	setInt("LABELER_ERROR_RETENTION_DAYS", &cfg.ErrorRetentionDays)
	setString("LABELER_DB_PATH", &cfg.DBPath)
	setString("LABELER_LOG_LEVEL", &cfg.LogLevel)
	setString("LABELER_BIND_ADDR", &cfg.BindAddr)
	setInt("LABELER_MAX_LABELS", &cfg.MaxLabels)
	setString("LABELER_INBOX_PROJECT_ID", &cfg.InboxProjectID)
	setString("LABELER_LLM_PROVIDER", &cfg.LLM.Provider)
	setString("LABELER_LLM_MODEL", &cfg.LLM.Model)
	setString("TODOIST_API_TOKEN", &cfg.Todoist.APIToken)
	setString("TODOIST_BASE_URL", &cfg.Todoist.BaseURL)
	setString("LABELER_GATEWAY_TOKEN", &cfg.Gateway.AuthToken)
	if raw := os.Getenv("LABELER_VOCABULARY"); raw != "" {
		cfg.Vocabulary = strings.Split(raw, ",")
	}
}
