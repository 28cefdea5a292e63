// Package doctor runs local diagnostics for the labeler install.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/inbox-labeler/internal/config"
	"github.com/basket/inbox-labeler/internal/persistence"
	"github.com/basket/inbox-labeler/internal/todoist"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkVocabulary,
		checkTodoistToken,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if err := cfg.Validate(); err != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration invalid", Detail: err.Error()}
	}
	if !cfg.FileFound {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml not found; running from defaults and environment",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkVocabulary(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Vocabulary", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Vocabulary) == 0 {
		return CheckResult{
			Name:    "Vocabulary",
			Status:  StatusFail,
			Message: "No labels configured",
			Detail:  "Set vocabulary in config.yaml or LABELER_VOCABULARY",
		}
	}
	return CheckResult{
		Name:    "Vocabulary",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d labels, at most %d per task", len(cfg.Vocabulary), cfg.MaxLabels),
		Detail:  strings.Join(cfg.Vocabulary, ", "),
	}
}

func checkTodoistToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Todoist Token", Status: StatusSkip, Message: "Config missing"}
	}
	if strings.TrimSpace(cfg.Todoist.APIToken) == "" {
		return CheckResult{
			Name:    "Todoist Token",
			Status:  StatusFail,
			Message: "TODOIST_API_TOKEN not set",
			Detail:  "Set TODOIST_API_TOKEN or todoist.api_token in config.yaml",
		}
	}
	return CheckResult{Name: "Todoist Token", Status: StatusPass, Message: "Token configured"}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider, model, apiKey, _ := cfg.ResolveLLM()
	if model == "" {
		return CheckResult{
			Name:    "API Key",
			Status:  StatusFail,
			Message: fmt.Sprintf("No model configured for provider %q", provider),
			Detail:  "Set llm.model in config.yaml",
		}
	}
	if apiKey != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key found for %s (%s)", provider, model)}
	}
	envVars := config.APIKeyEnvVars(provider)
	hint := fmt.Sprintf("Set providers.%s.api_key in config.yaml", provider)
	if len(envVars) > 0 {
		hint = fmt.Sprintf("Set %s or providers.%s.api_key", strings.Join(envVars, " or "), provider)
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusFail,
		Message: fmt.Sprintf("No API key for %s provider", provider),
		Detail:  hint,
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, cfg.MaxErrorLogRows)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	stats, err := store.GetStats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: "Connection and schema valid",
		Detail: fmt.Sprintf("tasks=%d pending=%d classified=%d failed=%d skipped=%d errors=%d",
			stats.Total, stats.Pending, stats.Classified, stats.Failed, stats.Skipped, stats.ErrorRows),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

var llmHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

// checkNetwork resolves the Todoist API host and the LLM provider host.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	hosts := []string{hostOf(cfg.Todoist.BaseURL, todoist.DefaultBaseURL)}
	provider, _, _, baseURL := cfg.ResolveLLM()
	if baseURL != "" {
		hosts = append(hosts, hostOf(baseURL, ""))
	} else if h, ok := llmHosts[provider]; ok {
		hosts = append(hosts, h)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details, failed []string
	start := time.Now()
	for _, host := range hosts {
		if host == "" {
			continue
		}
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", host, err))
			continue
		}
		details = append(details, fmt.Sprintf("%s: %d addresses", host, len(addrs)))
	}
	latency := time.Since(start)

	if len(failed) > 0 {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %d host(s)", len(failed)),
			Detail:  strings.Join(append(failed, details...), "; "),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("Resolved %d host(s) in %dms", len(details), latency.Milliseconds()),
		Detail:  strings.Join(details, "; "),
	}
}

func hostOf(rawURL, fallback string) string {
	if rawURL == "" {
		rawURL = fallback
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
