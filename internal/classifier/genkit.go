package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const defaultTimeout = 60 * time.Second

// Config selects the LLM backend. Provider is one of "google", "anthropic",
// "openai", "openai_compatible" or "openrouter"; empty means google.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	// CompatibleProvider names the backend for openai_compatible.
	CompatibleProvider string

	MaxLabels int
	Timeout   time.Duration
	Logger    *slog.Logger
}

type generateFunc func(ctx context.Context, system, prompt string) (string, error)

// GenkitClassifier asks an LLM through Genkit and validates the JSON answer
// against a schema built from the request vocabulary.
type GenkitClassifier struct {
	generate  generateFunc
	provider  string
	modelName string
	maxLabels int
	timeout   time.Duration
	logger    *slog.Logger

	mu         sync.Mutex
	validators map[string]*ResponseValidator
}

var _ Classifier = (*GenkitClassifier)(nil)

// NewGenkit initializes Genkit with the configured provider plugin. Without an
// API key the classifier is still returned but every Classify call fails with
// ErrNotConfigured.
func NewGenkit(ctx context.Context, cfg Config) *GenkitClassifier {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	modelID := strings.TrimSpace(cfg.Model)
	apiKey := strings.TrimSpace(cfg.APIKey)

	var plugin any
	switch provider {
	case "anthropic":
		plugin = &anthropic.Anthropic{APIKey: apiKey, BaseURL: cfg.BaseURL}
	case "openai":
		plugin = &compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: cfg.BaseURL}
	case "openai_compatible":
		plugin = &compat_oai.OpenAICompatible{Provider: cfg.CompatibleProvider, APIKey: apiKey, BaseURL: cfg.BaseURL}
	case "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		plugin = &compat_oai.OpenAICompatible{Provider: "openrouter", APIKey: apiKey, BaseURL: baseURL}
	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
		}
		plugin = &googlegenai.GoogleAI{}
	default:
		logger.Warn("unknown LLM provider; classifier disabled", "provider", provider)
		return newWithGenerate(provider, "", cfg, logger, notConfigured)
	}

	if apiKey == "" || modelID == "" {
		logger.Warn("LLM credentials or model missing; classifier disabled", "provider", provider, "model", modelID)
		return newWithGenerate(provider, "", cfg, logger, notConfigured)
	}

	var g *genkit.Genkit
	switch p := plugin.(type) {
	case *anthropic.Anthropic:
		g = genkit.Init(ctx, genkit.WithPlugins(p))
	case *compat_oai.OpenAICompatible:
		g = genkit.Init(ctx, genkit.WithPlugins(p))
	case *googlegenai.GoogleAI:
		g = genkit.Init(ctx, genkit.WithPlugins(p))
	}

	modelName := modelNameForProvider(provider, modelID)
	logger.Info("genkit classifier initialized", "provider", provider, "model", modelName)

	gen := func(ctx context.Context, system, prompt string) (string, error) {
		// WithSystem and WithPrompt treat their text as a format string.
		resp, err := genkit.Generate(ctx, g,
			ai.WithModelName(modelName),
			ai.WithSystem(strings.ReplaceAll(system, "%", "%%")),
			ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
		)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return newWithGenerate(provider, modelName, cfg, logger, gen)
}

func notConfigured(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

func newWithGenerate(provider, modelName string, cfg Config, logger *slog.Logger, gen generateFunc) *GenkitClassifier {
	maxLabels := cfg.MaxLabels
	if maxLabels <= 0 {
		maxLabels = DefaultMaxLabels
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenkitClassifier{
		generate:   gen,
		provider:   provider,
		modelName:  modelName,
		maxLabels:  maxLabels,
		timeout:    timeout,
		logger:     logger,
		validators: map[string]*ResponseValidator{},
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

// Ready reports whether an LLM backend is configured.
func (c *GenkitClassifier) Ready() bool { return c.modelName != "" }

// ModelName returns the fully qualified Genkit model name, empty when disabled.
func (c *GenkitClassifier) ModelName() string { return c.modelName }

func (c *GenkitClassifier) MaxLabels() int { return c.maxLabels }

func (c *GenkitClassifier) validatorFor(vocabulary []string) (*ResponseValidator, error) {
	key := strings.Join(vocabulary, "\x00")
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.validators[key]; ok {
		return v, nil
	}
	v, err := NewResponseValidator(vocabulary, c.maxLabels)
	if err != nil {
		return nil, err
	}
	// Vocabulary only changes on config reload; keep the cache small.
	if len(c.validators) >= 8 {
		c.validators = map[string]*ResponseValidator{}
	}
	c.validators[key] = v
	return v, nil
}

// Classify returns labels from req.Vocabulary, capped at the configured max.
func (c *GenkitClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	if len(req.Vocabulary) == 0 {
		return Result{}, errors.New("classify: empty vocabulary")
	}
	validator, err := c.validatorFor(req.Vocabulary)
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	if desc, cut := clampDescription(req.Description, maxDescriptionTokens); cut {
		c.logger.Debug("task description truncated for prompt", "task_id", req.TaskID)
		req.Description = desc
	}
	if reason := injectionReason(req.Text + "\n" + req.Description); reason != "" {
		c.logger.Warn("task text looks like prompt injection; classifying it as plain data", "task_id", req.TaskID, "reason", reason)
	}
	prompt, err := renderPrompt(req, c.maxLabels)
	if err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	text, err := c.generate(callCtx, systemPrompt, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("generate labels: %w", err)
	}

	labels, err := validator.Validate(text)
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) || !verr.Decoded {
			return Result{}, fmt.Errorf("validate answer: %w", err)
		}
		c.logger.Warn("classifier answer outside schema; constraining", "task_id", req.TaskID, "error", verr.Message)
	}
	return Result{Labels: Constrain(labels, req.Vocabulary, c.maxLabels)}, nil
}
