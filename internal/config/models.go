package config

import "strings"

var defaultModels = map[string]string{
	"google":     "gemini-2.5-flash",
	"anthropic":  "claude-haiku-4-5",
	"openai":     "gpt-4o-mini",
	"openrouter": "openai/gpt-4o-mini",
}

// DefaultModel returns the model used when llm.model is empty. There is no
// default for openai_compatible.
func DefaultModel(provider string) string {
	return defaultModels[provider]
}

// APIKeyEnvVars lists the environment variables checked for a provider key,
// in priority order.
func APIKeyEnvVars(provider string) []string {
	switch provider {
	case "google":
		return []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	case "anthropic":
		return []string{"ANTHROPIC_API_KEY"}
	case "openai", "openai_compatible":
		return []string{"OPENAI_API_KEY"}
	case "openrouter":
		return []string{"OPENROUTER_API_KEY"}
	default:
		return nil
	}
}

// NormalizeProvider lowercases the name and maps legacy aliases.
func NormalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch p {
	case "", "gemini", "googleai":
		return "google"
	case "claude":
		return "anthropic"
	default:
		return p
	}
}
