package provider

import (
	"time"

	"keywarden/internal/dispatch"
	"keywarden/internal/model"
)

// Default base URLs per provider. Any of them can be overridden per key
// through the key's endpoint field.
const (
	defaultOpenAIBase    = "https://api.openai.com/v1"
	defaultDeepSeekBase  = "https://api.deepseek.com/v1"
	defaultAnthropicBase = "https://api.anthropic.com"
	// Gemini is reached through its OpenAI-compatible surface.
	defaultGoogleBase = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// NewRegistry builds the provider→client map the dispatcher resolves
// against. Supporting a new vendor means adding an entry here.
func NewRegistry(timeout time.Duration) map[model.Provider]dispatch.ProviderClient {
	httpClient := newHTTPClient(timeout)
	return map[model.Provider]dispatch.ProviderClient{
		model.ProviderOpenAI:    NewOpenAIClient(defaultOpenAIBase, httpClient),
		model.ProviderDeepSeek:  NewOpenAIClient(defaultDeepSeekBase, httpClient),
		model.ProviderGoogle:    NewOpenAIClient(defaultGoogleBase, httpClient),
		model.ProviderAnthropic: NewAnthropicClient(defaultAnthropicBase, httpClient),
	}
}
