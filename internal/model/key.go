package model

// Provider identifies an upstream LLM vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderDeepSeek  Provider = "deepseek"
)

// KnownProviders lists the providers a key may be registered under.
// The order here is also the default fallback order.
var KnownProviders = []Provider{ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderDeepSeek}

// Known reports whether p is a recognized provider name.
func (p Provider) Known() bool {
	for _, known := range KnownProviders {
		if p == known {
			return true
		}
	}
	return false
}

// SuffixLen is the number of trailing secret characters that may appear
// in logs, stats and management responses. The rest of the secret is
// never surfaced.
const SuffixLen = 8

// KeyRecord is one upstream credential together with its quota state.
// Records are owned by the key store; nothing else mutates them.
type KeyRecord struct {
	Secret     string   `json:"secret"`
	Provider   Provider `json:"provider"`
	Endpoint   string   `json:"endpoint,omitempty"`
	DailyLimit int      `json:"daily_limit"`
	UsedToday  int      `json:"used_today"`
	LastReset  string   `json:"last_reset"`
	Active     bool     `json:"active"`
	Priority   int      `json:"priority"`
}

// Suffix returns the redacted identifier for the key: its last SuffixLen
// characters, or the whole secret when it is shorter than that.
func (k *KeyRecord) Suffix() string {
	if len(k.Secret) > SuffixLen {
		return k.Secret[len(k.Secret)-SuffixLen:]
	}
	return k.Secret
}

// Eligible reports whether the key may be handed out: active and still
// under its daily quota.
func (k *KeyRecord) Eligible() bool {
	return k.Active && k.UsedToday < k.DailyLimit
}
