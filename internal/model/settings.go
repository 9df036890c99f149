package model

import "time"

// Strategy names a key rotation policy.
type Strategy string

const (
	// StrategyRoundRobin cycles through a provider's pool in stored order,
	// resuming from a per-provider cursor.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyPriority prefers the highest-priority eligible key, ties
	// broken by least usage.
	StrategyPriority Strategy = "priority"
	// StrategyUsageBased always picks the least-used eligible key.
	StrategyUsageBased Strategy = "usage_based"
)

// Settings is the process-wide tuning block stored alongside the key
// pools. It is read once at startup and never mutated by the core.
type Settings struct {
	RotationStrategy  Strategy   `json:"rotation_strategy"`
	RetryAttempts     int        `json:"retry_attempts"`
	RetryDelaySeconds float64    `json:"retry_delay"`
	FallbackOrder     []Provider `json:"fallback_order"`
	DefaultDailyLimit int        `json:"default_daily_limit"`
}

// DefaultSettings returns the settings used when the state file carries
// no settings block.
func DefaultSettings() Settings {
	return Settings{
		RotationStrategy:  StrategyRoundRobin,
		RetryAttempts:     3,
		RetryDelaySeconds: 1.0,
		FallbackOrder:     KnownProviders,
		DefaultDailyLimit: 1000,
	}
}

// RetryDelay converts the configured delay into a duration.
func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds * float64(time.Second))
}
