package dispatch

import (
	"fmt"
	"strings"

	"keywarden/internal/model"
)

// Category classifies an upstream call failure and drives the fallback
// and rollback policy.
type Category string

const (
	// CategoryAuth means the key was rejected. Never retried; the
	// optimistic usage charge is rolled back.
	CategoryAuth Category = "auth"
	// CategoryRateLimited means the vendor throttled the key. Retried
	// within the provider's retry budget; the charge stands.
	CategoryRateLimited Category = "rate_limited"
	// CategoryTimeout means the call exceeded its deadline. Retried, but
	// the charge stands: the vendor may well have processed the request.
	CategoryTimeout Category = "timeout"
	// CategoryTransient covers network and 5xx failures. Retried; the
	// outcome upstream is unknown, so the charge stands.
	CategoryTransient Category = "transient"
	// CategoryFatal means the request itself is unprocessable for this
	// provider. Not retried; the charge is rolled back.
	CategoryFatal Category = "fatal"
)

// CallError is the typed failure every ProviderClient must return.
type CallError struct {
	Category Category
	Status   int // HTTP status when one was received, else 0
	Message  string
	Err      error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Category, e.Status, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt against the same provider
// is worth making.
func (e *CallError) Retryable() bool {
	switch e.Category {
	case CategoryRateLimited, CategoryTimeout, CategoryTransient:
		return true
	}
	return false
}

// Definitive reports whether the failure proves the request was never
// processed upstream, making a usage-charge rollback safe.
func (e *CallError) Definitive() bool {
	return e.Category == CategoryAuth || e.Category == CategoryFatal
}

// Attempt records why one provider could not serve a send.
type Attempt struct {
	Provider model.Provider
	Err      error
}

// ExhaustedError is the terminal failure of Send: every provider in the
// preference order was exhausted or kept failing.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}
