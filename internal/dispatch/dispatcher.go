// Package dispatch turns a logical chat request into a concrete
// upstream call, falling back across keys and providers on failure.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"keywarden/internal/keystore"
	"keywarden/internal/model"
)

// Request is the provider-agnostic shape of one chat request. Body is
// an OpenAI-style chat payload; clients rewrite it for their vendor.
type Request struct {
	Model string
	Body  json.RawMessage
}

// TokenUsage is the normalized token accounting. All zeros when the
// vendor does not report usage.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Result is the normalized outcome of a successful send. Provider and
// KeySuffix are filled in by the dispatcher; KeySuffix is the only form
// of the credential that ever leaves the core.
type Result struct {
	Text      string          `json:"text"`
	Model     string          `json:"model"`
	Usage     TokenUsage      `json:"usage"`
	Provider  model.Provider  `json:"provider"`
	KeySuffix string          `json:"key_used"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// ProviderClient performs the actual vendor call. Implementations must
// honor ctx and fail with a *CallError so the dispatcher can classify
// the outcome.
type ProviderClient interface {
	Call(ctx context.Context, key model.KeyRecord, req Request) (*Result, error)
}

// Recorder persists dispatch outcomes for observability.
type Recorder interface {
	CreateRequestLog(log *model.RequestLog) error
}

// Dispatcher routes requests through the key store and a registry of
// provider clients. It holds no per-request state; everything durable
// lives in the store.
type Dispatcher struct {
	store   *keystore.Store
	clients map[model.Provider]ProviderClient
	logger  *slog.Logger

	logCh chan model.RequestLog
	wg    sync.WaitGroup
}

// New creates a dispatcher. clients is the provider registry resolved
// at startup; adding a provider means registering a client here, not
// editing dispatch logic. recorder may be nil to disable request logs.
func New(store *keystore.Store, clients map[model.Provider]ProviderClient, recorder Recorder, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		clients: clients,
		logger:  logger.With("component", "dispatch"),
	}
	if recorder != nil {
		d.logCh = make(chan model.RequestLog, 128)
		d.wg.Add(1)
		go d.recordWorker(recorder)
	}
	return d
}

// Send tries each provider in preference order: select a key, call the
// provider outside the store lock, and on failure fall back. Transient
// failures are retried within the provider up to the configured retry
// budget, re-selecting a key each time; exhaustion and definitive
// failures move straight to the next provider. The terminal error is an
// *ExhaustedError naming every attempted provider.
func (d *Dispatcher) Send(ctx context.Context, preference []model.Provider, req Request) (*Result, error) {
	settings := d.store.Settings()
	providers := lo.Uniq(preference)
	if len(providers) == 0 {
		providers = settings.FallbackOrder
	}

	var attempts []Attempt
	for _, provider := range providers {
		client, ok := d.clients[provider]
		if !ok {
			attempts = append(attempts, Attempt{Provider: provider, Err: errors.New("no client registered")})
			continue
		}

		res, lastErr := d.tryProvider(ctx, provider, client, req, settings)
		if lastErr == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempts = append(attempts, Attempt{Provider: provider, Err: lastErr})
	}

	err := &ExhaustedError{Attempts: attempts}
	d.logger.Error("send failed", "providers", providers, "error", err)
	d.record(model.RequestLog{
		Status:    model.LogStatusExhausted,
		Error:     err.Error(),
		ChatModel: req.Model,
	})
	return nil, err
}

func (d *Dispatcher) tryProvider(ctx context.Context, provider model.Provider, client ProviderClient, req Request, settings model.Settings) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= settings.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key, err := d.store.SelectKey(provider)
		if err != nil {
			// No eligible key. Exhaustion is not transient; retrying the
			// same provider cannot help.
			return nil, err
		}

		start := time.Now()
		res, callErr := client.Call(ctx, key, req)
		latency := time.Since(start).Milliseconds()

		if callErr == nil {
			res.Provider = provider
			res.KeySuffix = key.Suffix()
			d.logger.Info("request served", "provider", provider, "key_suffix", key.Suffix(), "attempt", attempt, "latency_ms", latency)
			d.record(model.RequestLog{
				Provider:  string(provider),
				KeySuffix: key.Suffix(),
				ChatModel: req.Model,
				Status:    model.LogStatusSuccess,
				Attempt:   attempt,
				LatencyMs: latency,
			})
			return res, nil
		}

		lastErr = callErr
		var ce *CallError
		isCallErr := errors.As(callErr, &ce)
		if isCallErr && ce.Definitive() {
			// The request provably never ran upstream; refund the charge.
			d.store.Rollback(provider, key.Secret)
		}
		d.logger.Warn("provider call failed", "provider", provider, "key_suffix", key.Suffix(), "attempt", attempt, "error", callErr)
		d.record(model.RequestLog{
			Provider:  string(provider),
			KeySuffix: key.Suffix(),
			ChatModel: req.Model,
			Status:    model.LogStatusFailure,
			Error:     callErr.Error(),
			Attempt:   attempt,
			LatencyMs: latency,
		})

		if !isCallErr || !ce.Retryable() {
			return nil, lastErr
		}
		if delay := settings.RetryDelay(); delay > 0 && attempt < settings.RetryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) record(entry model.RequestLog) {
	if d.logCh == nil {
		return
	}
	entry.UUID = uuid.NewString()
	select {
	case d.logCh <- entry:
	default:
		d.logger.Warn("request log queue full, dropping entry")
	}
}

func (d *Dispatcher) recordWorker(recorder Recorder) {
	defer d.wg.Done()
	for entry := range d.logCh {
		if err := recorder.CreateRequestLog(&entry); err != nil {
			d.logger.Warn("failed to persist request log", "error", err)
		}
	}
}

// Close drains and stops the request-log worker.
func (d *Dispatcher) Close() {
	if d.logCh != nil {
		close(d.logCh)
		d.wg.Wait()
	}
}
