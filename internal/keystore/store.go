// Package keystore owns the per-provider pools of upstream API keys:
// selection under the configured rotation strategy, daily usage
// accounting and persistence of the whole state to a JSON file.
package keystore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/lo"

	"keywarden/internal/model"
	"keywarden/internal/usage"
)

// Store is the single owner of all key records. Every exported method
// takes the store lock; upstream network calls must never happen while
// it is held.
type Store struct {
	mu      sync.Mutex
	path    string
	doc     *document
	cursors map[model.Provider]int
	acct    *usage.Accountant
	logger  *slog.Logger

	saveCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Open loads the state file at path and starts the write-behind saver.
// A missing file yields an empty store and no error. A malformed file
// also yields an empty, usable store, together with a *ConfigError for
// the operator; synthesizing defaults is the caller's business.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:    path,
		doc:     emptyDocument(),
		cursors: make(map[model.Provider]int),
		acct:    usage.NewAccountant(),
		logger:  logger.With("component", "keystore"),
		saveCh:  make(chan struct{}, 64),
	}

	var loadErr error
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		doc, err := parseDocument(data)
		if err != nil {
			loadErr = &ConfigError{Path: path, Err: err}
		} else {
			s.doc = doc
		}
	case os.IsNotExist(err):
		s.logger.Warn("state file not found, starting with an empty key store", "path", path)
	default:
		loadErr = &ConfigError{Path: path, Err: err}
	}

	total := 0
	for _, keys := range s.doc.pools {
		total += len(keys)
	}
	s.logger.Info("key store opened", "path", path, "providers", len(s.doc.pools), "keys", total)

	s.wg.Add(1)
	go s.saver()
	return s, loadErr
}

// Settings returns the tuning block loaded from the state file.
func (s *Store) Settings() model.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.settings
}

// SelectKey picks an eligible key for the provider under the configured
// rotation strategy and charges one unit of its daily quota. The scan
// and the charge are atomic; the returned record is a copy, safe to
// use after the lock is released. ErrNoEligibleKey is returned when
// the provider is unknown, has no keys, or every key is inactive or at
// its limit.
func (s *Store) SelectKey(provider model.Provider) (model.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.doc.pools[provider]
	if len(keys) == 0 {
		return model.KeyRecord{}, fmt.Errorf("provider %s: %w", provider, ErrNoEligibleKey)
	}

	today := s.acct.Today()
	for _, k := range keys {
		s.acct.ResetIfNewDay(k, today)
	}

	var picked *model.KeyRecord
	switch s.doc.settings.RotationStrategy {
	case model.StrategyPriority:
		picked = pickPriority(keys)
	case model.StrategyUsageBased:
		picked = pickLeastUsed(keys)
	default: // round_robin
		picked = s.pickRoundRobin(provider, keys)
	}
	if picked == nil {
		return model.KeyRecord{}, fmt.Errorf("provider %s exhausted: %w", provider, ErrNoEligibleKey)
	}

	picked.UsedToday++
	s.scheduleSave()
	s.logger.Debug("selected key", "provider", provider, "key_suffix", picked.Suffix(), "used", picked.UsedToday, "limit", picked.DailyLimit)
	return *picked, nil
}

// pickRoundRobin scans from the provider cursor, wrapping, and returns
// the first eligible key, leaving the cursor just past it. Ineligible
// keys do not consume a turn. Lock held.
func (s *Store) pickRoundRobin(provider model.Provider, keys []*model.KeyRecord) *model.KeyRecord {
	start := s.cursors[provider]
	if start >= len(keys) {
		start = 0
	}
	for i := range keys {
		idx := (start + i) % len(keys)
		if keys[idx].Eligible() {
			s.cursors[provider] = (idx + 1) % len(keys)
			return keys[idx]
		}
	}
	return nil
}

func pickPriority(keys []*model.KeyRecord) *model.KeyRecord {
	eligible := lo.Filter(keys, func(k *model.KeyRecord, _ int) bool { return k.Eligible() })
	if len(eligible) == 0 {
		return nil
	}
	return lo.MinBy(eligible, func(a, b *model.KeyRecord) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.UsedToday < b.UsedToday
	})
}

func pickLeastUsed(keys []*model.KeyRecord) *model.KeyRecord {
	eligible := lo.Filter(keys, func(k *model.KeyRecord, _ int) bool { return k.Eligible() })
	if len(eligible) == 0 {
		return nil
	}
	return lo.MinBy(eligible, func(a, b *model.KeyRecord) bool { return a.UsedToday < b.UsedToday })
}

// Rollback refunds the optimistic charge for the key holding secret.
// It only applies while the charge's calendar day is still current, so
// a refund can never undo a daily reset.
func (s *Store) Rollback(provider model.Provider, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.doc.pools[provider] {
		if k.Secret == secret {
			if k.LastReset == s.acct.Today() && k.UsedToday > 0 {
				k.UsedToday--
				s.scheduleSave()
				s.logger.Debug("rolled back charge", "provider", provider, "key_suffix", k.Suffix(), "used", k.UsedToday)
			}
			return
		}
	}
}

// AddKeyOptions carries the optional fields of a new key.
type AddKeyOptions struct {
	Endpoint   string
	DailyLimit int
	Priority   int
	Inactive   bool
}

// AddKey appends a key to the provider's pool. The provider must be a
// recognized name or one already present in the store; the secret must
// be non-empty. The new key starts unused and resets today.
func (s *Store) AddKey(provider model.Provider, secret string, opts AddKeyOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.pools[provider]; !provider.Known() && !exists {
		return &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", provider)}
	}
	if secret == "" {
		return &ValidationError{Field: "secret", Reason: "must not be empty"}
	}
	if opts.DailyLimit < 0 {
		return &ValidationError{Field: "daily_limit", Reason: "must be positive"}
	}

	limit := opts.DailyLimit
	if limit == 0 {
		limit = s.doc.settings.DefaultDailyLimit
	}
	rec := &model.KeyRecord{
		Secret:     secret,
		Provider:   provider,
		Endpoint:   opts.Endpoint,
		DailyLimit: limit,
		LastReset:  s.acct.Today(),
		Active:     !opts.Inactive,
		Priority:   opts.Priority,
	}
	s.doc.pools[provider] = append(s.doc.pools[provider], rec)
	s.scheduleSave()
	s.logger.Info("added key", "provider", provider, "key_suffix", rec.Suffix(), "daily_limit", limit)
	return nil
}

// RemoveKey deletes the first key whose secret ends with suffix and
// reports whether one was found. With several keys sharing a suffix the
// first match in stored order wins.
func (s *Store) RemoveKey(provider model.Provider, suffix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.doc.pools[provider]
	idx := matchSuffix(keys, suffix)
	if idx < 0 {
		return false
	}
	removed := keys[idx]
	s.doc.pools[provider] = append(keys[:idx], keys[idx+1:]...)
	if s.cursors[provider] >= len(s.doc.pools[provider]) {
		s.cursors[provider] = 0
	}
	s.scheduleSave()
	s.logger.Info("removed key", "provider", provider, "key_suffix", removed.Suffix())
	return true
}

// ToggleActive flips the active flag of the first key whose secret ends
// with suffix and reports whether one was found.
func (s *Store) ToggleActive(provider model.Provider, suffix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.doc.pools[provider]
	idx := matchSuffix(keys, suffix)
	if idx < 0 {
		return false
	}
	keys[idx].Active = !keys[idx].Active
	s.scheduleSave()
	s.logger.Info("toggled key", "provider", provider, "key_suffix", keys[idx].Suffix(), "active", keys[idx].Active)
	return true
}

func matchSuffix(keys []*model.KeyRecord, suffix string) int {
	if suffix == "" {
		return -1
	}
	for i, k := range keys {
		if len(k.Secret) >= len(suffix) && k.Secret[len(k.Secret)-len(suffix):] == suffix {
			return i
		}
	}
	return -1
}

// KeyStats is the redacted, observability-only view of one key.
type KeyStats struct {
	Suffix    string `json:"key_suffix"`
	Used      int    `json:"used_today"`
	Limit     int    `json:"daily_limit"`
	Active    bool   `json:"active"`
	LastReset string `json:"last_reset"`
}

// ProviderStats summarizes one provider's pool.
type ProviderStats struct {
	Provider   model.Provider `json:"provider"`
	TotalKeys  int            `json:"total_keys"`
	ActiveKeys int            `json:"active_keys"`
	TotalUsed  int            `json:"total_used"`
	TotalLimit int            `json:"total_limit"`
	Keys       []KeyStats     `json:"keys"`
}

// Stats returns a per-provider summary, sorted by provider name. It is
// for dashboards and CLIs only; nothing selects keys off it.
func (s *Store) Stats() []ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]ProviderStats, 0, len(s.doc.pools))
	for provider, keys := range s.doc.pools {
		ps := ProviderStats{
			Provider:   provider,
			TotalKeys:  len(keys),
			ActiveKeys: lo.CountBy(keys, func(k *model.KeyRecord) bool { return k.Active }),
			TotalUsed:  lo.SumBy(keys, func(k *model.KeyRecord) int { return k.UsedToday }),
			TotalLimit: lo.SumBy(keys, func(k *model.KeyRecord) int { return k.DailyLimit }),
			Keys: lo.Map(keys, func(k *model.KeyRecord, _ int) KeyStats {
				return KeyStats{Suffix: k.Suffix(), Used: k.UsedToday, Limit: k.DailyLimit, Active: k.Active, LastReset: k.LastReset}
			}),
		}
		stats = append(stats, ps)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Provider < stats[j].Provider })
	return stats
}

// SweepDailyReset runs the lazy daily reset over every pool and returns
// the number of keys reset. Selection already resets on demand; the
// sweep only keeps the persisted file and stats fresh on idle days.
func (s *Store) SweepDailyReset() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := s.acct.Today()
	reset := 0
	for _, keys := range s.doc.pools {
		for _, k := range keys {
			if s.acct.ResetIfNewDay(k, today) {
				reset++
			}
		}
	}
	if reset > 0 {
		s.scheduleSave()
	}
	return reset
}

// Save serializes the current state to the store's path. The write goes
// through a temp file and rename so a crash mid-write cannot corrupt
// the previous state.
func (s *Store) Save() error {
	s.mu.Lock()
	data, err := s.doc.marshal()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal key state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("save key state: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save key state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("save key state: %w", err)
	}
	return nil
}

// scheduleSave queues a write-behind save. Non-blocking: a full queue
// means a save is already pending, which will pick up this change too.
// Lock held by the caller.
func (s *Store) scheduleSave() {
	if s.closed {
		return
	}
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// saver persists the state after every mutation, coalescing bursts so
// concurrent selections trigger one write, not one each.
func (s *Store) saver() {
	defer s.wg.Done()
	for range s.saveCh {
	drain:
		for {
			select {
			case _, ok := <-s.saveCh:
				if !ok {
					break drain
				}
			default:
				break drain
			}
		}
		if err := s.Save(); err != nil {
			s.logger.Error("failed to persist key state", "error", err)
		}
	}
}

// Close flushes pending writes and performs a final save.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.saveCh)
	s.wg.Wait()
	if err := s.Save(); err != nil {
		s.logger.Error("final key state save failed", "error", err)
	}
	s.logger.Info("key store closed")
}
