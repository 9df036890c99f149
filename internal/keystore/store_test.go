package keystore

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keywarden/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openStore writes content as the state file and opens a store on it.
// Empty content means no file at all.
func openStore(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	s, err := Open(path, testLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func fixClock(s *Store, date string) {
	day, _ := time.Parse("2006-01-02", date)
	s.acct.Now = func() time.Time { return day }
}

const threeKeyState = `{
  "api_keys": {
    "openai": [
      {"secret": "sk-aaaaaaaa", "daily_limit": 10, "active": true, "last_reset": "2025-06-01"},
      {"secret": "sk-bbbbbbbb", "daily_limit": 10, "active": true, "last_reset": "2025-06-01"},
      {"secret": "sk-cccccccc", "daily_limit": 10, "active": true, "last_reset": "2025-06-01"}
    ]
  },
  "settings": {"rotation_strategy": "round_robin", "retry_attempts": 3, "retry_delay": 0.0}
}`

func TestSelectKey_DailyLimit(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {"openai": [{"secret": "sk-aaaaaaaa", "daily_limit": 3, "active": true, "last_reset": "2025-06-01"}]},
  "settings": {}
}`)
	fixClock(s, "2025-06-01")

	for i := 0; i < 3; i++ {
		key, err := s.SelectKey(model.ProviderOpenAI)
		require.NoError(t, err)
		assert.Equal(t, i+1, key.UsedToday)
	}
	_, err := s.SelectKey(model.ProviderOpenAI)
	assert.ErrorIs(t, err, ErrNoEligibleKey)
}

func TestSelectKey_RoundRobinFairness(t *testing.T) {
	s := openStore(t, threeKeyState)
	fixClock(s, "2025-06-01")

	var got []string
	for i := 0; i < 4; i++ {
		key, err := s.SelectKey(model.ProviderOpenAI)
		require.NoError(t, err)
		got = append(got, key.Suffix())
	}
	// Stored order, then the cursor wraps back to the first key.
	assert.Equal(t, []string{"aaaaaaaa", "bbbbbbbb", "cccccccc", "aaaaaaaa"}, got)
}

func TestSelectKey_RoundRobinSkipsIneligible(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {"openai": [
    {"secret": "sk-aaaaaaaa", "daily_limit": 10, "active": false, "last_reset": "2025-06-01"},
    {"secret": "sk-bbbbbbbb", "daily_limit": 1, "used_today": 1, "active": true, "last_reset": "2025-06-01"},
    {"secret": "sk-cccccccc", "daily_limit": 10, "active": true, "last_reset": "2025-06-01"}
  ]},
  "settings": {}
}`)
	fixClock(s, "2025-06-01")

	// Only C is eligible; it must be returned every time with no turn
	// burned on the inactive or exhausted keys.
	for i := 0; i < 3; i++ {
		key, err := s.SelectKey(model.ProviderOpenAI)
		require.NoError(t, err)
		assert.Equal(t, "cccccccc", key.Suffix())
	}
}

func TestSelectKey_PriorityStrategy(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {"openai": [
    {"secret": "sk-low-aaaa", "daily_limit": 10, "active": true, "priority": 1, "last_reset": "2025-06-01"},
    {"secret": "sk-high-bbb", "daily_limit": 2, "active": true, "priority": 5, "last_reset": "2025-06-01"},
    {"secret": "sk-high-ccc", "daily_limit": 2, "used_today": 1, "active": true, "priority": 5, "last_reset": "2025-06-01"}
  ]},
  "settings": {"rotation_strategy": "priority"}
}`)
	fixClock(s, "2025-06-01")

	// Highest priority first; ties broken by least usage.
	key, err := s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "high-bbb", key.Suffix())

	// bbb and ccc now both have 1 use; bbb (first in order) wins the tie,
	// then both hit their limit of 2 and the low-priority key takes over.
	suffixes := map[string]int{}
	for i := 0; i < 3; i++ {
		key, err := s.SelectKey(model.ProviderOpenAI)
		require.NoError(t, err)
		suffixes[key.Suffix()]++
	}
	assert.Equal(t, 1, suffixes["high-bbb"])
	assert.Equal(t, 1, suffixes["high-ccc"])
	assert.Equal(t, 1, suffixes["low-aaaa"])
}

func TestSelectKey_UsageBasedStrategy(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {"openai": [
    {"secret": "sk-aaaaaaaa", "daily_limit": 10, "used_today": 5, "active": true, "last_reset": "2025-06-01"},
    {"secret": "sk-bbbbbbbb", "daily_limit": 10, "used_today": 2, "active": true, "last_reset": "2025-06-01"}
  ]},
  "settings": {"rotation_strategy": "usage_based"}
}`)
	fixClock(s, "2025-06-01")

	key, err := s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "bbbbbbbb", key.Suffix())
	assert.Equal(t, 3, key.UsedToday)
}

func TestSelectKey_UnknownProvider(t *testing.T) {
	s := openStore(t, threeKeyState)
	_, err := s.SelectKey(model.ProviderAnthropic)
	assert.ErrorIs(t, err, ErrNoEligibleKey)
}

func TestSelectKey_DailyReset(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {"openai": [{"secret": "sk-aaaaaaaa", "daily_limit": 1, "used_today": 1, "active": true, "last_reset": "2025-06-01"}]},
  "settings": {}
}`)

	fixClock(s, "2025-06-01")
	_, err := s.SelectKey(model.ProviderOpenAI)
	require.ErrorIs(t, err, ErrNoEligibleKey)

	fixClock(s, "2025-06-02")
	key, err := s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, 1, key.UsedToday)
	assert.Equal(t, "2025-06-02", key.LastReset)
}

func TestRollback(t *testing.T) {
	s := openStore(t, threeKeyState)
	fixClock(s, "2025-06-01")

	key, err := s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)
	require.Equal(t, 1, key.UsedToday)

	s.Rollback(model.ProviderOpenAI, key.Secret)
	assert.Equal(t, 0, s.doc.pools[model.ProviderOpenAI][0].UsedToday)

	// A second rollback must not push the counter negative.
	s.Rollback(model.ProviderOpenAI, key.Secret)
	assert.Equal(t, 0, s.doc.pools[model.ProviderOpenAI][0].UsedToday)
}

func TestRollback_IgnoredAfterDayRollover(t *testing.T) {
	s := openStore(t, threeKeyState)
	fixClock(s, "2025-06-01")

	key, err := s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)

	fixClock(s, "2025-06-02")
	s.Rollback(model.ProviderOpenAI, key.Secret)
	// Yesterday's charge is stale; the record keeps it until the lazy reset.
	assert.Equal(t, 1, s.doc.pools[model.ProviderOpenAI][0].UsedToday)
}

func TestAddKey(t *testing.T) {
	s := openStore(t, "")

	t.Run("unknown provider", func(t *testing.T) {
		err := s.AddKey("yodel", "sk-x", AddKeyOptions{})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "provider", verr.Field)
	})

	t.Run("empty secret", func(t *testing.T) {
		err := s.AddKey(model.ProviderOpenAI, "", AddKeyOptions{})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "secret", verr.Field)
	})

	t.Run("defaults applied", func(t *testing.T) {
		require.NoError(t, s.AddKey(model.ProviderOpenAI, "sk-fresh-key", AddKeyOptions{}))
		rec := s.doc.pools[model.ProviderOpenAI][0]
		assert.True(t, rec.Active)
		assert.Equal(t, 0, rec.UsedToday)
		assert.Equal(t, model.DefaultSettings().DefaultDailyLimit, rec.DailyLimit)
		assert.Equal(t, s.acct.Today(), rec.LastReset)
	})

	t.Run("options respected", func(t *testing.T) {
		require.NoError(t, s.AddKey(model.ProviderDeepSeek, "sk-ds", AddKeyOptions{
			Endpoint: "https://alt.example.com/v1", DailyLimit: 50, Priority: 9, Inactive: true,
		}))
		rec := s.doc.pools[model.ProviderDeepSeek][0]
		assert.False(t, rec.Active)
		assert.Equal(t, 50, rec.DailyLimit)
		assert.Equal(t, 9, rec.Priority)
		assert.Equal(t, "https://alt.example.com/v1", rec.Endpoint)
	})
}

func TestRemoveKey(t *testing.T) {
	s := openStore(t, threeKeyState)

	assert.False(t, s.RemoveKey(model.ProviderOpenAI, "nope"))
	assert.True(t, s.RemoveKey(model.ProviderOpenAI, "bbbbbbbb"))
	assert.Len(t, s.doc.pools[model.ProviderOpenAI], 2)

	// Ambiguous suffix: every secret ends in its own last char, but "a"
	// only matches the first key. First match in stored order wins.
	assert.True(t, s.RemoveKey(model.ProviderOpenAI, "a"))
	assert.Equal(t, "cccccccc", s.doc.pools[model.ProviderOpenAI][0].Suffix())
}

func TestRemoveKey_ClampsCursor(t *testing.T) {
	s := openStore(t, threeKeyState)
	fixClock(s, "2025-06-01")

	// Advance cursor to 2.
	_, _ = s.SelectKey(model.ProviderOpenAI)
	_, _ = s.SelectKey(model.ProviderOpenAI)

	require.True(t, s.RemoveKey(model.ProviderOpenAI, "cccccccc"))
	require.True(t, s.RemoveKey(model.ProviderOpenAI, "bbbbbbbb"))

	key, err := s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa", key.Suffix())
}

func TestToggleActive(t *testing.T) {
	s := openStore(t, threeKeyState)

	assert.False(t, s.ToggleActive(model.ProviderOpenAI, "missing"))
	assert.True(t, s.ToggleActive(model.ProviderOpenAI, "aaaaaaaa"))
	assert.False(t, s.doc.pools[model.ProviderOpenAI][0].Active)
	assert.True(t, s.ToggleActive(model.ProviderOpenAI, "aaaaaaaa"))
	assert.True(t, s.doc.pools[model.ProviderOpenAI][0].Active)
}

func TestStats(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {
    "openai": [
      {"secret": "sk-aaaaaaaa", "daily_limit": 10, "used_today": 4, "active": true, "last_reset": "2025-06-01"},
      {"secret": "sk-bbbbbbbb", "daily_limit": 20, "used_today": 1, "active": false, "last_reset": "2025-06-01"}
    ],
    "anthropic": [
      {"secret": "sk-ant-cccc", "daily_limit": 5, "active": true, "last_reset": "2025-06-01"}
    ]
  },
  "settings": {}
}`)

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, model.ProviderAnthropic, stats[0].Provider)

	openai := stats[1]
	assert.Equal(t, 2, openai.TotalKeys)
	assert.Equal(t, 1, openai.ActiveKeys)
	assert.Equal(t, 5, openai.TotalUsed)
	assert.Equal(t, 30, openai.TotalLimit)
	require.Len(t, openai.Keys, 2)
	assert.Equal(t, "aaaaaaaa", openai.Keys[0].Suffix)
	assert.NotContains(t, openai.Keys[0].Suffix, "sk-")
}

// The end-to-end scenario: a two-request limit is honored, the third
// selection signals exhaustion, and a freshly added key is picked up.
func TestScenario_ExhaustThenAddKey(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {"openai": [{"secret": "sk-aaaaaaaa", "daily_limit": 2, "active": true, "last_reset": "2025-06-01"}]},
  "settings": {}
}`)
	fixClock(s, "2025-06-01")

	for i := 0; i < 2; i++ {
		key, err := s.SelectKey(model.ProviderOpenAI)
		require.NoError(t, err)
		assert.Equal(t, "aaaaaaaa", key.Suffix())
	}
	assert.Equal(t, 2, s.doc.pools[model.ProviderOpenAI][0].UsedToday)

	_, err := s.SelectKey(model.ProviderOpenAI)
	require.ErrorIs(t, err, ErrNoEligibleKey)

	require.NoError(t, s.AddKey(model.ProviderOpenAI, "sk-second-key", AddKeyOptions{}))
	key, err := s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "cond-key", key.Suffix())
}

func TestConcurrentSelect_NoOvercharge(t *testing.T) {
	const limit = 50
	s := openStore(t, `{
  "api_keys": {"openai": [{"secret": "sk-aaaaaaaa", "daily_limit": 50, "active": true, "last_reset": "2025-06-01"}]},
  "settings": {}
}`)
	fixClock(s, "2025-06-01")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < limit*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.SelectKey(model.ProviderOpenAI); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, successes)
	assert.Equal(t, limit, s.doc.pools[model.ProviderOpenAI][0].UsedToday)
}

func TestConcurrentSelect_CursorStaysInRange(t *testing.T) {
	s := openStore(t, threeKeyState)
	fixClock(s, "2025-06-01")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.SelectKey(model.ProviderOpenAI)
			_ = s.ToggleActive(model.ProviderOpenAI, "bbbbbbbb")
		}()
	}
	wg.Wait()

	cursor := s.cursors[model.ProviderOpenAI]
	assert.GreaterOrEqual(t, cursor, 0)
	assert.Less(t, cursor, 3)
}

func TestOpen_MissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "absent.json"), testLogger())
	require.NoError(t, err)
	defer s.Close()
	assert.Empty(t, s.Stats())
	// The empty store is fully usable.
	assert.NoError(t, s.AddKey(model.ProviderOpenAI, "sk-new", AddKeyOptions{}))
}

func TestOpen_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := Open(path, testLogger())
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	require.NotNil(t, s)
	defer s.Close()

	// Falls back to empty-but-valid rather than crashing.
	assert.NoError(t, s.AddKey(model.ProviderOpenAI, "sk-new", AddKeyOptions{}))
}

func TestOpen_EmptySecretRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"api_keys": {"openai": [{"secret": ""}]}}`), 0o600))

	s, err := Open(path, testLogger())
	require.NotNil(t, s)
	defer s.Close()
	var cerr *ConfigError
	assert.ErrorAs(t, err, &cerr)
}

func TestOpen_ClampsNegativeRetrySettings(t *testing.T) {
	s := openStore(t, `{
	  "api_keys": {},
	  "settings": {"retry_attempts": -1, "retry_delay": -2.5}
	}`)

	settings := s.Settings()
	assert.Equal(t, 0, settings.RetryAttempts)
	assert.Equal(t, 0.0, settings.RetryDelaySeconds)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "api_keys": {"openai": [{"secret": "sk-aaaaaaaa", "daily_limit": 5, "active": true, "last_reset": "2025-06-01"}]},
  "settings": {"rotation_strategy": "priority", "retry_attempts": 7, "future_knob": "keep-me"},
  "annotations": {"owner": "platform-team"}
}`), 0o600))

	s, err := Open(path, testLogger())
	require.NoError(t, err)
	fixClock(s, "2025-06-01")

	_, err = s.SelectKey(model.ProviderOpenAI)
	require.NoError(t, err)
	require.NoError(t, s.AddKey(model.ProviderAnthropic, "sk-ant-bbbb", AddKeyOptions{DailyLimit: 9}))
	s.Close()

	reloaded, err := Open(path, testLogger())
	require.NoError(t, err)
	defer reloaded.Close()

	assert.Equal(t, model.StrategyPriority, reloaded.Settings().RotationStrategy)
	assert.Equal(t, 7, reloaded.Settings().RetryAttempts)

	stats := reloaded.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[1].Keys[0].Used)
	assert.Equal(t, 5, stats[1].Keys[0].Limit)
	assert.Equal(t, 9, stats[0].Keys[0].Limit)

	// Unknown fields survive the round trip.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "future_knob")
	assert.Contains(t, string(data), "platform-team")
}

func TestSweepDailyReset(t *testing.T) {
	s := openStore(t, `{
  "api_keys": {
    "openai": [{"secret": "sk-aaaaaaaa", "daily_limit": 5, "used_today": 5, "active": true, "last_reset": "2025-06-01"}],
    "deepseek": [{"secret": "sk-bbbbbbbb", "daily_limit": 5, "used_today": 2, "active": true, "last_reset": "2025-06-01"}]
  },
  "settings": {}
}`)

	fixClock(s, "2025-06-01")
	assert.Equal(t, 0, s.SweepDailyReset())

	fixClock(s, "2025-06-02")
	assert.Equal(t, 2, s.SweepDailyReset())
	assert.Equal(t, 0, s.doc.pools[model.ProviderOpenAI][0].UsedToday)
	assert.Equal(t, 0, s.SweepDailyReset())
}

func TestConfigErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigError{Path: "x.json", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "x.json")
}
