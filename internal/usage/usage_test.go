package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"keywarden/internal/model"
)

func TestToday(t *testing.T) {
	a := &Accountant{Now: func() time.Time {
		// 23:30 in UTC-5 is already the next day in UTC.
		loc := time.FixedZone("UTC-5", -5*3600)
		return time.Date(2025, 3, 9, 23, 30, 0, 0, loc)
	}}
	assert.Equal(t, "2025-03-10", a.Today())
}

func TestResetIfNewDay(t *testing.T) {
	a := NewAccountant()

	t.Run("new day resets usage", func(t *testing.T) {
		rec := &model.KeyRecord{UsedToday: 42, LastReset: "2025-03-09"}
		changed := a.ResetIfNewDay(rec, "2025-03-10")
		assert.True(t, changed)
		assert.Equal(t, 0, rec.UsedToday)
		assert.Equal(t, "2025-03-10", rec.LastReset)
	})

	t.Run("same day is a no-op", func(t *testing.T) {
		rec := &model.KeyRecord{UsedToday: 7, LastReset: "2025-03-10"}
		changed := a.ResetIfNewDay(rec, "2025-03-10")
		assert.False(t, changed)
		assert.Equal(t, 7, rec.UsedToday)
	})

	t.Run("idempotent across repeated calls", func(t *testing.T) {
		rec := &model.KeyRecord{UsedToday: 12, LastReset: "2025-03-09"}
		assert.True(t, a.ResetIfNewDay(rec, "2025-03-10"))
		rec.UsedToday = 3
		assert.False(t, a.ResetIfNewDay(rec, "2025-03-10"))
		assert.Equal(t, 3, rec.UsedToday)
	})
}
