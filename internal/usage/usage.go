// Package usage implements the daily quota accounting for key records.
// It is kept separate from the store so the reset semantics can be
// tested without the rotation logic.
package usage

import (
	"time"

	"keywarden/internal/model"
)

// DateLayout is the calendar-date format stored in KeyRecord.LastReset.
const DateLayout = "2006-01-02"

// Accountant decides when a key's daily counter rolls over. The day
// boundary is UTC midnight; Now is swappable for tests.
type Accountant struct {
	Now func() time.Time
}

// NewAccountant returns an accountant pinned to UTC wall-clock time.
func NewAccountant() *Accountant {
	return &Accountant{Now: time.Now}
}

// Today returns the current UTC calendar date.
func (a *Accountant) Today() string {
	return a.Now().UTC().Format(DateLayout)
}

// ResetIfNewDay zeroes the record's usage when its last reset happened
// on an earlier date. Calling it again on the same date is a no-op, so
// it is safe to run on every selection. Reports whether a reset happened.
func (a *Accountant) ResetIfNewDay(rec *model.KeyRecord, today string) bool {
	if rec.LastReset == today {
		return false
	}
	rec.UsedToday = 0
	rec.LastReset = today
	return true
}
