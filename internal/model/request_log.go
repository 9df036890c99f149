package model

import "gorm.io/gorm"

// RequestLog is one dispatch outcome, persisted for observability. A
// single send may produce several rows: one per failed attempt plus the
// final success or exhaustion.
type RequestLog struct {
	gorm.Model
	UUID      string `gorm:"type:varchar(36);uniqueIndex;not null"`
	Provider  string `gorm:"type:varchar(50);index"`
	KeySuffix string `gorm:"type:varchar(16)"`
	ChatModel string `gorm:"type:varchar(100)"`
	Status    string `gorm:"type:varchar(20);not null"`
	Error     string `gorm:"type:text"`
	Attempt   int    `gorm:"default:0;not null"`
	LatencyMs int64  `gorm:"default:0;not null"`
}

// Request log statuses.
const (
	LogStatusSuccess   = "success"
	LogStatusFailure   = "failure"
	LogStatusExhausted = "exhausted"
)
