// Package db persists dispatch outcomes. Key state itself lives in the
// key store's JSON file, not here; the database only carries the
// request log used for observability and auditing.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"keywarden/internal/config"
	"keywarden/internal/model"
)

// Service is the request-log store consumed by the dispatcher and the
// admin API. An interface so handlers and tests can swap it out.
type Service interface {
	CreateRequestLog(log *model.RequestLog) error
	ListRecentRequestLogs(limit int) ([]model.RequestLog, error)
	CountRequestLogsByStatus() (map[string]int64, error)
	PruneRequestLogs(olderThan time.Time) (int64, error)
	GetDB() *gorm.DB
}

type service struct {
	db *gorm.DB
}

// NewService opens the configured database and migrates the schema.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&model.RequestLog{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return &service{db: db}, nil
}

func (s *service) CreateRequestLog(log *model.RequestLog) error {
	if err := s.db.Create(log).Error; err != nil {
		return fmt.Errorf("failed to create request log: %w", err)
	}
	return nil
}

func (s *service) ListRecentRequestLogs(limit int) ([]model.RequestLog, error) {
	var logs []model.RequestLog
	result := s.db.Order("id desc").Limit(limit).Find(&logs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", result.Error)
	}
	return logs, nil
}

func (s *service) CountRequestLogsByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	result := s.db.Model(&model.RequestLog{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count request logs: %w", result.Error)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// PruneRequestLogs hard-deletes log rows created before olderThan and
// returns how many were removed.
func (s *service) PruneRequestLogs(olderThan time.Time) (int64, error) {
	result := s.db.Unscoped().Where("created_at < ?", olderThan).Delete(&model.RequestLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune request logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *service) GetDB() *gorm.DB {
	return s.db
}
