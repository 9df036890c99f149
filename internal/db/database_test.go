package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keywarden/internal/config"
	"keywarden/internal/model"
)

// setupTestDB creates a new in-memory SQLite database.
func setupTestDB(t *testing.T) Service {
	t.Helper()
	service, err := NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	return service
}

func TestNewService(t *testing.T) {
	service, err := NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	assert.NoError(t, err)
	assert.NotNil(t, service)

	_, err = NewService(config.DatabaseConfig{Type: "unsupported"})
	assert.Error(t, err)
}

func TestCreateAndListRequestLogs(t *testing.T) {
	service := setupTestDB(t)

	for i := 0; i < 3; i++ {
		err := service.CreateRequestLog(&model.RequestLog{
			UUID:     string(rune('a' + i)),
			Provider: "openai",
			Status:   model.LogStatusSuccess,
		})
		require.NoError(t, err)
	}

	logs, err := service.ListRecentRequestLogs(2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	// Newest first.
	assert.Equal(t, "c", logs[0].UUID)
	assert.Equal(t, "b", logs[1].UUID)
}

func TestCountRequestLogsByStatus(t *testing.T) {
	service := setupTestDB(t)

	require.NoError(t, service.CreateRequestLog(&model.RequestLog{UUID: "1", Status: model.LogStatusSuccess}))
	require.NoError(t, service.CreateRequestLog(&model.RequestLog{UUID: "2", Status: model.LogStatusSuccess}))
	require.NoError(t, service.CreateRequestLog(&model.RequestLog{UUID: "3", Status: model.LogStatusFailure}))

	counts, err := service.CountRequestLogsByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.LogStatusSuccess])
	assert.Equal(t, int64(1), counts[model.LogStatusFailure])
}

func TestPruneRequestLogs(t *testing.T) {
	service := setupTestDB(t)

	old := &model.RequestLog{UUID: "old", Status: model.LogStatusSuccess}
	require.NoError(t, service.CreateRequestLog(old))
	service.GetDB().Model(old).UpdateColumn("created_at", time.Now().Add(-48*time.Hour))

	require.NoError(t, service.CreateRequestLog(&model.RequestLog{UUID: "new", Status: model.LogStatusSuccess}))

	pruned, err := service.PruneRequestLogs(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	logs, err := service.ListRecentRequestLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "new", logs[0].UUID)
}

func TestCreateRequestLog_DuplicateUUID(t *testing.T) {
	service := setupTestDB(t)

	require.NoError(t, service.CreateRequestLog(&model.RequestLog{UUID: "dup", Status: model.LogStatusSuccess}))
	assert.Error(t, service.CreateRequestLog(&model.RequestLog{UUID: "dup", Status: model.LogStatusSuccess}))
}
