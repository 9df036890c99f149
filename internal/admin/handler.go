package admin

import (
	"errors"
	"net/http"
	"strconv"

	"keywarden/internal/db"
	"keywarden/internal/keystore"
	"keywarden/internal/model"

	"github.com/gin-gonic/gin"
)

type AddKeyRequest struct {
	Provider   string `json:"provider"`
	Secret     string `json:"secret"`
	Endpoint   string `json:"endpoint"`
	DailyLimit int    `json:"daily_limit"`
	Priority   int    `json:"priority"`
	Inactive   bool   `json:"inactive"`
}

type KeyRefRequest struct {
	Provider string `json:"provider"`
	Suffix   string `json:"suffix"`
}

type Handler struct {
	store *keystore.Store
	db    db.Service
}

func NewHandler(store *keystore.Store, dbService db.Service) *Handler {
	return &Handler{store: store, db: dbService}
}

func (h *Handler) AddKeyHandler(c *gin.Context) {
	var req AddKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	err := h.store.AddKey(model.Provider(req.Provider), req.Secret, keystore.AddKeyOptions{
		Endpoint:   req.Endpoint,
		DailyLimit: req.DailyLimit,
		Priority:   req.Priority,
		Inactive:   req.Inactive,
	})
	if err != nil {
		var verr *keystore.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Key added successfully"})
}

func (h *Handler) RemoveKeyHandler(c *gin.Context) {
	var req KeyRefRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Suffix == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if !h.store.RemoveKey(model.Provider(req.Provider), req.Suffix) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No key matches the given suffix"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key removed successfully"})
}

func (h *Handler) ToggleKeyHandler(c *gin.Context) {
	var req KeyRefRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Suffix == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if !h.store.ToggleActive(model.Provider(req.Provider), req.Suffix) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No key matches the given suffix"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key toggled successfully"})
}

func (h *Handler) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.store.Stats()})
}

func (h *Handler) ResetHandler(c *gin.Context) {
	reset := h.store.SweepDailyReset()
	c.JSON(http.StatusOK, gin.H{"keys_reset": reset})
}

func (h *Handler) ListLogsHandler(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database not configured"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	logs, err := h.db.ListRecentRequestLogs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list request logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handler) LogSummaryHandler(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database not configured"})
		return
	}

	counts, err := h.db.CountRequestLogsByStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to summarize request logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"by_status": counts})
}
