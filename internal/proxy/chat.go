package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"keywarden/internal/dispatch"
	"keywarden/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const maxRequestBytes = 4 << 20

// ChatHandler is the client-facing completion endpoint. It accepts an
// OpenAI-style chat payload, routes it through the dispatcher's
// provider-fallback loop and returns the normalized result.
type ChatHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func NewChatHandler(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		dispatcher: dispatcher,
		logger:     logger.With("component", "proxy"),
	}
}

// preference builds the provider order for one request. A provider named
// in the query string or the payload pins the request to that provider;
// the configured fallback chain applies only when none is named.
func preference(c *gin.Context, body []byte) []model.Provider {
	name := c.Query("provider")
	if name == "" {
		name = gjson.GetBytes(body, "provider").String()
	}
	if name == "" {
		return nil
	}
	return []model.Provider{model.Provider(name)}
}

func (h *ChatHandler) Completions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}
	if !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be valid JSON"})
		return
	}

	chatModel := gjson.GetBytes(body, "model").String()
	if chatModel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing model field"})
		return
	}

	prefs := preference(c, body)
	for _, p := range prefs {
		if !p.Known() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown provider " + string(p)})
			return
		}
	}

	result, err := h.dispatcher.Send(c.Request.Context(), prefs, dispatch.Request{
		Model: chatModel,
		Body:  body,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *ChatHandler) writeError(c *gin.Context, err error) {
	var exhausted *dispatch.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		h.logger.Warn("request exhausted all providers", "attempts", len(exhausted.Attempts))
		c.JSON(http.StatusBadGateway, gin.H{"error": exhausted.Error()})
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "Request cancelled"})
	default:
		h.logger.Error("dispatch failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func SetupRoutes(router *gin.Engine, handler *ChatHandler, authMiddleware gin.HandlerFunc) {
	v1 := router.Group("/v1")
	v1.Use(authMiddleware)
	{
		v1.POST("/chat/completions", handler.Completions)
	}
}
