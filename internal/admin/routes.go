package admin

import (
	"keywarden/internal/auth"
	"keywarden/internal/config"
	"keywarden/internal/db"
	"keywarden/internal/keystore"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, store *keystore.Store, dbService db.Service, cfg *config.Config) {
	handler := NewHandler(store, dbService)

	adminGroup := router.Group("/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(cfg.Admin.Password))
	{
		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.POST("", handler.AddKeyHandler)
			keysGroup.DELETE("", handler.RemoveKeyHandler)
			keysGroup.POST("/toggle", handler.ToggleKeyHandler)
		}

		adminGroup.GET("/stats", handler.StatsHandler)
		adminGroup.POST("/reset", handler.ResetHandler)

		logsGroup := adminGroup.Group("/logs")
		{
			logsGroup.GET("", handler.ListLogsHandler)
			logsGroup.GET("/summary", handler.LogSummaryHandler)
		}
	}
}
