package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/handlers"
)

type adminHandlers struct {
	sessions   *handlers.SessionHandler
	devices    *handlers.DeviceHandler
	blocks     *handlers.BlockHandler
	rateLimits *handlers.RateLimitHandler
	scheduler  *handlers.SchedulerHandler
}

func registerAdminRoutes(admin *gin.RouterGroup, h adminHandlers) {
	blocks := admin.Group("/blocks")
	{
		blocks.GET("", h.blocks.List)
		blocks.POST("", h.blocks.Create)
		blocks.GET("/:id", h.blocks.Get)
		blocks.POST("/:id/unblock", h.blocks.Unblock)
		blocks.POST("/:id/appeal/review", h.blocks.ReviewAppeal)
	}

	admin.GET("/devices/:id", h.devices.Get)
	admin.POST("/devices/:id/verify", h.devices.Verify)
	admin.DELETE("/sessions/:id", h.sessions.Terminate)

	accounts := admin.Group("/accounts/:id")
	{
		accounts.GET("/sessions", h.sessions.ListForAccount)
		accounts.GET("/devices", h.devices.ListForAccount)
		accounts.GET("/usage", h.rateLimits.AccountUsage)
		accounts.POST("/usage/reset", h.rateLimits.ResetAccount)
		accounts.POST("/usage/block", h.rateLimits.SetBlocked)
	}

	admin.GET("/rate-limits/config", h.rateLimits.GetConfig)
	admin.PATCH("/rate-limits/config", h.rateLimits.UpdateConfig)
	admin.GET("/usage/stats", h.rateLimits.Stats)
	admin.POST("/usage/reset-all", h.scheduler.ResetAll)

	scheduler := admin.Group("/scheduler")
	{
		scheduler.GET("", h.scheduler.Status)
		scheduler.POST("/start", h.scheduler.Start)
		scheduler.POST("/stop", h.scheduler.Stop)
		scheduler.POST("/trigger", h.scheduler.Trigger)
	}
}
