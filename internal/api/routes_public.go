package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/usageguard/internal/handlers"
)

func registerPolicyRoutes(api *gin.RouterGroup, handler *handlers.PolicyHandler) {
	api.POST("/policy/decide", handler.Decide)
}

func registerSessionRoutes(api *gin.RouterGroup, handler *handlers.SessionHandler) {
	sessions := api.Group("/sessions")
	{
		sessions.POST("/login", handler.Login)
		sessions.POST("/heartbeat", handler.Heartbeat)
		sessions.GET("/status", handler.Status)
		sessions.POST("/logout", handler.Logout)
		sessions.POST("/logout-all", handler.LogoutAll)
	}
}

func registerDeviceRoutes(api *gin.RouterGroup, handler *handlers.DeviceHandler) {
	api.POST("/devices/:id/suspicion", handler.ReportSuspicion)
}

func registerBlockRoutes(api *gin.RouterGroup, handler *handlers.BlockHandler) {
	api.POST("/blocks/:id/appeal", handler.Appeal)
}
