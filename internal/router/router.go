// Package router wires middleware and routes into the gin engine.
package router

import (
	"time"

	"claude-relay/internal/handler"
	"claude-relay/internal/middleware"
	"claude-relay/internal/proxy"
	"claude-relay/internal/types"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the HTTP surface: the health probe, the client-facing
// messages endpoint, and the authenticated admin API.
func NewRouter(
	configManager types.ConfigManager,
	proxyServer *proxy.ProxyServer,
	healthHandler *handler.HealthHandler,
	accountHandler *handler.AccountHandler,
	proxyHandler *handler.ProxyHandler,
	logHandler *handler.LogHandler,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS(configManager.GetCORSConfig()))

	startTime := time.Now()
	router.Use(func(c *gin.Context) {
		c.Set("serverStartTime", startTime)
		c.Next()
	})

	router.GET("/health", healthHandler.Health)

	// Client-facing relay endpoint.
	v1 := router.Group("/v1")
	{
		v1.POST("/messages", proxyServer.HandleMessages)
	}

	// Admin API.
	api := router.Group("/api", middleware.Auth(configManager.GetAuthConfig()))
	{
		api.GET("/accounts", accountHandler.List)
		api.POST("/accounts", accountHandler.Create)
		api.GET("/accounts/status", accountHandler.Status)
		api.DELETE("/accounts/:id", accountHandler.Delete)
		api.POST("/accounts/:id/test", accountHandler.Test)

		api.GET("/proxies", proxyHandler.List)
		api.POST("/proxies", proxyHandler.Create)
		api.DELETE("/proxies/:index", proxyHandler.Delete)

		api.GET("/logs", logHandler.Query)
		api.GET("/logs/:id", logHandler.GetByID)
	}

	return router
}
