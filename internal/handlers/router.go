package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telepresence/config"
	"github.com/mossy-p/telepresence/internal/middleware"
)

// NewRouter wires the broker's HTTP and websocket routes
func NewRouter(cfg *config.Config, hub *Hub) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.Admin, cfg.JWTSecret))

		// Room status (public)
		apiGroup.GET("/rooms/:code", hub.RoomStatus)

		// Free a stale host identity (admin)
		apiGroup.DELETE("/rooms/:code/host", middleware.AdminAuth(cfg.JWTSecret), hub.EvictHost)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/peer/:peerId", hub.HandlePeer)
	}

	return router
}
