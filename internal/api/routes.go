package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminAuthMiddleware guards the gateway's endpoints with basic auth.
func AdminAuthMiddleware(adminPassword string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, hasAuth := c.Request.BasicAuth()
		if !hasAuth || user != "admin" || password != adminPassword {
			c.Header("WWW-Authenticate", `Basic realm="Restricted"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// SetupRoutes registers the gateway's endpoints on the engine.
func SetupRoutes(engine *gin.Engine, h *Handler, adminPassword string) {
	engine.GET("/healthz", h.HealthzHandler)

	authed := engine.Group("/")
	authed.Use(AdminAuthMiddleware(adminPassword))
	{
		authed.GET("/dashboard", h.DashboardHandler)
		authed.GET("/providers", h.ProvidersHandler)
		authed.GET("/stats/recent", h.RecentStatsHandler)

		keys := authed.Group("/keys")
		{
			keys.GET("", h.ListKeysHandler)
			keys.POST("", h.AddKeyHandler)
			keys.DELETE("/:id", h.DeactivateKeyHandler)
			keys.POST("/:id/activate", h.ReactivateKeyHandler)
			keys.POST("/:id/test", h.TestKeyHandler)
		}

		authed.POST("/select", h.SelectHandler)
		authed.POST("/report", h.ReportHandler)
	}
}
