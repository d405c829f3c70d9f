package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yoockh/callguard/internal/api/handlers"
	"github.com/yoockh/callguard/internal/api/middleware"
	"github.com/yoockh/callguard/internal/auth"
	"github.com/yoockh/callguard/internal/models"
)

type Deps struct {
	Verifier *auth.Verifier
	Gatherer prometheus.Gatherer
	// Checks are probed by /health; any failure reports 503.
	Checks map[string]func(context.Context) error

	Auth    *handlers.AuthHandler
	Session *handlers.SessionHandler
	Stats   *handlers.StatsHandler
	WS      *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		deps := gin.H{}
		for name, check := range d.Checks {
			if err := check(ctx); err != nil {
				deps[name] = err.Error()
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}
		c.JSON(code, gin.H{"status": status, "deps": deps})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	r.POST("/auth/token", d.Auth.Token)

	// WebSocket, authenticated in-band
	r.GET("/realtime/ws", d.WS.Realtime)

	// Protected routes (JWT)
	authed := r.Group("/")
	authed.Use(middleware.JWTAuth(d.Verifier))

	authed.GET("/stats", d.Stats.Get)
	authed.GET("/calls", d.Session.Calls)
	authed.GET("/sessions/:session_id", d.Session.Get)
	authed.POST("/sessions/:session_id/end", middleware.RequireRole(models.RoleAdmin, models.RoleService), d.Session.End)
}
