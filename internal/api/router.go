package api

import (
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"wingman/internal/obs"
)

type RouterConfig struct {
	AllowedOrigins []string
	Logger         *slog.Logger
	Ready          func() error
}

// NewRouter builds the engine with request ids, access logs, CORS and health probes,
// then registers the handler's routes.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	mw := obs.Middleware{Logger: cfg.Logger}
	router.Use(gin.Recovery(), mw.RequestID(), mw.AccessLog())

	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-CSRF-Token", obs.RequestIDHeader},
			ExposeHeaders:    []string{obs.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	health := obs.HealthHandlers{Ready: cfg.Ready}
	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	h.RegisterRoutes(router)
	return router
}
