package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/charlesng35/usageguard/internal/app"
	iauth "github.com/charlesng35/usageguard/internal/auth"
	"github.com/charlesng35/usageguard/internal/cache"
	"github.com/charlesng35/usageguard/internal/handlers"
	"github.com/charlesng35/usageguard/internal/middleware"
)

// NewRouter builds the Gin engine, wires middleware and registers the governance routes.
func NewRouter(cfg *app.Config, db *gorm.DB, jwt *iauth.JWTService, store cache.Store, gov *app.Governance) (*gin.Engine, error) {
	if cfg == nil {
		return nil, errors.New("config must be provided")
	}
	if db == nil {
		return nil, errors.New("database handle must be provided")
	}
	if jwt == nil {
		return nil, errors.New("jwt service must be provided")
	}
	if store == nil {
		return nil, errors.New("cache store must be provided")
	}
	if gov == nil {
		return nil, errors.New("governance services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.NoRoute(middleware.NotFoundHandler)

	registerHealthRoutes(r, cfg, db)
	registerMetricsRoutes(r, cfg)

	api := r.Group("/api")
	if limit := cfg.Server.RateLimit; limit.Enabled {
		api.Use(middleware.RateLimit(store, limit.Requests, limit.Window))
	}

	sessionHandler := handlers.NewSessionHandler(gov.Gateway, gov.Sessions)
	deviceHandler := handlers.NewDeviceHandler(gov.Fingerprints)
	blockHandler := handlers.NewBlockHandler(gov.Blocks)

	registerPolicyRoutes(api, handlers.NewPolicyHandler(gov.Gateway))
	registerSessionRoutes(api, sessionHandler)
	registerDeviceRoutes(api, deviceHandler)
	registerBlockRoutes(api, blockHandler)

	admin := api.Group("/admin")
	admin.Use(middleware.AdminAuth(jwt))
	registerAdminRoutes(admin, adminHandlers{
		sessions:   sessionHandler,
		devices:    deviceHandler,
		blocks:     blockHandler,
		rateLimits: handlers.NewRateLimitHandler(gov.Configs, gov.Ledger),
		scheduler:  handlers.NewSchedulerHandler(gov.Scheduler),
	})

	return r, nil
}

func registerHealthRoutes(r *gin.Engine, cfg *app.Config, db *gorm.DB) {
	if !cfg.Monitoring.Health.Enabled {
		return
	}
	r.GET("/health", handlers.Health(db))
	r.GET("/api/health", handlers.Health(db))
}

func registerMetricsRoutes(r *gin.Engine, cfg *app.Config) {
	prom := cfg.Monitoring.Prometheus
	if !prom.Enabled {
		return
	}
	endpoint := strings.TrimSpace(prom.Endpoint)
	if endpoint == "" {
		endpoint = "/metrics"
	}
	r.GET(endpoint, gin.WrapH(promhttp.Handler()))
}
