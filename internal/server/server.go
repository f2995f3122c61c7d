package server

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/pbzweihander/ommrema/internal/handler"
	"github.com/pbzweihander/ommrema/internal/metrics"
	"github.com/pbzweihander/ommrema/internal/middleware"
	"github.com/pbzweihander/ommrema/internal/routes"
)

type Options struct {
	Handlers       *routes.Handlers
	Health         *handler.HealthHandler
	AuthMiddleware *middleware.AuthMiddleware
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

func NewServer(opts Options) *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	if opts.Logger != nil {
		g.Use(middleware.RequestLogger(opts.Logger))
	}
	if opts.Metrics != nil {
		g.Use(middleware.Metrics(opts.Metrics))
		g.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	health := opts.Health
	if health == nil {
		health = handler.NewHealthHandler(nil)
	}
	g.GET("/healthz", health.Health)

	auth := opts.AuthMiddleware
	if auth == nil {
		auth = middleware.NewAuthMiddleware(nil)
	}

	routes.RegisterPublicRoutes(&g.RouterGroup, opts.Handlers)

	api := g.Group("/api")
	routes.RegisterAPIRoutes(api, opts.Handlers, auth)

	return g
}
