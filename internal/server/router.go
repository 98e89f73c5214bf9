// Package server wires the gin engine: middleware stack and route table.
package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Wei-Shaw/gatekit/internal/config"
	"github.com/Wei-Shaw/gatekit/internal/handler"
	middleware2 "github.com/Wei-Shaw/gatekit/internal/server/middleware"
	"github.com/Wei-Shaw/gatekit/internal/service"
)

// SetupRouter 配置路由器中间件和路由
func SetupRouter(
	r *gin.Engine,
	handlers *handler.Handlers,
	subjectResolver *service.SubjectResolver,
	cfg *config.Config,
) *gin.Engine {
	// 应用中间件
	r.Use(middleware2.CorrelationID())
	r.Use(middleware2.Logger())
	r.Use(middleware2.CORS(cfg.CORS))
	r.Use(middleware2.Subject(subjectResolver))
	r.Use(middleware2.IdempotencyKey())

	registerRoutes(r, handlers, cfg)

	return r
}

// registerRoutes 注册所有 HTTP 路由
func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config) {
	r.GET("/health", h.Health.Health)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")

	demo := api.Group("/demo")
	{
		demo.GET("/cache", h.Demo.Cache)
		demo.POST("/idempotent", h.Demo.Idempotent)
		demo.GET("/ratelimited", h.Demo.RateLimited)
		demo.GET("/retry", h.Demo.Retry)
	}

	adminGroup := api.Group("/admin")
	{
		adminGroup.POST("/clients", h.Admin.CreateClient)
		adminGroup.GET("/clients", h.Admin.ListClients)
		adminGroup.PUT("/clients/:id/enabled", h.Admin.SetClientEnabled)
	}
}
