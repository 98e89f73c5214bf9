package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"

	"github.com/Wei-Shaw/gatekit/internal/config"
	"github.com/Wei-Shaw/gatekit/internal/handler"
	"github.com/Wei-Shaw/gatekit/internal/service"
)

// ProvideGinEngine 按配置模式构建 gin 引擎。
func ProvideGinEngine(cfg *config.Config) (*gin.Engine, error) {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("set trusted proxies: %w", err)
	}
	return r, nil
}

// ProvideHTTPServer 组装路由并返回 http.Server。
func ProvideHTTPServer(
	r *gin.Engine,
	handlers *handler.Handlers,
	subjectResolver *service.SubjectResolver,
	cfg *config.Config,
) *http.Server {
	SetupRouter(r, handlers, subjectResolver, cfg)
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
}

// ProviderSet is the Wire provider set for the HTTP server
var ProviderSet = wire.NewSet(
	ProvideGinEngine,
	ProvideHTTPServer,
)
