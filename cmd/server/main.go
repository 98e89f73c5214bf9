// Package main is the entry point for the gatekit server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/gatekit/internal/pkg/logger"
)

func main() {
	// 配置加载前使用引导日志，保证启动失败也有结构化输出
	logger.InitBootstrap()

	app, err := initializeApplication()
	if err != nil {
		logger.L().Fatal("application init failed", zap.Error(err))
	}
	defer app.Cleanup()

	if err := logger.Init(logger.OptionsFromConfig(app.Config.Log)); err != nil {
		logger.L().Fatal("logger init failed", zap.Error(err))
	}
	defer logger.Sync()

	app.IdempotencyCleanup.Start()

	go func() {
		logger.L().Info("http server starting", zap.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.L().Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(ctx); err != nil {
		logger.L().Error("http server shutdown failed", zap.Error(err))
	}
	logger.L().Info("server stopped")
}
