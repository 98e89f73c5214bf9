package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gatekit/internal/pkg/ctxkey"
	"github.com/Wei-Shaw/gatekit/internal/pkg/logger"
	"github.com/Wei-Shaw/gatekit/internal/service"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// 跳过健康检查等高频探针路径的日志
		if path == "/health" || path == "/metrics" {
			return
		}

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		subject, _ := c.Request.Context().Value(ctxkey.Subject).(service.Subject)

		fields := []zap.Field{
			zap.String("component", "http.access"),
			zap.Int("status_code", statusCode),
			zap.Int64("latency_ms", latency.Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
			zap.String("protocol", c.Request.Proto),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if subject.Type != "" {
			fields = append(fields, zap.String("subject_type", subject.Type))
		}

		l := logger.FromContext(c.Request.Context()).With(fields...)
		l.Info("http request completed")

		if len(c.Errors) > 0 {
			l.Warn("http request contains gin errors", zap.String("errors", c.Errors.String()))
		}
	}
}
