package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gatekit/internal/pkg/ctxkey"
	"github.com/Wei-Shaw/gatekit/internal/pkg/logger"
)

const correlationIDHeader = "X-Correlation-Id"

// CorrelationID binds a correlation id to every request: an incoming
// X-Correlation-Id is accepted as-is, otherwise one is generated. The id is
// echoed on the response and stamped on the request-scoped logger.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request == nil {
			c.Next()
			return
		}

		correlationID := strings.TrimSpace(c.GetHeader(correlationIDHeader))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		c.Header(correlationIDHeader, correlationID)

		ctx := context.WithValue(c.Request.Context(), ctxkey.CorrelationID, correlationID)

		requestLogger := logger.With(
			zap.String("component", "http"),
			zap.String("correlation_id", correlationID),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
		ctx = logger.IntoContext(ctx, requestLogger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
