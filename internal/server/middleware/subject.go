package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/gatekit/internal/pkg/ctxkey"
	"github.com/Wei-Shaw/gatekit/internal/pkg/logger"
	"github.com/Wei-Shaw/gatekit/internal/service"
)

// Subject resolves the caller identity (api key hash, user id or client ip)
// and binds it into the request context for the toolkit stages.
func Subject(resolver *service.SubjectResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := resolver.Resolve(c)

		ctx := context.WithValue(c.Request.Context(), ctxkey.Subject, subject)
		requestLogger := logger.FromContext(ctx).With(
			zap.String("subject_type", subject.Type),
		)
		ctx = logger.IntoContext(ctx, requestLogger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
