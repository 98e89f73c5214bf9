package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/gatekit/internal/pkg/ctxkey"
	infraerrors "github.com/Wei-Shaw/gatekit/internal/pkg/errors"
	"github.com/Wei-Shaw/gatekit/internal/pkg/response"
)

const (
	idempotencyKeyHeader      = "X-Idempotency-Key"
	idempotencyKeyHeaderAlias = "Idempotency-Key"

	idempotencyKeyMaxLength = 128
)

// IdempotencyKey extracts the client idempotency key into the request
// context. Whether the key is required is decided per operation further down;
// here only an oversized value is rejected outright.
func IdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
		if key == "" {
			key = strings.TrimSpace(c.GetHeader(idempotencyKeyHeaderAlias))
		}
		if key == "" {
			c.Next()
			return
		}
		if len(key) > idempotencyKeyMaxLength {
			response.ErrorFrom(c, infraerrors.BadRequest("IDEMPOTENCY_KEY_INVALID", "idempotency key exceeds 128 characters"))
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), ctxkey.IdempotencyKey, key)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
