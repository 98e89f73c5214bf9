package service

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Wei-Shaw/gatekit/internal/pkg/ip"
)

const (
	SubjectTypeAPIKey  = "apiKey"
	SubjectTypeUser    = "user"
	SubjectTypeIP      = "ip"
	SubjectTypeUnknown = "unknown"
)

// SubjectResolver derives the caller identity for a request. Resolution
// order: API key (peppered hash), authenticated user, client IP, anonymous.
type SubjectResolver struct {
	hasher *APIKeyHasher
}

func NewSubjectResolver(hasher *APIKeyHasher) *SubjectResolver {
	return &SubjectResolver{hasher: hasher}
}

// Resolve never fails; an unresolvable caller becomes AnonymousSubject.
// A presented API key resolves to its hash even when no client row exists,
// so per-key policies and rate limits apply to unknown keys too.
func (r *SubjectResolver) Resolve(c *gin.Context) Subject {
	if raw := strings.TrimSpace(c.GetHeader("X-Api-Key")); raw != "" {
		return Subject{Type: SubjectTypeAPIKey, ID: r.hasher.Hash(raw)}
	}

	if userID := strings.TrimSpace(c.GetHeader("X-User-Id")); userID != "" {
		return Subject{Type: SubjectTypeUser, ID: userID}
	}
	if user := strings.TrimSpace(c.GetHeader("X-User")); user != "" {
		return Subject{Type: SubjectTypeUser, ID: user}
	}

	if addr := ip.GetClientIP(c); addr != "" {
		return Subject{Type: SubjectTypeIP, ID: addr}
	}

	return AnonymousSubject
}
