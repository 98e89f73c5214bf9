package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/Wei-Shaw/gatekit/internal/config"
)

// APIKeyHasher derives storage digests from raw API keys. Only the peppered
// digest is ever persisted; a database leak alone cannot be replayed against
// the API without the pepper.
type APIKeyHasher struct {
	pepper    string
	algorithm string
	prefix    string
}

func NewAPIKeyHasher(cfg config.APIKeyConfig) *APIKeyHasher {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = config.APIKeyAlgorithmSHA256
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gk"
	}
	return &APIKeyHasher{
		pepper:    cfg.Pepper,
		algorithm: algorithm,
		prefix:    prefix,
	}
}

// Hash returns the lowercase hex digest of "<raw>:<pepper>".
func (h *APIKeyHasher) Hash(raw string) string {
	var digest hash.Hash
	if h.algorithm == config.APIKeyAlgorithmSHA3256 {
		digest = sha3.New256()
	} else {
		digest = sha256.New()
	}
	digest.Write([]byte(raw))
	digest.Write([]byte(":"))
	digest.Write([]byte(h.pepper))
	return hex.EncodeToString(digest.Sum(nil))
}

// GenerateKey mints a new raw API key: "<prefix>_<43 base64url chars>" from
// 32 random bytes. The raw key is shown to the caller exactly once.
func (h *APIKeyHasher) GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return h.prefix + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
