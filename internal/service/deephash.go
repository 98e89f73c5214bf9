package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// deepHash produces a stable sha256 hex digest of the operation arguments.
// It backs both cache keys and idempotency request hashes, so two calls with
// equal payloads must hash identically. encoding/json sorts map keys and
// serializes struct fields in declaration order, which gives us determinism
// for everything the toolkit accepts.
func deepHash(args []any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("hash args: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
