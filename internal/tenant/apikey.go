package tenant

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const keyScheme = "rr_"
const keyRandomBytes = 24

// GenerateKey creates a new API key with the format: rr_{48 hex chars}
func GenerateKey() (string, error) {
	b := make([]byte, keyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return keyScheme + hex.EncodeToString(b), nil
}

// HashKey returns the SHA-256 hex digest of an API key. Only digests are
// stored and cached, never the raw key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// KeyPrefix extracts a display-safe prefix from a key: rr_{first 8 chars}
func KeyPrefix(key string) string {
	const n = len(keyScheme) + 8
	if len(key) < n {
		return key
	}
	return key[:n]
}

// ParseDuration parses a duration string like "365d", "30d", "24h".
func ParseDuration(s string) (time.Duration, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty duration")
	}
	last := s[len(s)-1]
	if last == 'd' {
		var days int
		_, err := fmt.Sscanf(s, "%dd", &days)
		if err != nil {
			return 0, fmt.Errorf("parse days: %w", err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
