package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize canonicalizes query text before key derivation: lowercase, trim,
// collapse internal whitespace. Two queries differing only in case or spacing
// must land on the same cache entry.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// keyHash derives a fixed-size store key segment from normalized text.
// Hashing keeps arbitrary user text out of store keys.
func keyHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// contextKey folds a bounded window of prior conversation turns into the
// tier-2 key. The separator cannot appear in normalized text, so distinct
// turn sequences never collide.
func contextKey(normalizedQuery string, turns []string) string {
	parts := make([]string, 0, len(turns)+1)
	for _, turn := range turns {
		parts = append(parts, Normalize(turn))
	}
	parts = append(parts, normalizedQuery)
	return keyHash(strings.Join(parts, "\n"))
}
