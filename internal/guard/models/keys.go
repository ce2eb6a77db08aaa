package models

import (
	"fmt"
	"strings"
)

// KeyPrefix namespaces records in the shared store by component.
type KeyPrefix string

const (
	KeyPrefixWindow   KeyPrefix = "rw"       // rate windows
	KeyPrefixGlobal   KeyPrefix = "rwg"      // global rate window
	KeyPrefixBan      KeyPrefix = "ban"      // ban records
	KeyPrefixChal     KeyPrefix = "chal"     // challenge tokens
	KeyPrefixVerified KeyPrefix = "verified" // verified-identifier marks
	KeyPrefixSpend    KeyPrefix = "spend"    // spend ledger windows
	KeyPrefixAlert    KeyPrefix = "alert"    // spend alert-sent flags
	KeyPrefixAnswer   KeyPrefix = "answer"   // tier-1 cache entries
	KeyPrefixNonce    KeyPrefix = "nonce"    // webhook nonces
)

// StoreKey is a value object encapsulating shared-store key construction.
// It centralizes key format and sanitization to prevent key collision attacks.
type StoreKey struct {
	prefix   KeyPrefix
	segments []string
}

// NewStoreKey builds a namespaced key from sanitized segments.
func NewStoreKey(prefix KeyPrefix, segments ...string) StoreKey {
	clean := make([]string, len(segments))
	for i, seg := range segments {
		clean[i] = sanitizeKeySegment(seg)
	}
	return StoreKey{prefix: prefix, segments: clean}
}

// String returns the formatted key for storage lookup.
func (k StoreKey) String() string {
	if len(k.segments) == 0 {
		return string(k.prefix)
	}
	return fmt.Sprintf("%s:%s", k.prefix, strings.Join(k.segments, ":"))
}

// WindowKey is the rate-window key for one identifier.
func WindowKey(identifier string) StoreKey {
	return NewStoreKey(KeyPrefixWindow, identifier)
}

// GlobalWindowKey is the aggregate rate-window key shared by all identifiers.
func GlobalWindowKey() StoreKey {
	return NewStoreKey(KeyPrefixGlobal)
}

// BanKey is the ban-record key for one identifier.
func BanKey(identifier string) StoreKey {
	return NewStoreKey(KeyPrefixBan, identifier)
}

// ChallengeKey addresses a challenge token by its ID.
func ChallengeKey(tokenID string) StoreKey {
	return NewStoreKey(KeyPrefixChal, tokenID)
}

// VerifiedKey marks an identifier as having passed a challenge.
func VerifiedKey(identifier string) StoreKey {
	return NewStoreKey(KeyPrefixVerified, identifier)
}

// SpendKey addresses one spend-ledger window. The bucket segment pins the key
// to a window boundary so rollover destroys the old total instead of
// decrementing it.
func SpendKey(scope SpendScope, window string, bucket int64) StoreKey {
	return NewStoreKey(KeyPrefixSpend, string(scope), window, fmt.Sprintf("%d", bucket))
}

// AlertKey flags that the operator alert for a tripped spend window was sent.
func AlertKey(scope SpendScope, window string, bucket int64) StoreKey {
	return NewStoreKey(KeyPrefixAlert, string(scope), window, fmt.Sprintf("%d", bucket))
}

// AnswerKey addresses a tier-1 cache entry by normalized query hash.
func AnswerKey(queryHash string) StoreKey {
	return NewStoreKey(KeyPrefixAnswer, queryHash)
}

// NonceKey addresses a webhook replay-protection record.
func NonceKey(nonce string) StoreKey {
	return NewStoreKey(KeyPrefixNonce, nonce)
}

// sanitizeKeySegment escapes delimiter characters in key segments to prevent
// key collision attacks where user-controlled identifiers containing ':'
// could manipulate adjacent records.
//
// Escape rules (order matters):
//  1. Escape '_' to '__' (escape the escape character first)
//  2. Escape ':' to '_c' (escape the delimiter)
//
// This ensures no two distinct inputs produce the same sanitized output.
func sanitizeKeySegment(s string) string {
	// Order matters: escape the escape character first
	s = strings.ReplaceAll(s, "_", "__")
	s = strings.ReplaceAll(s, ":", "_c")
	return s
}
