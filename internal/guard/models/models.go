package models

import (
	"time"

	dErrors "queryguard/pkg/domain-errors"

	"github.com/google/uuid"
)

// RateLimitResult is the outcome of a single admission check against one scope.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// BanRecord tracks a progressive ban for one identifier. Level increases
// monotonically on violations within the cooldown period and decays after a
// sustained clean period.
type BanRecord struct {
	Identifier      string    `json:"identifier"`
	Level           int       `json:"level"`
	BannedUntil     time.Time `json:"banned_until"`
	LastViolationAt time.Time `json:"last_violation_at"`
}

// IsActive reports whether the ban rejects requests at the given instant.
func (b *BanRecord) IsActive(now time.Time) bool {
	return b.Level > 0 && now.Before(b.BannedUntil)
}

// ChallengeToken is a single-use proof-of-interaction token bound to the
// identifier that requested it.
type ChallengeToken struct {
	ID         string    `json:"id"`
	Nonce      string    `json:"nonce"`
	Identifier string    `json:"identifier"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewChallengeToken issues a token for an identifier with the given validity.
func NewChallengeToken(identifier string, issuedAt time.Time, validity time.Duration) (*ChallengeToken, error) {
	if identifier == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "identifier cannot be empty")
	}
	if validity <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "validity must be positive")
	}
	return &ChallengeToken{
		ID:         uuid.NewString(),
		Nonce:      uuid.NewString(),
		Identifier: identifier,
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(validity),
	}, nil
}

// IsExpired reports whether the token is past its validity window.
func (t *ChallengeToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// SpendScope identifies whose accumulated cost a ledger window tracks.
type SpendScope string

const (
	// ScopeGlobal aggregates spend across all identifiers.
	ScopeGlobal SpendScope = "global"
)

// IdentifierScope returns the spend scope for a single identifier.
func IdentifierScope(identifier string) SpendScope {
	return SpendScope("id:" + identifier)
}

// SpendStatus is the outcome of a cost-throttle check for one scope.
type SpendStatus struct {
	Allowed    bool      `json:"allowed"`
	ShortTotal float64   `json:"short_total"`
	DailyTotal float64   `json:"daily_total"`
	ResetAt    time.Time `json:"reset_at"` // end of the window that tripped, zero when allowed
}

// CacheTier distinguishes the pre-warmed persistent tier from the ephemeral
// on-demand tier.
type CacheTier int

const (
	// TierPrewarmed entries are keyed on normalized query text alone, carry
	// the long TTL, and live in the shared store.
	TierPrewarmed CacheTier = 1
	// TierOnDemand entries are keyed on query plus conversation context,
	// carry the short TTL, and may be process-local.
	TierOnDemand CacheTier = 2
)

// SourceReference points at a document the generation pipeline cited.
type SourceReference struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Slug  string `json:"slug,omitempty"`
}

// Answer is the generation pipeline's result for one query.
type Answer struct {
	Text             string            `json:"answer"`
	SourceReferences []SourceReference `json:"sourceReferences"`
}

// CacheEntry is a stored answer with its provenance and lifetime.
type CacheEntry struct {
	Key       string        `json:"key"`
	Answer    Answer        `json:"value"`
	Tier      CacheTier     `json:"tier"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
}

// IsExpired reports whether the entry must no longer be served.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// ContentSyncEvent is the payload of an authenticated CMS webhook delivery.
type ContentSyncEvent struct {
	Created            []string `json:"created"`
	Updated            []string `json:"updated"`
	Deleted            []string `json:"deleted"`
	SuggestedQuestions []string `json:"suggested_questions"`
}
