// Package challenge issues and validates proof-of-interaction tokens that
// upgrade an anonymous identifier to "verified," relaxing its limits.
//
// A token is bound to the identifier that requested it and is single-use:
// redemption consumes it atomically, so a replayed or shared token fails.
// Solving a challenge marks the identifier verified for a configured period
// and hands the client a signed pass it can present on later requests, which
// saves a store round trip on the hot path.
package challenge

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"queryguard/internal/guard/config"
	"queryguard/internal/guard/metrics"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/observability"
	"queryguard/internal/platform/privacy"
	dErrors "queryguard/pkg/domain-errors"
	"queryguard/pkg/requestcontext"
)

// Store persists challenge tokens and verified marks.
type Store interface {
	Put(ctx context.Context, key string, token *models.ChallengeToken, ttl time.Duration) error
	Consume(ctx context.Context, key string) (*models.ChallengeToken, error)
	MarkVerified(ctx context.Context, key string, ttl time.Duration) error
	IsVerified(ctx context.Context, key string) (bool, error)
}

// Provider is the external challenge-presentation mechanism (e.g. a
// third-party bot check). It judges whether the submitted solution solves
// the token's challenge.
type Provider interface {
	Validate(ctx context.Context, token *models.ChallengeToken, solution string) (bool, error)
}

// NonceEchoProvider accepts a solution equal to the token's nonce, compared
// in constant time. It stands in for a real bot-check service in development
// and tests.
type NonceEchoProvider struct{}

// Validate reports whether the solution echoes the nonce.
func (NonceEchoProvider) Validate(_ context.Context, token *models.ChallengeToken, solution string) (bool, error) {
	return subtle.ConstantTimeCompare([]byte(token.Nonce), []byte(solution)) == 1, nil
}

// VerifyResult is the outcome of a redemption attempt.
type VerifyResult struct {
	Verified bool
	// Pass is a signed credential the client presents on later requests.
	// Empty unless Verified.
	Pass string
}

// Service is the challenge-response verifier.
type Service struct {
	store      Store
	provider   Provider
	signingKey []byte
	logger     *slog.Logger
	config     *config.ChallengeConfig
	metrics    *metrics.Metrics
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConfig overrides the default challenge configuration.
func WithConfig(cfg *config.ChallengeConfig) Option {
	return func(s *Service) {
		s.config = cfg
	}
}

// WithMetrics sets the metrics recorder for observability.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithProvider sets the external challenge-presentation mechanism.
// Defaults to NonceEchoProvider.
func WithProvider(p Provider) Option {
	return func(s *Service) {
		s.provider = p
	}
}

// New creates a verifier backed by the given store. The signing key signs
// verification passes and must be shared by all instances.
func New(store Store, signingKey string, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("challenge store is required")
	}
	if signingKey == "" {
		return nil, errors.New("signing key is required")
	}

	defaultCfg := config.DefaultConfig().Challenge
	svc := &Service{
		store:      store,
		provider:   NonceEchoProvider{},
		signingKey: []byte(signingKey),
		config:     &defaultCfg,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Issue creates a challenge token bound to the identifier. The token expires
// after the configured validity even if never solved.
func (s *Service) Issue(ctx context.Context, identifier string) (*models.ChallengeToken, error) {
	now := requestcontext.Now(ctx)

	token, err := models.NewChallengeToken(identifier, now, s.config.Validity)
	if err != nil {
		return nil, err
	}

	key := models.ChallengeKey(token.ID).String()
	if err := s.store.Put(ctx, key, token, s.config.Validity); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to store challenge token")
	}

	if s.metrics != nil {
		s.metrics.RecordChallengeIssued()
	}
	observability.LogAudit(ctx, s.logger, "challenge_issued",
		"identifier", privacy.AnonymizeIP(identifier),
		"token_id", token.ID,
	)
	return token, nil
}

// Verify redeems a token. Consumption happens before validation, so a token
// is burned by its first redemption attempt whether or not the solution was
// right; the caller must request a fresh challenge to try again.
func (s *Service) Verify(ctx context.Context, tokenID, solution, identifier string) (*VerifyResult, error) {
	now := requestcontext.Now(ctx)

	token, err := s.store.Consume(ctx, models.ChallengeKey(tokenID).String())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to consume challenge token")
	}
	if token == nil || token.IsExpired(now) {
		s.recordVerification(ctx, identifier, "expired")
		return nil, dErrors.New(dErrors.CodeChallengeInvalid, "challenge token is invalid or expired")
	}
	if token.Identifier != identifier {
		// A token must not be redeemable by a different identifier.
		s.recordVerification(ctx, identifier, "identifier_mismatch")
		return nil, dErrors.New(dErrors.CodeChallengeInvalid, "challenge token is invalid or expired")
	}

	ok, err := s.provider.Validate(ctx, token, solution)
	if err != nil {
		if s.config.FailMode == config.FailClosed {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "challenge provider unavailable")
		}
		s.recordVerification(ctx, identifier, "provider_unavailable")
		observability.LogAudit(ctx, s.logger, "challenge_provider_unavailable",
			"identifier", privacy.AnonymizeIP(identifier),
			"fail_mode", string(s.config.FailMode),
		)
		return &VerifyResult{Verified: false}, nil
	}
	if !ok {
		s.recordVerification(ctx, identifier, "wrong_solution")
		return nil, dErrors.New(dErrors.CodeChallengeInvalid, "challenge solution rejected")
	}

	if err := s.store.MarkVerified(ctx, models.VerifiedKey(identifier).String(), s.config.VerifiedFor); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to mark identifier verified")
	}

	pass, err := s.signPass(identifier, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign verification pass")
	}

	s.recordVerification(ctx, identifier, "verified")
	observability.LogAudit(ctx, s.logger, "identifier_verified",
		"identifier", privacy.AnonymizeIP(identifier),
		"verified_for_seconds", int(s.config.VerifiedFor.Seconds()),
	)
	return &VerifyResult{Verified: true, Pass: pass}, nil
}

// IsVerified reports whether the caller is verified, preferring the signed
// pass when one is presented and falling back to the shared-store mark.
// A pass bound to a different identifier is ignored, not an error.
func (s *Service) IsVerified(ctx context.Context, identifier, pass string) (bool, error) {
	if pass != "" && s.validPass(ctx, identifier, pass) {
		return true, nil
	}
	ok, err := s.store.IsVerified(ctx, models.VerifiedKey(identifier).String())
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to check verified mark")
	}
	return ok, nil
}

func (s *Service) signPass(identifier string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   identifier,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.config.VerifiedFor)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func (s *Service) validPass(ctx context.Context, identifier, pass string) bool {
	now := requestcontext.Now(ctx)
	parsed, err := jwt.ParseWithClaims(pass, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.signingKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		return false
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	return ok && claims.Subject == identifier
}

func (s *Service) recordVerification(ctx context.Context, identifier, result string) {
	if s.metrics != nil {
		s.metrics.RecordChallengeVerified(result)
	}
	if result != "verified" {
		observability.LogAudit(ctx, s.logger, "challenge_verification_failed",
			"identifier", privacy.AnonymizeIP(identifier),
			"result", result,
		)
	}
}
