// Package ratelimit provides per-identifier and global request-rate
// accounting over a sliding window.
//
// This is the primary admission service used by the pipeline to enforce
// request quotas. A request must pass both scopes: the identifier's own
// window and the aggregate window shared by all identifiers. Verified
// identifiers (callers that solved a challenge) get a relaxed
// per-identifier limit; the global limit is never relaxed.
//
// Failure policy is reject-safe: if the shared store is unreachable the
// limiter reports an unavailable error and the pipeline denies admission,
// because unavailability of the limiter must never be a way to bypass it.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"queryguard/internal/guard/config"
	"queryguard/internal/guard/metrics"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/observability"
	"queryguard/internal/platform/privacy"
	dErrors "queryguard/pkg/domain-errors"
)

// WindowStore checks rate limits using sliding window counters.
// The check and the increment must be one atomic unit.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

// Service enforces per-identifier and global sliding-window limits.
// Thread-safe for concurrent use by request handlers.
type Service struct {
	windows WindowStore
	logger  *slog.Logger
	config  *config.RateLimitConfig
	metrics *metrics.Metrics
	relaxed int
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConfig overrides the default rate limit configuration.
func WithConfig(cfg *config.RateLimitConfig) Option {
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

// WithRelaxedMultiplier sets the factor applied to the per-identifier limit
// for verified callers.
func WithRelaxedMultiplier(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.relaxed = n
		}
	}
}

// New creates a rate limiting service backed by the given window store.
func New(windows WindowStore, opts ...Option) (*Service, error) {
	if windows == nil {
		return nil, errors.New("window store is required")
	}

	defaultCfg := config.DefaultConfig().RateLimit
	svc := &Service{
		windows: windows,
		config:  &defaultCfg,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Admit checks the identifier's window and the global window; both must
// allow the request. The identifier's window is checked first so a caller
// already over its own limit does not consume global capacity.
func (s *Service) Admit(ctx context.Context, identifier string, verified bool) (*models.RateLimitResult, error) {
	limit := s.config.PerIdentifierLimit
	if verified && limit > 0 {
		limit *= s.relaxedMultiplier()
	}

	key := models.WindowKey(identifier)
	res, err := s.windows.Allow(ctx, key.String(), limit, s.config.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to check identifier rate limit")
	}
	if !res.Allowed {
		if s.metrics != nil {
			s.metrics.RecordRateLimitRejection("identifier")
		}
		observability.LogAudit(ctx, s.logger, "rate_limit_exceeded",
			"identifier", privacy.AnonymizeIP(identifier),
			"scope", "identifier",
			"limit", limit,
			"window_seconds", int(s.config.Window.Seconds()),
		)
		return res, nil
	}

	globalRes, err := s.windows.Allow(ctx, models.GlobalWindowKey().String(), s.config.GlobalLimit, s.config.GlobalWindow)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to check global rate limit")
	}
	if !globalRes.Allowed {
		if s.metrics != nil {
			s.metrics.RecordRateLimitRejection("global")
		}
		observability.LogAudit(ctx, s.logger, "global_rate_limit_exceeded",
			"identifier", privacy.AnonymizeIP(identifier),
			"scope", "global",
			"limit", s.config.GlobalLimit,
			"window_seconds", int(s.config.GlobalWindow.Seconds()),
		)
		// Surface the caller's own remaining budget, not the global one,
		// to avoid leaking aggregate traffic levels.
		return &models.RateLimitResult{
			Allowed:    false,
			Limit:      limit,
			Remaining:  res.Remaining,
			ResetAt:    globalRes.ResetAt,
			RetryAfter: globalRes.RetryAfter,
		}, nil
	}

	return res, nil
}

// relaxedMultiplier falls back to the default when unset so a zero value
// can never disable limiting.
func (s *Service) relaxedMultiplier() int {
	if s.relaxed > 0 {
		return s.relaxed
	}
	return config.DefaultConfig().Challenge.RelaxedMultiplier
}
