// Package ban escalates an identifier's penalty on repeated rate-limit
// violations.
//
// The state machine per identifier is CLEAN -> BANNED(level=1) ->
// BANNED(level=2) -> ... up to a configured maximum. Each escalation within
// the cooldown period sets banned_until = now + backoff(level), where
// backoff doubles per level up to a cap. After a configurable clean period
// with zero violations the level decays by one per full period; at level
// zero the record is deleted.
//
// Check must run before the rate limiter on every request: rejecting an
// already-banned identifier is the cheapest possible outcome and avoids a
// window check entirely.
package ban

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
	"queryguard/pkg/requestcontext"
)

// Store persists ban records. Update must apply its mutation atomically with
// respect to concurrent callers for the same key.
type Store interface {
	Get(ctx context.Context, key string) (*models.BanRecord, error)
	Update(ctx context.Context, key string, ttl time.Duration, fn func(*models.BanRecord) *models.BanRecord) (*models.BanRecord, error)
	Delete(ctx context.Context, key string) error
}

// CheckResult reports whether an identifier is currently banned.
type CheckResult struct {
	Banned bool
	Level  int
	Until  time.Time
}

// Service is the progressive ban engine.
type Service struct {
	store   Store
	logger  *slog.Logger
	config  *config.BanConfig
	metrics *metrics.Metrics
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConfig overrides the default ban configuration.
func WithConfig(cfg *config.BanConfig) Option {
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

// New creates a ban engine backed by the given store.
func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ban store is required")
	}

	defaultCfg := config.DefaultConfig().Ban
	svc := &Service{
		store:  store,
		config: &defaultCfg,
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Check reports whether the identifier is currently banned. Decay is applied
// lazily here: a record past one or more full clean periods has its level
// reduced before the verdict is computed, and a record decayed to zero is
// deleted.
func (s *Service) Check(ctx context.Context, identifier string) (*CheckResult, error) {
	now := requestcontext.Now(ctx)
	key := models.BanKey(identifier).String()

	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to get ban record")
	}
	if rec == nil {
		return &CheckResult{}, nil
	}

	if decayed := s.decayedLevel(rec, now); decayed != rec.Level {
		rec, err = s.store.Update(ctx, key, s.recordTTL(decayed), func(cur *models.BanRecord) *models.BanRecord {
			if cur == nil {
				return nil
			}
			level := s.decayedLevel(cur, now)
			if level <= 0 {
				return nil
			}
			// Advance the decay anchor so already-applied periods are not
			// counted again on the next check.
			periods := cur.Level - level
			cur.LastViolationAt = cur.LastViolationAt.Add(time.Duration(periods) * s.config.DecayPeriod)
			cur.Level = level
			return cur
		})
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to decay ban record")
		}
		if rec == nil {
			return &CheckResult{}, nil
		}
	}

	if rec.IsActive(now) {
		observability.LogAudit(ctx, s.logger, "banned_identifier_rejected",
			"identifier", privacy.AnonymizeIP(identifier),
			"level", rec.Level,
			"banned_until", rec.BannedUntil,
		)
		return &CheckResult{Banned: true, Level: rec.Level, Until: rec.BannedUntil}, nil
	}

	return &CheckResult{Level: rec.Level}, nil
}

// RecordViolation escalates the identifier's ban level and returns the new
// level. Under the default policy only the first rejection per cooldown
// period escalates; with CountEveryRejection each rejection does. Verified
// identifiers serve shortened bans per VerifiedBackoffDivisor.
func (s *Service) RecordViolation(ctx context.Context, identifier string, verified bool) (int, error) {
	now := requestcontext.Now(ctx)
	key := models.BanKey(identifier).String()

	escalated := false
	rec, err := s.store.Update(ctx, key, s.recordTTL(s.config.MaxLevel), func(cur *models.BanRecord) *models.BanRecord {
		if cur == nil {
			cur = &models.BanRecord{Identifier: identifier}
		} else if !s.config.CountEveryRejection && now.Sub(cur.LastViolationAt) < s.config.Cooldown && cur.Level > 0 {
			// Already escalated for this cooldown period.
			return cur
		}

		level := s.decayedLevel(cur, now) + 1
		if level > s.config.MaxLevel {
			level = s.config.MaxLevel
		}
		cur.Level = level
		cur.BannedUntil = now.Add(s.backoffFor(level, verified))
		cur.LastViolationAt = now
		escalated = true
		return cur
	})
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to record violation")
	}

	if escalated {
		if s.metrics != nil {
			s.metrics.RecordBanEscalation(rec.Level)
		}
		observability.LogAudit(ctx, s.logger, "ban_escalated",
			"identifier", privacy.AnonymizeIP(identifier),
			"level", rec.Level,
			"banned_until", rec.BannedUntil,
		)
	}

	return rec.Level, nil
}

// Clear removes the identifier's ban record entirely.
func (s *Service) Clear(ctx context.Context, identifier string) error {
	if err := s.store.Delete(ctx, models.BanKey(identifier).String()); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to clear ban record")
	}
	return nil
}

// Backoff returns the ban duration for a level: base doubled per level,
// capped. Level 0 has no penalty.
func (s *Service) Backoff(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	d := s.config.BackoffBase
	for i := 1; i < level; i++ {
		d *= 2
		if d >= s.config.BackoffCap {
			return s.config.BackoffCap
		}
	}
	if d > s.config.BackoffCap {
		return s.config.BackoffCap
	}
	return d
}

// backoffFor returns the ban duration for a level, divided by
// VerifiedBackoffDivisor for verified identifiers.
func (s *Service) backoffFor(level int, verified bool) time.Duration {
	d := s.Backoff(level)
	if verified && s.config.VerifiedBackoffDivisor > 1 {
		d /= time.Duration(s.config.VerifiedBackoffDivisor)
	}
	return d
}

// decayedLevel returns the level after applying one decrement per full clean
// period since the last violation. Never negative.
func (s *Service) decayedLevel(rec *models.BanRecord, now time.Time) int {
	if rec.Level <= 0 || s.config.DecayPeriod <= 0 {
		return rec.Level
	}
	periods := int(now.Sub(rec.LastViolationAt) / s.config.DecayPeriod)
	level := rec.Level - periods
	if level < 0 {
		return 0
	}
	return level
}

// recordTTL sizes the store expiry so a record outlives the full decay of
// the given level plus its longest possible ban.
func (s *Service) recordTTL(level int) time.Duration {
	if level < 1 {
		level = 1
	}
	return time.Duration(level)*s.config.DecayPeriod + s.config.BackoffCap
}
