// Package spend is the cost throttle: it accumulates inference spend into
// fixed time windows and halts generation-triggering requests when a window's
// total crosses its threshold.
//
// Two windows run per scope: a short one that catches sudden spikes and a
// daily one that caps total exposure. Spend is tracked globally and, when
// enabled, per identifier, so one caller cannot consume the whole global
// budget unnoticed. Cache hits never pass through here; serving a cached
// answer costs nothing and must not be blocked.
package spend

import (
	"context"
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

const (
	windowShort = "short"
	windowDaily = "daily"

	dailyWindow = 24 * time.Hour
)

// Store persists spend ledgers and alert-sent flags.
type Store interface {
	Add(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error)
	Get(ctx context.Context, key string) (float64, error)
	SetFlagOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Alert describes a tripped spend window for the operator notification sink.
type Alert struct {
	Scope     models.SpendScope
	Window    string
	Total     float64
	Threshold float64
	ResetAt   time.Time
}

// Notifier delivers operator alerts. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// SlogNotifier emits alerts as error-level log lines. It is the default sink;
// deployments wire a pager or chat integration instead.
type SlogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the alert.
func (n SlogNotifier) Notify(ctx context.Context, alert Alert) {
	if n.Logger == nil {
		return
	}
	n.Logger.ErrorContext(ctx, "spend threshold exceeded",
		"scope", string(alert.Scope),
		"window", alert.Window,
		"total", alert.Total,
		"threshold", alert.Threshold,
		"reset_at", alert.ResetAt,
	)
}

// Service is the cost throttle.
type Service struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	config   *config.SpendConfig
	metrics  *metrics.Metrics
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConfig overrides the default spend configuration.
func WithConfig(cfg *config.SpendConfig) Option {
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

// WithNotifier sets the operator alert sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// New creates a cost throttle backed by the given store.
func New(store Store, opts ...Option) *Service {
	defaultCfg := config.DefaultConfig().Spend
	svc := &Service{
		store:  store,
		config: &defaultCfg,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.notifier == nil {
		svc.notifier = SlogNotifier{Logger: svc.logger}
	}
	return svc
}

// RecordSpend adds completed-operation cost to the global ledgers and, when
// per-identifier tracking is on, to the identifier's own ledgers. Each add is
// atomic in the store; concurrent writers never lose increments.
func (s *Service) RecordSpend(ctx context.Context, identifier string, amount float64) error {
	if amount < 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "spend amount cannot be negative")
	}
	if amount == 0 {
		return nil
	}
	now := requestcontext.Now(ctx)

	scopes := s.scopesFor(identifier)
	for _, scope := range scopes {
		for _, w := range s.windows() {
			key := models.SpendKey(scope, w.name, bucketOf(now, w.size)).String()
			if _, err := s.store.Add(ctx, key, amount, w.size); err != nil {
				return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to record spend")
			}
		}
	}

	if s.metrics != nil {
		s.metrics.RecordSpend(string(models.ScopeGlobal), amount)
	}
	return nil
}

// Check reports whether generation may proceed for the identifier. The global
// short and daily windows are evaluated, then the identifier's own windows
// against its share of each threshold. The first tripped window denies; its
// reset instant is returned so the caller can surface a retry-after.
func (s *Service) Check(ctx context.Context, identifier string) (*models.SpendStatus, error) {
	now := requestcontext.Now(ctx)

	last := &models.SpendStatus{Allowed: true}
	for _, scope := range s.scopesFor(identifier) {
		status, err := s.checkScope(ctx, scope, now)
		if err != nil {
			return nil, err
		}
		if !status.Allowed {
			return status, nil
		}
		last = status
	}
	// Totals reflect the narrowest scope checked.
	return last, nil
}

func (s *Service) checkScope(ctx context.Context, scope models.SpendScope, now time.Time) (*models.SpendStatus, error) {
	status := &models.SpendStatus{Allowed: true}

	for _, w := range s.windows() {
		bucket := bucketOf(now, w.size)
		key := models.SpendKey(scope, w.name, bucket).String()
		total, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read spend ledger")
		}

		threshold := w.threshold
		if scope != models.ScopeGlobal {
			threshold *= s.config.IdentifierShare
		}

		switch w.name {
		case windowShort:
			status.ShortTotal = total
		case windowDaily:
			status.DailyTotal = total
		}

		if total >= threshold {
			status.Allowed = false
			status.ResetAt = bucketEnd(bucket, w.size)
			s.trip(ctx, scope, w.name, total, threshold, status.ResetAt, bucket, w.size)
			return status, nil
		}
	}
	return status, nil
}

// trip fires the operator alert for a tripped window at most once. The flag
// key carries the window's bucket and expires with it, so the next window
// starts clean.
func (s *Service) trip(ctx context.Context, scope models.SpendScope, window string, total, threshold float64, resetAt time.Time, bucket int64, size time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordSpendTrip(window)
	}

	created, err := s.store.SetFlagOnce(ctx, models.AlertKey(scope, window, bucket).String(), size)
	if err != nil {
		// Worst case a duplicate alert; never block the rejection on this.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to set spend alert flag", "error", err)
		}
		return
	}
	if !created {
		return
	}

	s.notifier.Notify(ctx, Alert{
		Scope:     scope,
		Window:    window,
		Total:     total,
		Threshold: threshold,
		ResetAt:   resetAt,
	})
	observability.LogAudit(ctx, s.logger, "spend_threshold_tripped",
		"scope", anonymizeScope(scope),
		"window", window,
		"total", total,
		"threshold", threshold,
	)
}

type spendWindow struct {
	name      string
	size      time.Duration
	threshold float64
}

func (s *Service) windows() []spendWindow {
	return []spendWindow{
		{name: windowShort, size: s.config.ShortWindow, threshold: s.config.ShortThreshold},
		{name: windowDaily, size: dailyWindow, threshold: s.config.DailyThreshold},
	}
}

func (s *Service) scopesFor(identifier string) []models.SpendScope {
	scopes := []models.SpendScope{models.ScopeGlobal}
	if s.config.PerIdentifier && identifier != "" {
		scopes = append(scopes, models.IdentifierScope(identifier))
	}
	return scopes
}

// bucketOf pins an instant to its fixed-window bucket. Window rollover lands
// spend in a fresh key; the old total expires instead of being decremented.
func bucketOf(now time.Time, window time.Duration) int64 {
	return now.UnixNano() / window.Nanoseconds()
}

func bucketEnd(bucket int64, window time.Duration) time.Time {
	return time.Unix(0, (bucket+1)*window.Nanoseconds()).UTC()
}

func anonymizeScope(scope models.SpendScope) string {
	if scope == models.ScopeGlobal {
		return string(scope)
	}
	return "id:" + privacy.AnonymizeIP(string(scope[3:]))
}
