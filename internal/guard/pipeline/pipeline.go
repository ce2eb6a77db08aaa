// Package pipeline sequences the admission checks for one user query.
//
// Stage order is cheapest rejection first: ban check (one store read), rate
// limit (one atomic window update), cost throttle (ledger reads), cache
// lookup, and only then the generation call with write-back. A tripped cost
// throttle halts generation but never blocks serving a cache hit, since a
// cached answer costs nothing.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"queryguard/internal/guard/ban"
	"queryguard/internal/guard/cache"
	"queryguard/internal/guard/metrics"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/observability"
	"queryguard/internal/guard/tracer"
	"queryguard/internal/platform/privacy"
	dErrors "queryguard/pkg/domain-errors"
	"queryguard/pkg/requestcontext"
)

// Stage names reported in decisions and metrics.
const (
	StageBan        = "ban"
	StageRateLimit  = "rate_limit"
	StageCost       = "cost"
	StageCache      = "cache"
	StageGeneration = "generation"
)

// Verifier reports whether an identifier has passed a challenge.
type Verifier interface {
	IsVerified(ctx context.Context, identifier, pass string) (bool, error)
}

// BanEngine is the progressive ban stage.
type BanEngine interface {
	Check(ctx context.Context, identifier string) (*ban.CheckResult, error)
	RecordViolation(ctx context.Context, identifier string, verified bool) (int, error)
}

// RateLimiter is the sliding-window stage.
type RateLimiter interface {
	Admit(ctx context.Context, identifier string, verified bool) (*models.RateLimitResult, error)
}

// CostThrottle is the spend stage.
type CostThrottle interface {
	Check(ctx context.Context, identifier string) (*models.SpendStatus, error)
	RecordSpend(ctx context.Context, identifier string, amount float64) error
}

// AnswerSource serves cache lookups and generates answers for known misses.
type AnswerSource interface {
	Lookup(ctx context.Context, query string, turns []string) (*models.CacheEntry, error)
	Generate(ctx context.Context, query string, turns []string) (*cache.Result, error)
}

// Request is one inbound user query.
type Request struct {
	Query      string
	Turns      []string // prior conversation turns, oldest first
	Identifier string   // client network identity
	Pass       string   // verification pass, empty when none presented
}

// Decision is the pipeline's verdict for one request. Exactly one of
// Answer-set or denial fields is meaningful: when Allowed is false, Reason
// carries the machine-readable rejection and RetryAfter the wait hint.
type Decision struct {
	Allowed    bool
	Stage      string       // stage that decided
	Reason     dErrors.Code // set when denied
	RetryAfter int          // seconds, zero when not applicable

	Answer    *models.Answer
	FromCache bool
	Tier      models.CacheTier // set when FromCache

	RateLimit *models.RateLimitResult // present when the rate stage ran
}

// Pipeline runs the admission stages in order.
type Pipeline struct {
	verifier Verifier
	bans     BanEngine
	limiter  RateLimiter
	costs    CostThrottle
	answers  AnswerSource
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   tracer.Tracer
}

// Option configures a Pipeline instance.
type Option func(*Pipeline)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder for observability.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTracer sets the tracer for per-stage spans.
func WithTracer(t tracer.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// New creates a pipeline over the given stages.
func New(verifier Verifier, bans BanEngine, limiter RateLimiter, costs CostThrottle, answers AnswerSource, opts ...Option) *Pipeline {
	p := &Pipeline{
		verifier: verifier,
		bans:     bans,
		limiter:  limiter,
		costs:    costs,
		answers:  answers,
		tracer:   tracer.NewNoop(),
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Admit runs every stage for one request and returns the decision. Store
// outages deny rather than admit; an unreachable limiter must never become a
// way around it.
func (p *Pipeline) Admit(ctx context.Context, req *Request) (*Decision, error) {
	ctx, span := p.tracer.Start(ctx, tracer.SpanAdmit,
		tracer.String(tracer.AttrIdentifier, privacy.AnonymizeIP(req.Identifier)),
	)
	decision, err := p.admit(ctx, req)
	span.End(err)

	if decision != nil {
		p.record(ctx, req, decision)
	}
	return decision, err
}

func (p *Pipeline) admit(ctx context.Context, req *Request) (*Decision, error) {
	now := requestcontext.Now(ctx)

	verified, err := p.verifier.IsVerified(ctx, req.Identifier, req.Pass)
	if err != nil {
		// An unreadable verified mark only costs the caller its relaxed
		// limits; strict limits are the safe degradation.
		if p.logger != nil {
			p.logger.WarnContext(ctx, "verified lookup failed, applying strict limits", "error", err)
		}
		verified = false
	}

	// Ban check first: one read, and an already-banned identifier must not
	// consume a window update.
	banCtx, banSpan := p.tracer.Start(ctx, tracer.SpanBanCheck)
	banResult, err := p.bans.Check(banCtx, req.Identifier)
	banSpan.End(err)
	if err != nil {
		return p.deny(StageBan, dErrors.CodeUnavailable, 0), nil
	}
	if banResult.Banned {
		return p.deny(StageBan, dErrors.CodeBanned, retryAfter(now, banResult.Until)), nil
	}

	rateCtx, rateSpan := p.tracer.Start(ctx, tracer.SpanRateCheck,
		tracer.Bool(tracer.AttrVerified, verified),
	)
	rateResult, err := p.limiter.Admit(rateCtx, req.Identifier, verified)
	rateSpan.End(err)
	if err != nil {
		return p.deny(StageRateLimit, dErrors.CodeUnavailable, 0), nil
	}
	if !rateResult.Allowed {
		if _, err := p.bans.RecordViolation(ctx, req.Identifier, verified); err != nil && p.logger != nil {
			p.logger.WarnContext(ctx, "failed to record rate violation", "error", err)
		}
		d := p.deny(StageRateLimit, dErrors.CodeRateLimited, rateResult.RetryAfter)
		d.RateLimit = rateResult
		return d, nil
	}

	spendCtx, spendSpan := p.tracer.Start(ctx, tracer.SpanSpendCheck)
	spendStatus, err := p.costs.Check(spendCtx, req.Identifier)
	spendSpan.End(err)
	if err != nil {
		return p.denyWithRate(StageCost, dErrors.CodeUnavailable, 0, rateResult), nil
	}

	cacheCtx, cacheSpan := p.tracer.Start(ctx, tracer.SpanCacheGet)
	entry, err := p.answers.Lookup(cacheCtx, req.Query, req.Turns)
	cacheSpan.End(err)
	if err != nil && p.logger != nil {
		// A broken cache degrades to generation, unless spend blocks it.
		p.logger.WarnContext(ctx, "cache lookup failed", "error", err)
	}
	if entry != nil {
		return &Decision{
			Allowed:   true,
			Stage:     StageCache,
			Answer:    &entry.Answer,
			FromCache: true,
			Tier:      entry.Tier,
			RateLimit: rateResult,
		}, nil
	}

	// Full miss: generation would spend money, so the throttle verdict
	// applies now and not to the cache hit path above.
	if !spendStatus.Allowed {
		return p.denyWithRate(StageCost, dErrors.CodeCostLimited, retryAfter(now, spendStatus.ResetAt), rateResult), nil
	}

	genCtx, genSpan := p.tracer.Start(ctx, tracer.SpanGenerate)
	result, err := p.answers.Generate(genCtx, req.Query, req.Turns)
	genSpan.End(err)
	if err != nil {
		return p.denyWithRate(StageGeneration, dErrors.CodeUnavailable, 0, rateResult), nil
	}

	if result.Cost > 0 {
		if err := p.costs.RecordSpend(ctx, req.Identifier, result.Cost); err != nil && p.logger != nil {
			// The answer is already produced; losing the ledger write is
			// an accounting gap worth a loud log, not a user failure.
			p.logger.ErrorContext(ctx, "failed to record spend", "error", err)
		}
	}

	return &Decision{
		Allowed:   true,
		Stage:     StageGeneration,
		Answer:    &result.Answer,
		RateLimit: rateResult,
	}, nil
}

func (p *Pipeline) deny(stage string, reason dErrors.Code, retryAfter int) *Decision {
	return &Decision{Stage: stage, Reason: reason, RetryAfter: retryAfter}
}

func (p *Pipeline) denyWithRate(stage string, reason dErrors.Code, retryAfter int, rate *models.RateLimitResult) *Decision {
	d := p.deny(stage, reason, retryAfter)
	d.RateLimit = rate
	return d
}

func (p *Pipeline) record(ctx context.Context, req *Request, d *Decision) {
	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	if p.metrics != nil {
		p.metrics.RecordDecision(outcome, d.Stage)
	}
	if !d.Allowed {
		observability.LogAudit(ctx, p.logger, "request_denied",
			"identifier", privacy.AnonymizeIP(req.Identifier),
			"stage", d.Stage,
			"reason", string(d.Reason),
			"retry_after", d.RetryAfter,
		)
	}
}

// retryAfter converts an instant into a whole-second wait hint, rounded up so
// a retry at the hinted time is never early.
func retryAfter(now, until time.Time) int {
	if until.IsZero() || !until.After(now) {
		return 0
	}
	secs := int((until.Sub(now) + time.Second - 1) / time.Second)
	return secs
}
