// Package cache is the two-tier response cache that short-circuits the
// generation pipeline for repeated questions.
//
// Tier 1 holds pre-warmed answers to the CMS's suggested questions, keyed on
// normalized query text alone, with a long TTL, in the shared store. It is
// consulted only when the request carries no conversation context, because a
// context-free answer is wrong for a contextual question. Tier 2 holds
// on-demand answers keyed on query plus a bounded window of prior turns, with
// a short TTL, process-local.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"queryguard/internal/guard/config"
	"queryguard/internal/guard/metrics"
	"queryguard/internal/guard/models"
	dErrors "queryguard/pkg/domain-errors"
	"queryguard/pkg/requestcontext"
)

// Tier1Store persists pre-warmed entries in the shared store.
type Tier1Store interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Set(ctx context.Context, key string, entry *models.CacheEntry) error
	Delete(ctx context.Context, key string) error
}

// GenerationResult is what the downstream pipeline returns for one query,
// including the inference cost the operation incurred.
type GenerationResult struct {
	Answer models.Answer
	Cost   float64
}

// Generator invokes the downstream answer pipeline. Called only on a full
// cache miss with admission already granted.
type Generator interface {
	Generate(ctx context.Context, query string, turns []string) (*GenerationResult, error)
}

// Result is the outcome of a generation through the cache.
type Result struct {
	Answer models.Answer
	// Cost is the inference spend this caller is accountable for. Zero for
	// every caller of a shared flight except one.
	Cost float64
}

// Service is the two-tier response cache.
type Service struct {
	tier1     Tier1Store
	tier2     *localStore
	generator Generator
	logger    *slog.Logger
	config    *config.CacheConfig
	metrics   *metrics.Metrics
	flight    singleflight.Group

	mu        sync.RWMutex
	suggested map[string]struct{} // normalized suggested questions
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithConfig overrides the default cache configuration.
func WithConfig(cfg *config.CacheConfig) Option {
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

// New creates a cache over the given tier-1 store and generator.
func New(tier1 Tier1Store, generator Generator, opts ...Option) *Service {
	defaultCfg := config.DefaultConfig().Cache
	svc := &Service{
		tier1:     tier1,
		tier2:     newLocalStore(),
		generator: generator,
		config:    &defaultCfg,
		suggested: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Lookup checks both tiers in order without touching the generator. Tier 1 is
// consulted only when no conversation context is present.
func (s *Service) Lookup(ctx context.Context, query string, turns []string) (*models.CacheEntry, error) {
	normalized := Normalize(query)
	turns = s.boundTurns(turns)

	if len(turns) == 0 {
		entry, err := s.tier1.Get(ctx, models.AnswerKey(keyHash(normalized)).String())
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "tier-1 cache read failed")
		}
		s.recordLookup("1", entry != nil)
		if entry != nil {
			return entry, nil
		}
	}

	entry := s.tier2.get(ctx, contextKey(normalized, turns))
	s.recordLookup("2", entry != nil)
	return entry, nil
}

// Generate produces an answer for a query the caller has already seen miss
// both tiers; it never reads the tiers itself. Concurrent identical calls
// share a single generation via singleflight. Generated answers are written
// to tier 2 unconditionally, and to tier 1 when the query is a known
// suggested question asked without context.
func (s *Service) Generate(ctx context.Context, query string, turns []string) (*Result, error) {
	normalized := Normalize(query)
	turns = s.boundTurns(turns)
	flightKey := contextKey(normalized, turns)

	v, err, _ := s.flight.Do(flightKey, func() (any, error) {
		gen, err := s.generator.Generate(ctx, normalized, turns)
		if err != nil {
			s.recordGeneration("error")
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "generation failed")
		}
		s.recordGeneration("ok")
		s.writeBack(ctx, normalized, turns, gen.Answer)
		return &flightResult{gen: gen}, nil
	})
	if err != nil {
		return nil, err
	}

	fr := v.(*flightResult)
	cost := 0.0
	// Exactly one of the callers sharing a flight carries its spend.
	if fr.costClaimed.CompareAndSwap(false, true) {
		cost = fr.gen.Cost
	}
	return &Result{Answer: fr.gen.Answer, Cost: cost}, nil
}

type flightResult struct {
	gen         *GenerationResult
	costClaimed atomic.Bool
}

// EnsureWarm populates the tier-1 entry for a suggested question unless a
// fresh one already exists. It reports whether a generation ran and what it
// cost. Used by the background refresh worker; user traffic never calls it.
func (s *Service) EnsureWarm(ctx context.Context, question string) (bool, float64, error) {
	normalized := Normalize(question)
	key := models.AnswerKey(keyHash(normalized)).String()

	entry, err := s.tier1.Get(ctx, key)
	if err != nil {
		return false, 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "tier-1 cache read failed")
	}
	if entry != nil {
		return false, 0, nil
	}

	gen, err := s.generator.Generate(ctx, normalized, nil)
	if err != nil {
		return false, 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "generation failed")
	}
	if err := s.putTier1(ctx, normalized, gen.Answer); err != nil {
		return false, gen.Cost, err
	}
	return true, gen.Cost, nil
}

// UpdateSuggestedQuestions replaces the known suggested-question set. The set
// gates which misses are promoted into tier 1.
func (s *Service) UpdateSuggestedQuestions(questions []string) {
	next := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		next[Normalize(q)] = struct{}{}
	}

	s.mu.Lock()
	s.suggested = next
	s.mu.Unlock()
}

// Invalidate drops the tier-1 entries for the given queries. Used when a
// content-sync event makes cached answers stale.
func (s *Service) Invalidate(ctx context.Context, queries []string) error {
	for _, q := range queries {
		key := models.AnswerKey(keyHash(Normalize(q))).String()
		if err := s.tier1.Delete(ctx, key); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "tier-1 cache delete failed")
		}
	}
	return nil
}

func (s *Service) writeBack(ctx context.Context, normalized string, turns []string, answer models.Answer) {
	now := requestcontext.Now(ctx)

	s.tier2.set(contextKey(normalized, turns), models.CacheEntry{
		Key:       contextKey(normalized, turns),
		Answer:    answer,
		Tier:      models.TierOnDemand,
		CreatedAt: now,
		TTL:       s.config.OnDemandTTL,
	})

	if len(turns) == 0 && s.isSuggested(normalized) {
		if err := s.putTier1(ctx, normalized, answer); err != nil && s.logger != nil {
			// Tier-2 already has the answer; a failed promotion costs a
			// future regeneration, not correctness.
			s.logger.WarnContext(ctx, "tier-1 write-back failed", "error", err)
		}
	}
}

func (s *Service) putTier1(ctx context.Context, normalized string, answer models.Answer) error {
	now := requestcontext.Now(ctx)
	key := models.AnswerKey(keyHash(normalized)).String()

	err := s.tier1.Set(ctx, key, &models.CacheEntry{
		Key:       key,
		Answer:    answer,
		Tier:      models.TierPrewarmed,
		CreatedAt: now,
		TTL:       s.config.PrewarmedTTL,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "tier-1 cache write failed")
	}
	return nil
}

func (s *Service) isSuggested(normalized string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.suggested[normalized]
	return ok
}

// boundTurns keeps only the most recent configured number of turns so the
// tier-2 key stays stable as old context scrolls away.
func (s *Service) boundTurns(turns []string) []string {
	if s.config.ContextTurns > 0 && len(turns) > s.config.ContextTurns {
		return turns[len(turns)-s.config.ContextTurns:]
	}
	return turns
}

func (s *Service) recordLookup(tier string, hit bool) {
	if s.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	s.metrics.RecordCacheLookup(tier, result)
}

func (s *Service) recordGeneration(result string) {
	if s.metrics != nil {
		s.metrics.RecordGenerationCall(result)
	}
}
