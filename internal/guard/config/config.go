package config

import (
	"os"
	"strconv"
	"time"
)

// ChallengeFailMode decides behavior when the challenge-presentation
// mechanism is unavailable. This is a deliberate policy choice exposed as
// configuration, never silent behavior.
type ChallengeFailMode string

const (
	// FailOpen treats the caller as unverified and applies strict limits.
	FailOpen ChallengeFailMode = "open"
	// FailClosed rejects the request outright.
	FailClosed ChallengeFailMode = "closed"
)

// Config holds every admission knob: window sizes and limits, ban backoff,
// challenge validity, spend thresholds, cache TTLs, and webhook freshness.
type Config struct {
	RateLimit RateLimitConfig
	Ban       BanConfig
	Challenge ChallengeConfig
	Spend     SpendConfig
	Cache     CacheConfig
	Webhook   WebhookConfig
}

// RateLimitConfig defines sliding-window parameters per scope.
type RateLimitConfig struct {
	PerIdentifierLimit int           // requests per window per identifier
	Window             time.Duration // window size for per-identifier scope
	GlobalLimit        int           // aggregate requests per window
	GlobalWindow       time.Duration
}

// BanConfig defines progressive ban escalation parameters.
type BanConfig struct {
	BackoffBase time.Duration // level-1 ban duration
	BackoffCap  time.Duration // longest ban regardless of level
	MaxLevel    int
	// Cooldown is the period after a violation during which further
	// violations escalate the level.
	Cooldown time.Duration
	// DecayPeriod is the clean period after which the level drops by one.
	DecayPeriod time.Duration
	// CountEveryRejection escalates on every rejected request when true;
	// when false only the first rejection per cooldown period escalates.
	CountEveryRejection bool
	// VerifiedBackoffDivisor shortens ban durations for verified
	// identifiers. 1 or less leaves them unrelaxed.
	VerifiedBackoffDivisor int
}

// ChallengeConfig defines proof-of-interaction parameters.
type ChallengeConfig struct {
	Validity time.Duration // unsolved token lifetime
	// VerifiedFor is how long a solved challenge keeps an identifier verified.
	VerifiedFor time.Duration
	// RelaxedMultiplier scales the per-identifier limit for verified callers.
	RelaxedMultiplier int
	FailMode          ChallengeFailMode
}

// SpendConfig defines cost-throttle thresholds and their window sizes.
type SpendConfig struct {
	ShortWindow     time.Duration
	ShortThreshold  float64
	DailyThreshold  float64
	PerIdentifier   bool    // also track per-identifier ledgers
	IdentifierShare float64 // fraction of each threshold one identifier may consume
}

// CacheConfig defines the two cache tiers' lifetimes.
type CacheConfig struct {
	PrewarmedTTL time.Duration // tier 1
	OnDemandTTL  time.Duration // tier 2
	// ContextTurns bounds how many prior conversation turns feed the
	// tier-2 key.
	ContextTurns int
	// RefreshInterval drives the tier-1 background refresh worker.
	RefreshInterval time.Duration
}

// WebhookConfig defines authenticator freshness parameters.
type WebhookConfig struct {
	MaxAge time.Duration // accepted clock skew for the declared timestamp
}

// DefaultConfig returns production defaults sized for a public query service.
func DefaultConfig() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			PerIdentifierLimit: 20,
			Window:             time.Minute,
			GlobalLimit:        600,
			GlobalWindow:       time.Minute,
		},
		Ban: BanConfig{
			BackoffBase:            time.Minute,
			BackoffCap:             24 * time.Hour,
			MaxLevel:               10,
			Cooldown:               10 * time.Minute,
			DecayPeriod:            24 * time.Hour,
			CountEveryRejection:    false,
			VerifiedBackoffDivisor: 4,
		},
		Challenge: ChallengeConfig{
			Validity:          5 * time.Minute,
			VerifiedFor:       12 * time.Hour,
			RelaxedMultiplier: 3,
			FailMode:          FailOpen,
		},
		Spend: SpendConfig{
			ShortWindow:     10 * time.Minute,
			ShortThreshold:  5.0,
			DailyThreshold:  50.0,
			PerIdentifier:   true,
			IdentifierShare: 0.2,
		},
		Cache: CacheConfig{
			PrewarmedTTL:    24 * time.Hour,
			OnDemandTTL:     time.Hour,
			ContextTurns:    4,
			RefreshInterval: time.Hour,
		},
		Webhook: WebhookConfig{
			MaxAge: 5 * time.Minute,
		},
	}
}

// FromEnv returns the defaults with any environment overrides applied.
func FromEnv() *Config {
	cfg := DefaultConfig()

	overrideInt("GUARD_RATE_LIMIT", &cfg.RateLimit.PerIdentifierLimit)
	overrideDuration("GUARD_RATE_WINDOW", &cfg.RateLimit.Window)
	overrideInt("GUARD_GLOBAL_LIMIT", &cfg.RateLimit.GlobalLimit)
	overrideDuration("GUARD_GLOBAL_WINDOW", &cfg.RateLimit.GlobalWindow)

	overrideDuration("GUARD_BAN_BACKOFF_BASE", &cfg.Ban.BackoffBase)
	overrideDuration("GUARD_BAN_BACKOFF_CAP", &cfg.Ban.BackoffCap)
	overrideInt("GUARD_BAN_MAX_LEVEL", &cfg.Ban.MaxLevel)
	overrideDuration("GUARD_BAN_COOLDOWN", &cfg.Ban.Cooldown)
	overrideDuration("GUARD_BAN_DECAY_PERIOD", &cfg.Ban.DecayPeriod)
	overrideBool("GUARD_BAN_COUNT_EVERY_REJECTION", &cfg.Ban.CountEveryRejection)
	overrideInt("GUARD_BAN_VERIFIED_BACKOFF_DIVISOR", &cfg.Ban.VerifiedBackoffDivisor)

	overrideDuration("GUARD_CHALLENGE_VALIDITY", &cfg.Challenge.Validity)
	overrideDuration("GUARD_CHALLENGE_VERIFIED_FOR", &cfg.Challenge.VerifiedFor)
	overrideInt("GUARD_CHALLENGE_RELAXED_MULTIPLIER", &cfg.Challenge.RelaxedMultiplier)
	if v := os.Getenv("GUARD_CHALLENGE_FAIL_MODE"); v == string(FailClosed) {
		cfg.Challenge.FailMode = FailClosed
	}

	overrideDuration("GUARD_SPEND_SHORT_WINDOW", &cfg.Spend.ShortWindow)
	overrideFloat("GUARD_SPEND_SHORT_THRESHOLD", &cfg.Spend.ShortThreshold)
	overrideFloat("GUARD_SPEND_DAILY_THRESHOLD", &cfg.Spend.DailyThreshold)

	overrideDuration("GUARD_CACHE_PREWARMED_TTL", &cfg.Cache.PrewarmedTTL)
	overrideDuration("GUARD_CACHE_ONDEMAND_TTL", &cfg.Cache.OnDemandTTL)
	overrideInt("GUARD_CACHE_CONTEXT_TURNS", &cfg.Cache.ContextTurns)
	overrideDuration("GUARD_CACHE_REFRESH_INTERVAL", &cfg.Cache.RefreshInterval)

	overrideDuration("GUARD_WEBHOOK_MAX_AGE", &cfg.Webhook.MaxAge)

	return cfg
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overrideBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func overrideDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
