package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration: listen address, the shared
// store, and the external collaborators' endpoints and secrets.
type Server struct {
	Addr string

	Redis RedisConfig

	// GenerationURL is the endpoint of the excluded generation pipeline,
	// invoked only on a full cache miss with admission granted.
	GenerationURL     string
	GenerationTimeout time.Duration

	// CMSQuestionsURL is the endpoint listing current suggested questions.
	// Empty disables polling; the set then arrives via webhook events only.
	CMSQuestionsURL string
	CMSTimeout      time.Duration

	// WebhookSecret is the pre-shared secret for content-sync webhook HMACs.
	WebhookSecret string
	// WebhookAllowlist optionally restricts webhook senders by source IP.
	WebhookAllowlist []string

	// ChallengePassSigningKey signs verification passes handed to clients
	// that solved a challenge.
	ChallengePassSigningKey string

	// TrustProxy enables X-Forwarded-For client identification. Only turn
	// this on behind a proxy that strips the header from outside traffic.
	TrustProxy bool
}

// RedisConfig captures connection settings for the shared atomic store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Server{
		Addr:                    envOr("GUARD_ADDR", ":8080"),
		GenerationURL:           envOr("GUARD_GENERATION_URL", "http://localhost:9090/generate"),
		GenerationTimeout:       envDuration("GUARD_GENERATION_TIMEOUT", 60*time.Second),
		CMSQuestionsURL:         os.Getenv("GUARD_CMS_QUESTIONS_URL"),
		CMSTimeout:              envDuration("GUARD_CMS_TIMEOUT", 10*time.Second),
		WebhookSecret:           os.Getenv("GUARD_WEBHOOK_SECRET"),
		ChallengePassSigningKey: os.Getenv("GUARD_CHALLENGE_SIGNING_KEY"),
		TrustProxy:              envBool("GUARD_TRUST_PROXY", false),
		Redis: RedisConfig{
			URL:          os.Getenv("GUARD_REDIS_URL"),
			PoolSize:     envInt("GUARD_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("GUARD_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("GUARD_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("GUARD_REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: envDuration("GUARD_REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
	}

	if allow := os.Getenv("GUARD_WEBHOOK_ALLOWLIST"); allow != "" {
		for _, ip := range strings.Split(allow, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				cfg.WebhookAllowlist = append(cfg.WebhookAllowlist, ip)
			}
		}
	}

	if cfg.ChallengePassSigningKey == "" {
		// Use a default for development - should be overridden in production
		cfg.ChallengePassSigningKey = "dev-secret-key-change-in-production"
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
