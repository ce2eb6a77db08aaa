package main

import (
	"context"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"queryguard/internal/guard/ban"
	"queryguard/internal/guard/cache"
	"queryguard/internal/guard/challenge"
	"queryguard/internal/guard/cms"
	guardconfig "queryguard/internal/guard/config"
	"queryguard/internal/guard/generation"
	"queryguard/internal/guard/metrics"
	"queryguard/internal/guard/pipeline"
	"queryguard/internal/guard/ratelimit"
	"queryguard/internal/guard/spend"
	"queryguard/internal/guard/tracer"
	"queryguard/internal/guard/webhook"
	"queryguard/internal/guard/workers/refresh"
	"queryguard/internal/platform/config"
	"queryguard/internal/platform/logger"
	"queryguard/internal/platform/redis"
	httptransport "queryguard/internal/transport/http"

	"queryguard/internal/guard/store/answercache"
	banstore "queryguard/internal/guard/store/ban"
	challengestore "queryguard/internal/guard/store/challenge"
	noncestore "queryguard/internal/guard/store/nonce"
	spendstore "queryguard/internal/guard/store/spend"
	"queryguard/internal/guard/store/window"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	guardCfg := guardconfig.FromEnv()
	log := logger.New()

	log.Info("initializing queryguard",
		"addr", cfg.Addr,
		"redis", cfg.Redis.URL != "",
		"generation_url", cfg.GenerationURL,
	)

	m := metrics.New()

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}

	stores := buildStores(redisClient)

	limiter, err := ratelimit.New(stores.windows,
		ratelimit.WithLogger(log),
		ratelimit.WithConfig(&guardCfg.RateLimit),
		ratelimit.WithMetrics(m),
		ratelimit.WithRelaxedMultiplier(guardCfg.Challenge.RelaxedMultiplier),
	)
	if err != nil {
		log.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}

	bans, err := ban.New(stores.bans,
		ban.WithLogger(log),
		ban.WithConfig(&guardCfg.Ban),
		ban.WithMetrics(m),
	)
	if err != nil {
		log.Error("ban engine init failed", "error", err)
		os.Exit(1)
	}

	challenges, err := challenge.New(stores.challenges, cfg.ChallengePassSigningKey,
		challenge.WithLogger(log),
		challenge.WithConfig(&guardCfg.Challenge),
		challenge.WithMetrics(m),
	)
	if err != nil {
		log.Error("challenge verifier init failed", "error", err)
		os.Exit(1)
	}

	costs := spend.New(stores.spend,
		spend.WithLogger(log),
		spend.WithConfig(&guardCfg.Spend),
		spend.WithMetrics(m),
	)

	generator := generation.New(cfg.GenerationURL, cfg.GenerationTimeout,
		generation.WithLogger(log),
	)
	answers := cache.New(stores.answers, generator,
		cache.WithLogger(log),
		cache.WithConfig(&guardCfg.Cache),
		cache.WithMetrics(m),
	)

	pipe := pipeline.New(challenges, bans, limiter, costs, answers,
		pipeline.WithLogger(log),
		pipeline.WithMetrics(m),
		pipeline.WithTracer(tracer.NewOTel()),
	)

	if cfg.WebhookSecret == "" {
		log.Error("GUARD_WEBHOOK_SECRET is required")
		os.Exit(1)
	}
	auth, err := webhook.New(cfg.WebhookSecret, stores.nonces,
		webhook.WithLogger(log),
		webhook.WithConfig(&guardCfg.Webhook),
		webhook.WithMetrics(m),
		webhook.WithAllowlist(parseAllowlist(cfg.WebhookAllowlist)),
	)
	if err != nil {
		log.Error("webhook authenticator init failed", "error", err)
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var refresher *refresh.Worker
	if cfg.CMSQuestionsURL != "" {
		refresher = refresh.New(
			cms.New(cfg.CMSQuestionsURL, cfg.CMSTimeout),
			answers,
			guardCfg.Cache.RefreshInterval,
			refresh.WithLogger(log),
			refresh.WithMetrics(m),
			refresh.WithSpendRecorder(costs),
		)
		go refresher.Run(rootCtx)
	}

	handlerOpts := []httptransport.HandlerOption{
		httptransport.WithLogger(log),
	}
	if refresher != nil {
		handlerOpts = append(handlerOpts, httptransport.WithRefresher(refresher))
	}
	if redisClient != nil {
		handlerOpts = append(handlerOpts, httptransport.WithHealthChecker(redisClient))
		go poolStatsLoop(rootCtx, redisClient)
	}

	handler := httptransport.NewHandler(pipe, challenges, auth, answers, handlerOpts...)
	router := httptransport.NewRouter(handler, log, cfg.TrustProxy)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("starting http server", "addr", cfg.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	log.Info("server stopped")
}

// guardStores groups the per-component store implementations. With a Redis
// URL configured every store is shared across instances; without one the
// process falls back to in-memory stores, which is only correct for a single
// instance.
type guardStores struct {
	windows    ratelimit.WindowStore
	bans       ban.Store
	challenges challenge.Store
	spend      spend.Store
	answers    cache.Tier1Store
	nonces     webhook.NonceStore
}

func buildStores(client *redis.Client) guardStores {
	if client == nil {
		return guardStores{
			windows:    window.New(),
			bans:       banstore.New(),
			challenges: challengestore.New(),
			spend:      spendstore.New(),
			answers:    answercache.New(),
			nonces:     noncestore.New(),
		}
	}
	rdb := client.Client
	return guardStores{
		windows:    window.NewRedis(rdb),
		bans:       banstore.NewRedis(rdb),
		challenges: challengestore.NewRedis(rdb),
		spend:      spendstore.NewRedis(rdb),
		answers:    answercache.NewRedis(rdb),
		nonces:     noncestore.NewRedis(rdb),
	}
}

func parseAllowlist(cidrs []string) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		// Bare addresses become single-host prefixes.
		if a, err := netip.ParseAddr(c); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return prefixes
}

func poolStatsLoop(ctx context.Context, client *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.RecordPoolStats()
		}
	}
}
