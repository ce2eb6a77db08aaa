// Package httptransport is the thin HTTP layer over the admission pipeline.
// Handlers delegate to domain services without embedding business logic so
// transport concerns remain isolated.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"queryguard/internal/guard/challenge"
	"queryguard/internal/guard/pipeline"
	"queryguard/internal/guard/webhook"
	"queryguard/internal/platform/middleware"
	"queryguard/internal/transport/httputil"
)

// Admitter runs the admission pipeline for one query.
type Admitter interface {
	Admit(ctx context.Context, req *pipeline.Request) (*pipeline.Decision, error)
}

// Verifier authenticates webhook deliveries.
type Verifier interface {
	Verify(ctx context.Context, d *webhook.Delivery) error
}

// CacheControl is the slice of the cache the webhook path needs.
type CacheControl interface {
	Invalidate(ctx context.Context, queries []string) error
	UpdateSuggestedQuestions(questions []string)
}

// Refresher schedules a tier-1 refresh pass on the worker's own loop.
type Refresher interface {
	Kick()
}

// HealthChecker reports shared-store reachability for the health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler holds the wired services for all endpoints.
type Handler struct {
	pipeline  Admitter
	challenge *challenge.Service
	webhooks  Verifier
	cache     CacheControl
	refresher Refresher
	health    HealthChecker
	logger    *slog.Logger
}

// NewHandler creates the HTTP handler over the given services. refresher and
// health may be nil; the corresponding behavior is skipped.
func NewHandler(p Admitter, c *challenge.Service, w Verifier, cc CacheControl, opts ...HandlerOption) *Handler {
	h := &Handler{
		pipeline:  p,
		challenge: c,
		webhooks:  w,
		cache:     cc,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandlerOption configures a Handler instance.
type HandlerOption func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithRefresher lets accepted content-sync events kick a refresh pass.
func WithRefresher(r Refresher) HandlerOption {
	return func(h *Handler) {
		h.refresher = r
	}
}

// WithHealthChecker adds shared-store reachability to /healthz.
func WithHealthChecker(hc HealthChecker) HandlerOption {
	return func(h *Handler) {
		h.health = hc
	}
}

// NewRouter wires all public endpoints with middleware.
func NewRouter(h *Handler, logger *slog.Logger, trustProxy bool) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientIP(trustProxy))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Timeout(90 * time.Second))

	r.Post("/v1/query", h.handleQuery)
	r.Post("/v1/challenge", h.handleChallengeIssue)
	r.Post("/v1/challenge/verify", h.handleChallengeVerify)

	r.Post("/webhooks/content-sync", h.handleContentSync)

	r.Get("/healthz", h.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
