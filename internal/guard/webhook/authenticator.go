// Package webhook authenticates inbound content-sync deliveries from the CMS
// before they are allowed to touch the tier-1 cache.
//
// A delivery passes four checks in order: an optional source-IP allowlist as
// a cheap early rejection, a constant-time HMAC-SHA256 signature over the raw
// body, a bounded timestamp age, and nonce replay protection. Every failure
// looks the same from outside so a caller probing the endpoint learns nothing
// about which check tripped; the specific reason goes to the audit log only.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"queryguard/internal/guard/config"
	"queryguard/internal/guard/metrics"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/observability"
	dErrors "queryguard/pkg/domain-errors"
	"queryguard/pkg/requestcontext"
)

// Header names the CMS sets on every delivery.
const (
	HeaderSignature = "X-Guard-Signature"
	HeaderTimestamp = "X-Guard-Timestamp"
	HeaderNonce     = "X-Guard-Nonce"
)

// NonceStore records seen nonces with self-expiry.
type NonceStore interface {
	SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Delivery carries the authentication material extracted from one inbound
// webhook request.
type Delivery struct {
	Body      []byte
	Signature string // hex HMAC-SHA256 of Body
	Timestamp string // unix seconds, as declared by the sender
	Nonce     string
	SourceIP  string
}

// Authenticator verifies webhook deliveries.
type Authenticator struct {
	secret    []byte
	nonces    NonceStore
	allowlist []netip.Prefix
	logger    *slog.Logger
	config    *config.WebhookConfig
	metrics   *metrics.Metrics
}

// Option configures an Authenticator instance.
type Option func(*Authenticator)

// WithLogger sets the structured logger for audit and debug logging.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithConfig overrides the default webhook configuration.
func WithConfig(cfg *config.WebhookConfig) Option {
	return func(a *Authenticator) {
		a.config = cfg
	}
}

// WithMetrics sets the metrics recorder for observability.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authenticator) {
		a.metrics = m
	}
}

// WithAllowlist restricts deliveries to the given source CIDRs. An empty
// allowlist admits any source, leaving the signature as the gate.
func WithAllowlist(prefixes []netip.Prefix) Option {
	return func(a *Authenticator) {
		a.allowlist = prefixes
	}
}

// New creates an authenticator using the pre-shared secret.
func New(secret string, nonces NonceStore, opts ...Option) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if nonces == nil {
		return nil, errors.New("nonce store is required")
	}

	defaultCfg := config.DefaultConfig().Webhook
	auth := &Authenticator{
		secret: []byte(secret),
		nonces: nonces,
		config: &defaultCfg,
	}

	for _, opt := range opts {
		opt(auth)
	}
	return auth, nil
}

// errRejected is the single error every failing check maps to externally.
var errRejected = dErrors.New(dErrors.CodeWebhookRejected, "webhook delivery rejected")

// Verify authenticates one delivery. On success the nonce is recorded so a
// replay of the same delivery fails. The returned error never reveals which
// check failed.
func (a *Authenticator) Verify(ctx context.Context, d *Delivery) error {
	if reason := a.check(ctx, d); reason != "" {
		if a.metrics != nil {
			a.metrics.RecordWebhookDelivery("rejected")
		}
		observability.LogAudit(ctx, a.logger, "webhook_rejected",
			"reason", reason,
		)
		return errRejected
	}

	if a.metrics != nil {
		a.metrics.RecordWebhookDelivery("accepted")
	}
	return nil
}

// check runs the verification chain and returns the internal rejection
// reason, empty on success.
func (a *Authenticator) check(ctx context.Context, d *Delivery) string {
	if len(a.allowlist) > 0 {
		addr, err := netip.ParseAddr(d.SourceIP)
		if err != nil {
			return "unparseable_source_ip"
		}
		if !a.allowed(addr) {
			return "source_ip_not_allowlisted"
		}
	}

	if !a.validSignature(d.Body, d.Signature) {
		return "signature_mismatch"
	}

	ts, err := strconv.ParseInt(d.Timestamp, 10, 64)
	if err != nil {
		return "unparseable_timestamp"
	}
	now := requestcontext.Now(ctx)
	age := now.Sub(time.Unix(ts, 0))
	if age < -a.config.MaxAge || age > a.config.MaxAge {
		return "stale_timestamp"
	}

	if d.Nonce == "" {
		return "missing_nonce"
	}
	created, err := a.nonces.SetOnce(ctx, models.NonceKey(d.Nonce).String(), a.config.MaxAge)
	if err != nil {
		// Reject-safe: with the replay record unreachable a replay
		// cannot be ruled out.
		return "nonce_store_unavailable"
	}
	if !created {
		return "nonce_replayed"
	}
	return ""
}

func (a *Authenticator) validSignature(body []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

func (a *Authenticator) allowed(addr netip.Addr) bool {
	for _, prefix := range a.allowlist {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Sign computes the hex signature for a body. Exported for tests and for the
// CMS simulator in local development.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
