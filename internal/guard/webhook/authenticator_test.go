package webhook_test

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"queryguard/internal/guard/config"
	noncestore "queryguard/internal/guard/store/nonce"
	"queryguard/internal/guard/webhook"
	"queryguard/pkg/requestcontext"

	dErrors "queryguard/pkg/domain-errors"
)

const testSecret = "webhook-test-secret"

type WebhookAuthenticatorTestSuite struct {
	suite.Suite
	auth *webhook.Authenticator
	ctx  context.Context
	now  time.Time
}

func TestWebhookAuthenticatorTestSuite(t *testing.T) {
	suite.Run(t, new(WebhookAuthenticatorTestSuite))
}

func (s *WebhookAuthenticatorTestSuite) SetupTest() {
	auth, err := webhook.New(testSecret, noncestore.New())
	s.Require().NoError(err)
	s.auth = auth

	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithNow(context.Background(), s.now)
}

func (s *WebhookAuthenticatorTestSuite) delivery(body []byte, nonce string) *webhook.Delivery {
	return &webhook.Delivery{
		Body:      body,
		Signature: webhook.Sign(testSecret, body),
		Timestamp: fmt.Sprintf("%d", s.now.Unix()),
		Nonce:     nonce,
		SourceIP:  "192.0.2.10",
	}
}

func (s *WebhookAuthenticatorTestSuite) TestAcceptsValidDelivery() {
	d := s.delivery([]byte(`{"created":["a"]}`), "nonce-1")
	s.NoError(s.auth.Verify(s.ctx, d))
}

func (s *WebhookAuthenticatorTestSuite) TestRejectsTamperedBody() {
	d := s.delivery([]byte(`{"created":["a"]}`), "nonce-1")
	d.Body = []byte(`{"deleted":["a"]}`)

	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestRejectsBadSignature() {
	d := s.delivery([]byte(`{}`), "nonce-1")
	d.Signature = "not-even-hex"

	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestRejectsWrongSecret() {
	body := []byte(`{}`)
	d := s.delivery(body, "nonce-1")
	d.Signature = webhook.Sign("a-different-secret", body)

	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestRejectsStaleTimestamp() {
	d := s.delivery([]byte(`{}`), "nonce-1")
	d.Timestamp = fmt.Sprintf("%d", s.now.Add(-6*time.Minute).Unix())

	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestRejectsFutureTimestamp() {
	d := s.delivery([]byte(`{}`), "nonce-1")
	d.Timestamp = fmt.Sprintf("%d", s.now.Add(6*time.Minute).Unix())

	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestRejectsReplay() {
	d := s.delivery([]byte(`{}`), "nonce-1")
	s.Require().NoError(s.auth.Verify(s.ctx, d))

	// Same delivery again, signature and timestamp still valid.
	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestNonceExpiresWithFreshnessWindow() {
	d := s.delivery([]byte(`{}`), "nonce-1")
	s.Require().NoError(s.auth.Verify(s.ctx, d))

	// After the max-age window the nonce record is gone, but so is the
	// timestamp's freshness, so the old delivery stays dead.
	s.now = s.now.Add(10 * time.Minute)
	s.ctx = requestcontext.WithNow(context.Background(), s.now)

	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestRejectsMissingNonce() {
	d := s.delivery([]byte(`{}`), "")
	err := s.auth.Verify(s.ctx, d)
	s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
}

func (s *WebhookAuthenticatorTestSuite) TestAllowlist() {
	auth, err := webhook.New(testSecret, noncestore.New(),
		webhook.WithAllowlist([]netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}))
	s.Require().NoError(err)

	s.Run("allowlisted source passes", func() {
		d := s.delivery([]byte(`{}`), "nonce-1")
		s.NoError(auth.Verify(s.ctx, d))
	})

	s.Run("other source is rejected", func() {
		d := s.delivery([]byte(`{}`), "nonce-2")
		d.SourceIP = "203.0.113.5"
		err := auth.Verify(s.ctx, d)
		s.True(dErrors.HasCode(err, dErrors.CodeWebhookRejected))
	})
}

func (s *WebhookAuthenticatorTestSuite) TestRejectionIsUniform() {
	bad := []*webhook.Delivery{}

	d := s.delivery([]byte(`{}`), "nonce-sig")
	d.Signature = webhook.Sign("wrong", d.Body)
	bad = append(bad, d)

	d = s.delivery([]byte(`{}`), "nonce-ts")
	d.Timestamp = "garbage"
	bad = append(bad, d)

	d = s.delivery([]byte(`{}`), "")
	bad = append(bad, d)

	for _, d := range bad {
		err := s.auth.Verify(s.ctx, d)
		s.Require().Error(err)
		// Every failure mode yields the identical external error.
		s.EqualError(err, "webhook delivery rejected")
	}
}

func (s *WebhookAuthenticatorTestSuite) TestNewValidation() {
	cfg := config.DefaultConfig().Webhook

	_, err := webhook.New("", noncestore.New(), webhook.WithConfig(&cfg))
	s.Error(err)

	_, err = webhook.New(testSecret, nil)
	s.Error(err)
}
