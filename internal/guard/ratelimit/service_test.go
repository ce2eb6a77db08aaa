package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"queryguard/internal/guard/config"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/store/window"
	dErrors "queryguard/pkg/domain-errors"
	"queryguard/pkg/testutil"
)

type RateLimitServiceSuite struct {
	suite.Suite
	store   *window.InMemoryStore
	service *Service
}

func TestRateLimitServiceSuite(t *testing.T) {
	suite.Run(t, new(RateLimitServiceSuite))
}

func (s *RateLimitServiceSuite) SetupTest() {
	s.store = window.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.RateLimitConfig{
		PerIdentifierLimit: 5,
		Window:             time.Minute,
		GlobalLimit:        100,
		GlobalWindow:       time.Minute,
	}

	var err error
	s.service, err = New(s.store,
		WithLogger(logger),
		WithConfig(cfg),
		WithRelaxedMultiplier(3),
	)
	s.Require().NoError(err)
}

func (s *RateLimitServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil)
		s.Error(err)
		s.Contains(err.Error(), "window store is required")
	})

	s.Run("valid store returns configured service", func() {
		svc, err := New(s.store)
		s.NoError(err)
		s.NotNil(svc)
	})
}

func (s *RateLimitServiceSuite) TestAdmit() {
	ctx := context.Background()

	s.Run("admits up to the limit then rejects with retry-after", func() {
		for i := 0; i < 5; i++ {
			res, err := s.service.Admit(ctx, "203.0.113.1", false)
			s.Require().NoError(err)
			s.True(res.Allowed, "request %d", i+1)
		}

		res, err := s.service.Admit(ctx, "203.0.113.1", false)
		s.Require().NoError(err)
		s.False(res.Allowed)
		s.Greater(res.RetryAfter, 0)
	})

	s.Run("identifiers do not share windows", func() {
		res, err := s.service.Admit(ctx, "203.0.113.2", false)
		s.Require().NoError(err)
		s.True(res.Allowed)
	})
}

func (s *RateLimitServiceSuite) TestVerifiedCallersGetRelaxedLimit() {
	ctx := context.Background()

	// 5 * multiplier 3 = 15 admitted requests.
	for i := 0; i < 15; i++ {
		res, err := s.service.Admit(ctx, "203.0.113.3", true)
		s.Require().NoError(err)
		s.True(res.Allowed, "request %d", i+1)
	}
	res, err := s.service.Admit(ctx, "203.0.113.3", true)
	s.Require().NoError(err)
	s.False(res.Allowed)
}

func (s *RateLimitServiceSuite) TestGlobalLimitCapsAggregateTraffic() {
	ctx := context.Background()

	cfg := &config.RateLimitConfig{
		PerIdentifierLimit: 100,
		Window:             time.Minute,
		GlobalLimit:        3,
		GlobalWindow:       time.Minute,
	}
	svc, err := New(s.store, WithConfig(cfg))
	s.Require().NoError(err)

	for i := 0; i < 3; i++ {
		res, err := svc.Admit(ctx, "id-a", false)
		s.Require().NoError(err)
		s.True(res.Allowed, "request %d", i+1)
	}

	// A different identifier is still rejected once the aggregate is spent.
	res, err := svc.Admit(ctx, "id-b", false)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Greater(res.RetryAfter, 0)
}

func (s *RateLimitServiceSuite) TestConcurrentAdmitsStayWithinLimit() {
	ctx := context.Background()

	result := testutil.RunConcurrent(50, func(int) error {
		res, err := s.service.Admit(ctx, "198.51.100.9", false)
		if err != nil {
			return err
		}
		if !res.Allowed {
			return dErrors.New(dErrors.CodeRateLimited, "limit exceeded")
		}
		return nil
	})

	s.Equal(int32(5), result.Allowed)
	s.Equal(int32(45), result.RateLimited)
	s.Zero(result.Unavailable)
	s.Zero(result.Errors)
}

type failingWindowStore struct{}

func (failingWindowStore) Allow(context.Context, string, int, time.Duration) (*models.RateLimitResult, error) {
	return nil, errors.New("store unreachable")
}

func (s *RateLimitServiceSuite) TestStoreFailureIsUnavailable() {
	svc, err := New(failingWindowStore{})
	s.Require().NoError(err)

	_, err = svc.Admit(context.Background(), "203.0.113.4", false)
	s.Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}
