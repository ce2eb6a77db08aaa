package ban

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"queryguard/internal/guard/config"
	banstore "queryguard/internal/guard/store/ban"
	"queryguard/pkg/requestcontext"
)

type BanServiceSuite struct {
	suite.Suite
	store   *banstore.InMemoryStore
	service *Service
	base    time.Time
}

func TestBanServiceSuite(t *testing.T) {
	suite.Run(t, new(BanServiceSuite))
}

func (s *BanServiceSuite) SetupTest() {
	s.store = banstore.New()
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.BanConfig{
		BackoffBase:            time.Minute,
		BackoffCap:             time.Hour,
		MaxLevel:               5,
		Cooldown:               10 * time.Minute,
		DecayPeriod:            24 * time.Hour,
		CountEveryRejection:    true,
		VerifiedBackoffDivisor: 4,
	}

	var err error
	s.service, err = New(s.store, WithLogger(logger), WithConfig(cfg))
	s.Require().NoError(err)
}

func (s *BanServiceSuite) at(t time.Time) context.Context {
	return requestcontext.WithNow(context.Background(), t)
}

func (s *BanServiceSuite) TestNew() {
	_, err := New(nil)
	s.Error(err)
	s.Contains(err.Error(), "ban store is required")
}

func (s *BanServiceSuite) TestCleanIdentifierIsNotBanned() {
	res, err := s.service.Check(s.at(s.base), "203.0.113.9")
	s.Require().NoError(err)
	s.False(res.Banned)
	s.Zero(res.Level)
}

func (s *BanServiceSuite) TestLevelClimbsPerViolationWithinCooldown() {
	ctx := s.at(s.base)

	for want := 1; want <= 3; want++ {
		level, err := s.service.RecordViolation(ctx, "203.0.113.9", false)
		s.Require().NoError(err)
		s.Equal(want, level)
	}

	res, err := s.service.Check(ctx, "203.0.113.9")
	s.Require().NoError(err)
	s.True(res.Banned)
	s.Equal(3, res.Level)
	// Level-3 backoff, not level-1.
	s.Equal(s.base.Add(4*time.Minute), res.Until)
}

func (s *BanServiceSuite) TestBannedIdentifierRejectedUntilExpiry() {
	ctx := s.at(s.base)
	_, err := s.service.RecordViolation(ctx, "203.0.113.9", false)
	s.Require().NoError(err)

	during := s.at(s.base.Add(30 * time.Second))
	res, err := s.service.Check(during, "203.0.113.9")
	s.Require().NoError(err)
	s.True(res.Banned)

	after := s.at(s.base.Add(2 * time.Minute))
	res, err = s.service.Check(after, "203.0.113.9")
	s.Require().NoError(err)
	s.False(res.Banned)
	s.Equal(1, res.Level, "level persists past ban expiry until decay")
}

func (s *BanServiceSuite) TestVerifiedIdentifierServesShorterBans() {
	ctx := s.at(s.base)

	_, err := s.service.RecordViolation(ctx, "203.0.113.9", false)
	s.Require().NoError(err)
	_, err = s.service.RecordViolation(ctx, "198.51.100.7", true)
	s.Require().NoError(err)

	anon, err := s.service.Check(ctx, "203.0.113.9")
	s.Require().NoError(err)
	verified, err := s.service.Check(ctx, "198.51.100.7")
	s.Require().NoError(err)

	s.True(anon.Banned)
	s.True(verified.Banned)
	s.Equal(s.base.Add(time.Minute), anon.Until)
	// Same level, a quarter of the penalty.
	s.Equal(s.base.Add(15*time.Second), verified.Until)
}

func (s *BanServiceSuite) TestLevelCapsAtMaximum() {
	ctx := s.at(s.base)
	var level int
	var err error
	for n := 0; n < 10; n++ {
		level, err = s.service.RecordViolation(ctx, "203.0.113.9", false)
		s.Require().NoError(err)
	}
	s.Equal(5, level)
}

func (s *BanServiceSuite) TestDecayAfterCleanPeriod() {
	ctx := s.at(s.base)
	for n := 0; n < 3; n++ {
		_, err := s.service.RecordViolation(ctx, "203.0.113.9", false)
		s.Require().NoError(err)
	}

	// One full clean period: level drops by exactly one.
	oneLater := s.at(s.base.Add(24 * time.Hour))
	res, err := s.service.Check(oneLater, "203.0.113.9")
	s.Require().NoError(err)
	s.False(res.Banned)
	s.Equal(2, res.Level)

	// Enough clean periods: record disappears, level never goes negative.
	muchLater := s.at(s.base.Add(10 * 24 * time.Hour))
	res, err = s.service.Check(muchLater, "203.0.113.9")
	s.Require().NoError(err)
	s.False(res.Banned)
	s.Zero(res.Level)
}

func (s *BanServiceSuite) TestFirstRejectionPerCooldownPolicy() {
	cfg := &config.BanConfig{
		BackoffBase:         time.Minute,
		BackoffCap:          time.Hour,
		MaxLevel:            5,
		Cooldown:            10 * time.Minute,
		DecayPeriod:         24 * time.Hour,
		CountEveryRejection: false,
	}
	svc, err := New(banstore.New(), WithConfig(cfg))
	s.Require().NoError(err)
	// Reuse a fresh store so this policy run is isolated.
	ctx := s.at(s.base)

	level, err := svc.RecordViolation(ctx, "203.0.113.9", false)
	s.Require().NoError(err)
	s.Equal(1, level)

	// Further rejections inside the cooldown do not escalate.
	level, err = svc.RecordViolation(s.at(s.base.Add(time.Minute)), "203.0.113.9", false)
	s.Require().NoError(err)
	s.Equal(1, level)

	// Past the cooldown the next rejection escalates again.
	level, err = svc.RecordViolation(s.at(s.base.Add(11*time.Minute)), "203.0.113.9", false)
	s.Require().NoError(err)
	s.Equal(2, level)
}

func (s *BanServiceSuite) TestBackoffGrowsSuperLinearlyWithCap() {
	s.Equal(time.Minute, s.service.Backoff(1))
	s.Equal(2*time.Minute, s.service.Backoff(2))
	s.Equal(4*time.Minute, s.service.Backoff(3))
	s.Equal(time.Hour, s.service.Backoff(20), "capped")
	s.Equal(time.Duration(0), s.service.Backoff(0))
}

func (s *BanServiceSuite) TestClear() {
	ctx := s.at(s.base)
	_, err := s.service.RecordViolation(ctx, "203.0.113.9", false)
	s.Require().NoError(err)

	s.Require().NoError(s.service.Clear(ctx, "203.0.113.9"))

	res, err := s.service.Check(ctx, "203.0.113.9")
	s.Require().NoError(err)
	s.False(res.Banned)
	s.Zero(res.Level)
}
