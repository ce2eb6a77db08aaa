package spend_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"queryguard/internal/guard/config"
	"queryguard/internal/guard/spend"
	spendstore "queryguard/internal/guard/store/spend"
	"queryguard/pkg/requestcontext"

	dErrors "queryguard/pkg/domain-errors"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []spend.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert spend.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

type SpendServiceTestSuite struct {
	suite.Suite
	store    *spendstore.InMemoryStore
	notifier *recordingNotifier
	svc      *spend.Service
	cfg      config.SpendConfig
	ctx      context.Context
	now      time.Time
}

func TestSpendServiceTestSuite(t *testing.T) {
	suite.Run(t, new(SpendServiceTestSuite))
}

func (s *SpendServiceTestSuite) SetupTest() {
	s.store = spendstore.New()
	s.notifier = &recordingNotifier{}
	s.cfg = config.SpendConfig{
		ShortWindow:     10 * time.Minute,
		ShortThreshold:  5.0,
		DailyThreshold:  50.0,
		PerIdentifier:   true,
		IdentifierShare: 0.2,
	}
	s.svc = spend.New(s.store,
		spend.WithConfig(&s.cfg),
		spend.WithNotifier(s.notifier),
	)
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithNow(context.Background(), s.now)
}

func (s *SpendServiceTestSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
	s.ctx = requestcontext.WithNow(context.Background(), s.now)
}

func (s *SpendServiceTestSuite) TestAllowsUnderThreshold() {
	s.Require().NoError(s.svc.RecordSpend(s.ctx, "198.51.100.7", 0.5))

	status, err := s.svc.Check(s.ctx, "198.51.100.7")
	s.Require().NoError(err)
	s.True(status.Allowed)
}

func (s *SpendServiceTestSuite) TestRecordSpendValidation() {
	s.Run("rejects negative amounts", func() {
		err := s.svc.RecordSpend(s.ctx, "198.51.100.7", -1)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	s.Run("zero is a no-op", func() {
		s.NoError(s.svc.RecordSpend(s.ctx, "198.51.100.7", 0))
	})
}

func (s *SpendServiceTestSuite) TestShortWindowTrips() {
	// Spread across identifiers so only the global short window trips.
	for _, id := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"} {
		s.Require().NoError(s.svc.RecordSpend(s.ctx, id, 0.9))
	}

	status, err := s.svc.Check(s.ctx, "10.0.0.9")
	s.Require().NoError(err)
	s.False(status.Allowed)
	s.InDelta(5.4, status.ShortTotal, 1e-9)
	s.False(status.ResetAt.IsZero())
	s.True(status.ResetAt.After(s.now))
}

func (s *SpendServiceTestSuite) TestShortWindowResetsAtBoundary() {
	for _, id := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5", "10.0.0.6"} {
		s.Require().NoError(s.svc.RecordSpend(s.ctx, id, 0.9))
	}

	status, err := s.svc.Check(s.ctx, "10.0.0.9")
	s.Require().NoError(err)
	s.Require().False(status.Allowed)

	s.advance(s.cfg.ShortWindow)

	status, err = s.svc.Check(s.ctx, "10.0.0.9")
	s.Require().NoError(err)
	s.True(status.Allowed)
	s.Zero(status.ShortTotal)
}

func (s *SpendServiceTestSuite) TestDailyWindowTrips() {
	// Stay under the short threshold each time but accumulate past the
	// daily cap, spread over identifiers so no per-identifier share trips.
	ids := []string{"10.0.1.1", "10.0.1.2", "10.0.1.3", "10.0.1.4", "10.0.1.5", "10.0.1.6"}
	for round := 0; round < 12; round++ {
		for _, id := range ids {
			s.Require().NoError(s.svc.RecordSpend(s.ctx, id, 0.7))
		}
		s.advance(s.cfg.ShortWindow)
	}

	status, err := s.svc.Check(s.ctx, "10.0.1.9")
	s.Require().NoError(err)
	s.False(status.Allowed)
	s.GreaterOrEqual(status.DailyTotal, s.cfg.DailyThreshold)
}

func (s *SpendServiceTestSuite) TestPerIdentifierShareTrips() {
	// One identifier blows through its 20% share of the short threshold
	// (5.0 * 0.2 = 1.0) while the global total stays comfortably under.
	s.Require().NoError(s.svc.RecordSpend(s.ctx, "198.51.100.7", 1.2))

	status, err := s.svc.Check(s.ctx, "198.51.100.7")
	s.Require().NoError(err)
	s.False(status.Allowed)

	s.Run("other identifiers are unaffected", func() {
		status, err := s.svc.Check(s.ctx, "203.0.113.9")
		s.Require().NoError(err)
		s.True(status.Allowed)
	})
}

func (s *SpendServiceTestSuite) TestAlertFiresOncePerTrippedWindow() {
	s.Require().NoError(s.svc.RecordSpend(s.ctx, "198.51.100.7", 1.2))

	for i := 0; i < 5; i++ {
		status, err := s.svc.Check(s.ctx, "198.51.100.7")
		s.Require().NoError(err)
		s.Require().False(status.Allowed)
	}
	s.Equal(1, s.notifier.count())

	s.Run("next window re-arms the alert", func() {
		s.advance(s.cfg.ShortWindow)
		s.Require().NoError(s.svc.RecordSpend(s.ctx, "198.51.100.7", 1.2))

		status, err := s.svc.Check(s.ctx, "198.51.100.7")
		s.Require().NoError(err)
		s.Require().False(status.Allowed)
		s.Equal(2, s.notifier.count())
	})
}

func (s *SpendServiceTestSuite) TestConcurrentRecordSpendLosesNothing() {
	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_ = s.svc.RecordSpend(s.ctx, "198.51.100.7", 0.01)
		}()
	}
	wg.Wait()

	status, err := s.svc.Check(s.ctx, "198.51.100.7")
	s.Require().NoError(err)
	s.InDelta(0.2, status.ShortTotal, 1e-9)
}
