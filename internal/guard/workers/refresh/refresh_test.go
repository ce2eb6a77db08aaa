package refresh_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"queryguard/internal/guard/cache"
	"queryguard/internal/guard/config"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/store/answercache"
	"queryguard/internal/guard/workers/refresh"
	"queryguard/pkg/requestcontext"
)

type stubQuestionSource struct {
	questions  []string
	err        error
	enumerated chan struct{} // when set, signaled once per enumeration
}

func (s *stubQuestionSource) SuggestedQuestions(context.Context) ([]string, error) {
	if s.enumerated != nil {
		s.enumerated <- struct{}{}
	}
	return s.questions, s.err
}

type flakyGenerator struct {
	calls   int
	failFor map[string]bool
}

func (g *flakyGenerator) Generate(_ context.Context, query string, _ []string) (*cache.GenerationResult, error) {
	g.calls++
	if g.failFor[query] {
		return nil, errors.New("backend down")
	}
	return &cache.GenerationResult{
		Answer: models.Answer{Text: "warmed: " + query},
		Cost:   0.05,
	}, nil
}

type recordedSpend struct {
	total float64
}

func (r *recordedSpend) RecordSpend(_ context.Context, _ string, amount float64) error {
	r.total += amount
	return nil
}

type RefreshWorkerTestSuite struct {
	suite.Suite
	tier1  *answercache.InMemoryStore
	gen    *flakyGenerator
	svc    *cache.Service
	source *stubQuestionSource
	spend  *recordedSpend
	worker *refresh.Worker
	ctx    context.Context
	now    time.Time
}

func TestRefreshWorkerTestSuite(t *testing.T) {
	suite.Run(t, new(RefreshWorkerTestSuite))
}

func (s *RefreshWorkerTestSuite) SetupTest() {
	s.tier1 = answercache.New()
	s.gen = &flakyGenerator{failFor: make(map[string]bool)}

	cfg := config.DefaultConfig().Cache
	s.svc = cache.New(s.tier1, s.gen, cache.WithConfig(&cfg))

	s.source = &stubQuestionSource{questions: []string{"What is queryguard?", "How do I get started?"}}
	s.spend = &recordedSpend{}
	s.worker = refresh.New(s.source, s.svc, time.Hour,
		refresh.WithSpendRecorder(s.spend))

	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithNow(context.Background(), s.now)
}

func (s *RefreshWorkerTestSuite) TestWarmsAllQuestions() {
	s.worker.RunOnce(s.ctx)

	s.Equal(2, s.gen.calls)
	for _, q := range s.source.questions {
		entry, err := s.svc.Lookup(s.ctx, q, nil)
		s.Require().NoError(err)
		s.Require().NotNil(entry, "expected a warmed entry for %q", q)
		s.Equal(models.TierPrewarmed, entry.Tier)
	}
	s.InDelta(0.10, s.spend.total, 1e-9)
}

func (s *RefreshWorkerTestSuite) TestSkipsFreshEntries() {
	s.worker.RunOnce(s.ctx)
	s.Require().Equal(2, s.gen.calls)

	s.worker.RunOnce(s.ctx)
	s.Equal(2, s.gen.calls)

	s.Run("expired entries are re-warmed", func() {
		s.now = s.now.Add(25 * time.Hour)
		s.ctx = requestcontext.WithNow(context.Background(), s.now)

		s.worker.RunOnce(s.ctx)
		s.Equal(4, s.gen.calls)
	})
}

func (s *RefreshWorkerTestSuite) TestOneFailureDoesNotAbortTheBatch() {
	s.gen.failFor["what is queryguard?"] = true

	s.worker.RunOnce(s.ctx)

	entry, err := s.svc.Lookup(s.ctx, "How do I get started?", nil)
	s.Require().NoError(err)
	s.NotNil(entry)

	entry, err = s.svc.Lookup(s.ctx, "What is queryguard?", nil)
	s.Require().NoError(err)
	s.Nil(entry)
}

func (s *RefreshWorkerTestSuite) TestEnumerationFailureAbortsTheRun() {
	s.source.err = errors.New("cms down")

	s.worker.RunOnce(s.ctx)
	s.Zero(s.gen.calls)
}

func (s *RefreshWorkerTestSuite) TestRunStopsOnCancel() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		s.worker.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.Fail("worker did not stop on cancel")
	}
}

func (s *RefreshWorkerTestSuite) TestKickRunsAnExtraPassOnTheLoop() {
	s.source.enumerated = make(chan struct{}, 4)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.worker.Run(ctx)
		close(done)
	}()

	// Run starts with an immediate pass; the kicked one follows without
	// waiting out the hour-long interval.
	select {
	case <-s.source.enumerated:
	case <-time.After(2 * time.Second):
		s.FailNow("first pass never ran")
	}

	s.worker.Kick()
	select {
	case <-s.source.enumerated:
	case <-time.After(2 * time.Second):
		s.FailNow("kicked pass never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.FailNow("worker did not stop on cancel")
	}
}

func (s *RefreshWorkerTestSuite) TestSyncsSuggestedQuestionSet() {
	s.worker.RunOnce(s.ctx)

	// A miss on a question the CMS suggests is promoted to tier 1 even
	// when first asked by a user. Clear the warmed entry to force a miss.
	s.Require().NoError(s.svc.Invalidate(s.ctx, []string{"What is queryguard?"}))

	_, err := s.svc.Generate(s.ctx, "what is queryguard?", nil)
	s.Require().NoError(err)

	entry, err := s.svc.Lookup(s.ctx, "What is queryguard?", nil)
	s.Require().NoError(err)
	s.Require().NotNil(entry)
	s.Equal(models.TierPrewarmed, entry.Tier)
}
