package cache_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/suite"

	"queryguard/internal/guard/cache"
	"queryguard/internal/guard/config"
	"queryguard/internal/guard/models"
	"queryguard/internal/guard/store/answercache"
	"queryguard/pkg/requestcontext"

	dErrors "queryguard/pkg/domain-errors"
)

type stubGenerator struct {
	mu      sync.Mutex
	calls   int32
	fail    bool
	block   chan struct{} // when set, Generate waits on it
	answers map[string]string
}

func (g *stubGenerator) Generate(_ context.Context, query string, turns []string) (*cache.GenerationResult, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.block != nil {
		<-g.block
	}
	if g.fail {
		return nil, errors.New("generation backend down")
	}

	g.mu.Lock()
	text, ok := g.answers[query]
	g.mu.Unlock()
	if !ok {
		text = "generated: " + query
		if len(turns) > 0 {
			text += " (with context)"
		}
	}
	return &cache.GenerationResult{
		Answer: models.Answer{Text: text},
		Cost:   0.05,
	}, nil
}

func (g *stubGenerator) callCount() int {
	return int(atomic.LoadInt32(&g.calls))
}

type CacheServiceTestSuite struct {
	suite.Suite
	tier1 *answercache.InMemoryStore
	gen   *stubGenerator
	svc   *cache.Service
	cfg   config.CacheConfig
	ctx   context.Context
	now   time.Time
}

func TestCacheServiceTestSuite(t *testing.T) {
	suite.Run(t, new(CacheServiceTestSuite))
}

func (s *CacheServiceTestSuite) SetupTest() {
	s.tier1 = answercache.New()
	s.gen = &stubGenerator{answers: make(map[string]string)}
	s.cfg = config.CacheConfig{
		PrewarmedTTL: 24 * time.Hour,
		OnDemandTTL:  time.Hour,
		ContextTurns: 2,
	}
	s.svc = cache.New(s.tier1, s.gen, cache.WithConfig(&s.cfg))
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithNow(context.Background(), s.now)
}

func (s *CacheServiceTestSuite) advance(d time.Duration) {
	s.now = s.now.Add(d)
	s.ctx = requestcontext.WithNow(context.Background(), s.now)
}

// served captures one query's outcome through the cache, consumed the way
// the admission flow consumes it: a single lookup, then generation on a miss.
type served struct {
	text      string
	fromCache bool
	tier      models.CacheTier
	cost      float64
}

func (s *CacheServiceTestSuite) serve(svc *cache.Service, query string, turns []string) (*served, error) {
	entry, err := svc.Lookup(s.ctx, query, turns)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return &served{text: entry.Answer.Text, fromCache: true, tier: entry.Tier}, nil
	}
	result, err := svc.Generate(s.ctx, query, turns)
	if err != nil {
		return nil, err
	}
	return &served{text: result.Answer.Text, cost: result.Cost}, nil
}

func (s *CacheServiceTestSuite) TestMissGeneratesAndCachesTier2() {
	result, err := s.serve(s.svc, "what is queryguard?", nil)
	s.Require().NoError(err)
	s.False(result.fromCache)
	s.Equal(0.05, result.cost)
	s.Equal(1, s.gen.callCount())

	s.Run("repeat hits tier 2", func() {
		result, err := s.serve(s.svc, "what is queryguard?", nil)
		s.Require().NoError(err)
		s.True(result.fromCache)
		s.Equal(models.TierOnDemand, result.tier)
		s.Zero(result.cost)
		s.Equal(1, s.gen.callCount())
	})

	s.Run("normalization folds case and spacing", func() {
		result, err := s.serve(s.svc, "  What   IS queryguard? ", nil)
		s.Require().NoError(err)
		s.True(result.fromCache)
		s.Equal(1, s.gen.callCount())
	})
}

func (s *CacheServiceTestSuite) TestSuggestedQuestionPromotesToTier1() {
	s.svc.UpdateSuggestedQuestions([]string{"What is queryguard?"})

	result, err := s.serve(s.svc, "what is queryguard?", nil)
	s.Require().NoError(err)
	s.False(result.fromCache)

	// A fresh service over the same tier-1 store simulates a restarted
	// process: the tier-2 copy is gone but the promoted entry survives.
	restarted := cache.New(s.tier1, s.gen, cache.WithConfig(&s.cfg))
	result, err = s.serve(restarted, "what is queryguard?", nil)
	s.Require().NoError(err)
	s.True(result.fromCache)
	s.Equal(models.TierPrewarmed, result.tier)
	s.Equal(1, s.gen.callCount())
}

func (s *CacheServiceTestSuite) TestUnsuggestedQueryStaysInTier2() {
	result, err := s.serve(s.svc, "something obscure", nil)
	s.Require().NoError(err)
	s.False(result.fromCache)

	restarted := cache.New(s.tier1, s.gen, cache.WithConfig(&s.cfg))
	result, err = s.serve(restarted, "something obscure", nil)
	s.Require().NoError(err)
	s.False(result.fromCache)
	s.Equal(2, s.gen.callCount())
}

func (s *CacheServiceTestSuite) TestContextSkipsTier1() {
	s.svc.UpdateSuggestedQuestions([]string{"what is queryguard?"})
	_, err := s.serve(s.svc, "what is queryguard?", nil)
	s.Require().NoError(err)

	// Same question with context must not serve the context-free
	// tier-1 answer, and must not promote its result into tier 1.
	result, err := s.serve(s.svc, "what is queryguard?", []string{"tell me about pricing"})
	s.Require().NoError(err)
	s.False(result.fromCache)
	s.Contains(result.text, "with context")
}

func (s *CacheServiceTestSuite) TestContextTurnsAreBounded() {
	turns := []string{"turn one", "turn two", "turn three"}
	_, err := s.serve(s.svc, "follow-up?", turns)
	s.Require().NoError(err)

	// Only the trailing ContextTurns feed the key, so dropping the
	// oldest turn lands on the same entry.
	result, err := s.serve(s.svc, "follow-up?", turns[1:])
	s.Require().NoError(err)
	s.True(result.fromCache)
	s.Equal(1, s.gen.callCount())
}

func (s *CacheServiceTestSuite) TestTier2EntryExpires() {
	_, err := s.serve(s.svc, "short lived", nil)
	s.Require().NoError(err)

	s.advance(2 * time.Hour)

	result, err := s.serve(s.svc, "short lived", nil)
	s.Require().NoError(err)
	s.False(result.fromCache)
	s.Equal(2, s.gen.callCount())
}

func (s *CacheServiceTestSuite) TestConcurrentMissesShareOneGeneration() {
	s.gen.block = make(chan struct{})

	const callers = 8
	results := make([]*cache.Result, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.svc.Generate(s.ctx, "thundering herd", nil)
		}(i)
	}

	// Let the goroutines pile onto the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(s.gen.block)
	wg.Wait()

	s.Equal(1, s.gen.callCount())
	var charged int
	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Equal("generated: thundering herd", results[i].Answer.Text)
		if results[i].Cost > 0 {
			charged++
		}
	}
	// Exactly one caller carries the spend for the shared generation.
	s.Equal(1, charged)
}

func (s *CacheServiceTestSuite) TestGenerationFailureSurfacesUnavailable() {
	s.gen.fail = true
	_, err := s.svc.Generate(s.ctx, "doomed", nil)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

// countingTier1 counts reads against the shared store.
type countingTier1 struct {
	*answercache.InMemoryStore
	gets atomic.Int32
}

func (c *countingTier1) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	c.gets.Add(1)
	return c.InMemoryStore.Get(ctx, key)
}

func (s *CacheServiceTestSuite) TestGenerateDoesNotReadTiers() {
	tier1 := &countingTier1{InMemoryStore: answercache.New()}
	svc := cache.New(tier1, s.gen, cache.WithConfig(&s.cfg))

	entry, err := svc.Lookup(s.ctx, "fresh question", nil)
	s.Require().NoError(err)
	s.Nil(entry)

	// A miss costs exactly one shared-store read; generation adds none.
	_, err = svc.Generate(s.ctx, "fresh question", nil)
	s.Require().NoError(err)
	s.Equal(int32(1), tier1.gets.Load())
}

func (s *CacheServiceTestSuite) TestEnsureWarm() {
	warmed, cost, err := s.svc.EnsureWarm(s.ctx, "What is queryguard?")
	s.Require().NoError(err)
	s.True(warmed)
	s.Equal(0.05, cost)

	s.Run("fresh entry is skipped", func() {
		warmed, cost, err := s.svc.EnsureWarm(s.ctx, "what is   queryguard?")
		s.Require().NoError(err)
		s.False(warmed)
		s.Zero(cost)
		s.Equal(1, s.gen.callCount())
	})

	s.Run("expired entry is regenerated", func() {
		s.advance(25 * time.Hour)
		warmed, _, err := s.svc.EnsureWarm(s.ctx, "what is queryguard?")
		s.Require().NoError(err)
		s.True(warmed)
	})
}

func (s *CacheServiceTestSuite) TestInvalidate() {
	_, _, err := s.svc.EnsureWarm(s.ctx, "what is queryguard?")
	s.Require().NoError(err)

	s.Require().NoError(s.svc.Invalidate(s.ctx, []string{"What Is Queryguard?"}))

	entry, err := s.svc.Lookup(s.ctx, "what is queryguard?", nil)
	s.Require().NoError(err)
	s.Nil(entry)
}

func TestChunks(t *testing.T) {
	t.Run("splits into bounded chunks", func(t *testing.T) {
		chunks := cache.Chunks(strings.Repeat("a", 50), 24)
		if len(chunks) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(chunks))
		}
		if got := strings.Join(chunks, ""); got != strings.Repeat("a", 50) {
			t.Fatalf("chunks do not reassemble the input")
		}
	})

	t.Run("never splits a rune", func(t *testing.T) {
		text := strings.Repeat("é", 30)
		chunks := cache.Chunks(text, 7)
		for _, c := range chunks {
			if !utf8.ValidString(c) {
				t.Fatalf("chunk %q is not valid UTF-8", c)
			}
		}
		if got := strings.Join(chunks, ""); got != text {
			t.Fatalf("chunks do not reassemble multi-byte input")
		}
	})

	t.Run("empty text yields no chunks", func(t *testing.T) {
		if got := cache.Chunks("", 24); got != nil {
			t.Fatalf("expected nil, got %v", got)
		}
	})
}
