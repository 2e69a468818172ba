package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-mohitbeniwal/echo/authz/audit"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/cache"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/classifier"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/policy"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingEvaluator allows everything unless fn says otherwise and counts calls.
type countingEvaluator struct {
	calls   atomic.Int64
	version string
	fn      func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error)
}

func (e *countingEvaluator) Evaluate(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
	e.calls.Add(1)
	if e.fn != nil {
		return e.fn(ctx, in)
	}
	return policy.Verdict{Allow: true, MatchedRules: []string{"allow-all"}}, nil
}

func (e *countingEvaluator) RulesetVersion() string { return e.version }

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Emit(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fixture struct {
	orch  *Orchestrator
	cache *cache.TieredCache
	eval  *countingEvaluator
	clock *fakeClock
	sink  *recordingSink
}

func newFixture(t *testing.T, eval *countingEvaluator, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	if eval.version == "" {
		eval.version = "v1"
	}

	cacheOpts := cache.DefaultOptions()
	cacheOpts.Now = clock.Now
	tiered, err := cache.NewTieredCache(cache.NewMemoryStore(), cacheOpts)
	require.NoError(t, err)

	cls, err := classifier.New(classifier.DefaultConfig())
	require.NoError(t, err)

	sink := &recordingSink{}
	adapter := policy.NewAdapter(eval, time.Second, policy.WithAdapterClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now), WithAuditSink(sink)}, opts...)
	return &fixture{
		orch:  NewOrchestrator(cls, tiered, adapter, opts...),
		cache: tiered,
		eval:  eval,
		clock: clock,
		sink:  sink,
	}
}

func request(principal, resource string, teams ...string) model.AuthorizationRequest {
	return model.NewAuthorizationRequest(
		model.Principal{ID: principal, Roles: []string{"developer"}, TeamIDs: teams},
		model.Resource{ID: resource, OwnerTeam: "platform", Sensitivity: model.SensitivityLow},
		"tool:invoke",
		map[string]string{"query": "list open tickets"},
		model.RequestContext{Timestamp: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), Environment: "prod"},
	)
}

func TestAuthorizeMissThenHit(t *testing.T) {
	f := newFixture(t, &countingEvaluator{})
	req := request("alice", "search", "platform")

	first := f.orch.Authorize(context.Background(), req)
	assert.True(t, first.Allow)
	assert.Equal(t, model.SourceCacheMiss, first.Source)

	second := f.orch.Authorize(context.Background(), req)
	assert.True(t, second.Allow)
	assert.Equal(t, model.SourceCacheHit, second.Source)
	assert.Equal(t, first.MatchedRules, second.MatchedRules)

	assert.Equal(t, int64(1), f.eval.calls.Load())
	assert.Equal(t, 2, f.sink.len())

	snaps := f.orch.Latency().Snapshots()
	assert.Equal(t, uint64(2), snaps[MetricAuthorize].Count)
	assert.Equal(t, uint64(1), snaps[MetricAuthorizeCacheHit].Count)
	assert.Equal(t, uint64(1), snaps[MetricPolicyEval].Count)
}

func TestAuthorizeFailsClosedAndDoesNotCache(t *testing.T) {
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		return policy.Verdict{}, errors.New("connection refused")
	}})
	req := request("alice", "search")

	for i := 0; i < 2; i++ {
		d := f.orch.Authorize(context.Background(), req)
		assert.False(t, d.Allow)
		assert.Equal(t, model.SourceFallback, d.Source)
		assert.Equal(t, policy.UnavailableReason, d.Reason)
	}
	assert.Equal(t, int64(2), f.eval.calls.Load())
	assert.Equal(t, 0, f.cache.Len())
}

func TestAuthorizeTimeoutDenies(t *testing.T) {
	eval := &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		<-ctx.Done()
		return policy.Verdict{Allow: true}, nil
	}}
	f := newFixture(t, eval)
	f.orch.policy = policy.NewAdapter(eval, 10*time.Millisecond)

	d := f.orch.Authorize(context.Background(), request("alice", "search"))
	assert.False(t, d.Allow)
	assert.Equal(t, model.SourceFallback, d.Source)
	assert.Equal(t, 0, f.cache.Len())
}

func TestAuthorizeRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, &countingEvaluator{})

	d := f.orch.Authorize(context.Background(), request("", "search"))
	assert.False(t, d.Allow)
	assert.Equal(t, model.SourceFallback, d.Source)
	assert.Contains(t, d.Reason, "principal id is required")
	assert.Equal(t, int64(0), f.eval.calls.Load())
	assert.Equal(t, 0, f.cache.Len())
}

func TestAuthorizeDeterministicKeys(t *testing.T) {
	f := newFixture(t, &countingEvaluator{})
	req := request("alice", "search")

	p1 := f.orch.prepare(context.Background(), req, true)
	p2 := f.orch.prepare(context.Background(), req, true)
	assert.Equal(t, p1.key, p2.key)
	assert.Equal(t, "v1", p1.version)
}

func TestAuthorizeAfterTeamInvalidation(t *testing.T) {
	allow := atomic.Bool{}
	allow.Store(true)
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		return policy.Verdict{Allow: allow.Load()}, nil
	}})
	alice := request("alice", "search", "platform")
	bob := request("bob", "search", "platform")
	carol := request("carol", "search", "data")

	for _, r := range []model.AuthorizationRequest{alice, bob, carol} {
		assert.True(t, f.orch.Authorize(context.Background(), r).Allow)
	}

	allow.Store(false)
	f.clock.Advance(time.Second)
	assert.Equal(t, 4, f.cache.Invalidate(context.Background(), model.TeamScope("platform")))
	f.clock.Advance(time.Second)

	for _, r := range []model.AuthorizationRequest{alice, bob} {
		d := f.orch.Authorize(context.Background(), r)
		assert.NotEqual(t, model.SourceCacheHit, d.Source)
		assert.False(t, d.Allow)
	}
	// other teams keep their entries
	d := f.orch.Authorize(context.Background(), carol)
	assert.Equal(t, model.SourceCacheHit, d.Source)
	assert.True(t, d.Allow)
	assert.Equal(t, int64(5), f.eval.calls.Load())
}

func TestAuthorizeHonoursTeamJoinedAfterInsertion(t *testing.T) {
	allow := atomic.Bool{}
	allow.Store(true)
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		return policy.Verdict{Allow: allow.Load()}, nil
	}})

	d := f.orch.Authorize(context.Background(), request("alice", "search", "data"))
	require.True(t, d.Allow)

	allow.Store(false)
	f.clock.Advance(time.Second)
	f.cache.Invalidate(context.Background(), model.TeamScope("platform"))
	f.clock.Advance(time.Second)

	joined := request("alice", "search", "data", "platform")
	d = f.orch.Authorize(context.Background(), joined)
	assert.Equal(t, model.SourceCacheMiss, d.Source)
	assert.False(t, d.Allow)

	out := f.orch.AuthorizeBatch(context.Background(), []model.AuthorizationRequest{joined})
	assert.Equal(t, model.SourceCacheHit, out[0].Source)
	assert.False(t, out[0].Allow)
	assert.Equal(t, int64(2), f.eval.calls.Load())
}

func TestAuthorizeBatchHonoursTeamJoinedAfterInsertion(t *testing.T) {
	allow := atomic.Bool{}
	allow.Store(true)
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		return policy.Verdict{Allow: allow.Load()}, nil
	}})

	out := f.orch.AuthorizeBatch(context.Background(), []model.AuthorizationRequest{
		request("alice", "search", "data"),
		request("bob", "search", "data"),
	})
	require.True(t, out[0].Allow)
	require.True(t, out[1].Allow)

	allow.Store(false)
	f.clock.Advance(time.Second)
	f.cache.Invalidate(context.Background(), model.TeamScope("platform"))
	f.clock.Advance(time.Second)

	out = f.orch.AuthorizeBatch(context.Background(), []model.AuthorizationRequest{
		request("alice", "search", "data", "platform"),
		request("bob", "search", "data"),
	})
	assert.Equal(t, model.SourceCacheMiss, out[0].Source)
	assert.False(t, out[0].Allow)
	assert.Equal(t, model.SourceCacheHit, out[1].Source)
	assert.True(t, out[1].Allow)
	assert.Equal(t, int64(3), f.eval.calls.Load())
}

func TestAuthorizeCachesDespiteCallerCancellation(t *testing.T) {
	f := newFixture(t, &countingEvaluator{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := f.orch.Authorize(ctx, request("alice", "search"))
	assert.True(t, d.Allow)
	assert.Equal(t, model.SourceCacheMiss, d.Source)

	d = f.orch.Authorize(context.Background(), request("alice", "search"))
	assert.Equal(t, model.SourceCacheHit, d.Source)
}

func TestAuthorizeSingleFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return policy.Verdict{Allow: true}, nil
	}}, WithSingleFlight(true))

	req := request("alice", "search")
	var wg sync.WaitGroup
	results := make([]model.Decision, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = f.orch.Authorize(context.Background(), req)
	}()
	<-entered
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.orch.Authorize(context.Background(), req)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), f.eval.calls.Load())
	for _, d := range results {
		assert.True(t, d.Allow)
	}
}

func TestAuthorizeBatchEvaluatesOnlyMisses(t *testing.T) {
	f := newFixture(t, &countingEvaluator{})

	reqs := make([]model.AuthorizationRequest, 100)
	for i := range reqs {
		reqs[i] = request("alice", fmt.Sprintf("tool-%d", i), "platform")
	}

	warm := f.orch.AuthorizeBatch(context.Background(), reqs[:80])
	require.Len(t, warm, 80)
	assert.Equal(t, int64(80), f.eval.calls.Load())

	f.eval.calls.Store(0)
	out := f.orch.AuthorizeBatch(context.Background(), reqs)
	require.Len(t, out, 100)
	assert.Equal(t, int64(20), f.eval.calls.Load())
	for i, d := range out {
		assert.True(t, d.Allow)
		if i < 80 {
			assert.Equal(t, model.SourceCacheHit, d.Source, "request %d", i)
		} else {
			assert.Equal(t, model.SourceCacheMiss, d.Source, "request %d", i)
		}
	}
	assert.Equal(t, 100, f.cache.Len())
}

func TestAuthorizeBatchDeduplicatesAndKeepsOrder(t *testing.T) {
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		return policy.Verdict{Allow: in.Resource.ID != "shell"}, nil
	}}, WithBatchConcurrency(2))

	reqs := []model.AuthorizationRequest{
		request("alice", "search"),
		request("alice", "shell"),
		request("", "search"),
		request("alice", "search"),
	}
	out := f.orch.AuthorizeBatch(context.Background(), reqs)
	require.Len(t, out, 4)

	assert.True(t, out[0].Allow)
	assert.False(t, out[1].Allow)
	assert.False(t, out[2].Allow)
	assert.Equal(t, model.SourceFallback, out[2].Source)
	assert.True(t, out[3].Allow)
	assert.Equal(t, int64(2), f.eval.calls.Load())
	assert.Equal(t, 4, f.sink.len())
}

func TestAuthorizeBatchDoesNotCacheFallbacks(t *testing.T) {
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		if in.Resource.ID == "broken" {
			return policy.Verdict{}, errors.New("engine down")
		}
		return policy.Verdict{Allow: true}, nil
	}})

	out := f.orch.AuthorizeBatch(context.Background(), []model.AuthorizationRequest{
		request("alice", "broken"),
		request("alice", "search"),
	})
	assert.Equal(t, model.SourceFallback, out[0].Source)
	assert.Equal(t, model.SourceCacheMiss, out[1].Source)
	assert.Equal(t, 1, f.cache.Len())
}

func TestAuthorizeObservesBaselines(t *testing.T) {
	baselines := classifier.NewInMemoryBaselines(0.2)
	f := newFixture(t, &countingEvaluator{}, WithBaselines(baselines))

	f.orch.Authorize(context.Background(), request("alice", "search"))
	b := baselines.Snapshot("alice", time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC))
	require.NotNil(t, b)
	assert.Equal(t, 1.0, b.Count)
}

func highRequest(principal, resource string) model.AuthorizationRequest {
	req := request(principal, resource)
	req.Resource.Sensitivity = model.SensitivityHigh
	return req
}

func TestAuthorizeRefreshesHighEntryNearExpiry(t *testing.T) {
	release := make(chan struct{})
	var blocking atomic.Bool
	eval := &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		if blocking.Load() {
			<-release
			return policy.Verdict{Allow: false}, nil
		}
		return policy.Verdict{Allow: true}, nil
	}}
	f := newFixture(t, eval, WithRevalidation(true))
	req := highRequest("alice", "deploy")

	first := f.orch.Authorize(context.Background(), req)
	require.Equal(t, model.SourceCacheMiss, first.Source)
	require.True(t, first.Allow)

	// high entries live 60s; the last 18s are served while refreshing
	f.clock.Advance(45 * time.Second)
	blocking.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		d := f.orch.Authorize(ctx, req)
		assert.Equal(t, model.SourceCacheHit, d.Source)
		assert.True(t, d.Allow, "the old decision is served until the refresh lands")
	}
	cancel()
	close(release)

	require.Eventually(t, func() bool { return f.orch.Revalidations() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.orch.WaitRefreshes()
	assert.Equal(t, int64(2), f.eval.calls.Load(), "one refresh for five hits")

	d := f.orch.Authorize(context.Background(), req)
	assert.Equal(t, model.SourceCacheHit, d.Source)
	assert.False(t, d.Allow)
	assert.Equal(t, int64(2), f.eval.calls.Load())
}

func TestAuthorizeDoesNotRefreshLowEntries(t *testing.T) {
	f := newFixture(t, &countingEvaluator{}, WithRevalidation(true))
	req := request("alice", "search")

	f.orch.Authorize(context.Background(), req)
	f.clock.Advance(290 * time.Second)
	d := f.orch.Authorize(context.Background(), req)
	assert.Equal(t, model.SourceCacheHit, d.Source)

	f.orch.WaitRefreshes()
	assert.Equal(t, int64(1), f.eval.calls.Load())
	assert.Zero(t, f.orch.Revalidations())
}

func TestAuthorizeBatchRefreshesNearExpiry(t *testing.T) {
	f := newFixture(t, &countingEvaluator{}, WithRevalidation(true))
	reqs := []model.AuthorizationRequest{highRequest("alice", "deploy"), highRequest("bob", "deploy"), request("carol", "search")}

	f.orch.AuthorizeBatch(context.Background(), reqs)
	f.clock.Advance(50 * time.Second)
	out := f.orch.AuthorizeBatch(context.Background(), reqs)
	for _, d := range out {
		assert.Equal(t, model.SourceCacheHit, d.Source)
	}

	require.Eventually(t, func() bool { return f.orch.Revalidations() == 2 }, 2*time.Second, 5*time.Millisecond)
	f.orch.WaitRefreshes()
	assert.Equal(t, int64(5), f.eval.calls.Load(), "three misses, then two high refreshes")
}

func TestRefreshDisabledByDefault(t *testing.T) {
	f := newFixture(t, &countingEvaluator{})
	req := highRequest("alice", "deploy")

	f.orch.Authorize(context.Background(), req)
	f.clock.Advance(50 * time.Second)
	f.orch.Authorize(context.Background(), req)
	f.orch.WaitRefreshes()
	assert.Equal(t, int64(1), f.eval.calls.Load())
}

func TestWarmPreloadsCacheableDecisions(t *testing.T) {
	baselines := classifier.NewInMemoryBaselines(0.2)
	f := newFixture(t, &countingEvaluator{fn: func(ctx context.Context, in policy.NormalizedInput) (policy.Verdict, error) {
		if in.Resource.ID == "broken" {
			return policy.Verdict{}, errors.New("engine down")
		}
		return policy.Verdict{Allow: true}, nil
	}}, WithBaselines(baselines))

	n := f.orch.Warm(context.Background(), []model.AuthorizationRequest{
		request("alice", "search"),
		request("alice", "search"),
		request("bob", "search"),
		request("alice", "broken"),
		request("", "search"),
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(3), f.eval.calls.Load())
	assert.Equal(t, uint64(2), f.cache.Stats().Preloaded)
	assert.Zero(t, f.sink.len())
	assert.Nil(t, baselines.Snapshot("alice", time.Date(2026, 6, 1, 10, 30, 0, 0, time.UTC)))

	d := f.orch.Authorize(context.Background(), request("bob", "search"))
	assert.Equal(t, model.SourceCacheHit, d.Source)
	assert.Equal(t, int64(3), f.eval.calls.Load())

	assert.Zero(t, f.orch.Warm(context.Background(), nil))
}
