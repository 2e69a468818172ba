package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dev-mohitbeniwal/echo/authz/audit"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/cache"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/classifier"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

type Classifier interface {
	Classify(ctx context.Context, req *model.AuthorizationRequest, baseline *classifier.Baseline) model.ClassificationResult
}

type PolicyAdapter interface {
	Evaluate(ctx context.Context, req model.AuthorizationRequest, cls model.ClassificationResult) (model.Decision, error)
	RulesetVersion() string
}

// DecisionCache is read on behalf of a caller: lookups carry the requester's
// current scopes so membership gained after insertion still invalidates.
type DecisionCache interface {
	GetFor(ctx context.Context, key model.CacheKey, caller []model.Scope) (model.CacheEntry, cache.Tier, bool)
	GetMultiFor(ctx context.Context, keys []model.CacheKey, callers [][]model.Scope) []cache.Lookup
	PutMulti(ctx context.Context, items []cache.PutItem)
	Preload(ctx context.Context, items []cache.PutItem) int
	NeedsRevalidation(e model.CacheEntry) bool
	TTLFor(label model.SensitivityLabel) time.Duration
}

const defaultBatchConcurrency = 16

type Option func(*Orchestrator)

func WithBaselines(store classifier.BaselineStore) Option {
	return func(o *Orchestrator) { o.baselines = store }
}

func WithAuditSink(sink audit.Sink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.audit = sink
		}
	}
}

// WithSingleFlight collapses concurrent misses on the same key into one
// policy call.
func WithSingleFlight(enabled bool) Option {
	return func(o *Orchestrator) {
		if enabled {
			o.flight = &singleflight.Group{}
		} else {
			o.flight = nil
		}
	}
}

func WithBatchConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchConcurrency = n
		}
	}
}

// WithRevalidation refreshes high and critical hits that are close to expiry
// in the background, so hot keys do not all miss at once.
func WithRevalidation(enabled bool) Option {
	return func(o *Orchestrator) { o.revalidate = enabled }
}

func WithLatency(reg *LatencyRegistry) Option {
	return func(o *Orchestrator) {
		if reg != nil {
			o.latency = reg
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs the decision path: classify, derive the key, consult the
// cache and on a miss ask the policy engine and cache what it said.
type Orchestrator struct {
	classifier Classifier
	cache      DecisionCache
	policy     PolicyAdapter
	baselines  classifier.BaselineStore
	audit      audit.Sink
	latency    *LatencyRegistry
	flight     *singleflight.Group

	batchConcurrency int
	now              func() time.Time

	revalidate    bool
	refreshing    sync.Map
	refreshes     conc.WaitGroup
	revalidations atomic.Uint64
}

func NewOrchestrator(cls Classifier, decisions DecisionCache, policy PolicyAdapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier:       cls,
		cache:            decisions,
		policy:           policy,
		audit:            audit.NopSink{},
		latency:          NewLatencyRegistry(),
		batchConcurrency: defaultBatchConcurrency,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Latency() *LatencyRegistry {
	return o.latency
}

// pending is a request that passed validation and has been labelled.
type pending struct {
	req     model.AuthorizationRequest
	cls     model.ClassificationResult
	key     model.CacheKey
	version string
}

// prepare labels req. Only served requests feed the principal's baseline.
func (o *Orchestrator) prepare(ctx context.Context, req model.AuthorizationRequest, observe bool) pending {
	at := req.Context.Timestamp
	if at.IsZero() {
		at = o.now()
	}
	var baseline *classifier.Baseline
	if o.baselines != nil {
		baseline = o.baselines.Snapshot(req.Principal.ID, at)
	}
	cls := o.classifier.Classify(ctx, &req, baseline)
	if o.baselines != nil && observe {
		obs := classifier.ObservationOf(&req)
		obs.At = at
		o.baselines.Observe(req.Principal.ID, obs)
	}
	version := o.policy.RulesetVersion()
	return pending{
		req:     req,
		cls:     cls,
		key:     cache.KeyFor(req, cls.Label, version),
		version: version,
	}
}

func (o *Orchestrator) rejected(req model.AuthorizationRequest, err error) model.Decision {
	logger.Debug("Rejecting invalid authorization request", zap.Error(err), zap.String("principalID", req.Principal.ID))
	return model.Deny(err.Error(), model.SourceFallback, o.now().UTC())
}

// Authorize returns a decision for req. It never fails: every error path
// yields a denial.
func (o *Orchestrator) Authorize(ctx context.Context, req model.AuthorizationRequest) model.Decision {
	start := o.now()
	if err := req.Validate(); err != nil {
		d := o.rejected(req, err)
		o.emit(ctx, req, model.ClassificationResult{Label: req.Resource.Sensitivity, Degraded: true}, d, o.now().Sub(start))
		return d
	}

	p := o.prepare(ctx, req, true)
	if entry, tier, ok := o.cache.GetFor(ctx, p.key, p.req.Scopes()); ok {
		d := entry.Decision.WithSource(model.SourceCacheHit)
		o.maybeRefresh(ctx, p, entry)
		elapsed := o.now().Sub(start)
		o.latency.Observe(MetricAuthorize, elapsed)
		o.latency.Observe(MetricAuthorizeCacheHit, elapsed)
		logger.Debug("Decision served from cache", zap.Stringer("tier", tier), zap.String("key", p.key.String()))
		o.emit(ctx, p.req, p.cls, d, elapsed)
		return d
	}

	d := o.resolve(ctx, p)
	elapsed := o.now().Sub(start)
	o.latency.Observe(MetricAuthorize, elapsed)
	o.emit(ctx, p.req, p.cls, d, elapsed)
	return d
}

func (o *Orchestrator) resolve(ctx context.Context, p pending) model.Decision {
	if o.flight == nil {
		return o.evaluate(ctx, p)
	}
	v, _, shared := o.flight.Do(p.key.String(), func() (any, error) {
		return o.evaluate(ctx, p), nil
	})
	d := v.(model.Decision)
	if shared {
		d = d.Clone()
	}
	return d
}

// evaluate asks the policy engine once and caches the answer unless it is
// a fallback. The call is detached from the caller's cancellation so an
// abandoned request still populates the cache.
func (o *Orchestrator) evaluate(ctx context.Context, p pending) model.Decision {
	ctx = context.WithoutCancel(ctx)
	d, ok := o.evaluateOne(ctx, p)
	if ok {
		o.cache.PutMulti(ctx, []cache.PutItem{o.putItem(p, d.inserted, d.decision)})
	}
	return d.decision
}

// maybeRefresh re-evaluates a hit in the background when its entry is in the
// revalidation window. At most one refresh per key runs at a time and it
// outlives the caller's request.
func (o *Orchestrator) maybeRefresh(ctx context.Context, p pending, entry model.CacheEntry) {
	if !o.revalidate || !o.cache.NeedsRevalidation(entry) {
		return
	}
	if _, busy := o.refreshing.LoadOrStore(p.key, struct{}{}); busy {
		return
	}
	ctx = context.WithoutCancel(ctx)
	o.refreshes.Go(func() {
		defer o.refreshing.Delete(p.key)
		d, ok := o.evaluateOne(ctx, p)
		if !ok {
			return
		}
		o.cache.PutMulti(ctx, []cache.PutItem{o.putItem(p, d.inserted, d.decision)})
		o.revalidations.Add(1)
		logger.Debug("Decision revalidated", zap.String("key", p.key.String()), zap.Bool("allow", d.decision.Allow))
	})
}

// Revalidations counts background refreshes that replaced an entry.
func (o *Orchestrator) Revalidations() uint64 {
	return o.revalidations.Load()
}

// WaitRefreshes blocks until in-flight background refreshes finish.
func (o *Orchestrator) WaitRefreshes() {
	o.refreshes.Wait()
}

type evaluated struct {
	decision model.Decision
	inserted time.Time
}

func (o *Orchestrator) evaluateOne(ctx context.Context, p pending) (evaluated, bool) {
	start := o.now()
	d, err := o.policy.Evaluate(ctx, p.req, p.cls)
	o.latency.Observe(MetricPolicyEval, o.now().Sub(start))
	if err != nil {
		logger.Warn("Policy evaluation fell back to deny",
			zap.String("principalID", p.req.Principal.ID),
			zap.String("resourceID", p.req.Resource.ID),
			zap.Error(err))
	}
	return evaluated{decision: d, inserted: start}, err == nil && d.Source == model.SourceCacheMiss
}

func (o *Orchestrator) putItem(p pending, inserted time.Time, d model.Decision) cache.PutItem {
	return cache.PutItem{
		Key: p.key,
		Entry: model.CacheEntry{
			Decision:       d,
			Sensitivity:    p.cls.Label,
			InsertedAt:     inserted,
			PrincipalID:    p.req.Principal.ID,
			TeamIDs:        p.req.Principal.TeamIDs,
			RulesetVersion: p.version,
		},
		TTL: o.cache.TTLFor(p.cls.Label),
	}
}

// AuthorizeBatch decides every request with one cache read and one cache
// write. Requests sharing a key are evaluated once. Results line up with reqs.
func (o *Orchestrator) AuthorizeBatch(ctx context.Context, reqs []model.AuthorizationRequest) []model.Decision {
	start := o.now()
	out := make([]model.Decision, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	prepared := make([]pending, len(reqs))
	valid := make([]bool, len(reqs))
	keys := make([]model.CacheKey, 0, len(reqs))
	callers := make([][]model.Scope, 0, len(reqs))
	positions := make([]int, 0, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			out[i] = o.rejected(req, err)
			continue
		}
		prepared[i] = o.prepare(ctx, req, true)
		valid[i] = true
		keys = append(keys, prepared[i].key)
		callers = append(callers, prepared[i].req.Scopes())
		positions = append(positions, i)
	}

	// misses groups request positions by key, in first-seen order.
	var order []model.CacheKey
	misses := make(map[model.CacheKey][]int)
	if len(keys) > 0 {
		for j, l := range o.cache.GetMultiFor(ctx, keys, callers) {
			i := positions[j]
			if l.Found {
				out[i] = l.Entry.Decision.WithSource(model.SourceCacheHit)
				o.maybeRefresh(ctx, prepared[i], l.Entry)
				continue
			}
			if _, seen := misses[keys[j]]; !seen {
				order = append(order, keys[j])
			}
			misses[keys[j]] = append(misses[keys[j]], i)
		}
	}

	if len(order) > 0 {
		o.evaluateMisses(ctx, prepared, order, misses, out)
	}

	elapsed := o.now().Sub(start)
	o.latency.Observe(MetricAuthorizeBatch, elapsed)
	for i, req := range reqs {
		cls := prepared[i].cls
		if !valid[i] {
			cls = model.ClassificationResult{Label: req.Resource.Sensitivity, Degraded: true}
		}
		o.emit(ctx, req, cls, out[i], elapsed)
	}
	return out
}

func (o *Orchestrator) evaluateMisses(ctx context.Context, prepared []pending, order []model.CacheKey, misses map[model.CacheKey][]int, out []model.Decision) {
	ctx = context.WithoutCancel(ctx)
	results := make([]evaluated, len(order))
	cacheable := make([]bool, len(order))

	var g errgroup.Group
	g.SetLimit(o.batchConcurrency)
	for u, key := range order {
		p := prepared[misses[key][0]]
		g.Go(func() error {
			results[u], cacheable[u] = o.evaluateOne(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	items := make([]cache.PutItem, 0, len(order))
	for u, key := range order {
		positions := misses[key]
		if cacheable[u] {
			items = append(items, o.putItem(prepared[positions[0]], results[u].inserted, results[u].decision))
		}
		for n, i := range positions {
			if n == 0 {
				out[i] = results[u].decision
			} else {
				out[i] = results[u].decision.Clone()
			}
		}
	}
	if len(items) > 0 {
		o.cache.PutMulti(ctx, items)
	}
}

// Warm evaluates reqs ahead of demand and preloads the cacheable answers.
// Nothing is audited and baselines are left alone. Invalid requests are
// skipped and requests sharing a key are evaluated once. It returns how many
// entries were stored.
func (o *Orchestrator) Warm(ctx context.Context, reqs []model.AuthorizationRequest) int {
	seen := make(map[model.CacheKey]struct{}, len(reqs))
	batch := make([]pending, 0, len(reqs))
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			logger.Debug("Skipping invalid warm-up request", zap.Error(err), zap.String("principalID", req.Principal.ID))
			continue
		}
		p := o.prepare(ctx, req, false)
		if _, dup := seen[p.key]; dup {
			continue
		}
		seen[p.key] = struct{}{}
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return 0
	}

	ctx = context.WithoutCancel(ctx)
	results := make([]evaluated, len(batch))
	cacheable := make([]bool, len(batch))
	var g errgroup.Group
	g.SetLimit(o.batchConcurrency)
	for i, p := range batch {
		g.Go(func() error {
			results[i], cacheable[i] = o.evaluateOne(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	items := make([]cache.PutItem, 0, len(batch))
	for i, p := range batch {
		if cacheable[i] {
			items = append(items, o.putItem(p, results[i].inserted, results[i].decision))
		}
	}
	if len(items) == 0 {
		return 0
	}
	return o.cache.Preload(ctx, items)
}

func (o *Orchestrator) emit(ctx context.Context, req model.AuthorizationRequest, cls model.ClassificationResult, d model.Decision, elapsed time.Duration) {
	if err := o.audit.Emit(ctx, audit.NewRecord(req, cls, d, elapsed)); err != nil {
		logger.Debug("Audit record not emitted", zap.Error(err))
	}
}
