package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

type Tier int

const (
	TierNone Tier = iota
	TierL1
	TierL2
)

func (t Tier) String() string {
	switch t {
	case TierL1:
		return "l1"
	case TierL2:
		return "l2"
	default:
		return "none"
	}
}

type Options struct {
	L1Capacity int
	L1Shards   int
	TTL        TTLPolicy
	KeyPrefix  string
	Now        func() time.Time
	// RevalidateRatio is the trailing share of a high or critical entry's
	// TTL during which a hit should be refreshed in the background. Zero
	// disables it.
	RevalidateRatio float64
}

func DefaultOptions() Options {
	return Options{
		L1Capacity: 1000,
		L1Shards:   16,
		TTL:        DefaultTTLPolicy(),
		KeyPrefix:  "authz",
		Now:        time.Now,

		RevalidateRatio: 0.3,
	}
}

// Lookup is the result for one key of GetMulti.
type Lookup struct {
	Entry model.CacheEntry
	Tier  Tier
	Found bool
}

type PutItem struct {
	Key   model.CacheKey
	Entry model.CacheEntry
	TTL   time.Duration
}

type Stats struct {
	L1Hits      uint64 `json:"l1_hits"`
	L2Hits      uint64 `json:"l2_hits"`
	Misses      uint64 `json:"misses"`
	Promotions  uint64 `json:"promotions"`
	Evictions   uint64 `json:"evictions"`
	Expired     uint64 `json:"expired"`
	Stale       uint64 `json:"stale"`
	Puts        uint64 `json:"puts"`
	Preloaded   uint64 `json:"preloaded"`
	Invalidated uint64 `json:"invalidated"`
	L2Errors    uint64 `json:"l2_errors"`
	L1Entries   int    `json:"l1_entries"`
	Watermarks  int    `json:"watermarks"`
}

// HitRatio is the share of lookups answered by either tier.
func (s Stats) HitRatio() float64 {
	total := s.L1Hits + s.L2Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.L1Hits+s.L2Hits) / float64(total)
}

type counters struct {
	l1Hits      atomic.Uint64
	l2Hits      atomic.Uint64
	misses      atomic.Uint64
	promotions  atomic.Uint64
	evictions   atomic.Uint64
	expired     atomic.Uint64
	stale       atomic.Uint64
	puts        atomic.Uint64
	preloaded   atomic.Uint64
	invalidated atomic.Uint64
	l2Errors    atomic.Uint64
}

// watermarks records, per scope, the local time an invalidation was applied.
// Entries inserted at or before a watermark of one of their scopes are dead.
type watermarks map[model.Scope]time.Time

// TieredCache is the decision cache: a sharded in-process LRU in front of a
// shared store. Entries are never edited in place; invalidation deletes them
// from both tiers through the scope index and the watermark table.
type TieredCache struct {
	l1     *l1Cache
	index  *scopeIndex
	l2     SharedStore
	ttl    TTLPolicy
	prefix string
	now    func() time.Time

	revalidateRatio float64

	marksMu sync.Mutex
	marks   atomic.Pointer[watermarks]

	stats counters
}

func NewTieredCache(store SharedStore, opts Options) (*TieredCache, error) {
	if err := opts.TTL.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "authz"
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.RevalidateRatio < 0 || opts.RevalidateRatio >= 1 {
		return nil, fmt.Errorf("%w: revalidate ratio %v outside [0, 1)", authzErrors.ErrInvalidConfig, opts.RevalidateRatio)
	}
	index := newScopeIndex()
	l1, err := newL1Cache(opts.L1Capacity, opts.L1Shards, index)
	if err != nil {
		return nil, err
	}
	c := &TieredCache{
		l1:     l1,
		index:  index,
		l2:     store,
		ttl:    opts.TTL,
		prefix: opts.KeyPrefix,
		now:    opts.Now,

		revalidateRatio: opts.RevalidateRatio,
	}
	empty := watermarks{}
	c.marks.Store(&empty)
	return c, nil
}

func (c *TieredCache) TTLPolicy() TTLPolicy {
	return c.ttl
}

func (c *TieredCache) TTLFor(label model.SensitivityLabel) time.Duration {
	return c.ttl.For(label)
}

// NeedsRevalidation reports whether e is a high or critical entry in the
// last RevalidateRatio of its TTL. Such an entry is still served, but the
// caller should refresh it before it expires.
func (c *TieredCache) NeedsRevalidation(e model.CacheEntry) bool {
	if c.revalidateRatio <= 0 || e.Sensitivity < model.SensitivityHigh {
		return false
	}
	window := time.Duration(c.revalidateRatio * float64(c.ttl.For(e.Sensitivity)))
	left := e.Remaining(c.now())
	return left > 0 && left <= window
}

func (c *TieredCache) entryKey(key model.CacheKey) string {
	return c.prefix + ":entry:" + key.String()
}

func (c *TieredCache) indexKey(scope model.Scope) string {
	return c.prefix + ":idx:" + scope.String()
}

func (c *TieredCache) indexKeys(e model.CacheEntry) []string {
	scopes := e.Scopes()
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = c.indexKey(s)
	}
	return out
}

// stale reports whether an invalidation of one of the entry's scopes, or of
// one of the caller's scopes, was applied at or after the entry's insertion.
// The caller's scopes matter because team membership is not part of the key.
func (c *TieredCache) stale(e model.CacheEntry, caller []model.Scope) bool {
	marks := *c.marks.Load()
	if len(marks) == 0 {
		return false
	}
	for _, s := range e.Scopes() {
		if wm, ok := marks[s]; ok && !wm.Before(e.InsertedAt) {
			return true
		}
	}
	for _, s := range caller {
		if wm, ok := marks[s]; ok && !wm.Before(e.InsertedAt) {
			return true
		}
	}
	return false
}

func (c *TieredCache) usable(e model.CacheEntry, now time.Time, caller []model.Scope) bool {
	if e.Expired(now) {
		c.stats.expired.Add(1)
		return false
	}
	if c.stale(e, caller) {
		c.stats.stale.Add(1)
		return false
	}
	return true
}

func (c *TieredCache) l2Failure(op string, err error) {
	c.stats.l2Errors.Add(1)
	logger.Warn("Shared cache tier unavailable, treating as miss",
		zap.String("op", op),
		zap.Error(fmt.Errorf("%w: %v", authzErrors.ErrCacheUnavailable, err)))
}

func (c *TieredCache) lookupL1(key model.CacheKey, now time.Time, caller []model.Scope) (model.CacheEntry, bool) {
	e, ok := c.l1.get(key)
	if !ok {
		return model.CacheEntry{}, false
	}
	if !c.usable(e, now, caller) {
		c.l1.remove(key)
		return model.CacheEntry{}, false
	}
	c.stats.l1Hits.Add(1)
	return e, true
}

func (c *TieredCache) fromL2(key model.CacheKey, raw []byte, now time.Time, caller []model.Scope) (model.CacheEntry, bool) {
	if raw == nil {
		return model.CacheEntry{}, false
	}
	e, err := decodeEntry(raw)
	if err != nil {
		c.l2Failure("decode", err)
		return model.CacheEntry{}, false
	}
	if !c.usable(e, now, caller) {
		return model.CacheEntry{}, false
	}
	if c.l1.add(key, e) {
		c.stats.evictions.Add(1)
	}
	c.stats.promotions.Add(1)
	c.stats.l2Hits.Add(1)
	return e, true
}

// Get looks in L1, then L2. An L2 hit is promoted into L1 keeping its
// original expiry, so it lives there only for its remaining TTL.
func (c *TieredCache) Get(ctx context.Context, key model.CacheKey) (model.CacheEntry, Tier, bool) {
	return c.GetFor(ctx, key, nil)
}

// GetFor is Get on behalf of a caller whose current invalidation scopes are
// caller. A hit inserted before an invalidation of any of them is refused.
func (c *TieredCache) GetFor(ctx context.Context, key model.CacheKey, caller []model.Scope) (model.CacheEntry, Tier, bool) {
	now := c.now()
	if e, ok := c.lookupL1(key, now, caller); ok {
		return e, TierL1, true
	}
	raw, err := c.l2.Get(ctx, c.entryKey(key))
	if err != nil {
		c.l2Failure("get", err)
		c.stats.misses.Add(1)
		return model.CacheEntry{}, TierNone, false
	}
	if e, ok := c.fromL2(key, raw, now, caller); ok {
		return e, TierL2, true
	}
	c.stats.misses.Add(1)
	return model.CacheEntry{}, TierNone, false
}

// GetMulti resolves keys with a single round trip to the shared tier for all
// L1 misses. Results are ordered like keys.
func (c *TieredCache) GetMulti(ctx context.Context, keys []model.CacheKey) []Lookup {
	return c.GetMultiFor(ctx, keys, nil)
}

// GetMultiFor is GetMulti with per-key caller scopes; callers[i] belongs to
// keys[i]. A nil or short callers slice checks only the entries' own scopes.
func (c *TieredCache) GetMultiFor(ctx context.Context, keys []model.CacheKey, callers [][]model.Scope) []Lookup {
	callerOf := func(i int) []model.Scope {
		if i < len(callers) {
			return callers[i]
		}
		return nil
	}
	now := c.now()
	out := make([]Lookup, len(keys))
	var missIdx []int
	var names []string
	for i, k := range keys {
		if e, ok := c.lookupL1(k, now, callerOf(i)); ok {
			out[i] = Lookup{Entry: e, Tier: TierL1, Found: true}
			continue
		}
		missIdx = append(missIdx, i)
		names = append(names, c.entryKey(k))
	}
	if len(missIdx) == 0 {
		return out
	}

	raws, err := c.l2.MGet(ctx, names)
	if err != nil {
		c.l2Failure("mget", err)
		c.stats.misses.Add(uint64(len(missIdx)))
		return out
	}
	for j, i := range missIdx {
		var raw []byte
		if j < len(raws) {
			raw = raws[j]
		}
		if e, ok := c.fromL2(keys[i], raw, now, callerOf(i)); ok {
			out[i] = Lookup{Entry: e, Tier: TierL2, Found: true}
			continue
		}
		c.stats.misses.Add(1)
	}
	return out
}

// prepare stamps the expiry and rejects entries an invalidation has already
// overtaken.
func (c *TieredCache) prepare(entry model.CacheEntry, ttl time.Duration, now time.Time) (model.CacheEntry, bool) {
	if ttl <= 0 {
		return model.CacheEntry{}, false
	}
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = now
	}
	entry.ExpiresAt = now.Add(ttl)
	if c.stale(entry, nil) {
		c.stats.stale.Add(1)
		return model.CacheEntry{}, false
	}
	return entry, true
}

func (c *TieredCache) Put(ctx context.Context, key model.CacheKey, entry model.CacheEntry, ttl time.Duration) {
	c.PutMulti(ctx, []PutItem{{Key: key, Entry: entry, TTL: ttl}})
}

// PutMulti writes every item to L1 and ships them to the shared tier in one
// pipelined call.
func (c *TieredCache) PutMulti(ctx context.Context, items []PutItem) {
	c.put(ctx, items)
}

// Preload stores decisions computed ahead of demand and returns how many
// were accepted. Items with no TTL or already overtaken by an invalidation
// are skipped.
func (c *TieredCache) Preload(ctx context.Context, items []PutItem) int {
	n := c.put(ctx, items)
	c.stats.preloaded.Add(uint64(n))
	logger.Info("Decision cache preloaded", zap.Int("offered", len(items)), zap.Int("stored", n))
	return n
}

func (c *TieredCache) put(ctx context.Context, items []PutItem) int {
	now := c.now()
	stored := 0
	storeItems := make([]StoreItem, 0, len(items))
	for _, it := range items {
		e, ok := c.prepare(it.Entry, it.TTL, now)
		if !ok {
			continue
		}
		if c.l1.add(it.Key, e) {
			c.stats.evictions.Add(1)
		}
		c.stats.puts.Add(1)
		stored++

		raw, err := encodeEntry(e)
		if err != nil {
			logger.Error("Failed to encode cache entry", zap.Error(err))
			continue
		}
		storeItems = append(storeItems, StoreItem{
			Key:     c.entryKey(it.Key),
			Value:   raw,
			TTL:     it.TTL,
			Indexes: c.indexKeys(e),
		})
	}
	if len(storeItems) == 0 {
		return stored
	}
	if err := c.l2.MSet(ctx, storeItems, c.ttl.Max()); err != nil {
		c.l2Failure("mset", err)
	}
	return stored
}

func (c *TieredCache) raiseWatermark(scope model.Scope, at time.Time) {
	c.marksMu.Lock()
	defer c.marksMu.Unlock()
	old := *c.marks.Load()
	next := make(watermarks, len(old)+1)
	for s, t := range old {
		next[s] = t
	}
	if cur, ok := next[scope]; !ok || at.After(cur) {
		next[scope] = at
	}
	c.marks.Store(&next)
}

// Invalidate removes every entry derived under scope from both tiers and
// returns the number of removals across the two tiers. Entries racing the
// index are caught by the scope watermark instead.
func (c *TieredCache) Invalidate(ctx context.Context, scope model.Scope) int {
	n, err := c.TryInvalidate(ctx, scope)
	if err != nil && !errors.Is(err, authzErrors.ErrCacheUnavailable) {
		logger.Warn("Ignoring invalidation with invalid scope", zap.Error(err))
	}
	return n
}

// TryInvalidate is Invalidate reporting shared-tier failures. The local tier
// and the watermark are always updated first, so a retry is harmless.
func (c *TieredCache) TryInvalidate(ctx context.Context, scope model.Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	c.raiseWatermark(scope, c.now())

	var l1Removed int
	if scope.Kind == model.ScopeAll {
		l1Removed = len(c.l1.removeIf(func(model.CacheEntry) bool { return true }))
	} else {
		for _, k := range c.index.take(scope) {
			if c.l1.remove(k) {
				l1Removed++
			}
		}
	}

	l2Removed := 0
	members, l2Err := c.l2.TakeIndex(ctx, c.indexKey(scope))
	if l2Err != nil {
		c.l2Failure("take_index", l2Err)
	} else if len(members) > 0 {
		l2Removed, l2Err = c.l2.Del(ctx, members...)
		if l2Err != nil {
			c.l2Failure("del", l2Err)
		}
	}

	total := l1Removed + l2Removed
	c.stats.invalidated.Add(uint64(total))
	logger.Debug("Cache scope invalidated",
		zap.Stringer("scope", scope),
		zap.Int("l1Removed", l1Removed),
		zap.Int("l2Removed", l2Removed))
	if l2Err != nil {
		return total, fmt.Errorf("%w: %v", authzErrors.ErrCacheUnavailable, l2Err)
	}
	return total, nil
}

// PruneWatermarks forgets watermarks older than the longest TTL. Any entry
// they could still reject has expired by then.
func (c *TieredCache) PruneWatermarks(now time.Time) int {
	c.marksMu.Lock()
	defer c.marksMu.Unlock()
	cutoff := now.Add(-c.ttl.Max())
	old := *c.marks.Load()
	next := make(watermarks, len(old))
	for s, t := range old {
		if t.After(cutoff) {
			next[s] = t
		}
	}
	c.marks.Store(&next)
	return len(old) - len(next)
}

// PurgeExpired drops expired L1 entries, prunes watermarks and, for an
// in-memory shared tier, its expired items too.
func (c *TieredCache) PurgeExpired() int {
	now := c.now()
	n := c.l1.expire(now)
	c.stats.expired.Add(uint64(n))
	c.PruneWatermarks(now)
	if p, ok := c.l2.(interface{ Prune() int }); ok {
		n += p.Prune()
	}
	return n
}

// Len is the number of entries held in L1.
func (c *TieredCache) Len() int {
	return c.l1.len()
}

func (c *TieredCache) Stats() Stats {
	return Stats{
		L1Hits:      c.stats.l1Hits.Load(),
		L2Hits:      c.stats.l2Hits.Load(),
		Misses:      c.stats.misses.Load(),
		Promotions:  c.stats.promotions.Load(),
		Evictions:   c.stats.evictions.Load(),
		Expired:     c.stats.expired.Load(),
		Stale:       c.stats.stale.Load(),
		Puts:        c.stats.puts.Load(),
		Preloaded:   c.stats.preloaded.Load(),
		Invalidated: c.stats.invalidated.Load(),
		L2Errors:    c.stats.l2Errors.Load(),
		L1Entries:   c.l1.len(),
		Watermarks:  len(*c.marks.Load()),
	}
}

func (c *TieredCache) Close() error {
	return c.l2.Close()
}
