package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// l1Cache spreads keys over independently locked LRU shards so lookups on
// one shard never wait on writes to another.
type l1Cache struct {
	shards []*lru.Cache[model.CacheKey, model.CacheEntry]
	index  *scopeIndex
}

func newL1Cache(capacity, shards int, index *scopeIndex) (*l1Cache, error) {
	if capacity < 1 || shards < 1 {
		return nil, fmt.Errorf("l1 capacity and shard count must be positive")
	}
	if shards > capacity {
		shards = capacity
	}
	perShard := (capacity + shards - 1) / shards
	c := &l1Cache{
		shards: make([]*lru.Cache[model.CacheKey, model.CacheEntry], shards),
		index:  index,
	}
	for i := range c.shards {
		s, err := lru.NewWithEvict[model.CacheKey, model.CacheEntry](perShard, c.onEvict)
		if err != nil {
			return nil, fmt.Errorf("create l1 shard: %w", err)
		}
		c.shards[i] = s
	}
	return c, nil
}

// onEvict runs outside the shard lock for both capacity evictions and
// explicit removals.
func (c *l1Cache) onEvict(key model.CacheKey, entry model.CacheEntry) {
	c.index.remove(key, entry.Scopes())
}

func (c *l1Cache) shard(key model.CacheKey) *lru.Cache[model.CacheKey, model.CacheEntry] {
	return c.shards[binary.BigEndian.Uint32(key[:4])%uint32(len(c.shards))]
}

func (c *l1Cache) get(key model.CacheKey) (model.CacheEntry, bool) {
	return c.shard(key).Get(key)
}

// add stores entry and reports whether another entry was evicted for room.
func (c *l1Cache) add(key model.CacheKey, entry model.CacheEntry) bool {
	c.index.add(key, entry.Scopes())
	return c.shard(key).Add(key, entry)
}

func (c *l1Cache) remove(key model.CacheKey) bool {
	return c.shard(key).Remove(key)
}

func (c *l1Cache) len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}

// removeIf drops every entry matching drop and returns the removed keys. It
// walks one shard at a time.
func (c *l1Cache) removeIf(drop func(model.CacheEntry) bool) []model.CacheKey {
	var removed []model.CacheKey
	for _, s := range c.shards {
		for _, k := range s.Keys() {
			if e, ok := s.Peek(k); ok && drop(e) && s.Remove(k) {
				removed = append(removed, k)
			}
		}
	}
	return removed
}

func (c *l1Cache) expire(now time.Time) int {
	return len(c.removeIf(func(e model.CacheEntry) bool { return e.Expired(now) }))
}
