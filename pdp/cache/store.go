package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

// StoreItem is one value written to the shared tier together with the index
// sets that must reference it.
type StoreItem struct {
	Key     string
	Value   []byte
	TTL     time.Duration
	Indexes []string
}

// SharedStore is the cluster-wide tier. Implementations must treat a missing
// key as a nil value, not an error.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	Set(ctx context.Context, item StoreItem, indexTTL time.Duration) error
	MSet(ctx context.Context, items []StoreItem, indexTTL time.Duration) error
	Del(ctx context.Context, keys ...string) (int, error)
	// TakeIndex returns the members of an index set and deletes the set.
	TakeIndex(ctx context.Context, index string) ([]string, error)
	Close() error
}

// NewSharedStore uses Redis when the client answers a ping and falls back to
// process memory otherwise.
func NewSharedStore(ctx context.Context, client *redis.Client) SharedStore {
	if client != nil {
		err := client.Ping(ctx).Err()
		if err == nil {
			return NewRedisStore(client)
		}
		logger.Warn("Redis unreachable, shared cache tier falls back to memory", zap.Error(err))
	}
	return NewMemoryStore()
}

// MemoryStore is an in-process SharedStore for single-instance deployments
// and tests.
type MemoryStore struct {
	mu      sync.Mutex
	items   map[string]memItem
	indexes map[string]map[string]struct{}
	now     func() time.Time
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:   make(map[string]memItem),
		indexes: make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (m *MemoryStore) getLocked(key string) []byte {
	item, ok := m.items[key]
	if !ok {
		return nil
	}
	if !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return nil
	}
	return item.value
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key), nil
}

func (m *MemoryStore) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = m.getLocked(k)
	}
	return out, nil
}

func (m *MemoryStore) setLocked(item StoreItem) {
	if item.TTL <= 0 {
		return
	}
	m.items[item.Key] = memItem{
		value:     append([]byte(nil), item.Value...),
		expiresAt: m.now().Add(item.TTL),
	}
	for _, idx := range item.Indexes {
		set, ok := m.indexes[idx]
		if !ok {
			set = make(map[string]struct{})
			m.indexes[idx] = set
		}
		set[item.Key] = struct{}{}
	}
}

func (m *MemoryStore) Set(ctx context.Context, item StoreItem, indexTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(item)
	return nil
}

func (m *MemoryStore) MSet(ctx context.Context, items []StoreItem, indexTTL time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.setLocked(item)
	}
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range keys {
		if m.getLocked(k) != nil {
			n++
		}
		delete(m.items, k)
	}
	return n, nil
}

func (m *MemoryStore) TakeIndex(ctx context.Context, index string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.indexes[index]
	delete(m.indexes, index)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

// Prune drops expired items and index members that point at nothing.
func (m *MemoryStore) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, v := range m.items {
		if !now.Before(v.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	for idx, set := range m.indexes {
		for k := range set {
			if _, ok := m.items[k]; !ok {
				delete(set, k)
			}
		}
		if len(set) == 0 {
			delete(m.indexes, idx)
		}
	}
	return n
}

func (m *MemoryStore) Close() error { return nil }
