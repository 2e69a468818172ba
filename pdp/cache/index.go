package cache

import (
	"sync"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// scopeIndex maps an invalidation scope to the L1 keys derived under it.
// The all-entries scope is not indexed; invalidating it purges L1.
type scopeIndex struct {
	mu      sync.Mutex
	byScope map[model.Scope]map[model.CacheKey]struct{}
}

func newScopeIndex() *scopeIndex {
	return &scopeIndex{byScope: make(map[model.Scope]map[model.CacheKey]struct{})}
}

func (x *scopeIndex) add(key model.CacheKey, scopes []model.Scope) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range scopes {
		if s.Kind == model.ScopeAll {
			continue
		}
		set, ok := x.byScope[s]
		if !ok {
			set = make(map[model.CacheKey]struct{})
			x.byScope[s] = set
		}
		set[key] = struct{}{}
	}
}

func (x *scopeIndex) remove(key model.CacheKey, scopes []model.Scope) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range scopes {
		set, ok := x.byScope[s]
		if !ok {
			continue
		}
		delete(set, key)
		if len(set) == 0 {
			delete(x.byScope, s)
		}
	}
}

// take removes and returns the key set of scope.
func (x *scopeIndex) take(scope model.Scope) []model.CacheKey {
	x.mu.Lock()
	set := x.byScope[scope]
	delete(x.byScope, scope)
	x.mu.Unlock()

	keys := make([]model.CacheKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func (x *scopeIndex) size(scope model.Scope) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byScope[scope])
}
