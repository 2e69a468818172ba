package model

import (
	"encoding/hex"
	"fmt"
	"time"
)

// CacheKeySize is the width of a derived cache key in bytes.
const CacheKeySize = 32

// CacheKey is an opaque digest over the identity of a request.
type CacheKey [CacheKeySize]byte

func (k CacheKey) String() string {
	return hex.EncodeToString(k[:])
}

func (k CacheKey) IsZero() bool {
	return k == CacheKey{}
}

func ParseCacheKey(s string) (CacheKey, error) {
	var k CacheKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode cache key: %w", err)
	}
	if len(raw) != CacheKeySize {
		return k, fmt.Errorf("cache key must be %d bytes, got %d", CacheKeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// CacheEntry is owned by the tiered cache and never edited after insertion;
// invalidation deletes it. PrincipalID, TeamIDs and RulesetVersion record
// which invalidation scopes the entry belongs to, since the key itself is
// opaque.
type CacheEntry struct {
	Decision       Decision         `json:"decision"`
	Sensitivity    SensitivityLabel `json:"sensitivity"`
	InsertedAt     time.Time        `json:"inserted_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	PrincipalID    string           `json:"principal_id"`
	TeamIDs        []string         `json:"team_ids,omitempty"`
	RulesetVersion string           `json:"ruleset_version"`
}

// Expired reports whether the entry is past its TTL at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Remaining is the TTL left at now, never negative.
func (e CacheEntry) Remaining(now time.Time) time.Duration {
	d := e.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Scopes lists every invalidation scope that names this entry.
func (e CacheEntry) Scopes() []Scope {
	scopes := make([]Scope, 0, len(e.TeamIDs)+3)
	scopes = append(scopes, AllScope())
	if e.PrincipalID != "" {
		scopes = append(scopes, UserScope(e.PrincipalID))
	}
	for _, t := range e.TeamIDs {
		scopes = append(scopes, TeamScope(t))
	}
	if e.RulesetVersion != "" {
		scopes = append(scopes, RulesetScope(e.RulesetVersion))
	}
	return scopes
}
