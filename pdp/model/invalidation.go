package model

import (
	"fmt"
	"strings"
	"time"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
)

type ScopeKind int

const (
	ScopeAll ScopeKind = iota
	ScopeUser
	ScopeTeam
	ScopeRuleset
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeAll:
		return "all"
	case ScopeUser:
		return "user"
	case ScopeTeam:
		return "team"
	case ScopeRuleset:
		return "ruleset"
	default:
		return fmt.Sprintf("scope(%d)", int(k))
	}
}

// Scope names the set of cache entries an invalidation applies to. Its text
// form is "<kind>:<value>", e.g. "team:platform" or "ruleset:v42"; the
// all-entries scope is just "all".
type Scope struct {
	Kind  ScopeKind
	Value string
}

func UserScope(id string) Scope         { return Scope{Kind: ScopeUser, Value: id} }
func TeamScope(id string) Scope         { return Scope{Kind: ScopeTeam, Value: id} }
func RulesetScope(version string) Scope { return Scope{Kind: ScopeRuleset, Value: version} }
func AllScope() Scope                   { return Scope{Kind: ScopeAll} }

func (s Scope) String() string {
	if s.Kind == ScopeAll {
		return "all"
	}
	return s.Kind.String() + ":" + s.Value
}

func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeAll:
		return nil
	case ScopeUser, ScopeTeam, ScopeRuleset:
		if strings.TrimSpace(s.Value) == "" {
			return fmt.Errorf("%w: %s scope requires a value", authzErrors.ErrInvalidScope, s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown scope kind %d", authzErrors.ErrInvalidScope, int(s.Kind))
	}
}

func ParseScope(text string) (Scope, error) {
	text = strings.TrimSpace(text)
	if text == "all" {
		return AllScope(), nil
	}
	kind, value, ok := strings.Cut(text, ":")
	if !ok {
		return Scope{}, fmt.Errorf("%w: malformed scope %q", authzErrors.ErrInvalidScope, text)
	}
	var s Scope
	switch kind {
	case "user":
		s = UserScope(value)
	case "team":
		s = TeamScope(value)
	case "ruleset":
		s = RulesetScope(value)
	default:
		return Scope{}, fmt.Errorf("%w: unknown scope kind %q", authzErrors.ErrInvalidScope, kind)
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

func (s Scope) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// InvalidationEvent is transient: consumed once by the invalidation bus and
// discarded. ID lets the bus drop redeliveries of the same event.
type InvalidationEvent struct {
	ID         string    `json:"id"`
	Scope      Scope     `json:"scope"`
	OccurredAt time.Time `json:"occurred_at"`
}
