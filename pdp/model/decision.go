package model

import (
	"fmt"
	"time"
)

type DecisionSource int

const (
	SourceCacheMiss DecisionSource = iota
	SourceCacheHit
	SourceFallback
)

func (s DecisionSource) String() string {
	switch s {
	case SourceCacheHit:
		return "cache_hit"
	case SourceCacheMiss:
		return "cache_miss"
	case SourceFallback:
		return "fallback"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

func (s DecisionSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DecisionSource) UnmarshalText(text []byte) error {
	switch string(text) {
	case "cache_hit":
		*s = SourceCacheHit
	case "cache_miss":
		*s = SourceCacheMiss
	case "fallback":
		*s = SourceFallback
	default:
		return fmt.Errorf("unknown decision source %q", text)
	}
	return nil
}

// Decision is the outcome handed back to callers and to the audit sink.
type Decision struct {
	Allow        bool           `json:"allow"`
	Reason       string         `json:"reason"`
	MatchedRules []string       `json:"matched_rules,omitempty"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
	Source       DecisionSource `json:"source"`
}

// Deny builds a denial. Every fail-closed path goes through here.
func Deny(reason string, source DecisionSource, at time.Time) Decision {
	return Decision{
		Allow:       false,
		Reason:      reason,
		EvaluatedAt: at,
		Source:      source,
	}
}

// Clone returns a copy of d that shares no memory with it.
func (d Decision) Clone() Decision {
	out := d
	if d.MatchedRules != nil {
		out.MatchedRules = append([]string(nil), d.MatchedRules...)
	}
	return out
}

// WithSource returns a copy of d attributed to source.
func (d Decision) WithSource(source DecisionSource) Decision {
	out := d.Clone()
	out.Source = source
	return out
}
