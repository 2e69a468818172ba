// audit/model.go
package audit

import (
	"time"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// Record is one authorization outcome as written to the audit trail.
type Record struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	PrincipalID   string                 `json:"principal_id"`
	TeamIDs       []string               `json:"team_ids,omitempty"`
	Action        string                 `json:"action"`
	ResourceID    string                 `json:"resource_id"`
	Capability    string                 `json:"capability,omitempty"`
	AccessGranted bool                   `json:"access_granted"`
	Reason        string                 `json:"reason"`
	MatchedRules  []string               `json:"matched_rules,omitempty"`
	Source        model.DecisionSource   `json:"source"`
	Sensitivity   model.SensitivityLabel `json:"sensitivity"`
	Confidence    float64                `json:"confidence"`
	RiskScore     int                    `json:"risk_score"`
	FindingKinds  []model.FindingKind    `json:"finding_kinds,omitempty"`
	Degraded      bool                   `json:"degraded,omitempty"`
	LatencyMicros int64                  `json:"latency_us"`
}

func NewRecord(req model.AuthorizationRequest, cls model.ClassificationResult, decision model.Decision, latency time.Duration) Record {
	var kinds []model.FindingKind
	seen := make(map[model.FindingKind]bool)
	for _, f := range cls.Findings {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			kinds = append(kinds, f.Kind)
		}
	}
	ts := decision.EvaluatedAt
	if ts.IsZero() {
		ts = req.Context.Timestamp
	}
	return Record{
		Timestamp:     ts,
		PrincipalID:   req.Principal.ID,
		TeamIDs:       req.Principal.TeamIDs,
		Action:        req.Action,
		ResourceID:    req.Resource.ID,
		Capability:    req.Resource.CapabilityName,
		AccessGranted: decision.Allow,
		Reason:        decision.Reason,
		MatchedRules:  decision.MatchedRules,
		Source:        decision.Source,
		Sensitivity:   cls.Label,
		Confidence:    cls.Confidence,
		RiskScore:     cls.RiskScore,
		FindingKinds:  kinds,
		Degraded:      cls.Degraded,
		LatencyMicros: latency.Microseconds(),
	}
}
