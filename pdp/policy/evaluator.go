package policy

import (
	"context"
	"time"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// Evaluator is the rule engine behind the adapter. Implementations wrap
// failures with errors.ErrPolicyEvaluationTransport or
// errors.ErrPolicyEvaluationMalformed.
type Evaluator interface {
	Evaluate(ctx context.Context, in NormalizedInput) (Verdict, error)
	// RulesetVersion identifies the rules currently loaded. It is part of
	// every cache key, so a new version never reuses old decisions.
	RulesetVersion() string
}

type Verdict struct {
	Allow        bool     `json:"allow"`
	MatchedRules []string `json:"matched_rules,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// NormalizedInput is the fixed request contract handed to every rule engine.
type NormalizedInput struct {
	Principal      InputPrincipal      `json:"principal"`
	Resource       InputResource       `json:"resource"`
	Action         string              `json:"action"`
	Context        InputContext        `json:"context"`
	Classification InputClassification `json:"classification"`
}

type InputPrincipal struct {
	ID         string            `json:"id"`
	Roles      []string          `json:"roles"`
	TeamIDs    []string          `json:"team_ids"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type InputResource struct {
	ID             string `json:"id"`
	OwnerTeam      string `json:"owner_team,omitempty"`
	CapabilityName string `json:"capability_name,omitempty"`
	Sensitivity    string `json:"sensitivity"`
}

type InputContext struct {
	Timestamp   time.Time `json:"timestamp"`
	Hour        int       `json:"hour"`
	SourceIP    string    `json:"source_ip,omitempty"`
	Environment string    `json:"environment,omitempty"`
}

type InputClassification struct {
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	RiskScore  int            `json:"risk_score"`
	Degraded   bool           `json:"degraded,omitempty"`
	Findings   []InputFinding `json:"findings"`
}

type InputFinding struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Location string `json:"location,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Normalize flattens a request and its classification into engine input.
// Parameter values are left out; rules see only what the classifier found
// in them.
func Normalize(req model.AuthorizationRequest, cls model.ClassificationResult) NormalizedInput {
	roles := req.Principal.Roles
	if roles == nil {
		roles = []string{}
	}
	teams := req.Principal.TeamIDs
	if teams == nil {
		teams = []string{}
	}
	findings := make([]InputFinding, 0, len(cls.Findings))
	for _, f := range cls.Findings {
		findings = append(findings, InputFinding{
			Kind:     f.Kind.String(),
			Severity: f.Severity.String(),
			Location: f.Location,
			Detail:   f.Detail,
		})
	}
	return NormalizedInput{
		Principal: InputPrincipal{
			ID:         req.Principal.ID,
			Roles:      roles,
			TeamIDs:    teams,
			Attributes: req.Principal.Attributes,
		},
		Resource: InputResource{
			ID:             req.Resource.ID,
			OwnerTeam:      req.Resource.OwnerTeam,
			CapabilityName: req.Resource.CapabilityName,
			Sensitivity:    req.Resource.Sensitivity.String(),
		},
		Action: req.Action,
		Context: InputContext{
			Timestamp:   req.Context.Timestamp,
			Hour:        req.Context.Timestamp.UTC().Hour(),
			SourceIP:    req.Context.SourceIP,
			Environment: req.Context.Environment,
		},
		Classification: InputClassification{
			Label:      cls.Label.String(),
			Confidence: cls.Confidence,
			RiskScore:  cls.RiskScore,
			Degraded:   cls.Degraded,
			Findings:   findings,
		},
	}
}
