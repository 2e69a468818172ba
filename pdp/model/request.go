package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
)

type Principal struct {
	ID         string            `json:"id"`
	Roles      []string          `json:"roles"`
	TeamIDs    []string          `json:"team_ids"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// HasRole reports whether the principal carries role. Roles are kept sorted
// by NewAuthorizationRequest.
func (p Principal) HasRole(role string) bool {
	return containsSorted(p.Roles, role)
}

func (p Principal) InTeam(teamID string) bool {
	return containsSorted(p.TeamIDs, teamID)
}

type Resource struct {
	ID             string           `json:"id"`
	OwnerTeam      string           `json:"owner_team"`
	CapabilityName string           `json:"capability_name"`
	Sensitivity    SensitivityLabel `json:"sensitivity"`
}

type RequestContext struct {
	Timestamp   time.Time `json:"timestamp"`
	SourceIP    string    `json:"source_ip"`
	Environment string    `json:"environment"`
}

// AuthorizationRequest describes one tool invocation awaiting a decision.
// Build it with NewAuthorizationRequest and treat it as read-only afterwards.
type AuthorizationRequest struct {
	Principal  Principal         `json:"principal"`
	Resource   Resource          `json:"resource"`
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Context    RequestContext    `json:"context"`
}

// NewAuthorizationRequest copies every map and slice it is given so later
// changes by the caller cannot leak into a request in flight. Role and team
// sets are sorted and de-duplicated, and a zero timestamp is replaced by now.
func NewAuthorizationRequest(principal Principal, resource Resource, action string, params map[string]string, reqCtx RequestContext) AuthorizationRequest {
	if reqCtx.Timestamp.IsZero() {
		reqCtx.Timestamp = time.Now().UTC()
	}
	return AuthorizationRequest{
		Principal: Principal{
			ID:         principal.ID,
			Roles:      normalizeSet(principal.Roles),
			TeamIDs:    normalizeSet(principal.TeamIDs),
			Attributes: copyMap(principal.Attributes),
		},
		Resource:   resource,
		Action:     action,
		Parameters: copyMap(params),
		Context:    reqCtx,
	}
}

// Normalized returns a copy of r run through NewAuthorizationRequest. It is
// used on requests decoded straight from the wire.
func (r AuthorizationRequest) Normalized() AuthorizationRequest {
	return NewAuthorizationRequest(r.Principal, r.Resource, r.Action, r.Parameters, r.Context)
}

// Validate rejects requests that cannot be evaluated. Such requests are
// denied without reaching the policy engine.
func (r AuthorizationRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Principal.ID) == "":
		return fmt.Errorf("%w: principal id is required", authzErrors.ErrInvalidRequest)
	case strings.TrimSpace(r.Action) == "":
		return fmt.Errorf("%w: action is required", authzErrors.ErrInvalidRequest)
	case strings.TrimSpace(r.Resource.ID) == "":
		return fmt.Errorf("%w: resource id is required", authzErrors.ErrInvalidRequest)
	case !r.Resource.Sensitivity.Valid():
		return fmt.Errorf("%w: unknown resource sensitivity %d", authzErrors.ErrInvalidRequest, int(r.Resource.Sensitivity))
	}
	return nil
}

// Scopes lists the invalidation scopes the requester currently belongs to.
func (r AuthorizationRequest) Scopes() []Scope {
	scopes := make([]Scope, 0, len(r.Principal.TeamIDs)+1)
	if r.Principal.ID != "" {
		scopes = append(scopes, UserScope(r.Principal.ID))
	}
	for _, t := range r.Principal.TeamIDs {
		if t != "" {
			scopes = append(scopes, TeamScope(t))
		}
	}
	return scopes
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func containsSorted(values []string, v string) bool {
	i := sort.SearchStrings(values, v)
	return i < len(values) && values[i] == v
}
