// service/authz_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dev-mohitbeniwal/echo/authz/audit"
	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/cache"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/engine"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/invalidation"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/policy"
	"github.com/dev-mohitbeniwal/echo/authz/util"
)

// IAuthzService defines the operations exposed over HTTP
type IAuthzService interface {
	Authorize(ctx context.Context, req model.AuthorizationRequest) model.Decision
	AuthorizeBatch(ctx context.Context, reqs []model.AuthorizationRequest) ([]model.Decision, error)
	Invalidate(ctx context.Context, scope model.Scope) (model.InvalidationEvent, error)
	ReloadPolicies(ctx context.Context) (string, error)
	Warm(ctx context.Context, reqs []model.AuthorizationRequest) (int, error)
	Stats() StatsReport
	Latency() map[string]engine.LatencySnapshot
	Health(ctx context.Context) HealthStatus
}

type StatsReport struct {
	RulesetVersion string              `json:"ruleset_version"`
	HitRatio       float64             `json:"hit_ratio"`
	Revalidations  uint64              `json:"revalidations"`
	Cache          cache.Stats         `json:"cache"`
	Janitor        cache.JanitorStats  `json:"janitor"`
	Invalidation   invalidation.Stats  `json:"invalidation"`
	Policy         policy.AdapterStats `json:"policy"`
	Audit          *audit.SinkStats    `json:"audit,omitempty"`
}

type HealthStatus struct {
	Status         string `json:"status"`
	RulesetVersion string `json:"ruleset_version"`
	L1Entries      int    `json:"l1_entries"`
}

// PolicyReloader reloads the local policy bundle and returns its version.
type PolicyReloader func(ctx context.Context) (string, error)

type rulesetChange struct {
	Previous string
	Current  string
}

// Dependencies wires AuthzService. Janitor, AuditSink and Reload are optional.
type Dependencies struct {
	Orchestrator *engine.Orchestrator
	Cache        *cache.TieredCache
	Janitor      *cache.Janitor
	Adapter      *policy.Adapter
	Bus          *invalidation.Bus
	Publisher    *invalidation.Publisher
	Events       *util.EventBus
	Validation   *util.ValidationUtil
	AuditSink    *audit.AsyncSink
	Reload       PolicyReloader
}

// AuthzService handles business logic for authorization decisions
type AuthzService struct {
	orchestrator *engine.Orchestrator
	cache        *cache.TieredCache
	janitor      *cache.Janitor
	adapter      *policy.Adapter
	bus          *invalidation.Bus
	publisher    *invalidation.Publisher
	events       *util.EventBus
	validation   *util.ValidationUtil
	auditSink    *audit.AsyncSink
	reload       PolicyReloader
}

func NewAuthzService(deps Dependencies) *AuthzService {
	s := &AuthzService{
		orchestrator: deps.Orchestrator,
		cache:        deps.Cache,
		janitor:      deps.Janitor,
		adapter:      deps.Adapter,
		bus:          deps.Bus,
		publisher:    deps.Publisher,
		events:       deps.Events,
		validation:   deps.Validation,
		auditSink:    deps.AuditSink,
		reload:       deps.Reload,
	}
	if s.validation == nil {
		s.validation = util.NewValidationUtil(0)
	}
	if s.events != nil {
		s.events.Subscribe(util.EventRulesetReloaded, s.handleRulesetReloaded)
	}
	return s
}

func (s *AuthzService) Authorize(ctx context.Context, req model.AuthorizationRequest) model.Decision {
	return s.orchestrator.Authorize(ctx, req.Normalized())
}

func (s *AuthzService) AuthorizeBatch(ctx context.Context, reqs []model.AuthorizationRequest) ([]model.Decision, error) {
	if err := s.validation.ValidateBatch(reqs); err != nil {
		return nil, err
	}
	normalized := make([]model.AuthorizationRequest, len(reqs))
	for i, r := range reqs {
		normalized[i] = r.Normalized()
	}
	return s.orchestrator.AuthorizeBatch(ctx, normalized), nil
}

// Warm evaluates reqs ahead of demand and preloads the answers. It takes the
// same batch limits as AuthorizeBatch.
func (s *AuthzService) Warm(ctx context.Context, reqs []model.AuthorizationRequest) (int, error) {
	if err := s.validation.ValidateBatch(reqs); err != nil {
		return 0, err
	}
	normalized := make([]model.AuthorizationRequest, len(reqs))
	for i, r := range reqs {
		normalized[i] = r.Normalized()
	}
	return s.orchestrator.Warm(ctx, normalized), nil
}

// Invalidate applies scope locally and announces it to the other instances.
// Broadcast failures are logged; the local instance is invalidated regardless.
func (s *AuthzService) Invalidate(ctx context.Context, scope model.Scope) (model.InvalidationEvent, error) {
	if err := s.validation.ValidateScope(scope); err != nil {
		return model.InvalidationEvent{}, err
	}
	if s.publisher == nil {
		ev := model.InvalidationEvent{ID: uuid.NewString(), Scope: scope, OccurredAt: time.Now().UTC()}
		if err := s.bus.OnEvent(ev); err != nil {
			return model.InvalidationEvent{}, err
		}
		return ev, nil
	}
	ev, err := s.publisher.Publish(ctx, scope)
	if err != nil {
		if errors.Is(err, authzErrors.ErrInvalidScope) {
			return model.InvalidationEvent{}, err
		}
		logger.Warn("Invalidation applied locally only", zap.Error(err), zap.Stringer("scope", scope))
	}
	return ev, nil
}

func (s *AuthzService) ReloadPolicies(ctx context.Context) (string, error) {
	if s.reload == nil {
		return "", authzErrors.ErrPolicyReloadUnsupported
	}
	previous := s.adapter.RulesetVersion()
	current, err := s.reload(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to reload policies: %w", err)
	}
	logger.Info("Policies reloaded", zap.String("previous", previous), zap.String("current", current))
	if current != previous && s.events != nil {
		s.events.Publish(context.WithoutCancel(ctx), util.EventRulesetReloaded, rulesetChange{Previous: previous, Current: current})
	}
	return current, nil
}

// handleRulesetReloaded drops entries of the superseded ruleset. New keys
// already carry the new version, so this only frees memory early.
func (s *AuthzService) handleRulesetReloaded(ctx context.Context, event util.Event) error {
	change, ok := event.Payload.(rulesetChange)
	if !ok {
		return fmt.Errorf("invalid event payload type: %T", event.Payload)
	}
	if change.Previous == "" {
		return nil
	}
	_, err := s.Invalidate(ctx, model.RulesetScope(change.Previous))
	return err
}

func (s *AuthzService) Stats() StatsReport {
	cs := s.cache.Stats()
	report := StatsReport{
		RulesetVersion: s.adapter.RulesetVersion(),
		HitRatio:       cs.HitRatio(),
		Revalidations:  s.orchestrator.Revalidations(),
		Cache:          cs,
		Policy:         s.adapter.Stats(),
	}
	if s.janitor != nil {
		report.Janitor = s.janitor.Stats()
	}
	if s.bus != nil {
		report.Invalidation = s.bus.Stats()
	}
	if s.auditSink != nil {
		as := s.auditSink.Stats()
		report.Audit = &as
	}
	return report
}

func (s *AuthzService) Latency() map[string]engine.LatencySnapshot {
	return s.orchestrator.Latency().Snapshots()
}

func (s *AuthzService) Health(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:         "ok",
		RulesetVersion: s.adapter.RulesetVersion(),
		L1Entries:      s.cache.Len(),
	}
}
