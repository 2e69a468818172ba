package policy

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cedar-policy/cedar-go"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

const (
	EntityTypePrincipal = cedar.EntityType("Authz::Principal")
	EntityTypeAction    = cedar.EntityType("Authz::Action")
	EntityTypeTool      = cedar.EntityType("Authz::Tool")
)

// CedarEngine evaluates a Cedar policy bundle in process.
type CedarEngine struct {
	mu        sync.RWMutex
	policySet *cedar.PolicySet
	version   string
}

// NewCedarEngine starts with an empty policy set, which denies everything.
func NewCedarEngine() *CedarEngine {
	return &CedarEngine{policySet: cedar.NewPolicySet(), version: "empty"}
}

// LoadBundle replaces the policy set with policies parsed from raw Cedar
// sources keyed by file name. An empty version is replaced by a digest of
// the bundle contents.
func (e *CedarEngine) LoadBundle(policies map[string]string, version string) error {
	next := cedar.NewPolicySet()
	for filename, content := range policies {
		parsed, err := cedar.NewPolicySetFromBytes(filename, []byte(content))
		if err != nil {
			return fmt.Errorf("parse %s: %w", filename, err)
		}
		for name, p := range parsed.All() {
			next.Add(cedar.PolicyID(fmt.Sprintf("%s:%s", filename, name)), p)
		}
	}
	if version == "" {
		version = bundleDigest(policies)
	}

	e.mu.Lock()
	e.policySet = next
	e.version = version
	e.mu.Unlock()

	logger.Info("Cedar policy bundle loaded",
		zap.String("version", version),
		zap.Int("files", len(policies)))
	return nil
}

// LoadDir loads every *.cedar file in dir.
func (e *CedarEngine) LoadDir(dir, version string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.cedar"))
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	bundle := make(map[string]string, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		bundle[filepath.Base(p)] = string(b)
	}
	return e.LoadBundle(bundle, version)
}

func bundleDigest(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	h := blake3.New()
	for _, n := range names {
		fmt.Fprintf(h, "%d:%s%d:%s", len(n), n, len(policies[n]), policies[n])
	}
	return "b3-" + hex.EncodeToString(h.Sum(nil)[:8])
}

func (e *CedarEngine) RulesetVersion() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func (e *CedarEngine) PolicyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	count := 0
	for range e.policySet.All() {
		count++
	}
	return count
}

func (e *CedarEngine) Evaluate(ctx context.Context, in NormalizedInput) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	principal := cedar.NewEntityUID(EntityTypePrincipal, cedar.String(in.Principal.ID))
	action := cedar.NewEntityUID(EntityTypeAction, cedar.String(in.Action))
	resource := cedar.NewEntityUID(EntityTypeTool, cedar.String(in.Resource.ID))

	entities := cedar.EntityMap{
		principal: cedar.Entity{UID: principal, Attributes: principalAttributes(in.Principal)},
		resource:  cedar.Entity{UID: resource, Attributes: resourceAttributes(in.Resource)},
	}
	req := cedar.Request{
		Principal: principal,
		Action:    action,
		Resource:  resource,
		Context:   contextRecord(in),
	}

	decision, diagnostic := cedar.Authorize(e.policySet, entities, req)
	v := Verdict{Allow: decision == cedar.Allow}
	for _, r := range diagnostic.Reasons {
		v.MatchedRules = append(v.MatchedRules, string(r.PolicyID))
	}
	sort.Strings(v.MatchedRules)
	v.Reason = cedarReason(decision, diagnostic)
	return v, nil
}

func principalAttributes(p InputPrincipal) cedar.Record {
	attrs := cedar.RecordMap{
		cedar.String("id"):    cedar.String(p.ID),
		cedar.String("roles"): toStringSet(p.Roles),
		cedar.String("teams"): toStringSet(p.TeamIDs),
	}
	extra := cedar.RecordMap{}
	for k, v := range p.Attributes {
		extra[cedar.String(k)] = cedar.String(v)
	}
	attrs[cedar.String("attributes")] = cedar.NewRecord(extra)
	return cedar.NewRecord(attrs)
}

func resourceAttributes(r InputResource) cedar.Record {
	level, _ := model.ParseSensitivity(r.Sensitivity)
	return cedar.NewRecord(cedar.RecordMap{
		cedar.String("id"):                cedar.String(r.ID),
		cedar.String("owner_team"):        cedar.String(r.OwnerTeam),
		cedar.String("capability"):        cedar.String(r.CapabilityName),
		cedar.String("sensitivity"):       cedar.String(r.Sensitivity),
		cedar.String("sensitivity_level"): cedar.Long(int64(level)),
	})
}

func contextRecord(in NormalizedInput) cedar.Record {
	level, _ := model.ParseSensitivity(in.Classification.Label)
	kinds := make([]string, 0, len(in.Classification.Findings))
	maxSeverity := ""
	for _, f := range in.Classification.Findings {
		kinds = append(kinds, f.Kind)
		if severityRank(f.Severity) > severityRank(maxSeverity) {
			maxSeverity = f.Severity
		}
	}
	return cedar.NewRecord(cedar.RecordMap{
		cedar.String("label"):         cedar.String(in.Classification.Label),
		cedar.String("label_level"):   cedar.Long(int64(level)),
		cedar.String("risk_score"):    cedar.Long(int64(in.Classification.RiskScore)),
		cedar.String("finding_kinds"): toStringSet(kinds),
		cedar.String("max_severity"):  cedar.String(maxSeverity),
		cedar.String("degraded"):      cedar.Boolean(in.Classification.Degraded),
		cedar.String("hour"):          cedar.Long(int64(in.Context.Hour)),
		cedar.String("environment"):   cedar.String(in.Context.Environment),
		cedar.String("source_ip"):     cedar.String(in.Context.SourceIP),
	})
}

func severityRank(s string) int {
	switch strings.ToLower(s) {
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	default:
		return 0
	}
}

func toStringSet(values []string) cedar.Value {
	if len(values) == 0 {
		return cedar.NewSet()
	}
	items := make([]cedar.Value, len(values))
	for i, v := range values {
		items[i] = cedar.String(v)
	}
	return cedar.NewSet(items...)
}

func cedarReason(decision cedar.Decision, diagnostic cedar.Diagnostic) string {
	if decision == cedar.Allow {
		if len(diagnostic.Reasons) > 0 {
			return fmt.Sprintf("allowed by policy: %s", diagnostic.Reasons[0].PolicyID)
		}
		return "allowed"
	}
	if len(diagnostic.Reasons) > 0 {
		return fmt.Sprintf("denied by policy: %s", diagnostic.Reasons[0].PolicyID)
	}
	if len(diagnostic.Errors) > 0 {
		return fmt.Sprintf("policy error: %s", diagnostic.Errors[0].String())
	}
	return "denied: no matching permit policy"
}
