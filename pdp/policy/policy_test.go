package policy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

type funcEvaluator struct {
	fn      func(ctx context.Context, in NormalizedInput) (Verdict, error)
	version string
}

func (f funcEvaluator) Evaluate(ctx context.Context, in NormalizedInput) (Verdict, error) {
	return f.fn(ctx, in)
}

func (f funcEvaluator) RulesetVersion() string { return f.version }

func testRequest() model.AuthorizationRequest {
	return model.NewAuthorizationRequest(
		model.Principal{ID: "alice", Roles: []string{"developer"}, TeamIDs: []string{"platform"}},
		model.Resource{ID: "search", OwnerTeam: "platform", Sensitivity: model.SensitivityLow},
		"tool:invoke",
		map[string]string{"q": "hello"},
		model.RequestContext{Timestamp: time.Date(2026, 2, 3, 14, 0, 0, 0, time.UTC), Environment: "prod"},
	)
}

func TestAdapterAllows(t *testing.T) {
	a := NewAdapter(funcEvaluator{version: "v1", fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
		assert.Equal(t, "alice", in.Principal.ID)
		assert.Equal(t, 14, in.Context.Hour)
		assert.Equal(t, "low", in.Classification.Label)
		return Verdict{Allow: true, MatchedRules: []string{"dev-tools"}}, nil
	}}, 50*time.Millisecond)

	d, err := a.Evaluate(context.Background(), testRequest(), model.ClassificationResult{Label: model.SensitivityLow, Confidence: 1})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, model.SourceCacheMiss, d.Source)
	assert.Equal(t, []string{"dev-tools"}, d.MatchedRules)
	assert.Equal(t, "allowed by policy", d.Reason)
	assert.Equal(t, "v1", a.RulesetVersion())
}

func TestAdapterFailsClosed(t *testing.T) {
	cases := []struct {
		name string
		fn   func(ctx context.Context, in NormalizedInput) (Verdict, error)
		want error
	}{
		{
			name: "timeout",
			fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
				time.Sleep(200 * time.Millisecond)
				return Verdict{Allow: true}, nil
			},
			want: authzErrors.ErrPolicyEvaluationTimeout,
		},
		{
			name: "transport",
			fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
				return Verdict{Allow: true}, errors.New("connection reset")
			},
			want: authzErrors.ErrPolicyEvaluationTransport,
		},
		{
			name: "malformed",
			fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
				return Verdict{}, authzErrors.ErrPolicyEvaluationMalformed
			},
			want: authzErrors.ErrPolicyEvaluationMalformed,
		},
		{
			name: "panic",
			fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
				panic("boom")
			},
			want: authzErrors.ErrPolicyEvaluationTransport,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewAdapter(funcEvaluator{fn: tc.fn}, 20*time.Millisecond)
			start := time.Now()
			d, err := a.Evaluate(context.Background(), testRequest(), model.ClassificationResult{})
			assert.Less(t, time.Since(start), 150*time.Millisecond)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.False(t, d.Allow)
			assert.Equal(t, UnavailableReason, d.Reason)
			assert.Equal(t, model.SourceFallback, d.Source)
		})
	}
}

func TestAdapterStampsDecisionsWithItsClock(t *testing.T) {
	at := time.Date(2026, 2, 3, 14, 0, 5, 0, time.FixedZone("CET", 3600))
	clock := func() time.Time { return at }

	a := NewAdapter(funcEvaluator{fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
		return Verdict{Allow: true}, nil
	}}, 50*time.Millisecond, WithAdapterClock(clock))
	d, err := a.Evaluate(context.Background(), testRequest(), model.ClassificationResult{})
	require.NoError(t, err)
	assert.Equal(t, at.UTC(), d.EvaluatedAt)

	failing := NewAdapter(funcEvaluator{fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
		return Verdict{}, errors.New("connection reset")
	}}, 50*time.Millisecond, WithAdapterClock(clock))
	d, err = failing.Evaluate(context.Background(), testRequest(), model.ClassificationResult{})
	require.Error(t, err)
	assert.Equal(t, at.UTC(), d.EvaluatedAt)
}

func TestAdapterStats(t *testing.T) {
	a := NewAdapter(funcEvaluator{fn: func(ctx context.Context, in NormalizedInput) (Verdict, error) {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	}}, 5*time.Millisecond)
	a.Evaluate(context.Background(), testRequest(), model.ClassificationResult{})
	s := a.Stats()
	assert.Equal(t, uint64(1), s.Evaluations)
	assert.Equal(t, uint64(1), s.Timeouts)
}

func TestOPAClient(t *testing.T) {
	var gotInput map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/authz/decision", r.URL.Path)
		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotInput = body["input"]
		w.Write([]byte(`{"result":{"allow":true,"matched_rules":["dev_low"],"reason":"developer on low tool"}}`))
	}))
	defer srv.Close()

	c := NewOPAClient(srv.URL+"/", "/v1/data/authz/decision", "bundle-7", nil)
	v, err := c.Evaluate(context.Background(), Normalize(testRequest(), model.ClassificationResult{Label: model.SensitivityLow}))
	require.NoError(t, err)
	assert.True(t, v.Allow)
	assert.Equal(t, []string{"dev_low"}, v.MatchedRules)
	assert.Equal(t, "developer on low tool", v.Reason)
	assert.Equal(t, "tool:invoke", gotInput["action"])
	assert.Equal(t, "bundle-7", c.RulesetVersion())

	c.SetRulesetVersion("bundle-8")
	assert.Equal(t, "bundle-8", c.RulesetVersion())
}

func TestOPAClientMalformedAndTransport(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		want   error
	}{
		"undefined": {http.StatusOK, `{}`, authzErrors.ErrPolicyEvaluationMalformed},
		"no allow":  {http.StatusOK, `{"result":{"reason":"x"}}`, authzErrors.ErrPolicyEvaluationMalformed},
		"not json":  {http.StatusOK, `<html>`, authzErrors.ErrPolicyEvaluationMalformed},
		"5xx":       {http.StatusInternalServerError, `oops`, authzErrors.ErrPolicyEvaluationTransport},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewOPAClient(srv.URL, "v1/data/authz/decision", "v1", nil)
			_, err := c.Evaluate(context.Background(), Normalize(testRequest(), model.ClassificationResult{}))
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	c := NewOPAClient("http://127.0.0.1:1", "/v1/data/x", "v1", nil)
	_, err := c.Evaluate(context.Background(), Normalize(testRequest(), model.ClassificationResult{}))
	assert.True(t, errors.Is(err, authzErrors.ErrPolicyEvaluationTransport))
}

func TestOPAClientThroughAdapterTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	a := NewAdapter(NewOPAClient(srv.URL, "/v1/data/authz/decision", "v1", nil), 20*time.Millisecond)
	d, err := a.Evaluate(context.Background(), testRequest(), model.ClassificationResult{})
	assert.True(t, errors.Is(err, authzErrors.ErrPolicyEvaluationTimeout))
	assert.False(t, d.Allow)
}

const testBundle = `
permit(
    principal,
    action == Authz::Action::"tool:invoke",
    resource
) when {
    principal.roles.contains("developer") && context.label_level <= 1
};

forbid(
    principal,
    action,
    resource
) when {
    context.finding_kinds.contains("high_entropy")
};
`

func TestCedarEngine(t *testing.T) {
	e := NewCedarEngine()
	assert.Equal(t, 0, e.PolicyCount())

	d, err := e.Evaluate(context.Background(), Normalize(testRequest(), model.ClassificationResult{}))
	require.NoError(t, err)
	assert.False(t, d.Allow, "empty policy set denies")

	require.NoError(t, e.LoadBundle(map[string]string{"tools.cedar": testBundle}, ""))
	assert.Equal(t, 2, e.PolicyCount())
	version := e.RulesetVersion()
	assert.Contains(t, version, "b3-")

	require.NoError(t, e.LoadBundle(map[string]string{"tools.cedar": testBundle}, ""))
	assert.Equal(t, version, e.RulesetVersion(), "same bundle, same digest")

	v, err := e.Evaluate(context.Background(), Normalize(testRequest(), model.ClassificationResult{Label: model.SensitivityLow}))
	require.NoError(t, err)
	assert.True(t, v.Allow)
	require.Len(t, v.MatchedRules, 1)
	assert.Contains(t, v.MatchedRules[0], "tools.cedar:")

	v, err = e.Evaluate(context.Background(), Normalize(testRequest(), model.ClassificationResult{Label: model.SensitivityHigh}))
	require.NoError(t, err)
	assert.False(t, v.Allow)

	entropy := model.ClassificationResult{Label: model.SensitivityLow, Findings: []model.Finding{{Kind: model.FindingHighEntropy, Severity: model.SeverityHigh}}}
	v, err = e.Evaluate(context.Background(), Normalize(testRequest(), entropy))
	require.NoError(t, err)
	assert.False(t, v.Allow)
	assert.Contains(t, v.Reason, "denied by policy")
}

func TestCedarEngineRejectsBadBundle(t *testing.T) {
	e := NewCedarEngine()
	require.NoError(t, e.LoadBundle(map[string]string{"ok.cedar": testBundle}, "v1"))
	assert.Error(t, e.LoadBundle(map[string]string{"bad.cedar": "this is not cedar"}, "v2"))
	assert.Equal(t, "v1", e.RulesetVersion())
}

func TestCedarEngineLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/tools.cedar", testBundle))
	e := NewCedarEngine()
	require.NoError(t, e.LoadDir(dir, "disk-1"))
	assert.Equal(t, 2, e.PolicyCount())
	assert.Equal(t, "disk-1", e.RulesetVersion())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
