package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
)

// OPAClient queries an Open Policy Agent data API. The rule must produce an
// object with at least a boolean "allow".
type OPAClient struct {
	url        string
	httpClient *http.Client
	version    atomic.Pointer[string]
}

func NewOPAClient(baseURL, policyPath, rulesetVersion string, httpClient *http.Client) *OPAClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	c := &OPAClient{
		url:        strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(policyPath, "/"),
		httpClient: httpClient,
	}
	c.SetRulesetVersion(rulesetVersion)
	return c
}

func (c *OPAClient) RulesetVersion() string {
	return *c.version.Load()
}

// SetRulesetVersion records that OPA now serves a different bundle.
func (c *OPAClient) SetRulesetVersion(v string) {
	c.version.Store(&v)
}

type opaRequest struct {
	Input NormalizedInput `json:"input"`
}

type opaResponse struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow        *bool    `json:"allow"`
	MatchedRules []string `json:"matched_rules"`
	Reason       string   `json:"reason"`
	AuditReason  string   `json:"audit_reason"`
}

func (c *OPAClient) Evaluate(ctx context.Context, in NormalizedInput) (Verdict, error) {
	body, err := json.Marshal(opaRequest{Input: in})
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: encode input: %v", authzErrors.ErrPolicyEvaluationTransport, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: build request: %v", authzErrors.ErrPolicyEvaluationTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		return Verdict{}, fmt.Errorf("%w: %v", authzErrors.ErrPolicyEvaluationTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Verdict{}, fmt.Errorf("%w: opa returned status %d", authzErrors.ErrPolicyEvaluationTransport, resp.StatusCode)
	}

	var out opaResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode response: %v", authzErrors.ErrPolicyEvaluationMalformed, err)
	}
	if out.Result == nil {
		return Verdict{}, fmt.Errorf("%w: response has no result, is the policy path defined?", authzErrors.ErrPolicyEvaluationMalformed)
	}
	if out.Result.Allow == nil {
		return Verdict{}, fmt.Errorf("%w: result has no allow field", authzErrors.ErrPolicyEvaluationMalformed)
	}

	reason := out.Result.Reason
	if reason == "" {
		reason = out.Result.AuditReason
	}
	return Verdict{
		Allow:        *out.Result.Allow,
		MatchedRules: out.Result.MatchedRules,
		Reason:       reason,
	}, nil
}
