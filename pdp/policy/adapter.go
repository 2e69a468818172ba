package policy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// UnavailableReason is the reason carried by every fail-closed denial.
const UnavailableReason = "policy evaluation unavailable"

const DefaultTimeout = 40 * time.Millisecond

type AdapterStats struct {
	Evaluations uint64 `json:"evaluations"`
	Timeouts    uint64 `json:"timeouts"`
	Transport   uint64 `json:"transport_errors"`
	Malformed   uint64 `json:"malformed"`
	Panics      uint64 `json:"panics"`
}

// Adapter calls the evaluator exactly once per request under a hard timeout
// and turns every failure into a denial.
type Adapter struct {
	evaluator Evaluator
	timeout   time.Duration
	now       func() time.Time

	evaluations atomic.Uint64
	timeouts    atomic.Uint64
	transport   atomic.Uint64
	malformed   atomic.Uint64
	panics      atomic.Uint64
}

type AdapterOption func(*Adapter)

// WithAdapterClock sets the clock used to stamp decisions.
func WithAdapterClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAdapter(evaluator Evaluator, timeout time.Duration, opts ...AdapterOption) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	a := &Adapter{evaluator: evaluator, timeout: timeout, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) RulesetVersion() string {
	return a.evaluator.RulesetVersion()
}

func (a *Adapter) Timeout() time.Duration {
	return a.timeout
}

type outcome struct {
	verdict Verdict
	err     error
}

// Evaluate always returns a usable decision. When err is non-nil the
// decision is a fallback denial and err says why.
func (a *Adapter) Evaluate(ctx context.Context, req model.AuthorizationRequest, cls model.ClassificationResult) (model.Decision, error) {
	a.evaluations.Add(1)
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	input := Normalize(req, cls)
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.panics.Add(1)
				done <- outcome{err: fmt.Errorf("%w: evaluator panic: %v", authzErrors.ErrPolicyEvaluationTransport, r)}
			}
		}()
		v, err := a.evaluator.Evaluate(ctx, input)
		done <- outcome{verdict: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	if out.err != nil {
		return a.fallback(req, a.classify(out.err))
	}
	return model.Decision{
		Allow:        out.verdict.Allow,
		Reason:       verdictReason(out.verdict),
		MatchedRules: out.verdict.MatchedRules,
		EvaluatedAt:  a.now().UTC(),
		Source:       model.SourceCacheMiss,
	}, nil
}

func (a *Adapter) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		a.timeouts.Add(1)
		return fmt.Errorf("%w: %v", authzErrors.ErrPolicyEvaluationTimeout, err)
	case errors.Is(err, authzErrors.ErrPolicyEvaluationMalformed):
		a.malformed.Add(1)
		return err
	case errors.Is(err, authzErrors.ErrPolicyEvaluationTransport):
		a.transport.Add(1)
		return err
	default:
		a.transport.Add(1)
		return fmt.Errorf("%w: %v", authzErrors.ErrPolicyEvaluationTransport, err)
	}
}

func (a *Adapter) fallback(req model.AuthorizationRequest, err error) (model.Decision, error) {
	logger.Warn("Policy evaluation failed, denying",
		zap.String("principal", req.Principal.ID),
		zap.String("action", req.Action),
		zap.String("resource", req.Resource.ID),
		zap.Error(err))
	return model.Deny(UnavailableReason, model.SourceFallback, a.now().UTC()), err
}

func verdictReason(v Verdict) string {
	if v.Reason != "" {
		return v.Reason
	}
	if v.Allow {
		return "allowed by policy"
	}
	return "denied by policy"
}

func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		Evaluations: a.evaluations.Load(),
		Timeouts:    a.timeouts.Load(),
		Transport:   a.transport.Load(),
		Malformed:   a.malformed.Load(),
		Panics:      a.panics.Load(),
	}
}
