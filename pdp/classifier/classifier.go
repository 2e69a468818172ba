package classifier

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"unicode/utf8"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

type Config struct {
	EntropyThreshold  float64
	EntropyMinLength  int
	ZThreshold        float64
	ParallelThreshold int
	MaxParameters     int
	MaxScanLength     int
	MaxGoroutines     int
}

func DefaultConfig() Config {
	return Config{
		EntropyThreshold:  4.5,
		EntropyMinLength:  50,
		ZThreshold:        3,
		ParallelThreshold: 8,
		MaxParameters:     256,
		MaxScanLength:     16 * 1024,
		MaxGoroutines:     runtime.GOMAXPROCS(0),
	}
}

func (c Config) Validate() error {
	if c.EntropyThreshold <= 0 || c.EntropyThreshold > 8 {
		return fmt.Errorf("%w: entropy threshold %.2f out of range (0, 8]", authzErrors.ErrInvalidConfig, c.EntropyThreshold)
	}
	if c.EntropyMinLength < 1 {
		return fmt.Errorf("%w: entropy min length must be positive", authzErrors.ErrInvalidConfig)
	}
	if c.ZThreshold <= 0 {
		return fmt.Errorf("%w: z threshold must be positive", authzErrors.ErrInvalidConfig)
	}
	if c.MaxParameters < 1 || c.MaxScanLength < 1 {
		return fmt.Errorf("%w: parameter limits must be positive", authzErrors.ErrInvalidConfig)
	}
	return nil
}

// ClassificationError describes input the classifier refused to scan.
type ClassificationError struct {
	Parameter string
	Reason    string
}

func (e *ClassificationError) Error() string {
	if e.Parameter == "" {
		return "classification: " + e.Reason
	}
	return fmt.Sprintf("classification: parameter %q: %s", e.Parameter, e.Reason)
}

func (e *ClassificationError) Unwrap() error {
	return authzErrors.ErrClassification
}

// Classifier labels requests and collects threat findings. It holds no
// per-request state and is safe for concurrent use.
type Classifier struct {
	cfg  Config
	sigs []signature
}

func New(cfg Config) (*Classifier, error) {
	if cfg.MaxGoroutines < 1 {
		cfg.MaxGoroutines = runtime.GOMAXPROCS(0)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sigs, err := compileSignatures(defaultSignatures)
	if err != nil {
		return nil, fmt.Errorf("compile signatures: %w", err)
	}
	return &Classifier{cfg: cfg, sigs: sigs}, nil
}

// Classify never fails. Malformed input degrades to the resource's declared
// sensitivity with the result marked Degraded.
func (c *Classifier) Classify(ctx context.Context, req *model.AuthorizationRequest, baseline *Baseline) model.ClassificationResult {
	if req == nil {
		return c.degrade(model.SensitivityLow, &ClassificationError{Reason: "nil request"})
	}
	base := req.Resource.Sensitivity
	if !base.Valid() {
		base = model.SensitivityLow
	}
	if err := c.check(req.Parameters); err != nil {
		return c.degrade(base, err)
	}

	findings := c.scanParameters(ctx, req.Parameters)
	findings = append(findings, scanAnomaly(c.cfg, baseline, ObservationOf(req))...)
	sortFindings(findings)

	result := model.ClassificationResult{
		Label:      base,
		Confidence: 1,
		Findings:   findings,
	}
	if sev, ok := result.MaxSeverity(); ok {
		result.Label = model.MaxSensitivity(base, sev.ImpliedSensitivity())
		result.Confidence = confidence(findings)
	}
	result.RiskScore = riskScore(findings)
	return result
}

func (c *Classifier) check(params map[string]string) error {
	if len(params) > c.cfg.MaxParameters {
		return &ClassificationError{Reason: fmt.Sprintf("%d parameters exceeds limit %d", len(params), c.cfg.MaxParameters)}
	}
	for k, v := range params {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return &ClassificationError{Parameter: k, Reason: "invalid UTF-8"}
		}
	}
	return nil
}

func (c *Classifier) degrade(label model.SensitivityLabel, err error) model.ClassificationResult {
	logger.Warn("Classification degraded to declared sensitivity",
		zap.Error(err),
		zap.Stringer("label", label))
	return model.ClassificationResult{Label: label, Degraded: true}
}

func (c *Classifier) scanParameters(ctx context.Context, params map[string]string) []model.Finding {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	if c.cfg.ParallelThreshold < 1 || len(names) < c.cfg.ParallelThreshold {
		var findings []model.Finding
		for _, name := range names {
			findings = append(findings, c.scanValue(name, params[name])...)
		}
		return findings
	}

	p := pool.NewWithResults[[]model.Finding]().WithMaxGoroutines(c.cfg.MaxGoroutines)
	for _, name := range names {
		value := params[name]
		p.Go(func() []model.Finding {
			if ctx.Err() != nil {
				return nil
			}
			return c.scanValue(name, value)
		})
	}
	var findings []model.Finding
	for _, fs := range p.Wait() {
		findings = append(findings, fs...)
	}
	return findings
}

func (c *Classifier) scanValue(name, value string) []model.Finding {
	if len(value) > c.cfg.MaxScanLength {
		value = value[:c.cfg.MaxScanLength]
	}
	findings := scanPatterns(c.sigs, name, value)
	if f, ok := scanEntropy(c.cfg, name, value); ok {
		findings = append(findings, f)
	}
	return findings
}

func sortFindings(findings []model.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return a.Detail < b.Detail
	})
}

var kindConfidence = map[model.FindingKind]float64{
	model.FindingPatternMatch:       0.9,
	model.FindingHighEntropy:        0.7,
	model.FindingStatisticalAnomaly: 0.8,
}

func confidence(findings []model.Finding) float64 {
	var best float64
	for _, f := range findings {
		if c := kindConfidence[f.Kind]; c > best {
			best = c
		}
	}
	return best
}

var severityWeight = map[model.Severity]int{
	model.SeverityHigh:   30,
	model.SeverityMedium: 15,
	model.SeverityLow:    5,
}

func riskScore(findings []model.Finding) int {
	score := 0
	for _, f := range findings {
		score += severityWeight[f.Severity]
	}
	if score > 100 {
		return 100
	}
	return score
}
