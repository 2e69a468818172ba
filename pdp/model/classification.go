package model

import "fmt"

type FindingKind int

const (
	FindingPatternMatch FindingKind = iota
	FindingHighEntropy
	FindingStatisticalAnomaly
)

func (k FindingKind) String() string {
	switch k {
	case FindingPatternMatch:
		return "pattern_match"
	case FindingHighEntropy:
		return "high_entropy"
	case FindingStatisticalAnomaly:
		return "statistical_anomaly"
	default:
		return fmt.Sprintf("finding(%d)", int(k))
	}
}

func (k FindingKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FindingKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pattern_match":
		*k = FindingPatternMatch
	case "high_entropy":
		*k = FindingHighEntropy
	case "statistical_anomaly":
		*k = FindingStatisticalAnomaly
	default:
		return fmt.Errorf("unknown finding kind %q", text)
	}
	return nil
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// ImpliedSensitivity maps a finding severity onto the lowest label a request
// carrying such a finding may be classified at.
func (s Severity) ImpliedSensitivity() SensitivityLabel {
	switch s {
	case SeverityHigh:
		return SensitivityHigh
	case SeverityMedium:
		return SensitivityMedium
	default:
		return SensitivityLow
	}
}

type Finding struct {
	Kind     FindingKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Detail   string      `json:"detail"`
	Location string      `json:"location,omitempty"`
}

// ClassificationResult is produced fresh for every request and forwarded to
// the policy engine and the audit sink. It is never cached.
type ClassificationResult struct {
	Label      SensitivityLabel `json:"label"`
	Confidence float64          `json:"confidence"`
	Findings   []Finding        `json:"findings,omitempty"`
	RiskScore  int              `json:"risk_score"`
	Degraded   bool             `json:"degraded,omitempty"`
}

// MaxSeverity returns the highest severity among the findings. ok is false
// when there are none.
func (r ClassificationResult) MaxSeverity() (sev Severity, ok bool) {
	for i, f := range r.Findings {
		if i == 0 || f.Severity > sev {
			sev = f.Severity
		}
	}
	return sev, len(r.Findings) > 0
}

func (r ClassificationResult) HasKind(kind FindingKind) bool {
	for _, f := range r.Findings {
		if f.Kind == kind {
			return true
		}
	}
	return false
}
