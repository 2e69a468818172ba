package model

import (
	"fmt"
	"strings"
)

// SensitivityLabel is an ordinal classification of how much harm an
// unauthorized action could cause. The zero value is SensitivityLow.
type SensitivityLabel int

const (
	SensitivityLow SensitivityLabel = iota
	SensitivityMedium
	SensitivityHigh
	SensitivityCritical
)

// AllSensitivities lists every label in ascending order.
var AllSensitivities = []SensitivityLabel{
	SensitivityLow,
	SensitivityMedium,
	SensitivityHigh,
	SensitivityCritical,
}

func (l SensitivityLabel) String() string {
	switch l {
	case SensitivityLow:
		return "low"
	case SensitivityMedium:
		return "medium"
	case SensitivityHigh:
		return "high"
	case SensitivityCritical:
		return "critical"
	default:
		return fmt.Sprintf("sensitivity(%d)", int(l))
	}
}

func (l SensitivityLabel) Valid() bool {
	return l >= SensitivityLow && l <= SensitivityCritical
}

// ParseSensitivity accepts the lower-case names produced by String. The
// empty string parses as SensitivityLow.
func ParseSensitivity(s string) (SensitivityLabel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return SensitivityLow, nil
	case "medium":
		return SensitivityMedium, nil
	case "high":
		return SensitivityHigh, nil
	case "critical":
		return SensitivityCritical, nil
	default:
		return SensitivityLow, fmt.Errorf("unknown sensitivity label %q", s)
	}
}

func (l SensitivityLabel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid sensitivity label %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *SensitivityLabel) UnmarshalText(text []byte) error {
	parsed, err := ParseSensitivity(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MaxSensitivity returns the higher of two labels.
func MaxSensitivity(a, b SensitivityLabel) SensitivityLabel {
	if a > b {
		return a
	}
	return b
}
