package cache

import (
	"fmt"
	"time"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// TTLPolicy maps a sensitivity label to how long a decision may be reused.
// A more sensitive label never gets a longer TTL than a less sensitive one.
type TTLPolicy struct {
	Low      time.Duration
	Medium   time.Duration
	High     time.Duration
	Critical time.Duration
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Low:      300 * time.Second,
		Medium:   120 * time.Second,
		High:     60 * time.Second,
		Critical: 30 * time.Second,
	}
}

// TTLPolicyFromMap reads a policy keyed by label name, as found in config.
func TTLPolicyFromMap(m map[string]time.Duration) (TTLPolicy, error) {
	p := DefaultTTLPolicy()
	for name, d := range m {
		label, err := model.ParseSensitivity(name)
		if err != nil {
			return TTLPolicy{}, fmt.Errorf("%w: %v", authzErrors.ErrInvalidTTLPolicy, err)
		}
		p.set(label, d)
	}
	return p, p.Validate()
}

func (p *TTLPolicy) set(label model.SensitivityLabel, d time.Duration) {
	switch label {
	case model.SensitivityLow:
		p.Low = d
	case model.SensitivityMedium:
		p.Medium = d
	case model.SensitivityHigh:
		p.High = d
	case model.SensitivityCritical:
		p.Critical = d
	}
}

// For returns the TTL of label. Unknown labels get the Critical TTL.
func (p TTLPolicy) For(label model.SensitivityLabel) time.Duration {
	switch label {
	case model.SensitivityLow:
		return p.Low
	case model.SensitivityMedium:
		return p.Medium
	case model.SensitivityHigh:
		return p.High
	default:
		return p.Critical
	}
}

// Max is the longest TTL, which bounds how long any entry can live.
func (p TTLPolicy) Max() time.Duration {
	return p.Low
}

func (p TTLPolicy) Validate() error {
	prev := time.Duration(0)
	for i, label := range model.AllSensitivities {
		ttl := p.For(label)
		if ttl <= 0 {
			return fmt.Errorf("%w: %s ttl must be positive, got %s", authzErrors.ErrInvalidTTLPolicy, label, ttl)
		}
		if i > 0 && ttl > prev {
			return fmt.Errorf("%w: %s ttl %s exceeds %s ttl %s", authzErrors.ErrInvalidTTLPolicy,
				label, ttl, model.AllSensitivities[i-1], prev)
		}
		prev = ttl
	}
	return nil
}
