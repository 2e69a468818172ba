package classifier

import (
	"fmt"
	"math"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// ShannonEntropy returns the entropy of value in bits per byte.
func ShannonEntropy(value string) float64 {
	if len(value) == 0 {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(value); i++ {
		counts[value[i]]++
	}
	n := float64(len(value))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func scanEntropy(cfg Config, location, value string) (model.Finding, bool) {
	if len(value) < cfg.EntropyMinLength {
		return model.Finding{}, false
	}
	h := ShannonEntropy(value)
	if h <= cfg.EntropyThreshold {
		return model.Finding{}, false
	}
	return model.Finding{
		Kind:     model.FindingHighEntropy,
		Severity: model.SeverityHigh,
		Detail:   fmt.Sprintf("entropy %.2f bits/byte over %d bytes", h, len(value)),
		Location: location,
	}, true
}
