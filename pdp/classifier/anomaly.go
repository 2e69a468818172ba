package classifier

import (
	"fmt"
	"math"
	"time"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// requestSizeMultiplier flags requests this many times larger than the
// largest one in the principal's history.
const requestSizeMultiplier = 3

// Baseline is a principal's rolling request profile together with what has
// been observed in the current hour.
type Baseline struct {
	Mean             float64  `json:"mean"`
	StdDev           float64  `json:"std_dev"`
	TypicalHours     []int    `json:"typical_hours,omitempty"`
	TypicalDays      []int    `json:"typical_days,omitempty"`
	TypicalLocations []string `json:"typical_locations,omitempty"`
	MaxRequestBytes  int      `json:"max_request_bytes,omitempty"`
	// Count is the number of requests so far in the current hour.
	Count float64 `json:"count"`
	// Observed is the hourly rate compared against Mean.
	Observed float64 `json:"observed"`
	// Partial means Observed is a count for an hour still in progress, so it
	// can only be trusted upwards.
	Partial bool `json:"partial"`
}

// ZScore is (observed - mean) / stddev. ok is false when stddev is zero.
func (b Baseline) ZScore() (z float64, ok bool) {
	if b.StdDev <= 0 || math.IsNaN(b.StdDev) {
		return 0, false
	}
	return (b.Observed - b.Mean) / b.StdDev, true
}

func (b Baseline) IsTypicalHour(hour int) bool {
	return containsInt(b.TypicalHours, hour)
}

func (b Baseline) IsTypicalDay(day time.Weekday) bool {
	return containsInt(b.TypicalDays, int(day))
}

func (b Baseline) IsTypicalLocation(location string) bool {
	for _, l := range b.TypicalLocations {
		if l == location {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// scanAnomaly compares obs with the principal's baseline. Empty typical sets
// mean there is no history yet and skip their test.
func scanAnomaly(cfg Config, b *Baseline, obs Observation) []model.Finding {
	if b == nil {
		return nil
	}
	var findings []model.Finding
	if z, ok := b.ZScore(); ok {
		switch {
		case z > cfg.ZThreshold:
			sev := model.SeverityMedium
			if z > 2*cfg.ZThreshold {
				sev = model.SeverityHigh
			}
			findings = append(findings, rateFinding(sev, z, b))
		case z < -cfg.ZThreshold && !b.Partial:
			findings = append(findings, rateFinding(model.SeverityLow, z, b))
		}
	}

	at := obs.At.UTC()
	if len(b.TypicalHours) > 0 && !b.IsTypicalHour(at.Hour()) {
		findings = append(findings, model.Finding{
			Kind:     model.FindingStatisticalAnomaly,
			Severity: model.SeverityLow,
			Detail:   fmt.Sprintf("request at hour %02d outside typical hours", at.Hour()),
			Location: "hour_of_day",
		})
	}
	if len(b.TypicalDays) > 0 && !b.IsTypicalDay(at.Weekday()) {
		findings = append(findings, model.Finding{
			Kind:     model.FindingStatisticalAnomaly,
			Severity: model.SeverityLow,
			Detail:   fmt.Sprintf("request on %s outside typical days", at.Weekday()),
			Location: "day_of_week",
		})
	}
	if obs.Location != "" && len(b.TypicalLocations) > 0 && !b.IsTypicalLocation(obs.Location) {
		findings = append(findings, model.Finding{
			Kind:     model.FindingStatisticalAnomaly,
			Severity: model.SeverityMedium,
			Detail:   fmt.Sprintf("request from unfamiliar network %s", obs.Location),
			Location: "source_network",
		})
	}
	if b.MaxRequestBytes > 0 && obs.RequestBytes > requestSizeMultiplier*b.MaxRequestBytes {
		findings = append(findings, model.Finding{
			Kind:     model.FindingStatisticalAnomaly,
			Severity: model.SeverityMedium,
			Detail:   fmt.Sprintf("request of %d bytes, largest seen %d", obs.RequestBytes, b.MaxRequestBytes),
			Location: "request_size",
		})
	}
	return findings
}

func rateFinding(sev model.Severity, z float64, b *Baseline) model.Finding {
	return model.Finding{
		Kind:     model.FindingStatisticalAnomaly,
		Severity: sev,
		Detail:   fmt.Sprintf("request rate z-score %.2f (observed %.0f, mean %.0f, stddev %.2f)", z, b.Observed, b.Mean, b.StdDev),
		Location: "request_rate",
	}
}
