package classifier

import (
	"math"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dev-mohitbeniwal/echo/authz/pdp/model"
)

// BaselineStore tracks per-principal request profiles. It is injected into
// the orchestrator so tests and multi-instance deployments can swap it.
type BaselineStore interface {
	Observe(principalID string, obs Observation)
	Snapshot(principalID string, at time.Time) *Baseline
	Seed(principalID string, b Baseline)
}

// Observation is what one request contributes to its principal's profile.
type Observation struct {
	At           time.Time
	Location     string
	RequestBytes int
}

// ObservationOf extracts the profile inputs of req. A zero timestamp is left
// for the caller to fill.
func ObservationOf(req *model.AuthorizationRequest) Observation {
	size := 0
	for k, v := range req.Parameters {
		size += len(k) + len(v)
	}
	return Observation{
		At:           req.Context.Timestamp,
		Location:     LocationOf(req.Context.SourceIP),
		RequestBytes: size,
	}
}

// LocationOf reduces a source address to the network it came from: /24 for
// IPv4, /48 for IPv6. Anything unparsable is kept as given.
func LocationOf(sourceIP string) string {
	sourceIP = strings.TrimSpace(sourceIP)
	if sourceIP == "" {
		return ""
	}
	addr, err := netip.ParseAddr(sourceIP)
	if err != nil {
		return sourceIP
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return sourceIP
	}
	return prefix.String()
}

const (
	// typicalShare is the minimum share of historical traffic an hour of day
	// or a day of week needs to count as typical.
	typicalShare = 0.10
	// projectAfter is the share of the hour that must have been observed
	// before the running count is projected to a full hour.
	projectAfter = 0.5
	maxLocations = 32
)

type profile struct {
	mu sync.Mutex

	// since is the first observation; zero for a seeded profile with no
	// traffic yet.
	since       time.Time
	bucketStart time.Time
	bucketCount float64

	mean     float64
	variance float64
	samples  int

	hourCounts      [24]float64
	dayCounts       [7]float64
	locations       map[string]float64
	maxRequestBytes int

	seeded *Baseline
}

// InMemoryBaselines keeps an exponentially weighted mean and variance of
// hourly request counts per principal, hour-of-day and day-of-week
// histograms, the networks requests came from and the largest request seen.
type InMemoryBaselines struct {
	decay float64

	mu       sync.RWMutex
	profiles map[string]*profile
}

func NewInMemoryBaselines(decay float64) *InMemoryBaselines {
	if decay <= 0 || decay > 1 {
		decay = 0.2
	}
	return &InMemoryBaselines{
		decay:    decay,
		profiles: make(map[string]*profile),
	}
}

func (s *InMemoryBaselines) get(principalID string, create bool) *profile {
	s.mu.RLock()
	p, ok := s.profiles[principalID]
	s.mu.RUnlock()
	if ok || !create {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.profiles[principalID]; ok {
		return p
	}
	p = &profile{}
	s.profiles[principalID] = p
	return p
}

func (s *InMemoryBaselines) Observe(principalID string, obs Observation) {
	p := s.get(principalID, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	at := obs.At.UTC()
	if p.since.IsZero() {
		p.since = at
	}
	hour := at.Truncate(time.Hour)
	if p.bucketStart.IsZero() {
		p.bucketStart = hour
	}
	if hour.After(p.bucketStart) {
		s.fold(p)
		p.bucketStart = hour
		p.bucketCount = 0
	}
	p.bucketCount++
	p.hourCounts[at.Hour()]++
	p.dayCounts[at.Weekday()]++
	if obs.Location != "" {
		if p.locations == nil {
			p.locations = make(map[string]float64)
		}
		if _, known := p.locations[obs.Location]; known || len(p.locations) < maxLocations {
			p.locations[obs.Location]++
		}
	}
	if obs.RequestBytes > p.maxRequestBytes {
		p.maxRequestBytes = obs.RequestBytes
	}
}

// fold closes the current hourly bucket into the running statistics.
func (s *InMemoryBaselines) fold(p *profile) {
	x := p.bucketCount
	if p.samples == 0 {
		p.mean = x
		p.variance = 0
	} else {
		diff := x - p.mean
		incr := s.decay * diff
		p.mean += incr
		p.variance = (1 - s.decay) * (p.variance + diff*incr)
	}
	p.samples++
}

// Snapshot returns nil for a principal with no history. Observed is the
// current hour's count projected to a full hour once at least half of the
// hour has been watched; before that it is the raw count and Partial is set.
func (s *InMemoryBaselines) Snapshot(principalID string, at time.Time) *Baseline {
	p := s.get(principalID, false)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	at = at.UTC()
	hour := at.Truncate(time.Hour)
	b := &Baseline{
		Mean:    p.mean,
		StdDev:  math.Sqrt(p.variance),
		Partial: true,
	}
	if p.bucketStart.Equal(hour) {
		b.Count = p.bucketCount
	}
	b.Observed = b.Count
	if !p.since.IsZero() {
		from := hour
		if p.since.After(from) {
			from = p.since
		}
		if share := float64(at.Sub(from)) / float64(time.Hour); share >= projectAfter {
			b.Observed = b.Count / share
			b.Partial = false
		}
	}

	if p.samples > 0 {
		b.TypicalHours = typicalIndexes(p.hourCounts[:])
		b.TypicalDays = typicalIndexes(p.dayCounts[:])
		b.TypicalLocations = sortedKeys(p.locations)
		b.MaxRequestBytes = p.maxRequestBytes
	}
	if sd := p.seeded; sd != nil {
		if len(sd.TypicalHours) > 0 {
			b.TypicalHours = append([]int(nil), sd.TypicalHours...)
		}
		if len(sd.TypicalDays) > 0 {
			b.TypicalDays = append([]int(nil), sd.TypicalDays...)
		}
		if len(sd.TypicalLocations) > 0 {
			b.TypicalLocations = append([]string(nil), sd.TypicalLocations...)
		}
		if sd.MaxRequestBytes > b.MaxRequestBytes {
			b.MaxRequestBytes = sd.MaxRequestBytes
		}
	}
	return b
}

// Seed installs a known baseline, replacing any history for the principal.
func (s *InMemoryBaselines) Seed(principalID string, b Baseline) {
	seeded := Baseline{
		TypicalHours:     append([]int(nil), b.TypicalHours...),
		TypicalDays:      append([]int(nil), b.TypicalDays...),
		TypicalLocations: append([]string(nil), b.TypicalLocations...),
		MaxRequestBytes:  b.MaxRequestBytes,
	}
	sort.Ints(seeded.TypicalHours)
	sort.Ints(seeded.TypicalDays)
	sort.Strings(seeded.TypicalLocations)
	p := &profile{
		mean:     b.Mean,
		variance: b.StdDev * b.StdDev,
		samples:  1,
		seeded:   &seeded,
	}
	s.mu.Lock()
	s.profiles[principalID] = p
	s.mu.Unlock()
}

func typicalIndexes(counts []float64) []int {
	var total float64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return nil
	}
	var out []int
	for i, c := range counts {
		if c/total >= typicalShare {
			out = append(out, i)
		}
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
