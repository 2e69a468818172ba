package engine

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	MetricAuthorize         = "authorize"
	MetricAuthorizeCacheHit = "authorize_cache_hit"
	MetricAuthorizeBatch    = "authorize_batch"
	MetricPolicyEval        = "policy_eval"
)

// Bucket upper bounds in seconds. Dense below 50ms where the decision path lives.
var defaultBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005,
	0.01, 0.02, 0.04, 0.05, 0.1, 0.25, 0.5, 1,
}

// Histogram is a fixed-bucket latency histogram.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
	max     float64
}

func NewHistogram(buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &Histogram{
		buckets: b,
		counts:  make([]uint64, len(b)+1),
	}
}

func (h *Histogram) Observe(d time.Duration) {
	v := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.total++
	if v > h.max {
		h.max = v
	}
	i := sort.SearchFloat64s(h.buckets, v)
	h.counts[i]++
}

// Percentile returns the upper bound of the bucket holding the p-th
// percentile. Observations above the last bucket report the maximum seen.
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.percentileLocked(p)
}

func (h *Histogram) percentileLocked(p float64) time.Duration {
	if h.total == 0 {
		return 0
	}
	p = math.Min(math.Max(p, 0), 1)
	target := uint64(math.Ceil(p * float64(h.total)))
	if target == 0 {
		target = 1
	}
	var seen uint64
	for i, c := range h.counts {
		seen += c
		if seen < target {
			continue
		}
		if i < len(h.buckets) {
			return seconds(h.buckets[i])
		}
		break
	}
	return seconds(h.max)
}

type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

func (h *Histogram) Snapshot() LatencySnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := LatencySnapshot{
		Count: h.total,
		P50:   h.percentileLocked(0.50),
		P95:   h.percentileLocked(0.95),
		P99:   h.percentileLocked(0.99),
		Max:   seconds(h.max),
	}
	if h.total > 0 {
		s.Mean = seconds(h.sum / float64(h.total))
	}
	return s
}

// LatencyRegistry holds one histogram per operation name.
type LatencyRegistry struct {
	mu    sync.RWMutex
	hists map[string]*Histogram
}

func NewLatencyRegistry() *LatencyRegistry {
	return &LatencyRegistry{hists: make(map[string]*Histogram)}
}

func (r *LatencyRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.hists[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.hists[name]; ok {
		return h
	}
	h = NewHistogram(nil)
	r.hists[name] = h
	return h
}

func (r *LatencyRegistry) Observe(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *LatencyRegistry) Snapshots() map[string]LatencySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]LatencySnapshot, len(r.hists))
	for name, h := range r.hists {
		out[name] = h.Snapshot()
	}
	return out
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
