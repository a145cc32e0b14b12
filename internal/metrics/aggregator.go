// Package metrics aggregates raw probe samples into per-phase rolling
// summaries. Small windows keep every latency for exact percentiles; once a
// window crosses the configured threshold it degrades to a fixed set of
// log-spaced histogram buckets so memory stays bounded on long phases.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"pkt.systems/tripd/internal/clock"
)

const (
	// DefaultExactWindow is the sample count up to which percentiles are
	// computed exactly.
	DefaultExactWindow = 4096

	bucketCount = 80
	bucketMinMS = 0.1
	bucketMaxMS = 60_000
)

// Sample is one probe observation.
type Sample struct {
	LatencyMS float64 `json:"latency_ms"`
	Err       bool    `json:"is_error"`
}

// Summary is the aggregate view of one phase window.
type Summary struct {
	Count     int64   `json:"count"`
	P50MS     float64 `json:"p50_ms"`
	P95MS     float64 `json:"p95_ms"`
	QPS       float64 `json:"qps"`
	ErrorRate float64 `json:"error_rate"`
}

// Aggregator collects samples per phase. Record and Summarize may be called
// concurrently; a summary reflects every sample recorded before the call
// returned and may or may not include concurrent ones.
type Aggregator struct {
	mu          sync.Mutex
	clock       clock.Clock
	exactWindow int
	phases      map[string]*window
}

type window struct {
	exact     []float64
	buckets   []int64
	truncated bool
	count     int64
	errs      int64
	first     time.Time
	last      time.Time
}

// New returns an aggregator with the supplied exact-window threshold. A
// non-positive threshold selects DefaultExactWindow.
func New(clk clock.Clock, exactWindow int) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}
	if exactWindow <= 0 {
		exactWindow = DefaultExactWindow
	}
	return &Aggregator{
		clock:       clk,
		exactWindow: exactWindow,
		phases:      make(map[string]*window),
	}
}

// Record appends a sample to the named phase window.
func (a *Aggregator) Record(phase string, s Sample) {
	now := a.clock.Now()
	a.mu.Lock()
	w := a.phases[phase]
	if w == nil {
		w = &window{first: now}
		a.phases[phase] = w
	}
	w.count++
	if s.Err {
		w.errs++
	}
	w.last = now
	if w.truncated {
		w.buckets[bucketIndex(s.LatencyMS)]++
	} else {
		w.exact = append(w.exact, s.LatencyMS)
		if len(w.exact) >= a.exactWindow {
			w.degrade()
		}
	}
	a.mu.Unlock()
}

// degrade replays the exact window into histogram buckets and drops it.
// Called with the aggregator lock held.
func (w *window) degrade() {
	w.buckets = make([]int64, bucketCount)
	for _, latency := range w.exact {
		w.buckets[bucketIndex(latency)]++
	}
	w.exact = nil
	w.truncated = true
}

// Summarize computes the current aggregate for the named phase. A phase with
// no samples yields a zero Summary.
func (a *Aggregator) Summarize(phase string) Summary {
	a.mu.Lock()
	w := a.phases[phase]
	if w == nil {
		a.mu.Unlock()
		return Summary{}
	}
	count := w.count
	errs := w.errs
	first := w.first
	last := w.last
	var exact []float64
	var buckets []int64
	if w.truncated {
		buckets = append([]int64(nil), w.buckets...)
	} else {
		exact = append([]float64(nil), w.exact...)
	}
	a.mu.Unlock()

	summary := Summary{Count: count}
	if count == 0 {
		return summary
	}
	summary.ErrorRate = float64(errs) / float64(count)
	if elapsed := last.Sub(first).Seconds(); elapsed > 0 {
		summary.QPS = float64(count) / elapsed
	} else {
		summary.QPS = float64(count)
	}
	if buckets != nil {
		summary.P50MS = bucketPercentile(buckets, count, 0.50)
		summary.P95MS = bucketPercentile(buckets, count, 0.95)
	} else {
		sort.Float64s(exact)
		summary.P50MS = exactPercentile(exact, 0.50)
		summary.P95MS = exactPercentile(exact, 0.95)
	}
	return summary
}

// Phases lists the phases that have recorded at least one sample, sorted.
func (a *Aggregator) Phases() []string {
	a.mu.Lock()
	names := make([]string, 0, len(a.phases))
	for name := range a.phases {
		names = append(names, name)
	}
	a.mu.Unlock()
	sort.Strings(names)
	return names
}

// SummarizeAll returns the summary of every phase with samples.
func (a *Aggregator) SummarizeAll() map[string]Summary {
	out := make(map[string]Summary)
	for _, phase := range a.Phases() {
		out[phase] = a.Summarize(phase)
	}
	return out
}

func exactPercentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// bucketIndex maps a latency onto log-spaced buckets covering bucketMinMS to
// bucketMaxMS. Out-of-range values clamp to the edge buckets.
func bucketIndex(latencyMS float64) int {
	if latencyMS <= bucketMinMS {
		return 0
	}
	if latencyMS >= bucketMaxMS {
		return bucketCount - 1
	}
	ratio := math.Log(latencyMS/bucketMinMS) / math.Log(bucketMaxMS/bucketMinMS)
	idx := int(ratio * float64(bucketCount))
	if idx >= bucketCount {
		idx = bucketCount - 1
	}
	return idx
}

// bucketUpperBound is the latency at the top of a bucket, reported as the
// approximate percentile value.
func bucketUpperBound(idx int) float64 {
	exp := float64(idx+1) / float64(bucketCount)
	return bucketMinMS * math.Pow(bucketMaxMS/bucketMinMS, exp)
}

func bucketPercentile(buckets []int64, total int64, q float64) float64 {
	if total == 0 {
		return 0
	}
	target := int64(math.Ceil(q * float64(total)))
	var cumulative int64
	for i, n := range buckets {
		cumulative += n
		if cumulative >= target {
			return bucketUpperBound(i)
		}
	}
	return bucketUpperBound(bucketCount - 1)
}
