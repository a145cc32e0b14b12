package metrics_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/metrics"
)

func TestExactPercentiles(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	agg := metrics.New(clk, 0)
	for i := 1; i <= 100; i++ {
		agg.Record("baseline", metrics.Sample{LatencyMS: float64(i)})
		clk.Advance(10 * time.Millisecond)
	}

	s := agg.Summarize("baseline")
	if s.Count != 100 {
		t.Fatalf("count = %d", s.Count)
	}
	if s.P50MS != 50 {
		t.Fatalf("p50 = %v", s.P50MS)
	}
	if s.P95MS != 95 {
		t.Fatalf("p95 = %v", s.P95MS)
	}
	if s.ErrorRate != 0 {
		t.Fatalf("error rate = %v", s.ErrorRate)
	}
	// 100 samples over 0.99s of recording time.
	if s.QPS < 90 || s.QPS > 110 {
		t.Fatalf("qps = %v", s.QPS)
	}
}

func TestErrorRate(t *testing.T) {
	t.Parallel()

	agg := metrics.New(clock.NewManual(time.Unix(0, 0)), 0)
	for i := 0; i < 20; i++ {
		agg.Record("trip", metrics.Sample{LatencyMS: 10, Err: i%4 == 0})
	}
	s := agg.Summarize("trip")
	if s.ErrorRate != 0.25 {
		t.Fatalf("error rate = %v", s.ErrorRate)
	}
}

func TestHistogramDegradation(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	agg := metrics.New(clk, 64)
	for i := 0; i < 1000; i++ {
		agg.Record("baseline", metrics.Sample{LatencyMS: 100})
		clk.Advance(time.Millisecond)
	}

	s := agg.Summarize("baseline")
	if s.Count != 1000 {
		t.Fatalf("count = %d", s.Count)
	}
	// Approximate percentile must land within one log bucket of the true
	// value (buckets are ~19% wide at this resolution).
	if math.Abs(s.P95MS-100)/100 > 0.25 {
		t.Fatalf("approximate p95 too far off: %v", s.P95MS)
	}
	if s.P50MS > s.P95MS {
		t.Fatalf("p50 %v > p95 %v", s.P50MS, s.P95MS)
	}
}

func TestPhasesAreIndependent(t *testing.T) {
	t.Parallel()

	agg := metrics.New(clock.NewManual(time.Unix(0, 0)), 0)
	agg.Record("warmup", metrics.Sample{LatencyMS: 5})
	agg.Record("trip", metrics.Sample{LatencyMS: 500})
	agg.Record("trip", metrics.Sample{LatencyMS: 600})

	if s := agg.Summarize("warmup"); s.Count != 1 || s.P95MS != 5 {
		t.Fatalf("warmup summary %+v", s)
	}
	if s := agg.Summarize("trip"); s.Count != 2 || s.P95MS != 600 {
		t.Fatalf("trip summary %+v", s)
	}
	if s := agg.Summarize("recovery"); s.Count != 0 {
		t.Fatalf("empty phase summary %+v", s)
	}
	phases := agg.Phases()
	if len(phases) != 2 || phases[0] != "trip" || phases[1] != "warmup" {
		t.Fatalf("phases = %v", phases)
	}
}

func TestConcurrentRecordAndSummarize(t *testing.T) {
	t.Parallel()

	agg := metrics.New(clock.Real{}, 256)
	const writers = 8
	const perWriter = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				agg.Record("baseline", metrics.Sample{LatencyMS: float64(seed*perWriter+i) / 10, Err: i%10 == 0})
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = agg.Summarize("baseline")
		}
	}()
	wg.Wait()
	<-done

	s := agg.Summarize("baseline")
	if s.Count != writers*perWriter {
		t.Fatalf("lost samples: count = %d, want %d", s.Count, writers*perWriter)
	}
	if s.ErrorRate != 0.1 {
		t.Fatalf("error rate = %v", s.ErrorRate)
	}
}
