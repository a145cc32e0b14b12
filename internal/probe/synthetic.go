package probe

import (
	"context"
	"math/rand"
	"sync"
)

// SyntheticConfig tunes the built-in latency model.
type SyntheticConfig struct {
	// Seed makes the model reproducible; zero picks a fixed default.
	Seed int64
	// BaseLatencyMS and JitterMS shape the simulated latency distribution.
	BaseLatencyMS float64
	JitterMS      float64
	// ErrorRate is the probability of a simulated 503.
	ErrorRate float64
}

// Synthetic models a retrieval service without network I/O. It backs local
// runs with no target configured and keeps controller tests hermetic.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
	cfg SyntheticConfig
}

// NewSynthetic returns a synthetic prober for cfg.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if cfg.BaseLatencyMS <= 0 {
		cfg.BaseLatencyMS = 20
	}
	if cfg.JitterMS < 0 {
		cfg.JitterMS = 0
	}
	return &Synthetic{rng: rand.New(rand.NewSource(cfg.Seed)), cfg: cfg}
}

// Probe produces a modelled observation immediately; it never blocks and
// never fails at the transport level.
func (s *Synthetic) Probe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	jitter := s.rng.Float64() * s.cfg.JitterMS
	failed := s.cfg.ErrorRate > 0 && s.rng.Float64() < s.cfg.ErrorRate
	s.mu.Unlock()

	latency := s.cfg.BaseLatencyMS + jitter + float64(req.InducedDelayMS)
	status := 200
	if failed {
		status = 503
	}
	return Result{LatencyMS: latency, StatusCode: status}, nil
}
