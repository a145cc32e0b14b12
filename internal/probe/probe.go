// Package probe defines the boundary to the load-generation side: the
// controller only needs a call that issues one search request and reports its
// latency and HTTP status. How queries are constructed stays behind the
// Prober interface.
package probe

import "context"

// Request carries the per-probe knobs the phase driver resolves from the
// effective configuration.
type Request struct {
	// CandidateK and RerankK size the retrieval request.
	CandidateK int
	RerankK    int
	// BatchSize is the number of documents requested per probe.
	BatchSize int
	// InducedDelayMS is the artificial delay injected during the trip
	// phase; zero outside it.
	InducedDelayMS int64
}

// Result is one probe observation.
type Result struct {
	LatencyMS  float64
	StatusCode int
}

// Prober issues a single probe. A returned error means the call could not be
// completed at the transport level; HTTP-level failures come back as a Result
// with a non-2xx StatusCode and a nil error.
type Prober interface {
	Probe(ctx context.Context, req Request) (Result, error)
}
