package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// queries is a small rotating set so consecutive probes do not hit one cached
// result over and over.
var queries = []string{
	"how do I rotate credentials",
	"quarterly revenue summary",
	"incident response runbook",
	"vector index rebuild procedure",
	"customer churn analysis",
	"deployment rollback steps",
	"service level objectives overview",
	"data retention policy",
}

// HTTPConfig configures the HTTP prober.
type HTTPConfig struct {
	// TargetURL is the search endpoint probes are POSTed to.
	TargetURL string
	// Timeout bounds one probe call; also applied when Client is supplied.
	Timeout time.Duration
	// Client defaults to a dedicated client with sane pooling.
	Client *http.Client
}

// HTTP probes a retrieval service over HTTP, POSTing one JSON search request
// per probe.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	seq    atomic.Uint64
}

type searchRequest struct {
	Query      string `json:"query"`
	CandidateK int    `json:"candidate_k,omitempty"`
	RerankK    int    `json:"rerank_k,omitempty"`
	BatchSize  int    `json:"batch_size,omitempty"`
	DelayMS    int64  `json:"delay_ms,omitempty"`
}

// NewHTTP returns an HTTP prober for cfg.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.TargetURL == "" {
		return nil, fmt.Errorf("probe: target URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{cfg: cfg, client: client}, nil
}

// Probe issues one search request and measures wall-clock latency.
func (h *HTTP) Probe(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(searchRequest{
		Query:      queries[h.seq.Add(1)%uint64(len(queries))],
		CandidateK: req.CandidateK,
		RerankK:    req.RerankK,
		BatchSize:  req.BatchSize,
		DelayMS:    req.InducedDelayMS,
	})
	if err != nil {
		return Result{}, fmt.Errorf("probe: marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.TargetURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("probe: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(httpReq)
	latency := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		return Result{}, fmt.Errorf("probe: %w", err)
	}
	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	return Result{LatencyMS: latency, StatusCode: resp.StatusCode}, nil
}
