// Package api declares the JSON request and response types of the tripd
// control surface. Read endpoints always answer HTTP 200 with an OK boolean;
// failures ride in structured fields, never in 5xx statuses.
package api

import "time"

// RunError is the structured terminal error of a failed run. It is set once
// and never cleared.
type RunError struct {
	// Code classifies the failure (downstream_failure, watchdog_timeout,
	// overall_timeout, driver_panic).
	Code string `json:"code"`
	// Step names the phase or operation that failed.
	Step string `json:"step"`
	// HTTPStatus carries the downstream status when the failure originated
	// from an HTTP call; zero otherwise.
	HTTPStatus int `json:"http_status,omitempty"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// Timestamp records when the error was set.
	Timestamp time.Time `json:"timestamp"`
}

// Counters are the monotonically increasing per-run counters.
type Counters struct {
	// Retries counts probe attempts beyond the first.
	Retries int64 `json:"retries"`
	// RejectedUpdates counts writes discarded due to a run_id mismatch.
	RejectedUpdates int64 `json:"rejected_updates"`
	// WatchdogChecks counts watchdog ticks that inspected this run.
	WatchdogChecks int64 `json:"watchdog_checks"`
	// HeartbeatChecks counts ticks that confirmed liveness.
	HeartbeatChecks int64 `json:"heartbeat_checks"`
}

// PhaseMetrics is the live aggregate snapshot attached to run status.
type PhaseMetrics struct {
	// Count is the number of probe samples recorded in the phase.
	Count int64 `json:"count"`
	// P95MS is the 95th percentile probe latency in milliseconds.
	P95MS float64 `json:"p95_ms"`
	// QPS is the observed probe rate.
	QPS float64 `json:"qps"`
}

// StartRunRequest models POST /v1/run/start.
type StartRunRequest struct {
	// Mode selects the test profile (burst, heavy-request, network-delay).
	Mode string `json:"mode"`
	// Params overrides individual tunables for this run; unknown keys are
	// rejected.
	Params map[string]any `json:"params,omitempty"`
}

// StartRunResponse acknowledges an accepted or rejected start.
type StartRunResponse struct {
	// OK reports whether the run was accepted.
	OK bool `json:"ok"`
	// RunID identifies the new run when OK.
	RunID string `json:"run_id,omitempty"`
	// Status is "starting" when OK.
	Status string `json:"status,omitempty"`
	// Error carries the rejection reason (already_running, validation
	// failures) when not OK.
	Error string `json:"error,omitempty"`
}

// StatusResponse models GET /v1/run/status. It is always served with HTTP
// 200; a missing run yields the idle sentinel, not an error.
type StatusResponse struct {
	// OK reports whether run state could be read.
	OK bool `json:"ok"`
	// RunID identifies the run the snapshot describes; empty when idle.
	RunID string `json:"run_id,omitempty"`
	// Phase is the current phase, "idle" when no run exists.
	Phase string `json:"phase"`
	// Progress is the percent complete within the current phase.
	Progress int `json:"progress"`
	// Mode is the profile the run was started with.
	Mode string `json:"mode,omitempty"`
	// Metrics holds the live per-phase aggregates.
	Metrics map[string]PhaseMetrics `json:"metrics,omitempty"`
	// Error is the terminal error record, when set.
	Error *RunError `json:"error,omitempty"`
	// ETASeconds estimates the time to run completion; -1 when unknown.
	ETASeconds int64 `json:"eta_sec"`
	// Counters are the run's monotonic counters.
	Counters Counters `json:"counters"`
	// Degraded reports that the durable backend is unreachable and state is
	// served from memory.
	Degraded bool `json:"degraded"`
	// Backend names the configured durable backend.
	Backend string `json:"backend,omitempty"`
}

// PrecedenceEntry records which configuration layer won one field.
type PrecedenceEntry struct {
	// Field is the parameter name.
	Field string `json:"field"`
	// WinningLayer is force_override, request, policy, or defaults.
	WinningLayer string `json:"winning_layer"`
}

// PhaseSummary is the final aggregate of one phase in a report.
type PhaseSummary struct {
	// Phase names the summarised phase.
	Phase string `json:"phase"`
	// Count is the number of probe samples.
	Count int64 `json:"count"`
	// P50MS and P95MS are latency percentiles in milliseconds.
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	// QPS is the observed probe rate.
	QPS float64 `json:"qps"`
	// ErrorRate is the fraction of failed probes.
	ErrorRate float64 `json:"error_rate"`
}

// Report is the immutable final artifact of a terminal run.
type Report struct {
	// RunID identifies the reported run.
	RunID string `json:"run_id"`
	// Mode is the profile the run executed.
	Mode string `json:"mode"`
	// TerminalPhase is complete, error, or canceled.
	TerminalPhase string `json:"terminal_phase"`
	// Error is the terminal error record for failed runs.
	Error *RunError `json:"error,omitempty"`
	// Phases summarises every phase that recorded samples.
	Phases []PhaseSummary `json:"phases"`
	// PrecedenceChain is the frozen audit trail of the run's configuration.
	PrecedenceChain []PrecedenceEntry `json:"precedence_chain"`
	// EffectiveParams is the frozen flattened parameter set.
	EffectiveParams map[string]any `json:"effective_params"`
	// TotalRequests and TotalErrors aggregate across phases.
	TotalRequests int64 `json:"total_requests"`
	TotalErrors   int64 `json:"total_errors"`
	// Counters are the final per-run counters.
	Counters Counters `json:"counters"`
	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	// DurationSeconds is FinishedAt minus StartedAt.
	DurationSeconds float64 `json:"duration_seconds"`
	// Summary is a one-line human-readable digest.
	Summary string `json:"summary"`
	// GeneratedAt records when the report was rendered.
	GeneratedAt time.Time `json:"generated_at"`
}

// ReportResponse models GET /v1/run/report.
type ReportResponse struct {
	// OK reports whether a report was found.
	OK bool `json:"ok"`
	// Source names the backend that served the report.
	Source string `json:"source,omitempty"`
	// Report is the final artifact when OK.
	Report *Report `json:"report,omitempty"`
	// Error is "report_not_found" when the run is unknown or not yet
	// terminal.
	Error string `json:"error,omitempty"`
}

// ConfigResponse models GET /v1/config.
type ConfigResponse struct {
	// OK is always true for this read-only endpoint.
	OK bool `json:"ok"`
	// EffectiveParams is the flattened parameter set: the active run's
	// frozen config, or the currently resolvable one when idle.
	EffectiveParams map[string]any `json:"effective_params"`
	// PrecedenceChain records the winning layer per field.
	PrecedenceChain []PrecedenceEntry `json:"precedence_chain"`
	// Source is "active_run" when params come from a frozen run config,
	// "resolved" otherwise.
	Source string `json:"source"`
}

// ProgressRequest models the internal POST /v1/run/progress used by the phase
// driver. Requests carrying a stale run_id are counted and dropped.
type ProgressRequest struct {
	// RunID must match the currently active run.
	RunID string `json:"run_id"`
	// Phase the sender believes is current.
	Phase string `json:"phase"`
	// Progress is the percent complete within the phase.
	Progress int `json:"progress"`
	// Error optionally forces the run into its terminal error state.
	Error *RunError `json:"error,omitempty"`
}

// ProgressResponse acknowledges a progress write.
type ProgressResponse struct {
	// OK is false when the write was rejected.
	OK bool `json:"ok"`
	// Error is "run_id mismatch" for rejected writes.
	Error string `json:"error,omitempty"`
}

// ErrorResponse is the structured body of write-endpoint failures.
type ErrorResponse struct {
	// ErrorCode classifies the failure.
	ErrorCode string `json:"error"`
	// Detail is the human-readable description.
	Detail string `json:"detail,omitempty"`
}

// HealthResponse models GET /healthz.
type HealthResponse struct {
	// OK is true while the process serves requests.
	OK bool `json:"ok"`
	// Backend names the configured durable backend.
	Backend string `json:"backend"`
	// Version is the build version of the serving binary.
	Version string `json:"version,omitempty"`
	// Degraded reports durable-backend unavailability.
	Degraded bool `json:"degraded"`
	// UptimeSeconds is the process uptime.
	UptimeSeconds float64 `json:"uptime_seconds"`
	// RSSBytes is the resident set size of the process, when available.
	RSSBytes uint64 `json:"rss_bytes,omitempty"`
}
