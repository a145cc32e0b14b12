// Package report renders the immutable final artifact of a terminal run and
// optionally archives it to object storage. Building a report is pure; the
// same input always yields the same artifact apart from GeneratedAt.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/metrics"
	"pkt.systems/tripd/internal/precedence"
)

// Input is everything a report is built from. The caller supplies the frozen
// run state; this package never reads storage.
type Input struct {
	RunID         string
	Mode          string
	TerminalPhase string
	Error         *api.RunError
	Counters      api.Counters
	Effective     precedence.EffectiveConfig
	StartedAt     time.Time
	FinishedAt    time.Time
	Summaries     map[string]metrics.Summary
	GeneratedAt   time.Time
}

// Build renders the final report. Phases appear in sorted order so the
// artifact is byte-stable for identical inputs.
func Build(in Input) *api.Report {
	names := make([]string, 0, len(in.Summaries))
	for name := range in.Summaries {
		names = append(names, name)
	}
	sort.Strings(names)

	phases := make([]api.PhaseSummary, 0, len(names))
	var totalRequests, totalErrors int64
	for _, name := range names {
		s := in.Summaries[name]
		phases = append(phases, api.PhaseSummary{
			Phase:     name,
			Count:     s.Count,
			P50MS:     s.P50MS,
			P95MS:     s.P95MS,
			QPS:       s.QPS,
			ErrorRate: s.ErrorRate,
		})
		totalRequests += s.Count
		totalErrors += int64(float64(s.Count)*s.ErrorRate + 0.5)
	}

	chain := make([]api.PrecedenceEntry, 0, len(in.Effective.Chain))
	for _, e := range in.Effective.Chain {
		chain = append(chain, api.PrecedenceEntry{Field: e.Field, WinningLayer: string(e.Winner)})
	}

	duration := in.FinishedAt.Sub(in.StartedAt)
	return &api.Report{
		RunID:           in.RunID,
		Mode:            in.Mode,
		TerminalPhase:   in.TerminalPhase,
		Error:           in.Error,
		Phases:          phases,
		PrecedenceChain: chain,
		EffectiveParams: in.Effective.Params.WireMap(),
		TotalRequests:   totalRequests,
		TotalErrors:     totalErrors,
		Counters:        in.Counters,
		StartedAt:       in.StartedAt,
		FinishedAt:      in.FinishedAt,
		DurationSeconds: duration.Seconds(),
		Summary:         summaryLine(in, totalRequests, totalErrors, duration),
		GeneratedAt:     in.GeneratedAt,
	}
}

// summaryLine is the one-line human digest shown by CLIs and dashboards.
func summaryLine(in Input, totalRequests, totalErrors int64, duration time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s (%s) %s after %s, %s probes",
		in.RunID, in.Mode, in.TerminalPhase, duration.Truncate(time.Second), humanize.Comma(totalRequests))
	if totalRequests > 0 {
		fmt.Fprintf(&b, " (%.2f%% errors)", float64(totalErrors)/float64(totalRequests)*100)
	}
	baseline, hasBaseline := in.Summaries["baseline"]
	trip, hasTrip := in.Summaries["trip"]
	if hasBaseline && hasTrip && baseline.Count > 0 && trip.Count > 0 {
		fmt.Fprintf(&b, ", p95 %.0fms baseline vs %.0fms trip", baseline.P95MS, trip.P95MS)
	}
	if in.Error != nil {
		fmt.Fprintf(&b, ", error=%s at %s", in.Error.Code, in.Error.Step)
	}
	return b.String()
}
