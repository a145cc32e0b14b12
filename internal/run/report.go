package run

import (
	"context"
	"encoding/json"
	"fmt"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/metrics"
	"pkt.systems/tripd/internal/report"
)

// finalize renders and persists the report for a freshly terminal record, then
// hands it to the report sink. Called exactly once per run, by whichever
// mutation made the run terminal.
func (c *Controller) finalize(ctx context.Context, rec *Record) {
	if rec == nil {
		return
	}
	var summaries map[string]metrics.Summary
	c.mu.Lock()
	agg := c.aggs[rec.ID]
	c.mu.Unlock()
	if agg != nil {
		summaries = agg.SummarizeAll()
	}

	finished := c.clock.Now()
	if rec.FinishedAt != nil {
		finished = *rec.FinishedAt
	}
	rep := report.Build(report.Input{
		RunID:         rec.ID,
		Mode:          rec.Mode,
		TerminalPhase: string(rec.Phase),
		Error:         rec.Error,
		Counters:      rec.Counters,
		Effective:     rec.Effective,
		StartedAt:     rec.StartedAt,
		FinishedAt:    finished,
		Summaries:     summaries,
		GeneratedAt:   c.clock.Now(),
	})

	raw, err := json.Marshal(rep)
	if err != nil {
		c.logger.Error("encode report", "run_id", rec.ID, "error", err)
		return
	}
	if err := c.store.Set(ctx, reportKey(rec.ID), raw, c.runTTL); err != nil {
		c.logger.Warn("persist report", "run_id", rec.ID, "error", err)
	}
	c.logger.Info("report generated",
		"run_id", rec.ID, "terminal_phase", rec.Phase, "requests", rep.TotalRequests)

	if c.sink != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sink(context.Background(), rep)
		}()
	}
}

// Report fetches the stored report for runID, or for the most recent run when
// runID is empty. A nil report with a nil error means none exists yet.
func (c *Controller) Report(ctx context.Context, runID string) (*api.Report, error) {
	if runID == "" {
		c.mu.Lock()
		id, err := c.activeID(ctx)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, nil
		}
		runID = id
	}
	raw, err := c.store.Get(ctx, reportKey(runID))
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var rep api.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("run: decode report %s: %w", runID, err)
	}
	return &rep, nil
}
