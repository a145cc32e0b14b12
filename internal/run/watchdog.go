package run

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/svcfields"
)

// WatchdogConfig sets the liveness budgets enforced on the active run.
type WatchdogConfig struct {
	// Tick is the scan interval.
	Tick time.Duration
	// StallBudget is the maximum silence since the last progress write before
	// the run is declared stalled. Zero disables the stall check.
	StallBudget time.Duration
	// OverallBudget caps total run duration regardless of progress. Zero
	// disables the cap.
	OverallBudget time.Duration
}

// Watchdog periodically inspects the active run and force-terminates it when
// a budget is exceeded. The watchdog never retries and never touches terminal
// runs.
type Watchdog struct {
	ctrl   *Controller
	cfg    WatchdogConfig
	logger pslog.Logger
}

// NewWatchdog builds a watchdog over ctrl. Zero Tick defaults to 2 seconds.
func NewWatchdog(ctrl *Controller, cfg WatchdogConfig, logger pslog.Logger) *Watchdog {
	if cfg.Tick <= 0 {
		cfg.Tick = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Watchdog{
		ctrl:   ctrl,
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "run.watchdog"),
	}
}

// Run scans until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.ctrl.clock.After(w.cfg.Tick):
			if _, err := w.Scan(ctx); err != nil {
				w.logger.Debug("watchdog scan", "error", err)
			}
		}
	}
}

// Scan inspects the active run once. It returns the error code it tripped
// with, or "" when the run is live (or absent).
func (w *Watchdog) Scan(ctx context.Context) (string, error) {
	return w.ctrl.watchdogScan(ctx, w.cfg.StallBudget, w.cfg.OverallBudget)
}

// watchdogScan applies the budgets to the active run under the controller
// mutex so it serialises with every other mutation.
func (c *Controller) watchdogScan(ctx context.Context, stall, overall time.Duration) (string, error) {
	c.mu.Lock()
	rec, err := c.loadActive(ctx)
	if err != nil || rec == nil || rec.Phase.Terminal() {
		c.mu.Unlock()
		return "", err
	}

	now := c.clock.Now()
	rec.Counters.WatchdogChecks++

	code := ""
	var exceeded, budget time.Duration
	switch {
	case overall > 0 && now.Sub(rec.StartedAt) >= overall:
		code = CodeOverallTimeout
		exceeded, budget = now.Sub(rec.StartedAt), overall
	case stall > 0 && now.Sub(rec.LastProgressAt) >= stall:
		code = CodeWatchdogTimeout
		exceeded, budget = now.Sub(rec.LastProgressAt), stall
	default:
		rec.Counters.HeartbeatChecks++
	}

	if code != "" {
		rec.Phase = PhaseError
		rec.FinishedAt = &now
		rec.Error = &api.RunError{
			Code:      code,
			Step:      "watchdog",
			Message:   fmt.Sprintf("budget %s exceeded after %s", budget, exceeded.Truncate(time.Millisecond)),
			Timestamp: now,
		}
	}
	persistErr := c.persist(ctx, rec)
	c.mu.Unlock()
	if persistErr != nil {
		return "", persistErr
	}
	if code == "" {
		return "", nil
	}

	c.coll.watchdogTrip(code)
	c.coll.phaseTransition(PhaseError)
	c.logger.Warn("watchdog terminated run",
		"run_id", rec.ID, "code", code, "budget", budget, "exceeded", exceeded)
	c.stopDriver(rec.ID)
	c.finalize(ctx, rec)
	return code, nil
}
