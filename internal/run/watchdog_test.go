package run

import (
	"context"
	"testing"
	"time"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/precedence"
	"pkt.systems/tripd/internal/probe"
	"pkt.systems/tripd/internal/storage/memory"
)

// plantRun writes a run record and the active pointer directly so the budgets
// can be tested without a live driver.
func plantRun(t *testing.T, c *Controller, started, lastProgress time.Time) *Record {
	t.Helper()
	ctx := context.Background()
	rec := &Record{
		ID:             "watchdog-test-run",
		Mode:           "burst",
		Phase:          PhaseBaseline,
		Metrics:        map[string]api.PhaseMetrics{},
		Effective:      precedence.EffectiveConfig{Params: precedence.Defaults()},
		StartedAt:      started,
		LastProgressAt: lastProgress,
	}
	if err := c.persist(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := c.store.Set(ctx, activeKey, []byte(rec.ID), c.runTTL); err != nil {
		t.Fatalf("set active: %v", err)
	}
	return rec
}

func newTestController(t *testing.T, clk clock.Clock) *Controller {
	t.Helper()
	ctrl, err := New(Options{
		Store:  memory.New(),
		Prober: probe.NewSynthetic(probe.SyntheticConfig{}),
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return ctrl
}

func TestWatchdogHeartbeatOnLiveRun(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1000, 0))
	ctrl := newTestController(t, clk)
	plantRun(t, ctrl, clk.Now(), clk.Now())
	wd := NewWatchdog(ctrl, WatchdogConfig{StallBudget: 30 * time.Second, OverallBudget: 15 * time.Minute}, nil)

	clk.Advance(10 * time.Second)
	code, err := wd.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if code != "" {
		t.Fatalf("tripped with %q on a live run", code)
	}
	rec, err := ctrl.Status(context.Background(), "")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Phase != PhaseBaseline {
		t.Fatalf("phase = %s, want baseline", rec.Phase)
	}
	if rec.Counters.WatchdogChecks != 1 || rec.Counters.HeartbeatChecks != 1 {
		t.Fatalf("counters = %+v, want one watchdog and one heartbeat check", rec.Counters)
	}
}

func TestWatchdogStallBudget(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1000, 0))
	ctrl := newTestController(t, clk)
	plantRun(t, ctrl, clk.Now(), clk.Now())
	wd := NewWatchdog(ctrl, WatchdogConfig{StallBudget: 30 * time.Second, OverallBudget: 15 * time.Minute}, nil)

	clk.Advance(31 * time.Second)
	code, err := wd.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if code != CodeWatchdogTimeout {
		t.Fatalf("code = %q, want watchdog_timeout", code)
	}
	rec, err := ctrl.Status(context.Background(), "")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Phase != PhaseError {
		t.Fatalf("phase = %s, want error", rec.Phase)
	}
	if rec.Error == nil || rec.Error.Code != CodeWatchdogTimeout {
		t.Fatalf("error = %+v", rec.Error)
	}
	if rec.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	// The terminal run must not be touched again.
	code, err = wd.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if code != "" {
		t.Fatalf("second scan tripped again with %q", code)
	}
	after, _ := ctrl.Status(context.Background(), "")
	if after.Counters.WatchdogChecks != rec.Counters.WatchdogChecks {
		t.Fatal("watchdog kept counting a terminal run")
	}
}

func TestWatchdogOverallBudgetWinsOverStall(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Unix(1000, 0))
	ctrl := newTestController(t, clk)
	started := clk.Now()
	clk.Advance(16 * time.Minute)
	// Fresh progress, but the overall budget is already blown.
	plantRun(t, ctrl, started, clk.Now())
	wd := NewWatchdog(ctrl, WatchdogConfig{StallBudget: 30 * time.Second, OverallBudget: 15 * time.Minute}, nil)

	code, err := wd.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if code != CodeOverallTimeout {
		t.Fatalf("code = %q, want overall_timeout", code)
	}
	rep, err := ctrl.Report(context.Background(), "watchdog-test-run")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if rep == nil || rep.Error == nil || rep.Error.Code != CodeOverallTimeout {
		t.Fatalf("report = %+v, want overall_timeout error", rep)
	}
}

func TestWatchdogIgnoresIdle(t *testing.T) {
	t.Parallel()
	ctrl := newTestController(t, clock.NewManual(time.Unix(1000, 0)))
	wd := NewWatchdog(ctrl, WatchdogConfig{StallBudget: time.Second, OverallBudget: time.Second}, nil)
	code, err := wd.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if code != "" {
		t.Fatalf("tripped with %q on idle controller", code)
	}
}

func TestPhaseTransitionTable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseWarmup, PhaseBaseline, true},
		{PhaseBaseline, PhaseTrip, true},
		{PhaseTrip, PhaseRecovery, true},
		{PhaseRecovery, PhaseComplete, true},
		{PhaseWarmup, PhaseTrip, false},
		{PhaseBaseline, PhaseWarmup, false},
		{PhaseWarmup, PhaseError, true},
		{PhaseRecovery, PhaseCanceled, true},
		{PhaseComplete, PhaseError, false},
		{PhaseError, PhaseCanceled, false},
		{PhaseCanceled, PhaseBaseline, false},
	}
	for _, tc := range cases {
		if got := validTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("validTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
