package clock_test

import (
	"testing"
	"time"

	"pkt.systems/tripd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	ch := clk.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	clk.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired too early")
	default:
	}
	clk.Advance(time.Second)
	select {
	case at := <-ch:
		if got := at.Sub(time.Unix(1_700_000_000, 0).UTC()); got != 10*time.Second {
			t.Fatalf("fired at unexpected offset %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after advance")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", clk.Pending())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	case <-time.After(time.Second):
		t.Fatal("zero-duration After did not fire")
	}
}
