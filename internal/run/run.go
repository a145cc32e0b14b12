// Package run owns the phase state machine of a test run: creation, timed
// phase transitions, run_id-gated mutation, cancellation, and the watchdog
// that terminates stalled runs. All state flows through the storage backend
// so status reads, the phase driver, and the watchdog observe one record.
package run

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/precedence"
)

// Phase is a stage of the run state machine.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseWarmup   Phase = "warmup"
	PhaseBaseline Phase = "baseline"
	PhaseTrip     Phase = "trip"
	PhaseRecovery Phase = "recovery"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
	PhaseCanceled Phase = "canceled"
)

// drivenPhases is the timed progression the phase driver walks through.
var drivenPhases = [...]Phase{PhaseWarmup, PhaseBaseline, PhaseTrip, PhaseRecovery}

// Terminal reports whether no transition may leave p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseError, PhaseCanceled:
		return true
	}
	return false
}

// next returns the successor in the happy path, or "" past recovery.
func (p Phase) next() Phase {
	for i, phase := range drivenPhases {
		if phase != p {
			continue
		}
		if i == len(drivenPhases)-1 {
			return PhaseComplete
		}
		return drivenPhases[i+1]
	}
	return ""
}

// validTransition reports whether from → to is legal: the happy-path
// successor, or a jump to error/canceled from any non-terminal phase.
func validTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseError || to == PhaseCanceled {
		return true
	}
	return from.next() == to
}

// Error codes attached to terminal error records.
const (
	CodeDownstreamFailure = "downstream_failure"
	CodeWatchdogTimeout   = "watchdog_timeout"
	CodeOverallTimeout    = "overall_timeout"
	CodeDriverPanic       = "driver_panic"
)

var (
	// ErrAlreadyRunning rejects a start while a non-terminal run exists.
	ErrAlreadyRunning = errors.New("run: already running")
	// ErrRunMismatch flags a mutation carrying a stale run_id; the write is
	// dropped and counted, never applied.
	ErrRunMismatch = errors.New("run: run_id mismatch")
	// ErrValidation rejects malformed start input before a run is created.
	ErrValidation = errors.New("run: validation failed")
)

// Record is the persisted state of one run.
type Record struct {
	ID             string                      `json:"run_id"`
	Mode           string                      `json:"mode"`
	Phase          Phase                       `json:"phase"`
	Progress       int                         `json:"progress"`
	Metrics        map[string]api.PhaseMetrics `json:"metrics,omitempty"`
	Error          *api.RunError               `json:"error,omitempty"`
	Counters       api.Counters                `json:"counters"`
	Effective      precedence.EffectiveConfig  `json:"effective"`
	StartedAt      time.Time                   `json:"started_at"`
	FinishedAt     *time.Time                  `json:"finished_at,omitempty"`
	LastProgressAt time.Time                   `json:"last_progress_at"`
}

// phaseDuration returns the configured duration of a driven phase.
func (r *Record) phaseDuration(p Phase) time.Duration {
	params := r.Effective.Params
	switch p {
	case PhaseWarmup:
		return params.WarmupDuration
	case PhaseBaseline:
		return params.BaselineDuration
	case PhaseTrip:
		return params.TripDuration
	case PhaseRecovery:
		return params.RecoveryDuration
	}
	return 0
}

// Storage key layout. One record per run, one pointer to the most recent run,
// and one sample list per (run, phase).
const (
	activeKey = "run:active"
)

func runKey(id string) string {
	return "run:" + id
}

func reportKey(id string) string {
	return "report:" + id
}

func sampleKey(id string, phase Phase) string {
	return fmt.Sprintf("samples:%s:%s", id, phase)
}
