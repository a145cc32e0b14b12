package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/metrics"
	"pkt.systems/tripd/internal/precedence"
	"pkt.systems/tripd/internal/probe"
	"pkt.systems/tripd/internal/storage"
	"pkt.systems/tripd/internal/svcfields"
)

// modePattern bounds the run mode to a short label safe for keys and logs.
var modePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Options configure a Controller. Store and Prober are required; everything
// else has a working default.
type Options struct {
	Store  storage.Backend
	Prober probe.Prober
	Logger pslog.Logger
	Clock  clock.Clock

	// Defaults is the bottom configuration layer. Zero means the built-in
	// precedence.Defaults().
	Defaults precedence.Params
	// Policy supplies the standing-policy layer at start time. May be nil.
	Policy func() map[string]any
	// ForceOverrides is the operator-pinned top layer. May be nil.
	ForceOverrides map[string]any

	// RunTTL bounds how long run records and reports outlive their run.
	RunTTL time.Duration
	// SampleListCap caps the raw samples persisted per (run, phase).
	SampleListCap int
	// ExactWindow is the per-phase sample count before percentile
	// aggregation degrades to histogram buckets.
	ExactWindow int

	// Probe retry budget. A probe that still fails at the transport level
	// after the last attempt terminates the run.
	ProbeRetryAttempts  uint
	ProbeRetryBaseDelay time.Duration

	// ReportSink, when set, receives every finalised report. Used for
	// archiving; failures there never affect the run.
	ReportSink func(context.Context, *api.Report)

	Collectors *Collectors
}

// Controller owns run lifecycle. All record mutations funnel through a single
// mutex plus the run_id gate, so concurrent drivers, watchdog ticks, and HTTP
// writes serialise into one consistent history.
type Controller struct {
	store      storage.Backend
	prober     probe.Prober
	logger     pslog.Logger
	clock      clock.Clock
	defaults   precedence.Params
	policy     func() map[string]any
	force      map[string]any
	runTTL     time.Duration
	sampleCap  int
	exactWin   int
	retryN     uint
	retryDelay time.Duration
	sink       func(context.Context, *api.Report)
	coll       *Collectors

	mu           sync.Mutex
	driverID     string
	driverCancel context.CancelFunc
	aggs         map[string]*metrics.Aggregator
	wg           sync.WaitGroup
}

// New builds a Controller from opts.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("run: Options.Store is required")
	}
	if opts.Prober == nil {
		return nil, fmt.Errorf("run: Options.Prober is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	defaults := opts.Defaults
	if defaults == (precedence.Params{}) {
		defaults = precedence.Defaults()
	}
	runTTL := opts.RunTTL
	if runTTL <= 0 {
		runTTL = time.Hour
	}
	sampleCap := opts.SampleListCap
	if sampleCap <= 0 {
		sampleCap = 500
	}
	retryN := opts.ProbeRetryAttempts
	if retryN == 0 {
		retryN = 3
	}
	retryDelay := opts.ProbeRetryBaseDelay
	if retryDelay <= 0 {
		retryDelay = 250 * time.Millisecond
	}
	return &Controller{
		store:      opts.Store,
		prober:     opts.Prober,
		logger:     svcfields.WithSubsystem(logger, "run"),
		clock:      clk,
		defaults:   defaults,
		policy:     opts.Policy,
		force:      opts.ForceOverrides,
		runTTL:     runTTL,
		sampleCap:  sampleCap,
		exactWin:   opts.ExactWindow,
		retryN:     retryN,
		retryDelay: retryDelay,
		sink:       opts.ReportSink,
		coll:       opts.Collectors,
		aggs:       make(map[string]*metrics.Aggregator),
	}, nil
}

// Start creates a run and launches its phase driver. Exactly one non-terminal
// run may exist; a second start returns ErrAlreadyRunning without touching the
// active run. Malformed input returns ErrValidation before any state is
// written.
func (c *Controller) Start(ctx context.Context, mode string, params map[string]any) (string, error) {
	if !modePattern.MatchString(mode) {
		return "", fmt.Errorf("%w: invalid mode %q", ErrValidation, mode)
	}
	var policy map[string]any
	if c.policy != nil {
		policy = c.policy()
	}
	eff, err := precedence.Resolve(c.defaults, policy, params, c.force)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.loadActive(ctx)
	if err != nil {
		return "", err
	}
	if active != nil && !active.Phase.Terminal() {
		return "", fmt.Errorf("%w: run %s is %s", ErrAlreadyRunning, active.ID, active.Phase)
	}

	now := c.clock.Now()
	rec := &Record{
		ID:             xid.New().String(),
		Mode:           mode,
		Phase:          PhaseWarmup,
		Metrics:        make(map[string]api.PhaseMetrics),
		Effective:      eff,
		StartedAt:      now,
		LastProgressAt: now,
	}
	if err := c.persist(ctx, rec); err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, activeKey, []byte(rec.ID), c.runTTL); err != nil {
		return "", err
	}

	agg := metrics.New(c.clock, c.exactWin)
	c.aggs[rec.ID] = agg
	c.pruneAggsLocked(rec.ID)

	driverCtx, cancel := context.WithCancel(context.Background())
	c.driverID = rec.ID
	c.driverCancel = cancel
	c.wg.Add(1)
	go c.drive(driverCtx, rec.ID, eff.Params, agg)

	c.coll.runStarted()
	c.logger.Info("run started", "run_id", rec.ID, "mode", mode)
	return rec.ID, nil
}

// Advance moves the run from one phase to its successor. It is idempotent: if
// the record is no longer in the from phase the call is a no-op and reports
// applied=false. A stale run_id returns ErrRunMismatch.
func (c *Controller) Advance(ctx context.Context, runID string, from, to Phase) (bool, error) {
	if !validTransition(from, to) {
		return false, fmt.Errorf("run: invalid transition %s -> %s", from, to)
	}
	applied := false
	rec, err := c.mutate(ctx, runID, func(rec *Record) (bool, error) {
		if rec.Phase != from {
			return false, nil
		}
		now := c.clock.Now()
		rec.Phase = to
		rec.Progress = 0
		rec.LastProgressAt = now
		if to.Terminal() {
			rec.FinishedAt = &now
			if to == PhaseComplete {
				rec.Progress = 100
			}
		}
		applied = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		c.coll.phaseTransition(to)
		c.logger.Info("phase transition", "run_id", runID, "from", from, "to", to)
		if to.Terminal() {
			c.finalize(ctx, rec)
		}
	}
	return applied, nil
}

// Progress records phase progress and refreshes the liveness timestamp. A
// write naming a phase the run has already left is dropped without error; a
// stale run_id returns ErrRunMismatch. retriesDelta folds probe retries
// accumulated since the previous write into the run counters.
func (c *Controller) Progress(ctx context.Context, runID string, phase Phase, progress int, retriesDelta int64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := c.mutate(ctx, runID, func(rec *Record) (bool, error) {
		if rec.Phase.Terminal() || rec.Phase != phase {
			return false, nil
		}
		if progress > rec.Progress {
			rec.Progress = progress
		}
		rec.LastProgressAt = c.clock.Now()
		rec.Counters.Retries += retriesDelta
		if agg := c.aggregator(runID); agg != nil {
			s := agg.Summarize(string(phase))
			rec.Metrics[string(phase)] = api.PhaseMetrics{Count: s.Count, P95MS: s.P95MS, QPS: s.QPS}
		}
		return true, nil
	})
	return err
}

// Fail drives the run into its terminal error state. The first error wins;
// later calls against an already terminal run are no-ops.
func (c *Controller) Fail(ctx context.Context, runID string, runErr api.RunError) error {
	applied := false
	rec, err := c.mutate(ctx, runID, func(rec *Record) (bool, error) {
		if rec.Phase.Terminal() {
			return false, nil
		}
		if runErr.Timestamp.IsZero() {
			runErr.Timestamp = c.clock.Now()
		}
		now := c.clock.Now()
		rec.Phase = PhaseError
		rec.Error = &runErr
		rec.FinishedAt = &now
		rec.LastProgressAt = now
		applied = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if applied {
		c.coll.phaseTransition(PhaseError)
		c.logger.Warn("run failed",
			"run_id", runID, "code", runErr.Code, "step", runErr.Step, "message", runErr.Message)
		c.stopDriver(runID)
		c.finalize(ctx, rec)
	}
	return nil
}

// Cancel terminates the run cooperatively. Canceling an already terminal run
// is a no-op.
func (c *Controller) Cancel(ctx context.Context, runID string) error {
	applied := false
	rec, err := c.mutate(ctx, runID, func(rec *Record) (bool, error) {
		if rec.Phase.Terminal() {
			return false, nil
		}
		now := c.clock.Now()
		rec.Phase = PhaseCanceled
		rec.FinishedAt = &now
		rec.LastProgressAt = now
		applied = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if applied {
		c.coll.phaseTransition(PhaseCanceled)
		c.logger.Info("run canceled", "run_id", runID)
		c.stopDriver(runID)
		c.finalize(ctx, rec)
	}
	return nil
}

// Status returns the record for runID, or the most recent run when runID is
// empty. A nil record with a nil error means idle.
func (c *Controller) Status(ctx context.Context, runID string) (*Record, error) {
	if runID == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.loadActive(ctx)
	}
	return c.load(ctx, runID)
}

// Effective returns the configuration snapshot for the config endpoint: the
// active run's frozen config when one exists, the freshly resolvable layers
// otherwise.
func (c *Controller) Effective(ctx context.Context) (precedence.EffectiveConfig, string, error) {
	c.mu.Lock()
	rec, err := c.loadActive(ctx)
	c.mu.Unlock()
	if err != nil {
		return precedence.EffectiveConfig{}, "", err
	}
	if rec != nil {
		return rec.Effective, "active_run", nil
	}
	var policy map[string]any
	if c.policy != nil {
		policy = c.policy()
	}
	eff, err := precedence.Resolve(c.defaults, policy, nil, c.force)
	if err != nil {
		return precedence.EffectiveConfig{}, "", err
	}
	return eff, "resolved", nil
}

// ETASeconds estimates seconds until the run reaches a terminal phase. It
// returns 0 for terminal runs and -1 when no estimate is possible.
func (c *Controller) ETASeconds(rec *Record) int64 {
	if rec == nil {
		return -1
	}
	if rec.Phase.Terminal() {
		return 0
	}
	var remaining time.Duration
	counting := false
	for _, phase := range drivenPhases {
		if phase == rec.Phase {
			dur := rec.phaseDuration(phase)
			remaining += dur * time.Duration(100-rec.Progress) / 100
			counting = true
			continue
		}
		if counting {
			remaining += rec.phaseDuration(phase)
		}
	}
	if !counting {
		return -1
	}
	return int64(remaining / time.Second)
}

// Shutdown cancels any active run and waits for the driver to drain, bounded
// by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	id := c.driverID
	c.mu.Unlock()
	if id != "" {
		if err := c.Cancel(ctx, id); err != nil && !errorsIsMismatch(err) {
			c.logger.Warn("cancel on shutdown", "run_id", id, "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutate loads, gates, applies, and persists one record change. The run_id
// gate: if runID does not name the currently active run the change is dropped,
// the active run's rejected_updates counter is incremented, and ErrRunMismatch
// is returned. fn returns false to skip persisting (no-op mutations).
func (c *Controller) mutate(ctx context.Context, runID string, fn func(*Record) (bool, error)) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	activeID, err := c.activeID(ctx)
	if err != nil {
		return nil, err
	}
	if activeID != runID {
		c.coll.rejectedUpdate()
		if activeID != "" {
			if active, err := c.loadLocked(ctx, activeID); err == nil && active != nil {
				active.Counters.RejectedUpdates++
				if err := c.persist(ctx, active); err != nil {
					c.logger.Debug("persist rejected_updates", "run_id", activeID, "error", err)
				}
			}
		}
		c.logger.Debug("stale run_id dropped", "run_id", runID, "active", activeID)
		return nil, ErrRunMismatch
	}

	rec, err := c.loadLocked(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRunMismatch
	}
	changed, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	if err := c.persist(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Controller) activeID(ctx context.Context) (string, error) {
	raw, err := c.store.Get(ctx, activeKey)
	if err != nil {
		if errorsIsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return string(raw), nil
}

// loadActive returns the most recent run record. Called with c.mu held.
func (c *Controller) loadActive(ctx context.Context) (*Record, error) {
	id, err := c.activeID(ctx)
	if err != nil || id == "" {
		return nil, err
	}
	return c.loadLocked(ctx, id)
}

func (c *Controller) load(ctx context.Context, id string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx, id)
}

func (c *Controller) loadLocked(ctx context.Context, id string) (*Record, error) {
	raw, err := c.store.Get(ctx, runKey(id))
	if err != nil {
		if errorsIsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("run: decode record %s: %w", id, err)
	}
	if rec.Metrics == nil {
		rec.Metrics = make(map[string]api.PhaseMetrics)
	}
	return &rec, nil
}

func (c *Controller) persist(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("run: encode record %s: %w", rec.ID, err)
	}
	return c.store.Set(ctx, runKey(rec.ID), raw, c.runTTL)
}

func (c *Controller) aggregator(runID string) *metrics.Aggregator {
	return c.aggs[runID]
}

// pruneAggsLocked keeps aggregators bounded across run history. Called with
// c.mu held, after inserting keep.
func (c *Controller) pruneAggsLocked(keep string) {
	const maxAggs = 4
	if len(c.aggs) <= maxAggs {
		return
	}
	for id := range c.aggs {
		if id == keep {
			continue
		}
		delete(c.aggs, id)
		if len(c.aggs) <= maxAggs {
			return
		}
	}
}

// stopDriver cancels the phase driver if it belongs to runID.
func (c *Controller) stopDriver(runID string) {
	c.mu.Lock()
	if c.driverID == runID && c.driverCancel != nil {
		c.driverCancel()
		c.driverCancel = nil
		c.driverID = ""
	}
	c.mu.Unlock()
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func errorsIsMismatch(err error) bool {
	return errors.Is(err, ErrRunMismatch)
}
