package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	retrygo "github.com/avast/retry-go"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/metrics"
	"pkt.systems/tripd/internal/precedence"
	"pkt.systems/tripd/internal/probe"
)

// probeFailure is a transport-level probe failure that exhausted its retry
// budget. It terminates the run; HTTP-level failures never do, they are
// recorded as error samples instead.
type probeFailure struct {
	phase Phase
	err   error
}

func (e *probeFailure) Error() string {
	return fmt.Sprintf("probe failed in %s after retries: %v", e.phase, e.err)
}

func (e *probeFailure) Unwrap() error { return e.err }

// storedSample is the raw per-probe record persisted to the sample list.
type storedSample struct {
	LatencyMS  float64 `json:"latency_ms"`
	StatusCode int     `json:"status_code"`
	Err        bool    `json:"is_error"`
}

// drive walks the run through the timed phases. It exits on cancellation, on
// losing the run_id gate, or after the terminal transition it causes itself.
func (c *Controller) drive(ctx context.Context, runID string, params precedence.Params, agg *metrics.Aggregator) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			err := c.Fail(context.Background(), runID, api.RunError{
				Code:    CodeDriverPanic,
				Step:    "driver",
				Message: fmt.Sprintf("panic: %v", r),
			})
			if err != nil && !errorsIsMismatch(err) {
				c.logger.Error("record driver panic", "run_id", runID, "error", err)
			}
		}
	}()

	for _, phase := range drivenPhases {
		if err := c.runPhase(ctx, runID, phase, params, agg); err != nil {
			var pf *probeFailure
			switch {
			case ctx.Err() != nil, errorsIsMismatch(err):
				return
			case errors.As(err, &pf):
				failErr := c.Fail(context.Background(), runID, api.RunError{
					Code:    CodeDownstreamFailure,
					Step:    string(pf.phase),
					Message: pf.err.Error(),
				})
				if failErr != nil && !errorsIsMismatch(failErr) {
					c.logger.Error("record downstream failure", "run_id", runID, "error", failErr)
				}
				return
			default:
				c.logger.Error("phase driver aborted", "run_id", runID, "phase", phase, "error", err)
				return
			}
		}
		if _, err := c.Advance(context.Background(), runID, phase, phase.next()); err != nil {
			if !errorsIsMismatch(err) {
				c.logger.Error("phase advance", "run_id", runID, "phase", phase, "error", err)
			}
			return
		}
	}
}

// runPhase generates load for the duration of one phase and streams progress.
// It returns nil when the phase ran to its deadline.
func (c *Controller) runPhase(ctx context.Context, runID string, phase Phase, params precedence.Params, agg *metrics.Aggregator) error {
	dur := durationFor(params, phase)
	if dur <= 0 {
		return nil
	}
	start := c.clock.Now()
	deadline := start.Add(dur)

	pctx, stop := context.WithCancel(ctx)
	defer stop()

	req := probe.Request{
		CandidateK: params.CandidateK,
		RerankK:    params.RerankK,
		BatchSize:  params.BatchSize,
	}
	if phase == PhaseTrip {
		req.InducedDelayMS = params.InducedDelay.Milliseconds()
	}

	// Pacing spreads TargetQPS across the workers. Zero QPS means unpaced.
	var interval time.Duration
	if params.TargetQPS > 0 {
		interval = time.Duration(float64(params.Concurrency) / params.TargetQPS * float64(time.Second))
	}

	var (
		wg        sync.WaitGroup
		retries   atomic.Int64
		persisted atomic.Int64
	)
	fatal := make(chan *probeFailure, 1)
	for i := 0; i < params.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probeLoop(pctx, runID, phase, req, interval, params.ProbeTimeout, agg, &retries, &persisted, fatal)
		}()
	}

	tick := dur / 20
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}

	flush := func(progress int) error {
		return c.Progress(ctx, runID, phase, progress, retries.Swap(0))
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			wg.Wait()
			return ctx.Err()
		case pf := <-fatal:
			stop()
			wg.Wait()
			return pf
		case <-c.clock.After(tick):
			now := c.clock.Now()
			if !now.Before(deadline) {
				stop()
				wg.Wait()
				return flush(100)
			}
			progress := int(float64(now.Sub(start)) / float64(dur) * 100)
			if err := flush(progress); err != nil {
				return err
			}
		}
	}
}

// probeLoop issues probes until ctx is canceled. A transport failure that
// survives the retry budget is pushed to fatal and ends the loop.
func (c *Controller) probeLoop(ctx context.Context, runID string, phase Phase, req probe.Request, interval, timeout time.Duration, agg *metrics.Aggregator, retries, persisted *atomic.Int64, fatal chan<- *probeFailure) {
	for {
		if interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(interval):
			}
		} else if ctx.Err() != nil {
			return
		}

		var res probe.Result
		err := retrygo.Do(
			func() error {
				pctx := ctx
				if timeout > 0 {
					var cancel context.CancelFunc
					pctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				var perr error
				res, perr = c.prober.Probe(pctx, req)
				return perr
			},
			retrygo.Attempts(c.retryN),
			retrygo.Delay(c.retryDelay),
			retrygo.DelayType(retrygo.BackOffDelay),
			retrygo.LastErrorOnly(true),
			retrygo.Context(ctx),
			retrygo.OnRetry(func(_ uint, _ error) { retries.Add(1) }),
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case fatal <- &probeFailure{phase: phase, err: err}:
			default:
			}
			return
		}

		isErr := res.StatusCode >= 400
		agg.Record(string(phase), metrics.Sample{LatencyMS: res.LatencyMS, Err: isErr})
		c.coll.observeProbe(res.LatencyMS)
		if persisted.Add(1) <= int64(c.sampleCap) {
			c.persistSample(ctx, runID, phase, res, isErr)
		}
	}
}

// persistSample appends one raw sample to the phase sample list. Failures are
// logged, never fatal; the aggregate already holds the observation.
func (c *Controller) persistSample(ctx context.Context, runID string, phase Phase, res probe.Result, isErr bool) {
	raw, err := json.Marshal(storedSample{LatencyMS: res.LatencyMS, StatusCode: res.StatusCode, Err: isErr})
	if err != nil {
		return
	}
	if err := c.store.Append(ctx, sampleKey(runID, phase), raw); err != nil {
		c.logger.Debug("sample append", "run_id", runID, "phase", phase, "error", err)
	}
}

func durationFor(params precedence.Params, p Phase) time.Duration {
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
