package run

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups the Prometheus instruments the controller feeds. A nil
// *Collectors disables instrumentation; every method is nil-receiver safe.
type Collectors struct {
	runsStarted      prometheus.Counter
	phaseTransitions *prometheus.CounterVec
	rejectedUpdates  prometheus.Counter
	watchdogTrips    *prometheus.CounterVec
	probeLatency     prometheus.Histogram
}

// NewCollectors registers the controller instruments on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripd_runs_started_total",
			Help: "Runs accepted by the controller.",
		}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_phase_transitions_total",
			Help: "Effective phase transitions by target phase.",
		}, []string{"to_phase"}),
		rejectedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripd_rejected_updates_total",
			Help: "Mutations dropped due to run_id mismatch.",
		}),
		watchdogTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripd_watchdog_trips_total",
			Help: "Runs force-terminated by the watchdog, by code.",
		}, []string{"code"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripd_probe_latency_ms",
			Help:    "Probe latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
	}
	reg.MustRegister(c.runsStarted, c.phaseTransitions, c.rejectedUpdates, c.watchdogTrips, c.probeLatency)
	return c
}

func (c *Collectors) runStarted() {
	if c != nil {
		c.runsStarted.Inc()
	}
}

func (c *Collectors) phaseTransition(to Phase) {
	if c != nil {
		c.phaseTransitions.WithLabelValues(string(to)).Inc()
	}
}

func (c *Collectors) rejectedUpdate() {
	if c != nil {
		c.rejectedUpdates.Inc()
	}
}

func (c *Collectors) watchdogTrip(code string) {
	if c != nil {
		c.watchdogTrips.WithLabelValues(code).Inc()
	}
}

func (c *Collectors) observeProbe(latencyMS float64) {
	if c != nil {
		c.probeLatency.Observe(latencyMS)
	}
}
