package tripd

import (
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the control API binds to.
	DefaultListen = ":9440"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default Prometheus scrape endpoint. Empty
	// disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes bounds incoming JSON payloads.
	DefaultJSONMaxBytes = 1 << 20
	// DefaultRunTTL bounds how long run records and reports outlive their run.
	DefaultRunTTL = time.Hour
	// DefaultSampleListCap caps the raw samples persisted per run and phase.
	DefaultSampleListCap = 500
	// DefaultWatchdogTick is the watchdog scan interval.
	DefaultWatchdogTick = 2 * time.Second
	// DefaultStallBudget is the maximum silence since the last progress write
	// before the watchdog declares a run stalled.
	DefaultStallBudget = 30 * time.Second
	// DefaultOverallBudget caps total run duration regardless of progress.
	DefaultOverallBudget = 15 * time.Minute
	// DefaultProbeRetryAttempts is the per-probe transport retry budget.
	DefaultProbeRetryAttempts = 3
	// DefaultProbeRetryBaseDelay is the base backoff between probe retries.
	DefaultProbeRetryBaseDelay = 250 * time.Millisecond
	// DefaultPingInterval controls how often the durable backend is probed to
	// refresh the degraded flag.
	DefaultPingInterval = 5 * time.Second
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
)

// Config drives NewServer. The zero value is not usable; fill at least Listen
// and Store or normalise with Normalize.
type Config struct {
	// Listen is the control API endpoint, Listen/ListenProto as in net.Listen.
	Listen      string
	ListenProto string

	// Store selects the durable backend: mem:// or
	// redis://[:password@]host:port[/db]. Non-memory stores are mirrored to
	// an in-process memory backend for graceful degradation.
	Store string

	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// PprofListen exposes net/http/pprof when non-empty.
	PprofListen string

	// TargetURL is the search endpoint probes are issued against. Empty
	// selects the synthetic prober.
	TargetURL string
	// Synthetic prober shape, used when TargetURL is empty.
	SyntheticSeed          int64
	SyntheticBaseLatencyMS float64
	SyntheticJitterMS      float64
	SyntheticErrorRate     float64

	// PolicyPath points at the standing-policy YAML document. Empty disables
	// the policy layer.
	PolicyPath string
	// ForceOverrides is the operator-pinned top precedence layer.
	ForceOverrides map[string]any

	// Run lifecycle tuning.
	RunTTL              time.Duration
	SampleListCap       int
	ExactWindow         int
	WatchdogTick        time.Duration
	StallBudget         time.Duration
	OverallBudget       time.Duration
	ProbeRetryAttempts  uint
	ProbeRetryBaseDelay time.Duration
	PingInterval        time.Duration

	// JSONMaxBytes bounds incoming JSON payloads.
	JSONMaxBytes int64
	// HTTPTracing enables otel spans around every control endpoint.
	HTTPTracing bool

	// Report archive (S3-compatible). Empty ArchiveEndpoint disables it.
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveRegion    string
	ArchivePrefix    string
	ArchiveTLS       bool

	// Storage retry tuning for the durable backend.
	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64
}

// Normalize fills every zero field with its default.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.RunTTL <= 0 {
		c.RunTTL = DefaultRunTTL
		// Reports must outlive the longest possible run.
		if c.OverallBudget > 0 && 2*c.OverallBudget > c.RunTTL {
			c.RunTTL = 2 * c.OverallBudget
		}
	}
	if c.SampleListCap <= 0 {
		c.SampleListCap = DefaultSampleListCap
	}
	if c.WatchdogTick <= 0 {
		c.WatchdogTick = DefaultWatchdogTick
	}
	if c.StallBudget <= 0 {
		c.StallBudget = DefaultStallBudget
	}
	if c.OverallBudget <= 0 {
		c.OverallBudget = DefaultOverallBudget
	}
	if c.ProbeRetryAttempts == 0 {
		c.ProbeRetryAttempts = DefaultProbeRetryAttempts
	}
	if c.ProbeRetryBaseDelay <= 0 {
		c.ProbeRetryBaseDelay = DefaultProbeRetryBaseDelay
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto %q not supported", c.ListenProto)
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "", "redis":
	default:
		return fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	if c.TargetURL != "" {
		tu, err := url.Parse(c.TargetURL)
		if err != nil || tu.Scheme == "" || tu.Host == "" {
			return fmt.Errorf("config: target URL %q invalid", c.TargetURL)
		}
	}
	if c.StallBudget > 0 && c.OverallBudget > 0 && c.StallBudget > c.OverallBudget {
		return fmt.Errorf("config: stall budget %s exceeds overall budget %s", c.StallBudget, c.OverallBudget)
	}
	if c.ArchiveEndpoint != "" && c.ArchiveBucket == "" {
		return fmt.Errorf("config: archive bucket required when archive endpoint is set")
	}
	return nil
}
