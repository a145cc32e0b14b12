package tripd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tripd/api"
	"pkt.systems/tripd/internal/clock"
	"pkt.systems/tripd/internal/httpapi"
	"pkt.systems/tripd/internal/policy"
	"pkt.systems/tripd/internal/probe"
	"pkt.systems/tripd/internal/report"
	"pkt.systems/tripd/internal/run"
	"pkt.systems/tripd/internal/storage"
)

// Server wraps the HTTP control API, the run controller, the watchdog, and
// the storage backend.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	backend      storage.Backend
	degraded     func() bool
	controller   *run.Controller
	watchdog     *run.Watchdog
	policyStore  *policy.Store
	handler      *httpapi.Handler
	telemetry    *telemetryBundle
	httpSrv      *http.Server
	listener     net.Listener
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	bgCancel  context.CancelFunc
	bgDone    sync.WaitGroup
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*serverOptions)

type serverOptions struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
	Prober  probe.Prober
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *serverOptions) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *serverOptions) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *serverOptions) {
		o.Clock = c
	}
}

// WithProber injects a custom prober, overriding TargetURL and the synthetic
// fallback.
func WithProber(p probe.Prober) Option {
	return func(o *serverOptions) {
		o.Prober = p
	}
}

// NewServer constructs a tripd server according to cfg.
// Example:
//
//	cfg := tripd.Config{Store: "mem://", Listen: ":9440"}
//	cfg.Normalize()
//	srv, err := tripd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		readyCh: make(chan struct{}),
	}

	backend := o.Backend
	degraded := func() bool { return false }
	if backend == nil {
		var degradedFn func() bool
		var err error
		backend, degradedFn, err = openBackend(cfg, logger, clk)
		if err != nil {
			return nil, err
		}
		if degradedFn != nil {
			degraded = degradedFn
		}
	}
	s.backend = backend
	s.degraded = degraded

	telemetry, err := newTelemetry(cfg, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	s.telemetry = telemetry

	policyStore := policy.Empty()
	if cfg.PolicyPath != "" {
		policyStore, err = policy.Load(cfg.PolicyPath, logger)
		if err != nil {
			telemetry.closeListeners()
			_ = backend.Close()
			return nil, err
		}
	}
	s.policyStore = policyStore

	prober := o.Prober
	if prober == nil {
		if cfg.TargetURL != "" {
			prober, err = probe.NewHTTP(probe.HTTPConfig{TargetURL: cfg.TargetURL})
			if err != nil {
				telemetry.closeListeners()
				_ = backend.Close()
				return nil, err
			}
		} else {
			prober = probe.NewSynthetic(probe.SyntheticConfig{
				Seed:          cfg.SyntheticSeed,
				BaseLatencyMS: cfg.SyntheticBaseLatencyMS,
				JitterMS:      cfg.SyntheticJitterMS,
				ErrorRate:     cfg.SyntheticErrorRate,
			})
		}
	}

	var sink func(context.Context, *api.Report)
	if cfg.ArchiveEndpoint != "" {
		archiver, err := report.NewArchiver(report.ArchiveConfig{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			Prefix:    cfg.ArchivePrefix,
			Region:    cfg.ArchiveRegion,
			UseTLS:    cfg.ArchiveTLS,
		}, logger)
		if err != nil {
			telemetry.closeListeners()
			_ = backend.Close()
			return nil, err
		}
		sink = archiver.Sink()
	}

	controller, err := run.New(run.Options{
		Store:               backend,
		Prober:              prober,
		Logger:              logger,
		Clock:               clk,
		Policy:              policyStore.Values,
		ForceOverrides:      cfg.ForceOverrides,
		RunTTL:              cfg.RunTTL,
		SampleListCap:       cfg.SampleListCap,
		ExactWindow:         cfg.ExactWindow,
		ProbeRetryAttempts:  cfg.ProbeRetryAttempts,
		ProbeRetryBaseDelay: cfg.ProbeRetryBaseDelay,
		ReportSink:          sink,
		Collectors:          run.NewCollectors(telemetry.registry),
	})
	if err != nil {
		telemetry.closeListeners()
		_ = backend.Close()
		return nil, err
	}
	s.controller = controller
	s.watchdog = run.NewWatchdog(controller, run.WatchdogConfig{
		Tick:          cfg.WatchdogTick,
		StallBudget:   cfg.StallBudget,
		OverallBudget: cfg.OverallBudget,
	}, logger)

	handler, err := httpapi.New(httpapi.Config{
		Controller:     controller,
		Logger:         logger,
		Clock:          clk,
		BackendName:    backend.Name(),
		Degraded:       degraded,
		Ready:          s.isReady,
		JSONMaxBytes:   cfg.JSONMaxBytes,
		TracingEnabled: cfg.HTTPTracing,
	})
	if err != nil {
		telemetry.closeListeners()
		_ = backend.Close()
		return nil, err
	}
	s.handler = handler

	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{Handler: mux}
	return s, nil
}

// Handler exposes the control API for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start binds the listener, launches the background loops, and serves until
// Shutdown. It blocks for the lifetime of the server.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	bgCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.bgCancel = cancel
	s.mu.Unlock()
	s.startBackground(bgCtx)
	s.telemetry.Serve()

	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto, "address", ln.Addr().String(),
		"store", s.backend.Name(), "target", s.cfg.TargetURL)

	serveErr := s.httpSrv.Serve(ln)
	s.mu.Lock()
	s.lastServeErr = serveErr
	s.mu.Unlock()
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// startBackground launches the watchdog, the durable-backend pinger, and the
// policy watcher.
func (s *Server) startBackground(ctx context.Context) {
	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		s.watchdog.Run(ctx)
	}()

	s.bgDone.Add(1)
	go func() {
		defer s.bgDone.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.cfg.PingInterval):
				// Ping refreshes the failover degraded flag; errors are
				// already absorbed by the store.
				_ = s.backend.Ping(ctx)
			}
		}
	}()

	if s.cfg.PolicyPath != "" {
		s.bgDone.Add(1)
		go func() {
			defer s.bgDone.Done()
			if err := s.policyStore.Watch(ctx); err != nil {
				s.logger.Warn("policy watcher stopped", "error", err)
			}
		}()
	}
}

// Shutdown gracefully stops the server: HTTP first, then the active run, the
// background loops, and the backend.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancel := s.bgCancel
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := s.controller.Shutdown(ctx); err != nil {
		s.logger.Warn("controller shutdown", "error", err)
	}
	if cancel != nil {
		cancel()
	}
	s.bgDone.Wait()
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown", "error", err)
	}
	if err := s.backend.Close(); err != nil {
		return err
	}
	s.logger.Info("shutdown complete")
	return nil
}

// Close is Shutdown with a default timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

func (s *Server) isReady() bool {
	select {
	case <-s.readyCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.shutdown
	default:
		return false
	}
}

// WaitUntilReady blocks until the listener is bound or ctx expires.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr reports the bound address, nil before Start.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// LastServeError reports the terminal error from Serve, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.lastServeErr, http.ErrServerClosed) {
		return nil
	}
	return s.lastServeErr
}
