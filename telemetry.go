package tripd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"
)

// telemetryBundle owns the optional metrics and pprof listeners.
type telemetryBundle struct {
	registry      *prometheus.Registry
	metricsServer *http.Server
	metricsLn     net.Listener
	pprofServer   *http.Server
	pprofLn       net.Listener
	logger        pslog.Logger
}

// newTelemetry builds the bundle and binds the configured listeners. The
// registry exists even when no metrics listener is configured so collectors
// always have a home.
func newTelemetry(cfg Config, logger pslog.Logger) (*telemetryBundle, error) {
	t := &telemetryBundle{
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.MetricsListen != "" {
		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			return nil, fmt.Errorf("metrics listen %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		t.metricsLn = ln
		t.metricsServer = &http.Server{Handler: mux}
	}
	if cfg.PprofListen != "" {
		ln, err := net.Listen("tcp", cfg.PprofListen)
		if err != nil {
			t.closeListeners()
			return nil, fmt.Errorf("pprof listen %s: %w", cfg.PprofListen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		t.pprofLn = ln
		t.pprofServer = &http.Server{Handler: mux}
	}
	return t, nil
}

// Serve starts the configured listeners. It never blocks.
func (t *telemetryBundle) Serve() {
	if t.metricsServer != nil {
		go func() {
			if err := t.metricsServer.Serve(t.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Warn("metrics server", "error", err)
			}
		}()
		t.logger.Info("metrics listening", "address", t.metricsLn.Addr().String())
	}
	if t.pprofServer != nil {
		go func() {
			if err := t.pprofServer.Serve(t.pprofLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				t.logger.Warn("pprof server", "error", err)
			}
		}()
		t.logger.Info("pprof listening", "address", t.pprofLn.Addr().String())
	}
}

func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	var errs []error
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if t.pprofServer != nil {
		if err := t.pprofServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("pprof shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *telemetryBundle) closeListeners() {
	if t.metricsLn != nil {
		_ = t.metricsLn.Close()
	}
	if t.pprofLn != nil {
		_ = t.pprofLn.Close()
	}
}
