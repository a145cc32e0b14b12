package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	tripd "pkt.systems/tripd"
	"pkt.systems/tripd/internal/svcfields"
	"pkt.systems/tripd/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("TRIPD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tripd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "tripd",
		Short:         "tripd orchestrates fault-injection and load-test runs against a search endpoint",
		Version:       version.Current(),
		SilenceErrors: true,
		Example: `
  # In-memory state, synthetic probes (dev)
  tripd --store mem://

  # Redis-backed state probing a live search endpoint
  TRIPD_STORE=redis://localhost:6379/0 tripd --target-url http://search:8080/v1/search

  # Standing policy plus pinned overrides
  tripd --policy /etc/tripd/policy.yaml --force-override concurrency=2 --force-override target_qps=10
`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")

			if cfgFile := strings.TrimSpace(v.GetString("config")); cfgFile != "" {
				v.SetConfigFile(cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %q: %w", cfgFile, err)
				}
				cliLogger.Info("loaded config file", "path", v.ConfigFileUsed())
			}

			cfg, err := buildConfig(v)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")
	flags.String("listen", tripd.DefaultListen, "control API listen address")
	flags.String("listen-proto", tripd.DefaultListenProto, "listen protocol (tcp, unix)")
	flags.String("store", tripd.DefaultStore, "state store URL (mem:// or redis://host:port[/db])")
	flags.String("metrics-listen", tripd.DefaultMetricsListen, "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", tripd.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.String("target-url", "", "search endpoint to probe (empty selects the synthetic prober)")
	flags.String("policy", "", "standing-policy YAML document")
	flags.StringArray("force-override", nil, "pinned parameter override key=value (repeatable)")
	flags.String("json-max", humanize.Bytes(uint64(tripd.DefaultJSONMaxBytes)), "maximum JSON request body size")
	flags.Duration("watchdog-tick", tripd.DefaultWatchdogTick, "watchdog scan interval")
	flags.Duration("stall-budget", tripd.DefaultStallBudget, "maximum progress silence before a run is terminated")
	flags.Duration("overall-budget", tripd.DefaultOverallBudget, "maximum total run duration")
	flags.Duration("run-ttl", 0, "retention for run records and reports (0 derives from the overall budget)")
	flags.Int("sample-cap", tripd.DefaultSampleListCap, "raw samples persisted per run and phase")
	flags.Bool("http-tracing", false, "enable OpenTelemetry spans around control endpoints")
	flags.Int64("synthetic-seed", 0, "synthetic prober seed")
	flags.Float64("synthetic-base-ms", 20, "synthetic prober base latency in milliseconds")
	flags.Float64("synthetic-jitter-ms", 10, "synthetic prober latency jitter in milliseconds")
	flags.Float64("synthetic-error-rate", 0.01, "synthetic prober simulated 503 rate")
	flags.String("archive-endpoint", "", "S3-compatible endpoint for report archiving (empty disables)")
	flags.String("archive-bucket", "", "report archive bucket")
	flags.String("archive-access-key", "", "report archive access key")
	flags.String("archive-secret-key", "", "report archive secret key")
	flags.String("archive-region", "", "report archive region")
	flags.String("archive-prefix", "reports", "report archive key prefix")
	flags.Bool("archive-tls", true, "use TLS towards the report archive")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", f.Name, err))
		}
	})
	v.SetEnvPrefix("TRIPD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func buildConfig(v *viper.Viper) (tripd.Config, error) {
	jsonMax, err := humanize.ParseBytes(v.GetString("json-max"))
	if err != nil {
		return tripd.Config{}, fmt.Errorf("parse --json-max: %w", err)
	}
	overrides, err := parseForceOverrides(v.GetStringSlice("force-override"))
	if err != nil {
		return tripd.Config{}, err
	}
	cfg := tripd.Config{
		Listen:                 v.GetString("listen"),
		ListenProto:            v.GetString("listen-proto"),
		Store:                  v.GetString("store"),
		MetricsListen:          v.GetString("metrics-listen"),
		PprofListen:            v.GetString("pprof-listen"),
		TargetURL:              v.GetString("target-url"),
		PolicyPath:             v.GetString("policy"),
		ForceOverrides:         overrides,
		JSONMaxBytes:           int64(jsonMax),
		WatchdogTick:           v.GetDuration("watchdog-tick"),
		StallBudget:            v.GetDuration("stall-budget"),
		OverallBudget:          v.GetDuration("overall-budget"),
		RunTTL:                 v.GetDuration("run-ttl"),
		SampleListCap:          v.GetInt("sample-cap"),
		HTTPTracing:            v.GetBool("http-tracing"),
		SyntheticSeed:          v.GetInt64("synthetic-seed"),
		SyntheticBaseLatencyMS: v.GetFloat64("synthetic-base-ms"),
		SyntheticJitterMS:      v.GetFloat64("synthetic-jitter-ms"),
		SyntheticErrorRate:     v.GetFloat64("synthetic-error-rate"),
		ArchiveEndpoint:        v.GetString("archive-endpoint"),
		ArchiveBucket:          v.GetString("archive-bucket"),
		ArchiveAccessKey:       v.GetString("archive-access-key"),
		ArchiveSecretKey:       v.GetString("archive-secret-key"),
		ArchiveRegion:          v.GetString("archive-region"),
		ArchivePrefix:          v.GetString("archive-prefix"),
		ArchiveTLS:             v.GetBool("archive-tls"),
	}
	cfg.Normalize()
	return cfg, nil
}

// parseForceOverrides turns repeated key=value flags into the top precedence
// layer. Values stay strings; the resolver coerces them per field.
func parseForceOverrides(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("parse --force-override %q: expected key=value", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

func runServer(ctx context.Context, cfg tripd.Config, logger pslog.Logger) error {
	srv, err := tripd.NewServer(cfg, tripd.WithLogger(logger))
	if err != nil {
		return err
	}
	lifecycle := svcfields.WithSubsystem(logger, "server.lifecycle")
	lifecycle.Info("starting tripd", "pid", os.Getpid(), "store", cfg.Store, "listen", cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		lifecycle.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tripd.DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
