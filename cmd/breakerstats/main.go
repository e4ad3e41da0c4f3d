package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/wudi/breakerstats/internal/admin"
	"github.com/wudi/breakerstats/internal/circuitbreaker"
	"github.com/wudi/breakerstats/internal/config"
	"github.com/wudi/breakerstats/internal/logging"
	"github.com/wudi/breakerstats/internal/metrics"
	"github.com/wudi/breakerstats/internal/simulate"
	"github.com/wudi/breakerstats/internal/stats"
	"github.com/wudi/breakerstats/internal/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/breakerstats.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("breakerstats %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, logCloser, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if logCloser != nil {
		defer logCloser.Close()
	}
	logging.SetGlobal(logger)

	logging.Info("Starting breakerstats",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("breakers", len(cfg.Breakers)),
	)

	if err := run(cfg); err != nil {
		logging.Error("breakerstats exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Close(shutdownCtx); err != nil {
			logging.Warn("Tracer shutdown error", zap.Error(err))
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := metrics.NewExporter(promReg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	registry, err := circuitbreaker.NewRegistryFromConfig(cfg.Breakers, exporter.RecordTransition,
		circuitbreaker.WithTracerProvider(tracer.Provider()),
	)
	if err != nil {
		return fmt.Errorf("failed to create breakers: %w", err)
	}
	defer registry.Shutdown()

	// Metric series are dropped before the windows stop so a scrape during
	// shutdown never sees a stale breaker.
	for _, name := range registry.Names() {
		b := registry.Get(name)
		unsubscribe := b.Subscribe(exporter.Listener(name))
		b.Subscribe(snapshotLogger(name))
		defer func() {
			unsubscribe()
			exporter.Forget(name)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Enabled {
		srv := admin.NewServer(cfg.Admin, tracer.Middleware(admin.Handler(registry, promReg)))
		g.Go(func() error {
			logging.Info("Starting admin server", zap.String("address", cfg.Admin.Address))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, bc := range cfg.Breakers {
		if !bc.Simulation.Enabled {
			continue
		}
		b := registry.Get(bc.Name)
		sim := bc.Simulation
		g.Go(func() error {
			logging.Info("Starting simulation",
				zap.String("breaker", b.Name()),
				zap.Float64("rate", sim.Rate),
				zap.Float64("failure_rate", sim.FailureRate),
			)
			report, err := simulate.Run(gctx, b, sim)
			logging.Info("Simulation stopped",
				zap.String("breaker", b.Name()),
				zap.Int64("calls", report.Calls),
				zap.Int64("errors", report.Errors),
			)
			return err
		})
	}

	// Keep running until a signal arrives even with nothing else to do.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	logging.Info("Shutting down gracefully...")
	return err
}

// snapshotLogger logs every window snapshot at debug level
func snapshotLogger(name string) stats.Listener {
	logger := logging.Named("snapshot").With(zap.String("breaker", name))
	return stats.ListenerFunc(func(s stats.Stats) {
		p50, _ := s.Percentile(0.5)
		p99, _ := s.Percentile(0.99)
		logger.Debug("window snapshot",
			zap.Int64("fires", s.Fires),
			zap.Int64("failures", s.Failures),
			zap.Int64("timeouts", s.Timeouts),
			zap.Int64("rejects", s.Rejects),
			zap.Float64("error_percentage", s.ErrorPercentage()),
			zap.Float64("latency_mean_ms", s.LatencyMean),
			zap.Float64("latency_p50_ms", p50),
			zap.Float64("latency_p99_ms", p99),
			zap.Bool("open", s.IsCircuitBreakerOpen),
		)
	})
}
