// Command platformd serves label lookups and the event bus over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/researchspace/researchspace-sub019/internal/eventbus"
	"github.com/researchspace/researchspace-sub019/internal/infra/config"
	httpserver "github.com/researchspace/researchspace-sub019/internal/infra/server/http"
	"github.com/researchspace/researchspace-sub019/internal/infra/telemetry"
	"github.com/researchspace/researchspace-sub019/internal/labels"
	"github.com/researchspace/researchspace-sub019/internal/observability"
	"github.com/researchspace/researchspace-sub019/lib/async"
)

const (
	defaultConfigPath        = "config/app.yaml"
	fetchPoolName            = "label-fetch"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	labelsShutdownTimeout    = 5 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "platformd: load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(appCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "platformd: build logger: %v\n", err)
		os.Exit(1)
	}
	observability.SetLogger(logger)
	fatal := func(msg string, err error) {
		logger.Error(msg, observability.F("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}

	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.Info("configuration initialised",
		observability.F("environment", string(appCfg.Environment)),
		observability.F("labels_endpoint", appCfg.Labels.Endpoint))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		fatal("initialise telemetry", err)
	}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:   appCfg.Eventbus.BufferSize,
		DataCapBytes: appCfg.Eventbus.DataCapBytes,
		Logger:       logger.Named("eventbus"),
		Meter:        telemetryProvider.Meter("researchspace/eventbus"),
	})

	fetchPool, err := async.NewPool(appCfg.Batcher.Workers.Count(), appCfg.Batcher.QueueSize,
		async.WithLogger(logger.Named("pool")),
		async.WithName(fetchPoolName))
	if err != nil {
		fatal("initialise fetch pool", err)
	}

	labelService, err := initLabels(ctx, logger, appCfg, bus, fetchPool, telemetryProvider)
	if err != nil {
		fatal("initialise labels", err)
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg, labelService, bus, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("api listening", observability.F("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	shutdownErr := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		labels:        labelService,
		fetchPool:     fetchPool,
		bus:           bus,
		telemetry:     telemetryProvider,
	})
	logger.Info("shutdown completed",
		observability.F("elapsed", time.Since(shutdownStart).String()),
		observability.F("clean", shutdownErr == nil))
	_ = logger.Sync()
	if shutdownErr != nil {
		os.Exit(1)
	}
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(cfg config.AppConfig) (*observability.ZapLogger, error) {
	logger, err := observability.NewZapLogger(observability.ZapConfig{
		Environment: string(cfg.Environment),
		Level:       cfg.Logging.Level,
		ServiceName: cfg.Telemetry.ServiceName,
		Encoding:    cfg.Logging.Encoding,
	})
	if err != nil {
		return nil, err
	}
	return logger.Named("platformd"), nil
}

func telemetryConfig(env config.Environment, cfg config.TelemetryConfig) telemetry.Config {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics
	return telemetryCfg
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetryConfig(env, cfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialised",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func initLabels(ctx context.Context, logger *observability.ZapLogger, cfg config.AppConfig, bus eventbus.Bus, fetchPool *async.Pool, provider *telemetry.Provider) (*labels.Service, error) {
	client, err := labels.NewClient(labels.ClientConfig{
		Endpoint:          cfg.Labels.Endpoint,
		Timeout:           cfg.Labels.Timeout,
		RequestsPerSecond: cfg.Labels.RequestsPerSecond,
		Burst:             cfg.Labels.Burst,
		MaxRetries:        cfg.Labels.MaxRetries,
		Logger:            logger.Named("labels.client"),
	})
	if err != nil {
		return nil, fmt.Errorf("build label client: %w", err)
	}
	svc, err := labels.New(ctx, labels.Config{
		Fetcher:       client,
		Bus:           bus,
		CacheSize:     cfg.Labels.CacheSize,
		BatchSize:     cfg.Batcher.BatchSize,
		DelayInterval: cfg.Batcher.DelayInterval,
		Pool:          fetchPool,
		Logger:        logger.Named("labels"),
		Meter:         provider.Meter("researchspace/labels"),
	})
	if err != nil {
		return nil, fmt.Errorf("build label service: %w", err)
	}
	return svc, nil
}

func buildAPIServer(cfg config.AppConfig, resolver httpserver.LabelResolver, bus eventbus.Bus, logger *observability.ZapLogger) *http.Server {
	handler := httpserver.NewHandler(httpserver.Dependencies{
		Environment:    cfg.Environment,
		Labels:         resolver,
		Bus:            bus,
		Logger:         logger.Named("http"),
		OriginPatterns: cfg.APIServer.OriginPatterns,
	})
	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", observability.F("error", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	labels        *labels.Service
	fetchPool     *async.Pool
	bus           eventbus.Bus
	telemetry     *telemetry.Provider
}

// performGracefulShutdown stops components in dependency order: the API first, then the
// label service and its fetch pool, then the bus and telemetry.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Debug("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		logger.Debug("shutdown step completed", observability.F("step", name))
	}

	if cfg.server != nil {
		timeout := cfg.serverTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownStep("stopping api server", timeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrDone(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.labels != nil {
		shutdownStep("stopping label service", labelsShutdownTimeout, cfg.labels.Shutdown)
	}

	if cfg.fetchPool != nil {
		shutdownStep("shutting down fetch pool", poolShutdownTimeout, cfg.fetchPool.Shutdown)
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return waitOrDone(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
	return observability.AggregateErrors(logger, "graceful shutdown", failures)
}

// waitOrDone runs fn in the background and returns when it finishes or ctx expires.
func waitOrDone(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for shutdown: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
