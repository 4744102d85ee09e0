// Package main is the entry point for the credential pool service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avkeypool/internal/cache"
	"github.com/vyrodovalexey/avkeypool/internal/config"
	"github.com/vyrodovalexey/avkeypool/internal/credential"
	"github.com/vyrodovalexey/avkeypool/internal/health"
	"github.com/vyrodovalexey/avkeypool/internal/observability"
	"github.com/vyrodovalexey/avkeypool/internal/proxy"
	"github.com/vyrodovalexey/avkeypool/internal/ratelimit"
	"github.com/vyrodovalexey/avkeypool/internal/scheduler"
	"github.com/vyrodovalexey/avkeypool/internal/selector"
	"github.com/vyrodovalexey/avkeypool/internal/server"
	"github.com/vyrodovalexey/avkeypool/internal/statestore"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("KEYPOOL_CONFIG_PATH", "configs/keypool.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("KEYPOOL_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("KEYPOOL_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avkeypool version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting avkeypool",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("upstream", cfg.Upstream.BaseURL),
		observability.String("redis", cfg.Redis.Address),
		observability.Int("bucket_capacity", cfg.Pool.BucketCapacity),
		observability.Float64("bucket_refill_rate", cfg.Pool.BucketRefillRate),
	)

	return cfg
}

// application holds all application components.
type application struct {
	server    *server.Server
	scheduler *scheduler.Scheduler
	state     *statestore.Store
	setCache  cache.Cache
	tracing   *observability.TracingProvider
	config    *config.Config
}

// initApplication wires all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracing := initTracing(cfg, logger)

	state, err := statestore.New(&statestore.Config{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		Prefix:       cfg.Redis.Prefix,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout.Duration(),
		ReadTimeout:  cfg.Redis.ReadTimeout.Duration(),
		WriteTimeout: cfg.Redis.WriteTimeout.Duration(),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("failed to connect to state store", observability.Error(err))
	}

	// The memory backend trades cross-replica consistency for zero
	// store round trips on the selection path; single-replica
	// deployments lose nothing by it.
	var setCache cache.Cache
	if cfg.Cache.Backend == "memory" {
		setCache = cache.NewMemoryCache(cfg.Cache.MaxEntries, logger)
	} else {
		storeCache, err := cache.NewStoreCache(state)
		if err != nil {
			logger.Fatal("failed to create cache", observability.Error(err))
		}
		setCache = storeCache
	}
	activeSet := cache.NewActiveSet(setCache, cfg.Pool.ActiveSetTTL.Duration(), logger)

	limiter, err := ratelimit.NewLimiter(state, ratelimit.Limit{
		Capacity:   cfg.Pool.BucketCapacity,
		RefillRate: cfg.Pool.BucketRefillRate,
	}, cfg.Pool.BucketTTL.Duration(), logger)
	if err != nil {
		logger.Fatal("failed to create rate limiter", observability.Error(err))
	}

	creds := credential.NewMemoryStore()
	tracker := credential.NewTracker(creds, cfg.Pool.MaxFailedCount, activeSet.Invalidate, logger)

	sel := selector.New(creds, activeSet, limiter, selector.Config{
		InitialSampleSize: cfg.Selector.InitialSampleSize,
		MaxSampleSize:     cfg.Selector.MaxSampleSize,
		ExpansionFactor:   cfg.Selector.ExpansionFactor,
		MaxAttempts:       cfg.Selector.MaxAttempts,
	}, logger)

	transport, err := proxy.NewHTTPTransport(proxy.HTTPTransportConfig{
		BaseURL:         cfg.Upstream.BaseURL,
		AuthHeader:      cfg.Upstream.AuthHeader,
		Timeout:         cfg.Upstream.Timeout.Duration(),
		MaxConns:        cfg.Upstream.MaxConns,
		MaxIdleConns:    cfg.Upstream.MaxIdleConns,
		IdleConnTimeout: cfg.Upstream.IdleConnTimeout.Duration(),
	})
	if err != nil {
		logger.Fatal("failed to create upstream transport", observability.Error(err))
	}

	coord := proxy.NewCoordinator(sel, transport, tracker, proxy.CoordinatorConfig{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff.Duration(),
		MaxBackoff:     cfg.Retry.MaxBackoff.Duration(),
		BackoffFactor:  cfg.Retry.BackoffFactor,
		Jitter:         cfg.Retry.Jitter,
	}, logger)

	prober := scheduler.NewProber(transport, scheduler.ProbeConfig{
		Model:   cfg.Validation.Model,
		Timeout: cfg.Validation.ProbeTimeout.Duration(),
	})
	sched := scheduler.New(creds, tracker, prober, state, schedulerSettings(cfg), logger)

	checker := health.NewChecker(version)
	checker.RegisterCheck("statestore", func() health.Check {
		if state.Healthy() {
			return health.Check{Status: health.StatusHealthy}
		}
		return health.Check{
			Status:  health.StatusDegraded,
			Message: "state store unreachable, rate limiting suspended",
		}
	})
	checker.RegisterCheck("credentials", func() health.Check {
		stats, err := creds.Stats(context.Background())
		if err != nil || stats.Active == 0 {
			return health.Check{
				Status:  health.StatusDegraded,
				Message: "no active credentials in the pool",
			}
		}
		return health.Check{Status: health.StatusHealthy}
	})

	srv := server.New(server.Config{
		Address:         cfg.Server.Address,
		AdminToken:      cfg.Server.AdminToken,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}, server.Deps{
		Credentials: creds,
		ActiveSet:   activeSet,
		Limiter:     limiter,
		Scheduler:   sched,
		Coordinator: coord,
		Checker:     checker,
		Logger:      logger,
	})

	return &application{
		server:    srv,
		scheduler: sched,
		state:     state,
		setCache:  setCache,
		tracing:   tracing,
		config:    cfg,
	}
}

// initTracing starts the tracing provider when enabled.
func initTracing(cfg *config.Config, logger observability.Logger) *observability.TracingProvider {
	if !cfg.Tracing.Enabled {
		return nil
	}

	provider := observability.NewTracingProvider(&observability.TracingConfig{
		ServiceName:    "avkeypool",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		ExporterType:   observability.ExporterType(cfg.Tracing.Exporter),
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)

	if err := provider.Start(context.Background()); err != nil {
		logger.Warn("failed to start tracing provider", observability.Error(err))
		return nil
	}

	return provider
}

// schedulerSettings maps validation configuration to scheduler settings.
func schedulerSettings(cfg *config.Config) scheduler.Settings {
	return scheduler.Settings{
		ActiveInterval:    cfg.Validation.ActiveInterval.Duration(),
		ExhaustedInterval: cfg.Validation.ExhaustedInterval.Duration(),
		ErrorInterval:     cfg.Validation.ErrorInterval.Duration(),
		Workers:           cfg.Validation.Workers,
		ProbesPerSecond:   cfg.Validation.ProbesPerSecond,
		TaskTTL:           cfg.Validation.TaskTTL.Duration(),
	}
}

// run starts everything and blocks until a shutdown signal.
func run(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	app.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", observability.Error(err))
		}
	}

	shutdown(app, watcher, logger)
}

// startConfigWatcher watches the configuration file and reconciles the
// validation schedule on change.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		app.scheduler.Reconcile(schedulerSettings(newCfg))
	}, logger)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// shutdown stops components in dependency order.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop http server gracefully", observability.Error(err))
	}

	app.scheduler.Stop()

	if app.tracing != nil {
		if err := app.tracing.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop tracing provider", observability.Error(err))
		}
	}

	if err := app.setCache.Close(); err != nil {
		logger.Error("failed to close active-set cache", observability.Error(err))
	}

	if err := app.state.Close(); err != nil {
		logger.Error("failed to close state store", observability.Error(err))
	}

	logger.Info("avkeypool stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
