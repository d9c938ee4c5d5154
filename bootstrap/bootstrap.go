// Package bootstrap wires all dependencies and starts the service:
// configuration, stores, the limiter, the usage pipeline, the HTTP server
// and the background rollup and retention loops.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/metergate/adapters/clock"
	metergatehttp "github.com/artpar/metergate/adapters/http"
	"github.com/artpar/metergate/adapters/idgen"
	"github.com/artpar/metergate/adapters/memory"
	"github.com/artpar/metergate/adapters/metrics"
	redisadapter "github.com/artpar/metergate/adapters/redis"
	"github.com/artpar/metergate/adapters/sqlite"
	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/config"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/ports"
)

// App represents the running service.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry

	Limiter    *app.Limiter
	Recorder   *app.Recorder
	Aggregator *app.Aggregator

	counters *redisadapter.CounterStore
	fallback *memory.CounterStore

	usageStore     *sqlite.UsageStore
	aggregateStore *sqlite.AggregateStore

	// Hot-reloadable snapshots, swapped whole on config change.
	policies  atomic.Pointer[tier.PolicySet]
	costTable atomic.Pointer[app.CostTable]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates and initializes the application from a config file.
func New(configPath string) (*App, error) {
	holder, err := config.NewHolder(configPath, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	cfg := holder.Get()

	logger := setupLogger(cfg.Logging)

	a := &App{
		Logger: logger,
		Config: holder,
		stopCh: make(chan struct{}),
	}

	set, err := cfg.PolicySet()
	if err != nil {
		return nil, fmt.Errorf("tier policies: %w", err)
	}
	a.policies.Store(set)
	a.costTable.Store(cfg.CostTable())

	if cfg.Metrics.Enabled {
		a.Metrics, a.Registry = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.initDatabase(cfg); err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.initCounterStore(cfg)
	a.initServices(cfg)
	a.initHTTPServer(cfg)

	a.wireReload(holder)
	return a, nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func (a *App) initDatabase(cfg *config.Config) error {
	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	a.DB = db
	a.Logger.Info().Str("dsn", cfg.Database.DSN).Msg("database initialized")
	return nil
}

// initCounterStore connects to the shared counter store. Under fail-open an
// unreachable Redis at startup is degraded service, not a fatal error.
func (a *App) initCounterStore(cfg *config.Config) {
	opts := redisadapter.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	defer cancel()

	counters, err := redisadapter.NewCounterStore(ctx, opts)
	if err != nil {
		a.Logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).
			Msg("redis unreachable at startup, starting degraded")
		counters = redisadapter.NewLazyCounterStore(opts)
	} else {
		a.Logger.Info().Str("addr", cfg.Redis.Addr).Msg("counter store connected")
	}
	a.counters = counters

	a.fallback = memory.NewCounterStore(memory.CounterStoreConfig{})
}

func (a *App) initServices(cfg *config.Config) {
	realClock := clock.Real{}

	a.Limiter = app.NewLimiter(app.LimiterDeps{
		Counters: a.counters,
		Fallback: a.fallback,
		Clock:    realClock,
		Metrics:  a.Metrics,
		Logger:   a.Logger,
	}, a.limiterConfig(cfg))

	a.usageStore = sqlite.NewUsageStore(a.DB)
	a.aggregateStore = sqlite.NewAggregateStore(a.DB)
	deadLetters := sqlite.NewDeadLetterStore(a.DB)

	a.Recorder = app.NewRecorder(a.usageStore, deadLetters, a.Metrics, a.Logger, app.RecorderConfig{
		QueueSize:     cfg.Usage.QueueSize,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: cfg.Usage.FlushInterval,
		Workers:       cfg.Usage.Workers,
		MaxRetries:    cfg.Usage.MaxRetries,
		RetryBackoff:  cfg.Usage.RetryBackoff,
	})

	a.Aggregator = app.NewAggregator(a.aggregateStore, a.policies.Load, realClock,
		a.Metrics, a.Logger, app.AggregatorConfig{
			BatchSize:     cfg.Aggregator.BatchSize,
			FinalizeAfter: cfg.Aggregator.FinalizeAfter,
		})
}

func (a *App) limiterConfig(cfg *config.Config) app.LimiterConfig {
	return app.LimiterConfig{
		Policies:      a.policies.Load(),
		Windows:       cfg.Windows(),
		Grace:         cfg.RateLimit.Grace,
		StoreTimeout:  cfg.RateLimit.StoreTimeout,
		FailurePolicy: cfg.FailurePolicy(),
	}
}

func (a *App) initHTTPServer(cfg *config.Config) {
	handler := metergatehttp.NewHandler(metergatehttp.HandlerDeps{
		Limiter:    a.Limiter,
		Recorder:   a.Recorder,
		Aggregator: a.Aggregator,
		Costs:      a.costTable.Load,
		IDs:        idgen.UUID{},
		Clock:      clock.Real{},
		Logger:     a.Logger,
	})

	router := metergatehttp.NewRouter(handler, a.Logger, metergatehttp.RouterConfig{
		Registry:    a.Registry,
		MetricsPath: cfg.Metrics.Path,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	a.Logger.Info().Str("addr", addr).Msg("http server configured")
}

// wireReload applies config changes to the running services. Only tier
// policies, cost categories and the limiter knobs swap live; stores and the
// server keep their boot-time settings.
func (a *App) wireReload(holder *config.Holder) {
	holder.OnChange(func(cfg *config.Config) {
		set, err := cfg.PolicySet()
		if err != nil {
			a.Logger.Error().Err(err).Msg("reload: invalid tier policies, keeping old")
			if a.Metrics != nil {
				a.Metrics.ConfigReloadErrors.Inc()
			}
			return
		}
		a.policies.Store(set)
		a.costTable.Store(cfg.CostTable())
		a.Limiter.UpdateConfig(a.limiterConfig(cfg))

		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
		}
		a.Logger.Info().Int("tiers", len(cfg.Tiers)).Msg("configuration applied")
	})
}

// Run starts the HTTP server and background loops, blocking until shutdown.
func (a *App) Run() error {
	if err := a.Config.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	a.Config.WatchSignals()

	a.startRollupLoop()
	a.startRetentionLoop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// startRollupLoop periodically folds new usage records into the daily
// aggregates.
func (a *App) startRollupLoop() {
	interval := a.Config.Get().Aggregator.Interval
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := a.Aggregator.Rollup(ctx); err != nil {
					a.Logger.Error().Err(err).Msg("rollup failed")
				}
				cancel()
			case <-a.stopCh:
				return
			}
		}
	}()
}

// startRetentionLoop sweeps expired raw records and aggregates once a day.
func (a *App) startRetentionLoop() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.sweepRetention()
			case <-a.stopCh:
				return
			}
		}
	}()
}

func (a *App) sweepRetention() {
	cfg := a.Config.Get()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	now := time.Now().UTC()
	if n, err := a.usageStore.PurgeBefore(ctx, now.AddDate(0, 0, -cfg.Usage.RetentionDays)); err != nil {
		a.Logger.Error().Err(err).Msg("record retention sweep failed")
	} else if n > 0 {
		a.Logger.Info().Int64("purged", n).Msg("expired usage records purged")
	}

	if n, err := a.aggregateStore.PurgeBefore(ctx, now.AddDate(0, 0, -cfg.Aggregator.RetentionDays)); err != nil {
		a.Logger.Error().Err(err).Msg("aggregate retention sweep failed")
	} else if n > 0 {
		a.Logger.Info().Int64("purged", n).Msg("expired aggregates purged")
	}
}

// Shutdown gracefully stops the application. The recorder is closed before
// the database so queued usage records get their final flush.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(a.stopCh)
	a.wg.Wait()

	a.Config.Stop()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.Recorder != nil {
		if err := a.Recorder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("usage recorder close error")
		}
	}

	if a.counters != nil {
		if err := a.counters.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("counter store close error")
		}
	}
	if a.fallback != nil {
		a.fallback.Close()
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

// Stores exposes the persistence layer for maintenance commands.
func (a *App) Stores() (ports.UsageStore, ports.AggregateStore) {
	return a.usageStore, a.aggregateStore
}
