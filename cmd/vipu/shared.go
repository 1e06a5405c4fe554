package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/vipu/internal/config"
	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/history"
	"github.com/jkaninda/vipu/internal/janitor"
	"github.com/jkaninda/vipu/internal/observability"
	"github.com/jkaninda/vipu/internal/ratelimit"
	"github.com/jkaninda/vipu/internal/runner"
	"github.com/jkaninda/vipu/internal/sandbox"
	"github.com/jkaninda/vipu/internal/storage"
	pgstore "github.com/jkaninda/vipu/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/vipu/internal/storage/sqlite"
	"github.com/jkaninda/vipu/internal/workspace"
)

// SharedComponents holds the subsystems every command that executes code
// needs. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // nil when history is disabled.

	Obs      *observability.Observability
	Sandbox  sandbox.Sandbox
	Registry *runner.Registry
	Executor executor.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// History returns the execution history store, or nil when disabled.
func (sc *SharedComponents) History() history.Store {
	if sc.Store == nil {
		return nil
	}
	return sc.Store.Executions()
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// initShared performs the initialization shared by serve, run, mcp and janitor.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	//  Scratch workspace.
	ws, err := workspace.New(cfg.Sandbox.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage (SQLite default, PostgreSQL optional). Only needed for history.
	if cfg.History.IsEnabled() {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})

		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Sandbox.
	sbx, err := initSandbox(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	if closer, ok := sbx.(io.Closer); ok {
		sc.addCleanup(func() { _ = closer.Close() })
	}
	addHealthChecks(cfg, obs, sc.Store, sbx, ws)

	sandboxType := cfg.Sandbox.SandboxType()
	sc.Sandbox = sbx
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
		sc.Sandbox = observability.NewInstrumentedSandbox(
			sbx, sandboxType, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil(),
		)
	}
	logger.Debug("sandbox initialized", slog.String("type", sandboxType))

	// Runners.
	reg, err := runner.NewRegistry(cfg.RunnerOverrides())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing runners: %w", err)
	}
	sc.Registry = reg

	// Execution engine.
	engine := executor.NewEngine(reg, sc.Sandbox, ws, executor.Config{
		Timeout:       cfg.Sandbox.Timeout(),
		OutputLimit:   cfg.Sandbox.OutputLimit(),
		MaxConcurrent: int64(cfg.Sandbox.MaxConcurrent),
	}, logger)
	sc.Executor = engine
	if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil {
		sc.Executor = observability.NewInstrumentedExecutor(
			engine, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil(),
		)
	}
	logger.Debug("execution engine initialized",
		slog.Duration("timeout", cfg.Sandbox.Timeout()),
		slog.Int("output_limit", cfg.Sandbox.OutputLimit()),
		slog.Int("max_concurrent", cfg.Sandbox.MaxConcurrent),
	)

	return sc, nil
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or VIPU_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if p := cfg.Storage.Postgres; p != nil {
		pgCfg.MaxOpenConns = p.MaxOpenConns
		pgCfg.MaxIdleConns = p.MaxIdleConns
		pgCfg.ConnMaxLifetime = p.ConnMaxLifetime()
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	sc := cfg.Sandbox
	switch sc.SandboxType() {
	case "docker":
		return sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Image:          sc.Docker.Image,
			Images:         sc.Docker.Images,
			DefaultTimeout: sc.Timeout(),
			Memory:         sc.Docker.Memory,
			CPUCores:       sc.Docker.CPUCores,
			PIDsLimit:      sc.Docker.PIDsLimit,
			CPUSeconds:     int64(sc.CPUSeconds()),
			NetworkAllowed: sc.NetworkAllowed,
			User:           sc.Docker.User,
			OutputLimit:    sc.OutputLimit(),
		}, logger)
	case "process":
		return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: sc.Timeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: sc.CPUSeconds(),
				MaxMemoryMB:   sc.MaxMemoryMB,
			},
			OutputLimit:    sc.OutputLimit(),
			Path:           sc.Path,
			EnvPassthrough: sc.Passthrough(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: process, docker)", sc.Type)
	}
}

// addHealthChecks registers the readiness checks selected by
// observability.health. Both checks are on when the section is absent.
func addHealthChecks(cfg *config.Config, obs *observability.Observability, store storage.Store, sbx sandbox.Sandbox, ws *workspace.Workspace) {
	health := obs.HealthOrNil()
	if health == nil {
		return
	}
	includeDB, includeSandbox := true, true
	if hc := cfg.Observability.Health; hc != nil {
		includeDB, includeSandbox = hc.IncludeDB, hc.IncludeSandbox
	}

	if includeDB && store != nil {
		health.AddCheck("database", store.Ping)
	}
	if !includeSandbox {
		return
	}
	if d, ok := sbx.(*sandbox.DockerSandbox); ok {
		health.AddCheck("sandbox", d.Ping)
		return
	}
	health.AddCheck("workspace", func(_ context.Context) error {
		scratch, err := ws.Acquire()
		if err != nil {
			return err
		}
		return scratch.Release()
	})
}

// buildJanitor assembles the maintenance tasks that apply to this
// configuration. limiter may be nil.
func buildJanitor(sc *SharedComponents, limiter *ratelimit.Limiter) (*janitor.Janitor, error) {
	cfg := sc.Config
	jc := cfg.Janitor

	tasks := []janitor.Task{
		janitor.SweepScratch(sc.Workspace, jc.Sweep(), jc.ScratchMaxAge(cfg.Sandbox.Timeout())),
	}
	if store := sc.History(); store != nil && cfg.History.Retention() > 0 {
		tasks = append(tasks, janitor.PruneHistory(store, jc.Prune(), cfg.History.Retention()))
	}
	if limiter.Enabled() {
		tasks = append(tasks, janitor.PruneRateLimits(limiter, jc.RateLimitPrune(), jc.RateLimitIdle()))
	}

	return janitor.New(tasks, sc.Obs.MetricsOrNil(), sc.Logger)
}
