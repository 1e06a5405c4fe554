package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vipu/internal/config"
	"github.com/jkaninda/vipu/internal/gateway"
	"github.com/jkaninda/vipu/internal/gateway/httpapi"
	"github.com/jkaninda/vipu/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	configPath string
	servePort  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register --port on both root and serve so that
	// `vipu --port :9090` and `vipu serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.vipu/config.yaml)")
}

// loadConfig resolves the config file from --config or VIPU_CONFIG.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("VIPU_CONFIG", configPath))
}

// runServe starts vipu in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting server", slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var limiter *ratelimit.Limiter
	if hc := cfg.Gateways.HTTP; hc != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: hc.RateLimit.RequestsPerMinute,
			BurstSize:         hc.RateLimit.BurstSize,
		})
	}

	// Maintenance schedule.
	if cfg.Janitor.IsEnabled() {
		jan, err := buildJanitor(sc, limiter)
		if err != nil {
			return fmt.Errorf("initializing janitor: %w", err)
		}
		stopJanitor := jan.Start(ctx)
		defer stopJanitor()
	}

	gateways := buildGateways(cfg, sc, limiter)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways creates the enabled network gateways.
func buildGateways(cfg *config.Config, sc *SharedComponents, limiter *ratelimit.Limiter) []gateway.Gateway {
	var gws []gateway.Gateway

	if h := cfg.Gateways.HTTP; h != nil && h.Enabled {
		httpCfg := httpapi.Config{
			ListenAddr:     h.Addr(),
			EnableDocs:     h.EnableDocs,
			APIKeys:        h.APIKeyUserMapping,
			MaxRequestSize: h.MaxBodyBytes(),
		}
		if sc.Obs != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.HealthChecker = sc.Obs.Health
			if sc.Obs.Metrics != nil {
				httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			}
			if sc.Obs.Tracer != nil {
				httpCfg.Tracer = sc.Obs.Tracer.Tracer()
			}
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}

		httpGW := httpapi.NewGateway(httpCfg, sc.Executor, sc.Registry, limiter, sc.Logger).
			WithStream(h.StreamEnabled())
		if store := sc.History(); store != nil {
			httpGW.WithHistory(store)
		}
		gws = append(gws, httpGW)
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", h.Addr()),
			slog.Bool("auth", len(h.APIKeyUserMapping) > 0),
			slog.Bool("stream", h.StreamEnabled()),
		)
	}

	return gws
}
