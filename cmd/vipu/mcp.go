package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vipu/internal/gateway/mcp"
	"github.com/jkaninda/vipu/internal/history"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the run_code tool over MCP on stdio",
	Long: `Start a Model Context Protocol server on stdin/stdout exposing the
run_code and list_languages tools. Logs go to stderr.

Example client entry:
  {"command": "vipu", "args": ["mcp"]}`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol; keep logs off it.
	logger := newLogger(cfg.Logging, os.Stderr)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := mcp.NewGateway(mcp.Config{
		Name:    cfg.Gateways.MCP.ServerName(),
		Version: version,
	}, sc.Executor, sc.Registry, history.NewRecorder(sc.History(), logger), logger)

	err = gw.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := gw.Stop(shutdownCtx); stopErr != nil {
		logger.Error("stopping mcp gateway", slog.String("error", stopErr.Error()))
	}
	return err
}
