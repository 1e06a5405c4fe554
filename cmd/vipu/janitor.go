package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var janitorCmd = &cobra.Command{
	Use:   "janitor [task...]",
	Short: "Run maintenance tasks once and exit",
	Long: `Run maintenance tasks immediately instead of waiting for the schedule
the server uses. With no arguments every applicable task runs.

Tasks:
  sweep_scratch   remove scratch directories left behind by crashed runs
  prune_history   delete executions older than history.retention_days`,
	RunE: runJanitor,
}

func runJanitor(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Rate-limit buckets live in the server process; nothing to prune here.
	jan, err := buildJanitor(sc, nil)
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		names = jan.Tasks()
	}

	ctx := context.Background()
	var failed int
	for _, name := range names {
		removed, err := jan.RunNow(ctx, name)
		if err != nil {
			logger.Error("janitor task failed", slog.String("task", name), slog.String("error", err.Error()))
			failed++
			continue
		}
		fmt.Printf("%s: removed %d\n", name, removed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d janitor tasks failed", failed, len(names))
	}
	return nil
}
