package janitor

import (
	"context"
	"time"

	"github.com/jkaninda/vipu/internal/history"
	"github.com/jkaninda/vipu/internal/ratelimit"
	"github.com/jkaninda/vipu/internal/workspace"
)

// Task names.
const (
	TaskSweepScratch    = "sweep_scratch"
	TaskPruneHistory    = "prune_history"
	TaskPruneRateLimits = "prune_rate_limits"
)

// SweepScratch removes scratch directories older than maxAge. Live runs
// never exceed the execution timeout, so maxAge should be well above it.
func SweepScratch(ws *workspace.Workspace, schedule string, maxAge time.Duration) Task {
	return Task{
		Name:     TaskSweepScratch,
		Schedule: schedule,
		Run: func(context.Context) (int, error) {
			return ws.Sweep(maxAge)
		},
	}
}

// PruneHistory deletes executions older than retention.
func PruneHistory(store history.Store, schedule string, retention time.Duration) Task {
	return Task{
		Name:     TaskPruneHistory,
		Schedule: schedule,
		Run: func(ctx context.Context) (int, error) {
			n, err := store.DeleteBefore(ctx, time.Now().UTC().Add(-retention))
			return int(n), err
		},
	}
}

// PruneRateLimits drops rate-limit buckets idle for at least idle.
func PruneRateLimits(l *ratelimit.Limiter, schedule string, idle time.Duration) Task {
	return Task{
		Name:     TaskPruneRateLimits,
		Schedule: schedule,
		Run: func(context.Context) (int, error) {
			return l.Prune(idle), nil
		},
	}
}
