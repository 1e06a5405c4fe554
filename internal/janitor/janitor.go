// Package janitor runs periodic maintenance on a cron schedule: sweeping
// scratch directories orphaned by a crash, pruning execution history past
// its retention, and dropping idle rate-limit buckets.
//
// Tasks never overlap with themselves; a run still in progress when the
// next tick fires is skipped.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/vipu/internal/observability"
)

// taskTimeout bounds a single task run.
const taskTimeout = 2 * time.Minute

// Task is a named maintenance job. Run returns how many items it removed.
type Task struct {
	Name     string
	Schedule string // cron expression or descriptor, e.g. "@every 10m"
	Run      func(ctx context.Context) (int, error)
}

// Janitor schedules Tasks with robfig/cron.
type Janitor struct {
	tasks   []Task
	cron    *cron.Cron
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
}

// New validates every schedule and returns a Janitor that is not yet running.
func New(tasks []Task, metrics *observability.MetricsCollector, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}

	j := &Janitor{
		tasks:   tasks,
		metrics: metrics,
		logger:  logger,
		baseCtx: context.Background(),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Name == "" || t.Run == nil {
			return nil, fmt.Errorf("janitor task needs a name and a run function")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate janitor task %q", t.Name)
		}
		seen[t.Name] = true

		task := t
		if _, err := j.cron.AddFunc(task.Schedule, func() { j.run(j.context(), task) }); err != nil {
			return nil, fmt.Errorf("invalid schedule %q for task %s: %w", task.Schedule, task.Name, err)
		}
	}
	return j, nil
}

// Start begins the schedule. Returns a stop function that cancels running
// tasks and waits for them to return.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.baseCtx = ctx
	j.mu.Unlock()

	j.cron.Start()
	j.logger.Info("janitor started", slog.Int("tasks", len(j.tasks)))

	return func() {
		cancel()
		<-j.cron.Stop().Done()
		j.logger.Info("janitor stopped")
	}
}

// RunNow runs the named task immediately, outside the schedule.
func (j *Janitor) RunNow(ctx context.Context, name string) (int, error) {
	for _, t := range j.tasks {
		if t.Name == name {
			return j.run(ctx, t)
		}
	}
	return 0, fmt.Errorf("unknown janitor task %q", name)
}

// Tasks returns the registered task names in order.
func (j *Janitor) Tasks() []string {
	names := make([]string, len(j.tasks))
	for i, t := range j.tasks {
		names[i] = t.Name
	}
	return names
}

func (j *Janitor) context() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.baseCtx
}

func (j *Janitor) run(ctx context.Context, t Task) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	start := time.Now()
	removed, err := t.Run(ctx)
	j.metrics.RecordJanitorRun(t.Name, removed, err)

	if err != nil {
		j.logger.Warn("janitor task failed",
			slog.String("task", t.Name),
			slog.Int("removed", removed),
			slog.String("error", err.Error()),
		)
		return removed, err
	}
	if removed > 0 {
		j.logger.Info("janitor task completed",
			slog.String("task", t.Name),
			slog.Int("removed", removed),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return removed, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
