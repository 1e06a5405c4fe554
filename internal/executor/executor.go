// Package executor runs untrusted source code: it validates a request,
// resolves the language runner, materializes the code in a scratch
// directory, executes it through a sandbox under a timeout and an output
// ceiling, and releases the scratch directory before returning.
//
// A program that fails to compile, exits non-zero, times out or floods its
// output is a normal Result with Success=false. Only caller mistakes and
// service failures are returned as errors.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/vipu/internal/runner"
	"github.com/jkaninda/vipu/internal/sandbox"
	"github.com/jkaninda/vipu/internal/workspace"
)

// Executor runs source code.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request is one execution request.
type Request struct {
	Code     string
	Language string // Empty selects runner.Default.

	// UserID identifies the caller for logging and history only.
	UserID string

	// OnOutput, when set, observes output while the program runs.
	OnOutput sandbox.OutputFunc
}

// Result is the outcome of a program run.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Success   bool
	Language  runner.Language
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Config configures the Engine.
type Config struct {
	Timeout       time.Duration // Wall-clock limit per run. Zero = 30s.
	OutputLimit   int           // Combined stdout+stderr ceiling. Zero = 1 MiB.
	MaxConcurrent int64         // Simultaneous runs. Zero = unlimited.
}

// Engine is the default Executor.
type Engine struct {
	registry    *runner.Registry
	sandbox     sandbox.Sandbox
	workspace   *workspace.Workspace
	timeout     time.Duration
	outputLimit int
	slots       *semaphore.Weighted
	logger      *slog.Logger
}

var _ Executor = (*Engine)(nil)

// NewEngine creates an Engine.
func NewEngine(reg *runner.Registry, sbx sandbox.Sandbox, ws *workspace.Workspace, cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		registry:    reg,
		sandbox:     sbx,
		workspace:   ws,
		timeout:     cfg.Timeout,
		outputLimit: cfg.OutputLimit,
		logger:      logger,
	}
	if e.timeout <= 0 {
		e.timeout = sandbox.DefaultTimeout
	}
	if e.outputLimit <= 0 {
		e.outputLimit = sandbox.DefaultOutputLimit
	}
	if cfg.MaxConcurrent > 0 {
		e.slots = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return e
}

// Registry returns the runner registry the engine resolves languages with.
func (e *Engine) Registry() *runner.Registry {
	return e.registry
}

// Execute runs req.Code and returns its result.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Code == "" {
		return nil, ErrEmptyCode
	}
	run, err := e.registry.Lookup(req.Language)
	if err != nil {
		return nil, err
	}

	if e.slots != nil {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("waiting for execution slot: %w", err)
		}
		defer e.slots.Release(1)
	}

	scratch, err := e.workspace.Acquire()
	if err != nil {
		return nil, e.infraError("create workspace", err)
	}
	defer func() {
		if rmErr := scratch.Release(); rmErr != nil {
			e.logger.Warn("failed to release scratch dir",
				slog.String("dir", scratch.Dir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	if _, err := scratch.WriteFile(run.SourceFile(), []byte(req.Code)); err != nil {
		return nil, e.infraError("write source", err)
	}

	guestDir := e.sandbox.GuestDir(scratch.Dir)
	argv := run.Command(filepath.Join(guestDir, run.SourceFile()), guestDir)

	res, err := e.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:     argv,
		WorkingDir:  scratch.Dir,
		Language:    string(run.Language),
		Timeout:     e.timeout,
		OutputLimit: e.outputLimit,
		OnOutput:    req.OnOutput,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("executing %s: %w", run.Language, ctx.Err())
		}
		return nil, e.infraError("run", err)
	}

	result := &Result{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Success:   res.ExitCode == 0 && !res.Killed(),
		Language:  run.Language,
		TimedOut:  res.TimedOut,
		Truncated: res.Truncated,
		Duration:  res.Duration,
	}

	e.logger.Info("execution completed",
		slog.String("language", string(run.Language)),
		slog.String("user_id", req.UserID),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("success", result.Success),
		slog.Bool("timed_out", result.TimedOut),
		slog.Bool("truncated", result.Truncated),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (e *Engine) infraError(op string, err error) error {
	e.logger.Error("execution infrastructure failure",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return &InfrastructureError{Op: op, Err: err}
}

// IsCanceled reports whether err stems from the caller going away.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
