// Package sandbox provides the environments user programs are spawned in.
// Every child process started by the execution engine goes through a
// Sandbox; nothing is executed directly on the host.
package sandbox

import (
	"context"
	"time"
)

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)

	// GuestDir maps a host working directory to the path the command sees.
	GuestDir(hostDir string) string
}

// Stream identifies an output stream of the child process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// OutputFunc receives captured output as it is produced. It is called
// serially and must not retain chunk.
type OutputFunc func(stream Stream, chunk []byte)

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["node", "main.js"]).
	Command []string

	// WorkingDir is the host directory the command runs in. Empty = isolated temp dir.
	WorkingDir string

	// Language selects a per-language image where the sandbox supports it.
	Language string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// OutputLimit caps stdout and stderr combined. Zero = use default.
	OutputLimit int

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits

	// OnOutput, when set, observes output while the command runs.
	OnOutput OutputFunc
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int   // CPU time limit (ulimit -t).
	MaxMemoryMB   int   // Memory limit in MB.
	MaxPIDs       int64 // Process count limit (docker only).
}

// ExecutionResult captures the outcome of a sandboxed command.
//
// A command killed by the sandbox (timeout or output ceiling) is still a
// result: ExitCode is -1 and TimedOut or Truncated says why.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Killed reports whether the sandbox terminated the command.
func (r *ExecutionResult) Killed() bool {
	return r.TimedOut || r.Truncated
}

const (
	// DefaultOutputLimit caps stdout and stderr combined.
	DefaultOutputLimit = 1 << 20 // 1 MiB

	// DefaultTimeout is the wall-clock limit for one execution.
	DefaultTimeout = 30 * time.Second
)
