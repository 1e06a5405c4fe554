package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const (
	defaultCPUSeconds = 60
	defaultPath       = "/usr/local/bin:/usr/bin:/bin"

	// waitDelay bounds how long Wait keeps draining pipes held open by
	// orphaned grandchildren after the process group was killed.
	waitDelay = 2 * time.Second
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	OutputLimit    int

	// Path is the PATH given to child processes. Empty = the host PATH.
	Path string

	// EnvPassthrough names host variables copied into the child environment
	// (e.g. GOROOT, RUSTUP_HOME). Nothing else is inherited.
	EnvPassthrough []string

	// TempPattern names the directory created when a request has no
	// WorkingDir (os.MkdirTemp pattern).
	TempPattern string
}

// ProcessSandbox executes commands as host processes.
//
// Guarantees:
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout, output overflow or cancel
//   - No environment inheritance beyond an explicit allow-list
//   - Optional CPU and memory limits via ulimit
//   - stdout and stderr share one capped capture buffer
//
// It does not restrict network or filesystem access.
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	outputLimit    int
	path           string
	passthrough    []string
	tempPattern    string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}

	path := cfg.Path
	if path == "" {
		path = os.Getenv("PATH")
	}
	if path == "" {
		path = defaultPath
	}

	pattern := cfg.TempPattern
	if pattern == "" {
		pattern = "vipu-sandbox-*"
	}

	return &ProcessSandbox{
		defaultTimeout: timeout,
		defaultLimits:  limits,
		outputLimit:    cfg.OutputLimit,
		path:           path,
		passthrough:    cfg.EnvPassthrough,
		tempPattern:    pattern,
		logger:         logger,
	}
}

// GuestDir returns hostDir unchanged; the process sees the host filesystem.
func (s *ProcessSandbox) GuestDir(hostDir string) string {
	return hostDir
}

// Execute runs a command in its own process group and waits for it.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := req.WorkingDir
	if dir == "" {
		tmpDir, err := os.MkdirTemp("", s.tempPattern)
		if err != nil {
			return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
		}
		defer func() {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				s.logger.Warn("failed to remove sandbox temp dir",
					slog.String("dir", tmpDir),
					slog.String("error", rmErr.Error()),
				)
			}
		}()
		dir = tmpDir
	}

	limits := s.resolveLimits(req.Limits)

	// sh -c 'ulimit ...; exec "$@"' _ cmd args...
	// The command is passed as positional parameters, never interpolated.
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", limitScript(limits), "_")
	args = append(args, req.Command...)

	cmd := exec.CommandContext(runCtx, "/bin/sh", args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process)
	}
	cmd.WaitDelay = waitDelay
	cmd.Env = s.buildEnv(dir, req.Env)

	capt := newCapture(s.resolveOutputLimit(req.OutputLimit), cancel, req.OnOutput)
	cmd.Stdout = capt.writer(Stdout)
	cmd.Stderr = capt.writer(Stderr)

	s.logger.Debug("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Descendants the program backgrounded outlive a normal exit of the
	// group leader; reap them before the working dir goes away.
	if err := killGroup(cmd.Process); err != nil {
		s.logger.Warn("failed to kill sandbox process group", slog.String("error", err.Error()))
	}

	result, err := interpret(runErr, cmd.ProcessState, capt, runCtx, ctx)
	if err != nil {
		return nil, err
	}
	result.Duration = duration

	if result.TimedOut {
		s.logger.Warn("sandbox execution timed out",
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
	}
	s.logger.Debug("sandbox execution completed",
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", len(result.Stdout)),
		slog.Int("stderr_bytes", len(result.Stderr)),
		slog.Bool("truncated", result.Truncated),
	)
	return result, nil
}

// interpret turns the outcome of cmd.Run into a result. A non-zero exit,
// a timeout and an output overflow are results; a cancelled parent context
// or a failure to start are errors.
func interpret(runErr error, state *os.ProcessState, capt *capture, runCtx, parent context.Context) (*ExecutionResult, error) {
	stdout, stderr := capt.Strings()
	result := &ExecutionResult{Stdout: stdout, Stderr: stderr}

	result.Truncated = capt.Overflowed()
	result.TimedOut = !result.Truncated && runErr != nil &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil

	if result.Killed() {
		result.ExitCode = -1
		return result, nil
	}
	if parent.Err() != nil && runErr != nil {
		return nil, fmt.Errorf("execution canceled: %w", parent.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case errors.Is(runErr, exec.ErrWaitDelay) && state != nil:
		result.ExitCode = state.ExitCode()
	default:
		return nil, fmt.Errorf("execution failed: %w", runErr)
	}
	return result, nil
}

// killGroup sends SIGKILL to the process group led by p. A group that has
// already exited is not an error.
func killGroup(p *os.Process) error {
	if p == nil {
		return nil
	}
	// Negative PID = kill the entire process group.
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func limitScript(limits ResourceLimits) string {
	var parts []string
	if limits.MaxMemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -v %d 2>/dev/null", limits.MaxMemoryMB*1024))
	}
	if limits.MaxCPUSeconds > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -t %d 2>/dev/null", limits.MaxCPUSeconds))
	}
	parts = append(parts, `exec "$@"`)
	return strings.Join(parts, "; ")
}

// resolveLimits merges request-level overrides with sandbox defaults.
func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

func (s *ProcessSandbox) resolveOutputLimit(req int) int {
	if req > 0 {
		return req
	}
	if s.outputLimit > 0 {
		return s.outputLimit
	}
	return DefaultOutputLimit
}

// buildEnv constructs the child environment. The parent environment is
// never inherited wholesale so credentials do not leak into user code.
func (s *ProcessSandbox) buildEnv(dir string, extra map[string]string) []string {
	env := []string{
		"PATH=" + s.path,
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for _, name := range s.passthrough {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
