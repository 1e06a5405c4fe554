package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func newTestProcessSandbox(t *testing.T, cfg ProcessConfig) *ProcessSandbox {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessSandbox(cfg, logger)
}

// processAlive reports whether pid exists and is not a zombie.
func processAlive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] != 'Z'
}

func TestProcessSandbox_BasicExecution(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if result.Killed() {
		t.Error("result should not be marked killed")
	}
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo boom >&2; exit 42"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stderr); got != "boom" {
		t.Errorf("stderr = %q, want %q", got, "boom")
	}
}

func TestProcessSandbox_MissingProgramIsAResult(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"definitely-not-a-real-binary-vipu"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 127 {
		t.Errorf("exit code = %d, want 127", result.ExitCode)
	}
}

func TestProcessSandbox_TimeoutKillsProcessGroup(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")

	start := time.Now()
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", `sleep 60 & echo $! > "$1"; wait`, "_", pidFile},
		WorkingDir: dir,
		Timeout:    500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("execution took %s, want close to the 500ms timeout", elapsed)
	}
	if !result.TimedOut {
		t.Error("expected TimedOut")
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("reading child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parsing child pid: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d survived the timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestProcessSandbox_NormalExitKillsBackgroundChildren(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "sleep 120 >/dev/null 2>&1 & echo $!"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 || result.Killed() {
		t.Fatalf("exit code = %d, killed = %v; want a clean exit", result.ExitCode, result.Killed())
	}

	pid, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if err != nil {
		t.Fatalf("parsing background pid from %q: %v", result.Stdout, err)
	}
	t.Cleanup(func() { _ = syscall.Kill(pid, syscall.SIGKILL) })

	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("background child %d survived a normal exit", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestKillGroup_ExitedGroupIsNotAnError(t *testing.T) {
	if err := killGroup(nil); err != nil {
		t.Errorf("killGroup(nil) = %v, want nil", err)
	}

	cmd := exec.Command("true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Run(); err != nil {
		t.Fatalf("running true: %v", err)
	}
	if err := killGroup(cmd.Process); err != nil {
		t.Errorf("killGroup on reaped group = %v, want nil", err)
	}
}

func TestProcessSandbox_OutputFloodIsTruncated(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{OutputLimit: 4096})

	start := time.Now()
	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "while :; do echo flood; echo noise >&2; done"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("flood ran for %s, want it killed on overflow", elapsed)
	}
	if !result.Truncated {
		t.Error("expected Truncated")
	}
	if result.TimedOut {
		t.Error("overflow must not be reported as a timeout")
	}
	if got := len(result.Stdout) + len(result.Stderr); got != 4096 {
		t.Errorf("captured %d bytes, want exactly 4096", got)
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", result.ExitCode)
	}
}

func TestProcessSandbox_EnvironmentNotInherited(t *testing.T) {
	t.Setenv("VIPU_TEST_SECRET", "leaked")
	t.Setenv("VIPU_TEST_ALLOWED", "visible")
	sbx := newTestProcessSandbox(t, ProcessConfig{EnvPassthrough: []string{"VIPU_TEST_ALLOWED"}})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", `echo "[$VIPU_TEST_SECRET][$VIPU_TEST_ALLOWED][$EXTRA]"`},
		Env:     map[string]string{"EXTRA": "x"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := strings.TrimSpace(result.Stdout), "[][visible][x]"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
}

func TestProcessSandbox_WorkingDirAndHome(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})
	dir := t.TempDir()

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sh", "-c", `pwd; echo "$HOME"; echo "$TMPDIR"`},
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("stdout = %q, want 3 lines", result.Stdout)
	}
	resolved, _ := filepath.EvalSymlinks(dir)
	if lines[0] != dir && lines[0] != resolved {
		t.Errorf("pwd = %q, want %q", lines[0], dir)
	}
	if lines[1] != dir || lines[2] != dir {
		t.Errorf("HOME/TMPDIR = %q/%q, want %q", lines[1], lines[2], dir)
	}
}

func TestProcessSandbox_ParentCancelIsAnError(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := sbx.Execute(ctx, ExecutionRequest{
		Command: []string{"sleep", "30"},
	})
	if err == nil {
		t.Fatal("expected error on parent cancellation")
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Errorf("error = %q, want cancellation", err)
	}
}

func TestProcessSandbox_StreamsOutput(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})

	var chunks []string
	_, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command: []string{"sh", "-c", "echo out; echo err >&2"},
		OnOutput: func(s Stream, chunk []byte) {
			chunks = append(chunks, string(s)+"="+strings.TrimSpace(string(chunk)))
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined := strings.Join(chunks, ",")
	if !strings.Contains(joined, "stdout=out") || !strings.Contains(joined, "stderr=err") {
		t.Errorf("observed chunks %q", joined)
	}
}

func TestProcessSandbox_EmptyCommand(t *testing.T) {
	sbx := newTestProcessSandbox(t, ProcessConfig{})
	if _, err := sbx.Execute(context.Background(), ExecutionRequest{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestLimitScript(t *testing.T) {
	tests := []struct {
		limits ResourceLimits
		want   string
	}{
		{ResourceLimits{}, `exec "$@"`},
		{ResourceLimits{MaxCPUSeconds: 5}, `ulimit -t 5 2>/dev/null; exec "$@"`},
		{ResourceLimits{MaxCPUSeconds: 5, MaxMemoryMB: 2}, `ulimit -v 2048 2>/dev/null; ulimit -t 5 2>/dev/null; exec "$@"`},
	}
	for _, tt := range tests {
		if got := limitScript(tt.limits); got != tt.want {
			t.Errorf("limitScript(%+v) = %q, want %q", tt.limits, got, tt.want)
		}
	}
}
