package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDockerClient records calls and replays canned logs and exit codes.
type fakeDockerClient struct {
	mu sync.Mutex

	missingImages map[string]bool
	pullFailures  int // ImagePull fails this many times before succeeding.
	pulls         []string
	creates       []*container.HostConfig
	configs       []*container.Config
	kills         []string
	removes       []string

	logs     []byte
	exitCode int64
	block    bool // ContainerWait never reports an exit.
}

func (f *fakeDockerClient) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDockerClient) ImageInspect(_ context.Context, ref string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missingImages[ref] {
		return image.InspectResponse{}, errdefs.ErrNotFound
	}
	return image.InspectResponse{}, nil
}

func (f *fakeDockerClient) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	if f.pullFailures > 0 {
		f.pullFailures--
		return nil, errors.New("registry unavailable")
	}
	delete(f.missingImages, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeDockerClient) ContainerCreate(_ context.Context, cfg *container.Config, hc *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	f.creates = append(f.creates, hc)
	return container.CreateResponse{ID: name}, nil
}

func (f *fakeDockerClient) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDockerClient) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func (f *fakeDockerClient) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.block {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDockerClient) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	f.kills = append(f.kills, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	f.removes = append(f.removes, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) Close() error { return nil }

func multiplexed(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout)); err != nil {
		t.Fatal(err)
	}
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestDockerSandbox(t *testing.T, fake *fakeDockerClient, cfg DockerConfig) *DockerSandbox {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sbx, err := newDockerSandbox(fake, cfg, logger)
	if err != nil {
		t.Fatalf("newDockerSandbox: %v", err)
	}
	return sbx
}

func TestDockerSandbox_BasicExecution(t *testing.T) {
	fake := &fakeDockerClient{logs: multiplexed(t, "hello\n", "warn\n"), exitCode: 3}
	sbx := newTestDockerSandbox(t, fake, DockerConfig{Images: map[string]string{"python": "python:3.12-slim"}})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"python3", "/workspace/main.py"},
		WorkingDir: t.TempDir(),
		Language:   "python",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stdout != "hello\n" || result.Stderr != "warn\n" {
		t.Errorf("stdout/stderr = %q/%q", result.Stdout, result.Stderr)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if len(fake.configs) != 1 || fake.configs[0].Image != "python:3.12-slim" {
		t.Fatalf("container image not selected per language: %+v", fake.configs)
	}
	if len(fake.removes) != 1 {
		t.Errorf("container removed %d times, want 1", len(fake.removes))
	}
}

func TestDockerSandbox_Hardening(t *testing.T) {
	fake := &fakeDockerClient{}
	sbx := newTestDockerSandbox(t, fake, DockerConfig{Memory: "128m", PIDsLimit: 16, CPUSeconds: 10})
	dir := t.TempDir()

	if _, err := sbx.Execute(context.Background(), ExecutionRequest{Command: []string{"true"}, WorkingDir: dir}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hc := fake.creates[0]
	if !hc.ReadonlyRootfs {
		t.Error("root filesystem must be read-only")
	}
	if hc.NetworkMode != "none" || !fake.configs[0].NetworkDisabled {
		t.Errorf("network mode = %q, want none", hc.NetworkMode)
	}
	if len(hc.CapDrop) != 1 || hc.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v, want [ALL]", hc.CapDrop)
	}
	if hc.Memory != 128<<20 || hc.MemorySwap != hc.Memory {
		t.Errorf("memory = %d swap = %d", hc.Memory, hc.MemorySwap)
	}
	if hc.PidsLimit == nil || *hc.PidsLimit != 16 {
		t.Errorf("pids limit = %v, want 16", hc.PidsLimit)
	}
	if len(hc.Ulimits) != 1 || hc.Ulimits[0].Hard != 10 {
		t.Errorf("ulimits = %+v", hc.Ulimits)
	}
	if len(hc.Mounts) != 1 || hc.Mounts[0].Source != dir || hc.Mounts[0].Target != DockerGuestDir {
		t.Errorf("mounts = %+v", hc.Mounts)
	}
	if fake.configs[0].User != defaultDockerUser {
		t.Errorf("user = %q, want %q", fake.configs[0].User, defaultDockerUser)
	}
}

func TestDockerSandbox_TimeoutKillsContainer(t *testing.T) {
	fake := &fakeDockerClient{block: true}
	sbx := newTestDockerSandbox(t, fake, DockerConfig{})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"sleep", "60"},
		WorkingDir: t.TempDir(),
		Timeout:    100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut || result.ExitCode != -1 {
		t.Errorf("result = %+v, want timed out with exit -1", result)
	}
	if len(fake.kills) != 1 || len(fake.removes) != 1 {
		t.Errorf("kills = %v removes = %v", fake.kills, fake.removes)
	}
}

func TestDockerSandbox_OutputOverflow(t *testing.T) {
	fake := &fakeDockerClient{logs: multiplexed(t, strings.Repeat("x", 100), strings.Repeat("y", 100)), block: true}
	sbx := newTestDockerSandbox(t, fake, DockerConfig{OutputLimit: 150})

	result, err := sbx.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"yes"},
		WorkingDir: t.TempDir(),
		Timeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Truncated || result.TimedOut {
		t.Errorf("result = %+v, want truncated", result)
	}
	if got := len(result.Stdout) + len(result.Stderr); got != 150 {
		t.Errorf("captured %d bytes, want 150", got)
	}
}

func TestDockerSandbox_PullsMissingImageOnce(t *testing.T) {
	fake := &fakeDockerClient{missingImages: map[string]bool{"ruby:3": true}}
	sbx := newTestDockerSandbox(t, fake, DockerConfig{Image: "ruby:3"})

	for i := 0; i < 2; i++ {
		if _, err := sbx.Execute(context.Background(), ExecutionRequest{Command: []string{"true"}, WorkingDir: t.TempDir()}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(fake.pulls) != 1 || fake.pulls[0] != "ruby:3" {
		t.Errorf("pulls = %v, want one pull of ruby:3", fake.pulls)
	}
}

func TestDockerSandbox_FailedPullIsRetried(t *testing.T) {
	fake := &fakeDockerClient{missingImages: map[string]bool{"ruby:3": true}, pullFailures: 1}
	sbx := newTestDockerSandbox(t, fake, DockerConfig{Image: "ruby:3"})
	req := func() ExecutionRequest {
		return ExecutionRequest{Command: []string{"true"}, WorkingDir: t.TempDir()}
	}

	if _, err := sbx.Execute(context.Background(), req()); err == nil {
		t.Fatal("expected the first run to fail on the pull")
	}
	if len(fake.creates) != 0 {
		t.Errorf("container created %d times after a failed pull, want 0", len(fake.creates))
	}

	if _, err := sbx.Execute(context.Background(), req()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, err := sbx.Execute(context.Background(), req()); err != nil {
		t.Fatalf("third run: %v", err)
	}
	if len(fake.pulls) != 2 {
		t.Errorf("pulls = %v, want a retry after the failure and none once present", fake.pulls)
	}
}

func TestDockerSandbox_WorkingDirModeRestored(t *testing.T) {
	fake := &fakeDockerClient{}
	sbx := newTestDockerSandbox(t, fake, DockerConfig{})
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatal(err)
	}

	if _, err := sbx.Execute(context.Background(), ExecutionRequest{Command: []string{"true"}, WorkingDir: dir}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("working dir mode = %o after run, want 700", perm)
	}
}

func TestShareDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o700); err != nil {
		t.Fatal(err)
	}

	restore, err := shareDir(dir, "65534:65534")
	if err != nil {
		t.Fatalf("shareDir: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if os.Geteuid() == 0 {
		// Root hands the dir over instead of opening it up.
		if perm := info.Mode().Perm(); perm != 0o700 {
			t.Errorf("mode = %o while shared, want 700", perm)
		}
	} else if perm := info.Mode().Perm(); perm != 0o777 {
		t.Errorf("mode = %o while shared, want 777", perm)
	}

	if err := restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	info, err = os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("mode = %o after restore, want 700", perm)
	}
}

func TestParseUser(t *testing.T) {
	tests := []struct {
		user     string
		uid, gid int
		ok       bool
	}{
		{"65534:65534", 65534, 65534, true},
		{"1000:100", 1000, 100, true},
		{"1000", 1000, 1000, true},
		{"nobody", 0, 0, false},
		{"1000:users", 0, 0, false},
		{"-1:0", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		uid, gid, ok := parseUser(tt.user)
		if ok != tt.ok || uid != tt.uid || gid != tt.gid {
			t.Errorf("parseUser(%q) = %d, %d, %v; want %d, %d, %v", tt.user, uid, gid, ok, tt.uid, tt.gid, tt.ok)
		}
	}
}

func TestNewDockerSandbox_InvalidMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := newDockerSandbox(&fakeDockerClient{}, DockerConfig{Memory: "lots"}, logger); err == nil {
		t.Fatal("expected error for unparsable memory limit")
	}
}

func TestDockerSandbox_GuestDir(t *testing.T) {
	sbx := newTestDockerSandbox(t, &fakeDockerClient{}, DockerConfig{})
	if got := sbx.GuestDir("/tmp/vipu-run-1"); got != DockerGuestDir {
		t.Errorf("GuestDir = %q, want %q", got, DockerGuestDir)
	}
}
