package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerMemory    = "256m"
	defaultDockerImage     = "vipu-runtime:latest"
	defaultDockerUser      = "65534:65534"

	// DockerGuestDir is where the scratch directory is mounted in the container.
	DockerGuestDir = "/workspace"
)

// dockerClient is the subset of the Engine API the sandbox uses.
type dockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Image          string            // Default container image.
	Images         map[string]string // Per-language images, keyed by language id.
	DefaultTimeout time.Duration     // Wall-clock timeout per execution.
	Memory         string            // Hard memory limit, e.g. "256m".
	CPUCores       float64           // CPU rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int64             // Prevents fork bombs.
	CPUSeconds     int64             // RLIMIT_CPU inside the container. 0 = none.
	NetworkAllowed bool              // false = no network stack at all.
	User           string            // uid:gid the program runs as.
	OutputLimit    int
}

// DockerSandbox executes commands inside ephemeral containers through the
// Docker Engine API.
//
// Guarantees:
//   - One container per execution, force-removed on every exit path
//   - ALL Linux capabilities dropped, no-new-privileges
//   - Read-only root filesystem; only the scratch mount and a noexec /tmp are writable
//   - Non-root user
//   - Network disabled by default
//   - Memory hard limit with no swap, CPU rate limit, PIDs limit
//   - stdout/stderr share the same capped capture as the process sandbox
type DockerSandbox struct {
	cli         dockerClient
	config      DockerConfig
	memoryBytes int64
	logger      *slog.Logger

	pullMu sync.Mutex
	pulled map[string]bool
}

// NewDockerSandbox connects to the Docker daemon from the environment
// (DOCKER_HOST etc.) and creates a Docker-based sandbox.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	sbx, err := newDockerSandbox(cli, cfg, logger)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return sbx, nil
}

func newDockerSandbox(cli dockerClient, cfg DockerConfig, logger *slog.Logger) (*DockerSandbox, error) {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Memory == "" {
		cfg.Memory = defaultDockerMemory
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.User == "" {
		cfg.User = defaultDockerUser
	}

	memory, err := units.RAMInBytes(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("parsing docker memory limit %q: %w", cfg.Memory, err)
	}

	return &DockerSandbox{
		cli:         cli,
		config:      cfg,
		memoryBytes: memory,
		logger:      logger,
		pulled:      make(map[string]bool),
	}, nil
}

// GuestDir returns the mount point of the working directory in the container.
func (s *DockerSandbox) GuestDir(string) string {
	return DockerGuestDir
}

// Ping checks that the daemon is reachable.
func (s *DockerSandbox) Ping(ctx context.Context) error {
	_, err := s.cli.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

// Execute runs a command inside an ephemeral container with full hardening.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	img := s.imageFor(req.Language)
	if err := s.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	hostDir := req.WorkingDir
	if hostDir == "" {
		tmpDir, err := os.MkdirTemp("", "vipu-sandbox-*")
		if err != nil {
			return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
		}
		defer os.RemoveAll(tmpDir)
		hostDir = tmpDir
	}
	// The container user is unprivileged; it must be able to write build output.
	restore, err := shareDir(hostDir, s.config.User)
	if err != nil {
		return nil, fmt.Errorf("opening working dir to container user: %w", err)
	}
	defer func() {
		if err := restore(); err != nil {
			s.logger.Warn("failed to restore working dir permissions",
				slog.String("dir", hostDir),
				slog.String("error", err.Error()),
			)
		}
	}()

	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	created, err := s.cli.ContainerCreate(ctx, s.containerConfig(img, req), s.hostConfig(hostDir, req.Limits), nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	defer s.forceRemoveContainer(created.ID)

	s.logger.Debug("docker sandbox executing",
		slog.String("container", name),
		slog.String("image", img),
		slog.Any("command", req.Command),
		slog.Duration("timeout", timeout),
	)

	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}
	start := time.Now()

	capt := newCapture(s.resolveOutputLimit(req.OutputLimit), cancel, req.OnOutput)
	logs, err := s.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("following container logs: %w", err)
	}
	defer logs.Close()

	copied := make(chan struct{})
	go func() {
		defer close(copied)
		if _, err := stdcopy.StdCopy(capt.writer(Stdout), capt.writer(Stderr), logs); err != nil {
			s.logger.Debug("container log stream ended", slog.String("error", err.Error()))
		}
	}()

	exitCode, waitErr := s.waitForExit(runCtx, created.ID)
	if runCtx.Err() != nil {
		s.killContainer(created.ID)
	}

	select {
	case <-copied:
	case <-time.After(waitDelay):
		logs.Close()
		<-copied
	}
	duration := time.Since(start)

	stdout, stderr := capt.Strings()
	result := &ExecutionResult{Stdout: stdout, Stderr: stderr, Duration: duration}
	result.Truncated = capt.Overflowed()
	result.TimedOut = !result.Truncated &&
		errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	switch {
	case result.Killed():
		result.ExitCode = -1
	case ctx.Err() != nil:
		return nil, fmt.Errorf("execution canceled: %w", ctx.Err())
	case waitErr != nil:
		return nil, fmt.Errorf("waiting for container: %w", waitErr)
	default:
		result.ExitCode = exitCode
	}

	if result.TimedOut {
		s.logger.Warn("docker sandbox timed out",
			slog.String("container", name),
			slog.Duration("timeout", timeout),
		)
	}
	s.logger.Debug("docker sandbox completed",
		slog.String("container", name),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
		slog.Bool("truncated", result.Truncated),
	)
	return result, nil
}

func (s *DockerSandbox) containerConfig(img string, req ExecutionRequest) *container.Config {
	env := []string{
		"HOME=" + DockerGuestDir,
		"TMPDIR=" + DockerGuestDir,
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/usr/local/go/bin:/usr/local/cargo/bin",
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return &container.Config{
		Image:           img,
		Cmd:             req.Command,
		WorkingDir:      DockerGuestDir,
		User:            s.config.User,
		Env:             env,
		NetworkDisabled: !s.config.NetworkAllowed,
		Labels:          map[string]string{"vipu.sandbox": "true"},
	}
}

func (s *DockerSandbox) hostConfig(hostDir string, limits ResourceLimits) *container.HostConfig {
	memory := s.memoryBytes
	if limits.MaxMemoryMB > 0 {
		memory = int64(limits.MaxMemoryMB) * units.MiB
	}
	pids := s.config.PIDsLimit
	if limits.MaxPIDs > 0 {
		pids = limits.MaxPIDs
	}
	cpuSeconds := s.config.CPUSeconds
	if limits.MaxCPUSeconds > 0 {
		cpuSeconds = int64(limits.MaxCPUSeconds)
	}

	networkMode := container.NetworkMode("none")
	if s.config.NetworkAllowed {
		networkMode = container.NetworkMode("bridge")
	}

	hc := &container.HostConfig{
		NetworkMode: networkMode,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostDir,
			Target: DockerGuestDir,
		}},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory, // Same as memory = no swap.
			NanoCPUs:   int64(s.config.CPUCores * 1e9),
			PidsLimit:  &pids,
		},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
	}
	if cpuSeconds > 0 {
		hc.Resources.Ulimits = []*units.Ulimit{{Name: "cpu", Soft: cpuSeconds, Hard: cpuSeconds}}
	}
	return hc
}

func (s *DockerSandbox) imageFor(language string) string {
	if img, ok := s.config.Images[language]; ok && img != "" {
		return img
	}
	return s.config.Image
}

// ensureImage pulls img when it is not present locally. Only a present
// image is remembered; a failed pull is retried on the next run.
func (s *DockerSandbox) ensureImage(ctx context.Context, img string) error {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	if s.pulled[img] {
		return nil
	}

	_, err := s.cli.ImageInspect(ctx, img)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err):
		s.logger.Info("pulling sandbox image", slog.String("image", img))
		if err := s.pullImage(ctx, img); err != nil {
			return err
		}
	default:
		return fmt.Errorf("inspecting image %s: %w", img, err)
	}
	s.pulled[img] = true
	return nil
}

// shareDir gives the container user write access to dir. It chowns dir to
// the numeric uid:gid in user and falls back to opening the mode when that
// is not possible (non-root host, named user). The returned func puts the
// original owner and mode back.
func shareDir(dir, user string) (func() error, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	mode := info.Mode().Perm()

	if uid, gid, ok := parseUser(user); ok {
		if err := os.Chown(dir, uid, gid); err == nil {
			return func() error {
				return os.Chown(dir, os.Geteuid(), os.Getegid())
			}, nil
		}
	}

	if err := os.Chmod(dir, 0o777); err != nil {
		return nil, err
	}
	return func() error {
		return os.Chmod(dir, mode)
	}, nil
}

// parseUser splits a numeric "uid[:gid]" container user. A missing gid
// takes the uid.
func parseUser(user string) (uid, gid int, ok bool) {
	uidStr, gidStr, hasGID := strings.Cut(user, ":")
	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return 0, 0, false
	}
	if !hasGID {
		return uid, uid, true
	}
	gid, err = strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return 0, 0, false
	}
	return uid, gid, true
}

func (s *DockerSandbox) pullImage(ctx context.Context, img string) error {
	reader, err := s.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", img, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("consuming pull output for %s: %w", img, err)
	}
	return nil
}

func (s *DockerSandbox) waitForExit(ctx context.Context, id string) (int, error) {
	statusCh, errCh := s.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return 0, fmt.Errorf("container error: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *DockerSandbox) killContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cli.ContainerKill(ctx, id, "KILL"); err != nil && !errdefs.IsNotFound(err) {
		s.logger.Warn("docker kill failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

// forceRemoveContainer removes the container regardless of its state.
// Errors are logged but not returned.
func (s *DockerSandbox) forceRemoveContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		s.logger.Warn("docker remove failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *DockerSandbox) resolveOutputLimit(req int) int {
	if req > 0 {
		return req
	}
	if s.config.OutputLimit > 0 {
		return s.config.OutputLimit
	}
	return DefaultOutputLimit
}

// generateContainerName returns a unique container name: vipu-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "vipu-sbx-" + hex.EncodeToString(b), nil
}
