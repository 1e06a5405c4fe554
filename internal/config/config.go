// Package config handles loading and validating vipu configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for vipu.
type Config struct {
	DataDir       string                  `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.vipu/data. Override: VIPU_DATA_DIR env var.
	Storage       *StorageConfig          `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite under data_dir
	Sandbox       SandboxConfig           `json:"sandbox" yaml:"sandbox"`
	Runners       map[string]RunnerConfig `json:"runners,omitempty" yaml:"runners,omitempty"` // Per-language toolchain overrides.
	History       *HistoryConfig          `json:"history,omitempty" yaml:"history,omitempty"` // nil = history enabled, kept forever
	Janitor       *JanitorConfig          `json:"janitor,omitempty" yaml:"janitor,omitempty"` // nil = default schedules
	Gateways      GatewaysConfig          `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig    `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Logging       LoggingConfig           `json:"logging" yaml:"logging"`
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database file under the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/vipu.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: VIPU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ConnMaxLifetime returns the connection lifetime; zero lets the store pick its default.
func (p *PostgresStorageConfig) ConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 0
}

// SandboxConfig configures how untrusted programs are executed.
type SandboxConfig struct {
	Type           string              `json:"type" yaml:"type"`                                           // "process" (default) or "docker". Override: VIPU_SANDBOX_TYPE.
	TimeoutSeconds int                 `json:"timeout_seconds" yaml:"timeout_seconds"`                     // Wall-clock limit per run. Default: 30.
	MaxOutputBytes int                 `json:"max_output_bytes" yaml:"max_output_bytes"`                   // Combined stdout+stderr ceiling. Default: 1 MiB.
	MaxCPUSeconds  int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`                     // RLIMIT_CPU. Default: 60.
	MaxMemoryMB    int                 `json:"max_memory_mb" yaml:"max_memory_mb"`                         // ulimit -v for the process sandbox. 0 = off.
	MaxConcurrent  int                 `json:"max_concurrent" yaml:"max_concurrent"`                       // Simultaneous runs. 0 = unbounded.
	ScratchDir     string              `json:"scratch_dir,omitempty" yaml:"scratch_dir,omitempty"`         // Root for scratch dirs. Default: system temp. Override: VIPU_SCRATCH_DIR.
	Path           string              `json:"path,omitempty" yaml:"path,omitempty"`                       // PATH given to programs. Default: host PATH.
	EnvPassthrough []string            `json:"env_passthrough,omitempty" yaml:"env_passthrough,omitempty"` // Host variables copied into the child environment.
	NetworkAllowed bool                `json:"network_allowed" yaml:"network_allowed"`                     // Docker only.
	Docker         DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// DockerSandboxConfig holds Docker-specific sandbox settings.
type DockerSandboxConfig struct {
	Image     string            `json:"image" yaml:"image"`                       // Fallback image. Default: "vipu-runtime:latest".
	Images    map[string]string `json:"images,omitempty" yaml:"images,omitempty"` // Language id → image.
	Memory    string            `json:"memory" yaml:"memory"`                     // e.g. "256m". Default: 256m.
	CPUCores  float64           `json:"cpu_cores" yaml:"cpu_cores"`               // Docker --cpus flag. 0 = 1.0 default.
	PIDsLimit int64             `json:"pids_limit" yaml:"pids_limit"`             // Docker --pids-limit flag. 0 = 64 default.
	User      string            `json:"user,omitempty" yaml:"user,omitempty"`     // Default: "65534:65534".
}

// DefaultEnvPassthrough lists the toolchain variables copied into the child
// environment when sandbox.env_passthrough is not set.
var DefaultEnvPassthrough = []string{
	"GOROOT", "GOPATH", "GOCACHE", "GOMODCACHE",
	"RUSTUP_HOME", "CARGO_HOME", "NODE_PATH",
}

// SandboxType returns the sandbox type with a default of "process".
func (s SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "process"
}

// Timeout returns the per-run wall-clock limit with a default of 30s.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// OutputLimit returns the combined output ceiling with a default of 1 MiB.
func (s SandboxConfig) OutputLimit() int {
	if s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// CPUSeconds returns the RLIMIT_CPU value with a default of 60.
func (s SandboxConfig) CPUSeconds() int {
	if s.MaxCPUSeconds > 0 {
		return s.MaxCPUSeconds
	}
	return 60
}

// Passthrough returns the environment allow-list.
func (s SandboxConfig) Passthrough() []string {
	if s.EnvPassthrough != nil {
		return s.EnvPassthrough
	}
	return DefaultEnvPassthrough
}

// RunnerConfig overrides the toolchain prefix of one language,
// e.g. {"command": ["deno", "run"]} for javascript.
type RunnerConfig struct {
	Command []string `json:"command" yaml:"command"`
}

// HistoryConfig configures execution history.
type HistoryConfig struct {
	Enabled       *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"` // Default: true.
	RetentionDays int   `json:"retention_days" yaml:"retention_days"`       // 0 = keep forever.
}

// IsEnabled reports whether finished runs are recorded. Defaults to true.
func (h *HistoryConfig) IsEnabled() bool {
	if h == nil || h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// Retention returns the history retention; zero disables pruning.
func (h *HistoryConfig) Retention() time.Duration {
	if h != nil && h.RetentionDays > 0 {
		return time.Duration(h.RetentionDays) * 24 * time.Hour
	}
	return 0
}

// JanitorConfig configures the maintenance scheduler. Schedules use
// robfig/cron syntax, including descriptors such as "@every 10m".
type JanitorConfig struct {
	Disabled          bool   `json:"disabled" yaml:"disabled"`
	SweepSchedule     string `json:"sweep_schedule,omitempty" yaml:"sweep_schedule,omitempty"`           // Default: "@every 10m".
	PruneSchedule     string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"`           // Default: "@hourly".
	RateLimitSchedule string `json:"rate_limit_schedule,omitempty" yaml:"rate_limit_schedule,omitempty"` // Default: "@every 5m".
	ScratchMaxAgeS    int    `json:"scratch_max_age_s,omitempty" yaml:"scratch_max_age_s,omitempty"`     // Default: 2x sandbox timeout.
	RateLimitIdleS    int    `json:"rate_limit_idle_s,omitempty" yaml:"rate_limit_idle_s,omitempty"`     // Default: 600.
}

// IsEnabled reports whether the janitor runs. Defaults to true.
func (j *JanitorConfig) IsEnabled() bool {
	return j == nil || !j.Disabled
}

// Sweep returns the scratch sweep schedule with a default of every 10 minutes.
func (j *JanitorConfig) Sweep() string {
	if j != nil && j.SweepSchedule != "" {
		return j.SweepSchedule
	}
	return "@every 10m"
}

// Prune returns the history prune schedule with a default of hourly.
func (j *JanitorConfig) Prune() string {
	if j != nil && j.PruneSchedule != "" {
		return j.PruneSchedule
	}
	return "@hourly"
}

// RateLimitPrune returns the bucket prune schedule with a default of every 5 minutes.
func (j *JanitorConfig) RateLimitPrune() string {
	if j != nil && j.RateLimitSchedule != "" {
		return j.RateLimitSchedule
	}
	return "@every 5m"
}

// ScratchMaxAge returns how old a scratch dir must be before it is swept.
func (j *JanitorConfig) ScratchMaxAge(timeout time.Duration) time.Duration {
	if j != nil && j.ScratchMaxAgeS > 0 {
		return time.Duration(j.ScratchMaxAgeS) * time.Second
	}
	return 2 * timeout
}

// RateLimitIdle returns how long a bucket may stay unused before pruning.
func (j *JanitorConfig) RateLimitIdle() time.Duration {
	if j != nil && j.RateLimitIdleS > 0 {
		return time.Duration(j.RateLimitIdleS) * time.Second
	}
	return 10 * time.Minute
}

// GatewaysConfig defines which gateways are enabled and their settings.
// If the HTTP section is absent, the HTTP gateway is enabled on :8080.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
	MCP  *MCPGatewayConfig  `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: VIPU_LISTEN_ADDR.
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID. Extended by VIPU_API_KEYS.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Stream              *bool             `json:"stream,omitempty" yaml:"stream,omitempty"` // Websocket streaming endpoint. Default: true.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBodyBytes returns the request body limit with a default of 2 MiB.
func (h *HTTPGatewayConfig) MaxBodyBytes() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 2 << 20
}

// StreamEnabled reports whether /v1/run/stream is served. Defaults to true.
func (h *HTTPGatewayConfig) StreamEnabled() bool {
	if h == nil || h.Stream == nil {
		return true
	}
	return *h.Stream
}

// MCPGatewayConfig configures the MCP stdio server.
type MCPGatewayConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"` // Server name. Default: "vipu".
}

// ServerName returns the advertised server name with a default of "vipu".
func (m *MCPGatewayConfig) ServerName() string {
	if m != nil && m.Name != "" {
		return m.Name
	}
	return "vipu"
}

// RateLimitConfig configures per-caller rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "vipu"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // Infrastructure errors, e.g. 0.5 = 50%
	TimeoutThreshold   float64 `json:"timeout_threshold" yaml:"timeout_threshold"`       // Runs killed by the timeout, e.g. 0.3
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// DefaultConfigPath returns the default config file path (~/.vipu/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/vipu.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".vipu", "config.yaml")
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path loads DefaultConfigPath() and falls back to Default() when that
// file does not exist. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	optional := path == ""
	if optional {
		path = DefaultConfigPath()
	}

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("invalid config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies VIPU_* environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("VIPU_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("VIPU_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("VIPU_SANDBOX_TYPE"); v != "" {
		c.Sandbox.Type = v
	}
	if v := os.Getenv("VIPU_SCRATCH_DIR"); v != "" {
		c.Sandbox.ScratchDir = v
	}
	if v := os.Getenv("VIPU_LISTEN_ADDR"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		c.Gateways.HTTP.ListenAddr = v
	}
	// VIPU_API_KEYS: comma-separated "key:user_id" pairs.
	if v := os.Getenv("VIPU_API_KEYS"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
		}
		if c.Gateways.HTTP.APIKeyUserMapping == nil {
			c.Gateways.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		for _, pair := range strings.Split(v, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				c.Gateways.HTTP.APIKeyUserMapping[parts[0]] = parts[1]
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".vipu", "data")
		}
	}
	if c.Gateways.HTTP == nil {
		c.Gateways.HTTP = &HTTPGatewayConfig{Enabled: true}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".vipu", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if resolved, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return resolved
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "vipu.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// RunnerOverrides returns the configured toolchain prefixes keyed by language id.
func (c *Config) RunnerOverrides() map[string][]string {
	if len(c.Runners) == 0 {
		return nil
	}
	out := make(map[string][]string, len(c.Runners))
	for lang, rc := range c.Runners {
		out[lang] = rc.Command
	}
	return out
}

func (c *Config) validate() error {
	switch c.Sandbox.SandboxType() {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative")
	}
	for lang, rc := range c.Runners {
		if len(rc.Command) == 0 {
			return fmt.Errorf("runners.%s.command must not be empty", lang)
		}
	}
	if c.History != nil && c.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must not be negative")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if rl := c.Gateways.HTTP; rl != nil {
		if rl.RateLimit.RequestsPerMinute < 0 || rl.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateways.http.rate_limit values must not be negative")
		}
	}
	if t := c.tracing(); t != nil && t.Enabled {
		if t.Protocol != "" && t.Protocol != "grpc" && t.Protocol != "http" {
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", c.Logging.Format)
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
