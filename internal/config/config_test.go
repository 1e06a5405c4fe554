package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "vipu.yaml", `
data_dir: /var/lib/vipu
sandbox:
  type: docker
  timeout_seconds: 10
  max_output_bytes: 4096
  max_concurrent: 4
  docker:
    memory: 128m
    images:
      python: python:3.12-slim
runners:
  javascript:
    command: ["deno", "run"]
history:
  retention_days: 7
gateways:
  http:
    enabled: true
    listen_addr: ":9090"
    rate_limit:
      requests_per_minute: 30
      burst_size: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.SandboxType() != "docker" {
		t.Errorf("sandbox type = %q", cfg.Sandbox.SandboxType())
	}
	if cfg.Sandbox.Timeout() != 10*time.Second {
		t.Errorf("timeout = %v", cfg.Sandbox.Timeout())
	}
	if cfg.Sandbox.OutputLimit() != 4096 {
		t.Errorf("output limit = %d", cfg.Sandbox.OutputLimit())
	}
	if cfg.Sandbox.Docker.Images["python"] != "python:3.12-slim" {
		t.Errorf("images = %v", cfg.Sandbox.Docker.Images)
	}
	if got := cfg.RunnerOverrides()["javascript"]; len(got) != 2 || got[0] != "deno" {
		t.Errorf("runner overrides = %v", cfg.RunnerOverrides())
	}
	if cfg.History.Retention() != 7*24*time.Hour {
		t.Errorf("retention = %v", cfg.History.Retention())
	}
	if cfg.Gateways.HTTP.Addr() != ":9090" {
		t.Errorf("addr = %q", cfg.Gateways.HTTP.Addr())
	}
	if cfg.Gateways.HTTP.RateLimit.RequestsPerMinute != 30 {
		t.Errorf("rate limit = %+v", cfg.Gateways.HTTP.RateLimit)
	}
	if cfg.DatabasePath() != "/var/lib/vipu/vipu.db" {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "vipu.json", `{"sandbox": {"timeout_seconds": 5}, "storage": {"driver": "sqlite"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Timeout() != 5*time.Second {
		t.Errorf("timeout = %v", cfg.Sandbox.Timeout())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for a missing explicit config file")
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.SandboxType() != "process" {
		t.Errorf("sandbox type = %q", cfg.Sandbox.SandboxType())
	}
	if cfg.Sandbox.Timeout() != 30*time.Second {
		t.Errorf("timeout = %v", cfg.Sandbox.Timeout())
	}
	if cfg.Sandbox.OutputLimit() != 1<<20 {
		t.Errorf("output limit = %d", cfg.Sandbox.OutputLimit())
	}
	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled || cfg.Gateways.HTTP.Addr() != ":8080" {
		t.Errorf("http gateway = %+v", cfg.Gateways.HTTP)
	}
	if !cfg.History.IsEnabled() || cfg.History.Retention() != 0 {
		t.Error("history should default to enabled with no retention")
	}
	if !strings.HasSuffix(cfg.DatabasePath(), filepath.Join(".vipu", "data", "vipu.db")) {
		t.Errorf("database path = %q", cfg.DatabasePath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VIPU_SANDBOX_TYPE", "docker")
	t.Setenv("VIPU_SCRATCH_DIR", "/srv/scratch")
	t.Setenv("VIPU_LISTEN_ADDR", "127.0.0.1:7000")
	t.Setenv("VIPU_API_KEYS", "k1:alice, k2:bob,broken")
	t.Setenv("VIPU_DB_DSN", "postgres://vipu@localhost/vipu")

	path := writeConfig(t, "vipu.yaml", "sandbox:\n  type: process\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Type != "docker" {
		t.Errorf("sandbox type = %q, env should win", cfg.Sandbox.Type)
	}
	if cfg.Sandbox.ScratchDir != "/srv/scratch" {
		t.Errorf("scratch dir = %q", cfg.Sandbox.ScratchDir)
	}
	if cfg.Gateways.HTTP.Addr() != "127.0.0.1:7000" {
		t.Errorf("addr = %q", cfg.Gateways.HTTP.Addr())
	}
	keys := cfg.Gateways.HTTP.APIKeyUserMapping
	if len(keys) != 2 || keys["k1"] != "alice" || keys["k2"] != "bob" {
		t.Errorf("api keys = %v", keys)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad sandbox type", "sandbox:\n  type: vm\n", "sandbox.type"},
		{"negative timeout", "sandbox:\n  timeout_seconds: -1\n", "timeout_seconds"},
		{"negative memory", "sandbox:\n  max_memory_mb: -5\n", "max_memory_mb"},
		{"empty runner", "runners:\n  python:\n    command: []\n", "runners.python"},
		{"bad driver", "storage:\n  driver: mysql\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "dsn"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"bad tracing protocol", "observability:\n  tracing:\n    enabled: true\n    protocol: udp\n", "protocol"},
		{"ok", "sandbox:\n  timeout_seconds: 3\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "vipu.yaml", tt.body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAccessorsNilSafe(t *testing.T) {
	var j *JanitorConfig
	if !j.IsEnabled() || j.Sweep() != "@every 10m" || j.Prune() != "@hourly" || j.RateLimitPrune() != "@every 5m" {
		t.Error("nil janitor config should report defaults")
	}
	if j.ScratchMaxAge(30*time.Second) != time.Minute {
		t.Errorf("scratch max age = %v", j.ScratchMaxAge(30*time.Second))
	}
	var h *HTTPGatewayConfig
	if h.Addr() != ":8080" || h.MaxBodyBytes() != 2<<20 || !h.StreamEnabled() {
		t.Error("nil http config should report defaults")
	}
	var m *MCPGatewayConfig
	if m.ServerName() != "vipu" {
		t.Errorf("server name = %q", m.ServerName())
	}
	if got := (SandboxConfig{}).Passthrough(); len(got) == 0 || got[0] != "GOROOT" {
		t.Errorf("passthrough = %v", got)
	}
	if got := (SandboxConfig{EnvPassthrough: []string{}}).Passthrough(); len(got) != 0 {
		t.Errorf("explicit empty passthrough = %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := resolvePath("~/cfg.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "cfg.yaml") {
		t.Errorf("resolvePath = %q", got)
	}
}
