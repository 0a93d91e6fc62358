package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	configPath := filepath.Join(tmp, "kerneld", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadParsesBackends(t *testing.T) {
	writeConfig(t, `environment: production
default_backend: ephemeral
backends:
  docker:
    image: kerneld-python:latest
  ephemeral:
    base_url: https://compute.example.com
    token: tok-123
    workspace: ws-main
redis:
  addr: 127.0.0.1:6379
kernel:
  connect_timeout_seconds: 10
  interrupt_on_timeout: true
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DefaultBackend != "ephemeral" {
		t.Fatalf("default_backend = %q", cfg.DefaultBackend)
	}
	if cfg.Backends.Docker.Image != "kerneld-python:latest" {
		t.Fatalf("docker image = %q", cfg.Backends.Docker.Image)
	}
	if !cfg.HasEphemeralCredentials() {
		t.Fatalf("expected ephemeral credentials to be present")
	}
	if got := cfg.Kernel.ConnectTimeout(); got != 10*time.Second {
		t.Fatalf("connect timeout = %v", got)
	}
	if !cfg.Kernel.InterruptOnTimeout {
		t.Fatalf("interrupt_on_timeout not parsed")
	}
}

func TestLoadMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("KERNELD_ENVIRONMENT", "production")
	t.Setenv("KERNELD_EPHEMERAL_BASE_URL", "https://compute.example.com")
	t.Setenv("KERNELD_EPHEMERAL_TOKEN", "tok-env")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Environment != "production" {
		t.Fatalf("environment = %q", cfg.Environment)
	}
	if !cfg.HasEphemeralCredentials() {
		t.Fatalf("env-provided credentials not applied")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	writeConfig(t, `environment: development
backends:
  ephemeral:
    token: tok-file
`)
	t.Setenv("KERNELD_EPHEMERAL_TOKEN", "tok-env")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Backends.Ephemeral.Token != "tok-env" {
		t.Fatalf("token = %q, want env value", cfg.Backends.Ephemeral.Token)
	}
}

func TestDurationDefaults(t *testing.T) {
	var kernel KernelConfig
	if kernel.ConnectTimeout() != 30*time.Second {
		t.Fatalf("connect timeout default = %v", kernel.ConnectTimeout())
	}
	if kernel.LaunchTimeout() != 60*time.Second {
		t.Fatalf("launch timeout default = %v", kernel.LaunchTimeout())
	}
	if kernel.ExecBuffer() != 30*time.Second {
		t.Fatalf("exec buffer default = %v", kernel.ExecBuffer())
	}

	var lock LockConfig
	if lock.Hold() != 10*time.Minute || lock.Wait() != 30*time.Second {
		t.Fatalf("lock defaults = %v/%v", lock.Hold(), lock.Wait())
	}
}
