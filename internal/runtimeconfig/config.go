package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment    string       `yaml:"environment"`
	DefaultBackend string       `yaml:"default_backend"`
	Backends       Backends     `yaml:"backends"`
	Redis          RedisConfig  `yaml:"redis"`
	Store          StoreConfig  `yaml:"store"`
	Kernel         KernelConfig `yaml:"kernel"`
	Lock           LockConfig   `yaml:"lock"`
}

type Backends struct {
	Docker    DockerConfig    `yaml:"docker"`
	Ephemeral EphemeralConfig `yaml:"ephemeral"`
}

type DockerConfig struct {
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
}

type EphemeralConfig struct {
	BaseURL   string `yaml:"base_url"`
	Token     string `yaml:"token"`
	Workspace string `yaml:"workspace"`
	Image     string `yaml:"image"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type KernelConfig struct {
	ConnectTimeoutSeconds int64 `yaml:"connect_timeout_seconds"`
	LaunchTimeoutSeconds  int64 `yaml:"launch_timeout_seconds"`
	ExecBufferSeconds     int64 `yaml:"exec_buffer_seconds"`
	InterruptOnTimeout    bool  `yaml:"interrupt_on_timeout"`
}

type LockConfig struct {
	HoldSeconds int64 `yaml:"hold_seconds"`
	WaitSeconds int64 `yaml:"wait_seconds"`
}

// envOverlay carries the settings that may arrive through the environment
// instead of the config file, credentials in particular.
type envOverlay struct {
	Environment        string `envconfig:"ENVIRONMENT"`
	DefaultBackend     string `envconfig:"BACKEND"`
	EphemeralBaseURL   string `envconfig:"EPHEMERAL_BASE_URL"`
	EphemeralToken     string `envconfig:"EPHEMERAL_TOKEN"`
	EphemeralWorkspace string `envconfig:"EPHEMERAL_WORKSPACE"`
	RedisAddr          string `envconfig:"REDIS_ADDR"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "kerneld", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kerneld", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// No file is fine; the environment overlay may carry everything.
	default:
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	var env envOverlay
	if err := envconfig.Process("KERNELD", &env); err != nil {
		return Config{}, path, fmt.Errorf("process environment: %w", err)
	}
	applyOverlay(&cfg, env)

	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.DefaultBackend = strings.TrimSpace(cfg.DefaultBackend)
	return cfg, path, nil
}

func applyOverlay(cfg *Config, env envOverlay) {
	if v := strings.TrimSpace(env.Environment); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(env.DefaultBackend); v != "" {
		cfg.DefaultBackend = v
	}
	if v := strings.TrimSpace(env.EphemeralBaseURL); v != "" {
		cfg.Backends.Ephemeral.BaseURL = v
	}
	if v := strings.TrimSpace(env.EphemeralToken); v != "" {
		cfg.Backends.Ephemeral.Token = v
	}
	if v := strings.TrimSpace(env.EphemeralWorkspace); v != "" {
		cfg.Backends.Ephemeral.Workspace = v
	}
	if v := strings.TrimSpace(env.RedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
}

// HasEphemeralCredentials reports whether the remote provider is usable.
func (c Config) HasEphemeralCredentials() bool {
	return strings.TrimSpace(c.Backends.Ephemeral.BaseURL) != "" &&
		strings.TrimSpace(c.Backends.Ephemeral.Token) != ""
}

const (
	defaultConnectTimeout = 30 * time.Second
	defaultLaunchTimeout  = 60 * time.Second
	defaultExecBuffer     = 30 * time.Second
	defaultLockHold       = 10 * time.Minute
	defaultLockWait       = 30 * time.Second
)

func (c KernelConfig) ConnectTimeout() time.Duration {
	return secondsOr(c.ConnectTimeoutSeconds, defaultConnectTimeout)
}

func (c KernelConfig) LaunchTimeout() time.Duration {
	return secondsOr(c.LaunchTimeoutSeconds, defaultLaunchTimeout)
}

// ExecBuffer is added on top of the requested execution timeout to cover
// the driver's own startup and teardown inside the sandbox.
func (c KernelConfig) ExecBuffer() time.Duration {
	return secondsOr(c.ExecBufferSeconds, defaultExecBuffer)
}

func (c LockConfig) Hold() time.Duration {
	return secondsOr(c.HoldSeconds, defaultLockHold)
}

func (c LockConfig) Wait() time.Duration {
	return secondsOr(c.WaitSeconds, defaultLockWait)
}

func secondsOr(seconds int64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
