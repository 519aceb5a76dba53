package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Logging LoggingConfig `mapstructure:"logging"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Session SessionConfig `mapstructure:"session"`
}

// ServerConfig holds the terminal gateway configuration
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
}

// AdminConfig holds the operator tool surface configuration
type AdminConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox provider and isolation policy configuration
type SandboxConfig struct {
	Backend            string   `mapstructure:"backend"`
	Endpoint           string   `mapstructure:"endpoint"`
	Image              string   `mapstructure:"image"`
	Shell              []string `mapstructure:"shell"`
	MemoryBytes        int64    `mapstructure:"memory_bytes"`
	CPUQuota           int64    `mapstructure:"cpu_quota"`
	CPUPeriod          int64    `mapstructure:"cpu_period"`
	PidsLimit          int64    `mapstructure:"pids_limit"`
	NetworkEnabled     bool     `mapstructure:"network_enabled"`
	TmpfsSize          string   `mapstructure:"tmpfs_size"`
	User               string   `mapstructure:"user"`
	EnableLocalBackend bool     `mapstructure:"enable_local_backend"`
	CleanupOrphans     bool     `mapstructure:"cleanup_orphans"`
}

// SessionConfig holds session reaping configuration. A zero IdleTimeout keeps
// sandboxes until they are removed externally.
type SessionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load(viper.New())
}

// Load reads configuration into the given viper instance: defaults first, then
// an optional config.yaml, then environment variables.
func Load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("shellbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, fmt.Errorf("error binding environment: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.path", "/terminal")

	v.SetDefault("admin.transport", "none")
	v.SetDefault("admin.http_port", 8090)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.endpoint", "")
	v.SetDefault("sandbox.image", "ubuntu:22.04")
	v.SetDefault("sandbox.shell", []string{"/bin/bash"})
	v.SetDefault("sandbox.memory_bytes", 512*1024*1024)
	v.SetDefault("sandbox.cpu_quota", 50000)
	v.SetDefault("sandbox.cpu_period", 100000)
	v.SetDefault("sandbox.pids_limit", 128)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.tmpfs_size", "64m")
	v.SetDefault("sandbox.user", "")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.cleanup_orphans", false)

	v.SetDefault("session.idle_timeout", time.Duration(0))
	v.SetDefault("session.reap_interval", time.Minute)
}

// bindLegacyEnv keeps the short environment names deployments already use.
// The prefixed SHELLBOX_* form takes precedence.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"server.port":          "PORT",
		"sandbox.endpoint":     "DOCKER_HOST",
		"sandbox.image":        "SANDBOX_IMAGE",
		"sandbox.memory_bytes": "SANDBOX_MEMORY",
		"sandbox.cpu_quota":    "SANDBOX_CPU_QUOTA",
		"sandbox.cpu_period":   "SANDBOX_CPU_PERIOD",
		"sandbox.pids_limit":   "SANDBOX_PIDS_LIMIT",
	}
	for key, legacy := range bindings {
		prefixed := "SHELLBOX_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return err
		}
	}
	return nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with '/', got: %q", c.Server.Path)
	}

	switch c.Admin.Transport {
	case "none", "stdio", "http":
	default:
		return fmt.Errorf("invalid admin.transport: %s, must be 'none', 'stdio' or 'http'", c.Admin.Transport)
	}

	if c.Admin.Transport == "http" && c.Admin.HTTPPort == c.Server.Port {
		return fmt.Errorf("admin.http_port must differ from server.port (%d)", c.Server.Port)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Image == "" && c.Sandbox.Backend != "local" {
		return fmt.Errorf("sandbox.image is required for backend %s", c.Sandbox.Backend)
	}

	if len(c.Sandbox.Shell) == 0 {
		return fmt.Errorf("sandbox.shell must not be empty")
	}

	if c.Sandbox.MemoryBytes <= 0 {
		return fmt.Errorf("sandbox.memory_bytes must be positive, got: %d", c.Sandbox.MemoryBytes)
	}

	if c.Sandbox.CPUPeriod <= 0 {
		return fmt.Errorf("sandbox.cpu_period must be positive, got: %d", c.Sandbox.CPUPeriod)
	}

	if c.Sandbox.CPUQuota <= 0 {
		return fmt.Errorf("sandbox.cpu_quota must be positive, got: %d", c.Sandbox.CPUQuota)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.TmpfsSize != "" {
		if size, err := units.RAMInBytes(c.Sandbox.TmpfsSize); err != nil || size <= 0 {
			return fmt.Errorf("invalid sandbox.tmpfs_size: %q", c.Sandbox.TmpfsSize)
		}
	}

	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session.idle_timeout must not be negative, got: %s", c.Session.IdleTimeout)
	}

	if c.Session.IdleTimeout > 0 && c.Session.ReapInterval <= 0 {
		return fmt.Errorf("session.reap_interval must be positive when session.idle_timeout is set")
	}

	return nil
}

// ListenAddr returns the terminal gateway listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
