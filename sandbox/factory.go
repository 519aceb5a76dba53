package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
)

// NewProvider creates the sandbox provider selected by the configuration
func NewProvider(logger *zap.Logger, cfg *config.Config) (Provider, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		var opts []DockerProviderOption
		if cfg.Sandbox.Endpoint != "" {
			opts = append(opts, WithEndpoint(cfg.Sandbox.Endpoint))
		}
		return NewDockerProvider(logger, opts...)
	case "podman":
		return NewPodmanProvider(logger, cfg.Sandbox.Endpoint)
	case "local":
		if !cfg.Sandbox.EnableLocalBackend {
			return nil, fmt.Errorf("local backend is disabled, set sandbox.enable_local_backend to use it")
		}
		logger.Warn("using the local sandbox backend: shells run on the host without isolation")
		return NewLocalProvider(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
