package sandbox

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// DefaultPodmanSocket is the rootful Podman API socket
const DefaultPodmanSocket = "/run/podman/podman.sock"

// NewPodmanProvider creates a provider against the Podman Docker-compatible
// API. An empty endpoint resolves to the rootless socket when one exists,
// otherwise to the rootful socket.
func NewPodmanProvider(logger *zap.Logger, endpoint string, opts ...DockerProviderOption) (*DockerProvider, error) {
	if endpoint == "" {
		endpoint = podmanEndpoint(os.Getenv("XDG_RUNTIME_DIR"), fileExists)
	}
	logger.Debug("using podman endpoint", zap.String("endpoint", endpoint))

	opts = append([]DockerProviderOption{WithEndpoint(endpoint)}, opts...)
	return NewDockerProvider(logger, opts...)
}

func podmanEndpoint(runtimeDir string, exists func(string) bool) string {
	if runtimeDir != "" {
		rootless := filepath.Join(runtimeDir, "podman", "podman.sock")
		if exists(rootless) {
			return "unix://" + rootless
		}
	}
	return "unix://" + DefaultPodmanSocket
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
