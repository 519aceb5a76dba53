package sandbox

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DockerProvider implements Provider using the Docker Engine API
type DockerProvider struct {
	logger   *zap.Logger
	cli      *client.Client
	endpoint string
	pulls    singleflight.Group
}

// DockerProviderOption defines a functional option for DockerProvider
type DockerProviderOption func(*DockerProvider)

// WithDockerClient sets the engine client used by the provider
func WithDockerClient(cli *client.Client) DockerProviderOption {
	return func(d *DockerProvider) {
		d.cli = cli
	}
}

// WithEndpoint points the provider at a specific engine socket or URL
func WithEndpoint(endpoint string) DockerProviderOption {
	return func(d *DockerProvider) {
		d.endpoint = endpoint
	}
}

// NewDockerProvider creates a provider talking to the engine named by the
// options, falling back to the DOCKER_HOST environment.
func NewDockerProvider(logger *zap.Logger, opts ...DockerProviderOption) (*DockerProvider, error) {
	provider := &DockerProvider{logger: logger}

	// Apply options
	for _, opt := range opts {
		opt(provider)
	}

	if provider.cli == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if provider.endpoint != "" {
			clientOpts = append(clientOpts, client.WithHost(provider.endpoint))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		provider.cli = cli
	}

	return provider, nil
}

// Ping checks that the engine is reachable
func (d *DockerProvider) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unavailable: %w", err)
	}
	return nil
}

// EnsureImage pulls the image when it is not present locally. Concurrent
// callers for the same reference share one pull, which is not cancelled
// when one of them gives up.
func (d *DockerProvider) EnsureImage(ctx context.Context, ref string) error {
	pullCtx := context.WithoutCancel(ctx)
	ch := d.pulls.DoChan(ref, func() (any, error) {
		return nil, d.ensureImage(pullCtx, ref)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DockerProvider) ensureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	d.logger.Info("pulling sandbox image", zap.String("image", ref))
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("docker image unavailable (%s): %w", ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	// pull failures are reported inside the progress stream
	if _, err := d.cli.ImageInspect(ctx, ref); err != nil {
		return fmt.Errorf("image %s not present after pull: %w", ref, err)
	}
	d.logger.Info("sandbox image pulled", zap.String("image", ref))
	return nil
}

// Create creates a stopped container bound to the session
func (d *DockerProvider) Create(ctx context.Context, req CreateRequest) (string, error) {
	name := ContainerName(req.SessionID, randomSuffix())

	resp, err := d.cli.ContainerCreate(ctx, containerConfig(req), hostConfig(req.Policy), nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("docker container create failed: %w", err)
	}
	for _, warning := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("name", name), zap.String("warning", warning))
	}

	d.logger.Debug("container created", zap.String("name", name), zap.String("id", resp.ID))
	return resp.ID, nil
}

// Start starts a created or stopped container and resumes a paused one
func (d *DockerProvider) Start(ctx context.Context, id string) error {
	state, err := d.Inspect(ctx, id)
	if err != nil {
		return err
	}

	switch state {
	case StateRunning:
		return nil
	case StatePaused:
		if err := d.cli.ContainerUnpause(ctx, id); err != nil {
			return fmt.Errorf("docker container unpause failed: %w", err)
		}
		return nil
	}

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("docker container start failed: %w", err)
	}
	return nil
}

// Inspect reports the container state
func (d *DockerProvider) Inspect(ctx context.Context, id string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("docker container inspect failed: %w", err)
	}

	if info.State == nil {
		return StateStopped, nil
	}
	switch {
	case info.State.Paused:
		return StatePaused, nil
	case info.State.Running:
		return StateRunning, nil
	default:
		return StateStopped, nil
	}
}

// Attach opens a multiplexed stdin/stdout/stderr stream to the container TTY
func (d *DockerProvider) Attach(ctx context.Context, id string) (Stream, error) {
	resp, err := d.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("docker container attach failed: %w", err)
	}
	return &hijackedStream{conn: resp.Conn, reader: resp.Reader}, nil
}

// Resize changes the container TTY dimensions
func (d *DockerProvider) Resize(ctx context.Context, id string, cols, rows uint) error {
	if err := d.cli.ContainerResize(ctx, id, container.ResizeOptions{Height: rows, Width: cols}); err != nil {
		return fmt.Errorf("docker container resize failed: %w", err)
	}
	return nil
}

// Remove force-removes the container. Removing a missing container is not an error.
func (d *DockerProvider) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("docker container remove failed: %w", err)
	}
	return nil
}

// ListManaged lists every container carrying the managed-by label
func (d *DockerProvider) ListManaged(ctx context.Context) ([]Summary, error) {
	f := filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+LabelManagedByValue))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker container list failed: %w", err)
	}

	summaries := make([]Summary, 0, len(containers))
	for _, c := range containers {
		s := Summary{
			ID:        c.ID,
			SessionID: c.Labels[LabelSession],
			State:     StateStopped,
		}
		if len(c.Names) > 0 {
			s.Name = trimSlash(c.Names[0])
		}
		switch string(c.State) {
		case "running":
			s.State = StateRunning
		case "paused":
			s.State = StatePaused
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Close releases the engine client
func (d *DockerProvider) Close() error {
	return d.cli.Close()
}

// containerConfig builds the container spec for an interactive shell
func containerConfig(req CreateRequest) *container.Config {
	return &container.Config{
		Image:        req.Image,
		Cmd:          req.Command,
		Env:          sessionEnv(req.SessionID),
		Labels:       managedLabels(req.SessionID),
		User:         req.Policy.User,
		Hostname:     "shellbox",
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
}

// hostConfig translates the isolation policy into engine host settings
func hostConfig(p Policy) *container.HostConfig {
	hc := &container.HostConfig{
		Init: boolPtr(true),
		Resources: container.Resources{
			Memory:     p.MemoryBytes,
			MemorySwap: p.MemoryBytes,
			CPUQuota:   p.CPUQuota,
			CPUPeriod:  p.CPUPeriod,
		},
	}

	if p.PidsLimit > 0 {
		limit := p.PidsLimit
		hc.Resources.PidsLimit = &limit
	}
	if p.NetworkDisabled {
		hc.NetworkMode = container.NetworkMode("none")
	}
	if p.DropAllCaps {
		hc.CapDrop = []string{"ALL"}
	}
	if p.NoNewPrivileges {
		hc.SecurityOpt = []string{"no-new-privileges"}
	}
	if p.ScratchPath != "" {
		opts := "rw,nosuid,nodev"
		if p.ScratchSize != "" {
			opts += ",size=" + p.ScratchSize
		}
		hc.Tmpfs = map[string]string{p.ScratchPath: opts}
	}

	return hc
}

// hijackedStream adapts an engine attach connection to Stream
type hijackedStream struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// CloseWrite half-closes the connection so the engine sees end of input
func (s *hijackedStream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (s *hijackedStream) Close() error {
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

func boolPtr(b bool) *bool {
	return &b
}
