// Package sandbox provides the sandbox provider boundary.
//
// The sandbox package describes isolated shell environments through a
// declarative Policy and the Provider interface the session layer consumes.
// It supports multiple backends including Docker, Podman, and local
// execution (for development).
package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/isdmx/shellbox/config"
)

// State is the coarse running state of a sandbox as seen by the core
type State string

// Sandbox states reported by Inspect. A missing sandbox is reported as ErrNotFound.
const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StatePaused  State = "paused"
)

// Labels and naming shared by the container backends
const (
	LabelManagedBy      = "managed-by"
	LabelManagedByValue = "shellbox"
	LabelSession        = "shellbox.session"

	NamePrefix       = "shellbox-"
	maxNameSessionID = 40
)

// Scratch storage defaults
const (
	DefaultScratchPath = "/tmp"
	DefaultScratchSize = "64m"
)

// ErrNotFound is returned when the provider has no record of a sandbox
var ErrNotFound = errors.New("sandbox not found")

// Policy is the declarative isolation and resource policy applied when a
// sandbox is created.
type Policy struct {
	MemoryBytes     int64  `yaml:"memory_bytes" json:"memory_bytes"`
	CPUQuota        int64  `yaml:"cpu_quota" json:"cpu_quota"`
	CPUPeriod       int64  `yaml:"cpu_period" json:"cpu_period"`
	PidsLimit       int64  `yaml:"pids_limit" json:"pids_limit"`
	NetworkDisabled bool   `yaml:"network_disabled" json:"network_disabled"`
	DropAllCaps     bool   `yaml:"drop_all_capabilities" json:"drop_all_capabilities"`
	NoNewPrivileges bool   `yaml:"no_new_privileges" json:"no_new_privileges"`
	ScratchPath     string `yaml:"scratch_path" json:"scratch_path"`
	ScratchSize     string `yaml:"scratch_size" json:"scratch_size"`
	User            string `yaml:"user,omitempty" json:"user,omitempty"`
}

// PolicyFromConfig derives the isolation policy from the sandbox configuration.
// Capability dropping and no-new-privileges are always on.
func PolicyFromConfig(cfg *config.Config) Policy {
	size := cfg.Sandbox.TmpfsSize
	if size == "" {
		size = DefaultScratchSize
	}
	return Policy{
		MemoryBytes:     cfg.Sandbox.MemoryBytes,
		CPUQuota:        cfg.Sandbox.CPUQuota,
		CPUPeriod:       cfg.Sandbox.CPUPeriod,
		PidsLimit:       cfg.Sandbox.PidsLimit,
		NetworkDisabled: !cfg.Sandbox.NetworkEnabled,
		DropAllCaps:     true,
		NoNewPrivileges: true,
		ScratchPath:     DefaultScratchPath,
		ScratchSize:     size,
		User:            cfg.Sandbox.User,
	}
}

// CPUs returns the fractional CPU allotment of the quota/period pair
func (p Policy) CPUs() float64 {
	if p.CPUPeriod <= 0 {
		return 0
	}
	return float64(p.CPUQuota) / float64(p.CPUPeriod)
}

// CreateRequest represents the parameters for creating a sandbox
type CreateRequest struct {
	SessionID string
	Image     string
	Command   []string
	Policy    Policy
}

// Summary describes a sandbox managed by this service
type Summary struct {
	ID        string
	Name      string
	SessionID string
	State     State
}

// Stream is a full-duplex byte stream attached to a sandbox terminal.
// CloseWrite signals end of input without stopping the sandbox; Close
// releases the local attachment.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// Provider defines the interface for sandbox backends
type Provider interface {
	// EnsureImage makes the image available locally. Cheap when it already is.
	EnsureImage(ctx context.Context, ref string) error
	// Create creates a sandbox with the policy bound and returns its id.
	Create(ctx context.Context, req CreateRequest) (string, error)
	Start(ctx context.Context, id string) error
	// Inspect returns ErrNotFound (wrapped) for unknown sandboxes.
	Inspect(ctx context.Context, id string) (State, error)
	Attach(ctx context.Context, id string) (Stream, error)
	// Resize is best-effort.
	Resize(ctx context.Context, id string, cols, rows uint) error
	Remove(ctx context.Context, id string) error
	ListManaged(ctx context.Context) ([]Summary, error)
	Close() error
}

// Pinger is implemented by providers backed by a remote engine
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckReachable pings the provider's engine if it has one
func CheckReachable(ctx context.Context, p Provider) error {
	if pinger, ok := p.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// ContainerName binds a session identifier into a sandbox name. The suffix
// keeps names unique when different identifiers sanitize to the same string.
func ContainerName(sessionID, suffix string) string {
	var b strings.Builder
	b.WriteString(NamePrefix)
	for _, r := range sessionID {
		if b.Len()-len(NamePrefix) >= maxNameSessionID {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if suffix != "" {
		b.WriteByte('-')
		b.WriteString(suffix)
	}
	return b.String()
}

func managedLabels(sessionID string) map[string]string {
	return map[string]string{
		LabelManagedBy: LabelManagedByValue,
		LabelSession:   sessionID,
	}
}

func sessionEnv(sessionID string) []string {
	return []string{
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"SHELLBOX_SESSION=" + sessionID,
	}
}
