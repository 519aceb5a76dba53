package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
)

// Handle identifies the sandbox serving a session for one connection
type Handle struct {
	SessionID string
	SandboxID string
	// Fresh is set when the sandbox was provisioned by this call
	Fresh bool
}

// Manager implements get-or-create of one sandbox per session on top of the
// registry and a sandbox provider.
type Manager struct {
	logger   *zap.Logger
	registry *Registry
	provider sandbox.Provider
	metrics  *metrics.Metrics

	image   string
	command []string
	policy  sandbox.Policy
}

// NewManager creates a session manager from the sandbox configuration
func NewManager(log *zap.Logger, cfg *config.Config, registry *Registry, provider sandbox.Provider, m *metrics.Metrics) *Manager {
	policy := sandbox.PolicyFromConfig(cfg)
	log.Info("sandbox policy",
		zap.String("image", cfg.Sandbox.Image),
		zap.Strings("shell", cfg.Sandbox.Shell),
		zap.String("memory", units.BytesSize(float64(policy.MemoryBytes))),
		zap.Float64("cpus", policy.CPUs()),
		zap.Int64("pids_limit", policy.PidsLimit),
		zap.Bool("network_disabled", policy.NetworkDisabled),
	)

	return &Manager{
		logger:   log,
		registry: registry,
		provider: provider,
		metrics:  m,
		image:    cfg.Sandbox.Image,
		command:  append([]string(nil), cfg.Sandbox.Shell...),
		policy:   policy,
	}
}

// GetOrCreate returns a running sandbox for the session. A recorded sandbox
// is reused; one that has vanished is replaced and one that has stopped is
// restarted on a best-effort basis. Concurrent calls for the same session
// provision at most one sandbox.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (Handle, error) {
	unlock, err := m.registry.Lock(ctx, sessionID)
	if err != nil {
		return Handle{}, &ProvisionError{SessionID: sessionID, Op: "wait for session", Err: err}
	}
	defer unlock()

	entry, ok := m.registry.Lookup(sessionID)
	if !ok {
		return m.provision(ctx, sessionID)
	}

	log := logger.Session(m.logger, sessionID, entry.SandboxID)
	state, err := m.provider.Inspect(ctx, entry.SandboxID)
	if err != nil {
		// any inspection failure is treated as a vanished sandbox
		log.Warn("recorded sandbox is gone, provisioning a replacement", zap.Error(err))
		if !errors.Is(err, sandbox.ErrNotFound) {
			// it may still be running; an evicted sandbox is unreachable afterwards
			if rmErr := m.provider.Remove(ctx, entry.SandboxID); rmErr != nil {
				log.Warn("failed to remove unreachable sandbox", zap.Error(rmErr))
			}
		}
		m.registry.Evict(sessionID)
		m.metrics.RecordRecovery(metrics.ReasonMissing)
		return m.provision(ctx, sessionID)
	}

	if state != sandbox.StateRunning {
		if err := m.provider.Start(ctx, entry.SandboxID); err != nil {
			// attach decides whether the sandbox is usable
			log.Warn("failed to restart sandbox", zap.String("state", string(state)), zap.Error(err))
			m.metrics.RecordRecovery(metrics.ReasonRestartFailed)
		} else {
			log.Info("restarted sandbox", zap.String("state", string(state)))
			m.metrics.RecordRecovery(metrics.ReasonRestarted)
		}
	}

	m.registry.Touch(sessionID)
	log.Debug("reusing sandbox")
	return Handle{SessionID: sessionID, SandboxID: entry.SandboxID}, nil
}

// provision must be called with the session lock held
func (m *Manager) provision(ctx context.Context, sessionID string) (Handle, error) {
	start := time.Now()
	log := logger.Session(m.logger, sessionID, "")
	log.Info("provisioning sandbox", zap.String("image", m.image))

	if err := m.provider.EnsureImage(ctx, m.image); err != nil {
		return Handle{}, m.provisionFailed(log, sessionID, "ensure image", err)
	}

	id, err := m.provider.Create(ctx, sandbox.CreateRequest{
		SessionID: sessionID,
		Image:     m.image,
		Command:   m.command,
		Policy:    m.policy,
	})
	if err != nil {
		return Handle{}, m.provisionFailed(log, sessionID, "create", err)
	}

	if err := m.provider.Start(ctx, id); err != nil {
		if rmErr := m.provider.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			log.Warn("failed to remove unstarted sandbox", zap.String("id", id), zap.Error(rmErr))
		}
		return Handle{}, m.provisionFailed(log, sessionID, "start", err)
	}

	m.registry.Bind(sessionID, id)
	m.metrics.RecordProvision(time.Since(start))
	logger.Session(m.logger, sessionID, id).Info("sandbox provisioned", zap.Duration("took", time.Since(start)))
	return Handle{SessionID: sessionID, SandboxID: id, Fresh: true}, nil
}

func (m *Manager) provisionFailed(log *zap.Logger, sessionID, op string, err error) error {
	m.metrics.ProvisionFailures.Inc()
	log.Error("failed to provision sandbox", zap.String("op", op), zap.Error(err))
	return &ProvisionError{SessionID: sessionID, Op: op, Err: err}
}

// Attach opens a terminal stream to the session sandbox. The returned
// function releases the attachment count and must be called once the stream
// is no longer used.
func (m *Manager) Attach(ctx context.Context, h Handle) (sandbox.Stream, func(), error) {
	stream, err := m.provider.Attach(ctx, h.SandboxID)
	if err != nil {
		m.metrics.AttachFailures.Inc()
		logger.Session(m.logger, h.SessionID, h.SandboxID).Error("failed to attach to sandbox", zap.Error(err))
		return nil, nil, &AttachError{SessionID: h.SessionID, SandboxID: h.SandboxID, Err: err}
	}
	return stream, m.registry.Acquire(h.SessionID), nil
}

// Resize changes the terminal size of the session sandbox
func (m *Manager) Resize(ctx context.Context, h Handle, cols, rows uint) error {
	if err := m.provider.Resize(ctx, h.SandboxID, cols, rows); err != nil {
		return fmt.Errorf("resize sandbox %s: %w", logger.ShortID(h.SandboxID), err)
	}
	return nil
}

// ErrUnknownSession is returned for sessions absent from the registry
var ErrUnknownSession = errors.New("unknown session")

// Status describes a session and the live state of its sandbox
type Status struct {
	Entry
	State string `json:"state"`
}

// Inspect reports a session with the provider's view of its sandbox.
// Vanished sandboxes are reported as missing, not repaired.
func (m *Manager) Inspect(ctx context.Context, sessionID string) (Status, error) {
	entry, ok := m.registry.Lookup(sessionID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	state, err := m.provider.Inspect(ctx, entry.SandboxID)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return Status{Entry: entry, State: "missing"}, nil
	case err != nil:
		return Status{}, fmt.Errorf("inspect sandbox %s: %w", logger.ShortID(entry.SandboxID), err)
	}
	return Status{Entry: entry, State: string(state)}, nil
}

// Remove destroys the session sandbox and forgets the session. It reports
// false for unknown sessions.
func (m *Manager) Remove(ctx context.Context, sessionID string) (bool, error) {
	unlock, err := m.registry.Lock(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer unlock()

	return m.removeLocked(ctx, sessionID)
}

func (m *Manager) removeLocked(ctx context.Context, sessionID string) (bool, error) {
	entry, ok := m.registry.Lookup(sessionID)
	if !ok {
		return false, nil
	}
	if err := m.provider.Remove(ctx, entry.SandboxID); err != nil {
		return false, fmt.Errorf("remove sandbox %s: %w", logger.ShortID(entry.SandboxID), err)
	}
	m.registry.Evict(sessionID)
	logger.Session(m.logger, sessionID, entry.SandboxID).Info("sandbox removed")
	return true, nil
}

// Sessions lists every known session
func (m *Manager) Sessions() []Entry {
	return m.registry.Snapshot()
}

// Policy returns the isolation policy applied to new sandboxes
func (m *Manager) Policy() sandbox.Policy {
	return m.policy
}

// Image returns the image new sandboxes are created from
func (m *Manager) Image() string {
	return m.image
}

// CleanupOrphans removes managed sandboxes that no session refers to, such
// as those left behind by a previous process.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	managed, err := m.provider.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("list managed sandboxes: %w", err)
	}

	known := make(map[string]bool)
	for _, e := range m.registry.Snapshot() {
		known[e.SandboxID] = true
	}

	removed := 0
	for _, s := range managed {
		if known[s.ID] {
			continue
		}
		if err := m.provider.Remove(ctx, s.ID); err != nil {
			m.logger.Warn("failed to remove orphaned sandbox",
				zap.String(logger.KeySandbox, logger.ShortID(s.ID)), zap.Error(err))
			continue
		}
		removed++
		m.logger.Info("removed orphaned sandbox",
			zap.String(logger.KeySandbox, logger.ShortID(s.ID)),
			zap.String(logger.KeySession, s.SessionID))
	}
	return removed, nil
}
