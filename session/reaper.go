package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/metrics"
)

// Reaper removes sandboxes whose sessions have had no attachment for longer
// than the idle timeout. A zero timeout disables it.
type Reaper struct {
	logger   *zap.Logger
	manager  *Manager
	registry *Registry
	metrics  *metrics.Metrics
	timeout  time.Duration
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReaper creates a reaper from the session configuration
func NewReaper(log *zap.Logger, cfg *config.Config, manager *Manager, registry *Registry, m *metrics.Metrics) *Reaper {
	return &Reaper{
		logger:   log,
		manager:  manager,
		registry: registry,
		metrics:  m,
		timeout:  cfg.Session.IdleTimeout,
		interval: cfg.Session.ReapInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enabled reports whether idle reaping is configured
func (r *Reaper) Enabled() bool {
	return r.timeout > 0 && r.interval > 0
}

// Start begins the reap loop. Call Stop to terminate.
func (r *Reaper) Start() {
	if !r.Enabled() {
		close(r.done)
		return
	}
	r.logger.Info("idle reaper started", zap.Duration("idle_timeout", r.timeout), zap.Duration("interval", r.interval))
	go r.loop()
}

// Stop terminates the reap loop and waits for an in-flight sweep
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reaper) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep removes every idle session once and returns how many were reaped
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.registry.Now().Add(-r.timeout)
	reaped := 0

	for _, e := range r.registry.Idle(cutoff) {
		if r.reap(ctx, e.SessionID, cutoff) {
			reaped++
		}
	}
	return reaped
}

func (r *Reaper) reap(ctx context.Context, sessionID string, cutoff time.Time) bool {
	unlock, err := r.registry.Lock(ctx, sessionID)
	if err != nil {
		return false
	}
	defer unlock()

	// a client may have attached since the idle scan
	e, ok := r.registry.Lookup(sessionID)
	if !ok || e.Attached > 0 || !e.LastActive.Before(cutoff) {
		return false
	}

	log := logger.Session(r.logger, sessionID, e.SandboxID)
	removed, err := r.manager.removeLocked(ctx, sessionID)
	if err != nil {
		log.Warn("failed to reap idle sandbox", zap.Error(err))
		return false
	}
	if removed {
		r.metrics.SandboxesReaped.Inc()
		log.Info("reaped idle sandbox", zap.Time("last_active", e.LastActive))
	}
	return removed
}
