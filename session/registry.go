package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is the registry record binding a session to its sandbox
type Entry struct {
	SessionID  string    `json:"session_id"`
	SandboxID  string    `json:"sandbox_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Attached   int       `json:"attached"`
}

// Registry maps session identifiers to sandbox identifiers. It is safe for
// concurrent use; Lock serializes lifecycle work for one session.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	keys    keyedMutex
	now     func() time.Time
}

// RegistryOption defines a functional option for Registry
type RegistryOption func(*Registry)

// WithClock sets the time source used for timestamps
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock serializes lifecycle operations on one session
func (r *Registry) Lock(ctx context.Context, sessionID string) (func(), error) {
	return r.keys.lock(ctx, sessionID)
}

// Lookup returns the entry for a session
func (r *Registry) Lookup(sessionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Bind records a freshly provisioned sandbox for a session, replacing any
// previous binding.
func (r *Registry) Bind(sessionID, sandboxID string) Entry {
	now := r.now()
	e := &Entry{
		SessionID:  sessionID,
		SandboxID:  sandboxID,
		CreatedAt:  now,
		LastActive: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sessionID] = e
	return *e
}

// Evict drops a session binding and reports whether it existed
func (r *Registry) Evict(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[sessionID]
	delete(r.entries, sessionID)
	return ok
}

// Touch marks a session as active now
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.LastActive = r.now()
	}
}

// Acquire counts an open attachment on a session. The returned function
// releases it and marks the session active. Releasing after the session was
// rebound to another sandbox leaves the new binding untouched.
func (r *Registry) Acquire(sessionID string) func() {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		e.Attached++
		e.LastActive = r.now()
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, found := r.entries[sessionID]; found && cur == e {
				if cur.Attached > 0 {
					cur.Attached--
				}
				cur.LastActive = r.now()
			}
		})
	}
}

// Snapshot returns every entry ordered by creation time
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Idle returns sessions with no attachment that have been inactive since
// before cutoff.
func (r *Registry) Idle(cutoff time.Time) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Attached == 0 && e.LastActive.Before(cutoff) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Now returns the registry clock
func (r *Registry) Now() time.Time {
	return r.now()
}
