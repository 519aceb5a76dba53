// Package sandboxtest provides an in-memory sandbox provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isdmx/shellbox/sandbox"
)

var _ sandbox.Provider = (*Provider)(nil)

// Resize records one Resize call
type Resize struct {
	ID   string
	Cols uint
	Rows uint
}

// Sandbox is the fake's record of one sandbox
type Sandbox struct {
	ID      string
	Request sandbox.CreateRequest
	State   sandbox.State
	Streams []*Stream
}

// Provider is a fake sandbox.Provider. Error fields are read on every call
// and may be set between calls.
type Provider struct {
	mu        sync.Mutex
	seq       int
	sandboxes map[string]*Sandbox
	resizes   []Resize

	EnsureImageErr error
	CreateErr      error
	StartErr       error
	InspectErr     error
	AttachErr      error
	ResizeErr      error
	RemoveErr      error
	// CreateDelay widens race windows in concurrency tests
	CreateDelay time.Duration

	EnsureImageCalls atomic.Int32
	CreateCalls      atomic.Int32
	StartCalls       atomic.Int32
	InspectCalls     atomic.Int32
	AttachCalls      atomic.Int32
	RemoveCalls      atomic.Int32
	Closed           atomic.Bool
}

// New creates an empty fake provider
func New() *Provider {
	return &Provider{sandboxes: make(map[string]*Sandbox)}
}

func (p *Provider) EnsureImage(_ context.Context, _ string) error {
	p.EnsureImageCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.EnsureImageErr
}

func (p *Provider) Create(ctx context.Context, req sandbox.CreateRequest) (string, error) {
	p.CreateCalls.Add(1)
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return "", p.CreateErr
	}
	p.seq++
	id := fmt.Sprintf("fake-%04d-%s", p.seq, req.SessionID)
	p.sandboxes[id] = &Sandbox{ID: id, Request: req, State: sandbox.StateStopped}
	return id, nil
}

func (p *Provider) Start(_ context.Context, id string) error {
	p.StartCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return p.StartErr
	}
	sb, ok := p.sandboxes[id]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	sb.State = sandbox.StateRunning
	return nil
}

func (p *Provider) Inspect(_ context.Context, id string) (sandbox.State, error) {
	p.InspectCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.InspectErr != nil {
		return "", p.InspectErr
	}
	sb, ok := p.sandboxes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return sb.State, nil
}

func (p *Provider) Attach(_ context.Context, id string) (sandbox.Stream, error) {
	p.AttachCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AttachErr != nil {
		return nil, p.AttachErr
	}
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	s := NewStream()
	sb.Streams = append(sb.Streams, s)
	return s, nil
}

func (p *Provider) Resize(_ context.Context, id string, cols, rows uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ResizeErr != nil {
		return p.ResizeErr
	}
	p.resizes = append(p.resizes, Resize{ID: id, Cols: cols, Rows: rows})
	return nil
}

func (p *Provider) Remove(_ context.Context, id string) error {
	p.RemoveCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RemoveErr != nil {
		return p.RemoveErr
	}
	delete(p.sandboxes, id)
	return nil
}

func (p *Provider) ListManaged(context.Context) ([]sandbox.Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sandbox.Summary, 0, len(p.sandboxes))
	for _, sb := range p.sandboxes {
		out = append(out, sandbox.Summary{ID: sb.ID, Name: sb.ID, SessionID: sb.Request.SessionID, State: sb.State})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) Close() error {
	p.Closed.Store(true)
	return nil
}

// SetErr updates an error field under the provider lock
func (p *Provider) SetErr(field *error, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	*field = err
}

// Seed registers a sandbox that exists outside any session registry
func (p *Provider) Seed(sessionID string, state sandbox.State) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("fake-%04d-%s", p.seq, sessionID)
	p.sandboxes[id] = &Sandbox{ID: id, Request: sandbox.CreateRequest{SessionID: sessionID}, State: state}
	return id
}

// SetState simulates an external state change such as a crash or stop
func (p *Provider) SetState(id string, state sandbox.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sb, ok := p.sandboxes[id]; ok {
		sb.State = state
	}
}

// Delete simulates external removal of a sandbox
func (p *Provider) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, id)
}

// Get returns a copy of the sandbox record
func (p *Provider) Get(id string) (Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return Sandbox{}, false
	}
	cp := *sb
	cp.Streams = append([]*Stream(nil), sb.Streams...)
	return cp, true
}

// Len returns the number of live sandboxes
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sandboxes)
}

// Resizes returns every recorded resize in call order
func (p *Provider) Resizes() []Resize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Resize(nil), p.resizes...)
}

// LastStream returns the most recent attachment to a sandbox
func (p *Provider) LastStream(id string) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok || len(sb.Streams) == 0 {
		return nil
	}
	return sb.Streams[len(sb.Streams)-1]
}

// Stream is an in-memory sandbox.Stream. The sandbox side is driven through
// Input, Emit, End and Fail.
type Stream struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter

	writeClosed atomic.Bool
	closed      atomic.Bool
}

// NewStream creates a connected stream
func NewStream() *Stream {
	s := &Stream{}
	s.inR, s.inW = io.Pipe()
	s.outR, s.outW = io.Pipe()
	return s
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.outR.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.inW.Write(p)
}

func (s *Stream) CloseWrite() error {
	s.writeClosed.Store(true)
	return s.inW.Close()
}

func (s *Stream) Close() error {
	s.closed.Store(true)
	_ = s.inW.Close()
	return s.outR.Close()
}

// Input is what the client side wrote to the sandbox
func (s *Stream) Input() io.Reader {
	return s.inR
}

// Emit writes sandbox output. It blocks until the reader consumes it.
func (s *Stream) Emit(p []byte) error {
	_, err := s.outW.Write(p)
	return err
}

// End ends sandbox output cleanly
func (s *Stream) End() error {
	return s.outW.Close()
}

// Fail ends sandbox output with an error
func (s *Stream) Fail(err error) error {
	return s.outW.CloseWithError(err)
}

// WriteClosed reports whether CloseWrite was called
func (s *Stream) WriteClosed() bool {
	return s.writeClosed.Load()
}

// Closed reports whether Close was called
func (s *Stream) Closed() bool {
	return s.closed.Load()
}
