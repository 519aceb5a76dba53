package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// Initial terminal size of a local shell before the first resize
const (
	defaultCols = 80
	defaultRows = 24
)

var errDetached = errors.New("attachment superseded")

// LocalProvider implements Provider by running the shell directly on the host
// in a pseudo-terminal (WARNING: no isolation, development only). The shell
// outlives its attachments the way a container does.
type LocalProvider struct {
	logger *zap.Logger

	mu        sync.Mutex
	seq       int
	sandboxes map[string]*localSandbox
}

// NewLocalProvider creates a new LocalProvider
func NewLocalProvider(logger *zap.Logger) *LocalProvider {
	return &LocalProvider{
		logger:    logger,
		sandboxes: make(map[string]*localSandbox),
	}
}

type localSandbox struct {
	id        string
	sessionID string
	command   []string
	home      string

	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	exited chan struct{}
	out    *io.PipeWriter
}

// EnsureImage is a no-op: the local backend runs host binaries
func (*LocalProvider) EnsureImage(context.Context, string) error {
	return nil
}

// Create prepares a home directory for the shell without starting it
func (l *LocalProvider) Create(_ context.Context, req CreateRequest) (string, error) {
	if len(req.Command) == 0 {
		return "", fmt.Errorf("local sandbox requires a command")
	}

	home, err := os.MkdirTemp("", "shellbox-local-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	id := fmt.Sprintf("%s-%d", ContainerName(req.SessionID, randomSuffix()), l.seq)
	l.sandboxes[id] = &localSandbox{
		id:        id,
		sessionID: req.SessionID,
		command:   append([]string(nil), req.Command...),
		home:      home,
	}
	return id, nil
}

func (l *LocalProvider) get(id string) (*localSandbox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sb, ok := l.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sb, nil
}

// Start spawns the shell if it is not already running
func (l *LocalProvider) Start(_ context.Context, id string) error {
	sb, err := l.get(id)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.running() {
		return nil
	}

	//nolint:gosec // Running the configured shell is intended functionality
	cmd := exec.Command(sb.command[0], sb.command[1:]...)
	cmd.Dir = sb.home
	cmd.Env = append(os.Environ(), "HOME="+sb.home)
	cmd.Env = append(cmd.Env, sessionEnv(sb.sessionID)...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		return fmt.Errorf("failed to start local shell: %w", err)
	}

	sb.cmd = cmd
	sb.ptmx = ptmx
	sb.exited = make(chan struct{})
	go sb.pump(ptmx, cmd, sb.exited)

	l.logger.Debug("local shell started", zap.String("id", id), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Inspect reports running while the shell process is alive
func (l *LocalProvider) Inspect(_ context.Context, id string) (State, error) {
	sb, err := l.get(id)
	if err != nil {
		return "", err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.running() {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Attach connects a new reader to the shell output. A newer attachment
// replaces the previous one.
func (l *LocalProvider) Attach(_ context.Context, id string) (Stream, error) {
	sb, err := l.get(id)
	if err != nil {
		return nil, err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.running() {
		return nil, fmt.Errorf("local shell %s is not running", id)
	}

	pr, pw := io.Pipe()
	if sb.out != nil {
		sb.out.CloseWithError(errDetached)
	}
	sb.out = pw
	return &localStream{sb: sb, ptmx: sb.ptmx, reader: pr, writer: pw}, nil
}

// Resize changes the pty window size
func (l *LocalProvider) Resize(_ context.Context, id string, cols, rows uint) error {
	sb, err := l.get(id)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.running() {
		return fmt.Errorf("local shell %s is not running", id)
	}
	return pty.Setsize(sb.ptmx, &pty.Winsize{Cols: clampUint16(cols), Rows: clampUint16(rows)})
}

// Remove kills the shell and deletes its home directory
func (l *LocalProvider) Remove(_ context.Context, id string) error {
	l.mu.Lock()
	sb, ok := l.sandboxes[id]
	delete(l.sandboxes, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	sb.mu.Lock()
	exited := sb.exited
	if sb.running() {
		if err := sb.cmd.Process.Signal(syscall.SIGKILL); err != nil {
			l.logger.Warn("failed to kill local shell", zap.String("id", id), zap.Error(err))
		}
	}
	sb.mu.Unlock()

	if exited != nil {
		<-exited
	}
	if err := os.RemoveAll(sb.home); err != nil {
		l.logger.Error("failed to remove temp directory", zap.String("path", sb.home), zap.Error(err))
	}
	return nil
}

// ListManaged lists every local shell
func (l *LocalProvider) ListManaged(context.Context) ([]Summary, error) {
	l.mu.Lock()
	sandboxes := make([]*localSandbox, 0, len(l.sandboxes))
	for _, sb := range l.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	l.mu.Unlock()

	summaries := make([]Summary, 0, len(sandboxes))
	for _, sb := range sandboxes {
		state := StateStopped
		sb.mu.Lock()
		if sb.running() {
			state = StateRunning
		}
		sb.mu.Unlock()
		summaries = append(summaries, Summary{ID: sb.id, Name: sb.id, SessionID: sb.sessionID, State: state})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

// Close removes every local shell
func (l *LocalProvider) Close() error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.sandboxes))
	for id := range l.sandboxes {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		_ = l.Remove(context.Background(), id)
	}
	return nil
}

// running must be called with sb.mu held
func (sb *localSandbox) running() bool {
	if sb.exited == nil {
		return false
	}
	select {
	case <-sb.exited:
		return false
	default:
		return true
	}
}

// pump copies pty output into the current attachment until the shell exits
func (sb *localSandbox) pump(ptmx *os.File, cmd *exec.Cmd, exited chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			sb.mu.Lock()
			w := sb.out
			sb.mu.Unlock()
			if w != nil {
				if _, werr := w.Write(buf[:n]); werr != nil {
					sb.detach(w)
				}
			}
		}
		if err != nil {
			break
		}
	}

	_ = cmd.Wait()
	_ = ptmx.Close()

	sb.mu.Lock()
	w := sb.out
	sb.out = nil
	close(exited)
	sb.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
}

func (sb *localSandbox) detach(w *io.PipeWriter) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.out == w {
		sb.out = nil
	}
}

// localStream is one attachment to a local shell
type localStream struct {
	sb     *localSandbox
	ptmx   *os.File
	reader *io.PipeReader
	writer *io.PipeWriter
}

func (s *localStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *localStream) Write(p []byte) (int, error) {
	return s.ptmx.Write(p)
}

// CloseWrite leaves the shell running: a pty has no half-close
func (*localStream) CloseWrite() error {
	return nil
}

// Close detaches without stopping the shell
func (s *localStream) Close() error {
	s.sb.detach(s.writer)
	return s.reader.Close()
}

func clampUint16(v uint) uint16 {
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}
