package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/gateway"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/mcpserver"
	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/sandbox/sandboxtest"
	"github.com/isdmx/shellbox/session"
	"github.com/isdmx/shellbox/terminal"
)

type stack struct {
	cfg      *config.Config
	provider *sandboxtest.Provider
	registry *session.Registry
	manager  *session.Manager
	metrics  *metrics.Metrics
	admin    *mcpserver.MCPServer
	http     *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 8080, Path: "/terminal"},
		Admin:   config.AdminConfig{Transport: "none", HTTPPort: 8090},
		Logging: config.LoggingConfig{Mode: "development", Level: "debug"},
		Sandbox: config.SandboxConfig{
			Backend:     "docker",
			Image:       "ubuntu:22.04",
			Shell:       []string{"/bin/bash"},
			MemoryBytes: 512 * 1024 * 1024,
			CPUQuota:    50000,
			CPUPeriod:   100000,
			PidsLimit:   128,
			TmpfsSize:   "64m",
		},
	}

	log := zaptest.NewLogger(t)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	provider := sandboxtest.New()
	registry := session.NewRegistry()
	manager := session.NewManager(log, cfg, registry, provider, m)

	admin, err := mcpserver.New(cfg, log, manager)
	require.NoError(t, err)

	srv := httptest.NewServer(gateway.New(cfg, log, manager, m).Handler())
	t.Cleanup(srv.Close)

	return &stack{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		manager:  manager,
		metrics:  m,
		admin:    admin,
		http:     srv,
	}
}

func (s *stack) connect(t *testing.T, sessionID string) (*websocket.Conn, string) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.http.URL, "http") + s.cfg.Server.Path
	if sessionID != "" {
		u += "?session=" + url.QueryEscape(sessionID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)

	var hello terminal.SessionMessage
	require.NoError(t, json.Unmarshal(data, &hello))
	require.Equal(t, terminal.TypeSession, hello.Type)
	return conn, hello.Session
}

// attached waits for the session's current attachment
func (s *stack) attached(t *testing.T, sessionID string) (session.Entry, *sandboxtest.Stream) {
	t.Helper()
	var (
		entry  session.Entry
		stream *sandboxtest.Stream
	)
	require.Eventually(t, func() bool {
		e, ok := s.registry.Lookup(sessionID)
		if !ok || e.Attached == 0 {
			return false
		}
		entry, stream = e, s.provider.LastStream(e.SandboxID)
		return stream != nil && !stream.Closed()
	}, 5*time.Second, 5*time.Millisecond)
	return entry, stream
}

func (s *stack) detached(t *testing.T, sessionID string, stream *sandboxtest.Stream) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := s.registry.Lookup(sessionID)
		return stream.Closed() && ok && e.Attached == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func readInput(t *testing.T, stream *sandboxtest.Stream, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(stream.Input(), buf)
	require.NoError(t, err)
	return string(buf)
}

func TestTerminalSessionLifecycle(t *testing.T) {
	s := newStack(t)

	conn, sessionID := s.connect(t, "")
	require.NotEmpty(t, sessionID)
	entry, stream := s.attached(t, sessionID)

	sb, ok := s.provider.Get(entry.SandboxID)
	require.True(t, ok)
	assert.Equal(t, sandbox.StateRunning, sb.State)
	assert.Equal(t, sessionID, sb.Request.SessionID)
	assert.Equal(t, []string{"/bin/bash"}, sb.Request.Command)
	assert.True(t, sb.Request.Policy.NetworkDisabled)

	t.Run("Keystrokes", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("echo $SHELLBOX_SESSION\r")))
		assert.Equal(t, "echo $SHELLBOX_SESSION\r", readInput(t, stream, len("echo $SHELLBOX_SESSION\r")))
	})

	t.Run("Output", func(t *testing.T) {
		go func() { _ = stream.Emit([]byte(sessionID + "\r\n")) }()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, messageType)
		assert.Equal(t, sessionID+"\r\n", string(data))
	})

	t.Run("ResizeOrdering", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":1,"rows":100000}`)))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("ls\r")))
		assert.Equal(t, "ls\r", readInput(t, stream, 3))

		resizes := s.provider.Resizes()
		require.NotEmpty(t, resizes)
		last := resizes[len(resizes)-1]
		assert.Equal(t, entry.SandboxID, last.ID)
		assert.Equal(t, uint(terminal.MinDimension), last.Cols)
		assert.Equal(t, uint(terminal.MaxDimension), last.Rows)
	})

	t.Run("ControlLookalikeIsData", func(t *testing.T) {
		payload := `{"type":"resize","cols":80,"rows":24}` + strings.Repeat(" ", terminal.MaxControlFrameSize)
		before := len(s.provider.Resizes())
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(payload)))
		assert.Equal(t, payload, readInput(t, stream, len(payload)))
		assert.Len(t, s.provider.Resizes(), before)
	})

	require.NoError(t, conn.Close())
	s.detached(t, sessionID, stream)
	assert.True(t, stream.WriteClosed())

	_, ok = s.provider.Get(entry.SandboxID)
	assert.True(t, ok, "closing the terminal leaves the sandbox running")
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.ConnectionsActive) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestReconnectPersistence(t *testing.T) {
	s := newStack(t)

	conn, sessionID := s.connect(t, "persistent")
	assert.Equal(t, "persistent", sessionID)
	entry, stream := s.attached(t, sessionID)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("cd /tmp\r")))
	readInput(t, stream, len("cd /tmp\r"))
	require.NoError(t, conn.Close())
	s.detached(t, sessionID, stream)

	_, again := s.connect(t, "persistent")
	assert.Equal(t, "persistent", again)
	reattached, second := s.attached(t, sessionID)

	assert.Equal(t, entry.SandboxID, reattached.SandboxID)
	assert.NotSame(t, stream, second)
	assert.Equal(t, int32(1), s.provider.CreateCalls.Load())
	assert.Equal(t, 1, s.provider.Len())
}

func TestSessionIsolation(t *testing.T) {
	s := newStack(t)

	_, a := s.connect(t, "alice")
	_, b := s.connect(t, "bob")
	alice, _ := s.attached(t, a)
	bob, _ := s.attached(t, b)

	assert.NotEqual(t, alice.SandboxID, bob.SandboxID)
	assert.Equal(t, 2, s.provider.Len())
}

func TestVanishedSandboxIsReplaced(t *testing.T) {
	s := newStack(t)

	conn, sessionID := s.connect(t, "abc")
	entry, stream := s.attached(t, sessionID)
	require.NoError(t, conn.Close())
	s.detached(t, sessionID, stream)

	// removed behind the service's back
	s.provider.Delete(entry.SandboxID)

	s.connect(t, "abc")
	replaced, _ := s.attached(t, sessionID)
	assert.NotEqual(t, entry.SandboxID, replaced.SandboxID)
	assert.InDelta(t, 1, testutil.ToFloat64(s.metrics.SandboxRecoveries.WithLabelValues(metrics.ReasonMissing)), 0)
}

func TestSandboxExitClosesTerminal(t *testing.T) {
	s := newStack(t)

	conn, sessionID := s.connect(t, "abc")
	_, stream := s.attached(t, sessionID)
	require.NoError(t, stream.End())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestOperatorRemovalForcesFreshSandbox(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	conn, sessionID := s.connect(t, "abc")
	entry, stream := s.attached(t, sessionID)
	require.NoError(t, conn.Close())
	s.detached(t, sessionID, stream)

	removed, err := s.manager.Remove(ctx, sessionID)
	require.NoError(t, err)
	require.True(t, removed)
	assert.Empty(t, s.manager.Sessions())

	s.connect(t, "abc")
	fresh, _ := s.attached(t, sessionID)
	assert.NotEqual(t, entry.SandboxID, fresh.SandboxID)
	assert.Equal(t, int32(2), s.provider.CreateCalls.Load())
}

func TestIdleSessionsAreReaped(t *testing.T) {
	s := newStack(t)
	s.cfg.Session.IdleTimeout = time.Nanosecond
	s.cfg.Session.ReapInterval = time.Hour
	reaper := session.NewReaper(zaptest.NewLogger(t), s.cfg, s.manager, s.registry, s.metrics)

	conn, sessionID := s.connect(t, "idle")
	entry, stream := s.attached(t, sessionID)

	// an open terminal protects the session
	time.Sleep(time.Millisecond)
	assert.Zero(t, reaper.Sweep(context.Background()))

	require.NoError(t, conn.Close())
	s.detached(t, sessionID, stream)
	time.Sleep(time.Millisecond)

	assert.Equal(t, 1, reaper.Sweep(context.Background()))
	_, ok := s.provider.Get(entry.SandboxID)
	assert.False(t, ok)
}

func TestLoggerFromConfig(t *testing.T) {
	s := newStack(t)

	log, err := logger.NewFromConfig(s.cfg)
	require.NoError(t, err)
	logger.Session(log, "abc", "0123456789abcdef").Info("integration logger ready")
	_ = log.Sync()
}

func TestOperatorToolsSeeTerminalSessions(t *testing.T) {
	s := newStack(t)

	s.connect(t, "watched")
	entry, _ := s.attached(t, "watched")

	msg := json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"inspect_session","arguments":{"session_id":"watched"}}}`)
	resp := s.admin.GetMCPServer().HandleMessage(context.Background(), msg)
	out, err := json.Marshal(resp)
	require.NoError(t, err)

	assert.Contains(t, string(out), entry.SandboxID)
	assert.Contains(t, string(out), string(sandbox.StateRunning))
}
