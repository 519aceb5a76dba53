package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox/sandboxtest"
	"github.com/isdmx/shellbox/session"
	"github.com/isdmx/shellbox/terminal"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, Path: "/terminal"},
		Sandbox: config.SandboxConfig{
			Backend:     "docker",
			Image:       "ubuntu:22.04",
			Shell:       []string{"/bin/bash"},
			MemoryBytes: 512 * 1024 * 1024,
			CPUQuota:    50000,
			CPUPeriod:   100000,
			PidsLimit:   128,
		},
	}
}

type fixture struct {
	server   *Server
	http     *httptest.Server
	provider *sandboxtest.Provider
	registry *session.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	cfg := testConfig()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	provider := sandboxtest.New()
	registry := session.NewRegistry()
	manager := session.NewManager(log, cfg, registry, provider, m)

	s := New(cfg, log, manager, m)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: s, http: srv, provider: provider, registry: registry}
}

func (f *fixture) dial(t *testing.T, sessionID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/terminal"
	if sessionID != "" {
		u += "?session=" + url.QueryEscape(sessionID)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readHandshake(t *testing.T, conn *websocket.Conn) terminal.SessionMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)

	var msg terminal.SessionMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, terminal.TypeSession, msg.Type)
	return msg
}

// waitForStream waits until the session has an attachment on its sandbox
func (f *fixture) waitForStream(t *testing.T, sessionID string) *sandboxtest.Stream {
	t.Helper()
	var stream *sandboxtest.Stream
	require.Eventually(t, func() bool {
		e, ok := f.registry.Lookup(sessionID)
		if !ok || e.Attached == 0 {
			return false
		}
		stream = f.provider.LastStream(e.SandboxID)
		return stream != nil
	}, 5*time.Second, 5*time.Millisecond)
	return stream
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "shellbox_connections_active")
}

func TestHandshakeAssignsSession(t *testing.T) {
	f := newFixture(t)

	conn, _, err := f.dial(t, "")
	require.NoError(t, err)

	msg := readHandshake(t, conn)
	_, err = uuid.Parse(msg.Session)
	assert.NoError(t, err, "generated session ids are UUIDs")

	f.waitForStream(t, msg.Session)
}

func TestHandshakeEchoesSession(t *testing.T) {
	f := newFixture(t)

	conn, _, err := f.dial(t, "my session")
	require.NoError(t, err)
	assert.Equal(t, "my session", readHandshake(t, conn).Session)
}

func TestTerminalRoundTrip(t *testing.T) {
	f := newFixture(t)

	conn, _, err := f.dial(t, "abc")
	require.NoError(t, err)
	readHandshake(t, conn)
	stream := f.waitForStream(t, "abc")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"resize","cols":120,"rows":40}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("whoami\r")))

	buf := make([]byte, len("whoami\r"))
	_, err = io.ReadFull(stream.Input(), buf)
	require.NoError(t, err)
	assert.Equal(t, "whoami\r", string(buf))

	resizes := f.provider.Resizes()
	require.Len(t, resizes, 1)
	assert.Equal(t, uint(120), resizes[0].Cols)
	assert.Equal(t, uint(40), resizes[0].Rows)

	go func() { _ = stream.Emit([]byte("root\r\n")) }()
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, "root\r\n", string(data))
}

func TestReconnectReusesSandbox(t *testing.T) {
	f := newFixture(t)

	conn, _, err := f.dial(t, "abc")
	require.NoError(t, err)
	readHandshake(t, conn)
	first := f.waitForStream(t, "abc")
	entry, _ := f.registry.Lookup("abc")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		e, ok := f.registry.Lookup("abc")
		return first.Closed() && ok && e.Attached == 0
	}, 5*time.Second, 5*time.Millisecond)

	// the sandbox survives the disconnect
	_, ok := f.provider.Get(entry.SandboxID)
	require.True(t, ok)

	conn, _, err = f.dial(t, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", readHandshake(t, conn).Session)
	second := f.waitForStream(t, "abc")

	assert.NotSame(t, first, second)
	again, _ := f.registry.Lookup("abc")
	assert.Equal(t, entry.SandboxID, again.SandboxID)
	assert.Equal(t, int32(1), f.provider.CreateCalls.Load())
}

func TestInvalidSessionRejected(t *testing.T) {
	f := newFixture(t)

	for name, id := range map[string]string{
		"TooLong":      strings.Repeat("a", MaxSessionIDLength+1),
		"ControlChars": "abc\x1bdef",
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := f.dial(t, id)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Zero(t, f.provider.CreateCalls.Load())
}

func TestProvisionFailureReported(t *testing.T) {
	f := newFixture(t)
	f.provider.SetErr(&f.provider.EnsureImageErr, errors.New("image not found"))

	conn, _, err := f.dial(t, "abc")
	require.NoError(t, err)
	readHandshake(t, conn)

	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	assert.True(t, strings.HasPrefix(string(data), "Failed to start sandbox: "), string(data))
	assert.Contains(t, string(data), "image not found")

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)

	_, ok := f.registry.Lookup("abc")
	assert.False(t, ok)
}

func TestAttachFailureReported(t *testing.T) {
	f := newFixture(t)
	f.provider.SetErr(&f.provider.AttachErr, errors.New("attach refused"))

	conn, _, err := f.dial(t, "abc")
	require.NoError(t, err)
	readHandshake(t, conn)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Failed to attach to sandbox: "), string(data))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)

	// the sandbox itself was provisioned and is kept
	_, ok := f.registry.Lookup("abc")
	assert.True(t, ok)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.server.Start(context.Background()))
	addr := f.server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.server.Stop(ctx))
}

func TestResolveSessionID(t *testing.T) {
	id, err := resolveSessionID("")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	id, err = resolveSessionID("ünïcode-ok")
	require.NoError(t, err)
	assert.Equal(t, "ünïcode-ok", id)

	_, err = resolveSessionID(string([]byte{0xff, 0xfe}))
	assert.ErrorIs(t, err, errInvalidSessionID)

	_, err = resolveSessionID(strings.Repeat("x", MaxSessionIDLength))
	assert.NoError(t, err)
}
