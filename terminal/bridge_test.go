package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox/sandboxtest"
)

type resizeRecorder struct {
	mu    sync.Mutex
	calls [][2]uint
	err   error
}

func (r *resizeRecorder) resize(_ context.Context, cols, rows uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]uint{cols, rows})
	return r.err
}

func (r *resizeRecorder) snapshot() [][2]uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]uint(nil), r.calls...)
}

type bridgeHarness struct {
	client  *websocket.Conn
	stream  *sandboxtest.Stream
	resizes *resizeRecorder
	metrics *metrics.Metrics
	done    chan error
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	h := &bridgeHarness{
		stream:  sandboxtest.NewStream(),
		resizes: &resizeRecorder{},
		metrics: metrics.NewWithRegistry(prometheus.NewRegistry()),
		done:    make(chan error, 1),
	}
	logger := zaptest.NewLogger(t)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.done <- err
			return
		}
		h.done <- NewBridge(conn, h.stream, h.resizes.resize, logger, h.metrics).Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	h.client = client
	return h
}

func (h *bridgeHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not finish")
		return nil
	}
}

func readInput(t *testing.T, s *sandboxtest.Stream, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(s.Input(), buf)
	require.NoError(t, err)
	return buf
}

func TestBridgeForwardsInputVerbatim(t *testing.T) {
	h := newBridgeHarness(t)

	large := bytes.Repeat([]byte("resize "), 72)[:500]
	copy(large, `{"type":"resize","cols":1,"rows":1}`)

	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte("ls\r")))
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, large))

	assert.Equal(t, []byte("ls\r"), readInput(t, h.stream, 3))
	assert.Equal(t, large, readInput(t, h.stream, 500))
	assert.Empty(t, h.resizes.snapshot())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Bytes.WithLabelValues(metrics.DirectionInbound)) == 503
	}, time.Second, 10*time.Millisecond)
}

func TestBridgeAppliesResizeInOrder(t *testing.T) {
	h := newBridgeHarness(t)

	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte("a")))
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"resize","cols":80,"rows":24}`)))
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"resize","cols":0,"rows":1}`)))
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte("b")))

	assert.Equal(t, []byte("a"), readInput(t, h.stream, 1))
	// resize is applied before the next frame is read
	assert.Equal(t, []byte("b"), readInput(t, h.stream, 1))
	assert.Equal(t, [][2]uint{{80, 24}, {2, 2}}, h.resizes.snapshot())
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.ControlMessages.WithLabelValues(metrics.ResultApplied)), 0)
}

func TestBridgeDropsMalformedControl(t *testing.T) {
	h := newBridgeHarness(t)

	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"resize","cols":80`)))
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(`hello`)))
	require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown"}`)))
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte("ok")))

	// nothing but the last frame reaches the sandbox
	assert.Equal(t, []byte("ok"), readInput(t, h.stream, 2))
	assert.Empty(t, h.resizes.snapshot())
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.ControlMessages.WithLabelValues(metrics.ResultDropped)), 0)
}

func TestBridgeResizeFailureKeepsSession(t *testing.T) {
	h := newBridgeHarness(t)
	h.resizes.mu.Lock()
	h.resizes.err = errors.New("resize rejected")
	h.resizes.mu.Unlock()

	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"resize","cols":80,"rows":24}`)))
	require.NoError(t, h.client.WriteMessage(websocket.BinaryMessage, []byte("x")))
	assert.Equal(t, []byte("x"), readInput(t, h.stream, 1))
}

func TestBridgeRelaysOutput(t *testing.T) {
	h := newBridgeHarness(t)

	go func() {
		_ = h.stream.Emit([]byte("$ "))
		_ = h.stream.Emit([]byte("hello\r\n"))
	}()

	var got []byte
	for len(got) < len("$ hello\r\n") {
		messageType, data, err := h.client.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, messageType)
		got = append(got, data...)
	}
	assert.Equal(t, "$ hello\r\n", string(got))
}

func TestBridgeStreamEndClosesNormally(t *testing.T) {
	h := newBridgeHarness(t)

	go func() { _ = h.stream.End() }()

	_, _, err := h.client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.NoError(t, h.wait(t))
}

func TestBridgeStreamErrorSendsNotice(t *testing.T) {
	h := newBridgeHarness(t)

	go func() { _ = h.stream.Fail(errors.New("engine went away")) }()

	messageType, data, err := h.client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Contains(t, string(data), "connection to sandbox lost: engine went away")

	_, _, err = h.client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)
	assert.Error(t, h.wait(t))
}

func TestBridgeClientCloseReleasesStream(t *testing.T) {
	h := newBridgeHarness(t)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, h.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.NoError(t, h.wait(t))
	assert.True(t, h.stream.WriteClosed())
	assert.True(t, h.stream.Closed())
}

func TestBridgeClientDropReleasesStream(t *testing.T) {
	h := newBridgeHarness(t)

	require.NoError(t, h.client.UnderlyingConn().Close())

	assert.NoError(t, h.wait(t))
	assert.True(t, h.stream.Closed())
}
