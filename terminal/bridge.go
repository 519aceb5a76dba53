package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
)

// Bridge tuning
const (
	ReadLimit    = 1 << 20
	bufferSize   = 32 * 1024
	closeTimeout = time.Second
)

// ResizeFunc applies a terminal resize to the attached sandbox
type ResizeFunc func(ctx context.Context, cols, rows uint) error

// Bridge relays one websocket connection to one attached sandbox stream.
// Outbound sandbox bytes are sent as binary frames; inbound frames are
// demultiplexed into resize requests and raw terminal input.
type Bridge struct {
	conn    *websocket.Conn
	stream  sandbox.Stream
	resize  ResizeFunc
	logger  *zap.Logger
	metrics *metrics.Metrics

	writeMu   sync.Mutex
	closeOnce sync.Once
	// finished is set once the connection outcome is decided; later stream
	// errors are expected and not reported to the client.
	finished atomic.Bool
}

// NewBridge creates a bridge. The bridge owns conn and stream from Run on.
func NewBridge(conn *websocket.Conn, stream sandbox.Stream, resize ResizeFunc, logger *zap.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		conn:    conn,
		stream:  stream,
		resize:  resize,
		logger:  logger,
		metrics: m,
	}
}

// Run relays until either side ends. Client disconnects end the attachment
// only; the sandbox keeps running.
func (b *Bridge) Run(ctx context.Context) error {
	b.conn.SetReadLimit(ReadLimit)

	outboundDone := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("outbound relay panicked", zap.Any("panic", r))
				b.finished.Store(true)
				b.closeConn(websocket.CloseInternalServerErr, "internal error")
				outboundDone <- fmt.Errorf("outbound relay panic: %v", r)
			}
		}()
		outboundDone <- b.pumpOutbound()
	}()

	inErr := b.pumpInbound(ctx)
	b.finished.Store(true)

	// release the attachment, never the sandbox
	if err := b.stream.CloseWrite(); err != nil {
		b.logger.Debug("failed to half-close sandbox stream", zap.Error(err))
	}
	if err := b.stream.Close(); err != nil {
		b.logger.Debug("failed to close sandbox stream", zap.Error(err))
	}
	b.closeConn(websocket.CloseNormalClosure, "")

	outErr := <-outboundDone
	if outErr != nil {
		return outErr
	}
	return inErr
}

// pumpOutbound copies sandbox output to the client
func (b *Bridge) pumpOutbound() error {
	buf := make([]byte, bufferSize)
	for {
		n, err := b.stream.Read(buf)
		if n > 0 {
			if werr := b.write(websocket.BinaryMessage, buf[:n]); werr != nil {
				// client gone; unblock the inbound reader
				b.finished.Store(true)
				_ = b.conn.Close()
				return nil
			}
			b.metrics.RecordBytes(metrics.DirectionOutbound, n)
		}
		if err == nil {
			continue
		}

		if b.finished.Load() {
			return nil
		}
		if errors.Is(err, io.EOF) {
			b.logger.Info("sandbox stream ended")
			b.finished.Store(true)
			b.closeConn(websocket.CloseNormalClosure, "sandbox stream ended")
			return nil
		}

		b.logger.Warn("sandbox stream failed", zap.Error(err))
		b.fail(err)
		return fmt.Errorf("read sandbox stream: %w", err)
	}
}

// pumpInbound reads client frames until the client goes away
func (b *Bridge) pumpInbound(ctx context.Context) error {
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.finished.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				b.logger.Debug("client disconnected", zap.Error(err))
				return nil
			}
			b.logger.Info("client connection lost", zap.Error(err))
			return nil
		}

		if Classify(messageType, data) == KindControl {
			b.applyControl(ctx, data)
			continue
		}

		if len(data) == 0 {
			continue
		}
		if _, err := b.stream.Write(data); err != nil {
			b.logger.Warn("failed to write to sandbox stream", zap.Error(err))
			b.fail(err)
			return fmt.Errorf("write sandbox stream: %w", err)
		}
		b.metrics.RecordBytes(metrics.DirectionInbound, len(data))
	}
}

func (b *Bridge) applyControl(ctx context.Context, data []byte) {
	ctrl, err := ParseControl(data)
	if err != nil {
		b.logger.Debug("dropping control message", zap.Int("size", len(data)), zap.Error(err))
		b.metrics.RecordControl(false)
		return
	}

	if err := b.resize(ctx, ctrl.Cols, ctrl.Rows); err != nil {
		b.logger.Warn("failed to resize terminal",
			zap.Uint("cols", ctrl.Cols), zap.Uint("rows", ctrl.Rows), zap.Error(err))
	}
	b.metrics.RecordControl(true)
}

// fail reports a stream failure inline and closes the connection. Only the
// first outcome is reported.
func (b *Bridge) fail(err error) {
	if b.finished.Swap(true) {
		return
	}
	if werr := b.write(websocket.BinaryMessage, Notice(err)); werr != nil {
		b.logger.Debug("failed to deliver stream error notice", zap.Error(werr))
	}
	b.closeConn(websocket.CloseInternalServerErr, "sandbox stream error")
}

func (b *Bridge) write(messageType int, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteMessage(messageType, data)
}

// closeConn sends a close frame and closes the socket once
func (b *Bridge) closeConn(code int, text string) {
	b.closeOnce.Do(func() {
		b.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, text)
		if err := b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); err != nil {
			b.logger.Debug("failed to send close frame", zap.Error(err))
		}
		b.writeMu.Unlock()
		_ = b.conn.Close()
	})
}

// Notice formats a stream failure as terminal output
func Notice(err error) []byte {
	return []byte(fmt.Sprintf("\r\n\x1b[31m[shellbox] connection to sandbox lost: %v\x1b[0m\r\n", err))
}
