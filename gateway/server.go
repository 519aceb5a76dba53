// Package gateway serves the terminal websocket endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/session"
	"github.com/isdmx/shellbox/terminal"
)

// MaxSessionIDLength bounds client supplied session identifiers
const MaxSessionIDLength = 128

// Client facing failure prefixes
const (
	provisionFailurePrefix = "Failed to start sandbox: "
	attachFailurePrefix    = "Failed to attach to sandbox: "
)

var errInvalidSessionID = errors.New("invalid session identifier")

// Server is the terminal gateway
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	manager  *session.Manager
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	router   chi.Router

	httpServer *http.Server
	listener   net.Listener
}

// New creates the gateway and its routes
func New(cfg *config.Config, log *zap.Logger, manager *session.Manager, m *metrics.Metrics) *Server {
	s := &Server{
		config:  cfg,
		logger:  log,
		manager: manager,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(metrics.Middleware(s.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get(s.config.Server.Path, s.handleTerminal)

	return r
}

// Handler returns the gateway HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves in the background
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("terminal gateway listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.config.Server.Path))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("terminal gateway stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listen address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections. Open terminals are left to end on
// their own; their sandboxes keep running.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	sessionID, err := resolveSessionID(r.URL.Query().Get("session"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer s.metrics.RecordConnection()()

	log := logger.Session(s.logger, sessionID, "").With(zap.String(logger.KeyRemote, r.RemoteAddr))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("terminal connection panicked", zap.Any("panic", rec))
			closeWithReason(conn, websocket.CloseInternalServerErr, "internal error")
		}
	}()

	// tell the client its session before the possibly slow provisioning
	hello, err := terminal.NewSessionMessage(sessionID)
	if err != nil {
		log.Error("failed to encode session message", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		log.Debug("client went away before the handshake", zap.Error(err))
		return
	}

	ctx := r.Context()
	handle, err := s.manager.GetOrCreate(ctx, sessionID)
	if err != nil {
		reject(log, conn, provisionFailurePrefix, err)
		return
	}

	log = logger.Session(s.logger, sessionID, handle.SandboxID).With(zap.String(logger.KeyRemote, r.RemoteAddr))
	stream, release, err := s.manager.Attach(ctx, handle)
	if err != nil {
		reject(log, conn, attachFailurePrefix, err)
		return
	}
	defer release()

	log.Info("terminal attached", zap.Bool("fresh", handle.Fresh))
	resize := func(ctx context.Context, cols, rows uint) error {
		return s.manager.Resize(ctx, handle, cols, rows)
	}
	if err := terminal.NewBridge(conn, stream, resize, log, s.metrics).Run(ctx); err != nil {
		log.Info("terminal detached", zap.Error(err))
		return
	}
	log.Info("terminal detached")
}

// reject reports a lifecycle failure as a text frame and closes the connection
func reject(log *zap.Logger, conn *websocket.Conn, prefix string, err error) {
	log.Warn("rejecting terminal connection", zap.Error(err))
	if werr := conn.WriteMessage(websocket.TextMessage, []byte(prefix+err.Error())); werr != nil {
		log.Debug("failed to deliver failure message", zap.Error(werr))
	}
	closeWithReason(conn, websocket.CloseInternalServerErr, "sandbox unavailable")
}

func closeWithReason(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// resolveSessionID validates a client identifier or generates a fresh one
func resolveSessionID(raw string) (string, error) {
	if raw == "" {
		return uuid.NewString(), nil
	}
	if len(raw) > MaxSessionIDLength {
		return "", fmt.Errorf("%w: longer than %d bytes", errInvalidSessionID, MaxSessionIDLength)
	}
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("%w: not valid UTF-8", errInvalidSessionID)
	}
	for _, r := range raw {
		if unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains control characters", errInvalidSessionID)
		}
	}
	return raw, nil
}
