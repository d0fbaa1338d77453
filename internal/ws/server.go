// Package ws handles WebSocket connection management: the authenticated
// upgrade, epoll-driven frame reading, heartbeats, and dispatching inbound
// frames to the chat handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safehaven/chat-server/internal/metrics"
	"github.com/safehaven/chat-server/internal/registry"
	"github.com/safehaven/chat-server/internal/store"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // largest accepted data frame
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  8 << 20,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the handshake credential to a user id.
type Authenticator interface {
	UserID(token string) (int64, error)
}

// UserLoader loads the identity attached to a connection.
type UserLoader interface {
	LoadUserState(ctx context.Context, userID int64) (*store.User, error)
}

// Presence records connected users outside this process. It is optional.
type Presence interface {
	Online(ctx context.Context, userID int64, connID string) error
	Touch(ctx context.Context, userID int64) error
	Offline(ctx context.Context, userID int64, connID string) (bool, error)
}

// Deps are the collaborators the server needs beyond its config.
type Deps struct {
	Auth     Authenticator
	Users    UserLoader
	Registry *registry.Registry
	Presence Presence // may be nil
	Logger   *zap.Logger
}

// Server is the WebSocket server built on gobwas/ws and epoll. It upgrades
// authenticated HTTP requests, registers the sockets with epoll, and hands
// ready sockets to a bounded worker pool that reads one frame at a time.
type Server struct {
	config       ServerConfig
	deps         Deps
	logger       *zap.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	router       chi.Router
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete data frame; frames of one connection are never handled
// concurrently.
func NewServer(config ServerConfig, deps Deps, onMessage func(conn *Connection, data []byte)) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	s := &Server{
		config:     config,
		deps:       deps,
		logger:     deps.Logger.Named("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Get("/ws", s.handleUpgrade)
	r.Get("/ws/{token}", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	s.router = r

	return s
}

// Handler exposes the HTTP routes.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes epoll, starts the event loop and the heartbeat, and
// serves HTTP on ln. It blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections),
	)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handshakeToken takes the credential from the path or, failing that, the
// token query parameter.
func handshakeToken(r *http.Request) string {
	if t := chi.URLParam(r, "token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

// handleUpgrade upgrades the request and authenticates the client. A bad
// credential or unknown user gets a policy-violation close frame before any
// application frame is read.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.epoll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}

	token := handshakeToken(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	userID, err := s.deps.Auth.UserID(token)
	if err != nil {
		s.logger.Info("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.reject(conn, ws.StatusPolicyViolation, "invalid credentials")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	user, err := s.deps.Users.LoadUserState(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.logger.Info("handshake rejected: unknown user", zap.Int64("user_id", userID))
		s.reject(conn, ws.StatusPolicyViolation, "unknown user")
		return
	case err != nil:
		s.logger.Error("handshake user lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		s.reject(conn, ws.StatusInternalServerError, "try again later")
		return
	}

	conn = s.epoll.Wrap(conn)
	c := newConnection(uuid.New().String(), user, conn, s.config.WriteTimeout)

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error("epoll add failed", zap.String("conn_id", c.ID), zap.Error(err))
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if prev := s.deps.Registry.Register(userID, c); prev != nil {
		s.logger.Debug("connection superseded", zap.Int64("user_id", userID), zap.String("conn_id", c.ID))
	}

	if s.deps.Presence != nil {
		if err := s.deps.Presence.Online(ctx, userID, c.ID); err != nil {
			s.logger.Warn("presence online failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}

	s.logger.Info("connection opened",
		zap.Int64("user_id", userID),
		zap.String("conn_id", c.ID),
		zap.Int("fd", c.Fd),
		zap.Int("total", s.conns.Count()),
	)
}

func (s *Server) reject(conn net.Conn, code ws.StatusCode, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	_ = conn.Close()
}

// handleHealth reports liveness, open sockets and connected users as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Users       int    `json:"users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Users:       s.deps.Registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands each ready socket to a
// worker, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("epoll wait error", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready socket. Control frames are
// handled inline; a read failure or close frame removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Pollers report a socket once until Rearm; this guards the overlap
	// between a rearm and the previous worker's return.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Rearm(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Stale readiness; the heartbeat reaps dead sockets.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		// Control payloads are at most 125 bytes and must be consumed so the
		// next frame header lines up.
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil || header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if header.OpCode == ws.OpPing {
			if err := c.writePong(payload); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	// Frames are read one per readiness event, so fragmented messages are
	// refused rather than buffered across events.
	if header.OpCode == ws.OpContinuation || !header.Fin {
		s.logger.Info("fragmented message refused", zap.Int64("user_id", c.UserID))
		_ = c.CloseWith(ws.StatusUnsupportedData, "fragmented messages are not supported")
		s.RemoveConnection(c)
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.logger.Info("frame too large",
			zap.Int64("user_id", c.UserID),
			zap.Int64("length", header.Length),
		)
		_ = c.CloseWith(ws.StatusMessageTooBig, "frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback run after a connection has been
// removed from the registry.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection unregisters and closes c. Concurrent removals of the same
// connection (read error racing a heartbeat timeout) clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	// A superseded socket must not evict its replacement.
	s.deps.Registry.UnregisterIf(c.UserID, c)

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := s.deps.Presence.Offline(ctx, c.UserID, c.ID); err != nil {
			s.logger.Warn("presence offline failed", zap.Int64("user_id", c.UserID), zap.Error(err))
		}
	}

	s.logger.Info("connection closed",
		zap.Int64("user_id", c.UserID),
		zap.String("conn_id", c.ID),
		zap.Int("total", s.conns.Count()),
	)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, closes every open connection with a
// going-away frame, and releases epoll.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
	}

	for _, c := range s.conns.All() {
		_ = c.CloseWith(ws.StatusGoingAway, "server shutting down")
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("server stopped")
	return err
}

// isEINTR reports an interrupted system call, which epoll_wait returns when
// a signal arrives and which should simply be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EINTR) ||
		err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
