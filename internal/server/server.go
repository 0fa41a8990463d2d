package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quic-go/webtransport-go"

	"sudooom.civic.realtime/internal/config"
	"sudooom.civic.realtime/internal/connection"
	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/health"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/ratelimit"
)

type Limiter interface {
	Check(ctx context.Context, identity string, class ratelimit.Class) bool
}

// Dispatcher handles the frames of a session and cleans up after it.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn *connection.Connection, raw []byte)
	Disconnect(conn *connection.Connection)
}

// Server accepts WebSocket sessions on the gin router and, when enabled,
// WebTransport sessions on a separate QUIC listener.
type Server struct {
	cfg        *config.Config
	manager    *connection.Manager
	dispatcher Dispatcher
	limiter    Limiter
	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	ctx        context.Context
	logger     *slog.Logger

	mu       sync.Mutex
	wtServer *webtransport.Server
	wg       sync.WaitGroup
}

// New builds the server. checker may be nil.
func New(cfg *config.Config, manager *connection.Manager, dispatcher Dispatcher, limiter Limiter, checker *health.Checker, logger *slog.Logger) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	s := &Server{
		cfg:        cfg,
		manager:    manager,
		dispatcher: dispatcher,
		limiter:    limiter,
		ctx:        context.Background(),
		logger:     logger.With("component", "server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors(cfg.Server.AllowedOrigins))
	r.Use(requestLogger(s.logger))
	r.GET("/ws", s.handleWebSocket)
	if checker != nil {
		r.GET("/health", checker.Health)
		r.GET("/ws-health", checker.WSHealth)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. ctx is the parent of every session context.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx

	if s.cfg.Server.WebTransport.Enabled {
		go func() {
			if err := s.startWebTransport(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("WebTransport server stopped", "error", err)
			}
		}()
	}

	s.logger.Info("HTTP server starting", "addr", s.cfg.Server.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new sessions. Open sessions are left to the
// caller, who closes them through the manager and then calls Wait.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	wt := s.wtServer
	s.mu.Unlock()
	if wt != nil {
		if cerr := wt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Wait blocks until every session goroutine has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || originAllowed(s.cfg.Server.AllowedOrigins, origin)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	ip := c.ClientIP()
	allowed := s.limiter.Check(c.Request.Context(), ip, ratelimit.ClassConnection)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}

	if !allowed {
		s.logger.Warn("Connection rate limit exceeded", "remote_ip", ip, "transport", "websocket")
		s.rejectRateLimited(ws)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(s.ctx, newWSTransport(ws, s.cfg.Server.MaxMessageSize))
}

// rejectRateLimited tells the client why before closing with 4029.
func (s *Server) rejectRateLimited(ws *websocket.Conn) {
	defer ws.Close()

	if data, err := protocol.Encode(protocol.Error(appErrors.WireCode(appErrors.ErrRateLimited), appErrors.ErrRateLimited.Message)); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	msg := websocket.FormatCloseMessage(connection.CloseRateLimited, appErrors.ErrRateLimited.Message)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// serve runs the read loop of one session until the transport fails or the
// session is closed from elsewhere.
func (s *Server) serve(ctx context.Context, transport connection.Transport) {
	conn := connection.New(transport, s.cfg.Server.SendBuffer, s.logger)
	s.manager.Add(conn)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session read loop panicked",
				"session_id", conn.ID(),
				"panic", r,
				"stack", string(debug.Stack()))
			conn.Close(connection.CloseInternalError, "internal error")
		} else {
			conn.Close(connection.CloseNormal, "")
		}
		s.dispatcher.Disconnect(conn)
	}()

	_ = conn.Send(protocol.Connected(conn.ID()))
	s.logger.Debug("Session opened", "session_id", conn.ID(), "remote_addr", transport.RemoteAddr())

	for {
		data, err := transport.ReadMessage()
		if err != nil {
			if !conn.Closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Session read failed", "session_id", conn.ID(), "error", err)
			}
			return
		}
		conn.Touch()
		s.dispatcher.Dispatch(ctx, conn, data)
	}
}
