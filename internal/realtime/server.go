package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rag-tutor/internal/events"
	"rag-tutor/internal/models"
	"rag-tutor/internal/session"
)

const maxMessageBytes = 64 << 10

// SessionStarter is the part of the session manager a client may drive.
type SessionStarter interface {
	StartNewSession(ctx context.Context) (*session.Session, error)
}

// Server upgrades HTTP requests to websocket connections, each of which
// receives every bus event not produced by that connection.
type Server struct {
	bus      *events.Bus
	sessions SessionStarter
	timings  Timings
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*serverConn
	closed bool
	wg     sync.WaitGroup
}

type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithAllowedOrigins restricts browser origins. "*" allows any origin.
// Requests without an Origin header are always accepted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		}
	}
}

func NewServer(bus *events.Bus, sessions SessionStarter, timings Timings, opts ...ServerOption) *Server {
	s := &Server{
		bus:      bus,
		sessions: sessions,
		timings:  timings.withDefaults(),
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:    make(map[string]*serverConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connections is the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		id:     uuid.New().String(),
		ws:     ws,
		server: s,
		sub:    s.bus.Subscribe(),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.sub.Unsubscribe()
		cancel()
		_ = ws.Close()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("websocket client connected", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))
	s.bus.Emit(models.PhaseConnection, models.EventSuccess, "Client connected to realtime channel",
		events.WithOrigin(c.id))

	go c.writeLoop()
	go c.pingLoop()
	c.readLoop()
}

// Shutdown sends a going-away close frame to every connection and waits for
// their handlers to exit or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.goAway()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		return ctx.Err()
	}
}

func (s *Server) remove(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.wg.Done()
}

type serverConn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	sub    *events.Subscription
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func (c *serverConn) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.timings.WriteTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *serverConn) goAway() {
	deadline := time.Now().Add(c.server.timings.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		_ = c.ws.Close()
	}
}

// readLoop owns the connection: when it returns the connection is torn down.
func (c *serverConn) readLoop() {
	s := c.server
	defer func() {
		c.cancel()
		c.sub.Unsubscribe()
		_ = c.ws.Close()
		s.remove(c)
	}()

	c.ws.SetReadLimit(maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.timings.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.timings.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.disconnected(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.timings.PongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed websocket message", zap.String("conn_id", c.id), zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *serverConn) handle(msg Message) {
	s := c.server
	switch msg.Type {
	case MsgPing:
		if err := c.write(Message{Type: MsgPong}); err != nil {
			s.logger.Debug("failed to write pong", zap.String("conn_id", c.id), zap.Error(err))
		}
	case MsgNewSession:
		if _, err := s.sessions.StartNewSession(c.ctx); err != nil {
			s.logger.Warn("new session from realtime client failed", zap.String("conn_id", c.id), zap.Error(err))
			s.bus.Emit(models.PhaseSession, models.EventError, "Failed to start new session: "+err.Error())
		}
	case MsgClientEvent:
		var e models.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil || e.Message == "" {
			s.logger.Debug("ignoring malformed client event", zap.String("conn_id", c.id))
			return
		}
		if !e.Phase.Valid() {
			e.Phase = models.PhaseSystem
		}
		if !e.Type.Valid() {
			e.Type = models.EventInfo
		}
		e.Timestamp = time.Time{}
		e.Origin = c.id
		s.bus.Publish(e)
	default:
		s.logger.Debug("ignoring unknown websocket message", zap.String("conn_id", c.id), zap.String("type", string(msg.Type)))
	}
}

func (c *serverConn) disconnected(err error) {
	s := c.server
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("websocket client disconnected", zap.String("conn_id", c.id))
		s.bus.Emit(models.PhaseConnection, models.EventInfo, "Client disconnected from realtime channel",
			events.WithOrigin(c.id))
		return
	}
	s.logger.Info("websocket connection lost", zap.String("conn_id", c.id), zap.Error(err))
	s.bus.Emit(models.PhaseConnection, models.EventWarning, "Realtime connection lost",
		events.WithOrigin(c.id))
}

// writeLoop forwards bus events. Events this connection produced are not
// echoed back to it.
func (c *serverConn) writeLoop() {
	for {
		e, err := c.sub.Next(c.ctx)
		if err != nil {
			return
		}
		if e.Origin == c.id {
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := c.write(Message{Type: MsgRAGEvent, Data: data}); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				c.server.logger.Debug("failed to write event", zap.String("conn_id", c.id), zap.Error(err))
			}
			_ = c.ws.Close()
			return
		}
	}
}

func (c *serverConn) pingLoop() {
	t := time.NewTicker(c.server.timings.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			deadline := time.Now().Add(c.server.timings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}
