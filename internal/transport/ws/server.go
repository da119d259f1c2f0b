// Package ws carries the session protocol over websockets: the host side
// Server and the participant side Client.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quizlive/internal/app"
	"quizlive/internal/domain"
	"quizlive/internal/wire"
)

// Host is the part of the host service the transport drives.
type Host interface {
	Admit(ctx context.Context, req app.JoinRequest) (*app.Session, domain.Participant, error)
	Submit(ctx context.Context, sessionID string, sub domain.AttemptSubmission) (domain.AttemptResult, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.Snapshot, func(), error)
	MarkDisconnected(ctx context.Context, sessionID, uid string)
}

// Config holds websocket connection settings.
type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	HelloTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		HelloTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueueSize:  64,
	}
}

// Server accepts participant connections for every session of a Host.
type Server struct {
	host     Host
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
	// live counts open connections per participant so a stale socket
	// closing after a reconnect does not mark the participant offline.
	live map[string]int
}

func NewServer(host Host, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = def.HelloTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	return &Server{
		host: host,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Participants connect from arbitrary LAN devices.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
		live:  make(map[string]int),
	}
}

// ServeWS upgrades the request and runs the Hello handshake. The connection
// is bound to the admitted participant until it drops or is kicked.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	ctx := r.Context()
	session, p, ok := s.handshake(ctx, conn)
	if !ok {
		_ = conn.Close()
		return
	}

	c := &connection{
		id:        uuid.NewString(),
		server:    s,
		conn:      conn,
		sessionID: session.ID(),
		uid:       p.UID,
		send:      newSendQueue(s.cfg.SendQueueSize),
		done:      make(chan struct{}),
	}
	s.track(c)
	c.run(ctx, p)
}

// Close drops every open connection. Participants stay in their sessions
// and may reconnect.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	s.live[c.key()]++
}

// untrack forgets c and returns how many connections the same participant
// still has open.
func (s *Server) untrack(c *connection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	key := c.key()
	s.live[key]--
	remaining := s.live[key]
	if remaining <= 0 {
		delete(s.live, key)
	}
	return remaining
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*app.Session, domain.Participant, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HelloTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Info().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("no hello received")
		return nil, domain.Participant{}, false
	}
	msg, err := wire.Parse(data)
	hello, isHello := msg.(wire.Hello)
	if err != nil || !isHello {
		s.reject(conn, wire.Error{Code: wire.CodeUnauthenticated, Message: "expected hello"})
		return nil, domain.Participant{}, false
	}

	session, p, err := s.host.Admit(ctx, app.JoinRequest{
		Token:    hello.Token,
		JoinCode: hello.JoinCode,
		UID:      hello.UID,
		Nickname: hello.Nickname,
		Avatar:   hello.Avatar,
	})
	if err != nil {
		reason, ok := app.IsRejection(err)
		if !ok {
			log.Error().Err(err).Msg("admit participant")
			reason = "session unavailable"
		}
		s.reject(conn, wire.JoinAck{Accepted: false, Reason: reason})
		return nil, domain.Participant{}, false
	}
	return session, p, true
}

// reject answers a failed handshake directly; no writer is running yet.
func (s *Server) reject(conn *websocket.Conn, m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		return
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "handshake rejected"), deadline)
}

type connection struct {
	id        string
	server    *Server
	conn      *websocket.Conn
	sessionID string
	uid       string
	send      *sendQueue
	done      chan struct{}
	kicked    atomic.Bool
}

func (c *connection) key() string { return c.sessionID + "/" + c.uid }

func (c *connection) run(ctx context.Context, p domain.Participant) {
	logger := log.With().Str("connection_id", c.id).Str("session_id", c.sessionID).Str("uid", c.uid).Logger()

	updates, cancel, err := c.server.host.Subscribe(ctx, c.sessionID)
	if err != nil {
		c.server.untrack(c)
		c.server.reject(c.conn, wire.Error{Code: wire.CodeNotFound, Message: err.Error()})
		_ = c.conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()
	c.enqueue(wire.JoinAck{
		Accepted:    true,
		UID:         p.UID,
		DisplayName: p.Nickname,
		SessionID:   c.sessionID,
	}, false)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		c.forward(updates)
	}()

	logger.Info().Msg("participant connected")
	c.readPump(ctx)

	close(c.done)
	cancel()
	<-forwardDone
	c.send.close()
	<-writerDone
	_ = c.conn.Close()

	remaining := c.server.untrack(c)
	switch {
	case c.kicked.Load():
		logger.Info().Msg("kicked participant disconnected")
	case remaining > 0:
		logger.Info().Msg("stale connection closed")
	default:
		c.server.host.MarkDisconnected(context.Background(), c.sessionID, c.uid)
	}
}

// forward relays session snapshots. A snapshot that no longer lists the
// participant means it was kicked.
func (c *connection) forward(updates <-chan domain.Snapshot) {
	for {
		select {
		case <-c.done:
			return
		case snap, ok := <-updates:
			if !ok {
				select {
				case <-c.done:
				default:
					c.enqueue(wire.Error{Code: wire.CodeNotFound, Message: "session closed"}, true)
				}
				return
			}
			if !snap.HasParticipant(c.uid) {
				c.kicked.Store(true)
				c.enqueue(wire.Kick{UID: c.uid}, true)
				return
			}
			c.enqueue(wire.Snapshot{Snapshot: snap}, false)
		}
	}
}

func (c *connection) enqueue(m wire.Message, final bool) {
	data, err := wire.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("encode outbound message")
		return
	}
	if c.send.push(frame{data: data, final: final}) {
		log.Warn().Str("connection_id", c.id).Str("uid", c.uid).Msg("slow connection, dropped oldest outbound message")
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-c.send.frames():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				log.Info().Err(err).Str("connection_id", c.id).Msg("ws write failed")
				_ = c.conn.Close()
				return
			}
			if f.final {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *connection) readPump(ctx context.Context) {
	readTimeout := c.server.cfg.ReadTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info().Err(err).Str("connection_id", c.id).Msg("ws read failed")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.handle(ctx, data)
	}
}

func (c *connection) handle(ctx context.Context, data []byte) {
	msg, err := wire.Parse(data)
	if err != nil {
		c.enqueue(wire.Error{Code: wire.CodeBadRequest, Message: err.Error()}, false)
		return
	}
	switch m := msg.(type) {
	case wire.AttemptSubmit:
		c.submit(ctx, m)
	case wire.Hello:
		c.enqueue(wire.Error{Code: wire.CodeBadRequest, Message: "already joined"}, false)
	default:
		c.enqueue(wire.Error{Code: wire.CodeBadRequest, Message: "unsupported message type"}, false)
	}
}

func (c *connection) submit(ctx context.Context, m wire.AttemptSubmit) {
	if m.UID != "" && m.UID != c.uid {
		c.enqueue(wire.Error{Code: wire.CodeUnauthenticated, Message: "uid does not match connection"}, false)
		return
	}
	m.UID = c.uid
	sub, err := m.Submission()
	if err != nil {
		c.enqueue(wire.Error{Code: wire.CodeBadRequest, Message: err.Error()}, false)
		return
	}

	res, err := c.server.host.Submit(ctx, c.sessionID, sub)
	switch {
	case err == nil:
		c.enqueue(wire.AttemptAck{AttemptID: m.AttemptID, Accepted: true, Duplicate: res.Duplicate}, false)
	case errors.Is(err, domain.ErrStaleSubmission):
		c.enqueue(wire.AttemptAck{AttemptID: m.AttemptID, Reason: wire.ReasonNotAcceptedNow}, false)
	case errors.Is(err, domain.ErrSessionEnded):
		c.enqueue(wire.AttemptAck{AttemptID: m.AttemptID, Reason: domain.ReasonSessionEnded}, false)
	case errors.Is(err, domain.ErrQuestionNotFound), errors.Is(err, domain.ErrParticipantNotFound), errors.Is(err, domain.ErrSessionNotFound):
		c.enqueue(wire.Error{Code: wire.CodeNotFound, Message: err.Error()}, false)
	default:
		log.Error().Err(err).Str("connection_id", c.id).Str("attempt_id", m.AttemptID).Msg("submit attempt")
		c.enqueue(wire.Error{Code: wire.CodeInternal, Message: "submit failed"}, false)
	}
}
