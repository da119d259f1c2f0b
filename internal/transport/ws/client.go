package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quizlive/internal/discovery"
	"quizlive/internal/domain"
	"quizlive/internal/wire"
)

// EventKind classifies what a Client observed.
type EventKind string

const (
	EventSnapshot       EventKind = "snapshot"
	EventAttemptAck     EventKind = "attemptAck"
	EventKicked         EventKind = "kicked"
	EventError          EventKind = "error"
	EventReconnecting   EventKind = "reconnecting"
	EventReconnected    EventKind = "reconnected"
	EventConnectionLost EventKind = "connectionLost"
)

// Event is delivered on Client.Events.
type Event struct {
	Kind     EventKind
	Snapshot domain.Snapshot
	Ack      wire.AttemptAck
	Error    wire.Error
	JoinAck  wire.JoinAck
	// Attempt is the reconnect attempt number for EventReconnecting.
	Attempt int
	Err     error
}

// ClientConfig tunes the participant connection.
type ClientConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxReconnects    int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	EventBuffer      int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		MaxReconnects:    5,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       10 * time.Second,
		EventBuffer:      64,
	}
}

var errKicked = errors.New("kicked from session")

// Client is a participant connection to a host. It reconnects on its own
// after a transport failure and reports what happened on Events.
type Client struct {
	cfg    ClientConfig
	desc   discovery.Descriptor
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event

	mu      sync.Mutex
	hello   wire.Hello
	joinAck wire.JoinAck
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Connect dials the host described by desc and performs the Hello
// handshake. A refused handshake returns a *domain.JoinRejection.
func Connect(ctx context.Context, desc discovery.Descriptor, hello wire.Hello, cfg ClientConfig) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if hello.Token == "" {
		hello.Token = desc.Token()
	}
	if hello.JoinCode == "" {
		hello.JoinCode = desc.JoinCode()
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		desc:   desc,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		ctx:    cctx,
		cancel: cancel,
		events: make(chan Event, cfg.EventBuffer),
		hello:  hello,
	}

	conn, ack, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if !ack.Accepted {
		cancel()
		return nil, domain.RejectJoin(ack.Reason)
	}
	c.attach(conn, ack)
	go c.loop(conn)
	return c, nil
}

// Events streams what the client observes. The channel is closed once the
// client stops for good: kicked, connection lost or Close.
func (c *Client) Events() <-chan Event { return c.events }

// JoinAck returns the acknowledgement of the latest successful handshake.
func (c *Client) JoinAck() wire.JoinAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinAck
}

// UID is the participant id assigned by the host.
func (c *Client) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello.UID
}

// SendAttempt submits an answer and reports whether it was written to the
// socket. The outcome arrives later as an EventAttemptAck. Missing attempt
// ids and nonces are generated.
func (c *Client) SendAttempt(sub domain.AttemptSubmission) bool {
	c.mu.Lock()
	conn, uid := c.conn, c.hello.UID
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	if sub.AttemptID == "" {
		sub.AttemptID = uuid.NewString()
	}
	if sub.Nonce == "" {
		sub.Nonce = uuid.NewString()
	}
	m, err := wire.NewAttemptSubmit(sub.AttemptID, uid, sub.QuestionID, sub.Selected, sub.TimeMs, sub.Nonce)
	if err != nil {
		return false
	}
	if err := c.write(conn, m); err != nil {
		log.Warn().Err(err).Str("attempt_id", sub.AttemptID).Msg("send attempt failed")
		return false
	}
	return true
}

// Close disconnects without reconnecting.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
	return conn.Close()
}

func (c *Client) write(conn *websocket.Conn, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// dial opens a socket and runs the handshake. A rejected handshake is
// returned as a JoinAck with Accepted unset and a closed socket.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, wire.JoinAck, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dctx, c.desc.URL(), nil)
	if err != nil {
		return nil, wire.JoinAck{}, fmt.Errorf("dial %s: %w", c.desc.URL(), err)
	}

	c.mu.Lock()
	hello := c.hello
	c.mu.Unlock()
	if err := c.write(conn, hello); err != nil {
		_ = conn.Close()
		return nil, wire.JoinAck{}, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, wire.JoinAck{}, fmt.Errorf("await join ack: %w", err)
	}
	msg, err := wire.Parse(data)
	if err != nil {
		_ = conn.Close()
		return nil, wire.JoinAck{}, err
	}
	switch m := msg.(type) {
	case wire.JoinAck:
		if !m.Accepted {
			_ = conn.Close()
		}
		return conn, m, nil
	case wire.Error:
		_ = conn.Close()
		return nil, wire.JoinAck{}, fmt.Errorf("handshake failed: %s: %s", m.Code, m.Message)
	default:
		_ = conn.Close()
		return nil, wire.JoinAck{}, fmt.Errorf("handshake failed: unexpected %s", msg.Kind())
	}
}

func (c *Client) attach(conn *websocket.Conn, ack wire.JoinAck) {
	readTimeout := c.cfg.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.joinAck = ack
	c.hello.UID = ack.UID
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) loop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		err := c.consume(conn)
		c.detach()
		_ = conn.Close()
		if errors.Is(err, errKicked) || c.ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("uid", c.UID()).Msg("connection to host dropped")

		next, err := c.reconnect()
		if err != nil {
			if c.ctx.Err() == nil {
				c.emit(Event{Kind: EventConnectionLost, Err: err})
			}
			return
		}
		conn = next
	}
}

func (c *Client) consume(conn *websocket.Conn) error {
	uid := c.UID()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		msg, err := wire.Parse(data)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed message from host")
			continue
		}
		switch m := msg.(type) {
		case wire.Snapshot:
			c.emit(Event{Kind: EventSnapshot, Snapshot: m.Snapshot})
		case wire.AttemptAck:
			c.emit(Event{Kind: EventAttemptAck, Ack: m})
		case wire.Kick:
			if m.UID == uid {
				c.emit(Event{Kind: EventKicked})
				return errKicked
			}
		case wire.Error:
			c.emit(Event{Kind: EventError, Error: m})
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	if c.cfg.MaxReconnects <= 0 {
		return nil, errors.New("reconnect disabled")
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var (
		attempt int
		conn    *websocket.Conn
		ack     wire.JoinAck
	)
	op := func() error {
		attempt++
		c.emit(Event{Kind: EventReconnecting, Attempt: attempt})
		cn, a, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		if !a.Accepted {
			return backoff.Permanent(domain.RejectJoin(a.Reason))
		}
		conn, ack = cn, a
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxReconnects-1)), c.ctx)
	if err := backoff.Retry(op, policy); err != nil {
		log.Warn().Err(err).Int("attempts", attempt).Msg("giving up on host connection")
		return nil, err
	}

	c.attach(conn, ack)
	c.emit(Event{Kind: EventReconnected, JoinAck: ack})
	log.Info().Str("uid", ack.UID).Int("attempts", attempt).Msg("reconnected to host")
	return conn, nil
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}
