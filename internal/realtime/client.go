package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "rag-tutor/internal/errors"
	"rag-tutor/internal/events"
	"rag-tutor/internal/models"
)

// State is a client connection state. Transitions are
// Connecting -> Open -> (Closing | Lost) -> Closed, and Lost -> Connecting
// after the reconnect backoff.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateLost
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateLost:
		return "lost"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client keeps a websocket connection to the server alive, reconnecting after
// failures until its context ends or the server closes the channel cleanly.
type Client struct {
	url     string
	timings Timings
	dialer  *websocket.Dialer
	logger  *zap.Logger
	bus     events.Publisher
	onState func(State)
	onEvent func(models.Event)

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex
}

type ClientOption func(*Client)

// WithPublisher reports state transitions as connection events.
func WithPublisher(p events.Publisher) ClientOption {
	return func(c *Client) { c.bus = p }
}

func WithStateHandler(fn func(State)) ClientOption {
	return func(c *Client) { c.onState = fn }
}

// WithEventHandler receives every rag_event from the server.
func WithEventHandler(fn func(models.Event)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func NewClient(url string, timings Timings, opts ...ClientOption) *Client {
	c := &Client{
		url:     url,
		timings: timings.withDefaults(),
		dialer:  websocket.DefaultDialer,
		logger:  zap.NewNop(),
		state:   StateClosed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NewSession asks the server to start a fresh session.
func (c *Client) NewSession() error {
	return c.send(Message{Type: MsgNewSession})
}

// SendEvent publishes e on the server's event bus.
func (c *Client) SendEvent(e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.send(Message{Type: MsgClientEvent, Data: data})
}

// Close stops a running client. Run returns once the connection is closed.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateOpen || conn == nil {
		return apperrors.ErrChannelLost.WithMessage("realtime channel is " + state.String())
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.timings.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return apperrors.ErrChannelLost.WithCause(err)
	}
	return nil
}

func (c *Client) setState(s State, detail string) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("realtime client state", zap.String("state", s.String()), zap.String("detail", detail))
	if c.bus != nil {
		typ := models.EventInfo
		switch s {
		case StateOpen:
			typ = models.EventSuccess
		case StateLost:
			typ = models.EventWarning
		}
		msg := "Realtime channel " + s.String()
		if detail != "" {
			msg += ": " + detail
		}
		c.bus.Emit(models.PhaseConnection, typ, msg)
	}
	if c.onState != nil {
		c.onState(s)
	}
}

type outcome int

const (
	outcomeCancelled outcome = iota
	outcomeRemoteClosed
	outcomeLost
)

// Run connects and serves the channel until ctx is done, Close is called, or
// the server closes the connection with a normal or going-away frame. A lost
// connection is retried after the backoff.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for {
		c.setState(StateConnecting, c.url)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateClosed, "")
				return nil
			}
			c.setState(StateLost, err.Error())
		} else {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setState(StateOpen, "")

			out, detail := c.serve(ctx, conn)

			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()

			switch out {
			case outcomeCancelled:
				c.setState(StateClosed, "")
				return nil
			case outcomeRemoteClosed:
				c.setState(StateClosed, detail)
				return nil
			}
			c.setState(StateLost, detail)
		}

		t := time.NewTimer(c.timings.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(StateClosed, "")
			return nil
		case <-t.C:
		}
	}
}

// serve runs one connection: a reader goroutine plus the heartbeat loop.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (outcome, string) {
	readErr := make(chan error, 1)
	pongs := make(chan struct{}, 1)
	go c.read(conn, pongs, readErr)

	finish := func(out outcome, detail string) (outcome, string) {
		_ = conn.Close()
		<-readErr
		return out, detail
	}

	if err := c.send(Message{Type: MsgPing}); err != nil {
		return finish(outcomeLost, err.Error())
	}
	awaiting := true
	ack := time.NewTimer(c.timings.AckTimeout)
	defer ack.Stop()
	heartbeat := time.NewTicker(c.timings.PingInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			c.setState(StateClosing, "")
			c.writeMu.Lock()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.timings.WriteTimeout))
			c.writeMu.Unlock()
			select {
			case <-readErr:
				_ = conn.Close()
				return outcomeCancelled, ""
			case <-time.After(c.timings.WriteTimeout):
			}
			return finish(outcomeCancelled, "")

		case err := <-readErr:
			_ = conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return outcomeRemoteClosed, "closed by server"
			}
			return outcomeLost, err.Error()

		case <-pongs:
			awaiting = false
			ack.Stop()

		case <-heartbeat.C:
			if awaiting {
				continue
			}
			if err := c.send(Message{Type: MsgPing}); err != nil {
				return finish(outcomeLost, err.Error())
			}
			awaiting = true
			ack.Reset(c.timings.AckTimeout)

		case <-ack.C:
			if awaiting {
				return finish(outcomeLost, "no pong within ack timeout")
			}
		}
	}
}

func (c *Client) read(conn *websocket.Conn, pongs chan<- struct{}, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed server message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case MsgPong:
			select {
			case pongs <- struct{}{}:
			default:
			}
		case MsgRAGEvent:
			var e models.Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				c.logger.Debug("ignoring malformed event", zap.Error(err))
				continue
			}
			if c.onEvent != nil {
				c.onEvent(e)
			}
		}
	}
}
