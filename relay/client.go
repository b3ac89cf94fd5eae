package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"notary-mpc/shared"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxReconnect     = 2 * time.Minute

	eventBuffer  = 64
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second
	writeWait    = 10 * time.Second
)

var (
	// ErrNotConnected is returned by Send while the socket is down.
	ErrNotConnected = errors.New("relay: not connected")

	errClientClosed = errors.New("relay: client closed")
)

// ConnState is the socket state reported through Events.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Event is either a message from the relay or a state change.
type Event struct {
	Message *Message
	State   ConnState
	Err     error
}

// ClientConfig configures a relay Client.
type ClientConfig struct {
	URL    string
	Header http.Header
	Logger *shared.Logger

	// Reconnect keeps redialing with exponential backoff after the socket
	// drops, for at most MaxReconnect per outage.
	Reconnect    bool
	MaxReconnect time.Duration
}

// Client is a single relay socket. Run owns the connection; Send may be
// called from any goroutine.
type Client struct {
	cfg    ClientConfig
	logger *shared.Logger
	dialer *websocket.Dialer

	events chan Event
	nextID atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxReconnect == 0 {
		cfg.MaxReconnect = DefaultMaxReconnect
	}
	return &Client{
		cfg:    cfg,
		logger: shared.OrNop(cfg.Logger).Named("relay-client"),
		dialer: &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout},
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

// Events delivers relay messages and state changes in arrival order. It is
// closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// URL returns the relay address.
func (c *Client) URL() string { return c.cfg.URL }

// Run connects and reads until ctx ends, Close is called, or the socket
// drops and reconnecting is disabled or gives up.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)
	defer func() {
		select {
		case c.events <- Event{State: StateClosed}:
		default:
		}
	}()

	for {
		c.emit(ctx, Event{State: StateConnecting})
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.emit(ctx, Event{State: StateConnected})
		c.logger.Info("Connected to relay", zap.String("url", c.cfg.URL))

		readErr := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if c.isClosed() || ctx.Err() != nil {
			return nil
		}
		c.emit(ctx, Event{State: StateDisconnected, Err: readErr})
		c.logger.Warn("Relay connection lost", zap.Error(readErr))
		if !c.cfg.Reconnect {
			return fmt.Errorf("%w: %v", shared.ErrConnectionLost, readErr)
		}
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		if c.isClosed() {
			return backoff.Permanent(errClientClosed)
		}
		ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = ws
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.cfg.Reconnect {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 200 * time.Millisecond
		eb.MaxInterval = 10 * time.Second
		eb.MaxElapsedTime = c.cfg.MaxReconnect
		b = eb
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.Debug("Relay dial failed, retrying", zap.Error(err), zap.Duration("next", next))
	})
	if err != nil {
		return nil, shared.NewConnectionError(c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(conn, stopPing)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.closed:
		case <-watchDone:
			return
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Dropping malformed relay frame", zap.Error(err))
			continue
		}
		if !c.emit(ctx, Event{Message: &msg}) {
			return ctx.Err()
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-c.closed:
		return false
	}
}

// Send writes msg, stamping it with the next local request id.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	msg.ID = c.nextID.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrConnectionLost, err)
	}
	return nil
}

// Close stops Run and closes the socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
