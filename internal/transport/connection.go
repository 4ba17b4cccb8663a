package transport

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lunarc/aika/internal/logger"
	"github.com/lunarc/aika/internal/protocol"
)

// ConnectionState represents the current state of the streaming connection
type ConnectionState int

const (
	// StateDisconnected indicates the connection is not established
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in progress
	StateConnecting
	// StateOpen indicates the connection is established
	StateOpen
	// StateClosing indicates the connection is shutting down
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

// SendError is returned when a frame is dropped because the connection is not
// open. There is no outbound queue; callers needing reliability use the REST
// fallback path instead.
type SendError struct {
	State ConnectionState
}

func (e *SendError) Error() string {
	return fmt.Sprintf("cannot send while connection is %s", e.State)
}

// Config holds connection configuration
type Config struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8900/ws"
	URL string
	// ClientID identifies this app session; generated once if empty
	ClientID string
	// MaxReconnectAttempts is the retry budget after a dropped connection
	MaxReconnectAttempts int
	// ReconnectDelay is the initial delay between reconnection attempts
	ReconnectDelay time.Duration
	// ReconnectMaxDelay caps the exponential backoff
	ReconnectMaxDelay time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig(wsURL string) *Config {
	return &Config{
		URL:                  wsURL,
		ClientID:             uuid.New().String(),
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		ReconnectMaxDelay:    30 * time.Second,
	}
}

// Connection owns one reconnecting websocket shared by every concurrent
// logical operation in the app. Frames lost while disconnected are not
// replayed; durability is pushed to callers.
type Connection struct {
	cfg *Config
	log *logger.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	state  atomic.Int32 // ConnectionState

	// Inbound frames are handed to the frame handler, one at a time,
	// from the read pump goroutine.
	frameHandler   func(*protocol.Envelope)
	frameHandlerMu sync.RWMutex

	outgoing chan *protocol.Envelope

	reconnectAttempts int
	reconnectMu       sync.Mutex
	reconnectTimer    *time.Timer

	closed atomic.Bool
}

// NewConnection creates a connection. Connect must be called to establish it.
func NewConnection(cfg *Config) *Connection {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}

	c := &Connection{
		cfg:      cfg,
		log:      logger.Global().WithPrefix("transport"),
		outgoing: make(chan *protocol.Envelope, 256),
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// ClientID returns the id embedded in the connection target
func (c *Connection) ClientID() string {
	return c.cfg.ClientID
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsOpen returns true when frames can be sent
func (c *Connection) IsOpen() bool {
	return c.State() == StateOpen
}

// SetFrameHandler sets the sink for inbound envelopes. The router installs
// itself here; transport never interprets frame contents.
func (c *Connection) SetFrameHandler(fn func(*protocol.Envelope)) {
	c.frameHandlerMu.Lock()
	c.frameHandler = fn
	c.frameHandlerMu.Unlock()
}

// Connect dials the websocket endpoint. It is a no-op if the connection is
// already open or currently connecting.
func (c *Connection) Connect() error {
	if c.closed.Load() {
		return fmt.Errorf("connection is closed")
	}

	state := c.State()
	if state == StateOpen || state == StateConnecting {
		return nil
	}

	c.state.Store(int32(StateConnecting))

	target, err := c.dialTarget()
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		c.log.Warn("Dial failed: %v", err)
		c.scheduleReconnect()
		return fmt.Errorf("failed to dial %s: %w", target, err)
	}

	done := make(chan struct{})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// Successful open resets the retry budget
	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()

	c.state.Store(int32(StateOpen))
	c.log.Info("Connected to %s as client %s", c.cfg.URL, c.cfg.ClientID)

	go c.readPump(conn, done)
	go c.writePump(conn, done)

	return nil
}

// dialTarget builds the endpoint URL with the client id embedded
func (c *Connection) dialTarget() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid websocket URL %q: %w", c.cfg.URL, err)
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send transmits an envelope if the connection is open. Otherwise the frame
// is dropped with a warning and a SendError is returned.
func (c *Connection) Send(env *protocol.Envelope) error {
	state := c.State()
	if state != StateOpen {
		c.log.Warn("Dropping %s frame, connection is %s", env.Type, state)
		return &SendError{State: state}
	}

	select {
	case c.outgoing <- env:
		return nil
	default:
		c.log.Warn("Outgoing buffer full, dropping %s frame", env.Type)
		return &SendError{State: state}
	}
}

// Close shuts the connection down permanently. No reconnection is attempted
// after Close.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.state.Store(int32(StateClosing))

	c.reconnectMu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	}

	c.state.Store(int32(StateDisconnected))
	return nil
}

// readPump reads frames until the connection drops. Malformed frames are
// logged and dropped, never surfaced upward.
func (c *Connection) readPump(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		conn.Close()
		c.handleDisconnect()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error("Read error: %v", err)
			}
			return
		}

		env, err := protocol.ParseEnvelope(message)
		if err != nil {
			c.log.Warn("Dropping malformed frame: %v", err)
			continue
		}

		c.frameHandlerMu.RLock()
		handler := c.frameHandler
		c.frameHandlerMu.RUnlock()

		if handler != nil {
			handler(env)
		}
	}
}

// writePump writes outgoing frames and periodic pings
func (c *Connection) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case env := <-c.outgoing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				c.log.Error("Write error: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleDisconnect marks the connection down and schedules a reconnect while
// the retry budget lasts
func (c *Connection) handleDisconnect() {
	if c.closed.Load() {
		return
	}

	c.state.Store(int32(StateDisconnected))
	c.log.Info("Connection lost")
	c.scheduleReconnect()
}

// scheduleReconnect arms a reconnect timer with exponential backoff. The
// attempt counter only resets on a successful open.
func (c *Connection) scheduleReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.closed.Load() {
		return
	}

	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		c.log.Warn("Reconnect budget exhausted after %d attempts", c.reconnectAttempts)
		return
	}

	delay := backoffDelay(c.reconnectAttempts, c.cfg.ReconnectDelay, c.cfg.ReconnectMaxDelay)
	c.reconnectAttempts++

	c.log.Info("Reconnecting in %s (attempt %d/%d)", delay, c.reconnectAttempts, c.cfg.MaxReconnectAttempts)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		if c.closed.Load() {
			return
		}
		if err := c.Connect(); err != nil {
			c.log.Warn("Reconnect attempt failed: %v", err)
		}
	})
}

// ReconnectAttempts returns the current reconnect attempt counter
func (c *Connection) ReconnectAttempts() int {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	return c.reconnectAttempts
}

// backoffDelay computes min(base * 2^attempt, max)
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
