package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/linluma/tickerfeed/shared/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Option configures a Connection
type Option func(*Connection)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// WithClock sets the clock used for reconnect scheduling
func WithClock(clk clock.Clock) Option {
	return func(c *Connection) { c.clock = clk }
}

// WithDialer overrides the WebSocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Connection) { c.dialer = dialer }
}

// WithExhaustedHandler registers fn to be called once the reconnect budget
// is spent and the connection enters ExhaustedRetries.
func WithExhaustedHandler(fn func(Health)) Option {
	return func(c *Connection) { c.onExhausted = fn }
}

// Connection owns the single socket to the real-time feed. It logs in,
// resubscribes every registered symbol on open, and reconnects on close
// until the retry budget runs out.
type Connection struct {
	cfg         Config
	apiKey      string
	logger      zerolog.Logger
	clock       clock.Clock
	dialer      *websocket.Dialer
	registry    *Registry
	onExhausted func(Health)

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	policy backoff.BackOff
	health Health
	timer  *clock.Timer
	closed bool

	writeMu sync.Mutex
}

// NewConnection creates a feed connection. It does not dial.
func NewConnection(cfg Config, apiKey string, opts ...Option) *Connection {
	c := &Connection{
		cfg:    cfg,
		apiKey: apiKey,
		logger: log.Logger,
		clock:  clock.New(),
		state:  Disconnected,
		policy: newRetryPolicy(cfg.Retry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if c.onExhausted == nil {
		c.onExhausted = func(h Health) {
			c.logger.Error().
				Int("failures", h.FailureCount).
				Msg("❌ feed unavailable: reconnect attempts exhausted")
		}
	}
	c.registry = NewRegistry(c, c.logger)
	return c
}

// Registry returns the subscription registry backing this connection
func (c *Connection) Registry() *Registry {
	return c.registry
}

// Subscribe registers callback for symbol
func (c *Connection) Subscribe(symbol string, callback Callback) (*Subscription, error) {
	return c.registry.Subscribe(symbol, callback)
}

// Unsubscribe removes a subscription
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.registry.Unsubscribe(sub)
}

// Symbols returns the symbols with at least one subscriber
func (c *Connection) Symbols() []string {
	return c.registry.Symbols()
}

// State returns the current connection state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health returns current connection health status
func (c *Connection) Health() Health {
	c.mu.Lock()
	h := c.healthLocked()
	c.mu.Unlock()

	h.Symbols = len(c.registry.Symbols())
	return h
}

// Connect opens the feed socket. It is a no-op while a connection is open or
// being opened. On failure a reconnect is scheduled and the error returned.
func (c *Connection) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

// connect opens the socket. A scheduled reconnect (manual false) gives up
// once Disconnect has been called; only a caller-initiated Connect reopens a
// closed connection.
func (c *Connection) connect(ctx context.Context, manual bool) error {
	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if !manual && c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == ExhaustedRetries {
		c.policy.Reset()
		c.health.RetryAttempt = 0
	}
	c.closed = false
	c.stopTimerLocked()
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	c.logger.Debug().Str("url", c.cfg.URL).Msg("connecting to feed")

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		err = fmt.Errorf("dial feed: %w", err)
		c.handleClose(nil, err)
		return err
	}

	if err := c.writeFrame(conn, models.LoginFrame(c.apiKey)); err != nil {
		conn.Close()
		err = fmt.Errorf("send login: %w", err)
		c.handleClose(nil, err)
		return err
	}

	var (
		opened  bool
		openErr error
	)
	c.registry.withSymbols(func(symbols []string) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.closed || c.state != Connecting {
			openErr = ErrClosed
			return
		}
		if len(symbols) > 0 {
			if err := c.writeFrame(conn, models.SubscribeFrame(symbols...)); err != nil {
				openErr = fmt.Errorf("resubscribe: %w", err)
				return
			}
		}
		c.conn = conn
		c.setStateLocked(Connected)
		c.policy.Reset()
		c.health.RetryAttempt = 0
		opened = true

		c.logger.Info().Strs("symbols", symbols).Msg("✅ feed connected")
	})

	if !opened {
		conn.Close()
		if openErr != ErrClosed {
			c.handleClose(nil, openErr)
		}
		return openErr
	}

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the feed socket and cancels any pending reconnect
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	// socket deadlines are wall-clock, not the scheduling clock
	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	c.logger.Info().Msg("disconnected from feed")
	return conn.Close()
}

// SendIfOpen writes frame when the connection is open. It reports whether
// the frame was written.
func (c *Connection) SendIfOpen(frame models.Frame) bool {
	c.mu.Lock()
	conn := c.conn
	open := c.state == Connected
	c.mu.Unlock()

	if !open || conn == nil {
		return false
	}
	if err := c.writeFrame(conn, frame); err != nil {
		c.logger.Warn().Err(err).Str("event", frame.Event).Msg("failed to send frame")
		return false
	}
	return true
}

func (c *Connection) writeFrame(conn *websocket.Conn, frame models.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteJSON(frame)
}

// readLoop reads frames until the socket fails, then hands over to handleClose.
func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("⚠️ feed closed unexpectedly")
			}
			c.handleClose(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame parses one inbound frame and dispatches its messages. A frame
// may carry a single message object or an array of them; a malformed element
// is logged and skipped without dropping its siblings.
func (c *Connection) handleFrame(data []byte) {
	trimmed := bytes.TrimSpace(data)

	var raws []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			c.logger.Warn().Err(err).Bytes("frame", data).Msg("failed to parse feed frame")
			return
		}
	} else {
		raws = append(raws, json.RawMessage(trimmed))
	}

	for _, raw := range raws {
		var msg models.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Bytes("message", raw).Msg("failed to parse feed message")
			continue
		}
		if msg.Symbol == "" {
			// login acks and status frames carry no symbol
			c.logger.Debug().Bytes("message", raw).Msg("ignoring non-market message")
			continue
		}
		c.registry.Dispatch(msg)
	}
}

// handleClose reacts to a lost or failed socket. conn is nil when the
// failure happened before the socket was opened.
func (c *Connection) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if conn != nil && c.conn != conn {
		// stale reader from a replaced or closed socket
		c.mu.Unlock()
		return
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(Disconnected)
	c.health.FailureCount++
	c.health.LastFailureTime = c.clock.Now()

	delay := c.policy.NextBackOff()
	if delay == backoff.Stop {
		c.setStateLocked(ExhaustedRetries)
		health := c.healthLocked()
		handler := c.onExhausted
		c.mu.Unlock()

		handler(health)
		return
	}

	c.health.RetryAttempt++
	attempt := c.health.RetryAttempt
	c.timer = c.clock.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.logger.Warn().
		Err(cause).
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("feed connection lost, reconnect scheduled")
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()

	if err := c.connect(context.Background(), false); err != nil {
		c.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) setStateLocked(next State) {
	if c.state == next {
		return
	}
	if !c.state.CanTransition(next) {
		c.logger.Warn().
			Stringer("from", c.state).
			Stringer("to", next).
			Msg("illegal feed state transition ignored")
		return
	}
	c.state = next
}

func (c *Connection) healthLocked() Health {
	h := c.health
	h.State = c.state
	return h
}
