package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateShuttingDown
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "disconnected"
	}
}

// StateChange is emitted on every connection state transition.
type StateChange struct {
	Source string
	From   State
	To     State
	Err    error
	At     time.Time
}

const (
	// DefaultMaxAttempts is the consecutive dial failure count after which
	// the client degrades instead of dialing further.
	DefaultMaxAttempts = 10
	// DefaultPingInterval is the keepalive ping cadence.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTolerance multiplies the ping interval into the read
	// deadline, absorbing pongs displaced by other inbound traffic.
	DefaultPongTolerance = 2.0
	// DefaultWriteWait bounds a single socket write.
	DefaultWriteWait = 10 * time.Second
	// DefaultHandshakeTimeout bounds the dial handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultHealthSweepInterval is the cadence of health score sweeps.
	DefaultHealthSweepInterval = 30 * time.Second

	eventBuffer   = 64
	messageBuffer = 256
)

// Config holds the resilience engine configuration for one connection.
type Config struct {
	Name    string
	URL     string
	Headers http.Header

	Backoff BackoffConfig
	Health  HealthConfig

	MaxAttempts         int
	PingInterval        time.Duration
	PongTolerance       float64
	WriteWait           time.Duration
	HandshakeTimeout    time.Duration
	HealthSweepInterval time.Duration

	// ProbeInterval is the slow re-arm cadence while degraded. Defaults to
	// the backoff ceiling.
	ProbeInterval time.Duration

	// Subscribe and Unsubscribe send the exchange-specific frames for a
	// symbol delta. Either may be nil for exchanges that subscribe via the
	// URL. Both are invoked from the connection's own goroutine or from
	// the caller of Subscribe/Unsubscribe, never concurrently with each
	// other for the same delta.
	Subscribe   func(symbols []string) error
	Unsubscribe func(symbols []string) error

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTolerance <= 1 {
		c.PongTolerance = DefaultPongTolerance
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HealthSweepInterval <= 0 {
		c.HealthSweepInterval = DefaultHealthSweepInterval
	}
	return c
}

// Client keeps one exchange stream alive: it owns the socket lifecycle,
// reconnects with categorized backoff, degrades to fallback mode after
// repeated failures instead of failing its caller, and scores connection
// health. All connection state is mutated by the client's own run
// goroutine; a transport failure is never a fatal error.
type Client struct {
	cfg     Config
	backoff *Backoff
	health  *Health
	logger  zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu sync.RWMutex
	state   State

	subsMu sync.Mutex
	subs   map[string]struct{}

	events chan StateChange

	startMu sync.Mutex
	started bool

	done      chan struct{}
	closeOnce sync.Once

	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
}

// NewClient creates a new connection client.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		backoff: NewBackoff(cfg.Backoff),
		health:  NewHealth(cfg.Health),
		logger:  cfg.Logger.With().Str("source", cfg.Name).Logger(),
		state:   StateDisconnected,
		subs:    make(map[string]struct{}),
		events:  make(chan StateChange, eventBuffer),
		done:    make(chan struct{}),
	}
}

// SetHandlers sets the event handlers. Must be called before Start.
func (c *Client) SetHandlers(onMessage func([]byte), onConnect func(), onDisconnect func(error)) {
	c.onMessage = onMessage
	c.onConnect = onConnect
	c.onDisconnect = onDisconnect
}

// Start launches the connection actor. It returns immediately; transport
// failures are handled inside the actor and never surface here.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.closedNow() {
		return ErrClientClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	go c.run(ctx)
	return nil
}

// run is the connection actor loop. It is the sole writer of the socket
// and lifecycle state.
func (c *Client) run(ctx context.Context) {
	for {
		if c.stopping(ctx) {
			c.transition(StateShuttingDown, nil)
			return
		}

		switch c.State() {
		case StateDisconnected:
			c.transition(StateConnecting, nil)

		case StateConnecting:
			if err := c.dial(ctx); err != nil {
				if c.stopping(ctx) {
					continue
				}
				class := Classify(err)
				metrics.RecordReconnect(c.cfg.Name, string(class))

				delay := c.backoff.Next(class, c.health.InstabilityFactor())
				if c.backoff.Attempt() >= c.cfg.MaxAttempts {
					c.logger.Error().Err(err).
						Int("attempts", c.backoff.Attempt()).
						Msg("connection attempts exhausted, entering degraded mode")
					c.transition(StateDegraded, err)
					continue
				}

				c.logger.Warn().Err(err).
					Str("class", string(class)).
					Int("attempt", c.backoff.Attempt()).
					Dur("backoff", delay).
					Msg("connect failed, backing off")
				if !c.sleep(ctx, delay) {
					continue
				}
				continue
			}
			c.afterConnect()

		case StateConnected:
			err := c.serve(ctx)
			c.teardownConn()
			if c.stopping(ctx) {
				continue
			}
			c.health.RecordDisconnect()
			c.logger.Warn().Err(err).
				Int("health_score", c.health.Score()).
				Int("disconnects_in_window", c.health.DisconnectsInWindow()).
				Msg("stream disconnected")
			c.transition(StateDisconnected, err)
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}

		case StateDegraded:
			if !c.sleep(ctx, c.probeInterval()) {
				continue
			}
			c.logger.Info().Msg("probing stream endpoint from degraded mode")
			if err := c.dial(ctx); err != nil {
				c.logger.Debug().Err(err).Msg("degraded probe failed, staying on fallback")
				continue
			}
			c.afterConnect()

		case StateShuttingDown:
			return
		}
	}
}

// afterConnect finalizes a successful dial: resets backoff, publishes the
// state, and replays the desired subscription set.
func (c *Client) afterConnect() {
	c.backoff.Reset()
	c.transition(StateConnected, nil)
	c.logger.Info().Str("url", c.cfg.URL).Msg("stream connected")

	if c.onConnect != nil {
		c.onConnect()
	}
	c.resubscribe()
}

// serve owns one established connection until it fails or the client
// stops. Any inbound traffic refreshes the read deadline; a missed
// keepalive expires it and tears the connection down.
func (c *Client) serve(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	pongWait := c.pongWait()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		c.health.RecordPong()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	msgCh := make(chan []byte, messageBuffer)
	errCh := make(chan error, 1)
	// readerDone is per connection: once serve returns, nothing drains
	// msgCh anymore, so the reader must not stay parked on a full buffer
	// until the whole client closes.
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				select {
				case errCh <- err:
				case <-readerDone:
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			c.health.RecordMessage()
			select {
			case msgCh <- msg:
			case <-readerDone:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()
	healthTicker := time.NewTicker(c.cfg.HealthSweepInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClientClosed
		case <-pingTicker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-healthTicker.C:
			c.health.Sweep()
			metrics.RecordSourceHealth(c.cfg.Name, "cex", float64(c.health.Score()))
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			if c.onMessage != nil {
				c.onMessage(msg)
			}
		}
	}
}

// dial establishes the socket.
func (c *Client) dial(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = c.cfg.HandshakeTimeout

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

// Subscribe adds symbols to the desired subscription set. Already
// subscribed symbols are skipped; frames are only sent for the delta, and
// only while connected. The set is replayed on every reconnect.
func (c *Client) Subscribe(symbols []string) error {
	c.subsMu.Lock()
	added := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := c.subs[s]; !ok {
			c.subs[s] = struct{}{}
			added = append(added, s)
		}
	}
	c.subsMu.Unlock()

	if len(added) == 0 || c.cfg.Subscribe == nil || c.State() != StateConnected {
		return nil
	}
	return c.cfg.Subscribe(added)
}

// Unsubscribe removes symbols from the desired set. Unsubscribing while
// disconnected, or for symbols never subscribed, is a no-op.
func (c *Client) Unsubscribe(symbols []string) error {
	c.subsMu.Lock()
	removed := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if _, ok := c.subs[s]; ok {
			delete(c.subs, s)
			removed = append(removed, s)
		}
	}
	c.subsMu.Unlock()

	if len(removed) == 0 || c.cfg.Unsubscribe == nil || c.State() != StateConnected {
		return nil
	}
	return c.cfg.Unsubscribe(removed)
}

// Subscriptions returns the desired subscription set.
func (c *Client) Subscriptions() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *Client) resubscribe() {
	all := c.Subscriptions()
	if len(all) == 0 || c.cfg.Subscribe == nil {
		return
	}
	if err := c.cfg.Subscribe(all); err != nil {
		c.logger.Error().Err(err).Msg("failed to replay subscriptions")
	}
}

// Send sends a raw text message to the socket.
func (c *Client) Send(data []byte) error {
	return c.writeMessage(websocket.TextMessage, data)
}

// SendJSON sends a JSON message to the socket.
func (c *Client) SendJSON(v interface{}) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteJSON(v)
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// Close shuts the client down. Further error and warning noise for the
// expected closure is suppressed, timers stop, and the socket closes.
// Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transition(StateShuttingDown, nil)
		c.teardownConn()
		c.logger.Info().Msg("connection client closed")
	})
	return nil
}

func (c *Client) teardownConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.conn = nil
}

// Events returns the state change stream. Delivery is best-effort: if the
// buffer is full, transitions are dropped rather than blocking the actor.
func (c *Client) Events() <-chan StateChange {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected reports whether the stream is established.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// IsDegraded reports whether the client gave up dialing and expects its
// adapter to serve reads over the request/response path.
func (c *Client) IsDegraded() bool {
	return c.State() == StateDegraded
}

// HealthScore returns the connection health score, 0-100.
func (c *Client) HealthScore() int {
	return c.health.Score()
}

// Unstable reports whether the connection crossed the disconnect
// threshold inside the rolling window.
func (c *Client) Unstable() bool {
	return c.health.Unstable()
}

// LastMessageAt returns the time of the last inbound traffic.
func (c *Client) LastMessageAt() time.Time {
	return c.health.LastMessage()
}

func (c *Client) transition(to State, err error) {
	c.stateMu.Lock()
	from := c.state
	if from == to {
		c.stateMu.Unlock()
		return
	}
	c.state = to
	c.stateMu.Unlock()

	metrics.RecordConnectionState(c.cfg.Name, int(to))

	select {
	case c.events <- StateChange{
		Source: c.cfg.Name,
		From:   from,
		To:     to,
		Err:    err,
		At:     time.Now(),
	}:
	default:
	}
}

// sleep waits for d, returning false if the client stopped first.
func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) stopping(ctx context.Context) bool {
	if c.closedNow() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Client) closedNow() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) pongWait() time.Duration {
	return time.Duration(float64(c.cfg.PingInterval) * c.cfg.PongTolerance)
}

func (c *Client) probeInterval() time.Duration {
	if c.cfg.ProbeInterval > 0 {
		return c.cfg.ProbeInterval
	}
	return c.backoff.MaxDelay()
}
