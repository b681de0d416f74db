package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/domain"
)

var (
	ErrAlreadyConnected = errors.New("signaling already connected")
	errConnClosed       = errors.New("connection closed")
)

type Identity struct {
	UserID domain.UserID
	Token  string
}

// ClosedEvent describes a lost relay connection. Terminal closes never
// retry; GaveUp marks a terminal close caused by exhausted retries.
type ClosedEvent struct {
	Terminal bool
	GaveUp   bool
	Attempt  int
	Err      error
}

type Options struct {
	URL             string
	HeartbeatPeriod time.Duration
	WriteWait       time.Duration
	ReadLimit       int64
	SendBuffer      int
	Policy          app.ReconnectPolicy
	Dialer          *websocket.Dialer
	Clock           clock.Clock
}

func (o *Options) defaults() {
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.Policy == nil {
		o.Policy = app.DefaultPolicy()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Client is the reconnecting duplex channel to the relay.
type Client struct {
	opts Options

	mu       sync.RWMutex
	conn     *wsConn
	identity Identity
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}

	onEnvelope func(domain.Envelope)
	onPresence func(domain.PresenceEvent)
	onSocial   func(domain.SocialEvent)
	onOpen     func()
	onClosed   func(ClosedEvent)
}

func NewClient(opts Options) *Client {
	opts.defaults()
	return &Client{opts: opts}
}

func (c *Client) OnEnvelope(fn func(domain.Envelope))      { c.mu.Lock(); c.onEnvelope = fn; c.mu.Unlock() }
func (c *Client) OnPresence(fn func(domain.PresenceEvent)) { c.mu.Lock(); c.onPresence = fn; c.mu.Unlock() }
func (c *Client) OnSocial(fn func(domain.SocialEvent))     { c.mu.Lock(); c.onSocial = fn; c.mu.Unlock() }
func (c *Client) OnOpen(fn func())                         { c.mu.Lock(); c.onOpen = fn; c.mu.Unlock() }
func (c *Client) OnClosed(fn func(ClosedEvent))            { c.mu.Lock(); c.onClosed = fn; c.mu.Unlock() }

// Connect starts the connection supervisor in the background. Progress is
// reported through OnOpen and OnClosed.
func (c *Client) Connect(ctx context.Context, id Identity) error {
	if err := id.UserID.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.started = true
	c.identity = id
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close is the caller-initiated (logout) close: terminal, no retries.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send never blocks on reconnection: it fails with
// domain.ErrChannelUnavailable while no relay connection is up.
func (c *Client) Send(env domain.Envelope) error {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return domain.ErrChannelUnavailable
	}
	if err := conn.TrySend(data); err != nil {
		if errors.Is(err, errConnClosed) {
			return domain.ErrChannelUnavailable
		}
		return err
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	backoff := app.NewBackoff(c.opts.Policy)

	for {
		err := c.session(ctx, backoff)
		if ctx.Err() != nil {
			log.Info().Str("module", "signal").Msg("relay connection closed by caller")
			c.emitClosed(ClosedEvent{Terminal: true, Err: err})
			return
		}

		delay, ok := backoff.Next()
		ev := ClosedEvent{Attempt: backoff.Attempt(), Err: err}
		if !ok {
			ev.Terminal, ev.GaveUp = true, true
			log.Error().Err(err).Str("module", "signal").Int("attempt", ev.Attempt).Msg("relay unreachable, giving up")
			c.emitClosed(ev)
			return
		}
		log.Warn().Err(err).Str("module", "signal").Int("attempt", ev.Attempt).Dur("retry_in", delay).Msg("relay connection lost")
		c.emitClosed(ev)

		select {
		case <-ctx.Done():
			c.emitClosed(ClosedEvent{Terminal: true, Err: ctx.Err()})
			return
		case <-c.opts.Clock.After(delay):
		}
	}
}

func (c *Client) session(ctx context.Context, backoff *app.Backoff) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	backoff.Reset()

	conn := newWSConn(ws, c.opts.SendBuffer)
	c.mu.Lock()
	c.conn = conn
	onOpen := c.onOpen
	c.mu.Unlock()

	log.Info().Str("module", "signal").Str("url", c.opts.URL).Msg("relay connected")
	if onOpen != nil {
		onOpen()
	}

	err = c.serve(ctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.RLock()
	id := c.identity
	c.mu.RUnlock()

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", id.Token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)
	ws, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (c *Client) emitClosed(ev ClosedEvent) {
	c.mu.RLock()
	fn := c.onClosed
	c.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// wsConn owns one websocket; writes go through the send buffer.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn, buffer int) *wsConn {
	return &wsConn{conn: conn, send: make(chan []byte, buffer)}
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
	default:
		return app.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
