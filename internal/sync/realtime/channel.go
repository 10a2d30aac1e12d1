// Package realtime maintains the duplex push channel to the coordinator.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/legacyguard/stronghold/backend/internal/errors"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
)

// State is the connection state of the channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives typed messages and state transitions. Calls are made from
// the channel goroutine, one at a time.
type Handler interface {
	HandleEntityUpdated(ctx context.Context, entity *models.SyncEntity)
	HandleEntityDeleted(ctx context.Context, tombstone *models.Tombstone)
	HandleConflictDetected(ctx context.Context, conflict *models.SyncConflict)
	HandleSyncRequested(ctx context.Context)
	HandleStateChange(state State, err error)
}

// Options configure the channel.
type Options struct {
	URL            string
	Token          string
	DeviceID       string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	// Keepalive; zero values use 30s ping, 60s pong wait and 10s write wait.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Channel connects to the coordinator and reconnects after a fixed delay
// while the online predicate holds. It never touches entity state.
type Channel struct {
	opts    Options
	handler Handler
	online  func() bool
	dialer  *websocket.Dialer

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewChannel creates a channel. online defaults to always true.
func NewChannel(opts Options, handler Handler, online func() bool) *Channel {
	opts = opts.withDefaults()
	if online == nil {
		online = func() bool { return true }
	}
	return &Channel{
		opts:    opts,
		handler: handler,
		online:  online,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.ConnectTimeout,
		},
	}
}

// Start launches the connect loop. Calling it twice is a no-op.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Close stops the loop and waits for it to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.handler != nil {
		c.handler.HandleStateChange(s, err)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected, nil)

	for {
		if ctx.Err() != nil {
			return
		}

		if c.online() {
			c.setState(StateConnecting, nil)
			conn, err := c.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logging.Warn("Real-time connect failed", map[string]interface{}{
					"url":   c.opts.URL,
					"error": err.Error(),
				})
				c.setState(StateDisconnected, errors.Wrap(errors.ErrChannel, "connect", err))
			} else {
				c.setState(StateConnected, nil)
				err = c.serve(ctx, conn)
				if ctx.Err() != nil {
					return
				}
				c.setState(StateDisconnected, errors.Wrap(errors.ErrChannel, "connection lost", err))
			}
		}

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	q.Set("device_id", c.opts.DeviceID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve reads until the connection fails or ctx is done.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		conn.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive(ctx, conn, stop)
	}()

	conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Real-time read error", map[string]interface{}{"error": err.Error()})
			}
			return err
		}
		c.dispatch(ctx, data)
	}
}

// keepalive pings on an interval and closes the connection when ctx ends.
// Control frames may be written concurrently with reads.
func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn("Invalid real-time message", map[string]interface{}{"error": err.Error()})
		return
	}
	if c.handler == nil {
		return
	}

	switch msg.Type {
	case MessageEntityUpdated:
		if msg.Entity == nil {
			break
		}
		c.handler.HandleEntityUpdated(ctx, msg.Entity)
	case MessageEntityDeleted:
		if msg.Tombstone == nil {
			break
		}
		c.handler.HandleEntityDeleted(ctx, msg.Tombstone)
	case MessageConflictDetected:
		if msg.Conflict == nil {
			break
		}
		c.handler.HandleConflictDetected(ctx, msg.Conflict)
	case MessageSyncRequested:
		c.handler.HandleSyncRequested(ctx)
	default:
		logging.Debug("Ignoring real-time message", map[string]interface{}{"type": string(msg.Type)})
	}
}
