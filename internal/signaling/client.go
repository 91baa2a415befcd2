// Package signaling is the client side of the room relay: it joins a room over
// a persistent WebSocket, relays chat lines and call envelopes, and reconnects
// after a flat delay when the socket is lost.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/roomcall/internal/protocol"
	"github.com/1ureka/roomcall/internal/util"
)

const (
	defaultReconnectDelay = 3 * time.Second
	writeWait             = 10 * time.Second
	closeWait             = time.Second
)

var (
	ErrMissingIdentity = errors.New("username and room are required")
	ErrNotConnected    = errors.New("not connected to the room")
)

// State is the connection state of a Client.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Options configures a Client.
type Options struct {
	URL            string // server base URL, e.g. ws://localhost:8000
	Room           string
	Username       string
	ReconnectDelay time.Duration     // flat delay between reconnect attempts; 3s when zero
	Dialer         *websocket.Dialer // websocket.DefaultDialer when nil
}

// TextHandler receives chat lines. mine is set for the local echo of SendText.
type TextHandler func(username, message string, mine bool)

// Client is one participant's session in a room. Handlers must be registered
// before Connect; they run on the reader goroutine, in arrival order.
type Client struct {
	opts     Options
	endpoint string

	onText    TextHandler
	onMessage []func(*protocol.Envelope)
	onState   func(State)

	writeMu sync.Mutex // serializes socket writes
	mu      sync.RWMutex
	conn    *websocket.Conn
	state   State

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates opts and prepares a client. Nothing is dialed until Connect.
func New(opts Options) (*Client, error) {
	opts.Room = strings.TrimSpace(opts.Room)
	opts.Username = strings.TrimSpace(opts.Username)
	if opts.Room == "" || opts.Username == "" {
		return nil, ErrMissingIdentity
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	endpoint, err := roomEndpoint(opts.URL, opts.Room)
	if err != nil {
		return nil, err
	}

	return &Client{
		opts:     opts,
		endpoint: endpoint,
		state:    StateConnecting,
		done:     make(chan struct{}),
	}, nil
}

// Username returns the display name this client joined with.
func (c *Client) Username() string { return c.opts.Username }

// Room returns the joined room.
func (c *Client) Room() string { return c.opts.Room }

// Endpoint returns the socket URL of the room.
func (c *Client) Endpoint() string { return c.endpoint }

// OnText registers the chat line handler.
func (c *Client) OnText(fn TextHandler) { c.onText = fn }

// OnMessage registers a handler for every valid non-text envelope.
func (c *Client) OnMessage(fn func(*protocol.Envelope)) {
	c.onMessage = append(c.onMessage, fn)
}

// OnStateChange registers a handler for connection state transitions.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the client has stopped for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect dials the room, sends the join envelope and starts the session loop
// in the background. The first dial must succeed; later losses are retried
// every ReconnectDelay until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx != nil {
		return errors.New("signaling: Connect called twice")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial(c.ctx)
	if err != nil {
		c.cancel()
		c.setState(StateClosed)
		close(c.done)
		return err
	}
	if err := c.attach(conn); err != nil {
		conn.Close()
		c.cancel()
		c.setState(StateClosed)
		close(c.done)
		return err
	}

	go c.run(conn)
	return nil
}

// Close stops reconnecting, closes the socket and waits for the session loop to exit.
func (c *Client) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(closeWait))
		c.writeMu.Unlock()
		conn.Close()
	}

	<-c.done
	return nil
}

// SendText sends a chat line. Blank lines are ignored. A sent line is echoed
// to the text handler with mine set.
func (c *Client) SendText(message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}

	err := c.Send(&protocol.Envelope{
		Type:     protocol.TypeText,
		Username: c.opts.Username,
		Message:  message,
	})
	if err != nil {
		return err
	}

	if c.onText != nil {
		c.onText(c.opts.Username, message, true)
	}
	return nil
}

// Send writes an envelope to the room.
func (c *Client) Send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn, state := c.conn, c.state
	c.mu.RUnlock()
	if conn == nil || state != StateOpen {
		return ErrNotConnected
	}

	if err := c.write(conn, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Type, err)
	}
	util.Stats.AddSent()
	return nil
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// dial opens a socket to the room endpoint.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	return conn, nil
}

// attach makes conn the active socket and announces us to the room.
func (c *Client) attach(conn *websocket.Conn) error {
	join, err := protocol.Encode(&protocol.Envelope{
		Type:     protocol.TypeJoin,
		Room:     c.opts.Room,
		Username: c.opts.Username,
	})
	if err != nil {
		return err
	}
	if err := c.write(conn, join); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}
	util.Stats.AddSent()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)
	return nil
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// run reads from conn until it fails, then reconnects after the flat delay.
func (c *Client) run(conn *websocket.Conn) {
	defer func() {
		c.detach()
		c.setState(StateClosed)
		close(c.done)
	}()

	for {
		// Unblocks the read loop when the client is stopped.
		stop := context.AfterFunc(c.ctx, func() { conn.Close() })
		err := c.watch(conn)
		stop()
		conn.Close()
		c.detach()

		if c.ctx.Err() != nil {
			return
		}
		util.LogWarning("disconnected from room %s (%v), reconnecting in %s", c.opts.Room, err, c.opts.ReconnectDelay)
		c.setState(StateConnecting)

		conn = c.reconnect()
		if conn == nil {
			return
		}
		util.Stats.AddReconnect()
		util.LogSuccess("reconnected to room %s", c.opts.Room)
	}
}

// reconnect retries every ReconnectDelay until a socket is attached. It
// returns nil once the client is stopping.
func (c *Client) reconnect() *websocket.Conn {
	timer := time.NewTimer(c.opts.ReconnectDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			return nil
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			if err = c.attach(conn); err == nil {
				return conn
			}
			conn.Close()
		}
		if c.ctx.Err() != nil {
			return nil
		}
		util.LogDebug("reconnect failed: %v", err)
		timer.Reset(c.opts.ReconnectDelay)
	}
}

// watch dispatches every frame read from conn until the read fails.
func (c *Client) watch(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		util.Stats.AddRecv()

		env, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("dropping frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	if err := env.Validate(); err != nil {
		util.LogWarning("dropping %s: %v", env.Type, err)
		return
	}

	switch env.Type {
	case protocol.TypeText:
		// Our own lines were already shown by SendText.
		if env.Username == c.opts.Username {
			return
		}
		if c.onText != nil {
			c.onText(env.Username, env.Message, false)
		}

	case protocol.TypeJoin:
		util.LogInfo("%s joined room %s", env.Username, c.opts.Room)

	default:
		for _, fn := range c.onMessage {
			fn(env)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.onState != nil {
		c.onState(s)
	}
}
