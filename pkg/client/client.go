// Package client implements a DDP client: it connects to a DDP server over a
// WebSocket, keeps a local cache of the collections the server publishes, and
// issues subscriptions and remote method calls.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/lightforgemedia/go-ddp/pkg/collection"
	"github.com/lightforgemedia/go-ddp/pkg/message"
)

// ConnectionState is the lifecycle state of a Client's connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// connection is one established transport. A Client owns at most one at a time;
// a reconnect replaces it with a fresh one.
type connection struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // ping loop

	local atomic.Bool   // set when the client itself asked to disconnect
	done  chan struct{} // closed once the dispatcher has torn everything down
	err   error         // read only after done is closed
}

// Client is a DDP client. All methods are safe for concurrent use.
type Client struct {
	config clientConfig
	urlStr string
	id     string // only used to tell clients apart in logs

	store *collection.Store
	ids   *message.IDGenerator
	pings *message.IDGenerator

	// Overall client lifetime context. Close cancels it.
	clientCtx    context.Context
	clientCancel context.CancelFunc

	connectMu sync.Mutex // serializes Connect

	mu      sync.RWMutex
	state   ConnectionState
	conn    *connection
	session string
	lastErr error
	closed  bool

	subsMu sync.Mutex
	subs   map[string]*Subscription

	callsMu sync.Mutex
	calls   map[string]*pendingCall
}

// New creates a client for the server at urlStr (ws:// or wss://).
// It does no I/O; call Connect to establish the session.
func New(urlStr string, opts ...Option) *Client {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	c := &Client{
		config:       defaultConfig(),
		urlStr:       urlStr,
		id:           uuid.NewString(),
		ids:          message.NewIDGenerator(""),
		pings:        message.NewIDGenerator("ping-"),
		clientCtx:    clientCtx,
		clientCancel: clientCancel,
		subs:         make(map[string]*Subscription),
		calls:        make(map[string]*pendingCall),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.config.pingInterval < 0 {
		c.config.pingInterval = 0
	}
	if c.config.dialOptions == nil {
		c.config.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}

	storeOpts := []collection.StoreOption{collection.WithLogger(c.config.logger)}
	if c.config.observerQueueLimit > 0 {
		storeOpts = append(storeOpts, collection.WithQueueLimit(c.config.observerQueueLimit))
	}
	c.store = collection.NewStore(storeOpts...)
	return c
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, urlStr string, opts ...Option) (*Client, error) {
	c := New(urlStr, opts...)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Connect opens the transport and performs the DDP handshake. It returns once
// the server has answered with connected (nil) or failed (*ProtocolVersionError).
//
// While the server refuses the transport, Connect keeps retrying at a fixed
// delay until ctx is done. Other transport errors are returned at once.
// Calling Connect on a connected client is a no-op.
//
// Every successful Connect empties the local collection cache: the server
// re-sends whatever the client subscribes to on the new session.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.state = Connecting
	session := c.session
	c.mu.Unlock()

	// Close aborts an in-progress Connect.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.clientCtx, cancel)
	defer stop()

	ws, newSession, err := c.establish(ctx, session)
	if err != nil {
		c.setState(Disconnected)
		if c.clientCtx.Err() != nil {
			return ErrClientClosed
		}
		return err
	}

	cn := &connection{ws: ws, done: make(chan struct{})}
	cn.ctx, cn.cancel = context.WithCancel(c.clientCtx)

	c.store.ResetAll()
	c.refreshDocumentGauges()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.cancel()
		ws.CloseNow()
		return ErrClientClosed
	}
	if session != "" && session == newSession {
		c.config.logger.Info(fmt.Sprintf("Client %s: resumed session %s", c.id, newSession))
	}
	c.session = newSession
	c.conn = cn
	c.state = Connected
	c.lastErr = nil
	c.config.metrics.SetConnected(true)
	c.mu.Unlock()

	go c.dispatch(cn)
	if c.config.pingInterval > 0 {
		cn.wg.Add(1)
		go c.pingLoop(cn)
	}

	c.config.logger.Info(fmt.Sprintf("Client %s: connected to %s (session %s)", c.id, c.urlStr, newSession))
	return nil
}

// establish dials and runs the handshake. On error the socket is closed.
func (c *Client) establish(ctx context.Context, session string) (*websocket.Conn, string, error) {
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, "", err
	}
	ws.SetReadLimit(c.config.readLimit)

	hello := message.Connect{
		Version: message.Version,
		Support: message.SupportedVersions,
		Session: session,
	}
	if err := c.writeFrame(ctx, ws, hello); err != nil {
		ws.CloseNow()
		c.config.metrics.ConnectAttempt("failed")
		return nil, "", err
	}

	newSession, err := c.handshake(ctx, ws)
	if err != nil {
		var pv *ProtocolVersionError
		if errors.As(err, &pv) {
			c.config.metrics.ConnectAttempt("version_rejected")
			ws.Close(websocket.StatusNormalClosure, "unsupported protocol version")
		} else {
			c.config.metrics.ConnectAttempt("failed")
			ws.CloseNow()
		}
		return nil, "", err
	}
	c.config.metrics.ConnectAttempt("ok")
	return ws, newSession, nil
}

// dial opens the WebSocket, retrying at a fixed delay while the server refuses it.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 1; ; attempt++ {
		ws, resp, err := websocket.Dial(ctx, c.urlStr, c.config.dialOptions)
		if err == nil {
			return ws, nil
		}
		if ctx.Err() != nil {
			if attempt > 1 {
				return nil, fmt.Errorf("%w after %d attempts: %w", ErrTransportRefused, attempt, ctx.Err())
			}
			return nil, fmt.Errorf("ddp: dial %s: %w", c.urlStr, ctx.Err())
		}
		if !isRefused(err) {
			c.config.metrics.ConnectAttempt("failed")
			if resp != nil {
				return nil, fmt.Errorf("ddp: dial %s failed (status: %s): %w", c.urlStr, resp.Status, err)
			}
			return nil, fmt.Errorf("ddp: dial %s: %w", c.urlStr, err)
		}

		c.config.metrics.ConnectAttempt("refused")
		c.config.logger.Info(fmt.Sprintf("Client %s: %s refused the connection (attempt %d), retrying in %v", c.id, c.urlStr, attempt, c.config.retryDelay))

		t := time.NewTimer(c.config.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrTransportRefused, attempt, ctx.Err())
		case <-t.C:
		}
	}
}

// isRefused reports whether a dial error means nobody is accepting connections yet.
func isRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// handshake waits for connected or failed. Pings are answered; anything else is ignored.
func (c *Client) handshake(ctx context.Context, ws *websocket.Conn) (string, error) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("ddp: waiting for handshake reply: %w", err)
		}
		if typ != websocket.MessageText {
			c.config.metrics.FrameIgnored()
			continue
		}
		m, err := message.Decode(data)
		if err != nil {
			c.config.logger.Debug(fmt.Sprintf("Client %s: ignoring malformed frame during handshake: %v", c.id, err))
			c.config.metrics.FrameIgnored()
			continue
		}
		c.config.metrics.FrameReceived(string(m.MsgType()))

		switch m := m.(type) {
		case message.Connected:
			return m.Session, nil
		case message.Failed:
			return "", &ProtocolVersionError{Version: m.Version}
		case message.Ping:
			if err := c.writeFrame(ctx, ws, message.Pong{ID: m.ID}); err != nil {
				return "", err
			}
		default:
			c.config.logger.Debug(fmt.Sprintf("Client %s: ignoring %s before handshake completed", c.id, m.MsgType()))
		}
	}
}

// Disconnect closes the connection with a normal closure and waits for the
// dispatcher to finish. Pending calls and subscriptions fail with
// ErrConnectionLost. Disconnecting an unconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.RLock()
	cn := c.conn
	c.mu.RUnlock()
	if cn == nil {
		return nil
	}

	cn.local.Store(true)
	if err := cn.ws.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: close handshake: %v", c.id, err))
	}

	t := time.NewTimer(disconnectGrace)
	defer t.Stop()
	select {
	case <-cn.done:
	case <-t.C:
		cn.cancel()
		<-cn.done
	}
	return nil
}

// Done returns a channel closed when the current connection ends. If the
// client is not connected the returned channel is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	cn := c.conn
	c.mu.RUnlock()
	if cn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return cn.done
}

// WaitDisconnected blocks until the current connection ends, by either side.
// It returns nil after a local Disconnect, an error wrapping ErrConnectionLost
// when the transport dropped, or ctx.Err().
func (c *Client) WaitDisconnected(ctx context.Context) error {
	c.mu.RLock()
	cn := c.conn
	lastErr := c.lastErr
	c.mu.RUnlock()
	if cn == nil {
		return lastErr
	}

	select {
	case <-cn.done:
		return cn.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns the session id of the last successful handshake. It is
// offered to the server on the next Connect.
func (c *Client) Session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// ID returns the unique ID of this client instance.
func (c *Client) ID() string {
	return c.id
}

// URL returns the server URL.
func (c *Client) URL() string {
	return c.urlStr
}

// Collection returns the local cache of the named collection, creating it if needed.
func (c *Client) Collection(name string) *collection.Collection {
	return c.store.Collection(name)
}

// Store returns the client's collection store.
func (c *Client) Store() *collection.Store {
	return c.store
}

// Close disconnects and releases every observer. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.config.logger.Info(fmt.Sprintf("Client %s: closing", c.id))
	err := c.Disconnect()
	c.clientCancel()
	c.store.Close()
	return err
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// current returns the live connection or ErrNotConnected.
func (c *Client) current() (*connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Connected || c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// writeFrame encodes m and writes it as one text frame. The write is bounded
// by the write timeout but not by ctx's cancellation: the library tears the
// socket down when a write is interrupted.
func (c *Client) writeFrame(ctx context.Context, ws *websocket.Conn, m message.Message) error {
	b, err := message.Encode(m)
	if err != nil {
		return fmt.Errorf("ddp: encoding %s: %w", m.MsgType(), err)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.writeTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("ddp: writing %s: %w", m.MsgType(), err)
	}
	c.config.metrics.FrameSent(string(m.MsgType()))
	return nil
}

func (c *Client) pingLoop(cn *connection) {
	defer cn.wg.Done()

	ticker := time.NewTicker(c.config.pingInterval)
	defer ticker.Stop()
	c.config.logger.Debug(fmt.Sprintf("Client %s: ping loop started with interval %v", c.id, c.config.pingInterval))

	for {
		select {
		case <-ticker.C:
			if err := c.writeFrame(cn.ctx, cn.ws, message.Ping{ID: c.pings.Next()}); err != nil {
				c.config.logger.Info(fmt.Sprintf("Client %s: ping failed: %v. Connection might be stale.", c.id, err))
				cn.cancel()
				return
			}
		case <-cn.ctx.Done():
			return
		}
	}
}

func (c *Client) refreshDocumentGauges() {
	if c.config.metrics == nil {
		return
	}
	for _, name := range c.store.Names() {
		c.config.metrics.SetDocuments(name, c.store.Collection(name).Len())
	}
}
