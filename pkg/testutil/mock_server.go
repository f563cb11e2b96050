package testutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-ddp/pkg/message"
)

// DefaultReadTimeout bounds ServerConn.Read.
const DefaultReadTimeout = 5 * time.Second

// MockServer is a scripted DDP server for testing clients. Each accepted
// WebSocket is handed to Handler as a ServerConn; once Handler returns, the
// connection is drained until the client goes away.
type MockServer struct {
	T       *testing.T
	Server  *httptest.Server
	WsURL   string
	Handler func(sc *ServerConn)

	mu       sync.Mutex
	current  *ServerConn
	accepted int
	conns    chan *ServerConn
}

// ServerConn is the server end of one client connection.
type ServerConn struct {
	T    *testing.T
	Conn *websocket.Conn
	// Hello is the client's connect message, set by Handshake.
	Hello message.Connect

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMockServer starts a mock server; it is closed by t.Cleanup.
func NewMockServer(t *testing.T, handler func(sc *ServerConn)) *MockServer {
	t.Helper()
	return NewMockServerOn(t, nil, handler)
}

// NewMockServerOn is NewMockServer serving on l. A nil l picks a free loopback port.
func NewMockServerOn(t *testing.T, l net.Listener, handler func(sc *ServerConn)) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, Handler: handler, conns: make(chan *ServerConn, 16)}

	ms.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsconn, err := websocket.Accept(w, r, nil)
		if err != nil {
			ms.T.Logf("MockServer: Accept error: %v", err)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		sc := &ServerConn{T: ms.T, Conn: wsconn, ctx: ctx, cancel: cancel}
		defer sc.CloseNow()

		ms.mu.Lock()
		ms.current = sc
		ms.accepted++
		ms.mu.Unlock()
		select {
		case ms.conns <- sc:
		default:
		}

		if ms.Handler != nil {
			ms.Handler(sc)
		}
		sc.drain()
	}))
	if l != nil {
		ms.Server.Listener.Close()
		ms.Server.Listener = l
	}
	ms.Server.Start()

	ms.WsURL = "ws" + ms.Server.URL[4:] // Convert http:// to ws://

	t.Cleanup(func() {
		ms.Close()
	})
	return ms
}

// Current returns the most recently accepted connection, or nil.
func (ms *MockServer) Current() *ServerConn {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.current
}

// Accepted counts the connections accepted so far.
func (ms *MockServer) Accepted() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.accepted
}

// NextConn waits for the next accepted connection.
func (ms *MockServer) NextConn(timeout time.Duration) (*ServerConn, error) {
	select {
	case sc := <-ms.conns:
		return sc, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no connection accepted within %v", timeout)
	}
}

// CloseCurrentConnection closes the current connection with a going-away status.
func (ms *MockServer) CloseCurrentConnection() {
	ms.mu.Lock()
	sc := ms.current
	ms.current = nil
	ms.mu.Unlock()

	if sc != nil {
		sc.Close(websocket.StatusGoingAway, "Test closing connection")
	}
}

// Close drops the current connection and shuts the server down.
func (ms *MockServer) Close() {
	ms.mu.Lock()
	sc := ms.current
	ms.current = nil
	ms.mu.Unlock()
	if sc != nil {
		sc.CloseNow()
	}
	if ms.Server != nil {
		ms.Server.Close()
	}
}

// Send writes m to the client.
func (sc *ServerConn) Send(m message.Message) error {
	b, err := message.Encode(m)
	if err != nil {
		return err
	}
	return sc.SendRaw(string(b))
}

// SendRaw writes a literal text frame, for malformed or unusual input.
func (sc *ServerConn) SendRaw(frame string) error {
	ctx, cancel := context.WithTimeout(sc.ctx, DefaultReadTimeout)
	defer cancel()
	return sc.Conn.Write(ctx, websocket.MessageText, []byte(frame))
}

// Read returns the next message from the client.
func (sc *ServerConn) Read() (message.Message, error) {
	ctx, cancel := context.WithTimeout(sc.ctx, DefaultReadTimeout)
	defer cancel()
	_, data, err := sc.Conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return message.Decode(data)
}

// Handshake reads the client's connect and answers connected with session.
func (sc *ServerConn) Handshake(session string) error {
	m, err := sc.Read()
	if err != nil {
		return fmt.Errorf("reading connect: %w", err)
	}
	hello, ok := m.(message.Connect)
	if !ok {
		return fmt.Errorf("expected connect, got %s", m.MsgType())
	}
	sc.Hello = hello
	return sc.Send(message.Connected{Session: session})
}

// Serve runs the handshake, then Loop.
func (sc *ServerConn) Serve(session string, fn func(sc *ServerConn, m message.Message)) {
	if err := sc.Handshake(session); err != nil {
		sc.T.Logf("MockServer: handshake failed: %v", err)
		return
	}
	sc.Loop(fn)
}

// Loop hands every client message to fn until the connection ends. Pings are
// answered automatically.
func (sc *ServerConn) Loop(fn func(sc *ServerConn, m message.Message)) {
	for {
		_, data, err := sc.Conn.Read(sc.ctx)
		if err != nil {
			return
		}
		m, err := message.Decode(data)
		if err != nil {
			sc.T.Logf("MockServer: undecodable frame from client: %v", err)
			continue
		}
		if ping, ok := m.(message.Ping); ok {
			sc.Send(message.Pong{ID: ping.ID})
			continue
		}
		if fn != nil {
			fn(sc, m)
		}
	}
}

// Close performs a close handshake with the given status.
func (sc *ServerConn) Close(code websocket.StatusCode, reason string) {
	sc.Conn.Close(code, reason)
	sc.cancel()
}

// CloseNow drops the connection without a close handshake.
func (sc *ServerConn) CloseNow() {
	sc.Conn.CloseNow()
	sc.cancel()
}

// drain keeps reading so that control frames are processed until the client leaves.
func (sc *ServerConn) drain() {
	for {
		if _, _, err := sc.Conn.Read(sc.ctx); err != nil {
			return
		}
	}
}

// Expect reads the next client message and requires it to be a T.
func Expect[T message.Message](sc *ServerConn) (T, error) {
	var zero T
	m, err := sc.Read()
	if err != nil {
		return zero, err
	}
	v, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("expected %s, got %s", zero.MsgType(), m.MsgType())
	}
	return v, nil
}
