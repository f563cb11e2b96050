package client

import (
	"fmt"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-ddp/pkg/message"
)

// dispatch reads frames until the connection ends, routing each to its
// registry or to the collection store. It is the only reader of cn.ws, so
// frames are handled strictly in arrival order.
func (c *Client) dispatch(cn *connection) {
	var cause error
	defer func() { c.teardown(cn, cause) }()

	for {
		typ, data, err := cn.ws.Read(cn.ctx)
		if err != nil {
			cause = err
			return
		}
		if typ != websocket.MessageText {
			c.config.logger.Debug(fmt.Sprintf("Client %s: ignoring binary frame", c.id))
			c.config.metrics.FrameIgnored()
			continue
		}
		c.route(cn, data)
	}
}

func (c *Client) route(cn *connection, data []byte) {
	m, err := message.Decode(data)
	if err != nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: ignoring malformed frame: %v", c.id, err))
		c.config.metrics.FrameIgnored()
		return
	}
	if _, ok := m.(message.Unknown); ok {
		c.config.logger.Debug(fmt.Sprintf("Client %s: ignoring message with unknown tag %q", c.id, m.MsgType()))
		c.config.metrics.FrameIgnored()
		return
	}
	c.config.metrics.FrameReceived(string(m.MsgType()))

	switch m := m.(type) {
	case message.Ping:
		if err := c.writeFrame(cn.ctx, cn.ws, message.Pong{ID: m.ID}); err != nil {
			c.config.logger.Info(fmt.Sprintf("Client %s: failed to answer ping: %v", c.id, err))
		}
	case message.Pong:
		// Answer to our own ping. Receiving it is enough.
	case message.Ready:
		c.handleReady(m)
	case message.NoSub:
		c.handleNoSub(m)
	case message.Added:
		c.store.ApplyAdded(m.Collection, m.ID, m.Fields)
		c.documentsChanged(m.Collection)
	case message.Changed:
		if !c.store.ApplyChanged(m.Collection, m.ID, m.Fields, m.Cleared) {
			c.config.logger.Debug(fmt.Sprintf("Client %s: changed for unknown document %s/%s", c.id, m.Collection, m.ID))
		}
	case message.Removed:
		if c.store.ApplyRemoved(m.Collection, m.ID) {
			c.documentsChanged(m.Collection)
		} else {
			c.config.logger.Debug(fmt.Sprintf("Client %s: removed for unknown document %s/%s", c.id, m.Collection, m.ID))
		}
	case message.Result:
		c.handleResult(m)
	case message.Updated:
		// Writes are not simulated locally, so there is nothing to reconcile.
	case message.ServerError:
		c.config.logger.Warn(fmt.Sprintf("Client %s: server rejected a message: %s (offending message: %s)", c.id, m.Reason, string(m.OffendingMessage)))
	default:
		c.config.logger.Debug(fmt.Sprintf("Client %s: ignoring unexpected %s after handshake", c.id, m.MsgType()))
	}
}

// teardown runs once per connection, after its dispatcher stops reading.
func (c *Client) teardown(cn *connection, cause error) {
	cn.cancel()
	cn.ws.CloseNow()

	if cn.local.Load() {
		c.config.logger.Info(fmt.Sprintf("Client %s: disconnected from %s", c.id, c.urlStr))
	} else {
		cn.err = fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		c.config.logger.Info(fmt.Sprintf("Client %s: connection to %s lost: %v", c.id, c.urlStr, cause))
	}

	// The registries are detached while the connection is still current, so
	// a Connect that follows can never have its own requests failed here.
	var subs map[string]*Subscription
	var calls map[string]*pendingCall
	c.mu.Lock()
	if c.conn == cn {
		subs, calls = c.takePending()
		c.config.metrics.SetConnected(false)
		c.conn = nil
		c.state = Disconnected
		c.lastErr = cn.err
	}
	c.mu.Unlock()

	c.failPending(subs, calls, ErrConnectionLost)
	cn.wg.Wait()
	close(cn.done)
}

// takePending empties both registries and returns what they held.
func (c *Client) takePending() (map[string]*Subscription, map[string]*pendingCall) {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.subsMu.Unlock()

	c.callsMu.Lock()
	calls := c.calls
	c.calls = make(map[string]*pendingCall)
	c.callsMu.Unlock()
	return subs, calls
}

// failPending resolves every given subscription and call with err.
func (c *Client) failPending(subs map[string]*Subscription, calls map[string]*pendingCall, err error) {
	for _, sub := range subs {
		c.config.metrics.SubscriptionMoved(sub.State().String(), "")
		sub.resolve(SubscriptionErrored, err)
	}

	for _, pc := range calls {
		c.config.metrics.CallFinished("lost", pc.elapsed())
		pc.resolve(nil, fmt.Errorf("ddp: call %q (id %s): %w", pc.method, pc.id, err))
	}
}

func (c *Client) documentsChanged(name string) {
	if c.config.metrics == nil {
		return
	}
	c.config.metrics.SetDocuments(name, c.store.Collection(name).Len())
}
