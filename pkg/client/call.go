package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lightforgemedia/go-ddp/pkg/ejson"
	"github.com/lightforgemedia/go-ddp/pkg/message"
)

// pendingCall is a method call waiting for its result.
type pendingCall struct {
	id      string
	method  string
	started time.Time

	done   chan struct{}
	once   sync.Once
	result json.RawMessage
	err    error
}

func (p *pendingCall) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

func (p *pendingCall) elapsed() time.Duration {
	return time.Since(p.started)
}

// Call invokes a remote method and waits for its result, decoded as EJSON
// (nil when the server returned none). A result carrying an error fails with
// *RemoteMethodError. Params are encoded as EJSON.
//
// If ctx ends first, Call returns ctx.Err(); a late result is then discarded.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	raw, err := c.invoke(ctx, method, params)
	if err != nil {
		return nil, err
	}
	v, err := (message.Result{Result: raw}).Value()
	if err != nil {
		return nil, fmt.Errorf("ddp: decoding result of %q: %w", method, err)
	}
	return v, nil
}

// CallInto is Call with the result unmarshalled into dst. A missing or null
// result leaves dst untouched.
func (c *Client) CallInto(ctx context.Context, dst any, method string, params ...any) error {
	raw, err := c.invoke(ctx, method, params)
	if err != nil {
		return err
	}
	if dst == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("ddp: decoding result of %q into %T: %w. Raw result: %s", method, dst, err, string(raw))
	}
	return nil
}

// CallAs invokes method and unmarshals its result into a T. A missing or null
// result yields a pointer to T's zero value. EJSON dates and binaries decode
// into ejson.Date and ejson.Binary fields.
func CallAs[T any](cli *Client, ctx context.Context, method string, params ...any) (*T, error) {
	out := new(T)
	if err := cli.CallInto(ctx, out, method, params...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	cn, err := c.current()
	if err != nil {
		return nil, fmt.Errorf("ddp: call %q: %w", method, err)
	}

	pc := &pendingCall{
		id:      c.ids.Next(),
		method:  method,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	c.callsMu.Lock()
	c.calls[pc.id] = pc
	c.callsMu.Unlock()
	c.config.metrics.CallStarted()

	req := message.Method{Method: method, Params: ejson.ToJSONValues(params), ID: pc.id}
	if err := c.writeFrame(ctx, cn.ws, req); err != nil {
		if c.takeCall(pc.id) != nil {
			c.config.metrics.CallFinished("send_failed", pc.elapsed())
		}
		return nil, fmt.Errorf("ddp: call %q: %w", method, err)
	}
	c.config.logger.Debug(fmt.Sprintf("Client %s: sent method %q (id %s)", c.id, method, pc.id))

	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-ctx.Done():
		// The request is already on the wire; the entry stays until the server
		// answers or the connection drops.
		return nil, fmt.Errorf("ddp: call %q (id %s) abandoned: %w", method, pc.id, ctx.Err())
	}
}

// PendingCalls reports how many method calls await a result, including
// calls whose callers gave up waiting.
func (c *Client) PendingCalls() int {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	return len(c.calls)
}

func (c *Client) takeCall(id string) *pendingCall {
	c.callsMu.Lock()
	defer c.callsMu.Unlock()
	pc := c.calls[id]
	delete(c.calls, id)
	return pc
}

func (c *Client) handleResult(m message.Result) {
	pc := c.takeCall(m.ID)
	if pc == nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: result for unknown call %s", c.id, m.ID))
		return
	}

	if m.Error != nil {
		c.config.metrics.CallFinished("error", pc.elapsed())
		pc.resolve(nil, newRemoteMethodError(pc.method, m.Error))
		return
	}
	c.config.metrics.CallFinished("ok", pc.elapsed())
	pc.resolve(m.Result, nil)
}
