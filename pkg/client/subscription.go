package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightforgemedia/go-ddp/pkg/ejson"
	"github.com/lightforgemedia/go-ddp/pkg/message"
)

// SubscriptionState tracks a subscription from sub to ready or nosub.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionReady
	SubscriptionErrored
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionReady:
		return "ready"
	case SubscriptionErrored:
		return "errored"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int(s))
	}
}

// defaultNoSubReason is reported when the server refuses a subscription without saying why.
const defaultNoSubReason = "Denied by server for unspecified reason."

// Subscription is a handle on one sub request. It resolves exactly once:
// ready, or errored on nosub or connection loss.
type Subscription struct {
	ID     string
	Name   string
	Params []any

	client   *Client
	resolved chan struct{}
	once     sync.Once

	mu      sync.Mutex
	state   SubscriptionState
	err     error
	stopped bool
}

func newSubscription(c *Client, id, name string, params []any) *Subscription {
	return &Subscription{
		ID:       id,
		Name:     name,
		Params:   params,
		client:   c,
		resolved: make(chan struct{}),
	}
}

// Wait blocks until the subscription is ready (nil), errored (its error) or ctx is done.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.resolved:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the subscription is resolved.
func (s *Subscription) Done() <-chan struct{} {
	return s.resolved
}

func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the reason the subscription errored, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stopped reports whether Unsubscribe was sent for this subscription.
func (s *Subscription) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Unsubscribe asks the server to stop the subscription.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	return s.client.Unsubscribe(ctx, s)
}

func (s *Subscription) resolve(state SubscriptionState, err error) bool {
	resolved := false
	s.once.Do(func() {
		s.mu.Lock()
		s.state = state
		s.err = err
		s.mu.Unlock()
		close(s.resolved)
		resolved = true
	})
	return resolved
}

// Subscribe sends a sub request for the named publication and returns its
// handle without waiting for the server. Use Subscription.Wait for readiness.
// Params are encoded as EJSON.
func (c *Client) Subscribe(ctx context.Context, name string, params ...any) (*Subscription, error) {
	cn, err := c.current()
	if err != nil {
		return nil, fmt.Errorf("ddp: subscribe %q: %w", name, err)
	}

	sub := newSubscription(c, c.ids.Next(), name, params)
	c.subsMu.Lock()
	c.subs[sub.ID] = sub
	c.subsMu.Unlock()
	c.config.metrics.SubscriptionMoved("", SubscriptionPending.String())

	req := message.Sub{ID: sub.ID, Name: name, Params: ejson.ToJSONValues(params)}
	if err := c.writeFrame(ctx, cn.ws, req); err != nil {
		if c.takeSubscription(sub.ID) != nil {
			c.config.metrics.SubscriptionMoved(SubscriptionPending.String(), "")
		}
		return nil, fmt.Errorf("ddp: subscribe %q: %w", name, err)
	}

	c.config.logger.Debug(fmt.Sprintf("Client %s: subscribed to %q (id %s)", c.id, name, sub.ID))
	return sub, nil
}

// Unsubscribe sends unsub for sub. The handle stays registered until the
// server confirms with nosub.
func (c *Client) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	cn, err := c.current()
	if err != nil {
		return fmt.Errorf("ddp: unsubscribe %q: %w", sub.Name, err)
	}
	if err := c.writeFrame(ctx, cn.ws, message.Unsub{ID: sub.ID}); err != nil {
		return fmt.Errorf("ddp: unsubscribe %q: %w", sub.Name, err)
	}
	sub.mu.Lock()
	sub.stopped = true
	sub.mu.Unlock()
	c.config.logger.Debug(fmt.Sprintf("Client %s: unsubscribed from %q (id %s)", c.id, sub.Name, sub.ID))
	return nil
}

func (c *Client) takeSubscription(id string) *Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	sub := c.subs[id]
	delete(c.subs, id)
	return sub
}

func (c *Client) handleReady(m message.Ready) {
	for _, id := range m.Subs {
		c.subsMu.Lock()
		sub := c.subs[id]
		c.subsMu.Unlock()
		if sub == nil {
			c.config.logger.Debug(fmt.Sprintf("Client %s: ready for unknown subscription %s", c.id, id))
			continue
		}
		if sub.State() != SubscriptionPending {
			continue
		}
		c.config.metrics.SubscriptionMoved(SubscriptionPending.String(), SubscriptionReady.String())
		sub.resolve(SubscriptionReady, nil)
	}
}

// handleNoSub covers both a refused subscription and the server confirming an unsub.
func (c *Client) handleNoSub(m message.NoSub) {
	sub := c.takeSubscription(m.ID)
	if sub == nil {
		c.config.logger.Debug(fmt.Sprintf("Client %s: nosub for unknown subscription %s", c.id, m.ID))
		return
	}

	payload := m.Error
	if payload == nil {
		payload = &message.Error{Message: defaultNoSubReason}
	}
	c.config.metrics.SubscriptionMoved(sub.State().String(), "")
	if sub.resolve(SubscriptionErrored, &SubscriptionError{Name: sub.Name, ID: sub.ID, Payload: payload}) {
		c.config.logger.Info(fmt.Sprintf("Client %s: subscription %q (id %s) denied: %s", c.id, sub.Name, sub.ID, payload.Text()))
	}
}
