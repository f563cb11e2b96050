// ddp.go
package ddp

import (
	"context"

	"github.com/lightforgemedia/go-ddp/pkg/client"
	"github.com/lightforgemedia/go-ddp/pkg/collection"
	"github.com/lightforgemedia/go-ddp/pkg/message"
)

// Re-export core types
type (
	Client            = client.Client
	Option            = client.Option
	Options           = client.Options
	ConnectionState   = client.ConnectionState
	Subscription      = client.Subscription
	SubscriptionState = client.SubscriptionState
	Collection        = collection.Collection
	Document          = collection.Document
	Event             = collection.Event
	Observer          = collection.Observer
	Message           = message.Message
)

// Re-export error types
type (
	ProtocolVersionError = client.ProtocolVersionError
	SubscriptionError    = client.SubscriptionError
	RemoteMethodError    = client.RemoteMethodError
)

var (
	ErrNotConnected       = client.ErrNotConnected
	ErrProtocolVersion    = client.ErrProtocolVersion
	ErrTransportRefused   = client.ErrTransportRefused
	ErrSubscriptionDenied = client.ErrSubscriptionDenied
	ErrRemoteMethod       = client.ErrRemoteMethod
	ErrConnectionLost     = client.ErrConnectionLost
	ErrClientClosed       = client.ErrClientClosed
)

const (
	Disconnected = client.Disconnected
	Connecting   = client.Connecting
	Connected    = client.Connected

	EventAdded   = collection.EventAdded
	EventChanged = collection.EventChanged
	EventRemoved = collection.EventRemoved

	// ProtocolVersion is the DDP version this client speaks.
	ProtocolVersion = message.Version
)

// New creates a client for the DDP server at url. It does not connect.
func New(url string, opts ...client.Option) *client.Client {
	return client.New(url, opts...)
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, url string, opts ...client.Option) (*client.Client, error) {
	return client.Dial(ctx, url, opts...)
}

// DefaultOptions returns default options for the client.
func DefaultOptions() client.Options {
	return client.DefaultOptions()
}
