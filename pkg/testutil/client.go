package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/lightforgemedia/go-ddp/pkg/client"
)

// ClientOptions contains options for creating a test client
type ClientOptions struct {
	Logger            bool // Use the default logger
	WriteTimeout      time.Duration
	RetryDelay        time.Duration
	PingInterval      time.Duration
	QueueLimit        int
	Connect           bool // Connect before returning
	ConnectionTimeout time.Duration
}

// DefaultClientOptions returns the default options for creating a test client
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Logger:            true,
		WriteTimeout:      2 * time.Second,
		RetryDelay:        50 * time.Millisecond,
		Connect:           true,
		ConnectionTimeout: 2 * time.Second,
	}
}

// NewTestClient creates a client for urlStr with the default test options and connects it.
func NewTestClient(t *testing.T, urlStr string, opts ...client.Option) *client.Client {
	t.Helper()
	return NewTestClientWithOptions(t, urlStr, DefaultClientOptions(), opts...)
}

// NewTestClientWithOptions creates a client with the specified options. The
// client is closed by t.Cleanup.
func NewTestClientWithOptions(t *testing.T, urlStr string, options ClientOptions, opts ...client.Option) *client.Client {
	t.Helper()

	clientOpts := client.DefaultOptions()
	if options.Logger {
		clientOpts.Logger = DefaultLogger
	}
	if options.WriteTimeout > 0 {
		clientOpts.WriteTimeout = options.WriteTimeout
	}
	if options.RetryDelay > 0 {
		clientOpts.RetryDelay = options.RetryDelay
	}
	clientOpts.PingInterval = options.PingInterval
	clientOpts.ObserverQueueLimit = options.QueueLimit

	cli := client.NewWithOptions(urlStr, clientOpts, opts...)
	t.Cleanup(func() {
		cli.Close()
	})

	if options.Connect {
		ctx, cancel := context.WithTimeout(context.Background(), options.ConnectionTimeout)
		defer cancel()
		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("Client Connect failed: %v", err)
		}
	}
	return cli
}
