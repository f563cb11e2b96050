package client

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-ddp/pkg/metrics"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultRetryDelay   = 1 * time.Second
	defaultReadLimit    = 16 << 20
	// Client-initiated pings are disabled by default. Rely on server pings.
	defaultPingInterval = 0 * time.Second
	// How long Disconnect waits for the close handshake before dropping the socket.
	disconnectGrace = 2 * time.Second
)

type clientConfig struct {
	logger             *slog.Logger
	dialOptions        *websocket.DialOptions
	writeTimeout       time.Duration
	retryDelay         time.Duration
	readLimit          int64
	pingInterval       time.Duration // 0 or <0 disables client pings
	observerQueueLimit int           // 0 means unbounded
	metrics            *metrics.Metrics
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions (headers, HTTP client, subprotocols).
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) {
		c.config.dialOptions = opts
	}
}

// WithWriteTimeout bounds every outbound frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.writeTimeout = timeout
		}
	}
}

// WithRetryDelay sets the fixed delay between dial attempts while the server refuses connections.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) {
		if delay > 0 {
			c.config.retryDelay = delay
		}
	}
}

// WithReadLimit sets the largest inbound frame accepted, in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.readLimit = n
		}
	}
}

// WithPingInterval enables client-initiated pings.
// interval <= 0 disables them; the server's pings are always answered.
func WithPingInterval(interval time.Duration) Option {
	return func(c *Client) {
		c.config.pingInterval = interval
	}
}

// WithObserverQueueLimit bounds each collection observer's queue; on
// overflow the oldest event is dropped. n <= 0 keeps queues unbounded.
func WithObserverQueueLimit(n int) Option {
	return func(c *Client) {
		c.config.observerQueueLimit = n
	}
}

// WithMetrics feeds the given collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.config.metrics = m
	}
}

// Options contains configuration values for NewWithOptions.
type Options struct {
	Logger             *slog.Logger
	DialOptions        *websocket.DialOptions
	WriteTimeout       time.Duration
	RetryDelay         time.Duration
	ReadLimit          int64
	PingInterval       time.Duration
	ObserverQueueLimit int
	Metrics            *metrics.Metrics
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:       slog.Default(),
		DialOptions:  &websocket.DialOptions{HTTPClient: http.DefaultClient},
		WriteTimeout: defaultWriteTimeout,
		RetryDelay:   defaultRetryDelay,
		ReadLimit:    defaultReadLimit,
		PingInterval: defaultPingInterval,
	}
}

// NewWithOptions creates a client from an Options struct. Zero values fall
// back to the library defaults. Functional options are applied afterwards.
func NewWithOptions(urlStr string, opts Options, extra ...Option) *Client {
	base := []Option{
		WithLogger(opts.Logger),
		WithDialOptions(opts.DialOptions),
		WithWriteTimeout(opts.WriteTimeout),
		WithRetryDelay(opts.RetryDelay),
		WithReadLimit(opts.ReadLimit),
		WithPingInterval(opts.PingInterval),
		WithObserverQueueLimit(opts.ObserverQueueLimit),
		WithMetrics(opts.Metrics),
	}
	return New(urlStr, append(base, extra...)...)
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		retryDelay:   defaultRetryDelay,
		readLimit:    defaultReadLimit,
		pingInterval: defaultPingInterval,
	}
}
