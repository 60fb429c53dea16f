package bridge

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/overlaykit/go-axbridge/pkg/transport"
)

const (
	defaultCallTimeout    = 5 * time.Second
	defaultReconnectDelay = 1 * time.Second
)

type clientConfig struct {
	logger         zerolog.Logger
	dialer         transport.Dialer
	callTimeout    time.Duration
	reconnectDelay time.Duration
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets the logger. The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.config.logger = logger
	}
}

// WithDialer replaces the transport used to open channels. The default is
// transport.WSDialer. Tests use this to plug in an in-memory channel.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.config.dialer = d
		}
	}
}

// WithCallTimeout sets the per-call response deadline. Default 5s.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.callTimeout = timeout
		}
	}
}

// WithReconnectDelay sets the fixed delay between reconnect attempts.
// Default 1s. There is no backoff growth and no retry ceiling; the client
// retries until Connect succeeds or Disconnect is called.
func WithReconnectDelay(delay time.Duration) Option {
	return func(c *Client) {
		if delay > 0 {
			c.config.reconnectDelay = delay
		}
	}
}
