// Package transport abstracts the duplex channel the bridge client talks
// over. The client core depends only on the Channel and Dialer capabilities
// here, so it can be exercised against an in-memory fake; the production
// implementation rides a WebSocket (see websocket.go).
package transport

import "context"

// Channel is one open duplex connection carrying discrete text frames.
// A Channel is owned by exactly one client; implementations do not need to
// support concurrent Receive calls, but Send may race with Receive.
type Channel interface {
	// Send writes one frame. It returns an error when the channel is no
	// longer usable.
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the next inbound frame arrives. It returns an
	// error when the channel closes, for any reason; there is no separate
	// close signal.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the channel down. Subsequent Receive calls unblock with
	// an error. Close is idempotent.
	Close() error
}

// Dialer opens a Channel to a backend address.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}
