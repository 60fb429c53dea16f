// Package bridgetest provides an in-memory transport implementation for
// exercising the bridge client without a network. The fake channel exposes
// the server side of the conversation: tests inject inbound frames, inspect
// what the client sent, and force disconnects.
package bridgetest

import (
	"context"
	"errors"
	"sync"

	"github.com/overlaykit/go-axbridge/pkg/transport"
)

// ErrChannelClosed is returned by Send and Receive after the channel
// closed, from either side.
var ErrChannelClosed = errors.New("bridgetest: channel closed")

// Channel is an in-memory transport.Channel. The client end is driven by
// the bridge; the server end is driven by the test.
type Channel struct {
	inbound chan []byte // server -> client
	sent    chan []byte // client -> server, captured for assertions

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel returns an open channel with buffered queues on both sides.
func NewChannel() *Channel {
	return &Channel{
		inbound: make(chan []byte, 64),
		sent:    make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *Channel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.sent <- data:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the channel down from either side. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Inject delivers a raw frame to the client as if the server pushed it.
func (c *Channel) Inject(frame []byte) {
	select {
	case c.inbound <- frame:
	case <-c.closed:
	}
}

// Sent returns the queue of frames the client wrote to this channel.
func (c *Channel) Sent() <-chan []byte {
	return c.sent
}

// Closed reports whether the channel has been torn down.
func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out fake channels. Each Dial produces a fresh Channel and
// records it, so tests can follow the client across reconnects.
type Dialer struct {
	mu      sync.Mutex
	dialErr error
	dials   int

	// Dialed receives every channel handed out, in order. Buffered so the
	// dial path never blocks on an inattentive test.
	Dialed chan *Channel
}

// NewDialer returns a Dialer whose Dial always succeeds.
func NewDialer() *Dialer {
	return &Dialer{Dialed: make(chan *Channel, 16)}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	ch := NewChannel()
	select {
	case d.Dialed <- ch:
	default:
	}
	return ch, nil
}

// SetError makes subsequent Dial calls fail with err; nil restores success.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Dials returns how many times Dial was invoked.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
