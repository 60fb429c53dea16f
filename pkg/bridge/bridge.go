// Package bridge implements the RPC client that connects the accessibility
// overlay to its backend over one persistent duplex channel. It multiplexes
// concurrent request/response exchanges and a server-push event stream onto
// a single connection, enforces per-call timeouts, and reconnects with a
// fixed delay after unexpected disconnects.
//
// The wire format is defined in pkg/wire; the physical transport is behind
// the transport.Channel capability so the core is testable without a
// network.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overlaykit/go-axbridge/pkg/transport"
	"github.com/overlaykit/go-axbridge/pkg/wire"
)

// connState tracks the connection lifecycle.
type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// pendingCall is the bookkeeping record for one in-flight request. Exactly
// one of the two settlement paths delivers into done: a matching response
// frame, or the timeout timer. Whichever runs first removes the entry from
// the pending table under the client mutex, so the loser finds nothing.
type pendingCall struct {
	method string
	timer  *time.Timer
	done   chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// subscription is one registration of a handler on a topic. Each On call
// creates a distinct subscription; the returned unsubscribe func removes
// exactly this one.
type subscription struct {
	fn Handler
}

// Handler receives the raw payload of an event frame.
type Handler func(data json.RawMessage)

// Client is the overlay-side RPC endpoint. One Client owns one channel, one
// pending-request table, and one subscriber registry; none of them are
// shared across instances. All mutable state sits behind a single mutex so
// response matching and event fan-out stay atomic on a preemptive runtime.
type Client struct {
	config clientConfig
	url    string

	mu        sync.Mutex
	state     connState
	ch        transport.Channel
	wantOpen  bool // true between Connect and Disconnect; gates reconnects
	reconnect *time.Timer
	pending   map[string]*pendingCall
	subs      map[string][]*subscription
	idPrefix  string
	seq       uint64
}

// New creates a client for the backend at url. It does not connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		config: clientConfig{
			logger:         zerolog.Nop(),
			dialer:         transport.WSDialer{},
			callTimeout:    defaultCallTimeout,
			reconnectDelay: defaultReconnectDelay,
		},
		url:     url,
		pending: make(map[string]*pendingCall),
		subs:    make(map[string][]*subscription),
		// Request ids are namespaced per client instance, not per channel:
		// a backend that echoed an id from a previous channel generation can
		// only match if this instance actually issued it.
		idPrefix: uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether a channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Connect opens the channel to the backend. On success it starts the read
// loop and disarms any pending reconnect timer. A dial failure surfaces
// only to this caller; it also arms the reconnect timer, so the client
// keeps retrying in the background until it succeeds or Disconnect is
// called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateConnected {
		c.mu.Unlock()
		return nil
	}
	c.wantOpen = true
	c.disarmReconnectLocked()
	c.state = stateConnecting
	dialer := c.config.dialer
	c.mu.Unlock()

	ch, err := dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if !c.wantOpen {
		// Disconnect raced the dial.
		c.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return fmt.Errorf("bridge: connect aborted by disconnect")
	}
	if err != nil {
		if c.ch == nil {
			c.state = stateDisconnected
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("bridge: connect: %w", err)
	}
	if c.ch != nil {
		// A background reconnect won the race; keep its channel.
		c.mu.Unlock()
		ch.Close()
		return nil
	}
	c.ch = ch
	c.state = stateConnected
	c.disarmReconnectLocked()
	c.mu.Unlock()

	c.config.logger.Info().Str("url", c.url).Msg("bridge connected")
	go c.readLoop(ch)
	return nil
}

// Disconnect disarms the reconnect timer, closes the channel if open, and
// forgets the handle. In-flight calls are not rejected; each settles by its
// own timeout if the response never arrives.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.wantOpen = false
	c.disarmReconnectLocked()
	ch := c.ch
	c.ch = nil
	c.state = stateDisconnected
	c.mu.Unlock()

	if ch != nil {
		c.config.logger.Info().Msg("bridge disconnected")
		return ch.Close()
	}
	return nil
}

// Call issues a request and waits for the matching response. It fails
// immediately with ErrNotConnected when no channel is open; no frame is
// sent and nothing is queued. Otherwise the result settles exactly once:
// with the response's result, a RemoteError when the response carries an
// error field, or a TimeoutError when no response arrives within the
// configured deadline.
//
// ctx only abandons the wait; the pending entry stays tracked until the
// response or the timeout removes it.
func (c *Client) Call(ctx context.Context, method string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != stateConnected || c.ch == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	id := fmt.Sprintf("%s-%d", c.idPrefix, c.seq)
	ch := c.ch
	c.mu.Unlock()

	payload, err := wire.EncodeRequest(id, method, args)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %q: %w", method, err)
	}

	pc := &pendingCall{
		method: method,
		done:   make(chan callResult, 1),
	}
	pc.timer = time.AfterFunc(c.config.callTimeout, func() { c.expire(id) })

	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()

	if err := ch.Send(ctx, payload); err != nil {
		c.dropPending(id)
		pc.timer.Stop()
		return nil, fmt.Errorf("bridge: send %q: %w", method, err)
	}
	c.config.logger.Debug().Str("id", id).Str("method", method).Msg("request sent")

	select {
	case res := <-pc.done:
		return res.result, res.err
	case <-ctx.Done():
		// Abandon the wait. The timer keeps running and removes the
		// pending entry when it fires; a response arriving before then is
		// matched and discarded into the buffered done channel.
		return nil, ctx.Err()
	}
}

// Call issues a request through c and decodes the result into T.
func Call[T any](ctx context.Context, c *Client, method string, args any) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, args)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("bridge: decode %q result: %w", method, err)
	}
	return out, nil
}

// On registers handler for server-push events on topic and returns the
// matching unsubscribe func. Handlers for one topic run synchronously in
// subscription order when a frame arrives, receiving the raw payload.
// Handlers are not error-isolated; a panicking handler propagates out of
// the dispatch step.
//
// The unsubscribe func removes exactly this registration, is safe to call
// more than once, and is safe after further events have fired.
func (c *Client) On(topic string, handler Handler) (unsubscribe func()) {
	sub := &subscription{fn: handler}
	c.mu.Lock()
	c.subs[topic] = append(c.subs[topic], sub)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[topic]
		for i, s := range list {
			if s == sub {
				c.subs[topic] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// readLoop drains one channel until it closes, routing every frame. It is
// the single inbound processing step: correlator and dispatcher state is
// only mutated here and in Call/On, always under the client mutex.
func (c *Client) readLoop(ch transport.Channel) {
	for {
		data, err := ch.Receive(context.Background())
		if err != nil {
			c.channelClosed(ch, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	frame, ok := wire.Decode(data)
	if !ok {
		// Malformed input is dropped with no observable effect. This is
		// the sole defense against bad frames and is deliberately
		// non-fatal.
		c.config.logger.Debug().Msg("dropping malformed frame")
		return
	}

	switch frame.Classify() {
	case wire.KindResponse:
		c.resolve(&frame)
	case wire.KindEvent:
		c.dispatch(&frame)
	default:
		c.config.logger.Debug().Msg("dropping frame with neither id nor event")
	}
}

// resolve settles the pending call matching a response frame. A response
// whose id has no pending entry (already timed out, or unknown) is a no-op.
func (c *Client) resolve(frame *wire.Frame) {
	c.mu.Lock()
	pc, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
		pc.timer.Stop()
	}
	c.mu.Unlock()
	if !ok {
		c.config.logger.Debug().Str("id", frame.ID).Msg("dropping unmatched response")
		return
	}
	if frame.IsError() {
		pc.done <- callResult{err: &RemoteError{Message: frame.Error}}
		return
	}
	pc.done <- callResult{result: frame.Result}
}

// dispatch fans an event frame out to the topic's current subscribers, in
// subscription order. The subscriber snapshot is taken under the mutex;
// handlers run outside it.
func (c *Client) dispatch(frame *wire.Frame) {
	c.mu.Lock()
	subs := make([]*subscription, len(c.subs[frame.Event]))
	copy(subs, c.subs[frame.Event])
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(frame.Data)
	}
}

// expire fires when a call's deadline elapses before its response. Removing
// the entry first guarantees a later response for this id finds nothing.
func (c *Client) expire(id string) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.config.logger.Debug().Str("id", id).Str("method", pc.method).Msg("call timed out")
	pc.done <- callResult{err: &TimeoutError{Method: pc.method}}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// channelClosed runs when a read loop exits. It ignores channels the client
// already replaced or forgot, so a stale loop from a previous connection
// cannot disturb the current one.
func (c *Client) channelClosed(ch transport.Channel, err error) {
	c.mu.Lock()
	if c.ch != ch {
		c.mu.Unlock()
		return
	}
	c.ch = nil
	c.state = stateDisconnected
	c.scheduleReconnectLocked()
	c.mu.Unlock()
	c.config.logger.Info().Err(err).Msg("bridge channel closed")
}

// scheduleReconnectLocked arms the reconnect timer if none is armed. A
// second close while a timer is already pending does not create a second
// timer. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if !c.wantOpen || c.reconnect != nil {
		return
	}
	c.reconnect = time.AfterFunc(c.config.reconnectDelay, c.reconnectAttempt)
}

// disarmReconnectLocked cancels any pending reconnect timer. Caller holds
// c.mu.
func (c *Client) disarmReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// reconnectAttempt runs when the reconnect timer fires. Dial errors are
// swallowed and the timer is re-armed with the same fixed delay; the loop
// only ends on success or Disconnect.
func (c *Client) reconnectAttempt() {
	c.mu.Lock()
	if c.reconnect == nil && !c.wantOpen {
		// Disarmed by Disconnect after the timer already fired.
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	if !c.wantOpen || c.state == stateConnected {
		c.mu.Unlock()
		return
	}
	c.state = stateConnecting
	dialer := c.config.dialer
	c.mu.Unlock()

	ch, err := dialer.Dial(context.Background(), c.url)

	c.mu.Lock()
	if !c.wantOpen {
		c.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		if c.ch == nil {
			c.state = stateDisconnected
			c.scheduleReconnectLocked()
		}
		c.mu.Unlock()
		c.config.logger.Debug().Err(err).Msg("reconnect attempt failed")
		return
	}
	if c.ch != nil {
		// An explicit Connect won the race; keep its channel.
		c.mu.Unlock()
		ch.Close()
		return
	}
	c.ch = ch
	c.state = stateConnected
	c.mu.Unlock()

	c.config.logger.Info().Str("url", c.url).Msg("bridge reconnected")
	go c.readLoop(ch)
}
