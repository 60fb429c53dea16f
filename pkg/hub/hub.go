// Package hub is the backend side of the overlay bridge: an HTTP handler
// that accepts WebSocket connections from bridge clients, routes their
// request frames to registered method handlers, and pushes event frames to
// every connected session.
//
// The hub treats method payloads as opaque JSON; what the methods do
// (accessibility trees, window geometry) is the embedding application's
// business.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"

	"github.com/overlaykit/go-axbridge/pkg/wire"
)

const (
	defaultSendBuffer   = 16
	defaultWriteTimeout = 10 * time.Second
	defaultBusCapacity  = 64

	// Internal pubsub topic carrying encoded event frames to sessions.
	eventsTopic = "events"
)

// HandlerFunc serves one method. args is the raw "args" value of the
// request frame; the returned value is marshalled into the response's
// "result" field. A non-nil error becomes an error response carrying
// err.Error() verbatim.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

type hubConfig struct {
	logger       zerolog.Logger
	accept       *websocket.AcceptOptions
	sendBuffer   int
	writeTimeout time.Duration
	busCapacity  int
}

// Option configures the Hub.
type Option func(*Hub)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) { h.config.logger = logger }
}

// WithAcceptOptions passes custom websocket.AcceptOptions through.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(h *Hub) { h.config.accept = opts }
}

// WithSendBuffer sets the per-session outgoing queue length. Frames beyond
// it are dropped rather than letting a slow session stall the hub.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.config.sendBuffer = n
		}
	}
}

// WithWriteTimeout bounds a single frame write to a session.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.config.writeTimeout = d
		}
	}
}

// Hub accepts bridge connections and routes frames. Create with New, mount
// as an http.Handler.
type Hub struct {
	config  hubConfig
	bus     *pubsub.PubSub
	started time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sessions map[*session]struct{}
	closed   bool
}

// New creates a Hub with the built-in diagnostic methods registered.
func New(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			logger:       zerolog.Nop(),
			sendBuffer:   defaultSendBuffer,
			writeTimeout: defaultWriteTimeout,
			busCapacity:  defaultBusCapacity,
		},
		started:  time.Now(),
		handlers: make(map[string]HandlerFunc),
		sessions: make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.bus = pubsub.New(h.config.busCapacity)

	h.HandleFunc("hub.ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	h.HandleFunc("hub.stats", func(context.Context, json.RawMessage) (any, error) {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return Stats{
			Sessions:      len(h.sessions),
			Methods:       len(h.handlers),
			UptimeSeconds: int64(time.Since(h.started).Seconds()),
		}, nil
	})
	return h
}

// Stats is the result of the built-in hub.stats method.
type Stats struct {
	Sessions      int   `json:"sessions"`
	Methods       int   `json:"methods"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// HandleFunc registers fn for method. Registering the same method twice
// replaces the previous handler.
func (h *Hub) HandleFunc(method string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = fn
}

// Publish pushes an event frame to every connected session. Delivery to a
// session whose queue is full is dropped; events are advisory.
func (h *Hub) Publish(event string, data any) error {
	frame, err := wire.EncodeEvent(event, data)
	if err != nil {
		return fmt.Errorf("hub: encode event %q: %w", event, err)
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return fmt.Errorf("hub: closed")
	}
	h.bus.Pub(frame, eventsTopic)
	eventsPublished.WithLabelValues(event).Inc()
	return nil
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close rejects new connections and disconnects every session. Each
// session unsubscribes itself from the event bus as its pumps wind down,
// so the bus needs no separate teardown. The hub cannot be reused
// afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.StatusGoingAway, "hub shutting down")
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket session and serves it until
// the connection drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "hub shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, h.config.accept)
	if err != nil {
		h.config.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	conn.SetReadLimit(1024 * 1024)

	s := newSession(h, conn, r.RemoteAddr)
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	sessionsGauge.Inc()
	h.config.logger.Info().Str("remote", r.RemoteAddr).Msg("session connected")

	s.run()

	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	sessionsGauge.Dec()
	h.config.logger.Info().Str("remote", r.RemoteAddr).Msg("session closed")
}

// handler looks up the registered handler for method.
func (h *Hub) handler(method string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[method]
	return fn, ok
}
