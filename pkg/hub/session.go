package hub

import (
	"context"
	"sync"

	"github.com/coder/websocket"

	"github.com/overlaykit/go-axbridge/pkg/wire"
)

// session is one connected bridge client. Outgoing frames go through a
// buffered queue drained by a single writer goroutine; a full queue drops
// the frame instead of stalling the rest of the hub.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	remote string

	send   chan []byte
	events chan interface{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newSession wires a session up, including its event-bus subscription, so
// an event published the moment the session becomes visible is not lost.
func newSession(h *Hub, conn *websocket.Conn, remote string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		hub:    h,
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, h.config.sendBuffer),
		events: h.bus.Sub(eventsTopic),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run serves the session until the connection drops. It blocks.
func (s *session) run() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(s.events)
	}()

	s.readPump()
	s.close(websocket.StatusNormalClosure, "")
	wg.Wait()
}

func (s *session) readPump() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

// dispatch routes one inbound frame. Malformed frames and frames that are
// not well-formed requests are dropped silently, mirroring the client-side
// codec policy.
func (s *session) dispatch(data []byte) {
	frame, ok := wire.Decode(data)
	if !ok {
		s.hub.config.logger.Debug().Str("remote", s.remote).Msg("dropping malformed frame")
		return
	}
	if frame.ID == "" || frame.Method == "" {
		s.hub.config.logger.Debug().Str("remote", s.remote).Msg("dropping frame without id/method")
		return
	}

	fn, ok := s.hub.handler(frame.Method)
	if !ok {
		requestsTotal.WithLabelValues(frame.Method, "false").Inc()
		out, err := wire.EncodeError(frame.ID, "unknown method: "+frame.Method)
		if err == nil {
			s.enqueue(out)
		}
		return
	}

	// Handlers run off the read loop so one slow method cannot block the
	// session's inbound traffic.
	go func() {
		result, err := fn(s.ctx, frame.Args)
		var out []byte
		var encErr error
		if err != nil {
			requestsTotal.WithLabelValues(frame.Method, "false").Inc()
			out, encErr = wire.EncodeError(frame.ID, err.Error())
		} else {
			requestsTotal.WithLabelValues(frame.Method, "true").Inc()
			out, encErr = wire.EncodeResponse(frame.ID, result)
		}
		if encErr != nil {
			s.hub.config.logger.Error().Err(encErr).Str("method", frame.Method).Msg("encode response failed")
			out, _ = wire.EncodeError(frame.ID, "internal: response not serializable")
		}
		s.enqueue(out)
	}()
}

// enqueue queues one frame for the writer. Drops when the queue is full.
func (s *session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	case <-s.ctx.Done():
	default:
		s.hub.config.logger.Warn().Str("remote", s.remote).Msg("send queue full, frame dropped")
	}
}

func (s *session) writePump(events chan interface{}) {
	defer s.hub.bus.Unsub(events, eventsTopic)
	for {
		select {
		case frame := <-s.send:
			s.write(frame)
		case msg, ok := <-events:
			if !ok {
				return
			}
			if frame, ok := msg.([]byte); ok {
				s.write(frame)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) write(frame []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, s.hub.config.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		s.hub.config.logger.Debug().Err(err).Str("remote", s.remote).Msg("session write failed")
		s.close(websocket.StatusAbnormalClosure, "write failed")
	}
}

func (s *session) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(status, reason)
	})
}
