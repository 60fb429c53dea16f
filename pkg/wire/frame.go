// Package wire defines the JSON frame format exchanged between the overlay
// bridge client and its backend, and the codec used on both ends.
//
// Three frame shapes travel over the wire:
//
//	request  (client -> server): {"id": "...", "method": "...", "args": {...}}
//	response (server -> client): {"id": "...", "result": ...} or {"id": "...", "error": "..."}
//	event    (server -> client): {"event": "...", "data": ...}
//
// The presence of an "id" field decides whether an inbound frame is a
// response; the presence of "error" is authoritative over "result".
package wire

import (
	"encoding/json"
)

// Frame is one decoded wire message. Field presence, not an explicit type
// tag, determines what the frame means; see Classify.
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Kind classifies an inbound frame for dispatch.
type Kind int

const (
	// KindUnknown marks a frame that is neither a response nor an event.
	// Such frames are dropped with no observable effect.
	KindUnknown Kind = iota
	// KindResponse is a frame carrying a correlation id.
	KindResponse
	// KindEvent is a frame carrying an event topic and no correlation id.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Classify applies the dispatch rule: an id makes the frame a response, an
// event name without an id makes it an event, anything else is unknown.
func (f *Frame) Classify() Kind {
	switch {
	case f.ID != "":
		return KindResponse
	case f.Event != "":
		return KindEvent
	default:
		return KindUnknown
	}
}

// IsError reports whether a response frame carries a remote error. Error
// presence wins over any result value.
func (f *Frame) IsError() bool {
	return f.Error != ""
}

// request is the outbound frame shape. Args is always present, `null` when
// the caller passed nil, so the server never has to distinguish a missing
// key from an empty argument set.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// EncodeRequest serializes an outbound request frame. args may be any
// JSON-marshalable value; nil encodes as `null`.
func EncodeRequest(id, method string, args any) ([]byte, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(request{ID: id, Method: method, Args: raw})
}

// EncodeResponse serializes a response frame with a result value.
func EncodeResponse(id string, result any) ([]byte, error) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(struct {
		ID     string          `json:"id"`
		Result json.RawMessage `json:"result"`
	}{ID: id, Result: raw})
}

// EncodeError serializes a response frame carrying an error message.
func EncodeError(id, message string) ([]byte, error) {
	return json.Marshal(struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}{ID: id, Error: message})
}

// EncodeEvent serializes a server-push event frame.
func EncodeEvent(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{Event: event, Data: raw})
}

// Decode parses one inbound text frame. The second return value is false
// when the input is not valid JSON or not a JSON object; malformed frames
// are the caller's cue to drop the input silently. Parsing never fails the
// connection.
func Decode(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false
	}
	return f, true
}
