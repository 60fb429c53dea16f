package bridge

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Call when no channel is open. The client
// performs no outbound queueing while disconnected; callers that need
// resilience across blips retry at a higher layer.
var ErrNotConnected = errors.New("bridge: not connected")

// TimeoutError reports that no response arrived for a call within the
// configured deadline. The pending entry is gone by the time the caller
// sees this; a late response for the same id is silently dropped.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: call %q timed out waiting for response", e.Method)
}

// RemoteError carries the error text of a response frame whose "error"
// field is set. The message is reported to the caller verbatim.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "bridge: remote error: " + e.Message
}
