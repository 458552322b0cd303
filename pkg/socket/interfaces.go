package socket

import (
	"encoding/json"

	"github.com/rmacdonaldsmith/carina-go/pkg/future"
)

// Event names emitted by a socket. Server events are emitted as
// "event:<name>", so a live event arrives as EventLive.
const (
	EventOpen         = "open"
	EventClose        = "close"
	EventError        = "error"
	EventReconnecting = "reconnecting"
	EventHello        = "event:hello"
	EventLive         = "event:live"
)

// Control-plane methods understood by Constellation.
const (
	MethodLiveSubscribe   = "livesubscribe"
	MethodLiveUnsubscribe = "liveunsubscribe"
	MethodSetCompression  = "setCompression"
	MethodPing            = "ping"
)

// Handler receives the data attached to an emitted event. Handlers run on
// the socket's read goroutine; blocking there stalls every reply.
type Handler func(data json.RawMessage)

// Emitter delivers events to handlers registered by event name.
type Emitter interface {
	// On registers handler for every future emission of event.
	On(event string, handler Handler)
}

// Executor issues control-plane requests. The returned future settles
// exactly once with the reply result or an error; there is no implicit retry.
type Executor interface {
	Execute(method string, params any) *future.Future[json.RawMessage]
}

// Transport is what the subscription manager needs from a socket.
type Transport interface {
	Emitter
	Executor
}

// Socket is a managed, reconnecting Transport.
type Socket interface {
	Transport

	// Connect starts the connection loop. It is a no-op if already started.
	Connect() error

	// State returns the current connection state.
	State() State

	// Close stops reconnecting, closes the connection and rejects every
	// outstanding request with ErrClosed.
	Close() error
}

// State is the lifecycle state of a socket.
type State int

const (
	// StateIdle means Connect has not been called yet.
	StateIdle State = iota
	// StateConnecting means a dial or a reconnect wait is in progress.
	StateConnecting
	// StateConnected means the websocket is open.
	StateConnected
	// StateClosing means Close has been called.
	StateClosing
	// StateClosed means the socket is finished and will not reconnect.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LiveEvent is the data of an EventLive emission.
type LiveEvent struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// LiveParams are the params of livesubscribe and liveunsubscribe.
type LiveParams struct {
	Events []string `json:"events"`
}

// Hello is the data of the hello event sent by the server on connect.
type Hello struct {
	Authenticated bool `json:"authenticated"`
}
