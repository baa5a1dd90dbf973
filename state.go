package mqlink

// ConnState is the connection state machine's current state.
type ConnState int32

const (
	// StateDisconnected is the initial state and the terminal state at rest.
	StateDisconnected ConnState = iota

	// StateConnecting means the transport is being opened and the connect
	// handshake is in flight.
	StateConnecting

	// StateConnected is the steady state.
	StateConnected

	// StateDisconnecting means a graceful teardown is in flight.
	StateDisconnecting

	// StateAwaitingReconnect means the backoff timer is running.
	StateAwaitingReconnect
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateAwaitingReconnect:
		return "awaiting_reconnect"
	default:
		return "unknown"
	}
}

// validTransition reports whether the state machine permits moving from one
// state to another. The transition table follows the session lifecycle: a
// client connects, stays connected until a graceful stop or a transport
// failure, and failures always route through AwaitingReconnect.
func validTransition(from, to ConnState) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to == StateAwaitingReconnect || to == StateDisconnected
	case StateConnected:
		return to == StateDisconnecting || to == StateAwaitingReconnect
	case StateDisconnecting:
		return to == StateDisconnected
	case StateAwaitingReconnect:
		return to == StateConnecting || to == StateDisconnected
	default:
		return false
	}
}
