package mqlink

import (
	"errors"
	"time"
)

// EventHandler receives lifecycle events from a client. Events are error
// values: match the kind with errors.Is against the Ev* sentinels and
// extract details with errors.As. The handler is invoked from the client's
// internal goroutines and must not block.
type EventHandler func(client *Client, event error)

// Sentinel events for the connection lifecycle - check with errors.Is().
var (
	// EvConnecting is emitted on entering the Connecting state.
	EvConnecting = errors.New("connecting")

	// EvConnected is emitted on entering the Connected state.
	EvConnected = errors.New("connected")

	// EvConnectionLost is emitted when the transport fails or the broker
	// sends malformed data, before the reconnect timer is armed.
	EvConnectionLost = errors.New("connection lost")

	// EvReconnectScheduled is emitted on entering AwaitingReconnect with the
	// computed backoff delay.
	EvReconnectScheduled = errors.New("reconnect scheduled")

	// EvDisconnected is emitted on entering the Disconnected state.
	EvDisconnected = errors.New("disconnected")

	// EvPublishExpired is emitted when an outbox entry ages out at
	// reconnect instead of being resent.
	EvPublishExpired = errors.New("publish entry expired")
)

// ConnectingEvent reports a handshake attempt.
// Extract with errors.As().
type ConnectingEvent struct {
	err     error
	Server  string
	Attempt int // 0 for the initial connect, 1-based for reconnects
}

func (e *ConnectingEvent) Error() string { return e.err.Error() }
func (e *ConnectingEvent) Unwrap() error { return e.err }

func newConnectingEvent(server string, attempt int) *ConnectingEvent {
	return &ConnectingEvent{err: EvConnecting, Server: server, Attempt: attempt}
}

// ConnectedEvent reports a successful handshake. SessionRestored
// distinguishes "connected with restored broker-side session" from
// "connected fresh".
// Extract with errors.As().
type ConnectedEvent struct {
	err             error
	SessionRestored bool
	Server          string
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

func newConnectedEvent(server string, restored bool) *ConnectedEvent {
	return &ConnectedEvent{err: EvConnected, SessionRestored: restored, Server: server}
}

// ConnectionLostEvent reports an ungraceful loss of the transport or a fatal
// protocol error. Extract with errors.As().
type ConnectionLostEvent struct {
	err   error
	Cause error
}

func (e *ConnectionLostEvent) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}
func (e *ConnectionLostEvent) Unwrap() error { return e.err }

func newConnectionLostEvent(cause error) *ConnectionLostEvent {
	return &ConnectionLostEvent{err: EvConnectionLost, Cause: cause}
}

// ReconnectEvent reports that the scheduler armed the backoff timer.
// Cancel stops further attempts and parks the client in Disconnected.
// Extract with errors.As().
type ReconnectEvent struct {
	err         error
	Attempt     int
	MaxAttempts int // 0 means unlimited
	Delay       time.Duration
	cancelFn    func()
}

func (e *ReconnectEvent) Error() string { return e.err.Error() }
func (e *ReconnectEvent) Unwrap() error { return e.err }

// Cancel stops further reconnection attempts.
func (e *ReconnectEvent) Cancel() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
}

func newReconnectEvent(attempt, maxAttempts int, delay time.Duration, cancelFn func()) *ReconnectEvent {
	return &ReconnectEvent{
		err:         EvReconnectScheduled,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		cancelFn:    cancelFn,
	}
}

// DisconnectedEvent reports entry into the Disconnected state. Graceful is
// true for an application-requested stop, false when the reconnection
// scheduler gave up (Cause is then ErrGiveUp or the last handshake error).
// Extract with errors.As().
type DisconnectedEvent struct {
	err      error
	Graceful bool
	Cause    error
}

func (e *DisconnectedEvent) Error() string {
	if e.Graceful {
		return "disconnected"
	}
	if e.Cause != nil {
		return "disconnected: " + e.Cause.Error()
	}
	return "disconnected"
}
func (e *DisconnectedEvent) Unwrap() error { return e.err }

func newDisconnectedEvent(graceful bool, cause error) *DisconnectedEvent {
	return &DisconnectedEvent{err: EvDisconnected, Graceful: graceful, Cause: cause}
}

// PublishExpiredEvent reports an outbox entry dropped at reconnect because
// it exceeded the configured entry expiry. The same outcome is delivered to
// the entry's PublishToken. Extract with errors.As().
type PublishExpiredEvent struct {
	err      error
	Topic    string
	PacketID uint16
	Age      time.Duration
}

func (e *PublishExpiredEvent) Error() string {
	return "publish entry expired: " + e.Topic
}
func (e *PublishExpiredEvent) Unwrap() error { return e.err }

func newPublishExpiredEvent(topic string, packetID uint16, age time.Duration) *PublishExpiredEvent {
	return &PublishExpiredEvent{err: EvPublishExpired, Topic: topic, PacketID: packetID, Age: age}
}
