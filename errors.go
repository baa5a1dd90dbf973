package mqlink

import "errors"

// Sentinel errors for configuration problems. These are returned
// synchronously, before any network activity.
var (
	// ErrInvalidClientID is returned when the configured client identifier
	// is empty or exceeds the wire limit.
	ErrInvalidClientID = errors.New("invalid client identifier")

	// ErrInvalidQoS is returned when a QoS level outside 0..2 is requested.
	ErrInvalidQoS = errors.New("invalid QoS level")

	// ErrNoServers is returned when no server addresses are configured.
	ErrNoServers = errors.New("no servers configured")

	// ErrInvalidTopic is returned when a topic name or filter is invalid.
	ErrInvalidTopic = errors.New("invalid topic")
)

// Sentinel errors for operations - check with errors.Is().
var (
	// ErrClientClosed is returned when an operation is attempted on a
	// disposed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNotConnected is returned when an operation requires an active
	// connection and cannot be deferred.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned from Connect when the client is not
	// in the disconnected state.
	ErrAlreadyConnected = errors.New("already connected or connecting")

	// ErrOutboxFull is returned synchronously from Publish when the session
	// store's outbox bound would be exceeded. The message is not enqueued.
	ErrOutboxFull = errors.New("outbox full")

	// ErrPublishExpired resolves a PublishToken whose entry aged out of the
	// outbox before it could be acknowledged.
	ErrPublishExpired = errors.New("publish expired")

	// ErrPublishCancelled resolves a PublishToken that was cancelled by the
	// caller before acknowledgment.
	ErrPublishCancelled = errors.New("publish cancelled")

	// ErrSessionCleared resolves tokens for in-flight entries discarded when
	// a clean session drops its outbox on disconnect.
	ErrSessionCleared = errors.New("session cleared")

	// ErrRateLimited is returned from Publish when the configured outbound
	// rate limit has no quota available.
	ErrRateLimited = errors.New("publish rate limited")
)

// Sentinel errors for protocol failures. All of these are treated as
// transport errors: the stream can no longer be trusted, so the state
// machine escalates to AwaitingReconnect.
var (
	// ErrProtocolViolation is returned when the broker sends data that
	// violates the protocol.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUnexpectedAck is returned when an acknowledgment arrives for a
	// packet identifier with no outstanding entry.
	ErrUnexpectedAck = errors.New("acknowledgment for unknown packet identifier")

	// ErrInboundOverflow is returned when a new inbound exactly-once flow
	// would exceed the bounded in-progress set.
	ErrInboundOverflow = errors.New("inbound exactly-once tracking overflow")

	// ErrMessageTooLarge is returned when an inbound message declares a
	// total length above the configured maximum, before any byte of it is
	// buffered.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrKeepaliveTimeout is reported when no traffic is observed within
	// the grace window after a heartbeat was sent.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")

	// ErrHandshakeRefused is returned when the broker rejects the connect
	// handshake.
	ErrHandshakeRefused = errors.New("handshake refused")
)

// ErrGiveUp is reported through the event handler when the reconnection
// scheduler exhausts its configured attempt budget.
var ErrGiveUp = errors.New("reconnect attempts exhausted")
