package mqlink

import (
	"crypto/tls"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"
)

// Default tuning values.
const (
	// DefaultKeepAlive is the keepalive interval used when none is set.
	DefaultKeepAlive = 60 * time.Second

	// DefaultMaxMessageSize is the largest inbound message accepted.
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultReceiveBufferSize is the chunk size used when reading a
	// message body off the transport.
	DefaultReceiveBufferSize = 32 * 1024

	// DefaultMaxInbound bounds concurrent inbound exactly-once flows.
	DefaultMaxInbound = 1024
)

// MessageHandler processes an inbound message. Handlers run on the receive
// path; a slow handler delays acknowledgment of later messages.
type MessageHandler func(msg *Message)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Connection settings
	servers      []string
	clientID     string
	username     string
	password     []byte
	cleanSession bool
	keepAlive    time.Duration
	will         *WillSpec

	// TLS configuration
	tlsConfig *tls.Config

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration

	// Delivery and session bounds
	outboxLimits      OutboxLimits
	entryExpiry       time.Duration
	maxInbound        int
	maxMessageSize    int
	receiveBufferSize int

	// Reconnect settings
	autoReconnect    bool
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	jitterWindow     time.Duration
	maxReconnects    int
	scheduler        ReconnectScheduler

	// Publish rate limiting
	publishLimiter *rate.Limiter

	// Transport override
	dialer Dialer

	// Handlers
	onEvent   EventHandler
	onMessage MessageHandler

	// Plumbing
	sessionFactory SessionFactory
	logger         Logger
	metrics        Metrics
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		cleanSession:      true,
		keepAlive:         DefaultKeepAlive,
		connectTimeout:    10 * time.Second,
		writeTimeout:      5 * time.Second,
		maxInbound:        DefaultMaxInbound,
		maxMessageSize:    DefaultMaxMessageSize,
		receiveBufferSize: DefaultReceiveBufferSize,
		autoReconnect:     true,
		reconnectBackoff:  1 * time.Second,
		maxBackoff:        60 * time.Second,
		jitterWindow:      500 * time.Millisecond,
		logger:            NewNoOpLogger(),
		metrics:           &NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithServers sets the server addresses tried in round-robin order on each
// connection attempt. Addresses are URLs: tcp://host:port, tls://host:port,
// ws://host/path, wss://host/path or quic://host:port. Multiple calls
// append.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithClientID sets the client identifier the session is keyed by. When
// unset, a random identifier is generated and the session is forced clean.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithCleanSession sets whether broker and client discard session state on
// connect and disconnect. A persistent session (false) replays unfinished
// deliveries and restores subscriptions across reconnects.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanSession = clean
	}
}

// WithKeepAlive sets the keepalive interval. Zero disables heartbeats.
// Sub-second values are rounded up to one second on the wire.
func WithKeepAlive(d time.Duration) Option {
	return func(o *clientOptions) {
		o.keepAlive = d
	}
}

// WithWill sets the message the broker publishes on the client's behalf if
// the connection dies without a graceful disconnect.
func WithWill(topic string, payload []byte, qos byte, retain bool) Option {
	return func(o *clientOptions) {
		o.will = &WillSpec{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		}
	}
}

// WithTLS sets the TLS configuration for secure connections.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithConnectTimeout sets the timeout for establishing a connection and
// completing the handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout sets the timeout for writing a packet.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithOutboxLimits bounds the session store's outbox. Publishing past a
// bound fails synchronously with ErrOutboxFull.
func WithOutboxLimits(limits OutboxLimits) Option {
	return func(o *clientOptions) {
		o.outboxLimits = limits
	}
}

// WithEntryExpiry sets the lifetime of queued messages. Entries older than
// this at reconnect are dropped, their tokens resolved with
// ErrPublishExpired and a PublishExpiredEvent reported. Zero keeps entries
// forever.
func WithEntryExpiry(d time.Duration) Option {
	return func(o *clientOptions) {
		o.entryExpiry = d
	}
}

// WithMaxInbound bounds the number of inbound exactly-once deliveries
// tracked concurrently. Exceeding it is a protocol failure, not a silent
// drop.
func WithMaxInbound(n int) Option {
	return func(o *clientOptions) {
		o.maxInbound = n
	}
}

// WithMaxMessageSize sets the largest inbound message accepted. Larger
// declarations are rejected before any body byte is buffered.
func WithMaxMessageSize(n int) Option {
	return func(o *clientOptions) {
		o.maxMessageSize = n
	}
}

// WithReceiveBufferSize sets the chunk size used when reading message
// bodies off the transport.
func WithReceiveBufferSize(n int) Option {
	return func(o *clientOptions) {
		o.receiveBufferSize = n
	}
}

// WithAutoReconnect enables or disables automatic reconnection on
// connection loss.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithReconnectBackoff sets the delay before the first reconnect attempt.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxBackoff caps the exponential reconnect delay growth.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxBackoff = d
	}
}

// WithJitterWindow sets the width of the random addition to each reconnect
// delay. Zero disables jitter.
func WithJitterWindow(d time.Duration) Option {
	return func(o *clientOptions) {
		o.jitterWindow = d
	}
}

// WithMaxReconnects bounds consecutive failed reconnect attempts. When the
// bound is hit the client stops retrying and reports ErrGiveUp. Zero
// retries forever.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithReconnectScheduler replaces the default exponential backoff with a
// custom retry policy. When set, the backoff, jitter and attempt options
// are ignored.
func WithReconnectScheduler(s ReconnectScheduler) Option {
	return func(o *clientOptions) {
		o.scheduler = s
	}
}

// WithPublishRateLimit caps outbound publishes at the given rate with the
// given burst. Publish fails with ErrRateLimited when no quota is
// available.
func WithPublishRateLimit(r rate.Limit, burst int) Option {
	return func(o *clientOptions) {
		o.publishLimiter = rate.NewLimiter(r, burst)
	}
}

// WithDialer overrides scheme-based dialing with a custom transport
// dialer. Server addresses are passed through to it verbatim.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// OnEvent sets the handler for client lifecycle events and errors.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// OnMessage sets the fallback handler for inbound messages that match no
// per-subscription handler.
func OnMessage(handler MessageHandler) Option {
	return func(o *clientOptions) {
		o.onMessage = handler
	}
}

// WithSessionFactory sets the factory creating the session store. The
// default is in-memory; use BoltSessionFactory for sessions surviving
// process restarts.
func WithSessionFactory(factory SessionFactory) Option {
	return func(o *clientOptions) {
		if factory != nil {
			o.sessionFactory = factory
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// validate rejects configurations that cannot work, before any network
// activity.
func (o *clientOptions) validate() error {
	if len(o.servers) == 0 {
		return ErrNoServers
	}
	if len(o.clientID) > maxUint16 {
		return ErrInvalidClientID
	}
	if o.clientID == "" {
		// A generated identifier cannot resume broker-side state, so the
		// session must be clean.
		if !o.cleanSession {
			return ErrInvalidClientID
		}
		o.clientID = generateClientID()
	}
	if o.will != nil {
		if o.will.QoS > QoS2 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicName(o.will.Topic); err != nil {
			return err
		}
	}
	if o.sessionFactory == nil {
		o.sessionFactory = DefaultSessionFactory(o.outboxLimits)
	}
	return nil
}

// generateClientID returns a fresh globally unique client identifier.
func generateClientID() string {
	return "mqlink-" + xid.New().String()
}
