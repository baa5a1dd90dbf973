package mqlink

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)

	// Value returns the current value.
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()

	// Value returns the current value.
	Value() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter { return &noOpCounter{} }

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge { return &noOpGauge{} }

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Value() float64 { return 0 }

// Standard metric names for the client.
const (
	// MetricConnects is the total number of successful connections.
	MetricConnects = "mqlink_connects_total"

	// MetricReconnects is the total number of reconnect attempts.
	MetricReconnects = "mqlink_reconnects_total"

	// MetricConnectionLost is the total number of dropped connections.
	MetricConnectionLost = "mqlink_connection_lost_total"

	// MetricPublishesSent is the total number of publishes written.
	MetricPublishesSent = "mqlink_publishes_sent_total"

	// MetricPublishesAcked is the total number of acknowledged publishes.
	MetricPublishesAcked = "mqlink_publishes_acked_total"

	// MetricPublishesExpired is the total number of expired publishes.
	MetricPublishesExpired = "mqlink_publishes_expired_total"

	// MetricMessagesReceived is the total number of messages delivered.
	MetricMessagesReceived = "mqlink_messages_received_total"

	// MetricOutboxDepth is the current number of outstanding outbox entries.
	MetricOutboxDepth = "mqlink_outbox_depth"

	// MetricKeepaliveTimeouts is the total number of keepalive timeouts.
	MetricKeepaliveTimeouts = "mqlink_keepalive_timeouts_total"
)

// LabelQoS is the QoS level label.
const LabelQoS = "qos"

// ClientMetrics provides convenience methods for the client's own
// instrumentation points.
type ClientMetrics struct {
	metrics Metrics
}

// NewClientMetrics creates a new ClientMetrics instance.
func NewClientMetrics(m Metrics) *ClientMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &ClientMetrics{metrics: m}
}

// Connected records an established connection.
func (c *ClientMetrics) Connected() {
	c.metrics.Counter(MetricConnects, nil).Inc()
}

// ReconnectAttempt records a reconnect attempt.
func (c *ClientMetrics) ReconnectAttempt() {
	c.metrics.Counter(MetricReconnects, nil).Inc()
}

// ConnectionLost records a dropped connection.
func (c *ClientMetrics) ConnectionLost() {
	c.metrics.Counter(MetricConnectionLost, nil).Inc()
}

// PublishSent records a publish written to the transport.
func (c *ClientMetrics) PublishSent(qos byte) {
	labels := MetricLabels{LabelQoS: string(rune('0' + qos))}
	c.metrics.Counter(MetricPublishesSent, labels).Inc()
}

// PublishAcked records a completed delivery handshake.
func (c *ClientMetrics) PublishAcked(qos byte) {
	labels := MetricLabels{LabelQoS: string(rune('0' + qos))}
	c.metrics.Counter(MetricPublishesAcked, labels).Inc()
}

// PublishExpired records a publish that aged out of the outbox.
func (c *ClientMetrics) PublishExpired() {
	c.metrics.Counter(MetricPublishesExpired, nil).Inc()
}

// MessageReceived records an inbound message delivered to a handler.
func (c *ClientMetrics) MessageReceived(qos byte) {
	labels := MetricLabels{LabelQoS: string(rune('0' + qos))}
	c.metrics.Counter(MetricMessagesReceived, labels).Inc()
}

// OutboxDepth records the current outstanding entry count.
func (c *ClientMetrics) OutboxDepth(n int) {
	c.metrics.Gauge(MetricOutboxDepth, nil).Set(float64(n))
}

// KeepaliveTimeout records an unanswered heartbeat.
func (c *ClientMetrics) KeepaliveTimeout() {
	c.metrics.Counter(MetricKeepaliveTimeouts, nil).Inc()
}
