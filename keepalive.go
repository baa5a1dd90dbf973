package mqlink

import (
	"sync"
	"time"
)

// keepaliveGraceNumerator / keepaliveGraceDenominator give the 1.5x window
// the monitor waits for traffic after the interval elapses.
const (
	keepaliveGraceNumerator   = 3
	keepaliveGraceDenominator = 2
)

// KeepaliveMonitor tracks traffic in both directions and decides when an
// idle connection needs a heartbeat and when the peer must be presumed
// dead. All decisions take the current time as a parameter so tests can
// drive the clock.
//
// A heartbeat is due when no outbound packet was written for the interval.
// After one is sent, silence from the peer for 1.5x the interval is a
// liveness failure: the monitor reports it expired and the connection is
// torn down like any transport error.
type KeepaliveMonitor struct {
	mu       sync.Mutex
	interval time.Duration

	lastSent     time.Time
	lastReceived time.Time
	pingSent     time.Time
	awaiting     bool
}

// NewKeepaliveMonitor creates a monitor for the given interval. A zero
// interval disables keepalive entirely.
func NewKeepaliveMonitor(interval time.Duration) *KeepaliveMonitor {
	return &KeepaliveMonitor{interval: interval}
}

// Interval returns the configured keepalive interval.
func (k *KeepaliveMonitor) Interval() time.Duration { return k.interval }

// Enabled reports whether keepalive is active.
func (k *KeepaliveMonitor) Enabled() bool { return k.interval > 0 }

// Start resets the monitor at connection establishment.
func (k *KeepaliveMonitor) Start(now time.Time) {
	k.mu.Lock()
	k.lastSent = now
	k.lastReceived = now
	k.awaiting = false
	k.mu.Unlock()
}

// Touch records an outbound packet. Any write counts as liveness proof, so
// a busy publisher never sends heartbeats.
func (k *KeepaliveMonitor) Touch(now time.Time) {
	k.mu.Lock()
	k.lastSent = now
	k.mu.Unlock()
}

// Observe records an inbound packet and clears a pending heartbeat wait.
func (k *KeepaliveMonitor) Observe(now time.Time) {
	k.mu.Lock()
	k.lastReceived = now
	k.awaiting = false
	k.mu.Unlock()
}

// PingDue reports whether the connection has been idle long enough to need
// a heartbeat.
func (k *KeepaliveMonitor) PingDue(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.interval <= 0 || k.awaiting {
		return false
	}
	return now.Sub(k.lastSent) >= k.interval
}

// MarkPing records that a heartbeat was written, starting the response
// grace window.
func (k *KeepaliveMonitor) MarkPing(now time.Time) {
	k.mu.Lock()
	k.lastSent = now
	k.pingSent = now
	k.awaiting = true
	k.mu.Unlock()
}

// Expired reports whether a pending heartbeat has gone unanswered past the
// grace window.
func (k *KeepaliveMonitor) Expired(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.interval <= 0 || !k.awaiting {
		return false
	}
	grace := k.interval * keepaliveGraceNumerator / keepaliveGraceDenominator
	return now.Sub(k.pingSent) >= grace
}

// NextCheck returns how long the keepalive loop should sleep before the
// next decision point.
func (k *KeepaliveMonitor) NextCheck(now time.Time) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.interval <= 0 {
		return 0
	}
	if k.awaiting {
		grace := k.interval * keepaliveGraceNumerator / keepaliveGraceDenominator
		d := k.pingSent.Add(grace).Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	d := k.lastSent.Add(k.interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
