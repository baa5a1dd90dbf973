package mqlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeepaliveMonitor(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	interval := 10 * time.Second

	t.Run("disabled with zero interval", func(t *testing.T) {
		k := NewKeepaliveMonitor(0)
		k.Start(base)

		assert.False(t, k.Enabled())
		assert.False(t, k.PingDue(base.Add(time.Hour)))
		assert.False(t, k.Expired(base.Add(time.Hour)))
	})

	t.Run("ping due after idle interval", func(t *testing.T) {
		k := NewKeepaliveMonitor(interval)
		k.Start(base)

		assert.False(t, k.PingDue(base.Add(9*time.Second)))
		assert.True(t, k.PingDue(base.Add(10*time.Second)))
	})

	t.Run("outbound traffic defers ping", func(t *testing.T) {
		k := NewKeepaliveMonitor(interval)
		k.Start(base)

		k.Touch(base.Add(8 * time.Second))
		assert.False(t, k.PingDue(base.Add(12*time.Second)))
		assert.True(t, k.PingDue(base.Add(18*time.Second)))
	})

	t.Run("expires at one and a half intervals of silence", func(t *testing.T) {
		k := NewKeepaliveMonitor(interval)
		k.Start(base)

		k.MarkPing(base.Add(10 * time.Second))
		assert.False(t, k.Expired(base.Add(24*time.Second)))
		assert.True(t, k.Expired(base.Add(25*time.Second)))
	})

	t.Run("inbound traffic clears pending ping", func(t *testing.T) {
		k := NewKeepaliveMonitor(interval)
		k.Start(base)

		k.MarkPing(base.Add(10 * time.Second))
		k.Observe(base.Add(11 * time.Second))

		assert.False(t, k.Expired(base.Add(time.Hour)))
	})

	t.Run("no second ping while awaiting response", func(t *testing.T) {
		k := NewKeepaliveMonitor(interval)
		k.Start(base)

		k.MarkPing(base.Add(10 * time.Second))
		assert.False(t, k.PingDue(base.Add(21*time.Second)))
	})

	t.Run("next check tracks the pending deadline", func(t *testing.T) {
		k := NewKeepaliveMonitor(interval)
		k.Start(base)

		assert.Equal(t, interval, k.NextCheck(base))

		k.MarkPing(base.Add(10 * time.Second))
		assert.Equal(t, 15*time.Second, k.NextCheck(base.Add(10*time.Second)))

		assert.Zero(t, k.NextCheck(base.Add(time.Hour)))
	})
}
