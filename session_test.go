package mqlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxLimits(t *testing.T) {
	t.Run("zero value allows everything", func(t *testing.T) {
		var l OutboxLimits
		assert.True(t, l.allows(1000000, 1<<40, 1<<20))
	})

	t.Run("entry bound", func(t *testing.T) {
		l := OutboxLimits{MaxEntries: 2}
		assert.True(t, l.allows(1, 0, 10))
		assert.False(t, l.allows(2, 0, 10))
	})

	t.Run("byte bound", func(t *testing.T) {
		l := OutboxLimits{MaxBytes: 100}
		assert.True(t, l.allows(0, 50, 50))
		assert.False(t, l.allows(0, 50, 51))
	})
}

func TestMemorySessionOutbox(t *testing.T) {
	t.Run("append assigns increasing sequence", func(t *testing.T) {
		s := NewMemorySession("c1", OutboxLimits{})

		e1 := &OutboxEntry{Topic: "a", PacketID: 1}
		e2 := &OutboxEntry{Topic: "b", PacketID: 2}
		require.NoError(t, s.AppendEntry(e1))
		require.NoError(t, s.AppendEntry(e2))

		assert.Equal(t, uint64(1), e1.Seq)
		assert.Equal(t, uint64(2), e2.Seq)
	})

	t.Run("entries in submission order after removal", func(t *testing.T) {
		s := NewMemorySession("c1", OutboxLimits{})

		for _, topic := range []string{"a", "b", "c"} {
			require.NoError(t, s.AppendEntry(&OutboxEntry{Topic: topic}))
		}
		require.NoError(t, s.RemoveEntry(2))

		entries := s.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, "a", entries[0].Topic)
		assert.Equal(t, "c", entries[1].Topic)
	})

	t.Run("bounds enforced", func(t *testing.T) {
		s := NewMemorySession("c1", OutboxLimits{MaxEntries: 1})

		require.NoError(t, s.AppendEntry(&OutboxEntry{Topic: "a"}))
		assert.ErrorIs(t, s.AppendEntry(&OutboxEntry{Topic: "b"}), ErrOutboxFull)
	})

	t.Run("byte accounting", func(t *testing.T) {
		s := NewMemorySession("c1", OutboxLimits{})

		e := &OutboxEntry{Topic: "a", Payload: []byte("12345")}
		require.NoError(t, s.AppendEntry(e))
		assert.Equal(t, int64(5), s.OutboxBytes())

		require.NoError(t, s.RemoveEntry(e.Seq))
		assert.Zero(t, s.OutboxBytes())
	})

	t.Run("update unknown entry", func(t *testing.T) {
		s := NewMemorySession("c1", OutboxLimits{})
		err := s.UpdateEntry(&OutboxEntry{Seq: 42})
		assert.ErrorIs(t, err, ErrPacketIDNotFound)
	})

	t.Run("stored entries are isolated copies", func(t *testing.T) {
		s := NewMemorySession("c1", OutboxLimits{})

		e := &OutboxEntry{Topic: "a", State: DeliveryQueued}
		require.NoError(t, s.AppendEntry(e))
		e.State = DeliveryAwaitingAck

		stored := s.Entries()[0]
		assert.Equal(t, DeliveryQueued, stored.State)
	})
}

func TestMemorySessionSubscriptions(t *testing.T) {
	s := NewMemorySession("c1", OutboxLimits{})

	s.SetSubscription(Subscription{TopicFilter: "a/+", QoS: QoS1})
	s.SetSubscription(Subscription{TopicFilter: "b/#", QoS: QoS2})

	sub, ok := s.GetSubscription("a/+")
	require.True(t, ok)
	assert.Equal(t, QoS1, sub.QoS)

	// Replacement, not accumulation.
	s.SetSubscription(Subscription{TopicFilter: "a/+", QoS: QoS0})
	sub, _ = s.GetSubscription("a/+")
	assert.Equal(t, QoS0, sub.QoS)
	assert.Len(t, s.Subscriptions(), 2)

	assert.True(t, s.RemoveSubscription("a/+"))
	assert.False(t, s.RemoveSubscription("a/+"))
	assert.Len(t, s.Subscriptions(), 1)
}

func TestMemorySessionClear(t *testing.T) {
	s := NewMemorySession("c1", OutboxLimits{})

	require.NoError(t, s.AppendEntry(&OutboxEntry{Topic: "a", Payload: []byte("x")}))
	s.SetSubscription(Subscription{TopicFilter: "f", QoS: QoS1})

	require.NoError(t, s.Clear())
	assert.Zero(t, s.OutboxCount())
	assert.Zero(t, s.OutboxBytes())
	assert.Empty(t, s.Subscriptions())

	// Sequence numbers keep increasing across Clear.
	e := &OutboxEntry{Topic: "b"}
	require.NoError(t, s.AppendEntry(e))
	assert.Equal(t, uint64(2), e.Seq)
}
