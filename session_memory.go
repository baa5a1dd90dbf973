package mqlink

// MemorySession is the in-memory Session implementation. It survives
// reconnects for as long as the client object lives, which is what a
// persistent session needs in a single-process deployment.
type MemorySession struct {
	clientID string
	limits   OutboxLimits

	nextSeq uint64
	order   []uint64
	entries map[uint64]*OutboxEntry
	bytes   int64

	subscriptions map[string]Subscription
}

// NewMemorySession creates an in-memory session for the client identifier.
func NewMemorySession(clientID string, limits OutboxLimits) *MemorySession {
	return &MemorySession{
		clientID:      clientID,
		limits:        limits,
		entries:       make(map[uint64]*OutboxEntry),
		subscriptions: make(map[string]Subscription),
	}
}

// ClientID returns the client identifier.
func (s *MemorySession) ClientID() string { return s.clientID }

// AppendEntry adds an entry to the outbox, assigning its sequence number.
func (s *MemorySession) AppendEntry(entry *OutboxEntry) error {
	if !s.limits.allows(len(s.entries), s.bytes, int64(len(entry.Payload))) {
		return ErrOutboxFull
	}

	s.nextSeq++
	entry.Seq = s.nextSeq
	s.entries[entry.Seq] = entry.clone()
	s.order = append(s.order, entry.Seq)
	s.bytes += int64(len(entry.Payload))
	return nil
}

// UpdateEntry persists a state change of an existing entry.
func (s *MemorySession) UpdateEntry(entry *OutboxEntry) error {
	if _, ok := s.entries[entry.Seq]; !ok {
		return ErrPacketIDNotFound
	}
	s.entries[entry.Seq] = entry.clone()
	return nil
}

// RemoveEntry deletes an entry by sequence number.
func (s *MemorySession) RemoveEntry(seq uint64) error {
	entry, ok := s.entries[seq]
	if !ok {
		return nil
	}
	delete(s.entries, seq)
	s.bytes -= int64(len(entry.Payload))
	for i, v := range s.order {
		if v == seq {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Entries returns the outstanding entries in submission order.
func (s *MemorySession) Entries() []*OutboxEntry {
	out := make([]*OutboxEntry, 0, len(s.order))
	for _, seq := range s.order {
		if entry, ok := s.entries[seq]; ok {
			out = append(out, entry.clone())
		}
	}
	return out
}

// OutboxCount returns the number of outstanding entries.
func (s *MemorySession) OutboxCount() int { return len(s.entries) }

// OutboxBytes returns the aggregate payload size of outstanding entries.
func (s *MemorySession) OutboxBytes() int64 { return s.bytes }

// SetSubscription records a subscription.
func (s *MemorySession) SetSubscription(sub Subscription) {
	s.subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription deletes a subscription by filter.
func (s *MemorySession) RemoveSubscription(filter string) bool {
	if _, ok := s.subscriptions[filter]; !ok {
		return false
	}
	delete(s.subscriptions, filter)
	return true
}

// GetSubscription returns the subscription for a filter.
func (s *MemorySession) GetSubscription(filter string) (Subscription, bool) {
	sub, ok := s.subscriptions[filter]
	return sub, ok
}

// Subscriptions returns all recorded subscriptions.
func (s *MemorySession) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, sub)
	}
	return out
}

// Clear discards the outbox and the subscription set.
func (s *MemorySession) Clear() error {
	s.entries = make(map[uint64]*OutboxEntry)
	s.order = nil
	s.bytes = 0
	s.subscriptions = make(map[string]Subscription)
	return nil
}

// Close releases session resources.
func (s *MemorySession) Close() error { return nil }
