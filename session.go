package mqlink

// OutboxLimits bounds the session store's outbox. Enqueueing beyond either
// bound fails with ErrOutboxFull; the store never evicts silently, because
// losing an unacknowledged QoS 1/2 message is a correctness violation.
// A zero value disables that bound.
type OutboxLimits struct {
	// MaxEntries caps the number of outstanding entries.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// MaxBytes caps the aggregate payload size of outstanding entries.
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
}

// allows reports whether adding one entry of the given payload size stays
// within the bounds.
func (l OutboxLimits) allows(count int, bytes int64, add int64) bool {
	if l.MaxEntries > 0 && count >= l.MaxEntries {
		return false
	}
	if l.MaxBytes > 0 && bytes+add > l.MaxBytes {
		return false
	}
	return true
}

// Session is the durable record of one client's subscriptions and
// not-yet-acknowledged outbound messages. The delivery tracker is its only
// mutator for outbox entries; the connection state machine clears it when
// a clean session or a fresh broker-side session demands it.
//
// Implementations need not be safe for concurrent use: the send and
// receive paths serialize access through the delivery tracker's lock.
type Session interface {
	// ClientID returns the client identifier the session is keyed by.
	ClientID() string

	// AppendEntry adds an entry to the outbox, assigning its sequence
	// number. Returns ErrOutboxFull when a bound would be exceeded.
	AppendEntry(entry *OutboxEntry) error

	// UpdateEntry persists a state change of an existing entry.
	UpdateEntry(entry *OutboxEntry) error

	// RemoveEntry deletes an entry by sequence number.
	RemoveEntry(seq uint64) error

	// Entries returns the outstanding entries in submission order.
	Entries() []*OutboxEntry

	// OutboxCount returns the number of outstanding entries.
	OutboxCount() int

	// OutboxBytes returns the aggregate payload size of outstanding
	// entries.
	OutboxBytes() int64

	// SetSubscription records a subscription, replacing any previous one
	// for the same filter.
	SetSubscription(sub Subscription)

	// RemoveSubscription deletes a subscription by filter.
	RemoveSubscription(filter string) bool

	// GetSubscription returns the subscription for a filter.
	GetSubscription(filter string) (Subscription, bool)

	// Subscriptions returns all recorded subscriptions.
	Subscriptions() []Subscription

	// Clear discards the outbox and the subscription set.
	Clear() error

	// Close releases any resources backing the session.
	Close() error
}

// SessionFactory creates the Session for a client identifier. The default
// is in-memory; a persistent deployment supplies a factory backed by
// stable storage, such as OpenBoltSession.
type SessionFactory func(clientID string) (Session, error)

// DefaultSessionFactory returns a factory creating in-memory sessions with
// the given outbox limits.
func DefaultSessionFactory(limits OutboxLimits) SessionFactory {
	return func(clientID string) (Session, error) {
		return NewMemorySession(clientID, limits), nil
	}
}
