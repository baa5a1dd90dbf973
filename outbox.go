package mqlink

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrPacketIDExhausted is returned when all 65535 packet identifiers
	// are outstanding.
	ErrPacketIDExhausted = errors.New("no available packet identifiers")

	// ErrPacketIDNotFound is returned when releasing an identifier that is
	// not outstanding.
	ErrPacketIDNotFound = errors.New("packet identifier not found")
)

// PacketIDManager allocates and releases packet identifiers (1-65535). An
// identifier is never handed out again while its entry is outstanding.
type PacketIDManager struct {
	mu   sync.Mutex
	used map[uint16]struct{}
	next uint16
}

// NewPacketIDManager creates a new packet identifier manager.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

// Allocate returns the next available packet identifier.
func (m *PacketIDManager) Allocate() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) >= maxUint16 {
		return 0, ErrPacketIDExhausted
	}

	start := m.next
	for {
		if _, ok := m.used[m.next]; !ok {
			id := m.next
			m.used[id] = struct{}{}
			m.advance()
			return id, nil
		}
		m.advance()
		if m.next == start {
			return 0, ErrPacketIDExhausted
		}
	}
}

func (m *PacketIDManager) advance() {
	m.next++
	if m.next == 0 {
		m.next = 1
	}
}

// MarkUsed reserves a specific identifier, used when rebuilding state from
// a persisted outbox.
func (m *PacketIDManager) MarkUsed(id uint16) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	m.used[id] = struct{}{}
	m.mu.Unlock()
}

// Release frees an identifier for reuse.
func (m *PacketIDManager) Release(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; !ok {
		return ErrPacketIDNotFound
	}
	delete(m.used, id)
	return nil
}

// IsUsed reports whether an identifier is outstanding.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[id]
	return ok
}

// InUse returns the count of outstanding identifiers.
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// DeliveryState is the position of an outbox entry in its handshake.
type DeliveryState uint8

const (
	// DeliveryQueued means the entry was accepted but not yet written to
	// the transport (issued while disconnected, or awaiting the flush
	// after a reconnect).
	DeliveryQueued DeliveryState = iota

	// DeliveryAwaitingAck means a QoS 1 publish is waiting for its
	// acknowledgment.
	DeliveryAwaitingAck

	// DeliveryAwaitingReceived means a QoS 2 publish is waiting for the
	// receipt acknowledgment.
	DeliveryAwaitingReceived

	// DeliveryAwaitingComplete means the QoS 2 release was sent and the
	// completion acknowledgment is outstanding.
	DeliveryAwaitingComplete

	// DeliveryDone is terminal; the entry is removed on reaching it.
	DeliveryDone
)

// String returns the state name.
func (s DeliveryState) String() string {
	switch s {
	case DeliveryQueued:
		return "queued"
	case DeliveryAwaitingAck:
		return "awaiting_ack"
	case DeliveryAwaitingReceived:
		return "awaiting_received"
	case DeliveryAwaitingComplete:
		return "awaiting_complete"
	case DeliveryDone:
		return "done"
	default:
		return "unknown"
	}
}

// OutboxEntry is one outstanding outbound message requiring acknowledgment.
// QoS 0 publishes never create an entry.
type OutboxEntry struct {
	Seq        uint64        `json:"seq"`
	PacketID   uint16        `json:"packet_id"`
	Topic      string        `json:"topic"`
	Payload    []byte        `json:"payload"`
	QoS        byte          `json:"qos"`
	Retain     bool          `json:"retain"`
	State      DeliveryState `json:"state"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	FirstSent  time.Time     `json:"first_sent"`
	RetryCount int           `json:"retry_count"`
	Duplicate  bool          `json:"duplicate"`
}

// clone returns a copy safe to hand to the session store.
func (e *OutboxEntry) clone() *OutboxEntry {
	cp := *e
	return &cp
}

// DeliveryTracker drives the per-message QoS handshakes over the session
// store's outbox: enqueue, state advancement on acknowledgments, resend
// selection after reconnects, and the bounded receiver-side exactly-once
// set. The session store is the durable record; the tracker keeps only the
// volatile indexes (packet-id lookup, tokens, inbound flows).
type DeliveryTracker struct {
	mu        sync.Mutex
	session   Session
	packetIDs *PacketIDManager
	bySeq     map[uint64]*OutboxEntry
	byID      map[uint16]uint64
	tokens    map[uint64]*token

	// Receiver-side exactly-once flows, keyed by inbound packet ID. The
	// map is bounded: exceeding maxInbound is a protocol-level failure,
	// never a silent drop of tracking state.
	inbound    map[uint16]*Message
	maxInbound int
}

// NewDeliveryTracker creates a tracker over the given session store and
// rebuilds its indexes from any persisted entries.
func NewDeliveryTracker(session Session, maxInbound int) *DeliveryTracker {
	t := &DeliveryTracker{
		session:    session,
		packetIDs:  NewPacketIDManager(),
		bySeq:      make(map[uint64]*OutboxEntry),
		byID:       make(map[uint16]uint64),
		tokens:     make(map[uint64]*token),
		inbound:    make(map[uint16]*Message),
		maxInbound: maxInbound,
	}

	for _, entry := range session.Entries() {
		t.bySeq[entry.Seq] = entry
		t.byID[entry.PacketID] = entry.Seq
		t.packetIDs.MarkUsed(entry.PacketID)
	}

	return t
}

// Enqueue creates an outbox entry for a QoS 1 or 2 publish and binds it to
// a token. The entry starts in DeliveryQueued; the connection state machine
// decides when it is written. Returns ErrOutboxFull when the session
// store's bound would be exceeded.
func (t *DeliveryTracker) Enqueue(msg *Message, tok *token) (*OutboxEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	packetID, err := t.packetIDs.Allocate()
	if err != nil {
		return nil, err
	}

	entry := &OutboxEntry{
		PacketID:   packetID,
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        msg.QoS,
		Retain:     msg.Retain,
		State:      DeliveryQueued,
		EnqueuedAt: time.Now(),
	}

	if err := t.session.AppendEntry(entry); err != nil {
		t.packetIDs.Release(packetID)
		return nil, err
	}

	t.bySeq[entry.Seq] = entry
	t.byID[entry.PacketID] = entry.Seq
	if tok != nil {
		t.tokens[entry.Seq] = tok
	}

	return entry, nil
}

// MarkSent records that the entry's current handshake step was written to
// the transport. The first write moves a queued entry into its awaiting
// state; any later write is a redelivery and sets the duplicate flag.
func (t *DeliveryTracker) MarkSent(entry *OutboxEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if entry.FirstSent.IsZero() {
		entry.FirstSent = now
	} else {
		entry.RetryCount++
		entry.Duplicate = true
	}

	if entry.State == DeliveryQueued {
		if entry.QoS == QoS1 {
			entry.State = DeliveryAwaitingAck
		} else {
			entry.State = DeliveryAwaitingReceived
		}
	}
	t.session.UpdateEntry(entry)
}

// HandleAck completes a QoS 1 handshake. An identifier with no outstanding
// QoS 1 entry is a protocol error.
func (t *DeliveryTracker) HandleAck(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.lookup(packetID)
	if !ok || entry.QoS != QoS1 || entry.State != DeliveryAwaitingAck {
		return ErrUnexpectedAck
	}

	t.finish(entry, nil)
	return nil
}

// HandleReceived advances a QoS 2 handshake past the receipt
// acknowledgment. The caller sends the release packet on a true return. A
// repeated receipt for an entry already awaiting completion is tolerated
// (the broker may retransmit it until it sees the release).
func (t *DeliveryTracker) HandleReceived(packetID uint16) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.lookup(packetID)
	if !ok || entry.QoS != QoS2 {
		return false, ErrUnexpectedAck
	}

	switch entry.State {
	case DeliveryAwaitingReceived:
		entry.State = DeliveryAwaitingComplete
		t.session.UpdateEntry(entry)
		return true, nil
	case DeliveryAwaitingComplete:
		// Duplicate receipt: resend the release, no state change.
		return true, nil
	default:
		return false, ErrUnexpectedAck
	}
}

// HandleComplete finishes a QoS 2 handshake.
func (t *DeliveryTracker) HandleComplete(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.lookup(packetID)
	if !ok || entry.QoS != QoS2 || entry.State != DeliveryAwaitingComplete {
		return ErrUnexpectedAck
	}

	t.finish(entry, nil)
	return nil
}

// Cancel removes a pending entry. It is a no-op if the entry already
// completed.
func (t *DeliveryTracker) Cancel(seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.bySeq[seq]
	if !ok {
		return nil
	}
	t.finish(entry, ErrPublishCancelled)
	return nil
}

// PrepareResend selects the entries to write after a successful reconnect,
// in original submission order, and separates out entries that aged past
// the expiry bound (zero disables expiry). Expired entries are removed and
// their tokens resolved with ErrPublishExpired; the caller reports them.
// Remaining in-flight entries have their broker-visible step resent, so
// their duplicate flag will be set by MarkSent.
func (t *DeliveryTracker) PrepareResend(expiry time.Duration) (resend, expired []*OutboxEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, entry := range t.session.Entries() {
		live, ok := t.bySeq[entry.Seq]
		if !ok {
			continue
		}
		if expiry > 0 && now.Sub(live.EnqueuedAt) > expiry {
			expired = append(expired, live)
			t.finish(live, ErrPublishExpired)
			continue
		}
		resend = append(resend, live)
	}
	return resend, expired
}

// FailInflight resolves and removes every entry that has been written to
// the transport, leaving queued entries untouched. Used when a clean
// session discards its outbox on disconnect.
func (t *DeliveryTracker) FailInflight(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.session.Entries() {
		live, ok := t.bySeq[entry.Seq]
		if !ok || live.State == DeliveryQueued {
			continue
		}
		t.finish(live, err)
	}
}

// DetachTokens resolves every outstanding token without touching the
// session store. Used on client disposal with a persistent session: the
// entries stay durable for the next run, but no caller is left blocked on
// a token that can no longer complete.
func (t *DeliveryTracker) DetachTokens(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for seq, tok := range t.tokens {
		delete(t.tokens, seq)
		tok.complete(err)
	}
}

// FailAll resolves and removes every entry. Used on client disposal.
func (t *DeliveryTracker) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.bySeq {
		t.finish(entry, err)
	}
}

// Outstanding returns the number of tracked entries.
func (t *DeliveryTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySeq)
}

// lookup returns the live entry for a packet identifier.
func (t *DeliveryTracker) lookup(packetID uint16) (*OutboxEntry, bool) {
	seq, ok := t.byID[packetID]
	if !ok {
		return nil, false
	}
	entry, ok := t.bySeq[seq]
	return entry, ok
}

// finish resolves the entry's token, removes it from the store and frees
// its packet identifier. Callers hold the mutex.
func (t *DeliveryTracker) finish(entry *OutboxEntry, err error) {
	entry.State = DeliveryDone
	t.session.RemoveEntry(entry.Seq)
	delete(t.bySeq, entry.Seq)
	delete(t.byID, entry.PacketID)
	t.packetIDs.Release(entry.PacketID)

	if tok, ok := t.tokens[entry.Seq]; ok {
		delete(t.tokens, entry.Seq)
		tok.complete(err)
	}
}

// BeginInbound starts (or resumes) a receiver-side exactly-once flow for an
// inbound packet identifier. It returns retransmit=true when the identifier
// is already in progress, in which case the message is not stored again and
// the caller only re-acknowledges receipt. Starting a new flow beyond the
// bound returns ErrInboundOverflow: the caller escalates it like any other
// protocol error rather than silently dropping tracking state.
func (t *DeliveryTracker) BeginInbound(packetID uint16, msg *Message) (retransmit bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inbound[packetID]; ok {
		return true, nil
	}
	if t.maxInbound > 0 && len(t.inbound) >= t.maxInbound {
		return false, ErrInboundOverflow
	}
	t.inbound[packetID] = msg
	return false, nil
}

// ReleaseInbound completes a receiver-side flow, returning the deferred
// message for delivery. A release for an unknown identifier returns
// delivered=false; the caller still acknowledges completion so a broker
// retransmitting the release does not loop forever.
func (t *DeliveryTracker) ReleaseInbound(packetID uint16) (msg *Message, delivered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.inbound[packetID]
	if !ok {
		return nil, false
	}
	delete(t.inbound, packetID)
	return msg, true
}

// InboundInProgress returns the number of receiver-side flows being
// tracked.
func (t *DeliveryTracker) InboundInProgress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbound)
}

// ResetInbound drops all receiver-side flows. Called when the session is
// cleared; the broker will retransmit anything it still cares about.
func (t *DeliveryTracker) ResetInbound() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbound = make(map[uint16]*Message)
}
