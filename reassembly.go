package mqlink

import (
	"errors"
	"sync"
)

var (
	// ErrReassemblyOverflow is returned when an append would run past the
	// record's declared total length.
	ErrReassemblyOverflow = errors.New("fragment exceeds declared length")

	// ErrReassemblyUnknown is returned when appending to a key with no open
	// record.
	ErrReassemblyUnknown = errors.New("no reassembly in progress for key")

	// ErrReassemblyGap is returned when a fragment does not start at the
	// next expected offset.
	ErrReassemblyGap = errors.New("fragment offset out of order")
)

// ReassemblyBuffer collects message bodies that arrive in fragments. Each
// in-progress record is keyed so several interleaved messages can be
// assembled at once (a single stream uses one key; datagram transports key
// by packet identifier).
//
// The declared total length is validated against the maximum before any
// byte is buffered, so an oversized declaration is rejected while it is
// still cheap to do so. The backing buffer grows with the data actually
// received rather than being preallocated at the declared size; a peer
// cannot reserve memory just by declaring a large total.
type ReassemblyBuffer struct {
	mu      sync.Mutex
	max     int
	records map[uint64]*reassemblyRecord
}

type reassemblyRecord struct {
	total int
	buf   []byte
}

// NewReassemblyBuffer creates a buffer rejecting declarations above max
// bytes. A zero max disables the bound.
func NewReassemblyBuffer(max int) *ReassemblyBuffer {
	return &ReassemblyBuffer{
		max:     max,
		records: make(map[uint64]*reassemblyRecord),
	}
}

// Begin opens a record for the key with the declared total length. A
// declaration above the maximum is rejected with ErrMessageTooLarge before
// any allocation. An existing record under the same key is discarded: a new
// declaration supersedes an abandoned assembly.
func (b *ReassemblyBuffer) Begin(key uint64, total int) error {
	if total < 0 {
		return ErrProtocolViolation
	}
	if b.max > 0 && total > b.max {
		return ErrMessageTooLarge
	}

	b.mu.Lock()
	b.records[key] = &reassemblyRecord{total: total}
	b.mu.Unlock()
	return nil
}

// Append adds a fragment at the given offset. Fragments must arrive in
// order and contiguously; a gap or an overrun of the declared total is a
// protocol failure. When the record is complete the assembled body is
// returned and the record is released; otherwise data is nil.
func (b *ReassemblyBuffer) Append(key uint64, offset int, fragment []byte) (data []byte, complete bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	if !ok {
		return nil, false, ErrReassemblyUnknown
	}
	if offset != len(rec.buf) {
		return nil, false, ErrReassemblyGap
	}
	if len(rec.buf)+len(fragment) > rec.total {
		return nil, false, ErrReassemblyOverflow
	}

	rec.buf = append(rec.buf, fragment...)
	if len(rec.buf) < rec.total {
		return nil, false, nil
	}

	delete(b.records, key)
	return rec.buf, true, nil
}

// Received returns how many bytes have been collected for the key.
func (b *ReassemblyBuffer) Received(key uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.records[key]; ok {
		return len(rec.buf)
	}
	return 0
}

// Discard drops the record for the key, if any.
func (b *ReassemblyBuffer) Discard(key uint64) {
	b.mu.Lock()
	delete(b.records, key)
	b.mu.Unlock()
}

// Reset drops every in-progress record. Called when the connection is torn
// down: partial bodies from a dead transport are never delivered.
func (b *ReassemblyBuffer) Reset() {
	b.mu.Lock()
	b.records = make(map[uint64]*reassemblyRecord)
	b.mu.Unlock()
}

// InProgress returns the number of open records.
func (b *ReassemblyBuffer) InProgress() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
