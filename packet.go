package mqlink

import (
	"errors"
	"io"
)

// QoS levels.
const (
	// QoS0 delivers at most once: fire-and-forget, no tracking.
	QoS0 byte = 0
	// QoS1 delivers at least once: acknowledged, may duplicate.
	QoS1 byte = 1
	// QoS2 delivers exactly once: full four-step handshake.
	QoS2 byte = 2
)

// PacketType identifies a control packet on the wire.
type PacketType byte

// Control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
)

// String returns the packet type name.
func (p PacketType) String() string {
	switch p {
	case PacketCONNECT:
		return "CONNECT"
	case PacketCONNACK:
		return "CONNACK"
	case PacketPUBLISH:
		return "PUBLISH"
	case PacketPUBACK:
		return "PUBACK"
	case PacketPUBREC:
		return "PUBREC"
	case PacketPUBREL:
		return "PUBREL"
	case PacketPUBCOMP:
		return "PUBCOMP"
	case PacketSUBSCRIBE:
		return "SUBSCRIBE"
	case PacketSUBACK:
		return "SUBACK"
	case PacketUNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case PacketUNSUBACK:
		return "UNSUBACK"
	case PacketPINGREQ:
		return "PINGREQ"
	case PacketPINGRESP:
		return "PINGRESP"
	case PacketDISCONNECT:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Valid returns true if the packet type is in range.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketDISCONNECT
}

// Fixed header errors.
var (
	ErrInvalidPacketType  = errors.New("invalid packet type")
	ErrInvalidPacketFlags = errors.New("invalid packet flags")
	ErrInvalidPacketID    = errors.New("invalid packet identifier")
)

// FixedHeader is the two-to-five byte header present on every control
// packet: type, flags, and the declared length of the rest of the packet.
type FixedHeader struct {
	PacketType      PacketType
	Flags           byte
	RemainingLength uint32
}

// Encode writes the fixed header to w. Returns the number of bytes written.
func (h *FixedHeader) Encode(w io.Writer) (int, error) {
	if !h.PacketType.Valid() {
		return 0, ErrInvalidPacketType
	}

	firstByte := byte(h.PacketType)<<4 | (h.Flags & 0x0F)
	n, err := w.Write([]byte{firstByte})
	if err != nil {
		return n, err
	}

	n2, err := encodeVarint(w, h.RemainingLength)
	return n + n2, err
}

// Decode reads the fixed header from r. Returns the number of bytes read.
func (h *FixedHeader) Decode(r io.Reader) (int, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	h.PacketType = PacketType(buf[0] >> 4)
	h.Flags = buf[0] & 0x0F

	if !h.PacketType.Valid() {
		return n, ErrInvalidPacketType
	}

	length, n2, err := decodeVarint(r)
	n += n2
	if err != nil {
		return n, err
	}
	h.RemainingLength = length

	return n, nil
}

// Packet is implemented by all control packets.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the complete packet, fixed header included, to w.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet body from r. The fixed header has already
	// been consumed. Returns the number of bytes read.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate checks the packet contents before encoding.
	Validate() error
}

// Message is a user-facing application message. The engine treats the
// payload as opaque bytes.
type Message struct {
	// Topic is the topic name to publish to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the delivery guarantee level (0, 1, or 2).
	QoS byte

	// Retain marks the message as retained by the broker.
	Retain bool

	// Duplicate is set on inbound messages the broker flagged as a
	// redelivery.
	Duplicate bool
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = make([]byte, len(m.Payload))
		copy(cp.Payload, m.Payload)
	}
	return &cp
}

// Subscription is one topic filter with its requested QoS.
type Subscription struct {
	TopicFilter string `json:"topic_filter" yaml:"topic_filter"`
	QoS         byte   `json:"qos" yaml:"qos"`
}

// WillSpec describes the last-will message the broker publishes on behalf
// of a client that disconnects ungracefully. A graceful disconnect
// suppresses it.
type WillSpec struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}
