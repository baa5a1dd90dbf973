package mqlink

import "io"

// Publish flag bits within the fixed header.
const (
	publishFlagRetain   = 0x01
	publishFlagQoSShift = 1
	publishFlagDup      = 0x08
)

// PublishPacket carries an application message.
type PublishPacket struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	Dup      bool
	PacketID uint16 // present only for QoS > 0
}

// Type returns the packet type.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

// FromMessage fills the packet from a message.
func (p *PublishPacket) FromMessage(msg *Message) {
	p.Topic = msg.Topic
	p.Payload = msg.Payload
	p.QoS = msg.QoS
	p.Retain = msg.Retain
}

// ToMessage converts the packet into a message.
func (p *PublishPacket) ToMessage() *Message {
	return &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.Dup,
	}
}

func (p *PublishPacket) flags() byte {
	var flags byte
	if p.Retain {
		flags |= publishFlagRetain
	}
	flags |= p.QoS << publishFlagQoSShift
	if p.Dup {
		flags |= publishFlagDup
	}
	return flags
}

// Encode writes the packet to the writer.
func (p *PublishPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	encodeString(body, p.Topic)
	if p.QoS > QoS0 {
		encodeUint16(body, p.PacketID)
	}
	body.Write(p.Payload)

	return writeWithHeader(w, PacketPUBLISH, p.flags(), body.Bytes())
}

// Decode reads the packet body from the reader. The payload is everything
// after the variable header, so the declared remaining length bounds it.
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.Retain = header.Flags&publishFlagRetain != 0
	p.QoS = (header.Flags >> publishFlagQoSShift) & 0x03
	p.Dup = header.Flags&publishFlagDup != 0
	if p.QoS > QoS2 {
		return 0, ErrInvalidPacketFlags
	}

	topic, n, err := decodeString(r)
	if err != nil {
		return n, err
	}
	p.Topic = topic

	if p.QoS > QoS0 {
		id, rn, err := decodeUint16(r)
		n += rn
		if err != nil {
			return n, err
		}
		if id == 0 {
			return n, ErrInvalidPacketID
		}
		p.PacketID = id
	}

	payloadLen := int(header.RemainingLength) - n
	if payloadLen < 0 {
		return n, ErrProtocolViolation
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		rn, err := io.ReadFull(r, p.Payload)
		n += rn
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *PublishPacket) Validate() error {
	if p.QoS > QoS2 {
		return ErrInvalidQoS
	}
	if p.QoS > QoS0 && p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return ValidateTopicName(p.Topic)
}

// ackPacket is the shared shape of the four delivery acknowledgments: a
// packet identifier and nothing else.
type ackPacket struct {
	packetType PacketType
	flags      byte
	PacketID   uint16
}

func (p *ackPacket) encode(w io.Writer) (int, error) {
	if p.PacketID == 0 {
		return 0, ErrInvalidPacketID
	}
	var body [2]byte
	body[0] = byte(p.PacketID >> 8)
	body[1] = byte(p.PacketID)
	return writeWithHeader(w, p.packetType, p.flags, body[:])
}

func (p *ackPacket) decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != p.packetType {
		return 0, ErrInvalidPacketType
	}
	id, n, err := decodeUint16(r)
	if err != nil {
		return n, err
	}
	if id == 0 {
		return n, ErrInvalidPacketID
	}
	p.PacketID = id
	return n, nil
}

// PubackPacket acknowledges a QoS 1 publish.
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// Encode writes the packet to the writer.
func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	ack := ackPacket{packetType: PacketPUBACK, PacketID: p.PacketID}
	return ack.encode(w)
}

// Decode reads the packet body from the reader.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	ack := ackPacket{packetType: PacketPUBACK}
	n, err := ack.decode(r, header)
	p.PacketID = ack.PacketID
	return n, err
}

// Validate validates the packet contents.
func (p *PubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}

// PubrecPacket is the receipt acknowledgment of a QoS 2 publish.
type PubrecPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// Encode writes the packet to the writer.
func (p *PubrecPacket) Encode(w io.Writer) (int, error) {
	ack := ackPacket{packetType: PacketPUBREC, PacketID: p.PacketID}
	return ack.encode(w)
}

// Decode reads the packet body from the reader.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	ack := ackPacket{packetType: PacketPUBREC}
	n, err := ack.decode(r, header)
	p.PacketID = ack.PacketID
	return n, err
}

// Validate validates the packet contents.
func (p *PubrecPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}

// PubrelPacket releases a QoS 2 flow. The wire requires flag bit 1 set.
type PubrelPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// Encode writes the packet to the writer.
func (p *PubrelPacket) Encode(w io.Writer) (int, error) {
	ack := ackPacket{packetType: PacketPUBREL, flags: 0x02, PacketID: p.PacketID}
	return ack.encode(w)
}

// Decode reads the packet body from the reader.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}
	ack := ackPacket{packetType: PacketPUBREL}
	n, err := ack.decode(r, header)
	p.PacketID = ack.PacketID
	return n, err
}

// Validate validates the packet contents.
func (p *PubrelPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}

// PubcompPacket completes a QoS 2 flow.
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// Encode writes the packet to the writer.
func (p *PubcompPacket) Encode(w io.Writer) (int, error) {
	ack := ackPacket{packetType: PacketPUBCOMP, PacketID: p.PacketID}
	return ack.encode(w)
}

// Decode reads the packet body from the reader.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	ack := ackPacket{packetType: PacketPUBCOMP}
	n, err := ack.decode(r, header)
	p.PacketID = ack.PacketID
	return n, err
}

// Validate validates the packet contents.
func (p *PubcompPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}
