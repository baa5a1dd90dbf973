package mqlink

import "io"

// SubackFailure is the return code a broker uses to reject one filter in a
// subscribe request.
const SubackFailure byte = 0x80

// SubscribePacket requests one or more subscriptions.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	encodeUint16(body, p.PacketID)
	for _, sub := range p.Subscriptions {
		encodeString(body, sub.TopicFilter)
		body.Write([]byte{sub.QoS})
	}

	return writeWithHeader(w, PacketSUBSCRIBE, 0x02, body.Bytes())
}

// Decode reads the packet body from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	for uint32(n) < header.RemainingLength {
		filter, rn, err := decodeString(r)
		n += rn
		if err != nil {
			return n, err
		}
		var qosBuf [1]byte
		rn, err = io.ReadFull(r, qosBuf[:])
		n += rn
		if err != nil {
			return n, err
		}
		p.Subscriptions = append(p.Subscriptions, Subscription{
			TopicFilter: filter,
			QoS:         qosBuf[0],
		})
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.Subscriptions) == 0 {
		return ErrInvalidTopic
	}
	for _, sub := range p.Subscriptions {
		if sub.QoS > QoS2 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
	}
	return nil
}

// SubackPacket acknowledges a subscribe request with one granted QoS (or
// SubackFailure) per requested filter, in request order.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	encodeUint16(body, p.PacketID)
	body.Write(p.ReturnCodes)

	return writeWithHeader(w, PacketSUBACK, 0, body.Bytes())
}

// Decode reads the packet body from the reader.
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	remaining := int(header.RemainingLength) - n
	if remaining < 0 {
		return n, ErrProtocolViolation
	}
	p.ReturnCodes = make([]byte, remaining)
	rn, err := io.ReadFull(r, p.ReturnCodes)
	n += rn
	return n, err
}

// Validate validates the packet contents.
func (p *SubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.ReturnCodes) == 0 {
		return ErrProtocolViolation
	}
	for _, code := range p.ReturnCodes {
		if code > QoS2 && code != SubackFailure {
			return ErrProtocolViolation
		}
	}
	return nil
}

// UnsubscribePacket removes one or more subscriptions.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

// Type returns the packet type.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// Encode writes the packet to the writer.
func (p *UnsubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	encodeUint16(body, p.PacketID)
	for _, filter := range p.TopicFilters {
		encodeString(body, filter)
	}

	return writeWithHeader(w, PacketUNSUBSCRIBE, 0x02, body.Bytes())
}

// Decode reads the packet body from the reader.
func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return n, err
	}
	p.PacketID = id

	for uint32(n) < header.RemainingLength {
		filter, rn, err := decodeString(r)
		n += rn
		if err != nil {
			return n, err
		}
		p.TopicFilters = append(p.TopicFilters, filter)
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.TopicFilters) == 0 {
		return ErrInvalidTopic
	}
	for _, filter := range p.TopicFilters {
		if err := ValidateTopicFilter(filter); err != nil {
			return err
		}
	}
	return nil
}

// UnsubackPacket acknowledges an unsubscribe request.
type UnsubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// Encode writes the packet to the writer.
func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	ack := ackPacket{packetType: PacketUNSUBACK, PacketID: p.PacketID}
	return ack.encode(w)
}

// Decode reads the packet body from the reader.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	ack := ackPacket{packetType: PacketUNSUBACK}
	n, err := ack.decode(r, header)
	p.PacketID = ack.PacketID
	return n, err
}

// Validate validates the packet contents.
func (p *UnsubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}
