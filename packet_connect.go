package mqlink

import (
	"errors"
	"io"
)

const (
	protocolName  = "MQTT"
	protocolLevel = 4
)

// Connect flag bits.
const (
	connectFlagCleanSession = 0x02
	connectFlagWill         = 0x04
	connectFlagWillQoSShift = 3
	connectFlagWillRetain   = 0x20
	connectFlagPassword     = 0x40
	connectFlagUsername     = 0x80
)

var errUnsupportedProtocol = errors.New("unsupported protocol name or level")

// ConnectPacket opens the session handshake.
type ConnectPacket struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16 // seconds, 0 disables the keepalive
	Username     string
	Password     []byte
	Will         *WillSpec
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	encodeString(body, protocolName)
	body.Write([]byte{protocolLevel, p.connectFlags()})
	encodeUint16(body, p.KeepAlive)

	encodeString(body, p.ClientID)
	if p.Will != nil {
		encodeString(body, p.Will.Topic)
		encodeBinary(body, p.Will.Payload)
	}
	if p.Username != "" {
		encodeString(body, p.Username)
	}
	if p.Password != nil {
		encodeBinary(body, p.Password)
	}

	return writeWithHeader(w, PacketCONNECT, 0, body.Bytes())
}

func (p *ConnectPacket) connectFlags() byte {
	var flags byte
	if p.CleanSession {
		flags |= connectFlagCleanSession
	}
	if p.Will != nil {
		flags |= connectFlagWill
		flags |= p.Will.QoS << connectFlagWillQoSShift
		if p.Will.Retain {
			flags |= connectFlagWillRetain
		}
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	if p.Password != nil {
		flags |= connectFlagPassword
	}
	return flags
}

// Decode reads the packet body from the reader.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	name, n, err := decodeString(r)
	if err != nil {
		return n, err
	}

	var verFlags [2]byte
	rn, err := io.ReadFull(r, verFlags[:])
	n += rn
	if err != nil {
		return n, err
	}
	if name != protocolName || verFlags[0] != protocolLevel {
		return n, errUnsupportedProtocol
	}
	flags := verFlags[1]
	p.CleanSession = flags&connectFlagCleanSession != 0

	keepAlive, rn, err := decodeUint16(r)
	n += rn
	if err != nil {
		return n, err
	}
	p.KeepAlive = keepAlive

	p.ClientID, rn, err = decodeString(r)
	n += rn
	if err != nil {
		return n, err
	}

	if flags&connectFlagWill != 0 {
		will := &WillSpec{
			QoS:    (flags >> connectFlagWillQoSShift) & 0x03,
			Retain: flags&connectFlagWillRetain != 0,
		}
		will.Topic, rn, err = decodeString(r)
		n += rn
		if err != nil {
			return n, err
		}
		will.Payload, rn, err = decodeBinary(r)
		n += rn
		if err != nil {
			return n, err
		}
		p.Will = will
	}

	if flags&connectFlagUsername != 0 {
		p.Username, rn, err = decodeString(r)
		n += rn
		if err != nil {
			return n, err
		}
	}
	if flags&connectFlagPassword != 0 {
		p.Password, rn, err = decodeBinary(r)
		n += rn
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if p.ClientID == "" || len(p.ClientID) > maxUint16 {
		return ErrInvalidClientID
	}
	if p.Will != nil {
		if p.Will.QoS > QoS2 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicName(p.Will.Topic); err != nil {
			return err
		}
	}
	return nil
}

// ConnectReturnCode is the broker's verdict on the connect handshake.
type ConnectReturnCode byte

// Connect return codes.
const (
	ConnectAccepted           ConnectReturnCode = 0
	ConnectRefusedProtocol    ConnectReturnCode = 1
	ConnectRefusedIdentifier  ConnectReturnCode = 2
	ConnectRefusedUnavailable ConnectReturnCode = 3
	ConnectRefusedCredentials ConnectReturnCode = 4
	ConnectRefusedNotAuthed   ConnectReturnCode = 5
)

// String returns a human-readable description of the return code.
func (c ConnectReturnCode) String() string {
	switch c {
	case ConnectAccepted:
		return "connection accepted"
	case ConnectRefusedProtocol:
		return "unacceptable protocol version"
	case ConnectRefusedIdentifier:
		return "identifier rejected"
	case ConnectRefusedUnavailable:
		return "server unavailable"
	case ConnectRefusedCredentials:
		return "bad credentials"
	case ConnectRefusedNotAuthed:
		return "not authorized"
	default:
		return "unknown return code"
	}
}

// ConnackPacket acknowledges the connect handshake. SessionPresent reports
// whether the broker restored prior session state for this client
// identifier.
type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     ConnectReturnCode
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags = 0x01
	}
	return writeWithHeader(w, PacketCONNACK, 0, []byte{ackFlags, byte(p.ReturnCode)})
}

// Decode reads the packet body from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}

	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}
	if buf[0] > 0x01 {
		return n, ErrProtocolViolation
	}
	p.SessionPresent = buf[0]&0x01 != 0
	p.ReturnCode = ConnectReturnCode(buf[1])
	return n, nil
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	if p.ReturnCode > ConnectRefusedNotAuthed {
		return ErrProtocolViolation
	}
	return nil
}
