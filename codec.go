package mqlink

import (
	"errors"
	"io"
)

var (
	// ErrPacketTooLarge is returned when a packet's declared remaining
	// length exceeds the configured maximum.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")

	// ErrUnknownPacketType is returned when a fixed header carries a type
	// the codec does not know.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

// newPacket returns a zero packet of the given type.
func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// DecodeBody decodes a packet from its already-read body bytes. The caller
// has consumed the fixed header and assembled the body, possibly from
// multiple bounded reads.
func DecodeBody(header FixedHeader, body []byte) (Packet, error) {
	packet, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	reader := getBytesReader(body)
	defer putBytesReader(reader)

	if _, err := packet.Decode(reader, header); err != nil {
		return nil, err
	}
	return packet, nil
}

// ReadPacket reads one complete packet from r. If maxSize is greater than
// zero, packets declaring a larger remaining length return
// ErrPacketTooLarge without reading the body.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	body := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, body)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := DecodeBody(header, body)
	return packet, n, err
}

// WritePacket writes one complete packet to w. If maxSize is greater than
// zero, packets encoding larger than maxSize return ErrPacketTooLarge and
// nothing is written.
func WritePacket(w io.Writer, packet Packet, maxSize uint32) (int, error) {
	if err := packet.Validate(); err != nil {
		return 0, err
	}

	if maxSize > 0 {
		buf := getBytesBuffer()
		defer putBytesBuffer(buf)

		n, err := packet.Encode(buf)
		if err != nil {
			return 0, err
		}
		if uint32(n) > maxSize {
			return 0, ErrPacketTooLarge
		}
		return w.Write(buf.Bytes())
	}

	return packet.Encode(w)
}

// writeWithHeader writes a fixed header for the given body, then the body.
func writeWithHeader(w io.Writer, t PacketType, flags byte, body []byte) (int, error) {
	header := FixedHeader{
		PacketType:      t,
		Flags:           flags,
		RemainingLength: uint32(len(body)),
	}
	n, err := header.Encode(w)
	if err != nil {
		return n, err
	}
	n2, err := w.Write(body)
	return n + n2, err
}

// bytesReader wraps a byte slice for the io.Reader interface.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// bytesBuffer is a minimal append-only buffer for encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}
