package mqlink

import "io"

// emptyPacket is the shared shape of the three bodiless control packets.
type emptyPacket struct {
	packetType PacketType
}

func (p *emptyPacket) encode(w io.Writer) (int, error) {
	header := FixedHeader{PacketType: p.packetType}
	return header.Encode(w)
}

func (p *emptyPacket) decode(header FixedHeader) (int, error) {
	if header.PacketType != p.packetType {
		return 0, ErrInvalidPacketType
	}
	if header.RemainingLength != 0 {
		return 0, ErrProtocolViolation
	}
	return 0, nil
}

// PingreqPacket is the heartbeat request.
type PingreqPacket struct{}

// Type returns the packet type.
func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

// Encode writes the packet to the writer.
func (p *PingreqPacket) Encode(w io.Writer) (int, error) {
	e := emptyPacket{packetType: PacketPINGREQ}
	return e.encode(w)
}

// Decode reads the packet body from the reader.
func (p *PingreqPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	e := emptyPacket{packetType: PacketPINGREQ}
	return e.decode(header)
}

// Validate validates the packet contents.
func (p *PingreqPacket) Validate() error { return nil }

// PingrespPacket is the heartbeat response.
type PingrespPacket struct{}

// Type returns the packet type.
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

// Encode writes the packet to the writer.
func (p *PingrespPacket) Encode(w io.Writer) (int, error) {
	e := emptyPacket{packetType: PacketPINGRESP}
	return e.encode(w)
}

// Decode reads the packet body from the reader.
func (p *PingrespPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	e := emptyPacket{packetType: PacketPINGRESP}
	return e.decode(header)
}

// Validate validates the packet contents.
func (p *PingrespPacket) Validate() error { return nil }

// DisconnectPacket announces a graceful teardown. Sending it before closing
// the transport suppresses the last-will on the broker side.
type DisconnectPacket struct{}

// Type returns the packet type.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

// Encode writes the packet to the writer.
func (p *DisconnectPacket) Encode(w io.Writer) (int, error) {
	e := emptyPacket{packetType: PacketDISCONNECT}
	return e.encode(w)
}

// Decode reads the packet body from the reader.
func (p *DisconnectPacket) Decode(_ io.Reader, header FixedHeader) (int, error) {
	e := emptyPacket{packetType: PacketDISCONNECT}
	return e.decode(header)
}

// Validate validates the packet contents.
func (p *DisconnectPacket) Validate() error { return nil }
