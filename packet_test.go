package mqlink

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, packet Packet, maxSize uint32) Packet {
	t.Helper()

	var buf bytes.Buffer
	_, err := WritePacket(&buf, packet, maxSize)
	require.NoError(t, err)

	decoded, _, err := ReadPacket(&buf, maxSize)
	require.NoError(t, err)
	return decoded
}

func TestFixedHeader(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		h := FixedHeader{PacketType: PacketPUBLISH, Flags: 0x0B, RemainingLength: 321}

		var buf bytes.Buffer
		_, err := h.Encode(&buf)
		require.NoError(t, err)

		var decoded FixedHeader
		_, err = decoded.Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, h, decoded)
	})

	t.Run("reserved type rejected", func(t *testing.T) {
		var decoded FixedHeader
		_, err := decoded.Decode(bytes.NewReader([]byte{0x00, 0x00}))
		assert.ErrorIs(t, err, ErrInvalidPacketType)
	})
}

func TestConnectPacket(t *testing.T) {
	t.Run("round trip with everything", func(t *testing.T) {
		p := &ConnectPacket{
			ClientID:     "sensor-42",
			CleanSession: true,
			KeepAlive:    30,
			Username:     "user",
			Password:     []byte("secret"),
			Will: &WillSpec{
				Topic:   "status/sensor-42",
				Payload: []byte("offline"),
				QoS:     QoS1,
				Retain:  true,
			},
		}

		decoded := roundTrip(t, p, 0).(*ConnectPacket)
		assert.Equal(t, p, decoded)
	})

	t.Run("minimal", func(t *testing.T) {
		p := &ConnectPacket{ClientID: "c"}
		decoded := roundTrip(t, p, 0).(*ConnectPacket)
		assert.Equal(t, "c", decoded.ClientID)
		assert.False(t, decoded.CleanSession)
		assert.Nil(t, decoded.Will)
		assert.Empty(t, decoded.Username)
	})

	t.Run("empty client id rejected", func(t *testing.T) {
		p := &ConnectPacket{}
		assert.ErrorIs(t, p.Validate(), ErrInvalidClientID)
	})

	t.Run("wildcard will topic rejected", func(t *testing.T) {
		p := &ConnectPacket{ClientID: "c", Will: &WillSpec{Topic: "a/+"}}
		assert.ErrorIs(t, p.Validate(), ErrInvalidTopic)
	})
}

func TestConnackPacket(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		p := &ConnackPacket{SessionPresent: true, ReturnCode: ConnectAccepted}
		decoded := roundTrip(t, p, 0).(*ConnackPacket)
		assert.Equal(t, p, decoded)
	})

	t.Run("refused code", func(t *testing.T) {
		p := &ConnackPacket{ReturnCode: ConnectRefusedCredentials}
		decoded := roundTrip(t, p, 0).(*ConnackPacket)
		assert.Equal(t, ConnectRefusedCredentials, decoded.ReturnCode)
		assert.False(t, decoded.SessionPresent)
	})
}

func TestPublishPacket(t *testing.T) {
	t.Run("qos0 has no packet id", func(t *testing.T) {
		p := &PublishPacket{Topic: "a/b", Payload: []byte("data")}
		decoded := roundTrip(t, p, 0).(*PublishPacket)
		assert.Equal(t, "a/b", decoded.Topic)
		assert.Equal(t, []byte("data"), decoded.Payload)
		assert.Zero(t, decoded.PacketID)
	})

	t.Run("qos1 with dup and retain", func(t *testing.T) {
		p := &PublishPacket{
			Topic:    "a/b",
			Payload:  []byte("data"),
			QoS:      QoS1,
			Retain:   true,
			Dup:      true,
			PacketID: 7,
		}
		decoded := roundTrip(t, p, 0).(*PublishPacket)
		assert.Equal(t, p, decoded)
	})

	t.Run("empty payload", func(t *testing.T) {
		p := &PublishPacket{Topic: "a"}
		decoded := roundTrip(t, p, 0).(*PublishPacket)
		assert.Empty(t, decoded.Payload)
	})

	t.Run("qos above 2 rejected", func(t *testing.T) {
		p := &PublishPacket{Topic: "a", QoS: 3, PacketID: 1}
		assert.ErrorIs(t, p.Validate(), ErrInvalidQoS)
	})

	t.Run("missing packet id rejected", func(t *testing.T) {
		p := &PublishPacket{Topic: "a", QoS: QoS1}
		assert.ErrorIs(t, p.Validate(), ErrInvalidPacketID)
	})

	t.Run("wildcard topic rejected", func(t *testing.T) {
		p := &PublishPacket{Topic: "a/#"}
		assert.ErrorIs(t, p.Validate(), ErrInvalidTopic)
	})
}

func TestAckPackets(t *testing.T) {
	t.Run("puback round trip", func(t *testing.T) {
		decoded := roundTrip(t, &PubackPacket{PacketID: 99}, 0).(*PubackPacket)
		assert.Equal(t, uint16(99), decoded.PacketID)
	})

	t.Run("pubrel carries required flags", func(t *testing.T) {
		var buf bytes.Buffer
		_, err := (&PubrelPacket{PacketID: 5}).Encode(&buf)
		require.NoError(t, err)
		assert.Equal(t, byte(0x62), buf.Bytes()[0])

		decoded, _, err := ReadPacket(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, uint16(5), decoded.(*PubrelPacket).PacketID)
	})

	t.Run("pubrel without flags rejected", func(t *testing.T) {
		p := &PubrelPacket{}
		_, err := p.Decode(bytes.NewReader([]byte{0x00, 0x05}), FixedHeader{
			PacketType:      PacketPUBREL,
			Flags:           0,
			RemainingLength: 2,
		})
		assert.ErrorIs(t, err, ErrInvalidPacketFlags)
	})

	t.Run("zero packet id rejected", func(t *testing.T) {
		assert.ErrorIs(t, (&PubackPacket{}).Validate(), ErrInvalidPacketID)
		assert.ErrorIs(t, (&PubcompPacket{}).Validate(), ErrInvalidPacketID)
	})
}

func TestSubscribePackets(t *testing.T) {
	t.Run("subscribe round trip", func(t *testing.T) {
		p := &SubscribePacket{
			PacketID: 3,
			Subscriptions: []Subscription{
				{TopicFilter: "a/+", QoS: QoS1},
				{TopicFilter: "b/#", QoS: QoS2},
			},
		}
		decoded := roundTrip(t, p, 0).(*SubscribePacket)
		assert.Equal(t, p, decoded)
	})

	t.Run("empty subscribe rejected", func(t *testing.T) {
		p := &SubscribePacket{PacketID: 1}
		assert.ErrorIs(t, p.Validate(), ErrInvalidTopic)
	})

	t.Run("suback round trip with failure code", func(t *testing.T) {
		p := &SubackPacket{PacketID: 3, ReturnCodes: []byte{QoS1, SubackFailure}}
		decoded := roundTrip(t, p, 0).(*SubackPacket)
		assert.Equal(t, p, decoded)
	})

	t.Run("suback with invalid code rejected", func(t *testing.T) {
		p := &SubackPacket{PacketID: 1, ReturnCodes: []byte{0x7F}}
		assert.ErrorIs(t, p.Validate(), ErrProtocolViolation)
	})

	t.Run("unsubscribe round trip", func(t *testing.T) {
		p := &UnsubscribePacket{PacketID: 4, TopicFilters: []string{"a/+", "b"}}
		decoded := roundTrip(t, p, 0).(*UnsubscribePacket)
		assert.Equal(t, p, decoded)
	})
}

func TestEmptyPackets(t *testing.T) {
	for _, packet := range []Packet{&PingreqPacket{}, &PingrespPacket{}, &DisconnectPacket{}} {
		t.Run(packet.Type().String(), func(t *testing.T) {
			var buf bytes.Buffer
			n, err := packet.Encode(&buf)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			decoded, _, err := ReadPacket(&buf, 0)
			require.NoError(t, err)
			assert.Equal(t, packet.Type(), decoded.Type())
		})
	}
}

func TestReadPacketSizeBound(t *testing.T) {
	p := &PublishPacket{Topic: "a", Payload: bytes.Repeat([]byte("x"), 100)}

	var buf bytes.Buffer
	_, err := WritePacket(&buf, p, 0)
	require.NoError(t, err)

	_, _, err = ReadPacket(bytes.NewReader(buf.Bytes()), 10)
	assert.ErrorIs(t, err, ErrPacketTooLarge)

	_, _, err = ReadPacket(bytes.NewReader(buf.Bytes()), 1024)
	assert.NoError(t, err)
}

func TestWritePacketSizeBound(t *testing.T) {
	p := &PublishPacket{Topic: "a", Payload: bytes.Repeat([]byte("x"), 100)}

	var buf bytes.Buffer
	_, err := WritePacket(&buf, p, 10)
	assert.ErrorIs(t, err, ErrPacketTooLarge)
	assert.Zero(t, buf.Len())
}

func TestVarint(t *testing.T) {
	cases := []struct {
		value uint32
		width int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{268435455, 4},
	}

	for _, tc := range cases {
		var buf bytes.Buffer
		n, err := encodeVarint(&buf, tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.width, n)

		decoded, _, err := decodeVarint(&buf)
		require.NoError(t, err)
		assert.Equal(t, tc.value, decoded)
	}

	var buf bytes.Buffer
	_, err := encodeVarint(&buf, 268435456)
	assert.Error(t, err)
}
