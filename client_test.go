package mqlink

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands the client one end of a net.Pipe and delivers the other
// end to the test, so a scripted broker can drive the protocol without a
// network.
type pipeDialer struct {
	conns chan net.Conn
	fails int32
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{conns: make(chan net.Conn, 4)}
}

func (d *pipeDialer) Dial(ctx context.Context, address string) (Conn, error) {
	if atomic.LoadInt32(&d.fails) > 0 {
		atomic.AddInt32(&d.fails, -1)
		return nil, errors.New("dial refused")
	}
	client, server := net.Pipe()
	d.conns <- server
	return client, nil
}

// accept waits for the next dial, performs the broker side of the handshake
// and returns a scripted broker for the connection. It must be armed before
// the client connects.
func (d *pipeDialer) accept(t *testing.T, sessionPresent bool) <-chan *fakeBroker {
	t.Helper()
	out := make(chan *fakeBroker, 1)

	go func() {
		var conn net.Conn
		select {
		case conn = <-d.conns:
		case <-time.After(5 * time.Second):
			out <- nil
			return
		}

		packet, _, err := ReadPacket(conn, 0)
		if err != nil {
			out <- nil
			return
		}
		connect, ok := packet.(*ConnectPacket)
		if !ok {
			out <- nil
			return
		}

		connack := &ConnackPacket{SessionPresent: sessionPresent, ReturnCode: ConnectAccepted}
		if _, err := WritePacket(conn, connack, 0); err != nil {
			out <- nil
			return
		}

		b := &fakeBroker{t: t, conn: conn, in: make(chan Packet, 16), connect: connect}
		go b.readLoop()
		out <- b
	}()
	return out
}

type fakeBroker struct {
	t       *testing.T
	conn    net.Conn
	in      chan Packet
	connect *ConnectPacket
}

func (b *fakeBroker) readLoop() {
	for {
		packet, _, err := ReadPacket(b.conn, 0)
		if err != nil {
			close(b.in)
			return
		}
		b.in <- packet
	}
}

func (b *fakeBroker) send(packet Packet) {
	b.t.Helper()
	_, err := WritePacket(b.conn, packet, 0)
	require.NoError(b.t, err)
}

func (b *fakeBroker) expect(typ PacketType) Packet {
	b.t.Helper()
	select {
	case packet, ok := <-b.in:
		require.True(b.t, ok, "broker connection closed while waiting for %s", typ)
		require.Equal(b.t, typ, packet.Type())
		return packet
	case <-time.After(5 * time.Second):
		b.t.Fatalf("timed out waiting for %s", typ)
		return nil
	}
}

func (b *fakeBroker) expectNone(d time.Duration) {
	b.t.Helper()
	select {
	case packet, ok := <-b.in:
		if ok {
			b.t.Fatalf("unexpected %s from client", packet.Type())
		}
	case <-time.After(d):
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []error
}

func (r *eventRecorder) handle(_ *Client, event error) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) has(sentinel error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if errors.Is(ev, sentinel) {
			return true
		}
	}
	return false
}

func (r *eventRecorder) find(target any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if errors.As(ev, target) {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testClientOptions(dialer *pipeDialer, extra ...Option) []Option {
	opts := []Option{
		WithServers("tcp://test"),
		WithClientID("client-1"),
		WithKeepAlive(0),
		WithDialer(dialer),
		WithJitterWindow(0),
		WithReconnectBackoff(10 * time.Millisecond),
		WithMaxBackoff(10 * time.Millisecond),
	}
	return append(opts, extra...)
}

func connectTestClient(t *testing.T, dialer *pipeDialer, extra ...Option) (*Client, *fakeBroker) {
	t.Helper()
	accepted := dialer.accept(t, false)

	client, err := Dial(testClientOptions(dialer, extra...)...)
	require.NoError(t, err)

	broker := <-accepted
	require.NotNil(t, broker)
	return client, broker
}

func TestClientConnect(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	client, broker := connectTestClient(t, dialer, OnEvent(recorder.handle))
	defer client.Close()

	assert.Equal(t, "client-1", broker.connect.ClientID)
	assert.True(t, broker.connect.CleanSession)
	assert.Zero(t, broker.connect.KeepAlive)

	assert.True(t, client.IsConnected())
	assert.True(t, recorder.has(EvConnecting))
	assert.True(t, recorder.has(EvConnected))

	var connected *ConnectedEvent
	require.True(t, recorder.find(&connected))
	assert.False(t, connected.SessionRestored)
}

func TestClientConnectRefused(t *testing.T) {
	dialer := newPipeDialer()

	go func() {
		conn := <-dialer.conns
		ReadPacket(conn, 0)
		WritePacket(conn, &ConnackPacket{ReturnCode: ConnectRefusedCredentials}, 0)
		conn.Close()
	}()

	client, err := NewClient(testClientOptions(dialer, WithAutoReconnect(false))...)
	require.NoError(t, err)
	defer client.Close()

	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeRefused)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientConnectWhileConnected(t *testing.T) {
	dialer := newPipeDialer()
	client, _ := connectTestClient(t, dialer)
	defer client.Close()

	assert.ErrorIs(t, client.Connect(context.Background()), ErrAlreadyConnected)
}

func TestClientPublishQoS1(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer)
	defer client.Close()

	tok, err := client.Publish("sensors/temp", []byte("21.5"), QoS1, false)
	require.NoError(t, err)

	publish := broker.expect(PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, "sensors/temp", publish.Topic)
	assert.Equal(t, []byte("21.5"), publish.Payload)
	assert.Equal(t, QoS1, publish.QoS)
	assert.False(t, publish.Dup)
	assert.NotZero(t, publish.PacketID)

	select {
	case <-tok.Done():
		t.Fatal("token resolved before acknowledgment")
	default:
	}

	broker.send(&PubackPacket{PacketID: publish.PacketID})
	assert.NoError(t, tok.Wait(context.Background()))
}

func TestClientPublishQoS2(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer)
	defer client.Close()

	tok, err := client.Publish("alarms/1", []byte("fire"), QoS2, false)
	require.NoError(t, err)

	publish := broker.expect(PacketPUBLISH).(*PublishPacket)
	broker.send(&PubrecPacket{PacketID: publish.PacketID})

	pubrel := broker.expect(PacketPUBREL).(*PubrelPacket)
	assert.Equal(t, publish.PacketID, pubrel.PacketID)

	select {
	case <-tok.Done():
		t.Fatal("token resolved before the handshake completed")
	default:
	}

	broker.send(&PubcompPacket{PacketID: publish.PacketID})
	assert.NoError(t, tok.Wait(context.Background()))
}

func TestClientPublishQoS0(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer)
	defer client.Close()

	tok, err := client.Publish("telemetry", []byte("x"), QoS0, false)
	require.NoError(t, err)
	assert.NoError(t, tok.Wait(context.Background()))

	publish := broker.expect(PacketPUBLISH).(*PublishPacket)
	assert.Zero(t, publish.PacketID)
}

func TestClientPublishValidation(t *testing.T) {
	client, err := NewClient(testClientOptions(newPipeDialer())...)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Publish("a/+", nil, QoS0, false)
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = client.Publish("a", nil, 3, false)
	assert.ErrorIs(t, err, ErrInvalidQoS)

	// QoS 0 has no outbox entry to queue, so it needs a live connection.
	_, err = client.Publish("a", nil, QoS0, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientOfflinePublishFlushedOnConnect(t *testing.T) {
	dialer := newPipeDialer()
	client, err := NewClient(testClientOptions(dialer)...)
	require.NoError(t, err)
	defer client.Close()

	tok, err := client.Publish("queued/topic", []byte("later"), QoS1, false)
	require.NoError(t, err)

	accepted := dialer.accept(t, false)
	require.NoError(t, client.Connect(context.Background()))
	broker := <-accepted
	require.NotNil(t, broker)

	publish := broker.expect(PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, "queued/topic", publish.Topic)
	assert.False(t, publish.Dup, "a never-sent entry is not a duplicate")

	broker.send(&PubackPacket{PacketID: publish.PacketID})
	assert.NoError(t, tok.Wait(context.Background()))
}

func TestClientOutboxFull(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer,
		WithOutboxLimits(OutboxLimits{MaxEntries: 1}))
	defer client.Close()

	_, err := client.Publish("a", []byte("first"), QoS1, false)
	require.NoError(t, err)
	broker.expect(PacketPUBLISH)

	_, err = client.Publish("a", []byte("second"), QoS1, false)
	assert.ErrorIs(t, err, ErrOutboxFull)
}

func TestClientPublishRateLimited(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer, WithPublishRateLimit(1, 1))
	defer client.Close()

	_, err := client.Publish("a", nil, QoS0, false)
	require.NoError(t, err)
	broker.expect(PacketPUBLISH)

	_, err = client.Publish("a", nil, QoS0, false)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClientInboundQoS2DeliveredOnce(t *testing.T) {
	dialer := newPipeDialer()
	msgs := make(chan *Message, 4)
	client, broker := connectTestClient(t, dialer,
		OnMessage(func(msg *Message) { msgs <- msg }))
	defer client.Close()

	publish := &PublishPacket{Topic: "exactly/once", Payload: []byte("v"), QoS: QoS2, PacketID: 9}
	broker.send(publish)
	pubrec := broker.expect(PacketPUBREC).(*PubrecPacket)
	assert.Equal(t, uint16(9), pubrec.PacketID)

	// A retransmitted receipt is re-acknowledged without a second delivery.
	dup := *publish
	dup.Dup = true
	broker.send(&dup)
	broker.expect(PacketPUBREC)

	select {
	case <-msgs:
		t.Fatal("message delivered before the release")
	case <-time.After(50 * time.Millisecond):
	}

	broker.send(&PubrelPacket{PacketID: 9})
	broker.expect(PacketPUBCOMP)

	select {
	case msg := <-msgs:
		assert.Equal(t, "exactly/once", msg.Topic)
		assert.Equal(t, []byte("v"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not delivered after release")
	}

	select {
	case <-msgs:
		t.Fatal("message delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientInboundQoS1(t *testing.T) {
	dialer := newPipeDialer()
	msgs := make(chan *Message, 4)
	client, broker := connectTestClient(t, dialer,
		OnMessage(func(msg *Message) { msgs <- msg }))
	defer client.Close()

	broker.send(&PublishPacket{Topic: "at/least/once", Payload: []byte("v"), QoS: QoS1, PacketID: 4})

	puback := broker.expect(PacketPUBACK).(*PubackPacket)
	assert.Equal(t, uint16(4), puback.PacketID)

	select {
	case msg := <-msgs:
		assert.Equal(t, "at/least/once", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClientSubscribe(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer)
	defer client.Close()

	msgs := make(chan *Message, 4)
	tok, err := client.Subscribe(
		func(msg *Message) { msgs <- msg },
		Subscription{TopicFilter: "sensors/+", QoS: QoS1},
	)
	require.NoError(t, err)

	subscribe := broker.expect(PacketSUBSCRIBE).(*SubscribePacket)
	require.Len(t, subscribe.Subscriptions, 1)
	assert.Equal(t, "sensors/+", subscribe.Subscriptions[0].TopicFilter)

	broker.send(&SubackPacket{PacketID: subscribe.PacketID, ReturnCodes: []byte{QoS1}})
	require.NoError(t, tok.Wait(context.Background()))
	assert.Equal(t, []byte{QoS1}, tok.Granted())

	subs := client.session.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "sensors/+", subs[0].TopicFilter)

	// The per-subscription handler receives matching messages.
	broker.send(&PublishPacket{Topic: "sensors/temp", Payload: []byte("20")})
	select {
	case msg := <-msgs:
		assert.Equal(t, "sensors/temp", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("message not routed to subscription handler")
	}

	utok, err := client.Unsubscribe("sensors/+")
	require.NoError(t, err)

	unsubscribe := broker.expect(PacketUNSUBSCRIBE).(*UnsubscribePacket)
	broker.send(&UnsubackPacket{PacketID: unsubscribe.PacketID})
	require.NoError(t, utok.Wait(context.Background()))
	assert.Empty(t, client.session.Subscriptions())
}

func TestClientSubscribeWhileDisconnectedDeferred(t *testing.T) {
	dialer := newPipeDialer()
	client, err := NewClient(testClientOptions(dialer)...)
	require.NoError(t, err)
	defer client.Close()

	// The intent is recorded, not refused, while there is no connection.
	msgs := make(chan *Message, 1)
	tok, err := client.Subscribe(
		func(msg *Message) { msgs <- msg },
		Subscription{TopicFilter: "deferred/+", QoS: QoS1},
	)
	require.NoError(t, err)

	select {
	case <-tok.Done():
		t.Fatal("token resolved before any connection existed")
	default:
	}

	accepted := dialer.accept(t, false)
	require.NoError(t, client.Connect(context.Background()))
	broker := <-accepted
	require.NotNil(t, broker)

	subscribe := broker.expect(PacketSUBSCRIBE).(*SubscribePacket)
	require.Len(t, subscribe.Subscriptions, 1)
	assert.Equal(t, "deferred/+", subscribe.Subscriptions[0].TopicFilter)

	broker.send(&SubackPacket{PacketID: subscribe.PacketID, ReturnCodes: []byte{QoS1}})
	require.NoError(t, tok.Wait(context.Background()))
	assert.Equal(t, []byte{QoS1}, tok.Granted())

	broker.send(&PublishPacket{Topic: "deferred/x", Payload: []byte("v")})
	select {
	case msg := <-msgs:
		assert.Equal(t, "deferred/x", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("message not routed to the deferred subscription handler")
	}
}

func TestClientUnsubscribeWhileDisconnectedDeferred(t *testing.T) {
	dialer := newPipeDialer()
	client, err := NewClient(testClientOptions(dialer)...)
	require.NoError(t, err)
	defer client.Close()

	tok, err := client.Unsubscribe("stale/+")
	require.NoError(t, err)

	accepted := dialer.accept(t, false)
	require.NoError(t, client.Connect(context.Background()))
	broker := <-accepted
	require.NotNil(t, broker)

	unsubscribe := broker.expect(PacketUNSUBSCRIBE).(*UnsubscribePacket)
	assert.Equal(t, []string{"stale/+"}, unsubscribe.TopicFilters)

	broker.send(&UnsubackPacket{PacketID: unsubscribe.PacketID})
	assert.NoError(t, tok.Wait(context.Background()))
}

func TestClientDeferredRequestsFailOnClose(t *testing.T) {
	client, err := NewClient(testClientOptions(newPipeDialer())...)
	require.NoError(t, err)

	tok, err := client.Subscribe(nil, Subscription{TopicFilter: "never/sent"})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.ErrorIs(t, tok.Wait(context.Background()), ErrClientClosed)
}

func TestClientReconnectAndResubscribe(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	client, broker := connectTestClient(t, dialer, OnEvent(recorder.handle))
	defer client.Close()

	tok, err := client.Subscribe(nil, Subscription{TopicFilter: "a/+", QoS: QoS1})
	require.NoError(t, err)
	subscribe := broker.expect(PacketSUBSCRIBE).(*SubscribePacket)
	broker.send(&SubackPacket{PacketID: subscribe.PacketID, ReturnCodes: []byte{QoS1}})
	require.NoError(t, tok.Wait(context.Background()))

	accepted := dialer.accept(t, false)
	broker.conn.Close()

	broker2 := <-accepted
	require.NotNil(t, broker2)
	waitFor(t, client.IsConnected, "client did not reconnect")

	assert.True(t, recorder.has(EvConnectionLost))
	assert.True(t, recorder.has(EvReconnectScheduled))

	// The broker came back without session state, so the recorded
	// subscription is re-issued.
	resub := broker2.expect(PacketSUBSCRIBE).(*SubscribePacket)
	require.Len(t, resub.Subscriptions, 1)
	assert.Equal(t, "a/+", resub.Subscriptions[0].TopicFilter)
	broker2.send(&SubackPacket{PacketID: resub.PacketID, ReturnCodes: []byte{QoS1}})
}

func TestClientResendsWithDupOnRestoredSession(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer, WithCleanSession(false))
	defer client.Close()

	tok, err := client.Publish("a/b", []byte("x"), QoS1, false)
	require.NoError(t, err)
	first := broker.expect(PacketPUBLISH).(*PublishPacket)
	assert.False(t, first.Dup)

	accepted := dialer.accept(t, true)
	broker.conn.Close()

	broker2 := <-accepted
	require.NotNil(t, broker2)

	resent := broker2.expect(PacketPUBLISH).(*PublishPacket)
	assert.Equal(t, first.PacketID, resent.PacketID)
	assert.True(t, resent.Dup)

	broker2.send(&PubackPacket{PacketID: resent.PacketID})
	assert.NoError(t, tok.Wait(context.Background()))
}

func TestClientFailsInflightWhenSessionNotRestored(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer)
	defer client.Close()

	tok, err := client.Publish("a/b", []byte("x"), QoS1, false)
	require.NoError(t, err)
	broker.expect(PacketPUBLISH)

	accepted := dialer.accept(t, false)
	broker.conn.Close()

	broker2 := <-accepted
	require.NotNil(t, broker2)
	waitFor(t, client.IsConnected, "client did not reconnect")

	// The broker has no state for the handshake; the failure is reported,
	// not absorbed, and the entry is not resent.
	assert.ErrorIs(t, tok.Wait(context.Background()), ErrSessionCleared)
	broker2.expectNone(100 * time.Millisecond)
}

func TestClientReconnectCancel(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	onEvent := func(c *Client, event error) {
		recorder.handle(c, event)
		var reconnect *ReconnectEvent
		if errors.As(event, &reconnect) {
			reconnect.Cancel()
		}
	}
	client, broker := connectTestClient(t, dialer,
		OnEvent(onEvent),
		WithReconnectBackoff(time.Minute),
		WithMaxBackoff(time.Minute))
	defer client.Close()

	broker.conn.Close()
	waitFor(t, func() bool { return client.State() == StateDisconnected },
		"cancel did not park the client")

	var disconnected *DisconnectedEvent
	require.True(t, recorder.find(&disconnected))
	assert.True(t, disconnected.Graceful)
}

func TestClientGivesUpAfterMaxReconnects(t *testing.T) {
	dialer := newPipeDialer()
	atomic.StoreInt32(&dialer.fails, 100)

	recorder := &eventRecorder{}
	client, err := NewClient(testClientOptions(dialer,
		OnEvent(recorder.handle),
		WithReconnectBackoff(time.Millisecond),
		WithMaxBackoff(time.Millisecond),
		WithMaxReconnects(2))...)
	require.NoError(t, err)
	defer client.Close()

	assert.Error(t, client.Connect(context.Background()))

	waitFor(t, func() bool { return client.State() == StateDisconnected },
		"scheduler did not give up")

	var disconnected *DisconnectedEvent
	require.True(t, recorder.find(&disconnected))
	assert.False(t, disconnected.Graceful)
	assert.ErrorIs(t, disconnected.Cause, ErrGiveUp)
}

func TestClientOversizedInboundRejected(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	client, broker := connectTestClient(t, dialer,
		OnEvent(recorder.handle),
		WithMaxMessageSize(16),
		WithAutoReconnect(false))
	defer client.Close()

	// The declared length alone exceeds the bound; the connection is torn
	// down before any body byte is read, so this write may fail midway.
	WritePacket(broker.conn, &PublishPacket{Topic: "big", Payload: make([]byte, 64)}, 0)

	waitFor(t, func() bool { return recorder.has(EvConnectionLost) },
		"oversized message did not escalate")

	var lost *ConnectionLostEvent
	require.True(t, recorder.find(&lost))
	assert.ErrorIs(t, lost.Cause, ErrMessageTooLarge)
}

func TestClientInboundOverflowEscalates(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	client, broker := connectTestClient(t, dialer,
		OnEvent(recorder.handle),
		WithMaxInbound(1),
		WithAutoReconnect(false))
	defer client.Close()

	broker.send(&PublishPacket{Topic: "a", Payload: []byte("1"), QoS: QoS2, PacketID: 1})
	broker.expect(PacketPUBREC)

	broker.send(&PublishPacket{Topic: "a", Payload: []byte("2"), QoS: QoS2, PacketID: 2})

	waitFor(t, func() bool { return recorder.has(EvConnectionLost) },
		"inbound overflow did not escalate")

	var lost *ConnectionLostEvent
	require.True(t, recorder.find(&lost))
	assert.ErrorIs(t, lost.Cause, ErrInboundOverflow)
}

func TestClientKeepalivePing(t *testing.T) {
	dialer := newPipeDialer()
	client, broker := connectTestClient(t, dialer, WithKeepAlive(100*time.Millisecond))
	defer client.Close()

	// Promptly answered pings must never trip the grace timer, round after
	// round, even when the response races the loop that sent the request.
	for i := 0; i < 3; i++ {
		broker.expect(PacketPINGREQ)
		broker.send(&PingrespPacket{})
	}
	assert.True(t, client.IsConnected())
}

func TestClientKeepaliveTimeout(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	client, broker := connectTestClient(t, dialer,
		OnEvent(recorder.handle),
		WithKeepAlive(100*time.Millisecond),
		WithAutoReconnect(false))
	defer client.Close()

	// Swallow the ping and never answer.
	broker.expect(PacketPINGREQ)

	waitFor(t, func() bool { return recorder.has(EvConnectionLost) },
		"unanswered ping did not escalate")

	var lost *ConnectionLostEvent
	require.True(t, recorder.find(&lost))
	assert.ErrorIs(t, lost.Cause, ErrKeepaliveTimeout)
}

func TestClientCloseDuringHandshake(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	client, err := NewClient(testClientOptions(dialer,
		OnEvent(recorder.handle),
		WithAutoReconnect(false))...)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- client.Connect(context.Background()) }()

	conn := <-dialer.conns
	_, _, err = ReadPacket(conn, 0)
	require.NoError(t, err)

	// Close wins the race while the handshake is still waiting for its
	// acknowledgment; the late acceptance must not revive the client.
	require.NoError(t, client.Close())
	WritePacket(conn, &ConnackPacket{ReturnCode: ConnectAccepted}, 0)

	assert.ErrorIs(t, <-errc, ErrClientClosed)
	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, recorder.has(EvConnected))
}

func TestClientClose(t *testing.T) {
	dialer := newPipeDialer()
	recorder := &eventRecorder{}
	client, broker := connectTestClient(t, dialer, OnEvent(recorder.handle))

	require.NoError(t, client.Close())
	broker.expect(PacketDISCONNECT)

	assert.Equal(t, StateDisconnected, client.State())

	var disconnected *DisconnectedEvent
	require.True(t, recorder.find(&disconnected))
	assert.True(t, disconnected.Graceful)

	// Idempotent, and further operations are refused.
	assert.NoError(t, client.Close())
	_, err := client.Publish("a", nil, QoS0, false)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = client.Subscribe(nil, Subscription{TopicFilter: "a"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClientClosePersistentSessionKeepsOutbox(t *testing.T) {
	dialer := newPipeDialer()
	client, err := NewClient(testClientOptions(dialer, WithCleanSession(false))...)
	require.NoError(t, err)

	tok, err := client.Publish("a/b", []byte("x"), QoS1, false)
	require.NoError(t, err)

	session := client.session
	require.NoError(t, client.Close())

	// The token resolves, but the entry stays durable for the next run.
	assert.ErrorIs(t, tok.Wait(context.Background()), ErrClientClosed)
	assert.Len(t, session.Entries(), 1)
}

func TestClientCloseCleanSessionClearsOutbox(t *testing.T) {
	dialer := newPipeDialer()
	client, err := NewClient(testClientOptions(dialer)...)
	require.NoError(t, err)

	_, err = client.Publish("a/b", []byte("x"), QoS1, false)
	require.NoError(t, err)

	session := client.session
	require.NoError(t, client.Close())
	assert.Empty(t, session.Entries())
}
