package mqlink

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// streamReassemblyKey is the single record key a stream transport uses.
// Datagram-style transports would key by packet identifier instead.
const streamReassemblyKey = 0

// subRequest tracks one subscribe or unsubscribe request until its
// acknowledgment arrives.
type subRequest struct {
	token       *SubscribeToken
	subs        []Subscription
	filters     []string
	unsubscribe bool
	handler     MessageHandler
}

// Client is the protocol engine: it owns the transport, the session store,
// the delivery tracker and the reconnection scheduler, and moves through
// the connection lifecycle (disconnected, connecting, connected,
// disconnecting, awaiting reconnect).
//
// A Client is created by one owner and disposed exactly once with Close.
// All exported methods are safe for concurrent use.
type Client struct {
	opts    *clientOptions
	logger  Logger
	metrics *ClientMetrics

	session    Session
	tracker    *DeliveryTracker
	keepalive  *KeepaliveMonitor
	scheduler  ReconnectScheduler
	reassembly *ReassemblyBuffer

	mu          sync.Mutex
	state       ConnState
	conn        Conn
	epoch       uint64
	serverIndex int

	// writeMu serializes all packet writes; the codec's output must never
	// interleave.
	writeMu sync.Mutex

	subMu        sync.Mutex
	subIDs       *PacketIDManager
	pendingSubs  map[uint16]*subRequest
	deferredSubs []*subRequest

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a client without connecting. Configuration errors are
// returned synchronously.
func NewClient(opts ...Option) (*Client, error) {
	options := applyOptions(opts...)
	if err := options.validate(); err != nil {
		return nil, err
	}

	session, err := options.sessionFactory(options.clientID)
	if err != nil {
		return nil, err
	}

	scheduler := options.scheduler
	if scheduler == nil {
		scheduler = &ExponentialBackoff{
			Base:        options.reconnectBackoff,
			Max:         options.maxBackoff,
			Jitter:      options.jitterWindow,
			MaxAttempts: options.maxReconnects,
		}
	}

	c := &Client{
		opts:        options,
		logger:      options.logger.WithFields(LogFields{LogFieldClientID: options.clientID}),
		metrics:     NewClientMetrics(options.metrics),
		session:     session,
		tracker:     NewDeliveryTracker(session, options.maxInbound),
		keepalive:   NewKeepaliveMonitor(options.keepAlive),
		scheduler:   scheduler,
		reassembly:  NewReassemblyBuffer(options.maxMessageSize),
		subIDs:      NewPacketIDManager(),
		pendingSubs: make(map[uint16]*subRequest),
		handlers:    make(map[string]MessageHandler),
		closed:      make(chan struct{}),
	}
	return c, nil
}

// Dial creates a client and connects it with a background context.
func Dial(opts ...Option) (*Client, error) {
	return DialContext(context.Background(), opts...)
}

// DialContext creates a client and performs the initial connect. When
// automatic reconnection is enabled a failed initial connect still returns
// the error, but the client keeps retrying in the background.
func DialContext(ctx context.Context, opts ...Option) (*Client, error) {
	c, err := NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil && !c.opts.autoReconnect {
		c.session.Close()
		return nil, err
	}
	return c, nil
}

// ClientID returns the client identifier.
func (c *Client) ClientID() string { return c.opts.clientID }

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the client is in the connected state.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// transition moves the state machine from one state to another, refusing
// moves the transition table does not permit.
func (c *Client) transition(from, to ConnState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from || !validTransition(from, to) {
		return false
	}
	c.state = to
	c.logger.Debug("state change", LogFields{LogFieldState: to.String()})
	return true
}

func (c *Client) emit(event error) {
	if c.opts.onEvent != nil {
		c.opts.onEvent(c, event)
	}
}

// Connect establishes the connection and runs the handshake. With automatic
// reconnection enabled, a failure arms the backoff timer and returns the
// first error; the client keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	if !c.transition(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	err := c.connect(ctx, 0)
	if err == nil {
		return nil
	}

	if c.opts.autoReconnect {
		c.scheduler.Failure()
		if c.transition(StateConnecting, StateAwaitingReconnect) {
			c.emit(newConnectionLostEvent(err))
			c.wg.Add(1)
			go c.reconnectLoop()
		}
	} else {
		c.transition(StateConnecting, StateDisconnected)
		c.emit(newDisconnectedEvent(false, err))
	}
	return err
}

// nextServer returns the next server address in round-robin order.
func (c *Client) nextServer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	server := c.opts.servers[c.serverIndex%len(c.opts.servers)]
	c.serverIndex++
	return server
}

// connect runs one connection attempt: dial, handshake, session
// reconciliation, loop startup and outbox flush. The caller has already
// moved the state machine into Connecting.
func (c *Client) connect(ctx context.Context, attempt int) error {
	server := c.nextServer()
	c.emit(newConnectingEvent(server, attempt))
	c.logger.Info("connecting", LogFields{LogFieldServer: server, LogFieldAttempt: attempt})

	var conn Conn
	var err error
	if c.opts.dialer != nil {
		conn, err = c.opts.dialer.Dial(ctx, server)
	} else {
		conn, err = dialServer(ctx, server, c.opts.connectTimeout, c.opts.tlsConfig)
	}
	if err != nil {
		return err
	}

	connack, err := c.handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	restored := connack.SessionPresent
	if c.opts.cleanSession || !restored {
		// The broker has no state for our in-flight handshakes; they can
		// never complete, and that is reported, not silently absorbed.
		c.tracker.FailInflight(ErrSessionCleared)
		c.tracker.ResetInbound()
	}

	c.mu.Lock()
	if c.state != StateConnecting || !validTransition(c.state, StateConnected) {
		// A concurrent Close won the race during the handshake; the
		// lifecycle must not move backwards out of Disconnected.
		c.mu.Unlock()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.epoch++
	epoch := c.epoch
	c.state = StateConnected
	c.mu.Unlock()
	c.logger.Debug("state change", LogFields{LogFieldState: StateConnected.String()})

	c.keepalive.Start(time.Now())
	c.scheduler.Reset()
	c.metrics.Connected()
	c.logger.Info("connected", LogFields{LogFieldServer: server})
	c.emit(newConnectedEvent(server, restored))

	c.wg.Add(1)
	go c.readLoop(conn, epoch)
	if c.keepalive.Enabled() {
		c.wg.Add(1)
		go c.keepaliveLoop(epoch)
	}

	if !restored {
		c.resubscribe()
	}
	c.flushDeferredSubs()
	c.flushOutbox()
	return nil
}

// handshake sends CONNECT and waits for CONNACK under the connect timeout.
func (c *Client) handshake(conn Conn) (*ConnackPacket, error) {
	keepAlive := c.opts.keepAlive
	var keepAliveSecs uint16
	if keepAlive > 0 {
		secs := (keepAlive + time.Second - 1) / time.Second
		if secs > time.Duration(maxUint16) {
			secs = time.Duration(maxUint16)
		}
		keepAliveSecs = uint16(secs)
	}

	connect := &ConnectPacket{
		ClientID:     c.opts.clientID,
		CleanSession: c.opts.cleanSession,
		KeepAlive:    keepAliveSecs,
		Username:     c.opts.username,
		Password:     c.opts.password,
		Will:         c.opts.will,
	}

	if c.opts.connectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(c.opts.connectTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := WritePacket(conn, connect, 0); err != nil {
		return nil, err
	}

	packet, _, err := ReadPacket(conn, uint32(c.opts.maxMessageSize))
	if err != nil {
		return nil, err
	}
	connack, ok := packet.(*ConnackPacket)
	if !ok {
		return nil, ErrProtocolViolation
	}
	if connack.ReturnCode != ConnectAccepted {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeRefused, connack.ReturnCode)
	}
	return connack, nil
}

// connectionLost tears down the transport and routes the failure into the
// awaiting-reconnect state. Stale callers (loops from a previous
// connection) are ignored via the epoch check.
func (c *Client) connectionLost(epoch uint64, cause error) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.epoch++
	c.state = StateAwaitingReconnect
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.reassembly.Reset()
	c.failPendingSubs(cause)
	c.metrics.ConnectionLost()
	c.logger.Warn("connection lost", LogFields{LogFieldError: cause})
	c.emit(newConnectionLostEvent(cause))

	if c.isClosed() {
		return
	}
	if c.opts.autoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	} else {
		c.transition(StateAwaitingReconnect, StateDisconnected)
		c.emit(newDisconnectedEvent(false, cause))
	}
}

// reconnectLoop waits out the backoff and retries until it connects, the
// attempt budget runs out, or someone cancels.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		if c.scheduler.Exhausted() {
			c.transition(StateAwaitingReconnect, StateDisconnected)
			c.logger.Error("reconnect attempts exhausted", nil)
			c.emit(newDisconnectedEvent(false, ErrGiveUp))
			return
		}

		delay := c.scheduler.NextDelay()
		attempt := c.scheduler.Attempt() + 1

		cancelled := make(chan struct{})
		var once sync.Once
		cancel := func() { once.Do(func() { close(cancelled) }) }

		c.logger.Info("reconnect scheduled", LogFields{
			LogFieldAttempt: attempt,
			LogFieldDelay:   delay,
		})
		c.emit(newReconnectEvent(attempt, c.opts.maxReconnects, delay, cancel))

		timer := time.NewTimer(delay)
		select {
		case <-c.closed:
			timer.Stop()
			return
		case <-cancelled:
			timer.Stop()
			c.transition(StateAwaitingReconnect, StateDisconnected)
			c.emit(newDisconnectedEvent(true, nil))
			return
		case <-timer.C:
		}

		if !c.transition(StateAwaitingReconnect, StateConnecting) {
			return
		}

		c.metrics.ReconnectAttempt()
		err := c.connect(context.Background(), attempt)
		if err == nil {
			return
		}

		c.scheduler.Failure()
		c.logger.Warn("reconnect failed", LogFields{
			LogFieldAttempt: attempt,
			LogFieldError:   err,
		})
		if !c.transition(StateConnecting, StateAwaitingReconnect) {
			return
		}
	}
}

// readLoop reads fixed headers off the transport and assembles bodies
// through the reassembly buffer in receive-buffer-sized chunks. Oversized
// declarations are rejected on the header alone, before any body byte is
// read or buffered.
func (c *Client) readLoop(conn Conn, epoch uint64) {
	defer c.wg.Done()

	buf := make([]byte, c.opts.receiveBufferSize)
	for {
		var header FixedHeader
		if _, err := header.Decode(conn); err != nil {
			c.connectionLost(epoch, err)
			return
		}

		if c.opts.maxMessageSize > 0 && header.RemainingLength > uint32(c.opts.maxMessageSize) {
			c.connectionLost(epoch, ErrMessageTooLarge)
			return
		}

		var body []byte
		if header.RemainingLength > 0 {
			assembled, err := c.readBody(conn, buf, int(header.RemainingLength))
			if err != nil {
				c.connectionLost(epoch, err)
				return
			}
			body = assembled
		}

		packet, err := DecodeBody(header, body)
		if err != nil {
			c.connectionLost(epoch, err)
			return
		}

		c.keepalive.Observe(time.Now())

		if err := c.handlePacket(packet); err != nil {
			c.connectionLost(epoch, err)
			return
		}
	}
}

// readBody collects one declared body through the reassembly buffer.
func (c *Client) readBody(conn Conn, buf []byte, total int) ([]byte, error) {
	if err := c.reassembly.Begin(streamReassemblyKey, total); err != nil {
		return nil, err
	}

	offset := 0
	for {
		chunk := buf
		if remaining := total - offset; remaining < len(chunk) {
			chunk = chunk[:remaining]
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			data, complete, aerr := c.reassembly.Append(streamReassemblyKey, offset, chunk[:n])
			if aerr != nil {
				return nil, aerr
			}
			offset += n
			if complete {
				return data, nil
			}
		}
		if err != nil {
			c.reassembly.Discard(streamReassemblyKey)
			return nil, err
		}
	}
}

// handlePacket dispatches one inbound packet. A returned error is a
// protocol failure and tears the connection down.
func (c *Client) handlePacket(packet Packet) error {
	switch p := packet.(type) {
	case *PublishPacket:
		return c.handlePublish(p)
	case *PubackPacket:
		if err := c.tracker.HandleAck(p.PacketID); err != nil {
			return err
		}
		c.metrics.PublishAcked(QoS1)
		c.metrics.OutboxDepth(c.tracker.Outstanding())
		return nil
	case *PubrecPacket:
		if _, err := c.tracker.HandleReceived(p.PacketID); err != nil {
			return err
		}
		return c.writePacket(&PubrelPacket{PacketID: p.PacketID})
	case *PubcompPacket:
		if err := c.tracker.HandleComplete(p.PacketID); err != nil {
			return err
		}
		c.metrics.PublishAcked(QoS2)
		c.metrics.OutboxDepth(c.tracker.Outstanding())
		return nil
	case *PubrelPacket:
		if msg, ok := c.tracker.ReleaseInbound(p.PacketID); ok {
			c.deliver(msg)
		}
		// Complete regardless: a broker retransmitting the release for an
		// already-finished flow must not loop forever.
		return c.writePacket(&PubcompPacket{PacketID: p.PacketID})
	case *SubackPacket:
		return c.handleSuback(p)
	case *UnsubackPacket:
		return c.handleUnsuback(p)
	case *PingrespPacket:
		return nil
	default:
		c.logger.Error("unexpected packet", LogFields{LogFieldPacketType: packet.Type().String()})
		return ErrProtocolViolation
	}
}

// handlePublish runs the receiver side of the delivery handshake.
func (c *Client) handlePublish(p *PublishPacket) error {
	msg := p.ToMessage()

	switch p.QoS {
	case QoS0:
		c.deliver(msg)
		return nil
	case QoS1:
		c.deliver(msg)
		return c.writePacket(&PubackPacket{PacketID: p.PacketID})
	case QoS2:
		// Delivery is deferred until the release; only the receipt is
		// acknowledged now. Retransmits are re-acknowledged without
		// tracking the message twice.
		if _, err := c.tracker.BeginInbound(p.PacketID, msg); err != nil {
			return err
		}
		return c.writePacket(&PubrecPacket{PacketID: p.PacketID})
	default:
		return ErrProtocolViolation
	}
}

// deliver hands an inbound message to the most specific registered handler,
// falling back to the OnMessage handler.
func (c *Client) deliver(msg *Message) {
	c.metrics.MessageReceived(msg.QoS)

	var handler MessageHandler
	c.handlersMu.RLock()
	for filter, h := range c.handlers {
		if TopicMatch(filter, msg.Topic) {
			handler = h
			break
		}
	}
	c.handlersMu.RUnlock()

	if handler == nil {
		handler = c.opts.onMessage
	}
	if handler == nil {
		c.logger.Debug("message dropped, no handler", LogFields{LogFieldTopic: msg.Topic})
		return
	}
	handler(msg)
}

// writePacket writes one packet under the write lock and write timeout.
func (c *Client) writePacket(packet Packet) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
	if _, err := WritePacket(conn, packet, 0); err != nil {
		return err
	}
	c.keepalive.Touch(time.Now())
	return nil
}

// keepaliveLoop sends heartbeats on idle and escalates unanswered ones.
func (c *Client) keepaliveLoop(epoch uint64) {
	defer c.wg.Done()

	timer := time.NewTimer(c.keepalive.NextCheck(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-timer.C:
		}

		c.mu.Lock()
		stale := epoch != c.epoch || c.state != StateConnected
		c.mu.Unlock()
		if stale {
			return
		}

		now := time.Now()
		if c.keepalive.Expired(now) {
			c.metrics.KeepaliveTimeout()
			c.connectionLost(epoch, ErrKeepaliveTimeout)
			return
		}
		if c.keepalive.PingDue(now) {
			// Arm the wait before the write: the response can arrive and be
			// observed by the read loop before this one resumes, and must
			// not be consumed against a ping not yet marked.
			c.keepalive.MarkPing(now)
			if err := c.writePacket(&PingreqPacket{}); err != nil {
				c.connectionLost(epoch, err)
				return
			}
		}

		next := c.keepalive.NextCheck(time.Now())
		if next <= 0 {
			next = 50 * time.Millisecond
		}
		timer.Reset(next)
	}
}

// flushOutbox replays unfinished deliveries after a reconnect, in original
// submission order, dropping entries that aged past the expiry bound.
func (c *Client) flushOutbox() {
	resend, expired := c.tracker.PrepareResend(c.opts.entryExpiry)

	for _, entry := range expired {
		c.metrics.PublishExpired()
		c.logger.Warn("publish expired", LogFields{
			LogFieldTopic:    entry.Topic,
			LogFieldPacketID: entry.PacketID,
		})
		c.emit(newPublishExpiredEvent(entry.Topic, entry.PacketID, time.Since(entry.EnqueuedAt)))
	}

	for _, entry := range resend {
		var packet Packet
		if entry.State == DeliveryAwaitingComplete {
			packet = &PubrelPacket{PacketID: entry.PacketID}
		} else {
			packet = &PublishPacket{
				Topic:    entry.Topic,
				Payload:  entry.Payload,
				QoS:      entry.QoS,
				Retain:   entry.Retain,
				Dup:      !entry.FirstSent.IsZero(),
				PacketID: entry.PacketID,
			}
		}
		if err := c.writePacket(packet); err != nil {
			// The read loop observes the dead transport and reschedules;
			// the entry stays queued for the next flush.
			return
		}
		c.tracker.MarkSent(entry)
		c.metrics.PublishSent(entry.QoS)
	}

	c.metrics.OutboxDepth(c.tracker.Outstanding())
}

// Publish sends an application message at the given QoS. QoS 0 requires an
// active connection and resolves immediately; QoS 1 and 2 are recorded in
// the outbox first, survive reconnects, and resolve when the handshake
// completes. Capacity and configuration problems fail synchronously.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (*PublishToken, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if qos > QoS2 {
		return nil, ErrInvalidQoS
	}
	if err := ValidateTopicName(topic); err != nil {
		return nil, err
	}
	if c.opts.publishLimiter != nil && !c.opts.publishLimiter.Allow() {
		return nil, ErrRateLimited
	}

	msg := &Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain}

	if qos == QoS0 {
		if c.State() != StateConnected {
			return nil, ErrNotConnected
		}
		packet := &PublishPacket{}
		packet.FromMessage(msg)
		if err := c.writePacket(packet); err != nil {
			return nil, err
		}
		c.metrics.PublishSent(qos)
		return &PublishToken{token: completedToken(nil), Topic: topic}, nil
	}

	tok := newToken()
	entry, err := c.tracker.Enqueue(msg, tok)
	if err != nil {
		return nil, err
	}
	seq := entry.Seq
	ptok := &PublishToken{
		token:  tok,
		Topic:  topic,
		cancel: func() error { return c.tracker.Cancel(seq) },
	}
	c.metrics.OutboxDepth(c.tracker.Outstanding())

	if c.State() == StateConnected {
		packet := &PublishPacket{}
		packet.FromMessage(msg)
		packet.PacketID = entry.PacketID
		if err := c.writePacket(packet); err == nil {
			c.tracker.MarkSent(entry)
			c.metrics.PublishSent(qos)
		}
		// On a write failure the entry stays queued and replays after the
		// reconnect.
	}
	return ptok, nil
}

// Subscribe requests the given subscriptions and registers the handler for
// messages matching their filters. A nil handler routes matches to the
// OnMessage handler. While not connected, the request is recorded and sent
// automatically once a connection is established. Granted subscriptions are
// recorded in the session and re-issued after any reconnect that did not
// restore broker-side state.
func (c *Client) Subscribe(handler MessageHandler, subs ...Subscription) (*SubscribeToken, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if len(subs) == 0 {
		return nil, ErrInvalidTopic
	}
	filters := make([]string, len(subs))
	for i, sub := range subs {
		if sub.QoS > QoS2 {
			return nil, ErrInvalidQoS
		}
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return nil, err
		}
		filters[i] = sub.TopicFilter
	}

	req := &subRequest{
		token:   &SubscribeToken{token: newToken(), Filters: filters},
		subs:    subs,
		handler: handler,
	}
	if err := c.queueOrSendSubRequest(req); err != nil {
		return nil, err
	}
	return req.token, nil
}

// Unsubscribe removes the given subscriptions. The token resolves when the
// broker acknowledges; the session record and handler are removed then.
// While not connected, the request is recorded and sent once connected.
func (c *Client) Unsubscribe(filters ...string) (*SubscribeToken, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	if len(filters) == 0 {
		return nil, ErrInvalidTopic
	}
	for _, filter := range filters {
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
	}

	req := &subRequest{
		token:       &SubscribeToken{token: newToken(), Filters: filters},
		filters:     filters,
		unsubscribe: true,
	}
	if err := c.queueOrSendSubRequest(req); err != nil {
		return nil, err
	}
	return req.token, nil
}

// sendSubRequest registers the request and writes its packet.
func (c *Client) sendSubRequest(req *subRequest) error {
	packetID, err := c.registerSubRequest(req)
	if err != nil {
		return err
	}

	var packet Packet
	if req.unsubscribe {
		packet = &UnsubscribePacket{PacketID: packetID, TopicFilters: req.filters}
	} else {
		packet = &SubscribePacket{PacketID: packetID, Subscriptions: req.subs}
	}
	if err := c.writePacket(packet); err != nil {
		c.dropSubRequest(packetID)
		return err
	}
	return nil
}

// queueOrSendSubRequest sends the request on a live connection and defers it
// otherwise. Deferred requests are replayed on the next connect.
func (c *Client) queueOrSendSubRequest(req *subRequest) error {
	if c.State() == StateConnected {
		return c.sendSubRequest(req)
	}

	c.subMu.Lock()
	c.deferredSubs = append(c.deferredSubs, req)
	c.subMu.Unlock()
	c.logger.Debug("request deferred until connected", LogFields{"filters": req.token.Filters})

	// The connection may have come up between the state check and the
	// append; the flush drains whatever is queued.
	if c.State() == StateConnected {
		c.flushDeferredSubs()
	}
	return nil
}

// flushDeferredSubs sends requests that were issued while disconnected.
func (c *Client) flushDeferredSubs() {
	c.subMu.Lock()
	deferred := c.deferredSubs
	c.deferredSubs = nil
	c.subMu.Unlock()

	for i, req := range deferred {
		if err := c.sendSubRequest(req); err != nil {
			// The transport died mid-flush; the remainder waits for the
			// next connect.
			c.subMu.Lock()
			c.deferredSubs = append(c.deferredSubs, deferred[i:]...)
			c.subMu.Unlock()
			return
		}
	}
}

// failDeferredSubs resolves deferred request tokens at client disposal.
// Connection loss does not fail them: they replay on the next connect.
func (c *Client) failDeferredSubs(err error) {
	c.subMu.Lock()
	deferred := c.deferredSubs
	c.deferredSubs = nil
	c.subMu.Unlock()

	for _, req := range deferred {
		req.token.complete(err)
	}
}

func (c *Client) registerSubRequest(req *subRequest) (uint16, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	packetID, err := c.subIDs.Allocate()
	if err != nil {
		return 0, err
	}
	c.pendingSubs[packetID] = req
	return packetID, nil
}

func (c *Client) dropSubRequest(packetID uint16) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.pendingSubs, packetID)
	c.subIDs.Release(packetID)
}

func (c *Client) takeSubRequest(packetID uint16) *subRequest {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	req, ok := c.pendingSubs[packetID]
	if !ok {
		return nil
	}
	delete(c.pendingSubs, packetID)
	c.subIDs.Release(packetID)
	return req
}

// failPendingSubs resolves every outstanding subscribe/unsubscribe token
// when the connection dies. The caller retries on the next connection.
func (c *Client) failPendingSubs(cause error) {
	c.subMu.Lock()
	pending := c.pendingSubs
	c.pendingSubs = make(map[uint16]*subRequest)
	c.subIDs = NewPacketIDManager()
	c.subMu.Unlock()

	for _, req := range pending {
		req.token.complete(fmt.Errorf("%w: %w", ErrNotConnected, cause))
	}
}

func (c *Client) handleSuback(p *SubackPacket) error {
	req := c.takeSubRequest(p.PacketID)
	if req == nil || req.unsubscribe {
		return ErrUnexpectedAck
	}
	if len(p.ReturnCodes) != len(req.subs) {
		req.token.complete(ErrProtocolViolation)
		return ErrProtocolViolation
	}

	for i, code := range p.ReturnCodes {
		if code == SubackFailure {
			c.logger.Warn("subscription rejected", LogFields{LogFieldTopic: req.subs[i].TopicFilter})
			continue
		}
		granted := req.subs[i]
		granted.QoS = code
		c.session.SetSubscription(granted)
		if req.handler != nil {
			c.handlersMu.Lock()
			c.handlers[granted.TopicFilter] = req.handler
			c.handlersMu.Unlock()
		}
	}

	req.token.setGranted(p.ReturnCodes)
	req.token.complete(nil)
	return nil
}

func (c *Client) handleUnsuback(p *UnsubackPacket) error {
	req := c.takeSubRequest(p.PacketID)
	if req == nil || !req.unsubscribe {
		return ErrUnexpectedAck
	}

	for _, filter := range req.filters {
		c.session.RemoveSubscription(filter)
		c.handlersMu.Lock()
		delete(c.handlers, filter)
		c.handlersMu.Unlock()
	}

	req.token.complete(nil)
	return nil
}

// resubscribe re-issues the session's recorded subscriptions after a
// connect that did not restore broker-side state.
func (c *Client) resubscribe() {
	subs := c.session.Subscriptions()
	if len(subs) == 0 {
		return
	}

	filters := make([]string, len(subs))
	for i, sub := range subs {
		filters[i] = sub.TopicFilter
	}

	req := &subRequest{
		token: &SubscribeToken{token: newToken(), Filters: filters},
		subs:  subs,
	}
	c.logger.Info("restoring subscriptions", LogFields{"count": len(subs)})
	if err := c.sendSubRequest(req); err != nil {
		c.logger.Error("resubscribe failed", LogFields{LogFieldError: err})
	}
}

// Close disposes the client: a graceful disconnect if connected, cancelled
// reconnection otherwise. Outstanding tokens resolve with ErrClientClosed;
// with a persistent session the outbox entries themselves stay durable for
// the next run. Close is idempotent.
func (c *Client) Close() error {
	alreadyClosed := c.isClosed()
	c.closeOnce.Do(func() { close(c.closed) })
	if alreadyClosed {
		return nil
	}

	if c.transition(StateConnected, StateDisconnecting) {
		// Best effort: the broker suppresses the will on a clean goodbye.
		c.writePacket(&DisconnectPacket{})

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.epoch++
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		c.transition(StateDisconnecting, StateDisconnected)
		c.emit(newDisconnectedEvent(true, nil))
	} else if c.transition(StateAwaitingReconnect, StateDisconnected) {
		c.emit(newDisconnectedEvent(true, nil))
	} else if c.transition(StateConnecting, StateDisconnected) {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.epoch++
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.emit(newDisconnectedEvent(true, nil))
	}

	c.wg.Wait()

	c.failPendingSubs(ErrClientClosed)
	c.failDeferredSubs(ErrClientClosed)
	c.tracker.DetachTokens(ErrClientClosed)
	if c.opts.cleanSession {
		c.tracker.FailAll(ErrClientClosed)
		c.session.Clear()
	}
	c.logger.Info("client closed", nil)
	return c.session.Close()
}
