package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/opaquewire/rdt/congestion"
	"github.com/opaquewire/rdt/core/idgen"
	"github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/fec"
	"github.com/opaquewire/rdt/flowctl"
	"github.com/opaquewire/rdt/metrics"
	"github.com/opaquewire/rdt/timer"
	"github.com/opaquewire/rdt/wire/frame"
)

// Defaults per spec.md §6.
const (
	OutboundHeartbeatInterval = 500 * time.Millisecond
	ConnectionExpireTimeout   = 2000 * time.Millisecond

	localSendMaxRetries  = 3
	localSendRetryDelay  = 20 * time.Millisecond
	handshakeMaxRetries  = 2
	handshakeRetryDelay  = 50 * time.Millisecond
)

// State is one of Connection's four lifecycle states.
type State int32

const (
	StateNew State = iota
	StateHandshaking
	StateEstablished
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// UDPWriter sends an already-encoded datagram to addr and reports how
// long the write took. Connection never owns a socket directly — the
// shared adapter (component L) does, so migration can redirect outbound
// traffic without rebinding anything.
type UDPWriter interface {
	WriteTo(addr *net.UDPAddr, buf []byte) (time.Duration, error)
}

// connectPayload is the CBOR-encoded body of CONNECT_REQUEST and
// CONNECT_RESPONSE frames: an ephemeral X25519 public key plus the
// sender's peer_id.
type connectPayload struct {
	PeerID    string
	PublicKey [32]byte
}

// peerOffPayload is the CBOR-encoded body of a PEER_OFF frame: the
// disconnecting peer's peer_id plus an optional human-readable reason.
type peerOffPayload struct {
	PeerID string
	Reason string
}

// connDeps bundles the process-wide shared components every Connection
// is built from. These are owned by ConnectionManager and injected so
// Connection never constructs its own copies of process singletons.
type connDeps struct {
	wheel           *timer.Wheel
	flow            *flowctl.Global
	reqTable        *RequestResponseTable
	recvDedup       *DedupCache
	ids             *idgen.Generator
	udp             UDPWriter
	delivered       chan<- *DeliveredMessage
	onExpire        func(id uint64)
	onEstablished   func(c *Connection)
	onPeerOff       func(peerID string)
	localPeerID     string
	fecN            int
	maxFramePayload uint32
	globalDeadline  time.Duration
}

// DeliveredMessage is one fully-reassembled application payload handed to
// the host via the delivered-message queue.
type DeliveredMessage struct {
	ConnectionID uint64
	PeerID       string
	Payload      []byte
}

// Connection is the bidirectional association between this endpoint and
// a peer, identified by connection_id independent of the peer's network
// address (spec.md §4.J).
type Connection struct {
	log *log.Logger

	id     uint64
	deps   connDeps
	cc     *congestion.Controller
	fecEnc *fec.Encoder
	fecDec *fec.Decoder

	state int32 // State, accessed atomically

	mu              sync.Mutex
	peerID          string
	remoteAddr      *net.UDPAddr
	lastSeen        time.Time
	outbound        bool
	keyPair         *KeyPair
	sharedSecret    []byte
	heartbeatHandle *timer.Handle

	sendMu       sync.Mutex
	sendMessages map[uint64]*SendMessage

	recvMu       sync.Mutex
	recvMessages map[uint64]*ReceiveMessage
}

func newConnection(id uint64, remoteAddr *net.UDPAddr, outbound bool, deps connDeps) *Connection {
	fecN := deps.fecN
	if fecN <= 0 {
		fecN = 4
	}
	return &Connection{
		log:          log.New("conn"),
		id:           id,
		deps:         deps,
		cc:           congestion.New(),
		fecEnc:       fec.NewEncoder(fecN),
		fecDec:       fec.NewDecoder(fecN),
		outbound:     outbound,
		lastSeen:     time.Now(),
		remoteAddr:   remoteAddr,
		sendMessages: make(map[uint64]*SendMessage),
		recvMessages: make(map[uint64]*ReceiveMessage),
	}
}

// ID returns the connection's connection_id.
func (c *Connection) ID() uint64 { return c.id }

// PeerID returns the associated peer_id, empty before the handshake
// completes.
func (c *Connection) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// RemoteAddr returns the connection's current remote address, which may
// change across the connection's lifetime via migration.
func (c *Connection) RemoteAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// LastSeen returns the time of the most recently processed inbound frame.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Metrics returns a prometheus.Collector scoped to this one connection's
// cwnd and delivery rate, sampled fresh on every scrape.
func (c *Connection) Metrics() *metrics.ConnectionCollector {
	return metrics.NewConnectionCollector(func() []metrics.ConnectionStats {
		return []metrics.ConnectionStats{{
			ConnectionID: c.ID(),
			PeerID:       c.PeerID(),
			State:        c.State().String(),
			Cwnd:         c.cc.Cwnd(),
			DeliveryRate: c.cc.DeliveryRate(),
		}}
	})
}

func (c *Connection) markHandshaking() {
	atomic.CompareAndSwapInt32(&c.state, int32(StateNew), int32(StateHandshaking))
}

func (c *Connection) markEstablished() {
	for {
		cur := State(atomic.LoadInt32(&c.state))
		if cur == StateEstablished || cur == StateExpired {
			return
		}
		if atomic.CompareAndSwapInt32(&c.state, int32(cur), int32(StateEstablished)) {
			return
		}
	}
}

// markExpired transitions to EXPIRED and reports whether this call
// performed the transition, so teardown side effects run exactly once.
func (c *Connection) markExpired() bool {
	for {
		cur := State(atomic.LoadInt32(&c.state))
		if cur == StateExpired {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, int32(cur), int32(StateExpired)) {
			return true
		}
	}
}

// Connect performs the active side of the handshake: it sends
// CONNECT_REQUEST and awaits CONNECT_RESPONSE on the request/response
// table, retrying per spec.md §4.J's end-to-end timeout policy (up to
// handshakeMaxRetries retries at handshakeRetryDelay).
func (c *Connection) Connect(ctx context.Context) error {
	c.markHandshaking()

	kp, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keyPair = kp
	c.outbound = true
	c.mu.Unlock()

	dataID := c.deps.ids.Next()
	payload, err := cbor.Marshal(connectPayload{PeerID: c.deps.localPeerID, PublicKey: kp.Public})
	if err != nil {
		return newCodecError("marshal CONNECT_REQUEST: %w", err)
	}
	req := &frame.Frame{
		ConnectionID:     c.id,
		DataID:           dataID,
		Type:             frame.CONNECT_REQUEST,
		Total:            1,
		Payload:          payload,
		FrameTotalLength: uint32(frame.HeaderSize + len(payload)),
	}

	var lastErr error
	for attempt := 0; attempt <= handshakeMaxRetries; attempt++ {
		waitCh := c.deps.reqTable.Await(dataID)
		if _, err := c.transmitWithRetry(req); err != nil {
			lastErr = err
			continue
		}
		select {
		case <-waitCh:
			c.startHeartbeat()
			return nil
		case <-time.After(handshakeRetryDelay):
			lastErr = newHandshakeTimeoutError("no CONNECT_RESPONSE for data_id %d (attempt %d)", dataID, attempt)
		case <-ctx.Done():
			return newHandshakeTimeoutError("context cancelled: %w", ctx.Err())
		}
	}
	return lastErr
}

// HandleFrame dispatches an inbound frame by type (spec.md §4.J). It
// updates last_seen and, on a source-address change, migrates the
// connection's remote address before dispatching.
func (c *Connection) HandleFrame(f *frame.Frame, fromAddr *net.UDPAddr) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	if fromAddr != nil && (c.remoteAddr == nil || c.remoteAddr.String() != fromAddr.String()) {
		c.remoteAddr = fromAddr
	}
	c.mu.Unlock()

	switch f.Type {
	case frame.DATA:
		c.handleData(f)
	case frame.DATA_ACK:
		c.handleSingleAck(f)
	case frame.BATCH_ACK:
		c.handleBatchAck(f)
	case frame.ALL_ACK:
		c.handleAllAck(f)
	case frame.PING:
		c.handlePing(f)
	case frame.PONG:
		c.deps.reqTable.Resolve(f.DataID, f)
	case frame.CONNECT_REQUEST:
		c.handleConnectRequest(f)
	case frame.CONNECT_RESPONSE:
		c.completeHandshake(f)
		c.deps.reqTable.Resolve(f.DataID, f)
	case frame.OFF:
		c.Release()
	case frame.PEER_OFF:
		c.handlePeerOff(f)
	case frame.FEC:
		c.handleFEC(f)
	default:
		c.log.Warnf("unhandled frame type %s on connection %d", f.Type, c.id)
	}
}

func (c *Connection) handleData(f *frame.Frame) {
	if c.deps.recvDedup.Seen(f.DataID) {
		c.emitAllAck(f.DataID, f.Sequence)
		return
	}

	c.recvMu.Lock()
	rm, ok := c.recvMessages[f.DataID]
	if !ok {
		dataID := f.DataID
		rm = NewReceiveMessage(c.id, dataID, f.Total, c.deps.wheel, func(bitmap []byte) {
			c.emitBatchAck(dataID, f.Total, bitmap)
		})
		c.recvMessages[dataID] = rm
	}
	c.recvMu.Unlock()

	_, complete := rm.HandleFrame(f)
	if !complete {
		return
	}

	payload := rm.Reassemble()
	rm.Close()
	c.recvMu.Lock()
	delete(c.recvMessages, f.DataID)
	c.recvMu.Unlock()

	c.deps.recvDedup.Mark(f.DataID)
	c.emitAllAck(f.DataID, f.Sequence)
	c.deliver(payload)
}

func (c *Connection) handleSingleAck(f *frame.Frame) {
	sm, ok := c.lookupSendMessage(f.DataID)
	if !ok {
		return
	}
	sm.OnAck(f.Sequence, c.deps.flow, c.cc)
}

func (c *Connection) handleBatchAck(f *frame.Frame) {
	sm, ok := c.lookupSendMessage(f.DataID)
	if !ok {
		return
	}
	sm.OnBatchAck(f.Payload, c.deps.flow, c.cc)
}

func (c *Connection) handleAllAck(f *frame.Frame) {
	sm, ok := c.lookupSendMessage(f.DataID)
	if !ok {
		return
	}
	// ack every sequence so flow control and congestion control see the
	// same per-frame feedback a DATA_ACK or BATCH_ACK would give them
	for seq := uint32(0); seq < sm.Total(); seq++ {
		sm.OnAck(seq, c.deps.flow, c.cc)
	}
	sm.AllReceived()
}

func (c *Connection) lookupSendMessage(dataID uint64) (*SendMessage, bool) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	sm, ok := c.sendMessages[dataID]
	return sm, ok
}

func (c *Connection) handlePing(f *frame.Frame) {
	pong := &frame.Frame{
		ConnectionID:     c.id,
		DataID:           f.DataID,
		Type:             frame.PONG,
		Total:            1,
		FrameTotalLength: frame.HeaderSize,
	}
	c.sendControl(pong)
}

// handlePeerOff releases every connection this endpoint holds to the
// peer named in f's payload (spec.md §4.J), not just this one — the
// sender is telling the whole process it's gone, not just this
// connection.
func (c *Connection) handlePeerOff(f *frame.Frame) {
	var off peerOffPayload
	if err := cbor.Unmarshal(f.Payload, &off); err != nil {
		c.log.Warnf("malformed PEER_OFF on connection %d: %v", c.id, err)
		return
	}
	if c.deps.onPeerOff != nil && off.PeerID != "" {
		c.deps.onPeerOff(off.PeerID)
	}
}

func (c *Connection) handleConnectRequest(f *frame.Frame) {
	var req connectPayload
	if err := cbor.Unmarshal(f.Payload, &req); err != nil {
		c.log.Warnf("malformed CONNECT_REQUEST on connection %d: %v", c.id, err)
		return
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		c.log.Errorf("generate keypair for connection %d: %v", c.id, err)
		return
	}
	secret, err := deriveSharedSecret(kp.Private, req.PublicKey)
	if err != nil {
		c.log.Errorf("derive shared secret for connection %d: %v", c.id, err)
		return
	}

	c.mu.Lock()
	c.peerID = req.PeerID
	c.keyPair = kp
	c.sharedSecret = secret
	c.outbound = false
	c.mu.Unlock()

	c.markHandshaking()
	c.markEstablished()
	if c.deps.onEstablished != nil {
		c.deps.onEstablished(c)
	}
	c.startLiveness()

	payload, err := cbor.Marshal(connectPayload{PeerID: c.deps.localPeerID, PublicKey: kp.Public})
	if err != nil {
		c.log.Errorf("marshal CONNECT_RESPONSE for connection %d: %v", c.id, err)
		return
	}
	resp := &frame.Frame{
		ConnectionID:     c.id,
		DataID:           f.DataID,
		Type:             frame.CONNECT_RESPONSE,
		Total:            1,
		Payload:          payload,
		FrameTotalLength: uint32(frame.HeaderSize + len(payload)),
	}
	c.sendControl(resp)
}

func (c *Connection) completeHandshake(f *frame.Frame) {
	var resp connectPayload
	if err := cbor.Unmarshal(f.Payload, &resp); err != nil {
		c.log.Warnf("malformed CONNECT_RESPONSE on connection %d: %v", c.id, err)
		return
	}

	c.mu.Lock()
	kp := c.keyPair
	c.mu.Unlock()
	if kp == nil {
		return
	}
	secret, err := deriveSharedSecret(kp.Private, resp.PublicKey)
	if err != nil {
		c.log.Errorf("derive shared secret for connection %d: %v", c.id, err)
		return
	}

	c.mu.Lock()
	c.peerID = resp.PeerID
	c.sharedSecret = secret
	c.mu.Unlock()

	c.markEstablished()
	if c.deps.onEstablished != nil {
		c.deps.onEstablished(c)
	}
}

func (c *Connection) handleFEC(f *frame.Frame) {
	recovered, err := c.fecDec.Submit(f)
	if err != nil {
		c.log.Debugf("fec group %d unrecoverable on connection %d: %v", f.FECGroupID, c.id, err)
		return
	}
	if recovered != nil {
		metrics.FecRecoveries.Inc()
		recovered.ConnectionID = c.id
		c.handleData(recovered)
	}
}

func (c *Connection) emitAllAck(dataID uint64, seq uint32) {
	ack := &frame.Frame{
		ConnectionID:     c.id,
		DataID:           dataID,
		Type:             frame.ALL_ACK,
		Sequence:         seq,
		Total:            1,
		FrameTotalLength: frame.HeaderSize,
	}
	c.sendControl(ack)
}

func (c *Connection) emitBatchAck(dataID uint64, total uint32, bitmap []byte) {
	ack := &frame.Frame{
		ConnectionID:     c.id,
		DataID:           dataID,
		Type:             frame.BATCH_ACK,
		Total:            total,
		Payload:          bitmap,
		FrameTotalLength: uint32(frame.HeaderSize + len(bitmap)),
	}
	c.sendControl(ack)
}

func (c *Connection) deliver(payload []byte) {
	msg := &DeliveredMessage{ConnectionID: c.id, PeerID: c.PeerID(), Payload: payload}
	select {
	case c.deps.delivered <- msg:
		metrics.MessagesDelivered.Inc()
	default:
		c.log.Warnf("delivered-message queue full, dropping payload for connection %d", c.id)
	}
}

// SendData fragments payload into a send-side message and suspends until
// every frame is acked or the global deadline fires (spec.md §4.H/§6).
func (c *Connection) SendData(ctx context.Context, payload []byte) error {
	if c.State() == StateExpired {
		return newConnectionExpiredError("connection %d", c.id)
	}

	dataID := c.deps.ids.Next()
	resultCh := make(chan bool, 1)
	sm, err := NewSendMessage(c.id, dataID, payload, c.deps.maxFramePayload,
		func() { resultCh <- true },
		func() { resultCh <- false },
	)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	c.sendMessages[dataID] = sm
	c.sendMu.Unlock()
	defer func() {
		c.sendMu.Lock()
		delete(c.sendMessages, dataID)
		c.sendMu.Unlock()
	}()

	sm.SendAll(ctx, c.deps.wheel, c.deps.globalDeadline, c.deps.flow, c.cc, c.transmitWithFEC)

	select {
	case ok := <-resultCh:
		if !ok {
			metrics.MessagesFailed.Inc()
			return newMessageTimeoutError("data_id %d on connection %d", dataID, c.id)
		}
		return nil
	case <-ctx.Done():
		sm.Abort()
		metrics.MessagesFailed.Inc()
		return newMessageTimeoutError("context cancelled for data_id %d: %w", dataID, ctx.Err())
	}
}

// transmitWithFEC feeds f through the FEC encoder before sending it, and
// best-effort sends the parity frame once a group completes.
func (c *Connection) transmitWithFEC(f *frame.Frame) (time.Duration, error) {
	parity := c.fecEnc.Add(f)
	d, err := c.transmitWithRetry(f)
	if parity != nil {
		if _, perr := c.transmitWithRetry(parity); perr != nil {
			c.log.Warnf("fec parity transmit failed on connection %d: %v", c.id, perr)
		}
	}
	return d, err
}

// sendControl best-effort transmits a control/ACK frame, bypassing flow
// control (which governs DATA admission rate, not control traffic).
func (c *Connection) sendControl(f *frame.Frame) {
	if _, err := c.transmitWithRetry(f); err != nil {
		c.log.Warnf("control frame %s send failed on connection %d: %v", f.Type, c.id, err)
	}
}

// transmitWithRetry retries a local-send failure up to localSendMaxRetries
// times at localSendRetryDelay, per spec.md §4.J.
func (c *Connection) transmitWithRetry(f *frame.Frame) (time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt <= localSendMaxRetries; attempt++ {
		d, err := c.transmitOnce(f)
		if err == nil {
			return d, nil
		}
		lastErr = err
		time.Sleep(localSendRetryDelay)
	}
	return 0, lastErr
}

func (c *Connection) transmitOnce(f *frame.Frame) (time.Duration, error) {
	buf := make([]byte, frame.HeaderSize+len(f.Payload))
	n, err := frame.Encode(buf, f)
	if err != nil {
		return 0, newCodecError("encode %s: %w", f.Type, err)
	}
	addr := c.RemoteAddr()
	d, err := c.deps.udp.WriteTo(addr, buf[:n])
	if err != nil {
		return d, newLocalSendError("write to %v: %w", addr, err)
	}
	return d, nil
}

func (c *Connection) startHeartbeat() {
	c.mu.Lock()
	c.heartbeatHandle = c.deps.wheel.Schedule(OutboundHeartbeatInterval, c.onHeartbeatTick)
	c.mu.Unlock()
}

func (c *Connection) onHeartbeatTick() {
	if c.State() == StateExpired {
		return
	}
	ping := &frame.Frame{
		ConnectionID:     c.id,
		DataID:           c.deps.ids.Next(),
		Type:             frame.PING,
		Total:            1,
		FrameTotalLength: frame.HeaderSize,
	}
	c.sendControl(ping)
	c.startHeartbeat()
}

func (c *Connection) startLiveness() {
	c.mu.Lock()
	c.heartbeatHandle = c.deps.wheel.Schedule(ConnectionExpireTimeout, c.onLivenessTick)
	c.mu.Unlock()
}

func (c *Connection) onLivenessTick() {
	if c.State() == StateExpired {
		return
	}
	if time.Since(c.LastSeen()) > ConnectionExpireTimeout {
		c.Release()
		return
	}
	c.startLiveness()
}

// Release synchronously tears down the connection: it notifies the peer
// with OFF, fails every owned send/receive message exactly once, and
// removes the connection from its manager's registry. Idempotent.
func (c *Connection) Release() {
	if !c.markExpired() {
		return
	}

	c.mu.Lock()
	if c.heartbeatHandle != nil {
		c.heartbeatHandle.Cancel()
	}
	c.mu.Unlock()

	c.sendControl(&frame.Frame{ConnectionID: c.id, Type: frame.OFF, Total: 1, FrameTotalLength: frame.HeaderSize})

	c.sendMu.Lock()
	for _, sm := range c.sendMessages {
		sm.Abort()
	}
	c.sendMessages = make(map[uint64]*SendMessage)
	c.sendMu.Unlock()

	c.recvMu.Lock()
	for _, rm := range c.recvMessages {
		rm.Close()
	}
	c.recvMessages = make(map[uint64]*ReceiveMessage)
	c.recvMu.Unlock()

	if c.deps.onExpire != nil {
		c.deps.onExpire(c.id)
	}
}
