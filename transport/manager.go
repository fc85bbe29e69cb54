package transport

import (
	"context"
	"hash/fnv"
	"net"
	"sync"
	"time"

	"github.com/opaquewire/rdt/core/idgen"
	"github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/flowctl"
	"github.com/opaquewire/rdt/metrics"
	"github.com/opaquewire/rdt/timer"
)

// Defaults per spec.md §6.
const (
	DefaultRegistryCapacity       = 10000
	DefaultDeliveredQueueCapacity = 10000
)

// ManagerConfig configures a ConnectionManager. Zero values fall back to
// spec.md §6 defaults.
type ManagerConfig struct {
	LocalPeerID            string
	MaxFramePayload        uint32
	FecRedundancyRatio     int
	GlobalDeadline         time.Duration
	DeliveredQueueCapacity int
}

func (c *ManagerConfig) setDefaults() {
	if c.MaxFramePayload == 0 {
		c.MaxFramePayload = 1024
	}
	if c.FecRedundancyRatio <= 0 {
		c.FecRedundancyRatio = 4
	}
	if c.GlobalDeadline <= 0 {
		c.GlobalDeadline = DefaultGlobalDeadline
	}
	if c.DeliveredQueueCapacity <= 0 {
		c.DeliveredQueueCapacity = DefaultDeliveredQueueCapacity
	}
}

// ConnectionManager is the singleton registry of connection_id ->
// Connection, plus the peer_id -> set<connection_id> secondary index
// (spec.md §4.K). It owns every process-wide shared component: the timer
// wheel, the global flow controller, the request/response correlation
// table, the received-message de-dup cache, and the id generator shared
// by connection ids and data ids alike.
type ConnectionManager struct {
	log *log.Logger
	cfg ManagerConfig

	wheel     *timer.Wheel
	flow      *flowctl.Global
	ids       *idgen.Generator
	reqTable  *RequestResponseTable
	recvDedup *DedupCache
	udp       UDPWriter
	delivered chan *DeliveredMessage

	mu          sync.RWMutex
	connections map[uint64]*Connection
	peerIndex   map[string]map[uint64]struct{}
}

// NewConnectionManager constructs a manager bound to udp, the process's
// one shared UDP adapter. Call Start before dialing or dispatching
// inbound traffic.
func NewConnectionManager(cfg ManagerConfig, udp UDPWriter) *ConnectionManager {
	cfg.setDefaults()
	return &ConnectionManager{
		log:         log.New("manager"),
		cfg:         cfg,
		wheel:       timer.New(),
		flow:        flowctl.NewGlobal(),
		ids:         idgen.New(hashNodeID(cfg.LocalPeerID)),
		reqTable:    NewRequestResponseTable(),
		recvDedup:   NewDedupCache(DedupTTL),
		udp:         udp,
		delivered:   make(chan *DeliveredMessage, cfg.DeliveredQueueCapacity),
		connections: make(map[uint64]*Connection),
		peerIndex:   make(map[string]map[uint64]struct{}),
	}
}

func hashNodeID(peerID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(peerID))
	return h.Sum64()
}

// Start launches the shared timer wheel driving every connection's
// heartbeat, liveness, and ACK-flush timers.
func (m *ConnectionManager) Start() {
	m.wheel.Start()
}

// Stop halts the timer wheel and releases every registered connection.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.Release()
	}
	m.wheel.Stop()
}

func (m *ConnectionManager) connDeps() connDeps {
	return connDeps{
		wheel:           m.wheel,
		flow:            m.flow,
		reqTable:        m.reqTable,
		recvDedup:       m.recvDedup,
		ids:             m.ids,
		udp:             m.udp,
		delivered:       m.delivered,
		onExpire:        m.unregister,
		onEstablished:   m.onEstablished,
		onPeerOff:       m.ReleaseByPeer,
		localPeerID:     m.cfg.LocalPeerID,
		fecN:            m.cfg.FecRedundancyRatio,
		maxFramePayload: m.cfg.MaxFramePayload,
		globalDeadline:  m.cfg.GlobalDeadline,
	}
}

// Connect synthesises a CONNECT_REQUEST to remoteAddr and awaits
// CONNECT_RESPONSE via the request/response table (spec.md §4.K). On
// success it indexes the connection under the peer_id the peer reported in
// its CONNECT_RESPONSE (a mismatch with peerID is only logged) and starts
// its heartbeat; on failure (handshake timeout) it returns a nil Connection.
func (m *ConnectionManager) Connect(ctx context.Context, peerID string, remoteAddr *net.UDPAddr) (*Connection, error) {
	connID := m.ids.Next()
	c := newConnection(connID, remoteAddr, true, m.connDeps())

	m.mu.Lock()
	m.connections[connID] = c
	m.mu.Unlock()
	m.flow.Register(connID)

	if err := c.Connect(ctx); err != nil {
		m.unregister(connID)
		return nil, err
	}
	if got := c.PeerID(); got != peerID {
		m.log.Warnf("connection %d established with peer_id %q, expected %q", connID, got, peerID)
	}
	return c, nil
}

// CreateOrGetInbound returns the existing connection for connID, or
// creates a new passive one bound to remoteAddr. Used by the UDP
// dispatcher (component L) for every inbound datagram.
func (m *ConnectionManager) CreateOrGetInbound(connID uint64, remoteAddr *net.UDPAddr) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[connID]; ok {
		return c
	}
	c := newConnection(connID, remoteAddr, false, m.connDeps())
	m.connections[connID] = c
	m.flow.Register(connID)
	return c
}

// Get returns the registered connection for connID, if any.
func (m *ConnectionManager) Get(connID uint64) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[connID]
	return c, ok
}

func (m *ConnectionManager) onEstablished(c *Connection) {
	metrics.HandshakesCompleted.Inc()
	m.indexPeer(c.PeerID(), c.ID())
}

func (m *ConnectionManager) indexPeer(peerID string, connID uint64) {
	if peerID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.peerIndex[peerID]
	if !ok {
		set = make(map[uint64]struct{})
		m.peerIndex[peerID] = set
	}
	set[connID] = struct{}{}
}

func (m *ConnectionManager) unregister(connID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connID]
	if !ok {
		return
	}
	delete(m.connections, connID)
	m.flow.Unregister(connID)
	peerID := c.PeerID()
	if set, ok := m.peerIndex[peerID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(m.peerIndex, peerID)
		}
	}
}

// TakeDeliveredMessage blocks until a reassembled application payload is
// available, or ctx is cancelled.
func (m *ConnectionManager) TakeDeliveredMessage(ctx context.Context) (*DeliveredMessage, error) {
	select {
	case msg := <-m.delivered:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConnectionIDsForPeer returns the connection ids indexed under peerID,
// in no particular order.
func (m *ConnectionManager) ConnectionIDsForPeer(peerID string) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.peerIndex[peerID]
	if !ok {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ReleaseByPeer releases every connection currently indexed under peerID,
// in response to a PEER_OFF frame naming that peer (spec.md §4.J).
func (m *ConnectionManager) ReleaseByPeer(peerID string) {
	for _, connID := range m.ConnectionIDsForPeer(peerID) {
		if c, ok := m.Get(connID); ok {
			c.Release()
		}
	}
}

// GetOnlinePeers returns every peer_id with at least one ESTABLISHED
// connection.
func (m *ConnectionManager) GetOnlinePeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peers := make([]string, 0, len(m.peerIndex))
	for peerID, set := range m.peerIndex {
		for connID := range set {
			if c, ok := m.connections[connID]; ok && c.State() == StateEstablished {
				peers = append(peers, peerID)
				break
			}
		}
	}
	return peers
}

// Metrics returns a prometheus.Collector exposing live per-connection
// gauges and aggregate counts, sampled fresh on every scrape.
func (m *ConnectionManager) Metrics() *metrics.ConnectionCollector {
	return metrics.NewConnectionCollector(m.snapshotStats)
}

func (m *ConnectionManager) snapshotStats() []metrics.ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]metrics.ConnectionStats, 0, len(m.connections))
	for _, c := range m.connections {
		stats = append(stats, metrics.ConnectionStats{
			ConnectionID: c.ID(),
			PeerID:       c.PeerID(),
			State:        c.State().String(),
			Cwnd:         c.cc.Cwnd(),
			DeliveryRate: c.cc.DeliveryRate(),
		})
	}
	return stats
}
