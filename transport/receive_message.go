package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/timer"
	"github.com/opaquewire/rdt/wire/frame"
)

// Defaults per spec.md §6.
const (
	BatchAckThreshold = 32
	BatchAckDelay     = 20 * time.Millisecond
)

// ReceiveMessage is the receive-side half of one logical (connection_id,
// data_id) message (spec.md §4.I): it reassembles frames by sequence,
// deduplicates, and schedules ACK emission.
type ReceiveMessage struct {
	log *log.Logger

	connID uint64
	dataID uint64
	total  uint32

	mu            sync.Mutex
	received      map[uint32][]byte
	pendingAcks   map[uint32]struct{}
	firstArrival  time.Time
	lastActivity  time.Time
	delivered     bool
	flushHandle   *timer.Handle

	wheel     *timer.Wheel
	emitBatch func(bitmap []byte)
}

// NewReceiveMessage constructs a ReceiveMessage for the first DATA frame
// of a (connection_id, data_id) not already in the received-cache.
// emitBatch is invoked with a BATCH_ACK bitmap whenever the pending-ACK
// count crosses BatchAckThreshold or the BatchAckDelay flush timer fires.
func NewReceiveMessage(connID, dataID uint64, total uint32, wheel *timer.Wheel, emitBatch func(bitmap []byte)) *ReceiveMessage {
	m := &ReceiveMessage{
		log:         log.New("recv"),
		connID:      connID,
		dataID:      dataID,
		total:       total,
		received:    make(map[uint32][]byte),
		pendingAcks: make(map[uint32]struct{}),
		wheel:       wheel,
		emitBatch:   emitBatch,
	}
	m.armFlushTimer()
	return m
}

// HandleFrame inserts f into the reassembly map. It returns duplicate=true
// if the sequence was already present (the frame is dropped, but the
// sequence is still queued for ACK) and complete=true once every sequence
// in [0,total) has arrived.
func (m *ReceiveMessage) HandleFrame(f *frame.Frame) (duplicate, complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.firstArrival.IsZero() {
		m.firstArrival = now
	}
	m.lastActivity = now

	if _, ok := m.received[f.Sequence]; ok {
		duplicate = true
	} else {
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		m.received[f.Sequence] = payload
	}
	m.pendingAcks[f.Sequence] = struct{}{}

	shouldFlush := len(m.pendingAcks) >= BatchAckThreshold
	complete = len(m.received) == int(m.total)
	if complete {
		m.delivered = true
		if m.flushHandle != nil {
			m.flushHandle.Cancel()
		}
	}
	if shouldFlush && !complete {
		m.doFlushLocked()
	}
	return duplicate, complete
}

// Reassemble concatenates received payloads in sequence order. Callers
// must only call this once Complete() (or HandleFrame's complete return)
// is true.
func (m *ReceiveMessage) Reassemble() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs := make([]uint32, 0, len(m.received))
	for seq := range m.received {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]byte, 0)
	for _, seq := range seqs {
		out = append(out, m.received[seq]...)
	}
	return out
}

// doFlushLocked emits a BATCH_ACK bitmap over every sequence received so
// far (cumulative, not just the sequences newly queued since the last
// flush) and resets the pending-ACK counter. Must be called with mu held;
// it releases and reacquires the lock around the callback so emitBatch
// never runs while holding it.
func (m *ReceiveMessage) doFlushLocked() {
	acked := make(map[uint32]struct{}, len(m.received))
	for seq := range m.received {
		acked[seq] = struct{}{}
	}
	total := m.total
	m.pendingAcks = make(map[uint32]struct{})
	cb := m.emitBatch
	m.mu.Unlock()
	if cb != nil {
		cb(frame.EncodeBitmap(total, acked))
	}
	m.mu.Lock()
}

func (m *ReceiveMessage) armFlushTimer() {
	if m.wheel == nil {
		return
	}
	m.flushHandle = m.wheel.Schedule(BatchAckDelay, m.onFlushTimer)
}

func (m *ReceiveMessage) onFlushTimer() {
	m.mu.Lock()
	if m.delivered {
		m.mu.Unlock()
		return
	}
	pending := len(m.pendingAcks)
	if pending > 0 {
		m.doFlushLocked()
	}
	m.mu.Unlock()
	m.armFlushTimer()
}

// Complete reports whether every sequence in [0,total) has arrived.
func (m *ReceiveMessage) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received) == int(m.total)
}

// ReceivedCount returns how many distinct sequences have arrived.
func (m *ReceiveMessage) ReceivedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

// Close cancels the flush timer; call once the message is delivered or
// the owning connection tears down.
func (m *ReceiveMessage) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = true
	if m.flushHandle != nil {
		m.flushHandle.Cancel()
	}
}
