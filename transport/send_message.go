package transport

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/opaquewire/rdt/congestion"
	"github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/flowctl"
	"github.com/opaquewire/rdt/timer"
	"github.com/opaquewire/rdt/wire/frame"
)

// DefaultGlobalDeadline is the per-message completion deadline
// (spec.md §6 GLOBAL_TIMEOUT_MS).
const DefaultGlobalDeadline = 5 * time.Second

// admitPoll is how often a frame blocked by flow-control admission
// retries, per spec.md §5 ("a blocked sender busy-polls at millisecond
// granularity").
const admitPoll = 2 * time.Millisecond

// ErrTooManyFrames is returned when a payload would fragment into more
// than math.MaxUint32 frames.
var ErrTooManyFrames = errors.New("transport: payload fragments into too many frames")

// Transmit sends an already-encoded frame and reports how long the
// underlying write took, or an error. Connection supplies this, backed
// ultimately by the shared UDP adapter (component L).
type Transmit func(f *frame.Frame) (time.Duration, error)

// SendMessage is the send-side half of one logical (connection_id,
// data_id) message (spec.md §4.H): it fragments a payload, tracks
// per-sequence ACKs, and resolves success or failure exactly once. The
// send path does not retransmit individual frames after the initial
// burst — loss is reported via BATCH_ACK gaps and left to a higher layer
// to resend the whole message (spec.md §9).
type SendMessage struct {
	log *log.Logger

	connID uint64
	dataID uint64
	total  uint32

	mu     sync.Mutex
	frames []*frame.Frame
	sentAt []time.Time
	acked  map[uint32]struct{}
	done   bool

	deadline *timer.Handle

	onSuccess func()
	onFail    func()
}

// NewSendMessage fragments payload into frames of at most maxFramePayload
// bytes, assigning sequential sequence numbers in [0,total). A
// zero-length payload still produces one empty-payload frame.
func NewSendMessage(connID, dataID uint64, payload []byte, maxFramePayload uint32, onSuccess, onFail func()) (*SendMessage, error) {
	if maxFramePayload == 0 {
		maxFramePayload = 1024
	}
	total64 := uint64(1)
	if len(payload) > 0 {
		total64 = (uint64(len(payload)) + uint64(maxFramePayload) - 1) / uint64(maxFramePayload)
	}
	if total64 > math.MaxUint32 {
		return nil, ErrTooManyFrames
	}
	total := uint32(total64)

	frames := make([]*frame.Frame, total)
	for seq := uint32(0); seq < total; seq++ {
		start := uint64(seq) * uint64(maxFramePayload)
		end := start + uint64(maxFramePayload)
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		chunk := payload[start:end]
		f := &frame.Frame{
			ConnectionID:     connID,
			DataID:           dataID,
			Type:             frame.DATA,
			Sequence:         seq,
			Total:            total,
			Payload:          chunk,
			FrameTotalLength: uint32(frame.HeaderSize + len(chunk)),
		}
		frames[seq] = f
	}

	return &SendMessage{
		log:       log.New("send"),
		connID:    connID,
		dataID:    dataID,
		total:     total,
		frames:    frames,
		sentAt:    make([]time.Time, total),
		acked:     make(map[uint32]struct{}, total),
		onSuccess: onSuccess,
		onFail:    onFail,
	}, nil
}

// SendAll starts the global deadline timer and emits every frame,
// respecting per-connection and global flow-control admission. A frame
// blocked by admission busy-waits in small increments; each transmission
// runs in its own goroutine so write completion can call back
// asynchronously without serializing the burst.
func (m *SendMessage) SendAll(ctx context.Context, wheel *timer.Wheel, deadline time.Duration, flow *flowctl.Global, cc *congestion.Controller, transmit Transmit) {
	if deadline <= 0 {
		deadline = DefaultGlobalDeadline
	}
	m.mu.Lock()
	m.deadline = wheel.Schedule(deadline, m.onDeadline)
	frames := m.frames
	m.mu.Unlock()

	for _, f := range frames {
		f := f
		go m.sendOne(ctx, f, flow, cc, transmit)
	}
}

func (m *SendMessage) sendOne(ctx context.Context, f *frame.Frame, flow *flowctl.Global, cc *congestion.Controller, transmit Transmit) {
	for !flow.CanSend(m.connID, 1) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(admitPoll):
		}
	}

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.sentAt[f.Sequence] = time.Now()
	m.mu.Unlock()

	flow.Reserve(m.connID, 1)
	_, err := transmit(f)
	if cc != nil {
		cc.OnSent(f.PayloadLen())
	}
	if err != nil {
		m.log.Warnf("transmit failed for data_id=%d seq=%d: %v", m.dataID, f.Sequence, err)
		flow.OnFailure(m.connID, 1)
		if cc != nil {
			cc.OnLoss()
		}
	}
}

// OnAck marks sequence seq as acknowledged. Duplicate ACKs are idempotent.
// When every sequence has been acked, timers are cancelled, the message
// is marked done, and the success callback fires exactly once.
func (m *SendMessage) OnAck(seq uint32, flow *flowctl.Global, cc *congestion.Controller) {
	m.mu.Lock()
	if m.done || seq >= m.total {
		m.mu.Unlock()
		return
	}
	if _, dup := m.acked[seq]; dup {
		m.mu.Unlock()
		return
	}
	m.acked[seq] = struct{}{}
	sentAt := m.sentAt[seq]
	ackedFrame := m.frames[seq]
	complete := len(m.acked) == int(m.total)
	if complete {
		m.done = true
	}
	m.mu.Unlock()

	if !sentAt.IsZero() {
		rtt := time.Since(sentAt)
		if flow != nil {
			flow.OnAck(m.connID, rtt)
		}
		if cc != nil {
			cc.OnAck(ackedFrame.PayloadLen(), rtt)
		}
	}

	if complete {
		m.finish(m.onSuccess)
	}
}

// OnBatchAck applies OnAck for every set bit of a BATCH_ACK bitmap, in any
// order, which must be equivalent to the same effect. The bitmap length
// must equal ceil(total/8); a mismatched length is logged and ignored.
func (m *SendMessage) OnBatchAck(bitmap []byte, flow *flowctl.Global, cc *congestion.Controller) {
	want := int((m.total + 7) / 8)
	if len(bitmap) != want {
		m.log.Warnf("batch ack length mismatch for data_id=%d: got %d want %d", m.dataID, len(bitmap), want)
		return
	}
	for _, seq := range frame.DecodeBitmap(bitmap, m.total) {
		m.OnAck(seq, flow, cc)
	}
}

// AllReceived treats the message as if every sequence were acked,
// short-circuiting completion (the ALL_ACK case).
func (m *SendMessage) AllReceived() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	for seq := uint32(0); seq < m.total; seq++ {
		m.acked[seq] = struct{}{}
	}
	m.mu.Unlock()
	m.finish(m.onSuccess)
}

func (m *SendMessage) onDeadline() {
	m.Abort()
}

// Abort fails the message immediately, as if its deadline had fired. Used
// by connection teardown (expiry, OFF) to resolve every owned message's
// failure callback exactly once.
func (m *SendMessage) Abort() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	m.mu.Unlock()
	m.finish(m.onFail)
}

// finish cancels the deadline timer, releases frame buffers, and invokes
// cb exactly once.
func (m *SendMessage) finish(cb func()) {
	m.mu.Lock()
	if m.deadline != nil {
		m.deadline.Cancel()
	}
	m.frames = nil
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Done reports whether the message has completed (success or failure).
func (m *SendMessage) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// AckedCount returns the number of acknowledged sequences.
func (m *SendMessage) AckedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// Total returns the fragment count.
func (m *SendMessage) Total() uint32 { return m.total }

// DataID returns the message's data_id.
func (m *SendMessage) DataID() uint64 { return m.dataID }
