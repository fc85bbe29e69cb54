package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opaquewire/rdt/wire/frame"
)

func makeRecvFrame(connID, dataID uint64, seq, total uint32, payload []byte) *frame.Frame {
	return &frame.Frame{
		ConnectionID:     connID,
		DataID:           dataID,
		Type:             frame.DATA,
		Sequence:         seq,
		Total:            total,
		Payload:          payload,
		FrameTotalLength: uint32(frame.HeaderSize + len(payload)),
	}
}

func TestHandleFrameDeduplicates(t *testing.T) {
	m := NewReceiveMessage(1, 2, 3, nil, nil)
	defer m.Close()

	dup, complete := m.HandleFrame(makeRecvFrame(1, 2, 0, 3, []byte("a")))
	require.False(t, dup)
	require.False(t, complete)

	dup, complete = m.HandleFrame(makeRecvFrame(1, 2, 0, 3, []byte("a")))
	require.True(t, dup)
	require.False(t, complete)
	require.Equal(t, 1, m.ReceivedCount())
}

func TestCompletesWhenAllSequencesArrive(t *testing.T) {
	m := NewReceiveMessage(1, 2, 3, nil, nil)
	defer m.Close()

	_, complete := m.HandleFrame(makeRecvFrame(1, 2, 0, 3, []byte("a")))
	require.False(t, complete)
	_, complete = m.HandleFrame(makeRecvFrame(1, 2, 1, 3, []byte("b")))
	require.False(t, complete)
	_, complete = m.HandleFrame(makeRecvFrame(1, 2, 2, 3, []byte("c")))
	require.True(t, complete)
	require.True(t, m.Complete())
}

func TestReassembleOrdersBySequence(t *testing.T) {
	m := NewReceiveMessage(1, 2, 3, nil, nil)
	defer m.Close()

	m.HandleFrame(makeRecvFrame(1, 2, 2, 3, []byte("c")))
	m.HandleFrame(makeRecvFrame(1, 2, 0, 3, []byte("a")))
	m.HandleFrame(makeRecvFrame(1, 2, 1, 3, []byte("b")))

	require.Equal(t, []byte("abc"), m.Reassemble())
}

func TestBatchFlushTriggersAtThreshold(t *testing.T) {
	var mu sync.Mutex
	var flushes int
	var lastBitmap []byte

	total := uint32(BatchAckThreshold + 8)
	m := NewReceiveMessage(1, 2, total, nil, func(bitmap []byte) {
		mu.Lock()
		defer mu.Unlock()
		flushes++
		lastBitmap = bitmap
	})
	defer m.Close()

	for seq := uint32(0); seq < BatchAckThreshold; seq++ {
		m.HandleFrame(makeRecvFrame(1, 2, seq, total, []byte{byte(seq)}))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, flushes)
	acked := frame.DecodeBitmap(lastBitmap, total)
	require.Len(t, acked, BatchAckThreshold)
}

func TestBatchFlushDoesNotFireOnCompletion(t *testing.T) {
	var flushes int
	total := uint32(3)
	m := NewReceiveMessage(1, 2, total, nil, func(bitmap []byte) {
		flushes++
	})
	defer m.Close()

	for seq := uint32(0); seq < total; seq++ {
		m.HandleFrame(makeRecvFrame(1, 2, seq, total, []byte("x")))
	}
	require.Equal(t, 0, flushes)
	require.True(t, m.Complete())
}
