package fec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opaquewire/rdt/wire/frame"
)

func makeDataFrame(connID, dataID uint64, seq, total uint32, payload []byte) *frame.Frame {
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

func TestRecoverSingleLoss(t *testing.T) {
	const n = 4
	enc := NewEncoder(n)
	dec := NewDecoder(n)

	members := make([]*frame.Frame, n)
	for i := 0; i < n; i++ {
		members[i] = makeDataFrame(1, 100, uint32(i), n, []byte{byte(i), byte(i + 1), byte(i + 2)})
	}

	var parity *frame.Frame
	for _, m := range members {
		if p := enc.Add(m); p != nil {
			parity = p
		}
	}
	require.NotNil(t, parity)

	lostIdx := 2
	lost := members[lostIdx]

	for i, m := range members {
		if i == lostIdx {
			continue
		}
		recovered, err := dec.Submit(m)
		require.NoError(t, err)
		require.Nil(t, recovered)
	}

	recovered, err := dec.Submit(parity)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.Equal(t, lost.DataID, recovered.DataID)
	require.Equal(t, lost.Sequence, recovered.Sequence)
	require.Equal(t, lost.Total, recovered.Total)
	require.Equal(t, lost.Payload, recovered.Payload)
}

func TestTwoMissingIsUnrecoverable(t *testing.T) {
	const n = 4
	enc := NewEncoder(n)
	dec := NewDecoder(n)

	members := make([]*frame.Frame, n)
	for i := 0; i < n; i++ {
		members[i] = makeDataFrame(1, 200, uint32(i), n, []byte{byte(i)})
	}
	var parity *frame.Frame
	for _, m := range members {
		if p := enc.Add(m); p != nil {
			parity = p
		}
	}

	// submit only 2 of 4 data frames plus parity: 2 data frames missing
	_, err := dec.Submit(members[0])
	require.NoError(t, err)
	_, err = dec.Submit(members[1])
	require.NoError(t, err)
	_, err = dec.Submit(parity)
	require.ErrorIs(t, err, ErrUnrecoverable)
}

func TestDuplicateIndexIsNoop(t *testing.T) {
	const n = 2
	enc := NewEncoder(n)
	dec := NewDecoder(n)
	members := make([]*frame.Frame, n)
	for i := 0; i < n; i++ {
		members[i] = makeDataFrame(1, 300, uint32(i), n, []byte{byte(i), byte(i)})
	}
	for _, m := range members {
		enc.Add(m)
	}

	r1, err := dec.Submit(members[0])
	require.NoError(t, err)
	require.Nil(t, r1)
	r2, err := dec.Submit(members[0]) // duplicate
	require.NoError(t, err)
	require.Nil(t, r2)
}

func TestMismatchedLengthsXORMinLength(t *testing.T) {
	const n = 2
	enc := NewEncoder(n)
	dec := NewDecoder(n)
	a := makeDataFrame(1, 400, 0, n, []byte{1, 2, 3, 4})
	b := makeDataFrame(1, 400, 1, n, []byte{9, 9}) // shorter
	var parity *frame.Frame
	if p := enc.Add(a); p != nil {
		parity = p
	}
	if p := enc.Add(b); p != nil {
		parity = p
	}
	require.NotNil(t, parity)

	recovered, err := dec.Submit(b)
	require.NoError(t, err)
	require.Nil(t, recovered)
	recovered, err = dec.Submit(parity)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	// recovered payload length equals the minimum slot blob length minus header
	require.LessOrEqual(t, len(recovered.Payload), len(a.Payload))
}
