package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := &Frame{
		ConnectionID: 0xdeadbeefcafebabe,
		DataID:       42,
		Type:         DATA,
		Sequence:     3,
		Total:        10,
		FECGroupID:   7,
		FECIndex:     2,
		Priority:     9,
		Payload:      []byte("hello datagram"),
	}
	f.FrameTotalLength = uint32(HeaderSize + len(f.Payload))

	buf := make([]byte, HeaderSize+len(f.Payload))
	n, err := Encode(buf, f)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, f.ConnectionID, got.ConnectionID)
	require.Equal(t, f.DataID, got.DataID)
	require.Equal(t, f.Type, got.Type)
	require.Equal(t, f.Sequence, got.Sequence)
	require.Equal(t, f.Total, got.Total)
	require.Equal(t, f.FECGroupID, got.FECGroupID)
	require.Equal(t, f.FECIndex, got.FECIndex)
	require.Equal(t, f.Priority, got.Priority)
	require.Equal(t, f.Payload, got.Payload)
}

func TestZeroLengthPayload(t *testing.T) {
	f := &Frame{Type: PING, Total: 1, FrameTotalLength: HeaderSize}
	buf := make([]byte, HeaderSize)
	n, err := Encode(buf, f)
	require.NoError(t, err)
	require.Equal(t, HeaderSize, n)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Empty(t, got.Payload)
	require.Equal(t, HeaderSize, int(got.FrameTotalLength))
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeUnknownType(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[offFrameType] = 200
	buf[offFrameTotalLen+3] = HeaderSize
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeSequenceOutOfRange(t *testing.T) {
	f := &Frame{Type: DATA, Sequence: 5, Total: 5, FrameTotalLength: HeaderSize}
	buf := make([]byte, HeaderSize)
	// bypass Encode's own validation to exercise Decode's check
	buf[offFrameType] = uint8(f.Type)
	buf[offSequence+3] = 5
	buf[offTotal+3] = 5
	buf[offFrameTotalLen+3] = HeaderSize
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestPayloadTooLongForBuffer(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[offFrameTotalLen+3] = HeaderSize + 10 // claims 10 payload bytes we don't have
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestBitmapRoundTrip(t *testing.T) {
	total := uint32(20)
	acked := map[uint32]struct{}{0: {}, 1: {}, 8: {}, 19: {}}
	bm := EncodeBitmap(total, acked)
	require.Len(t, bm, 3) // ceil(20/8)

	got := DecodeBitmap(bm, total)
	gotSet := map[uint32]struct{}{}
	for _, s := range got {
		gotSet[s] = struct{}{}
	}
	require.Equal(t, acked, gotSet)
}

func TestBitmapAllSetCompletesMessage(t *testing.T) {
	total := uint32(13)
	acked := map[uint32]struct{}{}
	for i := uint32(0); i < total; i++ {
		acked[i] = struct{}{}
	}
	bm := EncodeBitmap(total, acked)
	got := DecodeBitmap(bm, total)
	require.Len(t, got, int(total))
}
