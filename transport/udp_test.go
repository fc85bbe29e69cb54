package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opaquewire/rdt/wire/frame"
)

// newRealAdapterManager binds a UDPAdapter to an ephemeral loopback port
// and starts both the adapter's read pump and the manager's timer wheel.
func newRealAdapterManager(t *testing.T, peerID string) (*ConnectionManager, *UDPAdapter) {
	t.Helper()
	mgr := NewConnectionManager(ManagerConfig{LocalPeerID: peerID}, nil)
	adapter, err := NewUDPAdapter("127.0.0.1:0", mgr)
	require.NoError(t, err)
	mgr.Start()
	adapter.Start()
	t.Cleanup(adapter.Stop)
	t.Cleanup(mgr.Stop)
	return mgr, adapter
}

func TestUDPAdapterRoundTripsHandshakeAndData(t *testing.T) {
	mgrA, _ := newRealAdapterManager(t, "peer-a")
	mgrB, adapterB := newRealAdapterManager(t, "peer-b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := mgrA.Connect(ctx, "peer-b", adapterB.LocalAddr())
	require.NoError(t, err)
	require.Equal(t, StateEstablished, conn.State())

	require.NoError(t, conn.SendData(ctx, []byte("over the wire")))

	msg, err := mgrB.TakeDeliveredMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("over the wire"), msg.Payload)
	require.Equal(t, "peer-a", msg.PeerID)
}

func TestUDPAdapterDropsFrameForUnknownConnection(t *testing.T) {
	mgrA, adapterA := newRealAdapterManager(t, "peer-a")
	_, adapterB := newRealAdapterManager(t, "peer-b")

	f := &frame.Frame{ConnectionID: 999, Type: frame.PING, Total: 1, FrameTotalLength: frame.HeaderSize}
	buf := make([]byte, frame.HeaderSize)
	n, err := frame.Encode(buf, f)
	require.NoError(t, err)

	_, err = adapterB.WriteTo(adapterA.LocalAddr(), buf[:n])
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, ok := mgrA.Get(999)
	require.False(t, ok)
}
