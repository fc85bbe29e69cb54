package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opaquewire/rdt/wire/frame"
)

// dispatchingWriter routes an encoded datagram directly into the peer
// manager's inbound path, standing in for udp.go's read pump so these
// tests exercise ConnectionManager without a real socket.
type dispatchingWriter struct {
	peer     *ConnectionManager
	fromAddr *net.UDPAddr
}

func (w *dispatchingWriter) WriteTo(addr *net.UDPAddr, buf []byte) (time.Duration, error) {
	f, err := frame.Decode(buf)
	if err != nil {
		return 0, err
	}
	conn := w.peer.CreateOrGetInbound(f.ConnectionID, w.fromAddr)
	conn.HandleFrame(f, w.fromAddr)
	return time.Microsecond, nil
}

func newLoopbackManagers(t *testing.T) (mgrA, mgrB *ConnectionManager, addrA, addrB *net.UDPAddr) {
	t.Helper()
	addrA = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7001}
	addrB = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7002}

	mgrA = NewConnectionManager(ManagerConfig{LocalPeerID: "peer-a"}, nil)
	mgrB = NewConnectionManager(ManagerConfig{LocalPeerID: "peer-b"}, nil)
	mgrA.udp = &dispatchingWriter{peer: mgrB, fromAddr: addrA}
	mgrB.udp = &dispatchingWriter{peer: mgrA, fromAddr: addrB}

	mgrA.Start()
	mgrB.Start()
	t.Cleanup(mgrA.Stop)
	t.Cleanup(mgrB.Stop)
	return mgrA, mgrB, addrA, addrB
}

func TestManagerConnectEstablishesAndIndexesPeer(t *testing.T) {
	mgrA, mgrB, _, addrB := newLoopbackManagers(t)

	conn, err := mgrA.Connect(context.Background(), "peer-b", addrB)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, conn.State())
	require.Contains(t, mgrA.GetOnlinePeers(), "peer-b")
	require.Contains(t, mgrB.GetOnlinePeers(), "peer-a")
}

func TestManagerSendDataDeliversToPeer(t *testing.T) {
	mgrA, mgrB, _, addrB := newLoopbackManagers(t)

	conn, err := mgrA.Connect(context.Background(), "peer-b", addrB)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.SendData(ctx, []byte("hello world")))

	msg, err := mgrB.TakeDeliveredMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), msg.Payload)
	require.Equal(t, "peer-a", msg.PeerID)
}

func TestManagerUnregisterRemovesFromPeerIndex(t *testing.T) {
	mgrA, _, _, addrB := newLoopbackManagers(t)

	conn, err := mgrA.Connect(context.Background(), "peer-b", addrB)
	require.NoError(t, err)
	require.Contains(t, mgrA.GetOnlinePeers(), "peer-b")

	conn.Release()
	require.NotContains(t, mgrA.GetOnlinePeers(), "peer-b")
	_, ok := mgrA.Get(conn.ID())
	require.False(t, ok)
}
