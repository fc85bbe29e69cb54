package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opaquewire/rdt/wire/frame"
)

func TestDedupCacheCheckAndMark(t *testing.T) {
	d := NewDedupCache(50 * time.Millisecond)
	require.False(t, d.CheckAndMark(1))
	require.True(t, d.Seen(1))
	require.True(t, d.CheckAndMark(1))

	time.Sleep(100 * time.Millisecond)
	require.False(t, d.Seen(1))
}

func TestRequestResponseTableResolvesWaiter(t *testing.T) {
	tbl := NewRequestResponseTable()
	ch := tbl.Await(42)

	f := &frame.Frame{DataID: 42, Type: frame.PONG}
	require.True(t, tbl.Resolve(42, f))

	select {
	case got := <-ch:
		require.Equal(t, f, got)
	case <-time.After(time.Second):
		t.Fatal("waiter was never resolved")
	}
}

func TestRequestResponseTableResolveWithoutWaiterIsNoop(t *testing.T) {
	tbl := NewRequestResponseTable()
	require.False(t, tbl.Resolve(99, &frame.Frame{}))
}

func TestRequestResponseTableResolveOnlyOnce(t *testing.T) {
	tbl := NewRequestResponseTable()
	ch := tbl.Await(7)
	f1 := &frame.Frame{DataID: 7, Sequence: 1}
	require.True(t, tbl.Resolve(7, f1))
	require.False(t, tbl.Resolve(7, &frame.Frame{DataID: 7, Sequence: 2}))

	got := <-ch
	require.Equal(t, f1, got)
}
