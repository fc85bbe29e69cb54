package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleFires(t *testing.T) {
	w := New()
	w.Start()
	defer w.Stop()

	var fired int32
	done := make(chan struct{})
	w.Schedule(80*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fire")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

func TestCancelPreventsFire(t *testing.T) {
	w := New()
	w.Start()
	defer w.Stop()

	var fired int32
	h := w.Schedule(200*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	})
	h.Cancel()
	time.Sleep(400 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

func TestCancelIsIdempotent(t *testing.T) {
	w := New()
	w.Start()
	defer w.Stop()

	h := w.Schedule(100*time.Millisecond, func() {})
	h.Cancel()
	require.NotPanics(t, func() {
		h.Cancel()
		h.Cancel()
	})
}

func TestCancelAfterFireIsNoop(t *testing.T) {
	w := New()
	w.Start()
	defer w.Stop()

	done := make(chan struct{})
	h := w.Schedule(60*time.Millisecond, func() { close(done) })
	<-done
	require.NotPanics(t, func() { h.Cancel() })
}
