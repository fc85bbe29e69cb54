// Package timer implements the hashed timer wheel used to schedule
// per-connection heartbeat, inbound liveness checks, send-side global
// deadlines, and batched-ACK flushes. A single goroutine advances the
// wheel at a fixed tick granularity and fires due tasks inline; tasks that
// do real work should hand off to their own goroutine so they never block
// the wheel.
package timer

import (
	"container/list"
	"sync"
	"time"

	"github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/core/worker"
)

// TickInterval is the wheel's granularity. Delays are rounded up to the
// next tick.
const TickInterval = 40 * time.Millisecond

// defaultWheelSize bounds how far ahead (in ticks) a single rotation
// covers before wrapping; longer delays are re-armed on a later rotation.
const defaultWheelSize = 1 << 14 // ~10.9 minutes at 40ms ticks

// Handle cancels a scheduled task. Cancel is idempotent: cancelling a
// handle whose task has already fired, or cancelling twice, is a no-op.
// All fields are guarded by the owning Wheel's mutex.
type Handle struct {
	wheel  *Wheel
	bucket int
	elem   *list.Element
	rounds int
	fired  bool
}

type task struct {
	handle *Handle
	fn     func()
}

// Wheel is a hashed timer wheel: an array of buckets indexed by
// tick-modulo-size, each bucket a list of pending tasks. Tasks whose delay
// exceeds one rotation carry a round counter decremented on each pass.
type Wheel struct {
	worker.Worker
	log *log.Logger

	mu      sync.Mutex
	buckets []*list.List
	cursor  int

	schedCh chan *scheduleReq
}

type scheduleReq struct {
	delay time.Duration
	fn    func()
	reply chan *Handle
}

// New creates a Wheel with defaultWheelSize buckets. Call Start before
// scheduling anything.
func New() *Wheel {
	w := &Wheel{
		log:     log.New("timer"),
		buckets: make([]*list.List, defaultWheelSize),
		schedCh: make(chan *scheduleReq, 64),
	}
	for i := range w.buckets {
		w.buckets[i] = list.New()
	}
	return w
}

// Start launches the wheel's driver goroutine.
func (w *Wheel) Start() {
	w.Go(w.run)
}

// Stop halts the driver goroutine and waits for it to exit.
func (w *Wheel) Stop() {
	w.Halt()
	w.Wait()
}

// Schedule arranges for fn to run after delay, rounded up to the next
// tick. It returns a Handle that can cancel the task before it fires.
func (w *Wheel) Schedule(delay time.Duration, fn func()) *Handle {
	if delay < 0 {
		delay = 0
	}
	ticks := int(delay/TickInterval) + 1

	w.mu.Lock()
	defer w.mu.Unlock()

	bucketIdx := (w.cursor + ticks) % len(w.buckets)
	rounds := ticks / len(w.buckets)

	h := &Handle{wheel: w, bucket: bucketIdx, rounds: rounds}
	t := &task{handle: h, fn: fn}
	h.elem = w.buckets[bucketIdx].PushBack(t)
	return h
}

// Cancel removes h's task from the wheel if it has not already fired.
// Idempotent under repeated calls.
func (h *Handle) Cancel() {
	h.wheel.mu.Lock()
	defer h.wheel.mu.Unlock()
	if h.fired || h.elem == nil {
		return
	}
	h.wheel.buckets[h.bucket].Remove(h.elem)
	h.elem = nil
	h.fired = true
}

func (w *Wheel) run() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.HaltCh():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Wheel) tick() {
	w.mu.Lock()
	bucket := w.buckets[w.cursor]
	var due []*task
	var next *list.Element
	for e := bucket.Front(); e != nil; e = next {
		next = e.Next()
		t := e.Value.(*task)
		if t.handle.rounds > 0 {
			t.handle.rounds--
			continue
		}
		bucket.Remove(e)
		t.handle.elem = nil
		t.handle.fired = true
		due = append(due, t)
	}
	w.cursor = (w.cursor + 1) % len(w.buckets)
	w.mu.Unlock()

	for _, t := range due {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.log.Errorf("timer task panic: %v", r)
				}
			}()
			t.fn()
		}()
	}
}
