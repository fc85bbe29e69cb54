// Package worker provides the halt/wait goroutine lifecycle embedded by
// the long-running subsystems in this module (the timer wheel and the UDP
// adapter). Per-connection keepalive and ACK batch flushes run as tasks on
// the timer wheel rather than as goroutines of their own.
package worker

import "sync"

// Worker is embedded by types that run one or more background goroutines
// that must all stop cleanly on Halt. It is not safe to call Go after Halt.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
}

// Go starts fn in a new goroutine tracked by the worker's WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called. Background
// goroutines select on this channel to notice shutdown.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Halt signals all goroutines started via Go to stop. It is idempotent and
// safe to call multiple times or concurrently.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}
