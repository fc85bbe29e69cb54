// Package flowctl implements per-connection and global frame-rate flow
// control: an in-flight frame cap plus an AIMD-adjusted frames/sec rate,
// aggregated by a global controller that additionally enforces
// process-wide caps.
package flowctl

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Defaults per spec.md §6.
const (
	DefaultMinRate       = 512
	DefaultMaxRate       = 8192
	DefaultInFlightCap   = 8192
	ackThresholdForBoost = 200
	boostFactor          = 1.2
	backoffFactor        = 0.8
	durationRingSize     = 1024
)

// Connection is the per-connection AIMD flow controller described in
// spec.md §4.E.
type Connection struct {
	mu sync.Mutex

	inFlight       uint32
	framesThisSec  uint32
	currentSecTS   int64
	rate           uint32
	minRate        uint32
	maxRate        uint32
	consecutiveACK uint32
	inFlightCap    uint32

	durations *queue.Queue // ring buffer of recent per-frame send durations (ns)
}

// NewConnection returns a Connection controller with the spec's default
// rate bounds and in-flight cap.
func NewConnection() *Connection {
	return &Connection{
		rate:        DefaultMinRate,
		minRate:     DefaultMinRate,
		maxRate:     DefaultMaxRate,
		inFlightCap: DefaultInFlightCap,
		durations:   queue.New(),
	}
}

// CanSend reports whether batch additional frames may be admitted right
// now: in_flight+batch must stay within the in-flight cap, and
// frames_this_second+batch must stay within rate. Crossing a new wall-clock
// second resets the per-second counter first.
func (c *Connection) CanSend(batch uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.inFlight+batch <= c.inFlightCap && c.framesThisSec+batch <= c.rate
}

// Reserve admits batch frames for sending, incrementing in_flight and the
// per-second counter. Callers must have just checked CanSend (admission is
// not atomic across the two calls under heavy concurrency, matching the
// spec's busy-wait admission model rather than a blocking reservation).
func (c *Connection) Reserve(batch uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	c.inFlight += batch
	c.framesThisSec += batch
}

func (c *Connection) rolloverLocked() {
	sec := time.Now().Unix()
	if sec != c.currentSecTS {
		c.currentSecTS = sec
		c.framesThisSec = 0
	}
}

// OnAck records a successful ACK: decrements in_flight and, after 200
// consecutive ACKs, multiplies rate by 1.2 (saturating at maxRate) and
// resets the streak counter.
func (c *Connection) OnAck(sendDuration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	c.consecutiveACK++
	if c.consecutiveACK >= ackThresholdForBoost {
		c.rate = clampRate(uint32(float64(c.rate)*boostFactor), c.minRate, c.maxRate)
		c.consecutiveACK -= ackThresholdForBoost
	}
	c.recordDuration(sendDuration)
}

// OnFailure records a send failure or timeout for batch frames: withdraws
// them from in_flight and frames_this_second, multiplies rate by 0.8
// (floored at minRate), and resets the consecutive-ACK streak.
func (c *Connection) OnFailure(batch uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight >= batch {
		c.inFlight -= batch
	} else {
		c.inFlight = 0
	}
	if c.framesThisSec >= batch {
		c.framesThisSec -= batch
	} else {
		c.framesThisSec = 0
	}
	c.rate = clampRate(uint32(float64(c.rate)*backoffFactor), c.minRate, c.maxRate)
	c.consecutiveACK = 0
}

func (c *Connection) recordDuration(d time.Duration) {
	c.durations.Add(d)
	for c.durations.Length() > durationRingSize {
		c.durations.Remove()
	}
}

// Durations returns a snapshot of recorded per-frame send durations, most
// recent last, for external observability.
func (c *Connection) Durations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, c.durations.Length())
	for i := 0; i < c.durations.Length(); i++ {
		out = append(out, c.durations.Get(i).(time.Duration))
	}
	return out
}

// InFlight returns the current in-flight frame count.
func (c *Connection) InFlight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Rate returns the current frames/sec rate.
func (c *Connection) Rate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

func clampRate(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// atomicInFlight is used by Global to mirror per-connection in-flight
// counts without taking each connection's lock on every read.
type atomicInFlight struct {
	v int64
}

func (a *atomicInFlight) add(delta int64) {
	atomic.AddInt64(&a.v, delta)
}

func (a *atomicInFlight) load() int64 {
	return atomic.LoadInt64(&a.v)
}

// subtractFloored subtracts delta, flooring the result at zero.
func (a *atomicInFlight) subtractFloored(delta int64) {
	for {
		cur := atomic.LoadInt64(&a.v)
		next := cur - delta
		if next < 0 {
			next = 0
		}
		if atomic.CompareAndSwapInt64(&a.v, cur, next) {
			return
		}
	}
}

// rateWindow tracks a process-wide frames-admitted-this-second counter,
// mirroring the per-connection rollover in Connection.rolloverLocked.
type rateWindow struct {
	mu          sync.Mutex
	secTS       int64
	admittedSec uint32
}

func newRateWindow() *rateWindow {
	return &rateWindow{}
}

func (r *rateWindow) canAdmit(batch, maxRate uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked()
	return r.admittedSec+batch <= maxRate
}

func (r *rateWindow) reserve(batch uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked()
	r.admittedSec += batch
}

func (r *rateWindow) rolloverLocked() {
	sec := time.Now().Unix()
	if sec != r.secTS {
		r.secTS = sec
		r.admittedSec = 0
	}
}
