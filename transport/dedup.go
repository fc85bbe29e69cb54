package transport

import (
	"strconv"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/opaquewire/rdt/wire/frame"
)

// DedupTTL is the TTL applied to every de-dup and correlation cache,
// per spec.md §3/§4.K (5 seconds).
const DedupTTL = 5 * time.Second

func dataIDKey(dataID uint64) string {
	return strconv.FormatUint(dataID, 10)
}

// DedupCache is a TTL-bounded set of data_ids. ConnectionManager holds one
// instance, the "already-received" cache of spec.md §3. go-cache evicts
// lazily on read plus a background janitor sweep; it has no hard entry
// cap, so the "5M entries" bound from the spec is enforced only by TTL
// turnover under normal traffic rather than an explicit size limit.
type DedupCache struct {
	c *cache.Cache
}

// NewDedupCache returns a cache with the given TTL and a janitor
// interval of twice the TTL.
func NewDedupCache(ttl time.Duration) *DedupCache {
	return &DedupCache{c: cache.New(ttl, 2*ttl)}
}

// Seen reports whether dataID was already marked, without marking it.
func (d *DedupCache) Seen(dataID uint64) bool {
	_, ok := d.c.Get(dataIDKey(dataID))
	return ok
}

// Mark records dataID as seen for the cache's TTL.
func (d *DedupCache) Mark(dataID uint64) {
	d.c.Set(dataIDKey(dataID), struct{}{}, cache.DefaultExpiration)
}

// CheckAndMark is an atomic test-and-set: it reports whether dataID had
// already been marked, then marks it regardless. (The receive path itself
// uses Seen and Mark.)
func (d *DedupCache) CheckAndMark(dataID uint64) (alreadySeen bool) {
	key := dataIDKey(dataID)
	if err := d.c.Add(key, struct{}{}, cache.DefaultExpiration); err == nil {
		return false
	}
	d.c.Set(key, struct{}{}, cache.DefaultExpiration)
	return true
}

// pendingRequest is a one-shot completion primitive: exactly one
// resolution is ever delivered on ch.
type pendingRequest struct {
	once sync.Once
	ch   chan *frame.Frame
}

func (p *pendingRequest) resolve(f *frame.Frame) {
	p.once.Do(func() {
		p.ch <- f
		close(p.ch)
	})
}

// RequestResponseTable correlates a control frame awaiting a reply
// (CONNECT_REQUEST, PING) with the frame that answers it, keyed by
// data_id, per spec.md §3 ("data_id -> one-shot promise<Frame>").
type RequestResponseTable struct {
	c *cache.Cache
}

// NewRequestResponseTable returns a table whose entries expire after
// DedupTTL if never resolved.
func NewRequestResponseTable() *RequestResponseTable {
	return &RequestResponseTable{c: cache.New(DedupTTL, 2*DedupTTL)}
}

// Await registers dataID as awaiting a reply and returns the channel
// that will carry it. If the entry expires unresolved, go-cache drops it
// and the channel is never written or closed.
func (t *RequestResponseTable) Await(dataID uint64) <-chan *frame.Frame {
	pr := &pendingRequest{ch: make(chan *frame.Frame, 1)}
	t.c.Set(dataIDKey(dataID), pr, cache.DefaultExpiration)
	return pr.ch
}

// Resolve delivers f to the waiter registered for dataID, if any, and
// removes the entry. Returns false if no waiter was registered (already
// resolved, expired, or never awaited).
func (t *RequestResponseTable) Resolve(dataID uint64, f *frame.Frame) bool {
	key := dataIDKey(dataID)
	v, ok := t.c.Get(key)
	if !ok {
		return false
	}
	t.c.Delete(key)
	pr := v.(*pendingRequest)
	pr.resolve(f)
	return true
}
