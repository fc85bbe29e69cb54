// Package idgen produces 64-bit monotonically increasing identifiers used
// for both connection ids and message (data) ids. There is no structural
// distinction between the two spaces — callers draw from whichever
// Generator fits their lifetime.
package idgen

import (
	"sync"
	"time"
)

const (
	// timestampBits sizes a millisecond counter since epoch; 41 bits
	// covers roughly 69 years.
	timestampBits = 41
	// nodeBits sizes the discriminator field: up to 1024 distinct
	// generators (processes, shards) can coexist without id collision.
	nodeBits = 10
	// counterBits sizes the per-millisecond tie-breaker.
	counterBits = 12

	nodeMax    = (1 << nodeBits) - 1
	counterMax = (1 << counterBits) - 1
	tsMax      = (1 << timestampBits) - 1
)

// epoch anchors the timestamp component; ids are a snowflake-style
// composition of (ms since epoch) | node | counter.
var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator issues monotonically increasing 64-bit ids for a single node
// discriminator. Two ids generated within the same millisecond break ties
// with a per-node counter; the counter wraps and carries into the next
// millisecond's timestamp field to preserve monotonicity under a burst.
type Generator struct {
	mu      sync.Mutex
	node    uint64
	lastMs  int64
	counter uint64
}

// New returns a Generator for the given node discriminator. node is
// truncated to nodeBits; callers running multiple generators in one
// process (e.g. separate connection-id and data-id spaces) should use
// distinct node values, though nothing in this module requires it.
func New(node uint64) *Generator {
	return &Generator{node: node & nodeMax}
}

// Next returns the next id. Ids from the same Generator are strictly
// increasing.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := time.Since(epoch).Milliseconds()
	if ms <= g.lastMs {
		// Clock did not advance (or went backwards); stay on the same
		// timestamp and lean on the counter for ordering.
		ms = g.lastMs
		g.counter++
		if g.counter > counterMax {
			// Counter exhausted within a single millisecond slot: force
			// the timestamp forward so the id still increases.
			ms++
			g.counter = 0
		}
	} else {
		g.counter = 0
	}
	g.lastMs = ms

	return (uint64(ms)&tsMax)<<(nodeBits+counterBits) | g.node<<counterBits | g.counter
}
