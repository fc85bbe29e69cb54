// Package fec implements XOR-based (N+1) forward error correction over
// groups of data frames, recovering at most one missing frame per group.
//
// The parity frame's payload XORs each member's data_id/sequence/total
// header fields together with its payload bytes (not just the payload):
// plain payload-only XOR can reconstruct lost bytes but not which
// (data_id, sequence) they belonged to, and a recovered frame is useless
// to the receive-side reassembler without that addressing information.
package fec

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/wire/frame"
)

// slotHeaderLen is the size of the data_id/sequence/total prefix XORed
// alongside each member's payload.
const slotHeaderLen = 16

// ErrUnrecoverable is returned when a group cannot be recovered: two or
// more of its N+1 slots are missing.
var ErrUnrecoverable = errors.New("fec: group unrecoverable")

// Encoder buffers data frames into groups of N and emits one XOR parity
// frame per full group. Group ids are strictly increasing within a
// connection.
type Encoder struct {
	mu      sync.Mutex
	n       int
	groupID uint32
	members []*frame.Frame
}

// NewEncoder returns an Encoder with redundancy ratio n (N data frames per
// parity frame).
func NewEncoder(n int) *Encoder {
	if n <= 0 {
		n = 1
	}
	return &Encoder{n: n}
}

// Add appends f to the current group, stamping its FECGroupID and
// FECIndex. When the group reaches n members it returns the XOR parity
// frame for the now-complete group; otherwise it returns nil.
func (e *Encoder) Add(f *frame.Frame) *frame.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()

	f.FECGroupID = e.groupID
	f.FECIndex = uint16(len(e.members))
	e.members = append(e.members, f)

	if len(e.members) < e.n {
		return nil
	}

	parityPayload := xorSlots(e.members)
	parity := &frame.Frame{
		ConnectionID:     f.ConnectionID,
		Type:             frame.FEC,
		FECGroupID:       e.groupID,
		FECIndex:         uint16(e.n),
		Total:            1,
		Payload:          parityPayload,
		FrameTotalLength: uint32(frame.HeaderSize + len(parityPayload)),
	}

	e.groupID++
	e.members = nil
	return parity
}

// slotBlob returns f's addressing header (data_id, sequence, total)
// concatenated with its payload, the unit XORed across a group.
func slotBlob(f *frame.Frame) []byte {
	b := make([]byte, slotHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint64(b[0:8], f.DataID)
	binary.BigEndian.PutUint32(b[8:12], f.Sequence)
	binary.BigEndian.PutUint32(b[12:16], f.Total)
	copy(b[slotHeaderLen:], f.Payload)
	return b
}

// xorSlots XORs the slotBlob of every member over the minimum blob
// length; longer tails are lost, per the pinned edge-case policy.
func xorSlots(members []*frame.Frame) []byte {
	blobs := make([][]byte, len(members))
	minLen := -1
	for i, m := range members {
		blobs[i] = slotBlob(m)
		if minLen == -1 || len(blobs[i]) < minLen {
			minLen = len(blobs[i])
		}
	}
	out := make([]byte, minLen)
	for _, b := range blobs {
		for i := 0; i < minLen; i++ {
			out[i] ^= b[i]
		}
	}
	return out
}

// group tracks receive-side state for one FEC group.
type group struct {
	n     int
	slots map[uint16][]byte // index -> slotBlob, indices [0,n] inclusive (n is parity)
}

// Decoder deduplicates incoming group members by fec_index and recovers a
// missing data frame by XOR-ing the rest when exactly one of N+1 slots is
// absent. Groups with two or more missing slots are discarded.
type Decoder struct {
	mu     sync.Mutex
	n      int
	log    *log.Logger
	groups map[uint32]*group
}

// NewDecoder returns a Decoder expecting groups of n data frames plus one
// parity frame (n+1 slots total).
func NewDecoder(n int) *Decoder {
	if n <= 0 {
		n = 1
	}
	return &Decoder{
		n:      n,
		log:    log.New("fec"),
		groups: make(map[uint32]*group),
	}
}

// Submit records f (a data or parity frame belonging to f.FECGroupID) and
// returns a recovered data frame once the group has exactly N of its N+1
// slots and the missing slot is a data frame. Returns nil, nil when the
// group is not yet recoverable, when all slots already arrived, or when
// only the parity slot is missing. A duplicate fec_index is a no-op.
// When the parity frame arrives while two or more data slots are still
// missing, the group is discarded and ErrUnrecoverable is returned.
func (d *Decoder) Submit(f *frame.Frame) (*frame.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[f.FECGroupID]
	if !ok {
		g = &group{n: d.n, slots: make(map[uint16][]byte)}
		d.groups[f.FECGroupID] = g
	}
	if _, dup := g.slots[f.FECIndex]; dup {
		return nil, nil
	}
	if int(f.FECIndex) == g.n {
		// the parity frame's payload is already the XOR of the members'
		// slotBlobs; wrapping it in slotBlob again would prepend a
		// spurious second header.
		g.slots[f.FECIndex] = f.Payload
	} else {
		g.slots[f.FECIndex] = slotBlob(f)
	}

	if int(f.FECIndex) == g.n && len(g.slots)-1 < g.n-1 {
		// the parity frame closes its group; with two or more data slots
		// still missing, nothing can be recovered
		delete(d.groups, f.FECGroupID)
		return nil, ErrUnrecoverable
	}

	if len(g.slots) < g.n {
		return nil, nil
	}

	missing := -1
	for i := 0; i <= g.n; i++ {
		if _, ok := g.slots[uint16(i)]; !ok {
			if missing != -1 {
				delete(d.groups, f.FECGroupID)
				return nil, ErrUnrecoverable
			}
			missing = i
		}
	}
	delete(d.groups, f.FECGroupID)
	if missing == -1 || missing == g.n {
		// nothing missing, or only the parity frame is missing
		return nil, nil
	}

	blob := xorBlobs(g.slots)
	if len(blob) < slotHeaderLen {
		return nil, ErrUnrecoverable
	}
	recovered := &frame.Frame{
		ConnectionID: f.ConnectionID,
		Type:         frame.DATA,
		DataID:       binary.BigEndian.Uint64(blob[0:8]),
		Sequence:     binary.BigEndian.Uint32(blob[8:12]),
		Total:        binary.BigEndian.Uint32(blob[12:16]),
		FECGroupID:   f.FECGroupID,
		FECIndex:     uint16(missing),
		Payload:      blob[slotHeaderLen:],
	}
	recovered.FrameTotalLength = uint32(frame.HeaderSize + len(recovered.Payload))
	return recovered, nil
}

func xorBlobs(slots map[uint16][]byte) []byte {
	minLen := -1
	for _, b := range slots {
		if minLen == -1 || len(b) < minLen {
			minLen = len(b)
		}
	}
	out := make([]byte, minLen)
	for _, b := range slots {
		for i := 0; i < minLen; i++ {
			out[i] ^= b[i]
		}
	}
	return out
}
