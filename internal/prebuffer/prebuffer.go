// Package prebuffer implements the Pre-buffer: a bounded per-stream ring
// of recently-seen packet references, used by event-triggered recordings
// that need a few seconds of footage from before the triggering event.
//
// Grounded on internal/relay/cyclic_buffer.go (sequence-
// numbered entries, single writer / many readers, snapshot-style reads)
// but pared down from its byte-budgeted, multi-client HTTP buffer to a
// simpler ring of packet references with oldest-eviction.
package prebuffer

import (
	"sync"
	"time"

	"github.com/nightlatch/nvrcore/internal/packet"
)

// Entry is one Pre-buffer slot: a packet reference, the Stream Descriptor
// it belongs to, and the monotonic time it arrived.
type Entry struct {
	Packet     *packet.Packet
	Descriptor *packet.Descriptor
	ArrivedAt  time.Time
}

// Ring is a bounded, single-writer/multi-reader ring of Entries. The zero
// value is not usable; construct with New.
type Ring struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	next     int
	full     bool
}

// New creates a Ring holding at most capacity entries. capacity must be
// at least 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add inserts a new entry, evicting (and releasing) the oldest entry if
// the ring is full. Add takes ownership of the packet reference it is
// given — callers must Ref() before calling Add if they intend to keep
// using their own reference afterward.
func (r *Ring) Add(pkt *packet.Packet, desc *packet.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		evicted := r.entries[r.next]
		if evicted.Packet != nil {
			evicted.Packet.Release()
		}
	}

	r.entries[r.next] = Entry{
		Packet:     pkt,
		Descriptor: desc,
		ArrivedAt:  time.Now(),
	}

	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Snapshot returns a copy of the currently-retained entries, oldest first,
// each carrying a fresh reference the caller is responsible for releasing.
// The ring's own references are untouched.
func (r *Ring) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.next
	if r.full {
		count = r.capacity
	}

	out := make([]Entry, 0, count)
	start := 0
	if r.full {
		start = r.next
	}

	for i := 0; i < count; i++ {
		idx := (start + i) % r.capacity
		e := r.entries[idx]
		if e.Packet == nil {
			continue
		}
		out = append(out, Entry{
			Packet:     e.Packet.Ref(),
			Descriptor: e.Descriptor,
			ArrivedAt:  e.ArrivedAt,
		})
	}
	return out
}

// Len returns the number of entries currently retained.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.full {
		return r.capacity
	}
	return r.next
}

// Close releases every retained packet reference. The Ring must not be
// used after Close.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := r.next
	if r.full {
		count = r.capacity
	}
	for i := 0; i < count; i++ {
		if r.entries[i].Packet != nil {
			r.entries[i].Packet.Release()
			r.entries[i].Packet = nil
		}
	}
}
