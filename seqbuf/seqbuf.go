// Package seqbuf implements a fixed-capacity map from a 16-bit sequence
// number to a value, with O(1) insert/find/remove and wraparound-aware
// eviction of stale entries. It is the indexing structure underneath the
// reliable-ordered channel's send/receive/sent-packet queues.
package seqbuf

import "github.com/anon55555/reliable/seq"

// Buffer is a fixed-capacity sequence buffer holding values of type T.
// Capacity must divide 65536 so that slot = sequence mod capacity is
// monotone across a full wrap of the sequence space; callers that violate
// this see slot collisions between unrelated sequences.
//
// A zero Buffer is not usable; use New.
type Buffer[T any] struct {
	capacity uint16

	nextSequence seq.Number
	valid        []bool
	sequences    []seq.Number
	data         []T
}

// New returns a Buffer with the given capacity.
func New[T any](capacity uint16) *Buffer[T] {
	if capacity == 0 {
		panic("seqbuf: capacity must be > 0")
	}
	b := &Buffer[T]{
		capacity:  capacity,
		valid:     make([]bool, capacity),
		sequences: make([]seq.Number, capacity),
		data:      make([]T, capacity),
	}
	return b
}

// Capacity returns the buffer's fixed capacity.
func (b *Buffer[T]) Capacity() uint16 { return b.capacity }

func (b *Buffer[T]) index(s seq.Number) uint16 {
	return s % b.capacity
}

// Insert makes a slot for sequence s available and returns a pointer to
// its value, ready to be filled in by the caller, and true. It returns
// (nil, false) if s is older than nextSequence-capacity and
// guaranteedOrder is false.
//
// When guaranteedOrder is true, the caller asserts that s is known to be
// newer than every sequence already in the buffer (the reliable-ordered
// channel uses this for sentPackets entries, whose ordering is owned by
// the packet-sequencing endpoint; see transport.Endpoint's doc comment).
// Insert then skips the "too old" rejection and simply advances
// nextSequence, as the ordered branch below would.
func (b *Buffer[T]) Insert(s seq.Number, guaranteedOrder bool) (*T, bool) {
	if guaranteedOrder || seq.GreaterThan(s+1, b.nextSequence) {
		b.removeEntries(b.nextSequence, s)
		b.nextSequence = s + 1
	} else if seq.LessThan(s, b.nextSequence-b.capacity) {
		return nil, false
	}

	i := b.index(s)
	b.sequences[i] = s
	b.valid[i] = true
	var zero T
	b.data[i] = zero
	return &b.data[i], true
}

// removeEntries invalidates every slot whose sequence lies in [start, end]
// (inclusive, modulo 65536), evicting stale entries a newer insert would
// otherwise collide with. When the span is not smaller than the buffer's
// capacity every slot is wiped instead of walking the whole span.
func (b *Buffer[T]) removeEntries(start, end seq.Number) {
	span := uint32(end-start) + 1
	if span >= uint32(b.capacity) {
		for i := range b.valid {
			b.valid[i] = false
		}
		return
	}
	for s := start; s != end+1; s++ {
		b.valid[b.index(s)] = false
	}
}

// Remove invalidates the slot holding s, if any.
func (b *Buffer[T]) Remove(s seq.Number) {
	i := b.index(s)
	if b.valid[i] && b.sequences[i] == s {
		b.valid[i] = false
	}
}

// Find returns a pointer to the value stored at s, or nil if s is not
// currently held.
func (b *Buffer[T]) Find(s seq.Number) *T {
	i := b.index(s)
	if b.valid[i] && b.sequences[i] == s {
		return &b.data[i]
	}
	return nil
}

// Exists reports whether s is currently held.
func (b *Buffer[T]) Exists(s seq.Number) bool {
	return b.Find(s) != nil
}

// Available reports whether s's slot is free to Insert without silently
// clobbering a still-live entry. A slot is occupied exactly when it holds
// a valid entry; since capacity divides 65536, the only entry that could
// ever occupy s's slot at a given moment is the one inserted at s itself
// (mod a multiple of the capacity), so "valid" is sufficient: there's no
// other sequence's entry to distinguish it from. Callers (e.g. the
// reliable channel's send queue) use this to detect a full queue: the
// slot for the next id to assign is still held by an entry nothing has
// removed yet.
func (b *Buffer[T]) Available(s seq.Number) bool {
	return !b.valid[b.index(s)]
}

// GetAtIndex returns the value stored at raw slot i (0 <= i < Capacity),
// its sequence number, and whether the slot is valid. It exists for
// sweeping the whole buffer (e.g. channel reset) without needing to know
// which sequences are in use.
func (b *Buffer[T]) GetAtIndex(i uint16) (value *T, sequence seq.Number, valid bool) {
	return &b.data[i], b.sequences[i], b.valid[i]
}

// NextSequence returns the sequence the buffer expects to insert next.
func (b *Buffer[T]) NextSequence() seq.Number { return b.nextSequence }

// Reset clears every slot and resets nextSequence to zero.
func (b *Buffer[T]) Reset() {
	for i := range b.valid {
		b.valid[i] = false
		var zero T
		b.data[i] = zero
	}
	b.nextSequence = 0
}
