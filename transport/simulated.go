package transport

import (
	"math/rand"
	"sync"
	"time"
)

// pendingDelivery is a framed packet waiting out its simulated jitter
// delay before it becomes visible to Recv.
type pendingDelivery struct {
	deliverAt time.Time
	raw       []byte
}

// Simulated is a Loopback-like Endpoint pair that drops and delays
// packets, for exercising the reliable channel's retransmission and the
// unreliable channel's drop behavior without a real lossy network.
//
// It composes as a pair (NewSimulatedLoopbackPair), not as a decorator
// over an arbitrary Endpoint: loss has to be simulated by still consuming
// a sequence number (a dropped packet was still "sent", just never
// arrived) while withholding delivery, and jitter has to delay delivery
// without blocking SendPacket. Both require owning the sequencing and the
// delivery queue on the same side of the wire, which a decorator sitting
// outside another Endpoint's own ackCore cannot do without duplicating or
// fighting that bookkeeping.
type Simulated struct {
	peer *Simulated

	rng             *rand.Rand
	lossProbability float64
	jitter          time.Duration
	now             func() time.Time

	mu      sync.Mutex
	ack     ackCore
	pending []pendingDelivery
	inbox   [][]byte
}

// NewSimulatedLoopbackPair returns two Simulated endpoints wired to each
// other. lossProbability is the chance (0..1) any given outbound packet
// never arrives; jitter is the maximum extra delay (uniform in
// [0, jitter]) applied to a packet that does arrive. seed makes a run
// reproducible.
func NewSimulatedLoopbackPair(lossProbability float64, jitter time.Duration, seed int64) (a, b *Simulated) {
	a = &Simulated{rng: rand.New(rand.NewSource(seed)), lossProbability: lossProbability, jitter: jitter, now: time.Now}
	b = &Simulated{rng: rand.New(rand.NewSource(seed + 1)), lossProbability: lossProbability, jitter: jitter, now: time.Now}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *Simulated) NextPacketSequence() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack.peekSeq()
}

func (s *Simulated) SendPacket(body []byte) error {
	s.mu.Lock()
	seq := s.ack.peekSeq()
	ackSeq, ackBits := s.ack.header()
	s.ack.advanceSeq()
	drop := s.rng.Float64() < s.lossProbability
	var delay time.Duration
	if s.jitter > 0 {
		delay = time.Duration(s.rng.Int63n(int64(s.jitter) + 1))
	}
	s.mu.Unlock()

	if drop {
		return nil
	}

	out := make([]byte, headerSize+len(body))
	encodeHeader(out, seq, ackSeq, ackBits)
	copy(out[headerSize:], body)

	s.peer.schedule(s.now().Add(delay), out)
	return nil
}

func (s *Simulated) schedule(deliverAt time.Time, raw []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, pendingDelivery{deliverAt: deliverAt, raw: raw})
	s.mu.Unlock()
}

func (s *Simulated) flushDue() {
	now := s.now()
	kept := s.pending[:0]
	for _, p := range s.pending {
		if !now.Before(p.deliverAt) {
			s.inbox = append(s.inbox, p.raw)
		} else {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

func (s *Simulated) Recv() (uint16, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushDue()
	if len(s.inbox) == 0 {
		return 0, nil, false
	}
	raw := s.inbox[0]
	s.inbox = s.inbox[1:]

	seq, ackSeq, ackBits, ok := decodeHeader(raw)
	if !ok {
		return 0, nil, false
	}
	s.ack.recordReceived(seq)
	s.ack.recordAcks(ackSeq, ackBits)
	return seq, raw[headerSize:], true
}

func (s *Simulated) Acks() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.ack.acks()...)
}

func (s *Simulated) ClearAcks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack.clearAcks()
}

// Close is a no-op: a Simulated pair owns no external resource.
func (s *Simulated) Close() error { return nil }
