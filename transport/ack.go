package transport

import "github.com/anon55555/reliable/seq"

// ackWindow is the number of sequence numbers an ack bitfield can cover:
// the most recently reported one and the 31 behind it.
const ackWindow = 32

// ackCore is the wire-level packet sequencing and ack bitfield bookkeeping
// shared by every Endpoint implementation. It mirrors the ack-bitfield
// scheme common to UDP reliability layers (a single "highest sequence
// seen" plus a 32-bit mask of it and the 31 before it, piggybacked on every
// outgoing packet) so an Endpoint never needs one wire round trip per ack.
type ackCore struct {
	localSeq seq.Number // next value NextPacketSequence returns

	haveRemote   bool
	remoteSeq    seq.Number // highest inbound sequence seen
	receivedMask uint32     // bit i set means remoteSeq-i was received

	pendingAcks []seq.Number
}

// peekSeq returns the sequence the next SendPacket will stamp, without
// consuming it: NextPacketSequence may be called any number of times
// between two sends and must keep returning the same value.
func (a *ackCore) peekSeq() seq.Number {
	return a.localSeq
}

// advanceSeq consumes the current outbound sequence, called exactly once
// per SendPacket.
func (a *ackCore) advanceSeq() {
	a.localSeq++
}

// header returns the ack fields to stamp on an outgoing packet.
func (a *ackCore) header() (ackSeq seq.Number, ackBits uint32) {
	return a.remoteSeq, a.receivedMask
}

// recordReceived folds an inbound packet's sequence number into the
// received-history bitfield.
func (a *ackCore) recordReceived(s seq.Number) {
	if !a.haveRemote {
		a.haveRemote = true
		a.remoteSeq = s
		a.receivedMask = 1
		return
	}
	if seq.GreaterThan(s, a.remoteSeq) {
		shift := uint32(s - a.remoteSeq)
		if shift >= ackWindow {
			a.receivedMask = 0
		} else {
			a.receivedMask <<= shift
		}
		a.remoteSeq = s
		a.receivedMask |= 1
		return
	}
	diff := uint32(a.remoteSeq - s)
	if diff < ackWindow {
		a.receivedMask |= 1 << diff
	}
}

// recordAcks decodes an inbound packet's ack fields into newly-confirmed
// outbound sequence numbers, appended to pendingAcks.
func (a *ackCore) recordAcks(ackSeq seq.Number, ackBits uint32) {
	for i := uint32(0); i < ackWindow; i++ {
		if ackBits&(1<<i) == 0 {
			continue
		}
		a.pendingAcks = append(a.pendingAcks, ackSeq-seq.Number(i))
	}
}

func (a *ackCore) acks() []seq.Number {
	return a.pendingAcks
}

func (a *ackCore) clearAcks() {
	a.pendingAcks = nil
}
