// Package channel implements the reliable-ordered and
// unreliable-unordered channels and the on-wire ChannelPacketData codec
// they share.
package channel

import (
	"time"

	"github.com/anon55555/reliable/message"
)

// Channel is the upward/internal API a connection drives: the
// application-facing send/receive/counter/error methods, plus the
// packet-generation, packet-processing, ack and time-advance hooks the
// owning Connection calls once per tick. Rather than a polymorphic base
// type with an unsafe downcast, this is a plain interface implemented by
// *Reliable and *Unreliable; the connection dispatches through it without
// knowing which.
type Channel interface {
	// CanSendMessage reports whether SendMessage would currently succeed.
	CanSendMessage() bool
	// HasMessagesToSend reports whether any message is queued to send.
	HasMessagesToSend() bool
	// SendMessage enqueues m. It always takes ownership of m: on any
	// rejection (sticky error, full queue) it releases m itself.
	SendMessage(m *message.Message)
	// ReceiveMessage dequeues the next deliverable message, or nil.
	ReceiveMessage() *message.Message
	// ResetCounters zeroes every counter.
	ResetCounters()
	// GetCounter returns the current value of one counter.
	GetCounter(kind CounterKind) uint64
	// GetErrorLevel returns the channel's sticky error state.
	GetErrorLevel() ErrorLevel
	// Reset releases every owned message and returns the channel to its
	// freshly constructed state.
	Reset()
	// CodecConfig returns the parameters Encode/Decode need to read or
	// write this channel's entries, so a connection can pick the right
	// one per entry without knowing the concrete channel type.
	CodecConfig() CodecConfig

	// GeneratePacketData asks the channel to contribute to the packet
	// with sequence packetSeq, within availableBits. It returns nil and
	// 0 if the channel has nothing to send this tick.
	GeneratePacketData(packetSeq uint16, availableBits int, now time.Time) (*PacketData, int)
	// ProcessPacketData integrates a decoded entry addressed to this
	// channel, received in packet packetSeq.
	ProcessPacketData(pd *PacketData, packetSeq uint16)
	// ProcessAck reports that packetSeq was acknowledged by the peer.
	ProcessAck(packetSeq uint16)
	// AdvanceTime is called once per connection tick. Neither channel
	// keeps an internal clock; all resend decisions use the `now` passed
	// to GeneratePacketData, so this exists only so the
	// Channel interface has one hook the connection can call uniformly
	// before checking GetErrorLevel.
	AdvanceTime(now time.Time)
}
