package channel

import "fmt"

// ErrorLevel is a channel's sticky error state. Once non-None, a channel
// stops accepting sends and stops delivering receives until Reset.
type ErrorLevel int

const (
	ErrorNone ErrorLevel = iota
	ErrorSendQueueFull
	ErrorDesync
	ErrorFailedToDeserialize
	ErrorBlocksDisabled
	ErrorOutOfMemory
)

func (e ErrorLevel) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorSendQueueFull:
		return "send queue full"
	case ErrorDesync:
		return "desync"
	case ErrorFailedToDeserialize:
		return "failed to deserialize"
	case ErrorBlocksDisabled:
		return "blocks disabled"
	case ErrorOutOfMemory:
		return "out of memory"
	default:
		return fmt.Sprintf("ErrorLevel(%d)", int(e))
	}
}

// CounterKind names one of a channel's running counters.
type CounterKind int

const (
	CounterMessagesSent CounterKind = iota
	CounterMessagesReceived
	// CounterDropped counts unreliable messages discarded because they
	// didn't fit the remaining packet budget (the §9 open question (a)
	// decision: drop rather than re-queue, made observable), or because
	// the send or receive queue was full.
	CounterDropped
	// CounterResent counts reliable non-block messages and block
	// fragments retransmitted after their resend timer elapsed.
	CounterResent

	numCounters
)

type counters [numCounters]uint64

func (c *counters) inc(kind CounterKind) { c[kind]++ }

func (c *counters) get(kind CounterKind) uint64 { return c[kind] }

func (c *counters) reset() { *c = counters{} }
